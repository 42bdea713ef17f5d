// Command mcp-test-server runs a tool server for trying out the toolmux
// gateway locally. It exposes the stock test tools (echo, sleep, countdown,
// fail) plus get_time over streamable HTTP, SSE, or stdio.
//
//	mcp-test-server -addr :9000 -transport streamable-http -name demo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/toolmux/pkg/debug"
	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
	"github.com/rhuss/toolmux/pkg/tools/mcp/mcptest"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address for HTTP transports")
	transport := flag.String("transport", toolmcp.TransportStreamableHTTP, "streamable-http, sse, or stdio")
	name := flag.String("name", "toolmux-test", "server implementation name")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring .env file", "error", err)
	}
	// stdout carries the protocol for stdio, so logs always go to stderr.
	debug.Init(debug.Options{Output: os.Stderr})

	if err := run(*addr, *transport, *name); err != nil {
		slog.Error("test server failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, transport, name string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcptest.NewServer(name, append(mcptest.Stock(), getTime())...)

	var handler http.Handler
	switch transport {
	case toolmcp.TransportStdio:
		slog.Info("test server serving stdio", "name", name)
		return server.Run(ctx, &mcp.StdioTransport{})
	case toolmcp.TransportStreamableHTTP:
		handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	case toolmcp.TransportSSE:
		handler = mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil)
	default:
		return fmt.Errorf("unsupported transport %q", transport)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/sse", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("test server starting", "addr", addr, "transport", transport, "name", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// getTime returns the current UTC time.
func getTime() mcptest.ToolSpec {
	return mcptest.ToolSpec{
		Tool: &mcp.Tool{
			Name:        "get_time",
			Description: "Returns the current UTC time",
			InputSchema: map[string]any{"type": "object"},
		},
		Handler: func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: time.Now().UTC().Format(time.RFC3339)}},
			}, nil
		},
	}
}
