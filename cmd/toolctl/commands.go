package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/bridge"
	"github.com/rhuss/toolmux/pkg/config"
	"github.com/rhuss/toolmux/pkg/debug"
	"github.com/rhuss/toolmux/pkg/supervisor"
	"github.com/rhuss/toolmux/pkg/tools/dispatch"
	"github.com/rhuss/toolmux/pkg/tools/registry"
)

// sessionFactory overrides how sessions are built. Nil uses the default.
var sessionFactory supervisor.SessionFactory

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolctl",
		Short:         "Inspect and call tools on the configured tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config file")
	root.PersistentFlags().StringSlice("server", nil, "only connect to these servers (repeatable)")
	root.PersistentFlags().Bool("json", false, "print results and errors as JSON")
	root.PersistentFlags().Bool("verbose", false, "log session activity to stderr")

	root.AddCommand(newToolsCmd(), newSessionsCmd(), newCallCmd())
	return root
}

// env is a connected set of sessions.
type env struct {
	reg *registry.Registry
	sup *supervisor.Supervisor
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.sup.Stop(ctx)
}

// connect loads the configuration and connects the selected servers. Servers
// that cannot be reached are reported by the sessions command and otherwise
// skipped.
func connect(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitError(exitRuntime, string(api.ErrorTypeInvalidRequest), "%v", err)
	}

	servers := cfg.MCP.Servers
	if only, _ := cmd.Flags().GetStringSlice("server"); len(only) > 0 {
		servers = servers[:0:0]
		for _, name := range only {
			found := false
			for _, s := range cfg.MCP.Servers {
				if s.Name == name {
					servers = append(servers, s)
					found = true
				}
			}
			if !found {
				return nil, exitError(exitUsage, string(api.ErrorTypeNotFound), "server %q is not configured", name)
			}
		}
	}
	if len(servers) == 0 {
		return nil, exitError(exitRuntime, string(api.ErrorTypeInvalidRequest), "no tool servers configured")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = slog.New(debug.NewHandler(cmd.ErrOrStderr(), cfg.Logging.Format, slog.LevelDebug))
	}

	reg := registry.New(registry.WithLogger(logger))
	opts := []supervisor.Option{supervisor.WithLogger(logger)}
	if sessionFactory != nil {
		opts = append(opts, supervisor.WithSessionFactory(sessionFactory))
	}
	sup := supervisor.New(reg, supervisor.Config{
		Servers: servers,
		Session: cfg.MCP.SessionOptions(),
	}, opts...)
	if err := sup.Start(cmd.Context()); err != nil {
		return nil, exitError(exitRuntime, string(api.ErrorTypeServerError), "%v", err)
	}
	return &env{reg: reg, sup: sup}, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the merged tool catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := connect(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			defs := bridge.New(e.reg, dispatch.New(e.reg)).Tools()
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), defs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVER\tSHADOWED\tDESCRIPTION")
			for _, d := range defs {
				shadowed := strings.Join(d.ShadowedBy, ",")
				if shadowed == "" {
					shadowed = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Server, shadowed, debug.Truncate(d.Description, 60))
			}
			return w.Flush()
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show the state of each tool server session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := connect(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			infos := e.sup.Sessions()
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), infos)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRANSPORT\tSTATE\tTOOLS\tENDPOINT\tERROR")
			for _, s := range infos {
				errText := s.Error
				if errText == "" {
					errText = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.Transport, s.State, s.Tools, s.Endpoint, errText)
			}
			return w.Flush()
		},
	}
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool and print its output",
		Args:  cobra.ExactArgs(1),
		RunE:  runCall,
	}
	cmd.Flags().String("args", "{}", "tool arguments as a JSON object")
	cmd.Flags().Duration("timeout", 0, "invocation deadline (default: dispatch.default_timeout)")
	cmd.Flags().Bool("stream", false, "print progress as it arrives")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	rawArgs, _ := cmd.Flags().GetString("args")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	stream, _ := cmd.Flags().GetBool("stream")

	req := api.InvocationRequest{
		Tool:          args[0],
		Arguments:     json.RawMessage(rawArgs),
		CorrelationID: api.NewCorrelationID(),
	}
	if timeout < 0 {
		return exitError(exitUsage, string(api.ErrorTypeInvalidRequest), "--timeout must not be negative")
	}
	if apiErr := api.ValidateInvocationRequest(&req, api.DefaultValidationConfig()); apiErr != nil {
		return exitError(exitUsage, string(apiErr.Type), "%s", apiErr.Message)
	}

	e, err := connect(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	// The deadline covers the call only, not connecting.
	if timeout > 0 {
		req.Deadline = time.Now().Add(timeout)
	}

	d := dispatch.New(e.reg)
	defer d.Wait()

	out := cmd.OutOrStdout()
	for r := range d.Invoke(cmd.Context(), req) {
		switch r.Kind {
		case api.ResultPartial:
			if stream && !jsonOutput(cmd) {
				fmt.Fprintln(cmd.ErrOrStderr(), formatChunk(r.Chunk))
			}
		case api.ResultSuccess:
			if jsonOutput(cmd) {
				return printJSON(out, r)
			}
			if len(r.Output.Structured) > 0 && r.Output.Text == "" {
				_, err := fmt.Fprintln(out, string(r.Output.Structured))
				return err
			}
			_, err := fmt.Fprintln(out, r.Output.Text)
			return err
		case api.ResultFailure:
			apiErr := api.APIErrorFromFailure(r.Failure)
			return exitError(exitInvocation, string(apiErr.Type), "%s: %s", r.Failure.Kind, r.Failure.Message)
		}
	}
	return exitError(exitRuntime, string(api.ErrorTypeServerError), "invocation ended without a result")
}

func formatChunk(c *api.Chunk) string {
	if c == nil {
		return "..."
	}
	var b strings.Builder
	if c.Total > 0 {
		fmt.Fprintf(&b, "[%g/%g]", c.Progress, c.Total)
	} else if c.Progress > 0 {
		fmt.Fprintf(&b, "[%g]", c.Progress)
	}
	if c.Message != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.Message)
	}
	return b.String()
}

// reportError prints err to stderr, as an error envelope with --json.
func reportError(cmd *cobra.Command, err error) {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		exitErr = exitError(exitUsage, string(api.ErrorTypeInvalidRequest), "%v", err)
	}
	if jsonOutput(cmd) {
		_ = printJSON(cmd.ErrOrStderr(), api.ErrorResponse{Error: &api.APIError{
			Type:    api.ErrorType(exitErr.Type),
			Message: exitErr.Message,
		}})
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", exitErr.Message)
}
