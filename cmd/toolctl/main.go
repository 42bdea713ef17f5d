// Command toolctl talks to the configured tool servers directly, without a
// running gateway. It reads the same configuration as the server.
//
//	toolctl tools
//	toolctl sessions
//	toolctl call echo --args '{"message":"hi"}' --stream
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRuntime)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, newRootCmd())
	stop()
	os.Exit(code)
}

// execute runs root, reports any error and returns the exit code.
func execute(ctx context.Context, root *cobra.Command) int {
	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	reportError(cmd, err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitUsage
}

// Exit codes.
const (
	exitRuntime    = 1 // configuration or connection problem
	exitUsage      = 2 // bad flags or arguments
	exitInvocation = 3 // the tool call ended in a failure
)

// ExitError is an error that carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
	Type    string // error envelope type for --json output
}

func (e *ExitError) Error() string { return e.Message }

func exitError(code int, typ, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Type: typ, Message: fmt.Sprintf(format, args...)}
}

// loadDotEnv loads environment variables from path. A missing file is not
// an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
