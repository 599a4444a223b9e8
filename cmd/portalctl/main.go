package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/portalctl/internal/orchestrator"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return exitCode(root.ExecuteContext(ctx), stderr)
}

// exitCode maps the outcome of a command: the bound process's own exit code
// when it terminated, 1 for any other failure.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exit *orchestrator.ExitError
	if errors.As(err, &exit) {
		_, _ = fmt.Fprintln(stderr, exit.Error())
		return processStatus(exit.Code)
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// processStatus fits a device exit code into a process status. Codes the OS
// would truncate to another value, or to success, become 1.
func processStatus(code int) int {
	if code < 0 || code > 255 {
		return 1
	}
	return code
}
