package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	os.Exit(exitCode(root.ExecuteContext(ctx), os.Stderr))
}

// exitCode reports err on w and maps it to the process exit status.
func exitCode(err error, w io.Writer) int {
	if err == nil {
		return exitOK
	}

	var silent *exitError
	if errors.As(err, &silent) {
		return silent.code
	}

	if errors.Is(err, apperrors.ErrInterrupted) || errors.Is(err, context.Canceled) {
		fmt.Fprintln(w, tui.RenderFailure(apperrors.ErrInterrupted))
		return exitInterrupted
	}

	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintln(w, cmdErr.Error())
		return exitFailure
	}

	fmt.Fprintln(w, tui.RenderFailure(err))
	return exitFailure
}

// exitError carries a non-zero status for commands that already reported
// their outcome, such as verify finding drift.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newCommandError(operation, context string, cause error, suggestion string) error {
	return &commandError{operation: operation, context: context, cause: cause, suggestion: suggestion}
}

type commandError struct {
	operation  string
	context    string
	cause      error
	suggestion string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("Failed to %s: %s\n\nError: %v\n\nSuggestion: %s", e.operation, e.context, e.cause, e.suggestion)
}

func (e *commandError) Unwrap() error { return e.cause }
