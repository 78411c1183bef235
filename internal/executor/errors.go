package executor

import (
	"fmt"
	"time"
)

// TimeoutError is returned when a process exceeded its deadline and was killed.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Command, e.Timeout)
}

// Temporary marks timeouts as worth retrying.
func (e *TimeoutError) Temporary() bool { return true }

// NotFoundError is returned when the binary is not on PATH.
type NotFoundError struct {
	Binary string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("command %q not found", e.Binary)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ExitError is returned in strict mode for a non-zero exit.
type ExitError struct {
	Result Result
}

func (e *ExitError) Error() string {
	msg := e.Result.PrimaryOutput()
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Result.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Result.Command, e.Result.ExitCode, msg)
}

// Check folds a non-zero exit into an *ExitError so callers can treat every
// failure as an error.
func Check(res Result, err error) error {
	if err != nil {
		return err
	}
	if !res.Success {
		return &ExitError{Result: res}
	}
	return nil
}
