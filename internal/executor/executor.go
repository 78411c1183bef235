// Package executor runs external commands and reports their results as data.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Options tune a single invocation.
type Options struct {
	Timeout       time.Duration
	Dir           string
	Env           map[string]string
	CaptureOutput bool
	// Strict turns a non-zero exit into an *ExitError.
	Strict bool
	Stdin  io.Reader
}

// Result is the immutable outcome of one process invocation.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Command  string
	Duration time.Duration
}

// PrimaryOutput returns stderr if present, otherwise stdout.
func (r Result) PrimaryOutput() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Executor runs commands. Implementations never retry.
type Executor interface {
	Execute(ctx context.Context, argv []string, opts Options) (Result, error)
}

// System executes commands on the local host.
type System struct {
	log    *logger.Logger
	stdout io.Writer
	stderr io.Writer
}

// SystemOption configures a System executor.
type SystemOption func(*System)

// WithOutput redirects streamed (non-captured) output.
func WithOutput(stdout, stderr io.Writer) SystemOption {
	return func(s *System) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// New returns an executor backed by os/exec.
func New(log *logger.Logger, opts ...SystemOption) *System {
	s := &System{log: log, stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Executor = (*System)(nil)

// Execute runs argv and returns its result. A non-zero exit is reported in the
// result; it is an error only in strict mode.
func (s *System) Execute(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	command := FormatCommand(argv)
	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.Stdin = opts.Stdin
	cmd.WaitDelay = 5 * time.Second

	s.log.WithFields(map[string]any{"dir": opts.Dir, "timeout": opts.Timeout.String()}).Debug("exec: " + command)

	start := time.Now()
	var out streamResult
	var runErr error
	if opts.CaptureOutput {
		var stdoutBuf, stderrBuf bytes.Buffer
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
		runErr = cmd.Run()
		out = streamResult{Stdout: strings.TrimSpace(stdoutBuf.String()), Stderr: strings.TrimSpace(stderrBuf.String())}
	} else {
		cmd.Stdout = s.stdout
		cmd.Stderr = s.stderr
		out, runErr = runStreaming(cmd)
	}

	res := Result{
		Success:  runErr == nil,
		ExitCode: 0,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Command:  command,
		Duration: time.Since(start),
	}

	if runErr == nil {
		s.log.WithFields(map[string]any{"duration": res.Duration.String()}).Debug("exec ok: " + command)
		return res, nil
	}

	res.ExitCode = -1

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return res, fmt.Errorf("%s: %w", command, apperrors.ErrInterrupted)
	case opts.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, &TimeoutError{Command: command, Timeout: opts.Timeout}
	case errors.Is(runErr, exec.ErrNotFound):
		return res, &NotFoundError{Binary: argv[0], Err: runErr}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		s.log.WithFields(map[string]any{"exit_code": res.ExitCode}).Debug("exec failed: " + command)
		if opts.Strict {
			return res, &ExitError{Result: res}
		}
		return res, nil
	}

	return res, fmt.Errorf("run %s: %w", command, runErr)
}

// Shell wraps a shell snippet for Execute.
func Shell(script string) []string {
	return []string{"sh", "-c", script}
}

// AsUser prefixes argv with sudo -u when user is set.
func AsUser(user string, argv []string) []string {
	if strings.TrimSpace(user) == "" {
		return argv
	}
	return append([]string{"sudo", "-u", user}, argv...)
}

// FormatCommand renders argv for logs and diagnostics.
func FormatCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"") {
			parts[i] = fmt.Sprintf("%q", arg)
			continue
		}
		parts[i] = arg
	}
	return strings.Join(parts, " ")
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
