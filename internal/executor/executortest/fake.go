// Package executortest provides a scripted Executor for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
)

// Handler produces the outcome for a matched command.
type Handler func(argv []string, opts executor.Options) (executor.Result, error)

// Call records one Execute invocation.
type Call struct {
	Argv    []string
	Command string
	Options executor.Options
}

type rule struct {
	prefix  string
	handler Handler
}

// Fake matches commands by prefix of their formatted command line. The most
// recently registered matching rule wins. Unmatched commands succeed with no
// output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

var _ executor.Executor = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On registers h for commands starting with prefix.
func (f *Fake) On(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, handler: h})
	return f
}

// Execute implements executor.Executor.
func (f *Fake) Execute(ctx context.Context, argv []string, opts executor.Options) (executor.Result, error) {
	command := executor.FormatCommand(argv)

	f.mu.Lock()
	f.calls = append(f.calls, Call{Argv: append([]string(nil), argv...), Command: command, Options: opts})
	var h Handler
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(command, f.rules[i].prefix) {
			h = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return executor.Result{Command: command, ExitCode: -1}, err
	}
	if h == nil {
		return executor.Result{Success: true, Command: command}, nil
	}
	res, err := h(argv, opts)
	res.Command = command
	if err == nil && !res.Success && opts.Strict {
		return res, &executor.ExitError{Result: res}
	}
	return res, err
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the formatted command lines in call order.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Command
	}
	return out
}

// Count returns how many calls start with any of the prefixes.
func (f *Fake) Count(prefixes ...string) int {
	n := 0
	for _, c := range f.Calls() {
		for _, p := range prefixes {
			if strings.HasPrefix(c.Command, p) {
				n++
				break
			}
		}
	}
	return n
}

// Contains reports whether any call contains substr.
func (f *Fake) Contains(substr string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, substr) {
			return true
		}
	}
	return false
}

// Reset clears recorded calls but keeps rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// OK succeeds with the given stdout.
func OK(stdout string) Handler {
	return func([]string, executor.Options) (executor.Result, error) {
		return executor.Result{Success: true, Stdout: stdout}, nil
	}
}

// Fail exits with code and stderr.
func Fail(code int, stderr string) Handler {
	return func([]string, executor.Options) (executor.Result, error) {
		return executor.Result{Success: false, ExitCode: code, Stderr: stderr}, nil
	}
}

// Err returns err from Execute.
func Err(err error) Handler {
	return func([]string, executor.Options) (executor.Result, error) {
		return executor.Result{ExitCode: -1}, err
	}
}

// Sequence plays handlers in order; the last one repeats.
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	i := 0
	return func(argv []string, opts executor.Options) (executor.Result, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(argv, opts)
	}
}

// Func adapts a plain function.
func Func(fn func(argv []string) (executor.Result, error)) Handler {
	return func(argv []string, _ executor.Options) (executor.Result, error) {
		return fn(argv)
	}
}

// Mutations returns the command lines that start with none of the read-only
// prefixes, in call order.
func (f *Fake) Mutations(readOnly ...string) []string {
	var out []string
	for _, c := range f.Calls() {
		mutating := true
		for _, p := range readOnly {
			if strings.HasPrefix(c.Command, p) {
				mutating = false
				break
			}
		}
		if mutating {
			out = append(out, c.Command)
		}
	}
	return out
}
