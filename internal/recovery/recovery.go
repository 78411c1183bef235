// Package recovery escalates exhausted recoverable failures to the operator.
//
// A guarded operation moves through two states once retries run out: Blocked,
// where the runbook is shown and the channel waits for the operator, and
// Resuming, where the operation is attempted exactly once more.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// ErrNonInteractive is returned by channels that cannot wait for an operator.
var ErrNonInteractive = errors.New("interactive recovery disabled")

// Channel blocks until the operator confirms the manual fix. It returns nil on
// confirmation and an error wrapping apperrors.ErrInterrupted on abort.
type Channel interface {
	Block(ctx context.Context, rb Runbook) error
}

// Field is a key/value line shown above the runbook steps.
type Field struct {
	Key   string
	Value string
}

// Step is one manual remediation step.
type Step struct {
	Title    string
	Commands []string
	Notes    []string
}

// Runbook is the resource-specific manual fix shown while blocked.
type Runbook struct {
	Title   string
	Summary string
	Context []Field
	Steps   []Step
}

// Commands flattens every step's commands.
func (rb Runbook) Commands() []string {
	var out []string
	for _, s := range rb.Steps {
		out = append(out, s.Commands...)
	}
	return out
}

// NonInteractive fails fast instead of blocking.
type NonInteractive struct{}

// Block implements Channel.
func (NonInteractive) Block(context.Context, Runbook) error {
	return ErrNonInteractive
}

// Guard runs op under the retry policy. Recoverable failures that survive the
// retries block on ch; after confirmation op runs exactly once more and a
// second failure is fatal. Transient exhaustion and fatal errors are returned
// unchanged.
func Guard(ctx context.Context, ch Channel, name string, op func(ctx context.Context) error, rb Runbook, opts ...retry.Option) error {
	opts = append([]retry.Option{retry.WithName(name)}, opts...)
	err := retry.Do(ctx, op, opts...)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrInterrupted) || !apperrors.IsRecoverable(err) {
		return err
	}

	if carried := runbookFrom(err); carried != nil {
		rb = *carried
	}

	log := logger.FromContext(ctx).With("operation", name)
	if ch == nil {
		ch = NonInteractive{}
	}

	log.Warn("blocked: waiting for manual intervention")
	if berr := ch.Block(ctx, rb); berr != nil {
		if errors.Is(berr, apperrors.ErrInterrupted) {
			return berr
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", name, apperrors.ErrInterrupted)
		}
		return apperrors.NewFatalError(name, fmt.Errorf("%w: %w", berr, err),
			fmt.Sprintf("%s failed and interactive recovery is not available", name),
			rb.Commands()...)
	}

	log.Info("resuming after manual intervention")
	if rerr := op(ctx); rerr != nil {
		if errors.Is(rerr, apperrors.ErrInterrupted) {
			return rerr
		}
		return apperrors.NewFatalError(name, rerr,
			fmt.Sprintf("%s still failing after manual intervention", name),
			rb.Commands()...)
	}
	log.Info("recovered")
	return nil
}

func runbookFrom(err error) *Runbook {
	var rec *apperrors.RecoverableError
	if errors.As(err, &rec) {
		switch rb := rec.Runbook.(type) {
		case Runbook:
			return &rb
		case *Runbook:
			return rb
		}
	}
	return nil
}
