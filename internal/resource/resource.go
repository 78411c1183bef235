// Package resource defines the probe/reconcile/verify contract shared by every
// provisioned object.
package resource

import (
	"context"
	"fmt"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// State is the live relation between a resource and its desired shape.
type State int

const (
	// Missing means the resource does not exist.
	Missing State = iota
	// PresentCorrect means the resource exists as desired.
	PresentCorrect
	// PresentDivergent means the resource exists but needs an in-place update.
	PresentDivergent
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case PresentCorrect:
		return "present"
	case PresentDivergent:
		return "divergent"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Evaluation is the result of a read-only probe.
type Evaluation struct {
	State State
	// Message explains what the probe found.
	Message string
	// Diff optionally describes what reconcile would change.
	Diff string
}

// Resource is implemented once per resource kind. Probe must re-query the
// host every time and must not mutate anything.
type Resource interface {
	Name() string
	Probe(ctx context.Context) (Evaluation, error)
	Create(ctx context.Context) error
	// Update fixes a divergent resource in place without destroying it.
	Update(ctx context.Context) error
}

// Describer supplies dry-run text without probing.
type Describer interface {
	Describe() string
}

// Hinter supplies remediation commands when verification fails.
type Hinter interface {
	Hints() []string
}

// Action records what Reconcile did.
type Action string

const (
	ActionNone    Action = "none"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Outcome summarizes a reconcile.
type Outcome struct {
	Resource string
	Before   State
	Action   Action
	Message  string
}

// Mutated reports whether reconcile changed the host.
func (o Outcome) Mutated() bool {
	return o.Action != ActionNone
}

// Observer receives reconcile outcomes, typically for metrics.
type Observer interface {
	ObserveReconcile(Outcome, error)
}

// Reconcile brings r to PresentCorrect: Missing is created, PresentDivergent is
// updated, PresentCorrect is left alone. The final probe must report
// PresentCorrect or a *VerifyError is returned.
func Reconcile(ctx context.Context, r Resource, observers ...Observer) (out Outcome, err error) {
	out = Outcome{Resource: r.Name(), Action: ActionNone}
	defer func() {
		for _, o := range observers {
			if o != nil {
				o.ObserveReconcile(out, err)
			}
		}
	}()

	log := logger.FromContext(ctx).With("resource", r.Name())

	eval, err := r.Probe(ctx)
	if err != nil {
		return out, fmt.Errorf("probe %s: %w", r.Name(), err)
	}
	out.Before = eval.State
	out.Message = eval.Message

	switch eval.State {
	case PresentCorrect:
		log.Debug("already in desired state: " + eval.Message)
		return out, nil
	case Missing:
		log.Info("creating: " + eval.Message)
		if err := r.Create(ctx); err != nil {
			return out, fmt.Errorf("create %s: %w", r.Name(), err)
		}
		out.Action = ActionCreated
	case PresentDivergent:
		log.Info("updating in place: " + eval.Message)
		if err := r.Update(ctx); err != nil {
			return out, fmt.Errorf("update %s: %w", r.Name(), err)
		}
		out.Action = ActionUpdated
	default:
		return out, fmt.Errorf("probe %s: unknown state %v", r.Name(), eval.State)
	}

	if err := Verify(ctx, r); err != nil {
		return out, err
	}
	return out, nil
}

// Verify re-probes r and requires PresentCorrect.
func Verify(ctx context.Context, r Resource) error {
	eval, err := r.Probe(ctx)
	if err != nil {
		return fmt.Errorf("verify %s: %w", r.Name(), err)
	}
	if eval.State != PresentCorrect {
		var hints []string
		if h, ok := r.(Hinter); ok {
			hints = h.Hints()
		}
		return &VerifyError{Resource: r.Name(), State: eval.State, Message: eval.Message, Hints: hints}
	}
	return nil
}

// Describe returns the dry-run description of r. It never probes.
func Describe(r Resource) string {
	if d, ok := r.(Describer); ok {
		return d.Describe()
	}
	return "ensure " + r.Name()
}

// VerifyError reports a resource that is not PresentCorrect after reconcile.
type VerifyError struct {
	Resource string
	State    State
	Message  string
	Hints    []string
}

func (e *VerifyError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("verification of %s failed: still %s", e.Resource, e.State)
	}
	return fmt.Sprintf("verification of %s failed: still %s (%s)", e.Resource, e.State, e.Message)
}

// Unwrap classifies verification failures as fatal.
func (e *VerifyError) Unwrap() error {
	return &apperrors.FatalError{
		Op:          "verify " + e.Resource,
		Diagnosis:   fmt.Sprintf("%s is %s after reconcile", e.Resource, e.State),
		Remediation: e.Hints,
	}
}
