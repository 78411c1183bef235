// Package orchestrator runs the installation phases in order.
//
// A run moves Pending -> <phase> ... -> Done, or stops in Failed or
// Interrupted at the first phase that returns an error. Phases are never
// retried or rolled back here; re-running the installer is the recovery path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// ErrAlreadyRan is returned by a second Run on the same Orchestrator.
var ErrAlreadyRan = errors.New("orchestrator already ran")

// Phase is one step of the installation.
type Phase interface {
	Name() string
	// Describe lists what the phase would do. It must not touch the host.
	Describe() []string
	Run(ctx context.Context) error
}

// PhaseObserver is told how each phase ended.
type PhaseObserver interface {
	ObservePhase(phase string, d time.Duration, err error)
}

// State is the orchestrator's position. While a phase runs the state is the
// phase name.
type State string

const (
	StatePending     State = "Pending"
	StateDone        State = "Done"
	StateFailed      State = "Failed"
	StateInterrupted State = "Interrupted"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateInterrupted
}

// Orchestrator drives a fixed list of phases once.
type Orchestrator struct {
	phases   []Phase
	printer  *tui.Printer
	observer PhaseObserver
	dryRun   bool

	mu      sync.Mutex
	started bool
	state   State
	current string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPrinter sets where progress is printed.
func WithPrinter(p *tui.Printer) Option {
	return func(o *Orchestrator) { o.printer = p }
}

// WithObserver records phase durations and results.
func WithObserver(obs PhaseObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithDryRun prints the plan instead of running it.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// New returns an orchestrator for phases, run in the given order.
func New(phases []Phase, opts ...Option) *Orchestrator {
	o := &Orchestrator{phases: phases, state: StatePending}
	for _, opt := range opts {
		opt(o)
	}
	if o.printer == nil {
		o.printer = tui.NewPrinter(nil)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the phase that is running or that ended the run.
func (o *Orchestrator) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) setState(s State, phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	if phase != "" {
		o.current = phase
	}
}

// Run executes every phase in order and stops at the first error, which is
// returned as "phase <name> failed: <cause>".
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyRan
	}
	o.started = true
	o.mu.Unlock()

	if o.dryRun {
		o.describe()
		o.setState(StateDone, "")
		return nil
	}

	log := logger.FromContext(ctx)
	total := len(o.phases)
	for i, p := range o.phases {
		name := p.Name()
		if ctx.Err() != nil {
			o.setState(StateInterrupted, name)
			return fmt.Errorf("phase %s failed: %w", name, apperrors.ErrInterrupted)
		}

		o.setState(State(name), name)
		o.printer.Phase(i+1, total, name)
		phaseLog := log.With("phase", name)
		phaseLog.Info("phase started")

		start := time.Now()
		err := p.Run(logger.WithContext(ctx, phaseLog))
		elapsed := time.Since(start)
		if err != nil && !errors.Is(err, apperrors.ErrInterrupted) && errors.Is(ctx.Err(), context.Canceled) {
			err = fmt.Errorf("%w: %w", apperrors.ErrInterrupted, err)
		}
		if o.observer != nil {
			o.observer.ObservePhase(name, elapsed, err)
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrInterrupted) {
				o.setState(StateInterrupted, name)
			} else {
				o.setState(StateFailed, name)
			}
			phaseLog.Error(err, "phase failed")
			return fmt.Errorf("phase %s failed: %w", name, err)
		}

		phaseLog.With("duration", elapsed.Round(time.Second).String()).Info("phase completed")
		o.printer.Success(fmt.Sprintf("%s completed", name))
	}

	o.setState(StateDone, "")
	return nil
}

// describe prints the dry-run plan: framework initialization as step one,
// then one step per phase with its Describe lines.
func (o *Orchestrator) describe() {
	total := len(o.phases) + 1
	o.printer.Info("DRY RUN MODE: no changes will be made")
	o.printer.Blank()
	o.printer.Step(1, total, "Framework initialization (completed)")
	for i, p := range o.phases {
		o.printer.Step(i+2, total, p.Name())
		for _, line := range p.Describe() {
			o.printer.Detail(line)
		}
	}
	o.printer.Blank()
	o.printer.Success("Dry run complete")
}
