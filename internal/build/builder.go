package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/ownership"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/artifact"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/checkout"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	cloneAttempts   = 3
	cloneDelay      = 5 * time.Second
	installAttempts = 3
	installDelay    = 5 * time.Second
)

// NodeObserver is told how long each project took.
type NodeObserver interface {
	ObserveBuildNode(project string, d time.Duration, err error)
}

// Builder runs the graph one node at a time.
type Builder struct {
	Exec  executor.Executor
	Guard *ownership.Guard
	// Source returns the checkout resource for p. Defaults to a git
	// checkout of p.URL, or a local source when p.URL is empty.
	Source    func(p *Project) resource.Resource
	Observers []resource.Observer
	Nodes     NodeObserver
	// RetryOptions are appended to every retry policy, mainly for tests.
	RetryOptions []retry.Option
	// Rebuild runs install and compile steps even when the checkout was
	// untouched and every artifact is already in place.
	Rebuild bool
}

// Run builds every node in level order. The first failure stops the walk,
// so no dependent of a failed node is started.
func (b *Builder) Run(ctx context.Context, g *Graph) error {
	log := logger.FromContext(ctx)
	order := g.Order()
	log.Info("build order: " + strings.Join(order, " → "))

	for i, id := range order {
		if ctx.Err() != nil {
			return fmt.Errorf("build %s: %w", id, apperrors.ErrInterrupted)
		}
		p := g.Project(id)
		nodeLog := log.WithFields(map[string]any{"project": p.Name, "node": fmt.Sprintf("%d/%d", i+1, len(order))})
		nodeLog.Info("building " + p.Name)

		start := time.Now()
		err := b.guard().Scope(logger.WithContext(ctx, nodeLog), p.Dir, func(ctx context.Context) error {
			return b.buildNode(ctx, p)
		})
		if b.Nodes != nil {
			b.Nodes.ObserveBuildNode(p.Name, time.Since(start), err)
		}
		if err != nil {
			return err
		}
		nodeLog.WithFields(map[string]any{"duration": time.Since(start).Round(time.Second).String()}).Info("built " + p.Name)
	}
	return nil
}

// Describe lists the build order and each node's commands without probing.
func Describe(g *Graph) []string {
	lines := []string{"build order: " + strings.Join(g.Order(), " → ")}
	for _, id := range g.Order() {
		p := g.Project(id)
		for _, l := range p.Describe() {
			lines = append(lines, fmt.Sprintf("%s: %s", p.Name, l))
		}
	}
	return lines
}

func (b *Builder) buildNode(ctx context.Context, p *Project) error {
	src := b.source(p)
	changed := false
	err := retry.Do(ctx, func(ctx context.Context) error {
		out, err := resource.Reconcile(ctx, src, b.Observers...)
		changed = changed || out.Mutated()
		return err
	}, b.retryOpts("clone "+p.Name, cloneAttempts, cloneDelay)...)
	if err != nil {
		if errors.Is(err, apperrors.ErrInterrupted) {
			return err
		}
		var hints []string
		if h, ok := src.(resource.Hinter); ok {
			hints = h.Hints()
		}
		return apperrors.Fatal("checkout "+p.Name, err, fmt.Sprintf("could not obtain %s sources", p.Name), hints...)
	}

	for _, r := range p.Prepare {
		out, err := resource.Reconcile(ctx, r, b.Observers...)
		if err != nil {
			return apperrors.Fatal(r.Name(), err, fmt.Sprintf("%s: %s failed", p.Name, r.Name()))
		}
		changed = changed || out.Mutated()
	}

	if !changed && !b.Rebuild && b.artifactsPresent(ctx, p) {
		logger.FromContext(ctx).Info(p.Name + " is up to date")
		return nil
	}

	if p.Install != nil {
		if err := b.install(ctx, p); err != nil {
			return err
		}
	}

	for _, s := range p.Steps {
		res, err := b.Exec.Execute(ctx, s.Argv, executor.Options{Dir: p.Dir, Timeout: s.Timeout, Env: s.Env})
		if err := executor.Check(res, err); err != nil {
			if errors.Is(err, apperrors.ErrInterrupted) {
				return err
			}
			return apperrors.NewFatalError(p.Name+": "+s.String(), err,
				fmt.Sprintf("%s: %s failed", p.Name, stepLabel(s)), s.Hints...)
		}
	}

	for _, spec := range p.Artifacts {
		if _, err := resource.Reconcile(ctx, artifact.New(p.Dir, spec, p.ArtifactHints...), b.Observers...); err != nil {
			return err
		}
	}
	return nil
}

// artifactsPresent probes without fixing anything.
func (b *Builder) artifactsPresent(ctx context.Context, p *Project) bool {
	if len(p.Artifacts) == 0 {
		return false
	}
	for _, spec := range p.Artifacts {
		eval, err := artifact.New(p.Dir, spec).Probe(ctx)
		if err != nil || eval.State != resource.PresentCorrect {
			return false
		}
	}
	return true
}

func (b *Builder) install(ctx context.Context, p *Project) error {
	s := p.Install
	err := retry.Do(ctx, func(ctx context.Context) error {
		res, err := b.Exec.Execute(ctx, s.Argv, executor.Options{Dir: p.Dir, Timeout: s.Timeout, Env: s.Env})
		err = executor.Check(res, err)
		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			// Registry and network hiccups are the usual cause.
			return apperrors.NewTransientError(s.String(), err)
		}
		return err
	}, b.retryOpts(p.Name+": "+s.String(), installAttempts, installDelay)...)
	if err == nil || errors.Is(err, apperrors.ErrInterrupted) {
		return err
	}
	return apperrors.Fatal(p.Name+": "+s.String(), err,
		fmt.Sprintf("%s: %s failed", p.Name, stepLabel(*s)), s.Hints...)
}

func (b *Builder) retryOpts(name string, attempts int, delay time.Duration) []retry.Option {
	opts := []retry.Option{retry.WithName(name), retry.WithMaxAttempts(attempts), retry.WithDelay(delay)}
	return append(opts, b.RetryOptions...)
}

func (b *Builder) source(p *Project) resource.Resource {
	if b.Source != nil {
		return b.Source(p)
	}
	return DefaultSource(p)
}

func (b *Builder) guard() *ownership.Guard {
	if b.Guard != nil {
		return b.Guard
	}
	return ownership.New()
}

// DefaultSource clones p.URL, or expects an existing tree when URL is empty.
func DefaultSource(p *Project) resource.Resource {
	if p.URL == "" {
		return checkout.NewLocal(p.Name, p.Dir)
	}
	return checkout.New(p.Name, p.URL, p.Dir)
}

func stepLabel(s Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.String()
}
