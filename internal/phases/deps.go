// Package phases wires the concrete resources into the four installation
// phases: Dependencies, Database, Build and Services.
package phases

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/build"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/orchestrator"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/ownership"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Deps is everything the phases share. Host hooks left at their zero value
// talk to the real host.
type Deps struct {
	Config    *config.Installation
	Exec      executor.Executor
	Recovery  recovery.Channel
	Printer   *tui.Printer
	Observers []resource.Observer
	Nodes     build.NodeObserver
	Ownership *ownership.Guard
	// RetryOptions are appended to every retry policy.
	RetryOptions []retry.Option
	// Rebuild forces install and compile steps on up-to-date projects.
	Rebuild bool

	LookPath       func(string) (string, error)
	Stat           func(string) (os.FileInfo, error)
	ReadFile       func(string) ([]byte, error)
	UnitDir        string
	ClusterDir     string
	HTTPClient     *http.Client
	VirtioURL      string
	VirtioSearch   []string
	VirtioMinBytes int64
	Sleep          func(ctx context.Context, d time.Duration) error
	Source         func(p *build.Project) resource.Resource
}

// Inventory is implemented by phases whose resources can be probed on their
// own, which is what the verify command does.
type Inventory interface {
	Resources(ctx context.Context) []resource.Resource
}

// New returns the phases in run order.
func New(d *Deps) []orchestrator.Phase {
	return []orchestrator.Phase{
		NewDependencies(d),
		NewDatabase(d),
		NewBuild(d),
		NewServices(d),
	}
}

func (d *Deps) printer() *tui.Printer {
	if d.Printer == nil {
		d.Printer = tui.NewPrinter(nil)
	}
	return d.Printer
}

// reconcile converges r and prints one line about what happened.
func (d *Deps) reconcile(ctx context.Context, r resource.Resource) (resource.Outcome, error) {
	out, err := resource.Reconcile(ctx, r, d.Observers...)
	if err != nil {
		return out, err
	}
	switch out.Action {
	case resource.ActionCreated:
		d.printer().Success(fmt.Sprintf("%s: created", r.Name()))
	case resource.ActionUpdated:
		d.printer().Success(fmt.Sprintf("%s: updated", r.Name()))
	default:
		d.printer().Detail(fmt.Sprintf("%s: already in place", r.Name()))
	}
	return out, nil
}

// require converges r and promotes any failure to fatal.
func (d *Deps) require(ctx context.Context, r resource.Resource, diagnosis string) (resource.Outcome, error) {
	out, err := d.reconcile(ctx, r)
	if err == nil || errors.Is(err, apperrors.ErrInterrupted) {
		return out, err
	}
	var hints []string
	if h, ok := r.(resource.Hinter); ok {
		hints = h.Hints()
	}
	return out, apperrors.Fatal(r.Name(), err, diagnosis, hints...)
}

// optional converges r and degrades failures to a warning. Only an
// interrupt is returned.
func (d *Deps) optional(ctx context.Context, r resource.Resource) (bool, error) {
	_, err := d.reconcile(ctx, r)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperrors.ErrInterrupted) {
		return false, err
	}
	d.printer().Warn(fmt.Sprintf("%s: %v", r.Name(), err))
	if h, ok := r.(resource.Hinter); ok {
		for _, hint := range h.Hints() {
			d.printer().Detail(hint)
		}
	}
	return false, nil
}

func (d *Deps) retryOpts(name string, attempts int, delay time.Duration) []retry.Option {
	opts := []retry.Option{retry.WithName(name), retry.WithMaxAttempts(attempts), retry.WithDelay(delay)}
	return append(opts, d.RetryOptions...)
}

func describeAll(head string, rs []resource.Resource) []string {
	lines := []string{head}
	for _, r := range rs {
		lines = append(lines, resource.Describe(r))
	}
	return lines
}
