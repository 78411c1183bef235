package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor/executortest"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/ownership"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/artifact"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

func TestPlanOrdersProjects(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	g, err := Plan(Projects(cfg))
	require.NoError(t, err)

	require.Equal(t, []string{"libvirt-node", "backend", "frontend", "infiniservice"}, g.Order())
	require.Len(t, g.Levels, 3)
	require.Equal(t, []string{"frontend", "infiniservice"}, g.Levels[2])
	require.Equal(t, "backend", g.Project("backend").Name)
	require.Nil(t, g.Project("ghost"))
}

func TestPlanRejectsCyclesAndUnknownDeps(t *testing.T) {
	t.Parallel()

	_, err := Plan([]*Project{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	})
	var ve *apperrors.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "dependency cycle between a, b, c", ve.Message)

	_, err = Plan([]*Project{{Name: "a"}, {Name: "b", DependsOn: []string{"b"}}})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "dependency cycle between b", ve.Message)

	_, err = Plan([]*Project{{Name: "a", DependsOn: []string{"ghost"}}})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, `a depends on unknown project "ghost"`, ve.Message)

	_, err = Plan([]*Project{{Name: "a"}, {Name: "a"}})
	require.ErrorAs(t, err, &ve)
}

func TestProjectsUseLocalRepos(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.UseLocalRepos = true
	cfg.LocalReposDir = "/home/dev/src"

	for _, p := range Projects(cfg) {
		require.Empty(t, p.URL, p.Name)
		require.True(t, strings.HasPrefix(p.Dir, "/home/dev/src/"), p.Dir)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	g, err := Plan(Projects(config.Default()))
	require.NoError(t, err)

	lines := Describe(g)
	require.Equal(t, "build order: libvirt-node → backend → frontend → infiniservice", lines[0])
	require.Contains(t, lines, "infiniservice: cargo build --release")
	require.Contains(t, lines, "backend: link /opt/infinibay/backend/lib/libvirt-node -> /opt/infinibay/libvirt-node")
}

// fixture builds two projects under a temp dir with artifacts produced by
// their compile steps.
type fixture struct {
	root  string
	fake  *executortest.Fake
	chown *chownRecorder
	b     *Builder
	g     *Graph
}

type chownRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (c *chownRecorder) Lchown(path string, _, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	return nil
}

func (c *chownRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	native := filepath.Join(root, "native")
	app := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(native, 0o755))
	require.NoError(t, os.MkdirAll(app, 0o755))

	projects := []*Project{
		{
			Name:      "native",
			Dir:       native,
			Install:   &Step{Argv: []string{"npm", "install"}, Hints: []string{"npm cache clean --force"}},
			Steps:     []Step{{Name: "addon build", Argv: []string{"npm", "run", "build"}, Hints: []string{"rustc --version"}}},
			Artifacts: []artifact.Spec{{Name: "addon", Path: "*.node"}},
		},
		{
			Name:      "app",
			Dir:       app,
			DependsOn: []string{"native"},
			Install:   &Step{Argv: []string{"npm", "ci"}},
			Artifacts: []artifact.Spec{{Path: "node_modules", Dir: true}},
		},
	}
	g, err := Plan(projects)
	require.NoError(t, err)

	fake := executortest.New()
	fake.On("npm run build", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, os.WriteFile(filepath.Join(opts.Dir, "addon.linux-x64.node"), []byte("elf"), 0o644)
	})
	fake.On("npm ci", func(_ []string, opts executor.Options) (executor.Result, error) {
		dir := filepath.Join(opts.Dir, "node_modules", "dep")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Success: true}, os.WriteFile(filepath.Join(dir, "index.js"), []byte("x"), 0o644)
	})

	rec := &chownRecorder{}
	b := &Builder{
		Exec: fake,
		Guard: &ownership.Guard{
			Stat:   func(string) (ownership.Record, error) { return ownership.Record{UID: 1000, GID: 1000}, nil },
			Lchown: rec.Lchown,
		},
		Source: func(p *Project) resource.Resource {
			return &resource.Funcs{
				ID: "checkout " + p.Name,
				ProbeFunc: func(context.Context) (resource.Evaluation, error) {
					return resource.Evaluation{State: resource.PresentCorrect}, nil
				},
			}
		},
		RetryOptions: []retry.Option{retry.WithSleeper(noSleep)},
	}
	return &fixture{root: root, fake: fake, chown: rec, b: b, g: g}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRunBuildsInOrderAndVerifiesArtifacts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.b.Run(context.Background(), f.g))

	require.Equal(t, []string{"npm install", "npm run build", "npm ci"}, f.fake.Commands())
	calls := f.fake.Calls()
	require.Equal(t, filepath.Join(f.root, "native"), calls[0].Options.Dir)
	require.Equal(t, filepath.Join(f.root, "app"), calls[2].Options.Dir)
	require.NotZero(t, f.chown.count(), "ownership restored after each node")
}

func TestRunStopsBeforeDependentsWhenArtifactMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// The addon build "succeeds" without producing the addon.
	f.fake.On("npm run build", executortest.OK(""))

	err := f.b.Run(context.Background(), f.g)
	require.Error(t, err)
	require.True(t, apperrors.IsFatal(err))

	var verr *resource.VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "artifact addon", verr.Resource)
	require.Zero(t, f.fake.Count("npm ci"), "dependent node never runs")
}

func TestRunRetriesInstallOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fake.On("npm install", executortest.Sequence(
		executortest.Fail(1, "ETIMEDOUT"),
		executortest.Fail(1, "ECONNRESET"),
		executortest.OK(""),
	))

	require.NoError(t, f.b.Run(context.Background(), f.g))
	require.Equal(t, 3, f.fake.Count("npm install"))
}

func TestRunInstallExhaustionIsFatalWithHints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fake.On("npm install", executortest.Fail(1, "ETIMEDOUT"))

	err := f.b.Run(context.Background(), f.g)
	require.True(t, apperrors.IsFatal(err))
	require.True(t, retry.IsExhausted(err))
	require.Equal(t, installAttempts, f.fake.Count("npm install"))
	require.Contains(t, apperrors.Remediation(err), "npm cache clean --force")
	require.Zero(t, f.fake.Count("npm run build"))
}

func TestRunCompileFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fake.On("npm run build", executortest.Fail(101, "error[E0432]: unresolved import"))

	err := f.b.Run(context.Background(), f.g)
	require.True(t, apperrors.IsFatal(err))
	require.Equal(t, 1, f.fake.Count("npm run build"))
	require.Equal(t, "native: addon build failed", apperrors.Diagnosis(err))
	require.Equal(t, []string{"rustc --version"}, apperrors.Remediation(err))
	require.NotZero(t, f.chown.count(), "ownership restored on failure too")
}

func TestRunCheckoutTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	attempts := 0
	f.b.Source = func(p *Project) resource.Resource {
		return &resource.Funcs{
			ID: "checkout " + p.Name,
			ProbeFunc: func(context.Context) (resource.Evaluation, error) {
				if p.Name == "native" && attempts < 2 {
					return resource.Evaluation{State: resource.Missing}, nil
				}
				return resource.Evaluation{State: resource.PresentCorrect}, nil
			},
			CreateFunc: func(context.Context) error {
				attempts++
				return apperrors.NewTransientError("clone native", os.ErrDeadlineExceeded)
			},
		}
	}

	require.NoError(t, f.b.Run(context.Background(), f.g))
	require.Equal(t, 2, attempts)
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.b.Run(ctx, f.g)
	require.ErrorIs(t, err, apperrors.ErrInterrupted)
	require.Empty(t, f.fake.Calls())
}

func TestRunSkipsUpToDateProjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.b.Run(context.Background(), f.g))

	f.fake.Reset()
	require.NoError(t, f.b.Run(context.Background(), f.g))
	require.Empty(t, f.fake.Calls(), "untouched checkouts with artifacts in place are not rebuilt")

	f.b.Rebuild = true
	require.NoError(t, f.b.Run(context.Background(), f.g))
	require.Equal(t, []string{"npm install", "npm run build", "npm ci"}, f.fake.Commands())
}
