package phases

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/orchestrator"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/files"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/prisma"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

func TestFullInstallThenRerunIsNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.runAll(t)

	require.True(t, e.host.installed["postgresql"])
	require.True(t, e.host.units["postgresql"].active)
	require.True(t, e.host.units["infinibay-backend"].enabled)
	require.Equal(t, "infinibay", e.cfg.NetworkName)
	require.Equal(t, "s3cr'et", e.host.roles["infinibay"])
	require.Equal(t, "infinibay", e.host.dbs["infinibay"])
	require.True(t, e.host.migrated)
	require.FileExists(t, filepath.Join(e.deps.UnitDir, "infinibay-backend.service"))
	require.FileExists(t, filepath.Join(e.cfg.InfiniserviceDir(), "target", "release", "infiniservice"))
	for _, dir := range e.cfg.DataDirs() {
		require.DirExists(t, dir)
	}
	require.NotEmpty(t, e.outcomes.mutated())
	require.Contains(t, e.out.String(), "Infinibay installation completed")

	backendEnv := filepath.Join(e.cfg.BackendDir(), ".env")
	first := readEnv(t, backendEnv)
	require.NotEmpty(t, first["TOKENKEY"])
	require.Equal(t, e.cfg.DatabaseURL(), first["DATABASE_URL"])
	require.Equal(t, e.deps.VirtioSearch[0], first["VIRTIO_WIN_ISO_PATH"])
	info, err := os.Stat(backendEnv)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ddl := e.host.ddlCount()
	e.host.fake.Reset()
	e.outcomes.reset()

	second := newEnvFrom(e)
	second.runAll(t)

	require.Empty(t, e.host.fake.Mutations(readOnly...))
	require.Empty(t, e.outcomes.mutated())
	require.Equal(t, ddl, e.host.ddlCount())
	require.Equal(t, first["TOKENKEY"], readEnv(t, backendEnv)["TOKENKEY"])
}

func TestRerunWithoutPasswordReusesStoredOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	e.cfg.DBPassword = ""
	require.NoError(t, config.Resolve(ctx, e.cfg, nil))
	generated := e.cfg.DBPassword
	require.Len(t, generated, config.PasswordLength)
	e.runAll(t)

	e.host.fake.Reset()
	e.outcomes.reset()

	e.cfg.DBPassword = ""
	require.NoError(t, config.Resolve(ctx, e.cfg, nil))
	require.Equal(t, generated, e.cfg.DBPassword)

	second := newEnvFrom(e)
	second.runAll(t)

	require.Empty(t, e.host.fake.Mutations(readOnly...))
	require.Empty(t, e.outcomes.mutated())
	require.Equal(t, generated, e.host.roles["infinibay"])
}

func TestFailedBackendSetupRunsAgainOnRerun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.host.fake.On("npm run setup", func([]string, executor.Options) (executor.Result, error) {
		return fail(1, "virsh: failed to connect to the hypervisor")
	})

	o := orchestrator.New(New(e.deps))
	err := o.Run(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.IsFatal(err))
	require.Equal(t, "Services", o.Current())
	require.True(t, e.host.migrated, "migrations were deployed before setup failed")
	stamp := filepath.Join(e.cfg.BackendDir(), prisma.SetupStamp)
	require.NoFileExists(t, stamp)

	e.host.fake.On("npm run setup", func([]string, executor.Options) (executor.Result, error) {
		return ok("")
	})
	e.host.fake.Reset()

	second := newEnvFrom(e)
	require.NoError(t, orchestrator.New(New(second.deps)).Run(context.Background()))
	require.Equal(t, 1, e.host.fake.Count("npm run setup"))
	require.Zero(t, e.host.fake.Count("npx prisma migrate deploy"))
	require.FileExists(t, stamp)
}

func TestDatabaseRecoversAfterOperatorFix(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.host.setPG(false)
	e.channel.Before = func() { e.host.setPG(true) }

	err := NewDatabase(e.deps).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, e.channel.Blocks())
	require.Equal(t, connectAttempts+1, e.host.pingCount())
	require.Equal(t, connectAttempts-1, e.sleeps.count(connectDelay))

	rb := e.channel.Seen[0]
	require.NotEmpty(t, rb.Steps)
	require.Contains(t, e.host.roles, "infinibay")
	require.Contains(t, e.host.dbs, "infinibay")
}

func TestDatabaseNonInteractiveFailsWithRunbook(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.host.setPG(false)
	e.deps.Recovery = recovery.NonInteractive{}

	err := NewDatabase(e.deps).Run(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.IsRecoverable(err) || apperrors.IsFatal(err))
	require.Equal(t, connectAttempts, e.host.pingCount())
	require.Empty(t, e.host.roles)
}

func TestMissingArtifactStopsBeforeServices(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.host.fake.On("cargo build", func([]string, executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, nil
	})

	o := orchestrator.New(New(e.deps))
	err := o.Run(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.IsFatal(err))
	require.Contains(t, err.Error(), "phase Build failed")
	require.Equal(t, orchestrator.StateFailed, o.State())
	require.Equal(t, "Build", o.Current())

	require.NoFileExists(t, filepath.Join(e.deps.UnitDir, "infinibay-backend.service"))
	require.False(t, e.host.fake.Contains("systemctl enable infinibay-backend"))
	require.False(t, e.host.fake.Contains("prisma migrate deploy"))
}

func TestDryRunTouchesNothing(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	o := orchestrator.New(New(e.deps), orchestrator.WithDryRun(true), orchestrator.WithPrinter(e.deps.Printer))
	require.NoError(t, o.Run(context.Background()))

	require.Empty(t, e.host.fake.Calls())
	require.NoDirExists(t, e.cfg.InstallDir)
	require.NoDirExists(t, e.deps.UnitDir)

	out := e.out.String()
	require.Contains(t, out, "DRY RUN MODE")
	for _, want := range []string{
		"Would install system dependencies",
		"Would set up PostgreSQL database",
		"Would clone and build repositories",
		"Would create services and configuration",
	} {
		require.Contains(t, out, want)
	}
	require.NotContains(t, out, e.cfg.DBPassword)
}

func TestChangedConfigurationRestartsOnlyAffectedService(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.runAll(t)
	e.host.fake.Reset()

	e.cfg.BridgeName = "br1"
	second := newEnvFrom(e)
	require.NoError(t, NewServices(second.deps).Run(context.Background()))

	require.Equal(t, 1, e.host.fake.Count("systemctl restart infinibay-backend"))
	require.Zero(t, e.host.fake.Count("systemctl restart infinibay-frontend"))
	require.Equal(t, "br1", readEnv(t, filepath.Join(e.cfg.BackendDir(), ".env"))["BRIDGE_NAME"])
}

func TestSkipVirtioUsesDefaultPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.SkipVirtio = true
	e.runAll(t)

	env := readEnv(t, filepath.Join(e.cfg.BackendDir(), ".env"))
	require.Equal(t, DefaultVirtioPath, env["VIRTIO_WIN_ISO_PATH"])
	require.Contains(t, e.out.String(), "VirtIO ISO was skipped")
}

func TestInventoryListsEveryPhaseResource(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var names []string
	for _, p := range New(e.deps) {
		inv, ok := p.(Inventory)
		require.True(t, ok, p.Name())
		for _, r := range inv.Resources(context.Background()) {
			names = append(names, r.Name())
		}
	}
	joined := strings.Join(names, "\n")
	for _, want := range []string{"packages", "service postgresql", "libvirt network", "storage pool infinibay", "prisma migrations", "backend setup", "unit infinibay-frontend"} {
		require.Contains(t, joined, want)
	}

	var missing int
	for _, r := range NewDependencies(e.deps).Resources(context.Background()) {
		if err := resource.Verify(context.Background(), r); err != nil {
			var verr *resource.VerifyError
			require.ErrorAs(t, err, &verr)
			missing++
		}
	}
	require.NotZero(t, missing)
}

// newEnvFrom shares the host, config and recorders of e with fresh phases,
// as a second invocation of the installer would.
func newEnvFrom(e *env) *env {
	d := *e.deps
	return &env{root: e.root, cfg: e.cfg, host: e.host, deps: &d, out: e.out, sleeps: e.sleeps, outcomes: e.outcomes, channel: e.channel}
}

func readEnv(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return files.ParseEnv(data)
}
