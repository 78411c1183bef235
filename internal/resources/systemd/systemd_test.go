package systemd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor/executortest"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

func TestUnitRender(t *testing.T) {
	t.Parallel()

	unit := string(UnitSpec{Name: "infinibay-backend", Description: "Infinibay Backend API Server", WorkDir: "/opt/infinibay/backend"}.Render())
	require.Contains(t, unit, "Description=Infinibay Backend API Server\n")
	require.Contains(t, unit, "WorkingDirectory=/opt/infinibay/backend\n")
	require.Contains(t, unit, "ExecStart=/usr/bin/npm run start\n")
	require.Contains(t, unit, "Requires=postgresql.service libvirtd.service\n")
	require.Contains(t, unit, "Restart=always\nRestartSec=10\n")
	require.Contains(t, unit, "WantedBy=multi-user.target\n")
}

func TestUnitFileReloadsOnlyOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fake := executortest.New()
	spec := UnitSpec{Name: "infinibay-frontend", Description: "Infinibay Frontend Web Interface", WorkDir: "/opt/infinibay/frontend"}
	u := NewUnitFile(fake, spec, dir)

	out, err := resource.Reconcile(context.Background(), u)
	require.NoError(t, err)
	require.Equal(t, resource.ActionCreated, out.Action)
	require.Equal(t, 1, fake.Count("systemctl daemon-reload"))

	out, err = resource.Reconcile(context.Background(), u)
	require.NoError(t, err)
	require.False(t, out.Mutated())
	require.Equal(t, 1, fake.Count("systemctl daemon-reload"))

	path := filepath.Join(dir, "infinibay-frontend.service")
	require.NoError(t, os.WriteFile(path, []byte("[Unit]\n"), 0o644))
	out, err = resource.Reconcile(context.Background(), u)
	require.NoError(t, err)
	require.Equal(t, resource.ActionUpdated, out.Action)
	require.Equal(t, 2, fake.Count("systemctl daemon-reload"))
}

// unitState emulates systemctl for one unit.
type unitState struct {
	active  bool
	enabled bool
}

func (u *unitState) install(fake *executortest.Fake, unit string) {
	fake.On("systemctl is-active "+unit, executortest.Func(func([]string) (executor.Result, error) {
		if u.active {
			return executor.Result{Success: true, Stdout: "active"}, nil
		}
		return executor.Result{ExitCode: 3, Stdout: "inactive"}, nil
	}))
	fake.On("systemctl is-enabled "+unit, executortest.Func(func([]string) (executor.Result, error) {
		if u.enabled {
			return executor.Result{Success: true, Stdout: "enabled"}, nil
		}
		return executor.Result{ExitCode: 1, Stdout: "disabled"}, nil
	}))
	fake.On("systemctl enable "+unit, executortest.Func(func([]string) (executor.Result, error) {
		u.enabled = true
		return executor.Result{Success: true}, nil
	}))
	fake.On("systemctl start "+unit, executortest.Func(func([]string) (executor.Result, error) {
		u.active = true
		return executor.Result{Success: true}, nil
	}))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestServiceStartsAndSettles(t *testing.T) {
	t.Parallel()

	fake := executortest.New()
	state := &unitState{}
	state.install(fake, "libvirtd")

	var slept time.Duration
	s := &Service{Unit: "libvirtd", Exec: fake, Sleep: func(_ context.Context, d time.Duration) error { slept = d; return nil }}

	out, err := resource.Reconcile(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, resource.ActionCreated, out.Action)
	require.Equal(t, SettleDelay, slept)

	fake.Reset()
	out, err = resource.Reconcile(context.Background(), s)
	require.NoError(t, err)
	require.False(t, out.Mutated())
	require.Zero(t, fake.Count("systemctl enable", "systemctl start"))
}

func TestServiceActiveButDisabledIsEnabledInPlace(t *testing.T) {
	t.Parallel()

	fake := executortest.New()
	state := &unitState{active: true}
	state.install(fake, "postgresql")

	out, err := resource.Reconcile(context.Background(), &Service{Unit: "postgresql", Exec: fake, Sleep: noSleep})
	require.NoError(t, err)
	require.Equal(t, resource.ActionUpdated, out.Action)
	require.Zero(t, fake.Count("systemctl start"))
}

func TestServiceThatDiesIsFatalWithJournalHint(t *testing.T) {
	t.Parallel()

	fake := executortest.New()
	fake.On("systemctl is-active", executortest.Fail(3, ""))
	fake.On("systemctl is-active infinibay-backend", executortest.OK("failed"))

	_, err := resource.Reconcile(context.Background(), &Service{Unit: "infinibay-backend", Exec: fake, Sleep: noSleep})
	require.True(t, apperrors.IsFatal(err))
	require.Contains(t, apperrors.Remediation(err), "journalctl -u infinibay-backend -n 50")
}

func TestGroupMember(t *testing.T) {
	t.Parallel()

	fake := executortest.New()
	fake.On("id -nG alice", executortest.Sequence(executortest.OK("alice sudo"), executortest.OK("alice sudo libvirt")))
	g := &GroupMember{User: "alice", Group: "libvirt", Exec: fake}

	out, err := resource.Reconcile(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, resource.ActionCreated, out.Action)
	require.Equal(t, 1, fake.Count("usermod -aG libvirt alice"))

	out, err = resource.Reconcile(context.Background(), g)
	require.NoError(t, err)
	require.False(t, out.Mutated())
}
