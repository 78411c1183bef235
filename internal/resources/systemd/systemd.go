// Package systemd reconciles unit files, service state and group membership.
package systemd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/files"
)

const (
	// UnitDir is where installer-owned units are written.
	UnitDir = "/etc/systemd/system"
	// SettleDelay is how long a freshly started unit gets before is-active.
	SettleDelay = 3 * time.Second

	systemctlTimeout = 60 * time.Second
)

// UnitSpec describes an Infinibay service unit.
type UnitSpec struct {
	Name        string
	Description string
	WorkDir     string
	ExecStart   string
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network.target postgresql.service libvirtd.service
Requires=postgresql.service libvirtd.service

[Service]
Type=simple
User=root
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal
Environment="NODE_ENV=production"
Environment="PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

[Install]
WantedBy=multi-user.target
`))

// Render returns the unit file content.
func (u UnitSpec) Render() []byte {
	var buf bytes.Buffer
	spec := u
	if spec.ExecStart == "" {
		spec.ExecStart = "/usr/bin/npm run start"
	}
	_ = unitTemplate.Execute(&buf, spec)
	return buf.Bytes()
}

// UnitFile writes a unit and reloads systemd when it changed.
type UnitFile struct {
	file *files.File
	exec executor.Executor
	unit string
}

var (
	_ resource.Resource  = (*UnitFile)(nil)
	_ resource.Describer = (*UnitFile)(nil)
)

// NewUnitFile returns the unit file resource for spec under dir (UnitDir when
// empty).
func NewUnitFile(exec executor.Executor, spec UnitSpec, dir string) *UnitFile {
	if dir == "" {
		dir = UnitDir
	}
	return &UnitFile{
		file: &files.File{Path: filepath.Join(dir, spec.Name+".service"), Mode: 0o644, Content: spec.Render()},
		exec: exec,
		unit: spec.Name,
	}
}

func (u *UnitFile) Name() string { return "unit " + u.unit }

func (u *UnitFile) Describe() string { return "install systemd unit " + u.file.Path }

func (u *UnitFile) Probe(ctx context.Context) (resource.Evaluation, error) {
	return u.file.Probe(ctx)
}

func (u *UnitFile) Create(ctx context.Context) error {
	if err := u.file.Create(ctx); err != nil {
		return err
	}
	return DaemonReload(ctx, u.exec)
}

func (u *UnitFile) Update(ctx context.Context) error {
	if err := u.file.Update(ctx); err != nil {
		return err
	}
	return DaemonReload(ctx, u.exec)
}

// DaemonReload runs systemctl daemon-reload.
func DaemonReload(ctx context.Context, exec executor.Executor) error {
	res, err := exec.Execute(ctx, []string{"systemctl", "daemon-reload"}, executor.Options{CaptureOutput: true, Timeout: systemctlTimeout})
	return executor.Check(res, err)
}

// Service must be enabled and active.
type Service struct {
	Unit string
	Exec executor.Executor
	// Sleep waits between start and the verification probe.
	Sleep func(ctx context.Context, d time.Duration) error
}

var (
	_ resource.Resource  = (*Service)(nil)
	_ resource.Describer = (*Service)(nil)
	_ resource.Hinter    = (*Service)(nil)
)

func (s *Service) Name() string { return "service " + s.Unit }

func (s *Service) Describe() string { return fmt.Sprintf("enable and start %s", s.Unit) }

func (s *Service) Hints() []string {
	return []string{
		"systemctl status " + s.Unit,
		fmt.Sprintf("journalctl -u %s -n 50", s.Unit),
	}
}

func (s *Service) Probe(ctx context.Context) (resource.Evaluation, error) {
	active, err := s.query(ctx, "is-active")
	if err != nil {
		return resource.Evaluation{}, err
	}
	enabled, err := s.query(ctx, "is-enabled")
	if err != nil {
		return resource.Evaluation{}, err
	}

	switch {
	case active == "active" && (enabled == "enabled" || enabled == "static"):
		return resource.Evaluation{State: resource.PresentCorrect, Message: s.Unit + " is active"}, nil
	case active == "active":
		return resource.Evaluation{State: resource.PresentDivergent, Message: fmt.Sprintf("%s is active but %s", s.Unit, orUnknown(enabled)), Diff: "systemctl enable " + s.Unit}, nil
	default:
		return resource.Evaluation{State: resource.Missing, Message: fmt.Sprintf("%s is %s", s.Unit, orUnknown(active)), Diff: s.Describe()}, nil
	}
}

func (s *Service) Create(ctx context.Context) error {
	for _, verb := range []string{"enable", "start"} {
		if err := s.run(ctx, verb); err != nil {
			return err
		}
	}
	logger.FromContext(ctx).With("unit", s.Unit).Debug(fmt.Sprintf("waiting %s for %s to settle", SettleDelay, s.Unit))
	return s.sleep(ctx, SettleDelay)
}

func (s *Service) Update(ctx context.Context) error {
	return s.run(ctx, "enable")
}

// Restart restarts the unit, used after its configuration changed.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.run(ctx, "restart"); err != nil {
		return err
	}
	return s.sleep(ctx, SettleDelay)
}

func (s *Service) run(ctx context.Context, verb string) error {
	res, err := s.Exec.Execute(ctx, []string{"systemctl", verb, s.Unit}, executor.Options{CaptureOutput: true, Timeout: systemctlTimeout})
	if err := executor.Check(res, err); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, s.Unit, err)
	}
	return nil
}

func (s *Service) query(ctx context.Context, verb string) (string, error) {
	res, err := s.Exec.Execute(ctx, []string{"systemctl", verb, s.Unit}, executor.Options{CaptureOutput: true, Timeout: systemctlTimeout})
	if err != nil {
		return "", err
	}
	// Non-zero exits are expected for inactive or disabled units.
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GroupMember puts User in Group.
type GroupMember struct {
	User  string
	Group string
	Exec  executor.Executor
}

var (
	_ resource.Resource  = (*GroupMember)(nil)
	_ resource.Describer = (*GroupMember)(nil)
)

func (g *GroupMember) Name() string { return fmt.Sprintf("group %s:%s", g.Group, g.User) }

func (g *GroupMember) Describe() string { return fmt.Sprintf("add %s to the %s group", g.User, g.Group) }

func (g *GroupMember) Probe(ctx context.Context) (resource.Evaluation, error) {
	res, err := g.Exec.Execute(ctx, []string{"id", "-nG", g.User}, executor.Options{CaptureOutput: true, Timeout: systemctlTimeout})
	if err := executor.Check(res, err); err != nil {
		return resource.Evaluation{}, fmt.Errorf("look up groups of %s: %w", g.User, err)
	}
	for _, grp := range strings.Fields(res.Stdout) {
		if grp == g.Group {
			return resource.Evaluation{State: resource.PresentCorrect, Message: fmt.Sprintf("%s is in %s", g.User, g.Group)}, nil
		}
	}
	return resource.Evaluation{State: resource.Missing, Message: fmt.Sprintf("%s is not in %s", g.User, g.Group)}, nil
}

func (g *GroupMember) Create(ctx context.Context) error {
	res, err := g.Exec.Execute(ctx, []string{"usermod", "-aG", g.Group, g.User}, executor.Options{CaptureOutput: true, Timeout: systemctlTimeout})
	if err := executor.Check(res, err); err != nil {
		return err
	}
	logger.FromContext(ctx).Warn(fmt.Sprintf("%s added to %s; log out and back in for it to take effect", g.User, g.Group))
	return nil
}

func (g *GroupMember) Update(ctx context.Context) error { return g.Create(ctx) }

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
