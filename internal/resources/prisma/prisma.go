// Package prisma applies the backend's database migrations and setup script.
package prisma

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// SetupStamp is written into the backend dir once `npm run setup` succeeds.
const SetupStamp = ".infinibay-setup"

const (
	statusTimeout = 2 * time.Minute
	deployTimeout = 600 * time.Second
	setupTimeout  = 1800 * time.Second
)

// Migrations is the backend schema. It is correct when `prisma migrate
// status` reports nothing pending; Create deploys the pending migrations.
type Migrations struct {
	Dir         string
	DatabaseURL string
	Exec        executor.Executor

	// Troubleshooting commands shown when either step fails.
	DBHost, DBUser, DBName string
}

var (
	_ resource.Resource  = (*Migrations)(nil)
	_ resource.Describer = (*Migrations)(nil)
	_ resource.Hinter    = (*Migrations)(nil)
)

func (m *Migrations) Name() string { return "prisma migrations" }

func (m *Migrations) Describe() string {
	return fmt.Sprintf("run npx prisma migrate deploy in %s", m.Dir)
}

func (m *Migrations) Hints() []string {
	return []string{
		"systemctl status postgresql",
		"systemctl status libvirtd",
		fmt.Sprintf("psql -h %s -U %s -d %s", m.DBHost, m.DBUser, m.DBName),
		fmt.Sprintf("cd %s && npx prisma migrate status", m.Dir),
	}
}

func (m *Migrations) Probe(ctx context.Context) (resource.Evaluation, error) {
	res, err := m.run(ctx, []string{"npx", "prisma", "migrate", "status"}, statusTimeout, true)
	if err != nil {
		return resource.Evaluation{}, err
	}
	if res.Success {
		return resource.Evaluation{State: resource.PresentCorrect, Message: "database schema is up to date"}, nil
	}
	return resource.Evaluation{
		State:   resource.Missing,
		Message: "migrations pending: " + summarize(res.PrimaryOutput()),
		Diff:    "npx prisma migrate deploy",
	}, nil
}

func (m *Migrations) Create(ctx context.Context) error {
	log := logger.FromContext(ctx).With("dir", m.Dir)

	log.Info("running database migrations")
	res, err := m.run(ctx, []string{"npx", "prisma", "migrate", "deploy"}, deployTimeout, false)
	if err := executor.Check(res, err); err != nil {
		return m.fatal("npx prisma migrate deploy", err, "database migration failed")
	}
	return nil
}

func (m *Migrations) Update(ctx context.Context) error { return m.Create(ctx) }

func (m *Migrations) run(ctx context.Context, argv []string, timeout time.Duration, capture bool) (executor.Result, error) {
	return run(ctx, m.Exec, m.Dir, m.DatabaseURL, argv, timeout, capture)
}

func (m *Migrations) fatal(op string, err error, diagnosis string) error {
	return fatal(op, err, diagnosis, m.Hints())
}

func run(ctx context.Context, exec executor.Executor, dir, dbURL string, argv []string, timeout time.Duration, capture bool) (executor.Result, error) {
	return exec.Execute(ctx, argv, executor.Options{
		Dir:           dir,
		Timeout:       timeout,
		CaptureOutput: capture,
		Env:           map[string]string{"DATABASE_URL": dbURL},
	})
}

func fatal(op string, err error, diagnosis string, hints []string) error {
	if errors.Is(err, apperrors.ErrInterrupted) {
		return err
	}
	return apperrors.Fatal(op, err, diagnosis, hints...)
}

func summarize(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return "status check failed"
	}
	lines := strings.Split(out, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
