package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/postgres"
)

const (
	connectAttempts = 3
	connectDelay    = 3 * time.Second
)

// Database makes sure PostgreSQL answers and that the application role and
// database exist with the configured credentials.
type Database struct {
	d      *Deps
	client *postgres.Client
	role   *postgres.Role
	db     *postgres.Database
}

// NewDatabase builds the phase from d.Config.
func NewDatabase(d *Deps) *Database {
	cfg := d.Config
	client := &postgres.Client{
		Exec:     d.Exec,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
	}
	return &Database{
		d:      d,
		client: client,
		role:   &postgres.Role{Client: client},
		db:     &postgres.Database{Client: client},
	}
}

func (p *Database) Name() string { return "Database" }

func (p *Database) Describe() []string {
	lines := []string{
		"Would set up PostgreSQL database",
		fmt.Sprintf("check connectivity (%d attempts, %s apart)", connectAttempts, connectDelay),
	}
	lines = append(lines, describeAll("", p.Resources(context.Background()))[1:]...)
	return append(lines, "check pg_hba.conf for password authentication", "verify the role can create tables")
}

func (p *Database) Resources(context.Context) []resource.Resource {
	return []resource.Resource{p.role, p.db}
}

func (p *Database) Run(ctx context.Context) error {
	cfg := p.d.Config
	pr := p.d.printer()
	rb := p.client.Runbook("")
	opts := p.d.retryOpts("connect to postgresql", connectAttempts, connectDelay)

	pr.Info("Checking PostgreSQL connectivity")
	if err := recovery.Guard(ctx, p.d.Recovery, "connect to postgresql", p.client.Ping, rb, opts...); err != nil {
		return err
	}
	pr.Success("PostgreSQL is accepting connections")

	pr.Info(fmt.Sprintf("Setting up role %s and database %s", cfg.DBUser, cfg.DBName))
	for _, r := range p.Resources(ctx) {
		r := r
		err := recovery.Guard(ctx, p.d.Recovery, r.Name(), func(ctx context.Context) error {
			_, err := p.d.reconcile(ctx, r)
			return err
		}, rb, p.d.retryOpts(r.Name(), connectAttempts, connectDelay)...)
		if err != nil {
			return err
		}
	}

	report, err := p.client.CheckHBA(ctx, cfg.OS.Family, p.d.ReadFile)
	switch {
	case err != nil:
		pr.Warn(fmt.Sprintf("could not inspect pg_hba.conf: %v", err))
	case !report.PasswordAuth:
		pr.Warn(fmt.Sprintf("%s has no md5 or scram-sha-256 rule; the backend may fail to log in", report.Path))
	}

	if err := p.client.VerifyPermissions(ctx); err != nil {
		return err
	}
	pr.Success(fmt.Sprintf("role %s can create tables in %s", cfg.DBUser, cfg.DBName))
	return nil
}
