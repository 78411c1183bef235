// Package postgres reconciles the PostgreSQL role, database and cluster the
// backend connects to.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	queryTimeout = 10 * time.Second
	ddlTimeout   = 30 * time.Second

	superuser = "postgres"
)

// Client runs psql as the postgres superuser (peer auth) or as the
// application role over TCP.
type Client struct {
	Exec     executor.Executor
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Admin runs sql as the postgres superuser and returns unaligned tuples.
// SQL goes through stdin so secrets never reach argv or logs.
func (c *Client) Admin(ctx context.Context, sql string, timeout time.Duration) (executor.Result, error) {
	argv := executor.AsUser(superuser, []string{"psql", "-X", "-q", "-t", "-A", "-v", "ON_ERROR_STOP=1"})
	return c.Exec.Execute(ctx, argv, executor.Options{
		CaptureOutput: true,
		Timeout:       timeout,
		Stdin:         strings.NewReader(sql),
	})
}

// AsRole runs sql as the application role against database over TCP.
func (c *Client) AsRole(ctx context.Context, database, sql string) (executor.Result, error) {
	argv := []string{"psql", "-X", "-q", "-t", "-A", "-v", "ON_ERROR_STOP=1",
		"-h", c.Host, "-p", strconv.Itoa(c.Port), "-U", c.User, "-d", database}
	return c.Exec.Execute(ctx, argv, executor.Options{
		CaptureOutput: true,
		Timeout:       queryTimeout,
		Env:           map[string]string{"PGPASSWORD": c.Password, "PGCONNECT_TIMEOUT": "5"},
		Stdin:         strings.NewReader(sql),
	})
}

// Ping checks that the server accepts superuser connections. A connection
// failure is recoverable and carries the troubleshooting runbook.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.Admin(ctx, "SELECT version();", queryTimeout)
	if err := executor.Check(res, err); err != nil {
		return c.recoverable("connect to postgresql", err)
	}
	return nil
}

// SQL string literal.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func firstLine(out string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line)
}

// recoverable attaches the runbook to server-side failures. A missing psql
// binary is fatal, and interrupts and fatal errors pass through unchanged.
func (c *Client) recoverable(op string, err error) error {
	var notFound *executor.NotFoundError
	switch {
	case errors.Is(err, apperrors.ErrInterrupted), apperrors.Classify(err) == apperrors.ClassFatal:
		return err
	case errors.As(err, &notFound):
		return apperrors.Fatal(op, err, notFound.Binary+" is not installed",
			"sudo apt-get install -y postgresql postgresql-contrib",
			"sudo dnf install -y postgresql-server postgresql-contrib")
	}
	return &apperrors.RecoverableError{Op: op, Err: err, Runbook: c.Runbook("")}
}

// Runbook is the manual PostgreSQL setup guide. hbaPath is shown when known.
func (c *Client) Runbook(hbaPath string) recovery.Runbook {
	if hbaPath == "" {
		hbaPath = "$(sudo -u postgres psql -t -A -c 'SHOW hba_file;')"
	}
	return recovery.Runbook{
		Title:   "PostgreSQL connection failed",
		Summary: "The installer could not reach PostgreSQL or authenticate as the application role.",
		Context: []recovery.Field{
			{Key: "Host", Value: c.Host},
			{Key: "Port", Value: strconv.Itoa(c.Port)},
			{Key: "User", Value: c.User},
			{Key: "Database", Value: c.Database},
			{Key: "Password", Value: strings.Repeat("*", len(c.Password))},
		},
		Steps: []recovery.Step{
			{
				Title:    "Check that PostgreSQL is running",
				Commands: []string{"sudo systemctl status postgresql"},
				Notes:    []string{"If it is stopped: sudo systemctl enable --now postgresql"},
			},
			{
				Title:    "Create the database user",
				Commands: []string{fmt.Sprintf(`sudo -u postgres psql -c "CREATE USER %s WITH PASSWORD '<password>' CREATEDB;"`, c.User)},
			},
			{
				Title:    "Create the database",
				Commands: []string{fmt.Sprintf(`sudo -u postgres psql -c "CREATE DATABASE %s OWNER %s;"`, c.Database, c.User)},
			},
			{
				Title:    "Allow password authentication in pg_hba.conf",
				Commands: []string{"sudo nano " + hbaPath, "sudo systemctl reload postgresql"},
				Notes: []string{
					"local   all   all                  md5",
					"host    all   all   127.0.0.1/32   md5",
					"host    all   all   ::1/128        md5",
				},
			},
			{
				Title:    "Test the connection",
				Commands: []string{fmt.Sprintf("psql -h %s -p %d -U %s -d %s", c.Host, c.Port, c.User, c.Database)},
			},
		},
	}
}
