package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// authFailureMarkers identify a role whose stored password differs from the
// configured one.
var authFailureMarkers = []string{
	"password authentication failed",
	"authentication failed",
}

// Role is the application login role. An existing role that rejects the
// configured password is divergent and fixed with ALTER ROLE, never dropped.
type Role struct {
	Client *Client
}

var (
	_ resource.Resource  = (*Role)(nil)
	_ resource.Describer = (*Role)(nil)
	_ resource.Hinter    = (*Role)(nil)
)

func (r *Role) Name() string { return "db role " + r.Client.User }

func (r *Role) Describe() string {
	return fmt.Sprintf("create role %s WITH LOGIN PASSWORD '***' CREATEDB", r.Client.User)
}

func (r *Role) Hints() []string {
	return []string{
		fmt.Sprintf(`sudo -u postgres psql -c "ALTER USER %s WITH PASSWORD '<password>';"`, r.Client.User),
		fmt.Sprintf("psql -h %s -p %d -U %s -d postgres", r.Client.Host, r.Client.Port, r.Client.User),
	}
}

func (r *Role) Probe(ctx context.Context) (resource.Evaluation, error) {
	res, err := r.Client.Admin(ctx, fmt.Sprintf("SELECT 1 FROM pg_roles WHERE rolname = %s;", literal(r.Client.User)), queryTimeout)
	if err := executor.Check(res, err); err != nil {
		return resource.Evaluation{}, r.Client.recoverable("look up role "+r.Client.User, err)
	}
	if firstLine(res.Stdout) != "1" {
		return resource.Evaluation{State: resource.Missing, Message: "role " + r.Client.User + " does not exist", Diff: r.Describe()}, nil
	}

	login, err := r.Client.AsRole(ctx, "postgres", "SELECT 1;")
	if err != nil {
		return resource.Evaluation{}, err
	}
	if login.Success {
		return resource.Evaluation{State: resource.PresentCorrect, Message: "role " + r.Client.User + " can log in"}, nil
	}

	out := strings.ToLower(login.PrimaryOutput())
	for _, marker := range authFailureMarkers {
		if strings.Contains(out, marker) {
			return resource.Evaluation{
				State:   resource.PresentDivergent,
				Message: "role " + r.Client.User + " rejects the configured password",
				Diff:    fmt.Sprintf("ALTER ROLE %s WITH PASSWORD '***'", r.Client.User),
			}, nil
		}
	}
	// Server refusing TCP or missing pg_hba entry: the operator has to fix it.
	return resource.Evaluation{}, r.Client.recoverable("log in as "+r.Client.User, &executor.ExitError{Result: login})
}

func (r *Role) Create(ctx context.Context) error {
	sql := fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s CREATEDB NOSUPERUSER INHERIT NOCREATEROLE;",
		r.Client.User, literal(r.Client.Password))
	return r.ddl(ctx, "create role "+r.Client.User, sql)
}

func (r *Role) Update(ctx context.Context) error {
	sql := fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s CREATEDB;", r.Client.User, literal(r.Client.Password))
	return r.ddl(ctx, "alter role "+r.Client.User, sql)
}

func (r *Role) ddl(ctx context.Context, op, sql string) error {
	res, err := r.Client.Admin(ctx, sql, ddlTimeout)
	if err := executor.Check(res, err); err != nil {
		return r.Client.recoverable(op, err)
	}
	return nil
}
