package postgres

import (
	"context"
	"fmt"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// Database must exist and be owned by the application role.
type Database struct {
	Client *Client
}

var (
	_ resource.Resource  = (*Database)(nil)
	_ resource.Describer = (*Database)(nil)
	_ resource.Hinter    = (*Database)(nil)
)

func (d *Database) Name() string { return "database " + d.Client.Database }

func (d *Database) Describe() string {
	return fmt.Sprintf("create database %s OWNER %s", d.Client.Database, d.Client.User)
}

func (d *Database) Hints() []string {
	return []string{fmt.Sprintf(`sudo -u postgres psql -c "ALTER DATABASE %s OWNER TO %s;"`, d.Client.Database, d.Client.User)}
}

func (d *Database) Probe(ctx context.Context) (resource.Evaluation, error) {
	sql := fmt.Sprintf("SELECT pg_get_userbyid(datdba) FROM pg_database WHERE datname = %s;", literal(d.Client.Database))
	res, err := d.Client.Admin(ctx, sql, queryTimeout)
	if err := executor.Check(res, err); err != nil {
		return resource.Evaluation{}, d.Client.recoverable("look up database "+d.Client.Database, err)
	}

	owner := firstLine(res.Stdout)
	switch owner {
	case "":
		return resource.Evaluation{State: resource.Missing, Message: "database " + d.Client.Database + " does not exist", Diff: d.Describe()}, nil
	case d.Client.User:
		return resource.Evaluation{State: resource.PresentCorrect, Message: fmt.Sprintf("database %s owned by %s", d.Client.Database, owner)}, nil
	default:
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("database %s is owned by %s", d.Client.Database, owner),
			Diff:    fmt.Sprintf("ALTER DATABASE %s OWNER TO %s", d.Client.Database, d.Client.User),
		}, nil
	}
}

func (d *Database) Create(ctx context.Context) error {
	return d.ddl(ctx, "create database "+d.Client.Database,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s;", d.Client.Database, d.Client.User))
}

func (d *Database) Update(ctx context.Context) error {
	return d.ddl(ctx, "alter database "+d.Client.Database,
		fmt.Sprintf("ALTER DATABASE %s OWNER TO %s;", d.Client.Database, d.Client.User))
}

func (d *Database) ddl(ctx context.Context, op, sql string) error {
	res, err := d.Client.Admin(ctx, sql, ddlTimeout)
	if err := executor.Check(res, err); err != nil {
		return d.Client.recoverable(op, err)
	}
	return nil
}
