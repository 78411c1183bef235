package prisma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// Setup is the backend's one-time `npm run setup` (folders, ISOs, network
// filters). Completion is recorded as SetupStamp in Dir, so an interrupted or
// failed setup runs again on the next install.
type Setup struct {
	Dir         string
	DatabaseURL string
	Exec        executor.Executor

	// Stale forces a rerun over an existing stamp, set after new migrations
	// were deployed.
	Stale bool

	// Troubleshooting commands shown when setup fails.
	Troubleshooting []string

	now func() time.Time
}

var (
	_ resource.Resource  = (*Setup)(nil)
	_ resource.Describer = (*Setup)(nil)
	_ resource.Hinter    = (*Setup)(nil)
)

func (s *Setup) Name() string { return "backend setup" }

func (s *Setup) Describe() string {
	return fmt.Sprintf("run npm run setup in %s", s.Dir)
}

func (s *Setup) Hints() []string { return s.Troubleshooting }

func (s *Setup) stamp() string { return filepath.Join(s.Dir, SetupStamp) }

func (s *Setup) Probe(ctx context.Context) (resource.Evaluation, error) {
	info, err := os.Stat(s.stamp())
	switch {
	case os.IsNotExist(err):
		return resource.Evaluation{State: resource.Missing, Message: "backend setup has not completed", Diff: "npm run setup"}, nil
	case err != nil:
		return resource.Evaluation{}, fmt.Errorf("stat %s: %w", s.stamp(), err)
	case s.Stale:
		return resource.Evaluation{State: resource.PresentDivergent, Message: "new migrations were deployed since the last setup", Diff: "npm run setup"}, nil
	default:
		return resource.Evaluation{State: resource.PresentCorrect, Message: "setup completed " + info.ModTime().Format(time.RFC3339)}, nil
	}
}

// Create runs the setup script and writes the stamp only when it succeeds.
func (s *Setup) Create(ctx context.Context) error {
	logger.FromContext(ctx).With("dir", s.Dir).Info("running backend setup")
	res, err := run(ctx, s.Exec, s.Dir, s.DatabaseURL, []string{"npm", "run", "setup"}, setupTimeout, false)
	if err := executor.Check(res, err); err != nil {
		return fatal("npm run setup", err, "backend setup script failed", s.Hints())
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	if err := os.WriteFile(s.stamp(), []byte(now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("record setup completion: %w", err)
	}
	s.Stale = false
	return nil
}

func (s *Setup) Update(ctx context.Context) error { return s.Create(ctx) }
