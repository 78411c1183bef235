package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// Symlink makes Path point at Target. Anything else found at Path is moved
// aside to Path.bak-<timestamp>; a wrong link is replaced.
type Symlink struct {
	Path   string
	Target string
	Now    func() time.Time
}

var (
	_ resource.Resource  = (*Symlink)(nil)
	_ resource.Describer = (*Symlink)(nil)
)

func (s *Symlink) Name() string { return "symlink " + s.Path }

func (s *Symlink) Describe() string { return fmt.Sprintf("link %s -> %s", s.Path, s.Target) }

func (s *Symlink) Probe(context.Context) (resource.Evaluation, error) {
	info, err := os.Lstat(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return resource.Evaluation{State: resource.Missing, Message: s.Path + " does not exist", Diff: s.Describe()}, nil
	}
	if err != nil {
		return resource.Evaluation{}, err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: s.Path + " is not a symlink",
			Diff:    fmt.Sprintf("move %s aside and %s", s.Path, s.Describe()),
		}, nil
	}
	target, err := os.Readlink(s.Path)
	if err != nil {
		return resource.Evaluation{}, err
	}
	if filepath.Clean(target) != filepath.Clean(s.Target) {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("%s points to %s (expected %s)", s.Path, target, s.Target),
			Diff:    s.Describe(),
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: s.Describe()}, nil
}

func (s *Symlink) Create(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(s.Target, s.Path); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	logger.FromContext(ctx).Info(s.Describe())
	return nil
}

func (s *Symlink) Update(ctx context.Context) error {
	info, err := os.Lstat(s.Path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(s.Path); err != nil {
			return fmt.Errorf("remove stale symlink: %w", err)
		}
	} else {
		backup := fmt.Sprintf("%s.bak-%s", s.Path, s.now().UTC().Format("20060102T150405"))
		if err := os.Rename(s.Path, backup); err != nil {
			return fmt.Errorf("move %s aside: %w", s.Path, err)
		}
		logger.FromContext(ctx).Warn(fmt.Sprintf("moved existing %s to %s", s.Path, backup))
	}
	return s.Create(ctx)
}

func (s *Symlink) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
