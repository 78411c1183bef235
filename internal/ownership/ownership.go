// Package ownership preserves a directory tree's owner across privileged
// build steps.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
)

// Record is the (uid, gid) captured before a privileged mutation.
type Record struct {
	UID int
	GID int
}

func (r Record) String() string {
	return fmt.Sprintf("%d:%d", r.UID, r.GID)
}

// RestoreReport counts what Restore touched.
type RestoreReport struct {
	Restored int
	Failed   int
	// FirstError is kept for diagnostics; failures never abort the walk.
	FirstError error
}

// Guard captures and restores ownership. The zero value uses the real
// filesystem.
type Guard struct {
	// PrivilegedUID is the owner that needs no restoring. Defaults to 0.
	PrivilegedUID int
	// Stat returns the owner of path.
	Stat func(path string) (Record, error)
	// Lchown changes the owner of path without following symlinks.
	Lchown func(path string, uid, gid int) error
}

// New returns a Guard backed by the host filesystem.
func New() *Guard {
	return &Guard{}
}

// Capture returns the owner of path, or nil when there is nothing to restore:
// path is missing or already owned by the privileged user.
func (g *Guard) Capture(path string) (*Record, error) {
	rec, err := g.stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("capture owner of %s: %w", path, err)
	}
	if rec.UID == g.PrivilegedUID {
		return nil, nil
	}
	return &rec, nil
}

// Restore applies rec to path and every entry below it, including entries
// created since Capture. Per-entry failures are logged and counted.
func (g *Guard) Restore(ctx context.Context, path string, rec *Record) RestoreReport {
	var report RestoreReport
	if rec == nil {
		return report
	}
	log := logger.FromContext(ctx).WithFields(map[string]any{"path": path, "owner": rec.String()})

	fail := func(p string, err error) {
		report.Failed++
		if report.FirstError == nil {
			report.FirstError = err
		}
		log.Warn(fmt.Sprintf("could not restore ownership of %s: %v", p, err))
	}

	walkErr := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			fail(p, err)
			if p == path {
				return err
			}
			return nil
		}
		if err := g.lchown(p, rec.UID, rec.GID); err != nil {
			fail(p, err)
			return nil
		}
		report.Restored++
		return nil
	})
	if walkErr != nil && report.Failed == 0 {
		fail(path, walkErr)
	}

	if report.Failed > 0 {
		log.Warn(fmt.Sprintf("ownership restored on %d entries, %d failed", report.Restored, report.Failed))
	} else {
		log.Debug(fmt.Sprintf("ownership restored on %d entries", report.Restored))
	}
	return report
}

// Scope runs fn between Capture and Restore. Restore runs on every exit
// path, including a panic in fn.
func (g *Guard) Scope(ctx context.Context, path string, fn func(ctx context.Context) error) (err error) {
	rec, err := g.Capture(path)
	if err != nil {
		logger.FromContext(ctx).Warn(err.Error())
		rec = nil
	}
	defer g.Restore(ctx, path, rec)
	return fn(ctx)
}

func (g *Guard) stat(path string) (Record, error) {
	if g.Stat != nil {
		return g.Stat(path)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return Record{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Record{}, fmt.Errorf("ownership not available for %s", path)
	}
	return Record{UID: int(st.Uid), GID: int(st.Gid)}, nil
}

func (g *Guard) lchown(path string, uid, gid int) error {
	if g.Lchown != nil {
		return g.Lchown(path, uid, gid)
	}
	return os.Lchown(path, uid, gid)
}
