// Package checkout reconciles a project's git working copy.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	remoteName = "origin"
	// CloneTimeout bounds a single clone attempt.
	CloneTimeout = 10 * time.Minute
)

// Repo is a working copy at Dir cloned from URL. A non-empty directory that
// is not a git checkout is treated as a local override and used as is.
type Repo struct {
	name  string
	url   string
	dir   string
	local bool
}

var (
	_ resource.Resource  = (*Repo)(nil)
	_ resource.Describer = (*Repo)(nil)
	_ resource.Hinter    = (*Repo)(nil)
)

// New returns a checkout of url at dir.
func New(name, url, dir string) *Repo {
	return &Repo{name: name, url: url, dir: dir}
}

// NewLocal returns a checkout that must already exist at dir. It is never
// cloned.
func NewLocal(name, dir string) *Repo {
	return &Repo{name: name, dir: dir, local: true}
}

func (r *Repo) Name() string { return "checkout " + r.name }

// Dir is the working copy path.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) Describe() string {
	if r.local {
		return fmt.Sprintf("use local source %s", r.dir)
	}
	return fmt.Sprintf("clone %s into %s", r.url, r.dir)
}

func (r *Repo) Hints() []string {
	if r.local {
		return []string{fmt.Sprintf("ls -la %s", r.dir)}
	}
	return []string{
		fmt.Sprintf("git ls-remote %s", r.url),
		fmt.Sprintf("git clone %s %s", r.url, r.dir),
	}
}

func (r *Repo) Probe(ctx context.Context) (resource.Evaluation, error) {
	empty, err := isEmptyDir(r.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return resource.Evaluation{State: resource.Missing, Message: fmt.Sprintf("%s does not exist", r.dir), Diff: r.Describe()}, nil
	case err != nil:
		return resource.Evaluation{}, apperrors.NewFatalError("inspect "+r.dir, err,
			fmt.Sprintf("cannot read %s", r.dir), fmt.Sprintf("ls -ld %s", r.dir))
	case empty:
		return resource.Evaluation{State: resource.Missing, Message: fmt.Sprintf("%s is empty", r.dir), Diff: r.Describe()}, nil
	}

	if r.local {
		return resource.Evaluation{State: resource.PresentCorrect, Message: "local source " + r.dir}, nil
	}

	repo, err := git.PlainOpen(r.dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		logger.FromContext(ctx).With("dir", r.dir).Warn("not a git checkout; using existing contents as a local override")
		return resource.Evaluation{State: resource.PresentCorrect, Message: "local override at " + r.dir}, nil
	}
	if err != nil {
		return resource.Evaluation{}, apperrors.NewFatalError("open "+r.dir, err,
			fmt.Sprintf("%s holds a damaged git repository", r.dir),
			fmt.Sprintf("git -C %s status", r.dir),
			fmt.Sprintf("mv %s %s.broken", r.dir, r.dir))
	}

	actual := originURL(repo)
	if actual == "" {
		return resource.Evaluation{State: resource.PresentDivergent, Message: "checkout has no origin remote", Diff: "set origin to " + r.url}, nil
	}
	if !sameRemote(actual, r.url) {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("origin is %s (expected %s)", actual, r.url),
			Diff:    "set origin to " + r.url,
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: "git checkout at " + r.dir}, nil
}

// Create clones into Dir. A failed clone removes only what the clone itself
// created.
func (r *Repo) Create(ctx context.Context) error {
	if r.local {
		return apperrors.NewFatalError("checkout "+r.name, fmt.Errorf("%s is missing or empty", r.dir),
			fmt.Sprintf("local source for %s not found", r.name),
			fmt.Sprintf("git clone <repository> %s", r.dir))
	}

	_, statErr := os.Stat(r.dir)
	preexisting := statErr == nil

	if err := os.MkdirAll(filepath.Dir(r.dir), 0o755); err != nil {
		return apperrors.NewFatalError("checkout "+r.name, err, fmt.Sprintf("cannot create parent of %s", r.dir))
	}

	logger.FromContext(ctx).WithFields(map[string]any{"url": r.url, "dir": r.dir}).Info("cloning " + r.name)
	cloneCtx, cancel := context.WithTimeout(ctx, CloneTimeout)
	defer cancel()
	_, err := git.PlainCloneContext(cloneCtx, r.dir, false, &git.CloneOptions{URL: r.url})
	if err == nil {
		return nil
	}

	r.cleanup(ctx, preexisting)
	return classifyCloneError(ctx, r.name, r.url, err)
}

// Update points origin at the expected URL without touching the working tree.
func (r *Repo) Update(ctx context.Context) error {
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.dir, err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("read git config: %w", err)
	}
	if remote, ok := cfg.Remotes[remoteName]; ok {
		remote.URLs = []string{r.url}
	} else {
		cfg.Remotes[remoteName] = &gitconfig.RemoteConfig{
			Name:  remoteName,
			URLs:  []string{r.url},
			Fetch: []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName))},
		}
	}
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("write git config: %w", err)
	}
	logger.FromContext(ctx).With("dir", r.dir).Info("origin set to " + r.url)
	return nil
}

func (r *Repo) cleanup(ctx context.Context, preexisting bool) {
	log := logger.FromContext(ctx).With("dir", r.dir)
	if !preexisting {
		if err := os.RemoveAll(r.dir); err != nil {
			log.Warn(fmt.Sprintf("could not remove partial clone: %v", err))
		}
		return
	}
	// The directory was empty before the clone; empty it again.
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(r.dir, e.Name())); err != nil {
			log.Warn(fmt.Sprintf("could not remove %s: %v", e.Name(), err))
		}
	}
}

func classifyCloneError(ctx context.Context, name, url string, err error) error {
	op := "clone " + name
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, apperrors.ErrInterrupted)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTransientError(op, fmt.Errorf("timed out after %s: %w", CloneTimeout, err))
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return apperrors.NewFatalError(op, err,
			fmt.Sprintf("repository %s is not reachable with the current credentials", url),
			fmt.Sprintf("git ls-remote %s", url))
	default:
		return apperrors.NewTransientError(op, err)
	}
}

func originURL(repo *git.Repository) string {
	remote, err := repo.Remote(remoteName)
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}
	return remote.Config().URLs[0]
}

func sameRemote(a, b string) bool {
	return strings.EqualFold(normalizeRemote(a), normalizeRemote(b))
}

func normalizeRemote(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, ".git")
}

func isEmptyDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
