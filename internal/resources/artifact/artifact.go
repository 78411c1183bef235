// Package artifact verifies build outputs.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Spec declares an output a build step must leave behind. Path is relative to
// the project dir and may be a glob.
type Spec struct {
	Name       string
	Path       string
	Dir        bool
	Executable bool
}

// Artifact checks one Spec under a project root. Only the exec bit can be
// repaired; anything else missing means the build step failed.
type Artifact struct {
	spec  Spec
	root  string
	hints []string
}

var (
	_ resource.Resource  = (*Artifact)(nil)
	_ resource.Describer = (*Artifact)(nil)
	_ resource.Hinter    = (*Artifact)(nil)
)

// New returns the artifact spec resolved under root.
func New(root string, spec Spec, hints ...string) *Artifact {
	return &Artifact{spec: spec, root: root, hints: hints}
}

func (a *Artifact) Name() string {
	if a.spec.Name != "" {
		return "artifact " + a.spec.Name
	}
	return "artifact " + a.spec.Path
}

func (a *Artifact) Describe() string {
	return "verify " + filepath.Join(a.root, a.spec.Path)
}

func (a *Artifact) Hints() []string { return a.hints }

func (a *Artifact) Probe(context.Context) (resource.Evaluation, error) {
	path, err := a.resolve()
	if err != nil {
		return resource.Evaluation{}, err
	}
	if path == "" {
		return resource.Evaluation{State: resource.Missing, Message: fmt.Sprintf("%s not found", a.pattern())}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return resource.Evaluation{State: resource.Missing, Message: err.Error()}, nil
	}

	switch {
	case a.spec.Dir && !info.IsDir():
		return resource.Evaluation{State: resource.Missing, Message: path + " is not a directory"}, nil
	case a.spec.Dir:
		entries, err := os.ReadDir(path)
		if err != nil {
			return resource.Evaluation{}, fmt.Errorf("read %s: %w", path, err)
		}
		if len(entries) == 0 {
			return resource.Evaluation{State: resource.Missing, Message: path + " is empty"}, nil
		}
	case info.IsDir():
		return resource.Evaluation{State: resource.Missing, Message: path + " is a directory"}, nil
	case info.Size() == 0:
		return resource.Evaluation{State: resource.Missing, Message: path + " is empty"}, nil
	case a.spec.Executable && info.Mode().Perm()&0o111 == 0:
		return resource.Evaluation{State: resource.PresentDivergent, Message: path + " is not executable", Diff: "chmod +x " + path}, nil
	}

	return resource.Evaluation{State: resource.PresentCorrect, Message: path}, nil
}

// Create cannot produce a build output.
func (a *Artifact) Create(context.Context) error {
	return apperrors.NewFatalError(a.Name(), fmt.Errorf("%s was not produced", a.pattern()),
		fmt.Sprintf("build output %s is missing", a.pattern()), a.hints...)
}

// Update sets the exec bit.
func (a *Artifact) Update(ctx context.Context) error {
	path, err := a.resolve()
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%s not found", a.pattern())
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, info.Mode().Perm()|0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	logger.FromContext(ctx).Info("made executable: " + path)
	return nil
}

func (a *Artifact) pattern() string {
	return filepath.Join(a.root, a.spec.Path)
}

// resolve returns the first match for the spec path, or "" when none exists.
func (a *Artifact) resolve() (string, error) {
	pattern := a.pattern()
	if !strings.ContainsAny(a.spec.Path, "*?[") {
		if _, err := os.Lstat(pattern); err != nil {
			return "", nil
		}
		return pattern, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("bad artifact pattern %q: %w", a.spec.Path, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}
