// Package files reconciles directories, generated files and symlinks.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// File is a generated file whose full content is owned by the installer.
type File struct {
	Path    string
	Mode    os.FileMode
	Content []byte
	// Sensitive hides the content diff from logs and dry-run output.
	Sensitive bool
}

var (
	_ resource.Resource  = (*File)(nil)
	_ resource.Describer = (*File)(nil)
)

func (f *File) Name() string { return "file " + f.Path }

func (f *File) Describe() string { return "write " + f.Path }

func (f *File) Probe(context.Context) (resource.Evaluation, error) {
	current, mode, err := readFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return resource.Evaluation{State: resource.Missing, Message: f.Path + " does not exist"}, nil
	}
	if err != nil {
		return resource.Evaluation{}, err
	}
	if !bytes.Equal(current, f.Content) {
		eval := resource.Evaluation{State: resource.PresentDivergent, Message: f.Path + " content differs"}
		if !f.Sensitive {
			eval.Diff = UnifiedDiff(f.Path, current, f.Content)
		}
		return eval, nil
	}
	if mode != f.mode() {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("%s has mode %04o (expected %04o)", f.Path, mode, f.mode()),
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: f.Path}, nil
}

func (f *File) Create(ctx context.Context) error { return f.write(ctx) }

func (f *File) Update(ctx context.Context) error { return f.write(ctx) }

func (f *File) write(ctx context.Context) error {
	if err := WriteAtomic(f.Path, f.Content, f.mode()); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	logger.FromContext(ctx).With("path", f.Path).Info("wrote file")
	return nil
}

func (f *File) mode() os.FileMode {
	if f.Mode == 0 {
		return 0o644
	}
	return f.Mode
}

// Dir is a directory that must exist.
type Dir struct {
	Path string
	Mode os.FileMode
}

var _ resource.Resource = (*Dir)(nil)

func (d *Dir) Name() string { return "dir " + d.Path }

func (d *Dir) Probe(context.Context) (resource.Evaluation, error) {
	info, err := os.Stat(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return resource.Evaluation{State: resource.Missing, Message: d.Path + " does not exist"}, nil
	}
	if err != nil {
		return resource.Evaluation{}, err
	}
	if !info.IsDir() {
		return resource.Evaluation{}, fmt.Errorf("%s exists and is not a directory", d.Path)
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: d.Path}, nil
}

func (d *Dir) Create(context.Context) error {
	mode := d.Mode
	if mode == 0 {
		mode = 0o755
	}
	return os.MkdirAll(d.Path, mode)
}

func (d *Dir) Update(context.Context) error { return nil }

// UnifiedDiff renders a unified diff between the current and desired content.
func UnifiedDiff(name string, current, desired []byte) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(desired)),
		FromFile: name + " (current)",
		ToFile:   name + " (desired)",
		Context:  3,
	}
	diff, _ := difflib.GetUnifiedDiffString(ud)
	return strings.TrimSpace(diff)
}

// WriteAtomic writes data through a temp file in the same dir and renames it
// into place.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".installer-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func readFile(path string) ([]byte, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return data, info.Mode().Perm(), nil
}
