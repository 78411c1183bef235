package files

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// EnvVar is one KEY=value line. Section starts a new commented block.
type EnvVar struct {
	Section string
	Key     string
	Value   string
	Quote   bool
}

// EnvFile is a dotenv file rendered from Vars. Keys listed in Preserve keep
// their existing non-empty value across rewrites.
type EnvFile struct {
	Path     string
	Mode     os.FileMode
	Vars     []EnvVar
	Preserve []string
	// Footer is appended verbatim.
	Footer string
}

var (
	_ resource.Resource  = (*EnvFile)(nil)
	_ resource.Describer = (*EnvFile)(nil)
)

func (e *EnvFile) Name() string { return "env " + e.Path }

func (e *EnvFile) Describe() string {
	keys := make([]string, 0, len(e.Vars))
	for _, v := range e.Vars {
		keys = append(keys, v.Key)
	}
	return fmt.Sprintf("write %s (%s)", e.Path, strings.Join(keys, ", "))
}

func (e *EnvFile) Probe(context.Context) (resource.Evaluation, error) {
	current, mode, err := readFile(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return resource.Evaluation{State: resource.Missing, Message: e.Path + " does not exist"}, nil
	}
	if err != nil {
		return resource.Evaluation{}, err
	}

	existing := ParseEnv(current)
	desired := e.Render(existing)
	if !bytes.Equal(current, desired) {
		changed := changedKeys(existing, ParseEnv(desired))
		msg := e.Path + " differs"
		if len(changed) > 0 {
			msg = fmt.Sprintf("%s differs in %s", e.Path, strings.Join(changed, ", "))
		}
		// Values may be secrets; the diff names keys only.
		return resource.Evaluation{State: resource.PresentDivergent, Message: msg, Diff: "rewrite keys: " + strings.Join(changed, ", ")}, nil
	}
	if mode != e.mode() {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("%s has mode %04o (expected %04o)", e.Path, mode, e.mode()),
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: e.Path}, nil
}

func (e *EnvFile) Create(ctx context.Context) error { return e.write(ctx) }

func (e *EnvFile) Update(ctx context.Context) error { return e.write(ctx) }

func (e *EnvFile) write(ctx context.Context) error {
	var existing map[string]string
	if current, _, err := readFile(e.Path); err == nil {
		existing = ParseEnv(current)
	}
	if err := WriteAtomic(e.Path, e.Render(existing), e.mode()); err != nil {
		return fmt.Errorf("write %s: %w", e.Path, err)
	}
	logger.FromContext(ctx).With("path", e.Path).Info("wrote environment file")
	return nil
}

// Render produces the file content, taking preserved keys from existing.
func (e *EnvFile) Render(existing map[string]string) []byte {
	preserve := make(map[string]bool, len(e.Preserve))
	for _, k := range e.Preserve {
		preserve[k] = true
	}

	var buf bytes.Buffer
	for i, v := range e.Vars {
		if v.Section != "" {
			if i > 0 {
				buf.WriteString("\n")
			}
			fmt.Fprintf(&buf, "# %s\n", v.Section)
		}
		value := v.Value
		if old, ok := existing[v.Key]; ok && preserve[v.Key] && old != "" {
			value = old
		}
		if v.Quote {
			fmt.Fprintf(&buf, "%s=%q\n", v.Key, value)
		} else {
			fmt.Fprintf(&buf, "%s=%s\n", v.Key, value)
		}
	}
	if e.Footer != "" {
		buf.WriteString("\n")
		buf.WriteString(e.Footer)
		if !strings.HasSuffix(e.Footer, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

// Lookup returns the value the file would hold for key given the file on disk.
func (e *EnvFile) Lookup(key string) (string, bool) {
	var existing map[string]string
	if current, _, err := readFile(e.Path); err == nil {
		existing = ParseEnv(current)
	}
	v, ok := ParseEnv(e.Render(existing))[key]
	return v, ok
}

func (e *EnvFile) mode() os.FileMode {
	if e.Mode == 0 {
		return 0o644
	}
	return e.Mode
}

// ParseEnv reads a dotenv file. Lines godotenv rejects, typically hand
// edits, are skipped rather than failing the whole file.
func ParseEnv(data []byte) map[string]string {
	if env, err := godotenv.Unmarshal(string(data)); err == nil {
		return env
	}
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		env, err := godotenv.Unmarshal(sc.Text())
		if err != nil {
			continue
		}
		for k, v := range env {
			out[k] = v
		}
	}
	return out
}

func changedKeys(a, b map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for k, v := range b {
		if a[k] != v {
			out = append(out, k)
		}
		seen[k] = true
	}
	for k := range a {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
