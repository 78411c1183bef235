package tui

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// RenderFailure formats a run-ending error as a diagnosis followed by the
// remediation commands found in its chain.
func RenderFailure(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	if errors.Is(err, apperrors.ErrInterrupted) {
		b.WriteString(warnStyle.Render("Installation interrupted by operator"))
		b.WriteString("\n")
		b.WriteString(Muted("Completed phases were kept. Re-run the installer to continue."))
		return b.String()
	}

	diagnosis := apperrors.Diagnosis(err)
	if diagnosis == "" {
		diagnosis = "Installation failed"
	}
	b.WriteString(failureStyle.Render("✗ " + diagnosis))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  error: %v\n", err))

	if cmds := dedupe(apperrors.Remediation(err)); len(cmds) > 0 {
		b.WriteString("  Try:\n")
		for _, c := range cmds {
			b.WriteString("    " + Command(c) + "\n")
		}
	}
	b.WriteString(Muted("Run with --verbose for detailed command output."))
	return b.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || strings.TrimSpace(s) == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
