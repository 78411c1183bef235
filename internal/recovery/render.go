package recovery

import (
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
)

// Render formats the runbook for display while blocked.
func Render(rb Runbook) string {
	var b strings.Builder

	title := rb.Title
	if title == "" {
		title = "Manual intervention required"
	}
	b.WriteString(tui.Failure(title))
	b.WriteString("\n")
	if rb.Summary != "" {
		b.WriteString(rb.Summary)
		b.WriteString("\n")
	}

	if len(rb.Context) > 0 {
		b.WriteString(tui.Section("Current configuration"))
		b.WriteString("\n")
		width := 0
		for _, f := range rb.Context {
			if len(f.Key) > width {
				width = len(f.Key)
			}
		}
		for _, f := range rb.Context {
			fmt.Fprintf(&b, "  %-*s  %s\n", width+1, f.Key+":", f.Value)
		}
	}

	for i, step := range rb.Steps {
		b.WriteString(tui.Section(fmt.Sprintf("Step %d: %s", i+1, step.Title)))
		b.WriteString("\n")
		for _, c := range step.Commands {
			b.WriteString("    " + tui.Command(c) + "\n")
		}
		for _, n := range step.Notes {
			b.WriteString("  " + tui.Muted(n) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
