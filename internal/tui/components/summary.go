package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Section is a titled block of indented lines.
type Section struct {
	Heading string
	Lines   []string
}

// Summary renders a titled list of sections, used for the configuration
// preview and the final installation report.
type Summary struct {
	Title    string
	Sections []Section
}

var (
	summaryTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	summaryHeadingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// View renders the summary. Sections without lines are skipped.
func (s Summary) View() string {
	var blocks []string
	if strings.TrimSpace(s.Title) != "" {
		blocks = append(blocks, summaryTitleStyle.Render(s.Title))
	}
	for _, sec := range s.Sections {
		if len(sec.Lines) == 0 {
			continue
		}
		lines := []string{summaryHeadingStyle.Render(sec.Heading)}
		for _, l := range sec.Lines {
			lines = append(lines, "  "+l)
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}
