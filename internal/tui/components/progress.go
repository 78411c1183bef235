package components

import (
	"fmt"
	"math"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// PhaseProgress renders "[n/total] name" next to a completion bar.
type PhaseProgress struct {
	bar   progress.Model
	total int
}

// NewPhaseProgress creates a progress component for total phases.
func NewPhaseProgress(total int) PhaseProgress {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 24
	return PhaseProgress{bar: bar, total: total}
}

// View renders the bar with index phases already entered.
func (p PhaseProgress) View(index int, name string) string {
	ratio := 0.0
	if p.total > 0 {
		ratio = math.Max(0, math.Min(1.0, float64(index)/float64(p.total)))
	}
	label := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("[%d/%d] %s", index, p.total, name))
	return lipgloss.JoinHorizontal(lipgloss.Left, p.bar.ViewAs(ratio), "  ", label)
}
