package components

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseProgressView(t *testing.T) {
	t.Parallel()

	t.Run("renders label with index and total", func(t *testing.T) {
		t.Parallel()
		p := NewPhaseProgress(4)
		view := p.View(2, "Database")
		require.Contains(t, view, "[2/4] Database")
		require.Greater(t, len(view), len("[2/4] Database"))
	})

	t.Run("handles zero total", func(t *testing.T) {
		t.Parallel()
		p := NewPhaseProgress(0)
		require.Contains(t, p.View(0, "nothing"), "[0/0] nothing")
	})

	t.Run("clamps beyond total", func(t *testing.T) {
		t.Parallel()
		p := NewPhaseProgress(4)
		require.Contains(t, p.View(6, "Services"), "[6/4] Services")
	})
}
