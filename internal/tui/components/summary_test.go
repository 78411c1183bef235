package components

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummaryView(t *testing.T) {
	t.Parallel()

	t.Run("renders empty summary", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "", Summary{}.View())
	})

	t.Run("renders title and sections in order", func(t *testing.T) {
		t.Parallel()
		view := Summary{
			Title: "Installation Complete",
			Sections: []Section{
				{Heading: "Access URLs", Lines: []string{"Frontend: http://10.0.0.5:3000"}},
				{Heading: "Empty"},
				{Heading: "Database", Lines: []string{"User: infinibay"}},
			},
		}.View()

		require.Contains(t, view, "Installation Complete")
		require.Contains(t, view, "  Frontend: http://10.0.0.5:3000")
		require.NotContains(t, view, "Empty")
		require.Less(t, strings.Index(view, "Access URLs"), strings.Index(view, "Database"))
	})
}
