package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

type decision int

const (
	decisionPending decision = iota
	decisionResume
	decisionAbort
)

type keyMap struct {
	Resume key.Binding
	Abort  key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Resume: key.NewBinding(key.WithKeys("enter", "r"), key.WithHelp("enter/r", "retry")),
		Abort:  key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "abort installation")),
	}
}

const footerHeight = 2

// blockedModel shows the runbook in a scrollable viewport until the operator
// decides.
type blockedModel struct {
	viewport viewport.Model
	keys     keyMap
	decision decision
}

func newBlockedModel(content string, width, height int) blockedModel {
	vp := viewport.New(width, max(height-footerHeight, 5))
	vp.SetContent(content)
	return blockedModel{viewport: vp, keys: defaultKeys()}
}

func (m blockedModel) Init() tea.Cmd {
	return nil
}

func (m blockedModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-footerHeight, 5)
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Resume):
			m.decision = decisionResume
			return m, tea.Quit
		case key.Matches(msg, m.keys.Abort):
			m.decision = decisionAbort
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m blockedModel) View() string {
	help := fmt.Sprintf("%s • %s • ↑/↓ scroll", m.keys.Resume.Help().Key+" "+m.keys.Resume.Help().Desc, m.keys.Abort.Help().Key+" "+m.keys.Abort.Help().Desc)
	return m.viewport.View() + "\n" + tui.Muted(help)
}

// Terminal is the full-screen recovery channel.
type Terminal struct {
	in  io.Reader
	out io.Writer
}

// NewTerminal returns a bubbletea-backed channel.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

var _ Channel = (*Terminal)(nil)

// Block implements Channel.
func (t *Terminal) Block(ctx context.Context, rb Runbook) error {
	width, height := 100, 30
	if f, ok := t.out.(*os.File); ok {
		if w, h, err := term.GetSize(int(f.Fd())); err == nil {
			width, height = w, h
		}
	}

	program := tea.NewProgram(
		newBlockedModel(Render(rb), width, height),
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
	)
	final, err := program.Run()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("waiting for operator: %w", apperrors.ErrInterrupted)
		}
		return fmt.Errorf("recovery screen: %w", err)
	}

	if m, ok := final.(blockedModel); ok && m.decision == decisionResume {
		return nil
	}
	return fmt.Errorf("operator aborted: %w", apperrors.ErrInterrupted)
}

// Select picks the channel for the current process: fail-fast when
// nonInteractive or when stdin is not a terminal, the full-screen view on a
// capable terminal, and the line prompt otherwise.
func Select(nonInteractive bool, in, out *os.File) Channel {
	if nonInteractive || in == nil || out == nil || !term.IsTerminal(int(in.Fd())) {
		return NonInteractive{}
	}
	if os.Getenv("TERM") == "dumb" || !term.IsTerminal(int(out.Fd())) {
		return NewPrompt(in, out)
	}
	return NewTerminal(in, out)
}
