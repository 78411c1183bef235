package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginTop(1)

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("196")).Padding(0, 1)
)

// Title renders a bold heading.
func Title(s string) string { return titleStyle.Render(s) }

// Section renders a section heading.
func Section(s string) string { return sectionStyle.Render(s) }

// Command renders a shell command line with a prompt.
func Command(cmd string) string { return commandStyle.Render("$ " + cmd) }

// Muted renders secondary text.
func Muted(s string) string { return mutedStyle.Render(s) }

// Failure renders error text.
func Failure(s string) string { return failureStyle.Render(s) }

// Box frames content in a rounded border.
func Box(s string) string { return boxStyle.Render(s) }
