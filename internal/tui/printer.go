package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui/components"
)

// Printer writes operator-facing progress lines. Structured logs go through
// the logger; the printer is for the human narrative.
type Printer struct {
	out io.Writer
}

// NewPrinter returns a printer writing to out (stdout when nil).
func NewPrinter(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out}
}

// Writer exposes the underlying writer.
func (p *Printer) Writer() io.Writer { return p.out }

// Step prints "[n/total] msg".
func (p *Printer) Step(n, total int, msg string) {
	fmt.Fprintf(p.out, "%s %s\n", titleStyle.Render(fmt.Sprintf("[%d/%d]", n, total)), msg)
}

// Phase prints a progress header for entering a phase.
func (p *Printer) Phase(index, total int, name string) {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, components.NewPhaseProgress(total).View(index, name))
}

// Info prints an informational line.
func (p *Printer) Info(msg string) {
	fmt.Fprintln(p.out, infoStyle.Render("•")+" "+msg)
}

// Detail prints an indented detail line.
func (p *Printer) Detail(msg string) {
	fmt.Fprintln(p.out, "  - "+msg)
}

// Success prints a success line.
func (p *Printer) Success(msg string) {
	fmt.Fprintln(p.out, successStyle.Render("✓")+" "+msg)
}

// Warn prints a warning line.
func (p *Printer) Warn(msg string) {
	fmt.Fprintln(p.out, warnStyle.Render("!")+" "+msg)
}

// Blank prints an empty line.
func (p *Printer) Blank() {
	fmt.Fprintln(p.out)
}

// Summary prints a summary block.
func (p *Printer) Summary(s components.Summary) {
	fmt.Fprintln(p.out, s.View())
}
