package recovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Prompt is a line-based channel for terminals that cannot host the full
// screen view. Enter resumes; "q" or end of input aborts.
type Prompt struct {
	in  io.Reader
	out io.Writer
}

// NewPrompt returns a line-based recovery channel.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, out: out}
}

var _ Channel = (*Prompt)(nil)

// Block implements Channel.
func (p *Prompt) Block(ctx context.Context, rb Runbook) error {
	fmt.Fprintln(p.out, Render(rb))
	fmt.Fprintln(p.out)
	fmt.Fprint(p.out, "After completing these steps, press Enter to retry, or type q to abort: ")

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for operator: %w", apperrors.ErrInterrupted)
	case err := <-errs:
		return fmt.Errorf("waiting for operator: %v: %w", err, apperrors.ErrInterrupted)
	case line := <-lines:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "q", "quit", "abort":
			return fmt.Errorf("operator aborted: %w", apperrors.ErrInterrupted)
		default:
			return nil
		}
	}
}
