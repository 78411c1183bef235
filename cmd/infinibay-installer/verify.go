package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/orchestrator"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/phases"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

type verifyOptions struct {
	Config  *config.Installation
	JSON    bool
	Timeout time.Duration
}

// verifyResult is one probed resource.
type verifyResult struct {
	Phase    string
	Resource string
	State    resource.State
	Message  string
	Error    error
	Duration time.Duration
}

// Satisfied reports whether the resource needs no action.
func (r verifyResult) Satisfied() bool {
	return r.Error == nil && r.State == resource.PresentCorrect
}

type verifySummary struct {
	Results  []verifyResult
	Duration time.Duration
}

func (s verifySummary) counts() (satisfied, pending, failed int) {
	for _, r := range s.Results {
		switch {
		case r.Error != nil:
			failed++
		case r.State == resource.PresentCorrect:
			satisfied++
		default:
			pending++
		}
	}
	return satisfied, pending, failed
}

// AllSatisfied reports whether an install run would change nothing.
func (s verifySummary) AllSatisfied() bool {
	_, pending, failed := s.counts()
	return pending == 0 && failed == 0
}

var verifyCmdRunner = runVerify

func newVerifyCmd(root *rootFlags, cfg *config.Installation) *cobra.Command {
	opts := verifyOptions{Config: cfg}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every installation step without making changes",
		Long: `Verify probes each resource the installer manages and reports whether it
is already in place. Returns exit code 0 if nothing needs doing, exit code 1
if an install run would make changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, root, cfg); err != nil {
				return err
			}
			cfg.Verbose = root.verbose
			cfg.NonInteractive = true
			return verifyCmdRunner(cmd.Context(), cmd, root, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "Upper bound for the whole verification")

	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, root *rootFlags, opts verifyOptions) error {
	cfg := opts.Config
	passwordGiven := cfg.DBPassword != ""
	ctx, log, err := prepare(ctx, root, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if _, stored := config.StoredPassword(cfg); !passwordGiven && !stored {
		log.Warn("no database password given or stored; the role check will report drift")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	deps := &phases.Deps{
		Config:   cfg,
		Exec:     executor.New(log),
		Recovery: recovery.NonInteractive{},
	}
	summary := verifyPhases(ctx, phases.New(deps))

	satisfied, pending, failed := summary.counts()
	log.WithFields(map[string]any{
		"total":     len(summary.Results),
		"satisfied": satisfied,
		"pending":   pending,
		"failed":    failed,
		"duration":  summary.Duration.String(),
	}).Info("Verification complete")

	out := cmd.OutOrStdout()
	switch {
	case opts.JSON:
		if err := printJSONOutput(out, summary); err != nil {
			return err
		}
	case root.verbose:
		printVerboseOutput(out, summary)
	default:
		printTableOutput(out, summary)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if !summary.AllSatisfied() {
		return &exitError{code: exitFailure}
	}
	return nil
}

// verifyPhases probes every resource of every phase in order. Probes are
// read-only, so a failed probe is recorded and the walk continues.
func verifyPhases(ctx context.Context, ps []orchestrator.Phase) verifySummary {
	start := time.Now()
	var summary verifySummary
	for _, p := range ps {
		inv, ok := p.(phases.Inventory)
		if !ok {
			continue
		}
		for _, r := range inv.Resources(ctx) {
			began := time.Now()
			eval, err := r.Probe(ctx)
			summary.Results = append(summary.Results, verifyResult{
				Phase:    p.Name(),
				Resource: r.Name(),
				State:    eval.State,
				Message:  eval.Message,
				Error:    err,
				Duration: time.Since(began),
			})
			logger.FromContext(ctx).WithFields(map[string]any{"resource": r.Name(), "state": eval.State.String()}).Debug("probed")
		}
	}
	summary.Duration = time.Since(start)
	return summary
}

func printTableOutput(w io.Writer, summary verifySummary) {
	fmt.Fprintln(w, "\nVerification Results:")
	fmt.Fprintln(w, strings.Repeat("=", 96))
	fmt.Fprintf(w, "%-14s %-32s %-20s %-8s %s\n", "Phase", "Resource", "Status", "Duration", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 96))

	for _, r := range summary.Results {
		message := r.Message
		if r.Error != nil {
			message = r.Error.Error()
		}
		fmt.Fprintf(w, "%-14s %-32s %-20s %-8s %s\n",
			r.Phase,
			truncateString(r.Resource, 32),
			fmt.Sprintf("%s %s", statusSymbol(r), statusLabel(r)),
			fmt.Sprintf("%.2fs", r.Duration.Seconds()),
			truncateString(message, 40),
		)
	}

	satisfied, pending, failed := summary.counts()
	fmt.Fprintln(w, strings.Repeat("=", 96))
	fmt.Fprintf(w, "\nSummary:\n")
	fmt.Fprintf(w, "  Total:       %d\n", len(summary.Results))
	fmt.Fprintf(w, "  ✔ In place:  %d\n", satisfied)
	fmt.Fprintf(w, "  ✖ Pending:   %d\n", pending)
	fmt.Fprintf(w, "  ? Unknown:   %d\n", failed)
	fmt.Fprintf(w, "  Duration:    %s\n", summary.Duration.Round(time.Millisecond))

	if summary.AllSatisfied() {
		fmt.Fprintln(w, "\n✅ Installation is complete - no changes needed")
	} else {
		fmt.Fprintln(w, "\n❌ Changes needed - run 'infinibay-installer' to fix")
	}
}

func printVerboseOutput(w io.Writer, summary verifySummary) {
	printTableOutput(w, summary)

	hasDetails := false
	for _, r := range summary.Results {
		if r.Satisfied() {
			continue
		}
		if !hasDetails {
			fmt.Fprintln(w, "\nDetails:")
			fmt.Fprintln(w, strings.Repeat("=", 96))
			hasDetails = true
		}
		fmt.Fprintf(w, "\n--- %s: %s ---\n", r.Phase, r.Resource)
		if r.Error != nil {
			fmt.Fprintf(w, "Error: %v\n", r.Error)
			continue
		}
		fmt.Fprintln(w, r.Message)
	}
}

func printJSONOutput(w io.Writer, summary verifySummary) error {
	type jsonResult struct {
		Phase    string  `json:"phase"`
		Resource string  `json:"resource"`
		State    string  `json:"state"`
		Message  string  `json:"message"`
		Error    string  `json:"error,omitempty"`
		Duration float64 `json:"duration_seconds"`
	}
	type jsonSummary struct {
		Total     int     `json:"total"`
		Satisfied int     `json:"satisfied"`
		Pending   int     `json:"pending"`
		Failed    int     `json:"failed"`
		Duration  float64 `json:"duration_seconds"`
	}
	type jsonOutput struct {
		Complete bool         `json:"complete"`
		Summary  jsonSummary  `json:"summary"`
		Results  []jsonResult `json:"results"`
	}

	satisfied, pending, failed := summary.counts()
	payload := jsonOutput{
		Complete: summary.AllSatisfied(),
		Summary: jsonSummary{
			Total:     len(summary.Results),
			Satisfied: satisfied,
			Pending:   pending,
			Failed:    failed,
			Duration:  summary.Duration.Seconds(),
		},
		Results: make([]jsonResult, len(summary.Results)),
	}
	for i, r := range summary.Results {
		jr := jsonResult{
			Phase:    r.Phase,
			Resource: r.Resource,
			State:    r.State.String(),
			Message:  r.Message,
			Duration: r.Duration.Seconds(),
		}
		if r.Error != nil {
			jr.State = "unknown"
			jr.Error = r.Error.Error()
		}
		payload.Results[i] = jr
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func statusSymbol(r verifyResult) string {
	switch {
	case r.Error != nil:
		return "?"
	case r.State == resource.PresentCorrect:
		return "✔"
	case r.State == resource.PresentDivergent:
		return "⚠"
	default:
		return "✖"
	}
}

func statusLabel(r verifyResult) string {
	if r.Error != nil {
		return "unknown"
	}
	return r.State.String()
}

func truncateString(s string, maxLen int) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
