// Package printer renders CLI output: status lines, run tables and reports.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

func init() {
	// NO_COLOR disables colors; otherwise force them even without a TTY.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a green line with a checkmark prefix.
func Success(format string, a ...any) {
	green.Printf("✓ %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "✓ "))
}

// Info prints an uncolored line.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a yellow line with a warning prefix.
func Warning(format string, a ...any) {
	yellow.Printf("⚠️  %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "⚠️  "))
}

// Step prints a cyan progress line.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and suggestions to stderr and returns an
// error carrying only the title, for cobra with SilenceErrors.
func Error(title, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed between the
// explanation and the suggestions.
func ErrorWithContext(title, explanation string, details map[string]string, suggestions []string) error {
	writeError(os.Stderr, title, explanation, details, suggestions)
	return fmt.Errorf("%s", title)
}

func writeError(w io.Writer, title, explanation string, details map[string]string, suggestions []string) {
	red.Fprintf(w, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}

	if len(details) > 0 {
		fmt.Fprintln(w)
		for key, value := range details {
			fmt.Fprintf(w, "  %s: %s\n", key, value)
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// statusColor picks the color of a run status.
func statusColor(s workflow.Status) *color.Color {
	switch s {
	case workflow.StatusCompleted:
		return green
	case workflow.StatusFailed:
		return red
	case workflow.StatusCancelled:
		return yellow
	case workflow.StatusIdle:
		return faint
	default:
		return cyan
	}
}

func outcomeColor(o workflow.PhaseOutcome) *color.Color {
	switch o {
	case workflow.OutcomeSucceeded:
		return green
	case workflow.OutcomeRetried:
		return yellow
	case workflow.OutcomeSkipped:
		return faint
	default:
		return red
	}
}

// Run writes the status block of a single run.
func Run(w io.Writer, run *workflow.Run) {
	fmt.Fprintf(w, "Run:       %s\n", run.RunID)
	fmt.Fprintf(w, "Mode:      %s\n", run.Mode)
	fmt.Fprintf(w, "Strategy:  %s\n", run.Strategy)
	fmt.Fprintf(w, "Status:    %s\n", statusColor(run.Status).Sprint(run.Status))
	if run.SourceRunID != "" {
		fmt.Fprintf(w, "Source:    %s\n", run.SourceRunID)
	}
	fmt.Fprintf(w, "Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:  %s (%s)\n", run.CompletedAt.Format(time.RFC3339),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", red.Sprint(run.Error))
	}
}

// Runs writes one row per run.
func Runs(w io.Writer, runs []*workflow.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tMODE\tSTRATEGY\tSTATUS\tSTARTED")
	for _, r := range runs {
		// Color codes would skew tabwriter column widths.
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Mode, r.Strategy, r.Status, r.StartedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

// Report writes the final report of a run.
func Report(w io.Writer, rep *workflow.Report) {
	fmt.Fprintf(w, "Report for %s (%s, %s)\n", rep.RunID, rep.Mode, rep.Strategy)
	fmt.Fprintf(w, "Generated: %s\n\n", rep.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintln(w, "Phases:")
	for _, p := range rep.Phases {
		fmt.Fprintf(w, "  %-20s %s", p.Phase, outcomeColor(p.Outcome).Sprint(p.Outcome))
		if p.Attempts > 1 {
			fmt.Fprintf(w, " (%d attempts)", p.Attempts)
		}
		fmt.Fprintln(w)
	}

	if b := rep.BestBacktest; b != nil {
		fmt.Fprintf(w, "\nBest backtest: variation %d, %s\n", b.VariationIndex, strings.Join(b.Symbols, ","))
		fmt.Fprintf(w, "  sharpe %.2f  return %.2f%%  drawdown %.2f%%  win rate %.1f%%  trades %d  pnl %.2f\n",
			b.SharpeRatio, b.TotalReturn*100, b.MaxDrawdown*100, b.WinRate*100, b.TotalTrades, b.TotalPnL)
	}
	if v := rep.BacktestValidation; v != nil {
		validation(w, "Backtest validation", v)
	}
	if p := rep.PaperTrade; p != nil {
		fmt.Fprintf(w, "\nPaper trading: %s for %s\n", strings.Join(p.Symbols, ","), p.Duration.Std())
		fmt.Fprintf(w, "  trades %d  realized pnl %.2f  fees %.2f  ticks %d", p.TotalTrades, p.RealizedPnL, p.TotalFees, p.Ticks)
		if p.BrokerErrors > 0 {
			fmt.Fprintf(w, "  broker errors %d", p.BrokerErrors)
		}
		if p.Interrupted {
			fmt.Fprint(w, yellow.Sprint("  interrupted"))
		}
		fmt.Fprintln(w)
	}
	if v := rep.PaperValidation; v != nil {
		validation(w, "Paper validation", v)
	}
}

func validation(w io.Writer, title string, v *workflow.ValidationReport) {
	c := green
	if !v.Status.Accepted() {
		c = red
	}
	fmt.Fprintf(w, "\n%s: %s\n", title, c.Sprint(v.Status))
	fmt.Fprintf(w, "  checked %d  anomalies %d  corrected %d  iterations %d\n",
		v.TotalChecked, v.AnomaliesFound, v.AnomaliesCorrected, v.IterationsUsed)
	for _, s := range v.Suggestions {
		fmt.Fprintf(w, "  - %s\n", s)
	}
}
