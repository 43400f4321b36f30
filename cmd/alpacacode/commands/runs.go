package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kaljuvee/alpacacode/internal/api"
	"github.com/kaljuvee/alpacacode/internal/orchestrator"
	"github.com/kaljuvee/alpacacode/internal/printer"
	"github.com/kaljuvee/alpacacode/internal/resolver"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/timespec"
	"github.com/kaljuvee/alpacacode/internal/watch"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/spf13/cobra"
)

var (
	startRequestFile string
	startRunID       string
	startMode        string
	startStrategy    string
	startParams      string
	startSymbols     []string
	startFrom        string
	startTo          string
	startObjective   string
	startDuration    time.Duration
	startPoll        time.Duration
	startSourceRun   string

	runsSince     string
	outputJSON    bool
	statusFollow  bool
	followTimeout time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a workflow run",
	Long: `Start a workflow run on the server.

Modes:
  full      backtest, validate, paper trade the best variation, validate, report
  backtest  backtest, validate, report
  validate  re-validate the backtest trades of --source-run, report
  paper     paper trade, validate, report

A complete request, including a parameter grid, can be given as JSON with
--request; flags override its fields.

Examples:
  alpacacode start --mode backtest --strategy buy_the_dip --symbols AAPL,MSFT \
    --from 2025-01-06 --to 2025-01-31

  alpacacode start --mode paper --strategy momentum --params '{"lookback_period": 10}' \
    --symbols SPY --duration 1h

  alpacacode start --request grid.json`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show the status of a run",
	Long: `Show the status of a run. RUN_ID may be a unique prefix of at least six
characters.

With --follow, print every phase change until the run finishes, then show
its report.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Long: `List runs, newest first.

Examples:
  alpacacode runs --since 24h
  alpacacode runs --since 7d
  alpacacode runs --since 2025-01-06`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

var reportCmd = &cobra.Command{
	Use:   "report RUN_ID",
	Short: "Show the report of a finished run",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startRequestFile, "request", "", "JSON start request file")
	f.StringVar(&startRunID, "run-id", "", "Run ID (default: generated)")
	f.StringVar(&startMode, "mode", "", "Workflow mode: full, backtest, validate or paper")
	f.StringVar(&startStrategy, "strategy", "", "Strategy kind: buy_the_dip, momentum or vix")
	f.StringVar(&startParams, "params", "", "Strategy parameters as JSON, overlaid on the defaults")
	f.StringSliceVar(&startSymbols, "symbols", nil, "Comma-separated symbols")
	f.StringVar(&startFrom, "from", "", "Backtest start date (YYYY-MM-DD)")
	f.StringVar(&startTo, "to", "", "Backtest end date (YYYY-MM-DD)")
	f.StringVar(&startObjective, "objective", "", "Grid ranking: sharpe_ratio or total_return")
	f.DurationVar(&startDuration, "duration", 0, "Paper trading session length")
	f.DurationVar(&startPoll, "poll-interval", 0, "Paper trading tick")
	f.StringVar(&startSourceRun, "source-run", "", "Run whose backtest trades to validate (validate mode)")

	for _, c := range []*cobra.Command{statusCmd, runsCmd, reportCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "Print JSON instead of text")
	}
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Follow the run until it finishes")
	statusCmd.Flags().DurationVar(&followTimeout, "timeout", 0, "Give up following after this long (default: no limit)")
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Only runs started after this time (duration like 24h or 7d, date, or RFC3339)")

	rootCmd.AddCommand(startCmd, statusCmd, cancelCmd, runsCmd, reportCmd)
}

// buildStartRequest assembles the request from --request and the flags.
func buildStartRequest() (workflow.StartRequest, error) {
	var req workflow.StartRequest
	if startRequestFile != "" {
		data, err := os.ReadFile(startRequestFile)
		if err != nil {
			return req, fmt.Errorf("failed to read request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse request: %w", err)
		}
	}

	if startRunID != "" {
		req.RunID = startRunID
	}
	if startMode != "" {
		req.Mode = workflow.Mode(startMode)
	}
	if startStrategy != "" || startParams != "" {
		kind := startStrategy
		if kind == "" {
			kind = string(req.Strategy.Kind())
		}
		envelope := fmt.Sprintf(`{"kind":%q}`, kind)
		if startParams != "" {
			envelope = fmt.Sprintf(`{"kind":%q,"params":%s}`, kind, startParams)
		}
		if err := json.Unmarshal([]byte(envelope), &req.Strategy); err != nil {
			return req, err
		}
	}
	if len(startSymbols) > 0 {
		req.Symbols = startSymbols
	}
	if startFrom != "" {
		t, err := time.Parse(time.DateOnly, startFrom)
		if err != nil {
			return req, fmt.Errorf("invalid --from: %w", err)
		}
		req.Range.Start = t
	}
	if startTo != "" {
		t, err := time.Parse(time.DateOnly, startTo)
		if err != nil {
			return req, fmt.Errorf("invalid --to: %w", err)
		}
		req.Range.End = t
	}
	if startObjective != "" {
		req.Objective = workflow.Objective(startObjective)
	}
	if startDuration != 0 {
		req.Duration = workflow.Duration(startDuration)
	}
	if startPoll != 0 {
		req.PollInterval = workflow.Duration(startPoll)
	}
	if startSourceRun != "" {
		req.SourceRunID = startSourceRun
	}
	return req, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	req, err := buildStartRequest()
	if err != nil {
		return printer.Error("invalid start request", err.Error(),
			[]string{"See examples:\n  alpacacode start --help"})
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	run, err := client.Start(context.Background(), req)
	if err != nil {
		return apiError("failed to start run", "", err)
	}

	printer.Success("Started run %s (%s)\n", run.RunID, run.Mode)
	printer.Step("Follow it with: alpacacode status %s\n", run.RunID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	runID, err := resolveRunID(client, args[0])
	if err != nil {
		return err
	}

	if statusFollow {
		return followRun(client, runID)
	}

	run, err := client.GetStatus(context.Background(), runID)
	if err != nil {
		return apiError("failed to get run", runID, err)
	}
	if outputJSON {
		return writeJSON(run)
	}
	printer.Run(os.Stdout, run)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	runID, err := resolveRunID(client, args[0])
	if err != nil {
		return err
	}
	if err := client.Cancel(context.Background(), runID); err != nil {
		return apiError("failed to cancel run", runID, err)
	}
	printer.Success("Cancelled run %s\n", runID)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	var sinceMs int64
	if runsSince != "" {
		ms, err := timespec.Parse(runsSince)
		if err != nil {
			return printer.Error("invalid time filter", err.Error(),
				[]string{"Use a duration like '24h' or '7d', a date like '2025-01-06', or RFC3339"})
		}
		sinceMs = ms
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	runs, err := client.ListRuns(context.Background(), sinceMs)
	if err != nil {
		return apiError("failed to list runs", "", err)
	}
	if outputJSON {
		return writeJSON(runs)
	}
	printer.Runs(os.Stdout, runs)
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	runID, err := resolveRunID(client, args[0])
	if err != nil {
		return err
	}
	report, err := client.Report(context.Background(), runID)
	if err != nil {
		return apiError("failed to get report", runID, err)
	}
	if outputJSON {
		return writeJSON(report)
	}
	printer.Report(os.Stdout, report)
	return nil
}

// resolveRunID expands a run ID prefix.
func resolveRunID(client *api.Client, id string) (string, error) {
	runID, err := resolver.ResolveRunID(context.Background(), client, id)
	if err == nil {
		return runID, nil
	}

	var amb *resolver.AmbiguousError
	switch {
	case resolver.IsNotFoundError(err):
		return "", printer.Error(
			fmt.Sprintf("run '%s' not found", id),
			"No run has this ID or ID prefix.",
			[]string{"List recent runs:\n  alpacacode runs --since 24h"},
		)
	case errors.As(err, &amb):
		return "", printer.Error(amb.Error(), amb.Describe(), nil)
	default:
		return "", apiError("failed to resolve run ID", "", err)
	}
}

// followRun prints phase changes until the run finishes, then its report.
func followRun(client *api.Client, runID string) error {
	ctx, cancel := signalContext()
	defer cancel()

	run, err := watch.FollowRun(ctx, client, runID, 2*time.Second, followTimeout, func(r *workflow.Run) {
		printer.Step("%s  %s\n", time.Now().Format(time.TimeOnly), r.Status)
	})
	if err != nil {
		return printer.Error("stopped following run", err.Error(),
			[]string{fmt.Sprintf("Check it later:\n  alpacacode status %s", runID)})
	}

	switch run.Status {
	case workflow.StatusCompleted:
		printer.Success("Run %s completed\n\n", runID)
	case workflow.StatusFailed:
		printer.Warning("Run %s failed: %s\n\n", runID, run.Error)
	default:
		printer.Warning("Run %s %s\n\n", runID, run.Status)
	}

	report, err := client.Report(ctx, runID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return apiError("failed to get report", runID, err)
	}
	printer.Report(os.Stdout, report)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// apiError renders a client error with suggestions for the common causes.
func apiError(title, runID string, err error) error {
	switch {
	case store.IsNotFound(err) && runID != "":
		return printer.Error(
			fmt.Sprintf("run '%s' not found", runID),
			err.Error(),
			[]string{"List recent runs:\n  alpacacode runs --since 24h"},
		)
	case errors.Is(err, workflow.ErrConfiguration):
		return printer.Error(title, err.Error(), []string{"See examples:\n  alpacacode start --help"})
	case errors.Is(err, orchestrator.ErrRunFinished):
		return printer.Error(title, err.Error(), nil)
	case strings.Contains(err.Error(), "connection refused"):
		return printer.Error(
			"server not reachable",
			err.Error(),
			[]string{
				"Start the server:\n  alpacacode serve",
				"Point at a running server:\n  alpacacode --server http://host:8080 ...",
			},
		)
	default:
		return printer.Error(title, err.Error(), nil)
	}
}
