// Package watch follows a run until it finishes.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// StatusGetter reads the current run record.
type StatusGetter interface {
	GetStatus(ctx context.Context, runID string) (*workflow.Run, error)
}

// FollowRun polls the run every interval and calls onChange with the first
// record and with every record whose status differs from the previous one.
// It returns the terminal record, or an error when ctx ends or timeout
// (if non-zero) elapses first.
func FollowRun(ctx context.Context, getter StatusGetter, runID string, interval, timeout time.Duration, onChange func(*workflow.Run)) (*workflow.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = time.After(timeout)
	}

	var last workflow.Status
	for {
		run, err := getter.GetStatus(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
		}
		if run.Status != last {
			last = run.Status
			if onChange != nil {
				onChange(run)
			}
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for run %s after %v (last status %s)", runID, timeout, last)
		case <-ticker.C:
		}
	}
}
