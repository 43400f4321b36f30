// Package resolver expands run ID prefixes typed on the command line.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// MinShortIDLength is the shortest prefix that is searched for.
const MinShortIDLength = 6

// RunLister lists runs started at or after sinceMs.
type RunLister interface {
	ListRuns(ctx context.Context, sinceMs int64) ([]*workflow.Run, error)
}

// ResolveRunID returns the run ID that id names: an exact match, or else the
// single run whose ID starts with id.
func ResolveRunID(ctx context.Context, lister RunLister, id string) (string, error) {
	runs, err := lister.ListRuns(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("failed to list runs: %w", err)
	}

	var matches []string
	for _, r := range runs {
		if r.RunID == id {
			return id, nil
		}
		if strings.HasPrefix(r.RunID, id) {
			matches = append(matches, r.RunID)
		}
	}

	if len(matches) > 0 && len(id) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(id))
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: id}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: id, Matches: matches}
	}
}

// NotFoundError indicates no run matched the ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no runs found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several runs matched the prefix.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d runs", e.ShortID, len(e.Matches))
}

// Describe lists the matching run IDs, up to ten.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	shown := min(len(e.Matches), 10)
	for _, m := range e.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	if len(e.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-shown)
	}
	b.WriteString("\nUse a longer prefix to identify the run.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
