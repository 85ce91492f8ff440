package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"forgeline/internal/repo"
)

// StatsReflector summarises a run from its attempt and proof aggregates.
type StatsReflector struct {
	Repo repo.Repo
}

func (r StatsReflector) Summarize(ctx context.Context, projectID, runID string) (string, error) {
	run, err := r.Repo.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	stats, err := r.Repo.AttemptStats(ctx, runID)
	if err != nil {
		return "", err
	}
	counts, err := r.Repo.CountProofsByKind(ctx, runID)
	if err != nil {
		return "", err
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s of project %s finished\n", runID, projectID)
	fmt.Fprintf(&b, "attempts: %d (%d blocked)\n", stats.Total, stats.Blocked)
	fmt.Fprintf(&b, "proofs: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(&b, "spent: %d/%d tokens, $%.2f/$%.2f\n", run.Spent.Tokens, run.Budget.Tokens, run.Spent.USD, run.Budget.USD)
	return b.String(), nil
}
