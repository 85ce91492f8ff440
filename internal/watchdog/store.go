package watchdog

import (
	"context"
	"time"

	"forgeline/internal/repo"
)

// RepoStore keeps deadlines in the runs table.
type RepoStore struct {
	Repo repo.Repo
}

func (s RepoStore) SetDeadline(ctx context.Context, runID string, at time.Time, reason string) error {
	return s.Repo.SetAutoDecisionTx(ctx, nil, runID, at.UTC().Format(time.RFC3339), reason)
}

func (s RepoStore) ClearDeadline(ctx context.Context, runID string) error {
	return s.Repo.ClearAutoDecisionTx(ctx, nil, runID)
}

func (s RepoStore) Pending(ctx context.Context, dueBy time.Time) ([]Pending, error) {
	var cutoff string
	if !dueBy.IsZero() {
		cutoff = dueBy.UTC().Format(time.RFC3339)
	}
	rows, err := s.Repo.PendingAutoDecisions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(rows))
	for _, r := range rows {
		at, err := time.Parse(time.RFC3339, r.At)
		if err != nil {
			continue
		}
		out = append(out, Pending{RunID: r.RunID, At: at, Reason: r.Reason})
	}
	return out, nil
}
