// Package workers holds the local stage collaborators used when no remote
// worker is wired in: shell commands, a file-block patch format, static
// previews and an HTTP snapshot evaluator.
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

// Hierarchy gives every project at least one goal to hang tasks from.
type Hierarchy struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (h Hierarchy) EnsureHierarchy(ctx context.Context, projectID string) error {
	if _, err := h.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	goals, err := h.Repo.ListGoals(ctx, projectID, "")
	if err != nil {
		return err
	}
	if len(goals) > 0 {
		return nil
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	g := domain.Goal{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|backlog")).String(),
		ProjectID: projectID,
		Title:     "Backlog",
		Status:    "open",
		Urgency:   5,
		Impact:    5,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	if err := h.Repo.InsertGoal(ctx, g); err != nil {
		return fmt.Errorf("insert backlog goal: %w", err)
	}
	return nil
}

// TaskNotes is the fallback code generator: it writes the task brief into the
// workspace so the rest of the pipeline has something to build.
type TaskNotes struct {
	Repo repo.Repo
}

func (g TaskNotes) Generate(ctx context.Context, _, _, taskID, _ string) (string, error) {
	t, err := g.Repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("# %s\n\n%s\n", t.Title, t.Description)
	return FormatPatch([]FileChange{{Path: "tasks/" + t.ID + ".md", Content: body}}), nil
}
