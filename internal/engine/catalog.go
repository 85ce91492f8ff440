package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
	"forgeline/internal/scorer"
)

// CreateProject registers a project; an empty id gets a generated one.
func (e *Engine) CreateProject(ctx context.Context, id, description string) (domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if err := domain.ValidateSegment("project id", id); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          id,
		Status:      "active",
		Description: description,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID              string
	ProjectID       string
	GoalID          string
	Title           string
	Description     string
	Status          string
	Priority        int
	EstimateMinutes int
	Complexity      int
	Urgency         int
	DependsOn       []string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Status == "" {
		opts.Status = "planned"
	}
	switch opts.Status {
	case "planned", "ready", "in_progress", "done", "canceled":
	default:
		return domain.Task{}, fmt.Errorf("invalid task status %q", opts.Status)
	}
	for name, v := range map[string]int{"priority": opts.Priority, "complexity": opts.Complexity, "urgency": opts.Urgency} {
		if v < 0 || v > 10 {
			return domain.Task{}, fmt.Errorf("%s must be between 0 and 10", name)
		}
	}
	if opts.EstimateMinutes < 0 {
		return domain.Task{}, errors.New("estimate must not be negative")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	for _, dep := range opts.DependsOn {
		d, err := e.Repo.GetTask(ctx, dep)
		if err != nil {
			return domain.Task{}, err
		}
		if d.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("dependency %s in different project", dep)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:              id,
		ProjectID:       opts.ProjectID,
		Title:           opts.Title,
		Description:     opts.Description,
		Status:          opts.Status,
		Priority:        opts.Priority,
		EstimateMinutes: opts.EstimateMinutes,
		Complexity:      opts.Complexity,
		Urgency:         opts.Urgency,
		DependsOn:       opts.DependsOn,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.GoalID != "" {
		goalID := opts.GoalID
		t.GoalID = &goalID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type GoalCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Urgency   float64
	Impact    float64
	Unblock   float64
	Risk      float64
	Cost      float64
}

func (e *Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Goal{}, errors.New("title is required")
	}
	for name, v := range map[string]float64{"urgency": opts.Urgency, "impact": opts.Impact, "unblock": opts.Unblock, "risk": opts.Risk, "cost": opts.Cost} {
		if v < 0 || v > 10 {
			return domain.Goal{}, fmt.Errorf("%s must be between 0 and 10", name)
		}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Goal{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	g := domain.Goal{
		ID:        id,
		ProjectID: opts.ProjectID,
		Title:     opts.Title,
		Status:    "open",
		Urgency:   opts.Urgency,
		Impact:    opts.Impact,
		Unblock:   opts.Unblock,
		Risk:      opts.Risk,
		Cost:      opts.Cost,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertGoal(ctx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	return g, nil
}

// RankTasks scores the open tasks of a project. A non-empty performance map
// re-weights the configured weights first.
func (e *Engine) RankTasks(ctx context.Context, projectID string, limit int, performance map[string]float64) ([]scorer.Scored, scorer.Weights, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, scorer.Weights{}, err
	}
	open, err := e.Repo.OpenTaskCandidates(ctx, projectID)
	if err != nil {
		return nil, scorer.Weights{}, err
	}
	w := e.weights()
	if len(performance) > 0 {
		w = scorer.Adapt(w, performance)
	}
	if limit <= 0 {
		limit = e.Config.Scorer.TopN
	}
	if limit <= 0 {
		limit = -1
	}
	return scorer.TopN(toCandidates(open), w, limit), w, nil
}

type RankedGoal struct {
	domain.Goal
	Score float64 `json:"score"`
}

// RankGoals scores the open goals of a project, highest first.
func (e *Engine) RankGoals(ctx context.Context, projectID string) ([]RankedGoal, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	goals, err := e.Repo.ListGoals(ctx, projectID, "open")
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]RankedGoal, 0, len(goals))
	for _, g := range goals {
		created, _ := time.Parse(time.RFC3339, g.CreatedAt)
		out = append(out, RankedGoal{Goal: g, Score: scorer.ScoreGoal(scorer.GoalInput{
			ID:        g.ID,
			Urgency:   g.Urgency,
			Impact:    g.Impact,
			Unblock:   g.Unblock,
			Risk:      g.Risk,
			Cost:      g.Cost,
			CreatedAt: created,
		}, now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (e *Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}
