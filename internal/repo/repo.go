package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic-concurrency race on a run.
	ErrConflict = errors.New("concurrent modification")
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Status, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

// EnsureProject inserts the project unless it already exists.
func (r Repo) EnsureProject(ctx context.Context, p domain.Project) (bool, error) {
	if err := domain.ValidateSegment("project id", p.ID); err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT id,status,description,created_at FROM projects WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,description,created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) InsertGoal(ctx context.Context, g domain.Goal) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO goals(id,project_id,title,status,urgency,impact,unblock,risk,cost,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Title, g.Status, g.Urgency, g.Impact, g.Unblock, g.Risk, g.Cost, g.CreatedAt)
	return err
}

// ListGoals returns goals of a project, optionally restricted to one status.
func (r Repo) ListGoals(ctx context.Context, projectID, status string) ([]domain.Goal, error) {
	query := `SELECT id,project_id,title,status,urgency,impact,unblock,risk,cost,created_at FROM goals WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Title, &g.Status, &g.Urgency, &g.Impact, &g.Unblock, &g.Risk, &g.Cost, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

const taskColumns = `id,project_id,goal_id,title,description,status,priority,estimate_minutes,complexity,urgency,created_at,updated_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var goalID, description, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &goalID, &t.Title, &description, &t.Status, &t.Priority, &t.EstimateMinutes,
		&t.Complexity, &t.Urgency, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if goalID.Valid {
		t.GoalID = &goalID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.GoalID), t.Title, nullable(t.Description), t.Status, t.Priority,
		t.EstimateMinutes, t.Complexity, t.Urgency, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if d == taskID {
			return fmt.Errorf("task %s cannot depend on itself", taskID)
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskStatus sets the status and stamps completed_at for done tasks.
func (r Repo) UpdateTaskStatus(ctx context.Context, id, status, now string) error {
	var completed any
	if status == "done" {
		completed = now
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, completed_at=? WHERE id=?`, status, now, completed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// TaskCandidate is an open task with its count of unfinished dependencies.
type TaskCandidate struct {
	ID               string
	Title            string
	Priority         int
	EstimateMinutes  int
	Complexity       int
	Urgency          int
	OpenDependencies int
}

// OpenTaskCandidates lists selectable tasks of a project in creation order.
func (r Repo) OpenTaskCandidates(ctx context.Context, projectID string) ([]TaskCandidate, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domain.OpenTaskStatuses)), ",")
	args := []any{projectID}
	for _, s := range domain.OpenTaskStatuses {
		args = append(args, s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id, t.title, t.priority, t.estimate_minutes, t.complexity, t.urgency,
  (SELECT COUNT(*) FROM task_deps d JOIN tasks dt ON dt.id = d.depends_on_task_id
    WHERE d.task_id = t.id AND dt.status NOT IN ('done','canceled')) AS open_deps
FROM tasks t WHERE t.project_id=? AND t.status IN (`+placeholders+`) ORDER BY t.created_at, t.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskCandidate
	for rows.Next() {
		var c TaskCandidate
		if err := rows.Scan(&c.ID, &c.Title, &c.Priority, &c.EstimateMinutes, &c.Complexity, &c.Urgency, &c.OpenDependencies); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
