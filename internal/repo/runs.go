package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

const runColumns = `id,project_id,state,task_id,budget_tokens,budget_usd,spent_tokens,spent_usd,recent_actions_json,preview_url,next_auto_decision_at,auto_decision_reason,version,created_at,updated_at`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	var state string
	var taskID, actions, preview, nextAt, reason sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &state, &taskID, &run.Budget.Tokens, &run.Budget.USD, &run.Spent.Tokens, &run.Spent.USD,
		&actions, &preview, &nextAt, &reason, &run.Version, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.State = domain.RunState(state)
	if taskID.Valid {
		run.TaskID = &taskID.String
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &run.RecentActions); err != nil {
			return run, fmt.Errorf("decode recent actions of run %s: %w", run.ID, err)
		}
	}
	run.PreviewURL = preview.String
	if nextAt.Valid {
		run.NextAutoDecisionAt = &nextAt.String
	}
	run.AutoDecisionReason = reason.String
	return run, nil
}

func marshalActions(actions []string) (any, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	actions, err := marshalActions(run.RecentActions)
	if err != nil {
		return err
	}
	if run.Version == 0 {
		run.Version = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, string(run.State), nullableStringPtr(run.TaskID), run.Budget.Tokens, run.Budget.USD,
		run.Spent.Tokens, run.Spent.USD, actions, nullable(run.PreviewURL), nullableStringPtr(run.NextAutoDecisionAt),
		nullable(run.AutoDecisionReason), run.Version, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return r.GetRunTx(ctx, nil, id)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	run, err := scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return run, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the runs of a project, newest first.
func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE project_id=? ORDER BY created_at DESC, rowid DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestActiveRun returns the newest run of a project that is still
// mid-pipeline, i.e. not parked in REVIEW and not terminal.
func (r Repo) LatestActiveRun(ctx context.Context, projectID string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
WHERE project_id=? AND state NOT IN (?,?,?) ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		projectID, string(domain.StateReview), string(domain.StateDone), string(domain.StateFailed)))
	return run, err
}

// UpdateRunTx persists the engine-owned fields of run if its version still
// matches the stored one, and returns the new version. The watchdog-owned
// auto-decision columns are left untouched.
func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) (int64, error) {
	actions, err := marshalActions(run.RecentActions)
	if err != nil {
		return 0, err
	}
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE runs SET state=?, task_id=?, budget_tokens=?, budget_usd=?, spent_tokens=?, spent_usd=?,
recent_actions_json=?, preview_url=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(run.State), nullableStringPtr(run.TaskID), run.Budget.Tokens, run.Budget.USD, run.Spent.Tokens, run.Spent.USD,
		actions, nullable(run.PreviewURL), run.UpdatedAt, run.ID, run.Version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=?`, run.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("run %s at version %d: %w", run.ID, run.Version, ErrConflict)
	}
	return run.Version + 1, nil
}

// SetAutoDecisionTx records a pending watchdog deadline on a run.
func (r Repo) SetAutoDecisionTx(ctx context.Context, tx *sql.Tx, runID, at, reason string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET next_auto_decision_at=?, auto_decision_reason=? WHERE id=?`, at, nullable(reason), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ClearAutoDecisionTx removes any pending watchdog deadline. Clearing an
// absent deadline is not an error.
func (r Repo) ClearAutoDecisionTx(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET next_auto_decision_at=NULL, auto_decision_reason=NULL WHERE id=?`, runID)
	return err
}

// PendingAutoDecision is a persisted watchdog deadline.
type PendingAutoDecision struct {
	RunID  string
	At     string
	Reason string
}

// PendingAutoDecisions lists persisted deadlines; with a non-empty dueBy only
// those at or before it (RFC3339 UTC strings compare chronologically).
func (r Repo) PendingAutoDecisions(ctx context.Context, dueBy string) ([]PendingAutoDecision, error) {
	query := `SELECT id, next_auto_decision_at, COALESCE(auto_decision_reason,'') FROM runs WHERE next_auto_decision_at IS NOT NULL`
	var args []any
	if dueBy != "" {
		query += ` AND next_auto_decision_at <= ?`
		args = append(args, dueBy)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY next_auto_decision_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingAutoDecision
	for rows.Next() {
		var p PendingAutoDecision
		if err := rows.Scan(&p.RunID, &p.At, &p.Reason); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.Attempt) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO attempts(run_id,state,status,message,created_at) VALUES (?,?,?,?,?)`,
		a.RunID, string(a.State), a.Status, nullable(a.Message), a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAttempts(ctx context.Context, runID string) ([]domain.Attempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,state,status,COALESCE(message,''),created_at FROM attempts WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var state string
		if err := rows.Scan(&a.ID, &a.RunID, &state, &a.Status, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.State = domain.RunState(state)
		res = append(res, a)
	}
	return res, rows.Err()
}

// AttemptStats summarises the attempts of a run.
type AttemptStats struct {
	Total   int
	Blocked int
}

func (r Repo) AttemptStats(ctx context.Context, runID string) (AttemptStats, error) {
	var s AttemptStats
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0) FROM attempts WHERE run_id=?`,
		domain.AttemptBlocked, runID).Scan(&s.Total, &s.Blocked)
	return s, err
}
