package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/guard"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
)

// Operator decisions that release a run from REVIEW.
const (
	DecisionRetry    = "retry"
	DecisionComplete = "complete"
)

// EnsureRun returns the newest mid-pipeline run of a project, creating one in
// INTAKE with the configured budget when there is none.
func (e *Engine) EnsureRun(ctx context.Context, projectID string) (domain.Run, bool, error) {
	unlock := e.locks.lock("project:" + projectID)
	defer unlock()

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Run{}, false, err
	}
	run, err := e.Repo.LatestActiveRun(ctx, projectID)
	if err == nil {
		return run, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, false, err
	}
	now := e.stamp()
	run = domain.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		State:     domain.StateIntake,
		Budget:    e.Config.Budget,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, false, fmt.Errorf("insert run: %w", err)
	}
	e.emit(events.KindStatus, run, "run created", events.Payload{"state": string(run.State)})
	e.Logger.Info("run created", zap.String("run_id", run.ID), zap.String("project_id", projectID))
	return run, true, nil
}

func (e *Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, runID)
}

// transition moves a run to a state outside the linear pipeline and drops
// any pending auto-decision.
func (e *Engine) transition(ctx context.Context, run domain.Run, to domain.RunState) (domain.Run, error) {
	run.State = to
	run.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.UpdateRunTx(ctx, tx, run)
	if err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.ClearAutoDecisionTx(ctx, tx, run.ID); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	if e.Watchdog != nil {
		e.Watchdog.Disarm(run.ID)
	}
	run.Version = version
	run.NextAutoDecisionAt = nil
	run.AutoDecisionReason = ""
	return run, nil
}

// Kill force-fails a run.
func (e *Engine) Kill(ctx context.Context, runID, reason string) (domain.Run, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: run %s is already %s", ErrInvalidTransition, run.ID, run.State)
	}
	from := run.State
	summary := "killed by operator"
	if strings.TrimSpace(reason) != "" {
		summary += ": " + reason
	}
	run, err = e.transition(ctx, run, domain.StateFailed)
	if err != nil {
		return domain.Run{}, err
	}
	e.recordProof(ctx, run, proof.KindLog, summary, []byte(summary))
	e.emit(events.KindStatus, run, summary, events.Payload{"from": string(from), "state": string(run.State)})
	e.Logger.Info("run killed", zap.String("run_id", run.ID), zap.String("reason", reason))
	return run, nil
}

// Resolve applies an operator decision to a run parked in REVIEW: retry goes
// back to PLAN, complete goes to TEARDOWN.
func (e *Engine) Resolve(ctx context.Context, runID, decision string) (domain.Run, error) {
	var to domain.RunState
	switch decision {
	case DecisionRetry:
		to = domain.StatePlan
	case DecisionComplete:
		to = domain.StateTeardown
	default:
		return domain.Run{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}

	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State != domain.StateReview {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s, not REVIEW", ErrInvalidTransition, run.ID, run.State)
	}
	summary := fmt.Sprintf("operator decision: %s", decision)
	run, err = e.transition(ctx, run, to)
	if err != nil {
		return domain.Run{}, err
	}
	e.recordProof(ctx, run, proof.KindLog, summary, []byte(summary))
	e.emit(events.KindStatus, run, fmt.Sprintf("REVIEW -> %s", to),
		events.Payload{"from": string(domain.StateReview), "state": string(to), "decision": decision})
	return run, nil
}

// AutoDecide is called by the watchdog when a deadline expires. The persisted
// deadline is authoritative: a cancelled or not yet due decision is ignored.
// A run still in REVIEW is sent back to PLAN; otherwise only the deadline is
// cleared.
func (e *Engine) AutoDecide(ctx context.Context, runID, reason string) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.NextAutoDecisionAt == nil {
		e.Logger.Debug("auto-decision no longer pending", zap.String("run_id", runID))
		return nil
	}
	if at, err := time.Parse(time.RFC3339, *run.NextAutoDecisionAt); err == nil && at.After(e.now()) {
		e.Logger.Debug("auto-decision not due", zap.String("run_id", runID), zap.Time("at", at))
		return nil
	}
	if run.AutoDecisionReason != "" {
		reason = run.AutoDecisionReason
	}
	if run.State != domain.StateReview {
		return e.Repo.ClearAutoDecisionTx(ctx, nil, runID)
	}
	summary := "auto-decision: retry from PLAN"
	if reason != "" {
		summary += " after " + reason
	}
	if _, err := e.transition(ctx, run, domain.StatePlan); err != nil {
		return err
	}
	e.recordProof(ctx, run, proof.KindAutoDecision, summary, []byte(reason))
	e.emit(events.KindDecisionAuto, run, summary, events.Payload{
		"from":   string(domain.StateReview),
		"state":  string(domain.StatePlan),
		"reason": reason,
	})
	return nil
}

// CancelAutoDecision drops a pending auto-decision. It is a no-op when none
// is pending.
func (e *Engine) CancelAutoDecision(ctx context.Context, runID string) (domain.Run, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return domain.Run{}, err
	}
	if e.Watchdog != nil {
		if err := e.Watchdog.Cancel(ctx, runID); err != nil {
			return domain.Run{}, err
		}
	} else if err := e.Repo.ClearAutoDecisionTx(ctx, nil, runID); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// SetBudget replaces the caps of a run. Spend already recorded is kept.
func (e *Engine) SetBudget(ctx context.Context, runID string, caps domain.Spend) (domain.Run, error) {
	if caps.Tokens < 0 || caps.USD < 0 {
		return domain.Run{}, errors.New("budget caps must not be negative")
	}
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	run.Budget = caps
	run.UpdatedAt = e.stamp()
	version, err := e.Repo.UpdateRunTx(ctx, nil, run)
	if err != nil {
		return domain.Run{}, err
	}
	run.Version = version
	return run, nil
}

type ActionResult struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Recent     int           `json:"recent"`
}

// SubmitAction records a manual interaction with a run under the sliding
// window rate limit. Rejections wrap guard.ErrRateLimited.
func (e *Engine) SubmitAction(ctx context.Context, runID, action string) (ActionResult, error) {
	if strings.TrimSpace(action) == "" {
		return ActionResult{}, errors.New("action is required")
	}
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return ActionResult{}, err
	}
	if run.State.Terminal() {
		return ActionResult{}, fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, run.ID, run.State)
	}
	history := make([]time.Time, 0, len(run.RecentActions))
	for _, raw := range run.RecentActions {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		history = append(history, ts)
	}
	now := e.now().UTC()
	decision := guard.CheckRate(history, now, e.Config.RateLimit.Window, e.Config.RateLimit.Max)
	if !decision.Allowed {
		res := ActionResult{RetryAfter: decision.RetryAfter, Recent: len(decision.History)}
		return res, fmt.Errorf("%w: %d actions in %s, retry after %s", guard.ErrRateLimited,
			len(decision.History), e.Config.RateLimit.Window, decision.RetryAfter.Round(time.Second))
	}
	run.RecentActions = run.RecentActions[:0]
	for _, ts := range decision.History {
		run.RecentActions = append(run.RecentActions, ts.Format(time.RFC3339Nano))
	}
	run.UpdatedAt = now.Format(time.RFC3339)
	if _, err := e.Repo.UpdateRunTx(ctx, nil, run); err != nil {
		return ActionResult{}, err
	}
	summary := "action: " + action
	if _, err := e.writeProof(ctx, run, proof.KindLog, summary, []byte(action), ""); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Allowed: true, Recent: len(decision.History)}, nil
}

// IssueProofToken signs a content access token for an existing proof.
func (e *Engine) IssueProofToken(ctx context.Context, proofID string) (string, time.Time, error) {
	if _, err := e.Proofs.Get(ctx, proofID); err != nil {
		return "", time.Time{}, err
	}
	return e.Signer.Issue(proofID)
}

// ProofContent returns a proof's body after checking its access token.
func (e *Engine) ProofContent(ctx context.Context, proofID, token string) (domain.Proof, []byte, error) {
	if err := e.Signer.Verify(token, proofID); err != nil {
		return domain.Proof{}, nil, err
	}
	return e.Proofs.Content(ctx, proofID)
}
