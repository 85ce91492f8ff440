package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/guard"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
	"forgeline/internal/scorer"
	"forgeline/internal/telemetry"
)

// nextState is the linear pipeline. REVIEW, DONE and FAILED have no entry.
var nextState = map[domain.RunState]domain.RunState{
	domain.StateIntake:        domain.StatePlan,
	domain.StatePlan:          domain.StateSelectTask,
	domain.StateSelectTask:    domain.StateCodegen,
	domain.StateCodegen:       domain.StateTest,
	domain.StateTest:          domain.StateBuild,
	domain.StateBuild:         domain.StateDeployPreview,
	domain.StateDeployPreview: domain.StateEval,
	domain.StateEval:          domain.StateReview,
	domain.StateTeardown:      domain.StateDone,
}

// Stages whose collaborator errors park the run in REVIEW instead of failing
// the advance.
var failureBoundary = map[domain.RunState]bool{
	domain.StatePlan:          true,
	domain.StateCodegen:       true,
	domain.StateTest:          true,
	domain.StateBuild:         true,
	domain.StateDeployPreview: true,
	domain.StateEval:          true,
}

type AdvanceResult struct {
	RunID  string          `json:"run_id"`
	State  domain.RunState `json:"state"`
	Status string          `json:"status,omitempty"`
	// AttemptID is zero for a halted run.
	AttemptID int64 `json:"attempt_id,omitempty"`
}

// step carries one advance from stage effects to commit.
type step struct {
	run     domain.Run
	from    domain.RunState
	next    domain.RunState
	status  string
	message string
	// note is appended to the transition proof.
	note string
	// summarized is set when the stage wrote the step's own log proof.
	summarized bool
	// retryReason schedules an auto-decision after commit.
	retryReason string
	data        events.Payload
}

// Advance moves a run one stage forward. Halted runs are returned unchanged.
// Collaborator errors inside the failure boundary park the run in REVIEW and
// are not returned.
func (e *Engine) Advance(ctx context.Context, runID string) (AdvanceResult, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, e.Tracer, "engine.advance", attribute.String("run_id", runID))
	defer span.End()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !run.State.Valid() {
		return AdvanceResult{}, fmt.Errorf("%w: run %s has state %q", ErrInvalidTransition, run.ID, run.State)
	}
	if run.State.Halted() {
		return AdvanceResult{RunID: run.ID, State: run.State}, nil
	}

	st := &step{
		run:    run,
		from:   run.State,
		next:   nextState[run.State],
		status: domain.AttemptOK,
		data:   events.Payload{},
	}
	if err := e.runStage(ctx, st); err != nil {
		if !failureBoundary[st.from] {
			span.RecordError(err)
			return AdvanceResult{}, err
		}
		if err := e.block(ctx, st, err); err != nil {
			return AdvanceResult{}, err
		}
	}
	if !st.summarized {
		summary := fmt.Sprintf("%s -> %s", st.from, st.next)
		if st.note != "" {
			summary += ": " + st.note
		}
		if _, err := e.writeProof(ctx, st.run, proof.KindLog, summary, []byte(summary), ""); err != nil {
			return AdvanceResult{}, fmt.Errorf("write transition proof: %w", err)
		}
	}

	attemptID, err := e.commit(ctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AdvanceResult{}, err
	}
	if st.retryReason != "" {
		e.scheduleRetry(ctx, st.run, st.retryReason)
	} else if e.Watchdog != nil {
		e.Watchdog.Disarm(run.ID)
	}
	if st.next == domain.StateDone {
		e.reflect(ctx, st.run)
	}

	st.data["from"] = string(st.from)
	st.data["state"] = string(st.next)
	st.data["status"] = st.status
	st.data["attempt_id"] = attemptID
	e.emit(events.KindStatus, st.run, fmt.Sprintf("%s -> %s", st.from, st.next), st.data)
	if e.Metrics != nil {
		e.Metrics.ObserveAdvance(string(st.next), st.status)
	}
	span.SetAttributes(attribute.String("from", string(st.from)), attribute.String("to", string(st.next)))
	e.Logger.Info("run advanced",
		zap.String("run_id", run.ID), zap.String("from", string(st.from)),
		zap.String("to", string(st.next)), zap.String("status", st.status))
	return AdvanceResult{RunID: run.ID, State: st.next, Status: st.status, AttemptID: attemptID}, nil
}

func (e *Engine) runStage(ctx context.Context, st *step) error {
	ctx, span := telemetry.StartSpan(ctx, e.Tracer, "engine.stage."+string(st.from), attribute.String("run_id", st.run.ID))
	defer span.End()

	var err error
	switch st.from {
	case domain.StateIntake:
		st.note = "run accepted"
	case domain.StatePlan:
		err = e.plan(ctx, st)
	case domain.StateSelectTask:
		err = e.selectTask(ctx, st)
	case domain.StateCodegen:
		err = e.codegen(ctx, st)
	case domain.StateTest:
		err = e.test(ctx, st)
	case domain.StateBuild:
		err = e.build(ctx, st)
	case domain.StateDeployPreview:
		err = e.deployPreview(ctx, st)
	case domain.StateEval:
		err = e.eval(ctx, st)
	case domain.StateTeardown:
		err = e.teardown(ctx, st)
	default:
		err = fmt.Errorf("%w: no stage for %s", ErrInvalidTransition, st.from)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// block converts a stage failure into a REVIEW halt with a retry scheduled.
func (e *Engine) block(ctx context.Context, st *step, cause error) error {
	err := fmt.Errorf("%w: %w", ErrWorkerFailure, cause)
	summary := fmt.Sprintf("blocked at %s: %v", st.from, cause)
	e.Logger.Warn("stage failed", zap.String("run_id", st.run.ID), zap.String("state", string(st.from)), zap.Error(err))
	if _, werr := e.writeProof(ctx, st.run, proof.KindLog, summary, []byte(summary), ""); werr != nil {
		return fmt.Errorf("write blocking proof: %w", werr)
	}
	e.emit(events.KindQuestion, st.run, summary, events.Payload{"state": string(st.from), "error": cause.Error()})
	st.next = domain.StateReview
	st.status = domain.AttemptBlocked
	st.message = summary
	st.summarized = true
	st.retryReason = summary
	return nil
}

// halt parks the run in REVIEW without a retry.
func (e *Engine) halt(ctx context.Context, st *step, summary string, data events.Payload) error {
	if _, err := e.writeProof(ctx, st.run, proof.KindLog, summary, []byte(summary), ""); err != nil {
		return err
	}
	if data == nil {
		data = events.Payload{}
	}
	data["state"] = string(st.from)
	e.emit(events.KindQuestion, st.run, summary, data)
	st.next = domain.StateReview
	st.status = domain.AttemptBlocked
	st.message = summary
	st.summarized = true
	return nil
}

func (e *Engine) commit(ctx context.Context, st *step) (int64, error) {
	now := e.stamp()
	st.run.State = st.next
	st.run.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	version, err := e.Repo.UpdateRunTx(ctx, tx, st.run)
	if err != nil {
		return 0, err
	}
	attemptID, err := e.Repo.InsertAttemptTx(ctx, tx, domain.Attempt{
		RunID:     st.run.ID,
		State:     st.next,
		Status:    st.status,
		Message:   st.message,
		CreatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	if st.retryReason == "" {
		if err := e.Repo.ClearAutoDecisionTx(ctx, tx, st.run.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	st.run.Version = version
	return attemptID, nil
}

func (e *Engine) scheduleRetry(ctx context.Context, run domain.Run, reason string) {
	if e.Watchdog == nil {
		e.Logger.Warn("no watchdog attached, run stays in review", zap.String("run_id", run.ID))
		return
	}
	at, err := e.Watchdog.Schedule(ctx, run.ID, reason)
	if err != nil {
		e.Logger.Error("schedule auto-decision", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	e.Logger.Debug("auto-decision pending", zap.String("run_id", run.ID), zap.Time("at", at))
}

func (e *Engine) runWorkspace(run domain.Run) string {
	return filepath.Join(e.RunsDir, run.ProjectID, run.ID)
}

func missing(name string) error {
	return fmt.Errorf("no %s configured", name)
}

func (e *Engine) plan(ctx context.Context, st *step) error {
	if h := e.Workers.Hierarchy; h != nil {
		if err := h.EnsureHierarchy(ctx, st.run.ProjectID); err != nil {
			return err
		}
	}
	st.note = "work hierarchy ensured"
	return nil
}

func (e *Engine) selectTask(ctx context.Context, st *step) error {
	open, err := e.Repo.OpenTaskCandidates(ctx, st.run.ProjectID)
	if err != nil {
		return fmt.Errorf("load open tasks: %w", err)
	}
	if len(open) == 0 {
		return e.halt(ctx, st, "no runnable tasks", nil)
	}
	ranked := scorer.Rank(toCandidates(open), e.weights())
	top := ranked[0]
	taskID := top.ID
	st.run.TaskID = &taskID
	summary := fmt.Sprintf("selected task %s (%s) with score %.3f of %d candidates", top.ID, top.Title, top.Score, len(ranked))
	if _, err := e.writeProof(ctx, st.run, proof.KindLog, summary, []byte(summary), ""); err != nil {
		return err
	}
	st.summarized = true
	st.message = summary
	st.data["task_id"] = top.ID
	st.data["score"] = top.Score
	return nil
}

func toCandidates(open []repo.TaskCandidate) []scorer.Candidate {
	out := make([]scorer.Candidate, 0, len(open))
	for _, t := range open {
		out = append(out, scorer.Candidate{
			ID:              t.ID,
			Title:           t.Title,
			Priority:        t.Priority,
			Dependencies:    t.OpenDependencies,
			EstimateMinutes: t.EstimateMinutes,
			Complexity:      t.Complexity,
			Urgency:         t.Urgency,
		})
	}
	return out
}

func (e *Engine) codegen(ctx context.Context, st *step) error {
	cost := e.Cost(st.run)
	decision := guard.CheckBudget(st.run.Spent, cost, st.run.Budget)
	if !decision.Allowed {
		err := decision.Err(st.run.Spent, cost, st.run.Budget)
		return e.halt(ctx, st, fmt.Sprintf("blocked at %s: %v", st.from, err), events.Payload{"dimension": decision.Dimension})
	}
	st.run.Spent = decision.Next

	if st.run.TaskID == nil {
		return errors.New("no task selected")
	}
	if e.Workers.Codegen == nil {
		return missing("code generator")
	}
	if e.Workers.Patches == nil {
		return missing("patch applier")
	}
	workspace := e.runWorkspace(st.run)
	patch, err := e.Workers.Codegen.Generate(ctx, st.run.ProjectID, st.run.ID, *st.run.TaskID, workspace)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	changed, err := e.Workers.Patches.Apply(ctx, workspace, patch)
	if err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	summary := fmt.Sprintf("%d files changed", changed)
	if _, err := e.writeProof(ctx, st.run, proof.KindDiff, summary, []byte(patch), ""); err != nil {
		return err
	}
	st.note = summary
	return nil
}

func (e *Engine) test(ctx context.Context, st *step) error {
	if e.Workers.Tester == nil {
		st.note = "no tester configured"
		return nil
	}
	report, err := e.Workers.Tester.Test(ctx, st.run.ProjectID, st.run.ID, e.runWorkspace(st.run))
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	summary := "tests passed"
	if !report.Passed {
		summary = "tests failed"
	}
	if _, err := e.writeProof(ctx, st.run, proof.KindTestResult, summary, []byte(report.Output), ""); err != nil {
		return err
	}
	if !report.Passed {
		return errors.New(summary)
	}
	st.note = summary
	return nil
}

func (e *Engine) build(ctx context.Context, st *step) error {
	if e.Workers.Builder == nil {
		return missing("builder")
	}
	res, err := e.Workers.Builder.Build(ctx, st.run.ProjectID, st.run.ID, e.runWorkspace(st.run))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	summary := fmt.Sprintf("build produced %d artifacts", len(res.Artifacts))
	if _, err := e.writeProof(ctx, st.run, proof.KindBuildLog, summary, []byte(res.Log), ""); err != nil {
		return err
	}
	for _, a := range res.Artifacts {
		e.emit(events.KindArtifactCreated, st.run, a, events.Payload{"path": a})
	}
	st.note = summary
	return nil
}

func (e *Engine) deployPreview(ctx context.Context, st *step) error {
	if e.Workers.Previewer == nil {
		return missing("previewer")
	}
	url, err := e.Workers.Previewer.Start(ctx, st.run.ProjectID, st.run.ID, e.runWorkspace(st.run))
	if err != nil {
		return fmt.Errorf("start preview: %w", err)
	}
	if _, err := e.writeProof(ctx, st.run, proof.KindLink, "preview deployed", nil, url); err != nil {
		return err
	}
	st.run.PreviewURL = url
	st.note = url
	return nil
}

func (e *Engine) eval(ctx context.Context, st *step) error {
	if e.Workers.Previewer == nil {
		return missing("previewer")
	}
	if e.Workers.Evaluator == nil {
		return missing("evaluator")
	}
	url, ok := e.Workers.Previewer.PreviewURL(ctx, st.run.ID)
	if !ok || url == "" {
		// The previewer may have restarted since DEPLOY_PREVIEW.
		url = st.run.PreviewURL
	}
	if url == "" {
		return errors.New("no preview url for run")
	}
	shot, err := e.Workers.Evaluator.Evaluate(ctx, st.run.ProjectID, st.run.ID, url)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if _, err := e.writeProof(ctx, st.run, proof.KindScreenshot, "preview captured", nil, shot); err != nil {
		return err
	}
	st.note = "awaiting review"
	return nil
}

func (e *Engine) teardown(ctx context.Context, st *step) error {
	if st.run.TaskID != nil {
		err := e.Repo.UpdateTaskStatus(ctx, *st.run.TaskID, "done", e.stamp())
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("complete task: %w", err)
		}
	}
	st.note = "run completed"
	return nil
}

// reflect writes the closing summary. Failures are logged only: the run has
// already reached DONE.
func (e *Engine) reflect(ctx context.Context, run domain.Run) {
	var r Reflector = StatsReflector{Repo: e.Repo}
	if e.Workers.Reflector != nil {
		r = e.Workers.Reflector
	}
	text, err := r.Summarize(ctx, run.ProjectID, run.ID)
	if err != nil {
		e.Logger.Error("reflection failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if _, err := e.writeProof(ctx, run, proof.KindReflection, "run reflection", []byte(text), ""); err != nil {
		e.Logger.Error("write reflection", zap.String("run_id", run.ID), zap.Error(err))
	}
}
