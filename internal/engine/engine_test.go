package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/guard"
	"forgeline/internal/migrate"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
	"forgeline/internal/watchdog"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakes implements every stage collaborator.
type fakes struct {
	mu        sync.Mutex
	buildErr  error
	testPass  bool
	hierarchy int
	previews  map[string]string
}

func (f *fakes) EnsureHierarchy(context.Context, string) error {
	f.mu.Lock()
	f.hierarchy++
	f.mu.Unlock()
	return nil
}

func (f *fakes) Generate(_ context.Context, _, _, taskID, _ string) (string, error) {
	return "=== FILE: main.go\npackage main // " + taskID + "\n=== END\n", nil
}

func (f *fakes) Apply(context.Context, string, string) (int, error) { return 1, nil }

func (f *fakes) Build(context.Context, string, string, string) (engine.BuildResult, error) {
	if f.buildErr != nil {
		return engine.BuildResult{}, f.buildErr
	}
	return engine.BuildResult{Artifacts: []string{"dist/app", "dist/index.html"}, Log: "ok"}, nil
}

func (f *fakes) Start(_ context.Context, _, runID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := "http://preview.local/" + runID
	f.previews[runID] = url
	return url, nil
}

func (f *fakes) PreviewURL(_ context.Context, runID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.previews[runID]
	return url, ok
}

func (f *fakes) Evaluate(_ context.Context, _, runID, _ string) (string, error) {
	return "file:///shots/" + runID + ".png", nil
}

func (f *fakes) Test(context.Context, string, string, string) (engine.TestReport, error) {
	if f.testPass {
		return engine.TestReport{Passed: true, Output: "ok 3 tests"}, nil
	}
	return engine.TestReport{Output: "FAIL"}, nil
}

type testEnv struct {
	Engine *engine.Engine
	Fakes  *fakes
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default("proj-1")
	cfg.Watchdog.Delay = time.Hour
	for _, m := range mutate {
		m(cfg)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Logger = zaptest.NewLogger(t)
	eng.Proofs.Store = proof.NewContentStore(afero.NewMemMapFs())
	eng.Signer.Secret = []byte("test-secret")
	f := &fakes{testPass: true, previews: map[string]string{}}
	eng.Workers = engine.Workers{
		Hierarchy: f,
		Codegen:   f,
		Patches:   f,
		Builder:   f,
		Previewer: f,
		Evaluator: f,
		Tester:    f,
	}
	wd := eng.AttachWatchdog(watchdog.Options{})
	t.Cleanup(wd.Stop)

	_, err = eng.CreateProject(ctx, "proj-1", "test")
	require.NoError(t, err)
	return testEnv{Engine: eng, Fakes: f, Clock: clk, Ctx: ctx}
}

// peer opens a second engine over the same database, as another process
// would.
func (env testEnv) peer(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(env.Engine.DB, env.Engine.Config)
	eng.Now = env.Clock.Now
	eng.Logger = zaptest.NewLogger(t)
	eng.Proofs.Store = env.Engine.Proofs.Store
	eng.Signer.Secret = env.Engine.Signer.Secret
	eng.Workers = env.Engine.Workers
	wd := eng.AttachWatchdog(watchdog.Options{})
	t.Cleanup(wd.Stop)
	return eng
}

// armShortWatchdog replaces the watchdog with one firing after delay and
// returns a channel receiving each decision result.
func (env testEnv) armShortWatchdog(t *testing.T, delay time.Duration) <-chan error {
	t.Helper()
	env.Engine.Watchdog.Stop()
	fired := make(chan error, 4)
	wd := env.Engine.AttachWatchdog(watchdog.Options{
		Delay:  delay,
		OnFire: func(_ string, err error) { fired <- err },
	})
	t.Cleanup(wd.Stop)
	return fired
}

func waitFired(t *testing.T, fired <-chan error) {
	t.Helper()
	select {
	case err := <-fired:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("auto-decision timer never fired")
	}
}

func (env testEnv) newTask(t *testing.T, title string, priority int) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: title, Priority: priority, EstimateMinutes: 30, Complexity: 3, Urgency: 5,
	})
	require.NoError(t, err)
	return task
}

func (env testEnv) newRun(t *testing.T) domain.Run {
	t.Helper()
	run, created, err := env.Engine.EnsureRun(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func (env testEnv) advanceTo(t *testing.T, runID string, target domain.RunState) {
	t.Helper()
	for i := 0; i < len(domain.States); i++ {
		res, err := env.Engine.Advance(env.Ctx, runID)
		require.NoError(t, err)
		if res.State == target {
			return
		}
		require.False(t, res.State.Halted(), "halted at %s before reaching %s", res.State, target)
	}
	t.Fatalf("run %s never reached %s", runID, target)
}

func (env testEnv) forceState(t *testing.T, runID string, state domain.RunState) {
	t.Helper()
	run, err := env.Engine.Repo.GetRun(env.Ctx, runID)
	require.NoError(t, err)
	run.State = state
	_, err = env.Engine.Repo.UpdateRunTx(env.Ctx, nil, run)
	require.NoError(t, err)
}

func (env testEnv) run(t *testing.T, runID string) domain.Run {
	t.Helper()
	run, err := env.Engine.GetRun(env.Ctx, runID)
	require.NoError(t, err)
	return run
}

func (env testEnv) events(runID string, kind events.Kind) []events.Event {
	return env.Engine.Bus.Replay(events.Filter{RunID: runID, Kinds: []events.Kind{kind}}, 0)
}

func (env testEnv) proofs(t *testing.T, runID string) []domain.Proof {
	t.Helper()
	list, err := env.Engine.Proofs.List(env.Ctx, runID, "")
	require.NoError(t, err)
	return list
}

func TestHappyPathToDone(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "low", 2)
	top := env.newTask(t, "high", 9)
	run := env.newRun(t)

	env.advanceTo(t, run.ID, domain.StateReview)
	got := env.run(t, run.ID)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, top.ID, *got.TaskID)
	assert.Equal(t, int64(500), got.Spent.Tokens)
	assert.Equal(t, "http://preview.local/"+run.ID, got.PreviewURL)
	assert.Nil(t, got.NextAutoDecisionAt)
	assert.Len(t, env.events(run.ID, events.KindArtifactCreated), 2)

	attempts, err := env.Engine.Repo.ListAttempts(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 8)
	assert.Len(t, env.events(run.ID, events.KindStatus), 9) // run created + one per advance
	for _, a := range attempts {
		assert.Equal(t, domain.AttemptOK, a.Status)
	}

	_, err = env.Engine.Resolve(env.Ctx, run.ID, engine.DecisionComplete)
	require.NoError(t, err)
	env.advanceTo(t, run.ID, domain.StateDone)

	kinds := map[string]int{}
	for _, p := range env.proofs(t, run.ID) {
		kinds[p.Kind]++
	}
	assert.Equal(t, 1, kinds[proof.KindDiff])
	assert.Equal(t, 1, kinds[proof.KindTestResult])
	assert.Equal(t, 1, kinds[proof.KindBuildLog])
	assert.Equal(t, 1, kinds[proof.KindLink])
	assert.Equal(t, 1, kinds[proof.KindScreenshot])
	assert.Equal(t, 1, kinds[proof.KindReflection])

	task, err := env.Engine.Repo.GetTask(env.Ctx, top.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", task.Status)
}

func TestSelectTaskReportsChoiceOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "only", 5)
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateSelectTask)
	before := len(env.proofs(t, run.ID))

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCodegen, res.State)

	proofs := env.proofs(t, run.ID)
	require.Len(t, proofs, before+1)
	assert.Contains(t, proofs[len(proofs)-1].Summary, "selected task "+task.ID)
	status := env.events(run.ID, events.KindStatus)
	last := status[len(status)-1]
	assert.Equal(t, task.ID, last.Data["task_id"])
	assert.Greater(t, last.Data["score"].(float64), 0.0)
}

func TestHaltedRunIsNoop(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	env.forceState(t, run.ID, domain.StateReview)
	lastEvent := env.Engine.Bus.Last()

	for i := 0; i < 3; i++ {
		res, err := env.Engine.Advance(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateReview, res.State)
		assert.Zero(t, res.AttemptID)
	}
	attempts, err := env.Engine.Repo.ListAttempts(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Empty(t, env.proofs(t, run.ID))
	assert.Equal(t, lastEvent, env.Engine.Bus.Last())
}

func TestAdvanceErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Advance(env.Ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	run := env.newRun(t)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE runs SET state='BOGUS' WHERE id=?`, run.ID)
	require.NoError(t, err)
	_, err = env.Engine.Advance(env.Ctx, run.ID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// Scenario A: two 500 token steps against a 1000 token cap reach the cap
// exactly; the next step is rejected and the run halts in REVIEW.
func TestBudgetExhaustionHaltsAtReview(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	run := env.newRun(t)
	_, err := env.Engine.SetBudget(env.Ctx, run.ID, domain.Spend{Tokens: 1000, USD: 100})
	require.NoError(t, err)
	env.Engine.Cost = engine.FixedCost(domain.Spend{Tokens: 500})

	env.advanceTo(t, run.ID, domain.StateTest)
	assert.Equal(t, int64(500), env.run(t, run.ID).Spent.Tokens)

	env.forceState(t, run.ID, domain.StateCodegen)
	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTest, res.State)
	assert.Equal(t, int64(1000), env.run(t, run.ID).Spent.Tokens)

	env.forceState(t, run.ID, domain.StateCodegen)
	res, err = env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)
	assert.Equal(t, domain.AttemptBlocked, res.Status)

	got := env.run(t, run.ID)
	assert.Equal(t, int64(1000), got.Spent.Tokens)
	assert.Nil(t, got.NextAutoDecisionAt)
	questions := env.events(run.ID, events.KindQuestion)
	require.Len(t, questions, 1)
	assert.Equal(t, guard.DimensionTokens, questions[0].Data["dimension"])
	assert.Contains(t, questions[0].Summary, "budget exceeded")
}

// Scenario B: no open tasks halts in REVIEW without a retry.
func TestNoRunnableTasks(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateSelectTask)

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)

	questions := env.events(run.ID, events.KindQuestion)
	require.Len(t, questions, 1)
	assert.Equal(t, "no runnable tasks", questions[0].Summary)
	assert.Nil(t, env.run(t, run.ID).NextAutoDecisionAt)
	assert.False(t, env.Engine.Watchdog.Armed(run.ID))

	var matching int
	for _, p := range env.proofs(t, run.ID) {
		if p.Summary == "no runnable tasks" {
			matching++
		}
	}
	assert.Equal(t, 1, matching)
}

// Scenario C: a failing build is contained and a retry is scheduled.
func TestBuildFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	env.Fakes.buildErr = errors.New("compiler exploded")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)
	assert.Equal(t, domain.AttemptBlocked, res.Status)

	var blocked []domain.Proof
	for _, p := range env.proofs(t, run.ID) {
		if strings.HasPrefix(p.Summary, "blocked at BUILD") {
			blocked = append(blocked, p)
		}
	}
	require.Len(t, blocked, 1)
	assert.Contains(t, blocked[0].Summary, "compiler exploded")
	assert.Len(t, env.events(run.ID, events.KindQuestion), 1)

	got := env.run(t, run.ID)
	require.NotNil(t, got.NextAutoDecisionAt)
	assert.Equal(t, "2024-01-01T01:00:00Z", *got.NextAutoDecisionAt)
	assert.Contains(t, got.AutoDecisionReason, "blocked at BUILD")
	assert.True(t, env.Engine.Watchdog.Armed(run.ID))
}

func TestFailingTestsBlockRun(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	env.Fakes.testPass = false
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateTest)

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)
	assert.NotNil(t, env.run(t, run.ID).NextAutoDecisionAt)
}

func TestMissingPreviewFailsEval(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateEval)
	env.Fakes.mu.Lock()
	delete(env.Fakes.previews, run.ID)
	env.Fakes.mu.Unlock()
	stored := env.run(t, run.ID)
	stored.PreviewURL = ""
	_, err := env.Engine.Repo.UpdateRunTx(env.Ctx, nil, stored)
	require.NoError(t, err)

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)
	assert.Equal(t, domain.AttemptBlocked, res.Status)
}

func TestEvalUsesStoredPreviewAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateEval)
	env.Fakes.mu.Lock()
	delete(env.Fakes.previews, run.ID)
	env.Fakes.mu.Unlock()

	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReview, res.State)
	assert.Equal(t, domain.AttemptOK, res.Status)
	assert.Nil(t, env.run(t, run.ID).NextAutoDecisionAt)
	shots, err := env.Engine.Proofs.List(env.Ctx, run.ID, proof.KindScreenshot)
	require.NoError(t, err)
	assert.Len(t, shots, 1)
}

func TestAutoDecideRetriesFromPlan(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	env.Fakes.buildErr = errors.New("flaky")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)

	// Not due yet: the deadline is one hour out.
	require.NoError(t, env.Engine.AutoDecide(env.Ctx, run.ID, "early"))
	assert.Equal(t, domain.StateReview, env.run(t, run.ID).State)

	env.Clock.Advance(time.Hour)
	require.NoError(t, env.Engine.AutoDecide(env.Ctx, run.ID, "blocked at BUILD: flaky"))
	got := env.run(t, run.ID)
	assert.Equal(t, domain.StatePlan, got.State)
	assert.Nil(t, got.NextAutoDecisionAt)
	assert.False(t, env.Engine.Watchdog.Armed(run.ID))

	decisions := env.events(run.ID, events.KindDecisionAuto)
	require.Len(t, decisions, 1)
	assert.Equal(t, "blocked at BUILD: flaky", decisions[0].Data["reason"])
	auto, err := env.Engine.Proofs.List(env.Ctx, run.ID, proof.KindAutoDecision)
	require.NoError(t, err)
	assert.Len(t, auto, 1)

	// A run that already left REVIEW is left alone.
	require.NoError(t, env.Engine.AutoDecide(env.Ctx, run.ID, "late"))
	assert.Equal(t, domain.StatePlan, env.run(t, run.ID).State)
	assert.Len(t, env.events(run.ID, events.KindDecisionAuto), 1)
}

func TestWatchdogFiresAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	env.Engine.Watchdog.Stop()
	wd := env.Engine.AttachWatchdog(watchdog.Options{Delay: 20 * time.Millisecond})
	t.Cleanup(wd.Stop)
	env.Fakes.buildErr = errors.New("boom")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.run(t, run.ID).State == domain.StatePlan
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSuccessfulAdvanceClearsPendingDecision(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	_, err := env.Engine.Watchdog.Schedule(env.Ctx, run.ID, "stale")
	require.NoError(t, err)

	_, err = env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, env.run(t, run.ID).NextAutoDecisionAt)
	assert.False(t, env.Engine.Watchdog.Armed(run.ID))
}

func TestKill(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	env.Fakes.buildErr = errors.New("boom")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)

	killed, err := env.Engine.Kill(env.Ctx, run.ID, "operator gave up")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, killed.State)
	assert.Nil(t, env.run(t, run.ID).NextAutoDecisionAt)
	assert.False(t, env.Engine.Watchdog.Armed(run.ID))
	status := env.events(run.ID, events.KindStatus)
	assert.Equal(t, "killed by operator: operator gave up", status[len(status)-1].Summary)

	_, err = env.Engine.Kill(env.Ctx, run.ID, "again")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, res.State)
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	_, err := env.Engine.Resolve(env.Ctx, run.ID, engine.DecisionRetry)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	env.forceState(t, run.ID, domain.StateReview)
	_, err = env.Engine.Resolve(env.Ctx, run.ID, "maybe")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	got, err := env.Engine.Resolve(env.Ctx, run.ID, engine.DecisionRetry)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlan, got.State)
}

func TestEnsureRunReusesActiveRun(t *testing.T) {
	env := newTestEnv(t)
	first := env.newRun(t)
	again, created, err := env.Engine.EnsureRun(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, env.Engine.Config.Budget, again.Budget)

	env.forceState(t, first.ID, domain.StateReview)
	next, created, err := env.Engine.EnsureRun(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)

	_, _, err = env.Engine.EnsureRun(env.Ctx, "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentAdvancesSerialise(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	run := env.newRun(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Advance(env.Ctx, run.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.StateBuild, env.run(t, run.ID).State)
	attempts, err := env.Engine.Repo.ListAttempts(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 5)
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	_, err = env.Engine.Repo.UpdateRunTx(env.Ctx, nil, run)
	require.ErrorIs(t, err, repo.ErrConflict)
}

func TestSubmitActionRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit.Max = 2
		c.RateLimit.Window = time.Minute
	})
	run := env.newRun(t)
	for i := 0; i < 2; i++ {
		res, err := env.Engine.SubmitAction(env.Ctx, run.ID, "click #submit")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		env.Clock.Advance(time.Second)
	}
	res, err := env.Engine.SubmitAction(env.Ctx, run.ID, "click #submit")
	require.ErrorIs(t, err, guard.ErrRateLimited)
	assert.False(t, res.Allowed)
	assert.Equal(t, 58*time.Second, res.RetryAfter)

	env.Clock.Advance(time.Minute)
	_, err = env.Engine.SubmitAction(env.Ctx, run.ID, "click #submit")
	require.NoError(t, err)
	assert.Len(t, env.run(t, run.ID).RecentActions, 1)
}

func TestCancelAutoDecision(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	env.forceState(t, run.ID, domain.StateReview)
	_, err := env.Engine.Watchdog.Schedule(env.Ctx, run.ID, "stalled")
	require.NoError(t, err)

	got, err := env.Engine.CancelAutoDecision(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextAutoDecisionAt)
	assert.False(t, env.Engine.Watchdog.Armed(run.ID))
	_, err = env.Engine.CancelAutoDecision(env.Ctx, run.ID)
	require.NoError(t, err)
	_, err = env.Engine.CancelAutoDecision(env.Ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProofTokens(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	p := env.proofs(t, run.ID)[0]

	tok, _, err := env.Engine.IssueProofToken(env.Ctx, p.ID)
	require.NoError(t, err)
	_, body, err := env.Engine.ProofContent(env.Ctx, p.ID, tok)
	require.NoError(t, err)
	assert.Equal(t, "INTAKE -> PLAN: run accepted", string(body))

	_, _, err = env.Engine.ProofContent(env.Ctx, p.ID, "garbage")
	require.ErrorIs(t, err, proof.ErrInvalidToken)
	_, _, err = env.Engine.IssueProofToken(env.Ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRankGoalsAndTasks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "proj-1", Title: "minor", Urgency: 1, Impact: 1})
	require.NoError(t, err)
	major, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{ProjectID: "proj-1", Title: "major", Urgency: 9, Impact: 8})
	require.NoError(t, err)
	goals, err := env.Engine.RankGoals(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, major.ID, goals[0].ID)

	env.newTask(t, "a", 1)
	b := env.newTask(t, "b", 9)
	ranked, w, err := env.Engine.RankTasks(env.Ctx, "proj-1", 1, map[string]float64{"priority": 2})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, b.ID, ranked[0].ID)
	assert.Greater(t, w.Priority, env.Engine.Config.Scorer.Weights.Priority)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", Priority: 11})
	require.Error(t, err)
}

func TestProjectIDsMustBePathSegments(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"team/app", `team\app`, ".", ".."} {
		_, err := env.Engine.CreateProject(env.Ctx, id, "")
		require.Error(t, err, id)
		assert.Contains(t, err.Error(), "invalid project id")
	}
	p, err := env.Engine.CreateProject(env.Ctx, "team-app", "")
	require.NoError(t, err)
	run, _, err := env.Engine.EnsureRun(env.Ctx, p.ID)
	require.NoError(t, err)
	res, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlan, res.State)
}

func TestCancelFromAnotherEngineWins(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "work", 5)
	fired := env.armShortWatchdog(t, 300*time.Millisecond)
	env.Fakes.buildErr = errors.New("boom")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)
	require.True(t, env.Engine.Watchdog.Armed(run.ID))

	got, err := env.peer(t).CancelAutoDecision(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextAutoDecisionAt)

	waitFired(t, fired)
	assert.Equal(t, domain.StateReview, env.run(t, run.ID).State)
	assert.Empty(t, env.events(run.ID, events.KindDecisionAuto))
	auto, err := env.Engine.Proofs.List(env.Ctx, run.ID, proof.KindAutoDecision)
	require.NoError(t, err)
	assert.Empty(t, auto)
}

func TestStaleTimerDoesNotRetryIdleRun(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "work", 5)
	fired := env.armShortWatchdog(t, 300*time.Millisecond)
	env.Fakes.buildErr = errors.New("boom")
	run := env.newRun(t)
	env.advanceTo(t, run.ID, domain.StateBuild)
	_, err := env.Engine.Advance(env.Ctx, run.ID)
	require.NoError(t, err)

	// Another engine retries by hand and parks the run on an empty queue.
	other := env.peer(t)
	_, err = other.Resolve(env.Ctx, run.ID, engine.DecisionRetry)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpdateTaskStatus(env.Ctx, task.ID, "done", "2024-01-01T00:00:00Z"))
	for i := 0; i < 2; i++ {
		_, err = other.Advance(env.Ctx, run.ID)
		require.NoError(t, err)
	}
	require.Equal(t, domain.StateReview, env.run(t, run.ID).State)

	waitFired(t, fired)
	got := env.run(t, run.ID)
	assert.Equal(t, domain.StateReview, got.State)
	assert.Nil(t, got.NextAutoDecisionAt)
	assert.Empty(t, env.events(run.ID, events.KindDecisionAuto))
}

func TestFailedKillLeavesNoProof(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t)
	env.forceState(t, run.ID, domain.StateReview)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER refuse_terminal BEFORE UPDATE ON runs
WHEN NEW.state IN ('FAILED','PLAN') BEGIN SELECT RAISE(ABORT, 'refused'); END`)
	require.NoError(t, err)

	_, err = env.Engine.Kill(env.Ctx, run.ID, "give up")
	require.Error(t, err)
	_, err = env.Engine.Resolve(env.Ctx, run.ID, engine.DecisionRetry)
	require.Error(t, err)
	assert.Empty(t, env.proofs(t, run.ID))
	assert.Equal(t, domain.StateReview, env.run(t, run.ID).State)
}
