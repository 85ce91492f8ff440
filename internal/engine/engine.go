// Package engine drives runs through the build pipeline and applies operator
// and watchdog decisions to them.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
	"forgeline/internal/scorer"
	"forgeline/internal/telemetry"
	"forgeline/internal/watchdog"
)

var (
	// ErrWorkerFailure wraps collaborator errors raised inside a stage.
	ErrWorkerFailure = errors.New("worker failure")
	// ErrInvalidTransition is returned for malformed states and for operator
	// actions that do not apply to the run's current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// CostModel prices one CODEGEN step of a run.
type CostModel func(run domain.Run) domain.Spend

// FixedCost charges the same amount for every step.
func FixedCost(cost domain.Spend) CostModel {
	return func(domain.Run) domain.Spend { return cost }
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Bus      *events.Bus
	Proofs   proof.Log
	Signer   proof.Signer
	Config   *config.Config
	Watchdog *watchdog.Watchdog
	Workers  Workers
	Cost     CostModel
	// RunsDir holds one isolated workspace per run.
	RunsDir string
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time

	locks keyedMutex
}

// New wires an engine over an open, migrated database. Workers, the proof
// content store and the watchdog are attached by the caller.
func New(conn *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	r := repo.Repo{DB: conn}
	bus := events.NewBus(cfg.Events.Buffer)
	e := &Engine{
		DB:      conn,
		Repo:    r,
		Bus:     bus,
		Config:  cfg,
		Cost:    FixedCost(cfg.StepCost),
		Logger:  zap.NewNop(),
		Tracer:  nooptrace.NewTracerProvider().Tracer(telemetry.TracerName),
		Now:     time.Now,
		Signer:  proof.Signer{Secret: []byte(cfg.Proofs.TokenSecret), TTL: cfg.Proofs.TokenTTL},
		RunsDir: "runs",
	}
	e.Proofs = proof.Log{Repo: r, Bus: bus, Now: e.now}
	e.Signer.Now = e.now
	bus.SetClock(e.now)
	return e
}

// AttachWatchdog creates the stall watchdog with the engine as its decider.
func (e *Engine) AttachWatchdog(opts watchdog.Options) *watchdog.Watchdog {
	if opts.Delay <= 0 {
		opts.Delay = e.Config.Watchdog.Delay
	}
	if opts.Logger == nil {
		opts.Logger = e.Logger.Named("watchdog")
	}
	if opts.Now == nil {
		opts.Now = e.now
	}
	if opts.OnFire == nil && e.Metrics != nil {
		opts.OnFire = e.Metrics.ObserveWatchdogFire
	}
	e.Watchdog = watchdog.New(watchdog.RepoStore{Repo: e.Repo}, e, opts)
	return e.Watchdog
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) weights() scorer.Weights {
	if e.Config == nil || e.Config.Scorer.Weights.Sum() == 0 {
		return scorer.DefaultWeights()
	}
	return e.Config.Scorer.Weights
}

func (e *Engine) emit(kind events.Kind, run domain.Run, summary string, data events.Payload) events.Event {
	return e.Bus.Emit(events.Event{
		Kind:      kind,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Summary:   summary,
		Data:      data,
	})
}

func (e *Engine) writeProof(ctx context.Context, run domain.Run, kind proof.Kind, summary string, content []byte, uri string) (domain.Proof, error) {
	return e.Proofs.Write(ctx, proof.Entry{
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Kind:      kind,
		Summary:   summary,
		Content:   content,
		URI:       uri,
	})
}

// recordProof writes the proof of an operation that already committed. A
// failure cannot undo the transition, so it is logged only.
func (e *Engine) recordProof(ctx context.Context, run domain.Run, kind proof.Kind, summary string, content []byte) {
	if _, err := e.writeProof(ctx, run, kind, summary, content, ""); err != nil {
		e.Logger.Error("write proof", zap.String("run_id", run.ID), zap.String("kind", kind), zap.Error(err))
	}
}

// keyedMutex serialises work per key and frees idle entries.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*refMutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &refMutex{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
