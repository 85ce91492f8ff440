// Package app wires a workspace into a ready-to-use engine for the CLI and
// the server.
package app

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
	"forgeline/internal/telemetry"
	"forgeline/internal/watchdog"
	"forgeline/internal/workers"
)

const secretFile = "proof.key"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/forgeline.yml.
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
}

// Runtime owns the database handle and everything built on top of it.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Watchdog  *watchdog.Watchdog
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	Tracing   *telemetry.Tracing

	stopMetrics func()
}

// Open loads config, migrates the database and attaches the local workers and
// the stall watchdog.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := telemetry.NewLogger(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	tracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	state := db.StateDir(workspace)
	store, err := proof.NewOSContentStore(filepath.Join(state, "proofs"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	e := engine.New(conn, cfg)
	e.Logger = logger.Named("engine")
	e.Metrics = metrics
	e.Tracer = tracing.Tracer
	e.RunsDir = filepath.Join(state, "runs")
	e.Proofs.Store = store
	// Stream cursors from an earlier process stay below the ids of this one.
	e.Bus.Seed(time.Now().UnixMicro())
	if len(e.Signer.Secret) == 0 {
		secret, err := loadOrCreateSecret(state)
		if err != nil {
			conn.Close()
			return nil, err
		}
		e.Signer.Secret = secret
	}
	e.Workers = workers.Local(cfg.Workers, e.Repo, afero.NewOsFs(), filepath.Join(state, "snapshots"), e.Now)
	wd := e.AttachWatchdog(watchdog.Options{})

	return &Runtime{
		Workspace:   workspace,
		DB:          conn,
		Config:      cfg,
		Engine:      e,
		Watchdog:    wd,
		Logger:      logger,
		Metrics:     metrics,
		Tracing:     tracing,
		stopMetrics: metrics.ObserveBus(e.Bus),
	}, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// loadOrCreateSecret keeps a per-workspace signing key so tokens issued by one
// process verify in another.
func loadOrCreateSecret(state string) ([]byte, error) {
	path := filepath.Join(state, secretFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(secret) == 0 {
			return nil, fmt.Errorf("corrupt proof key %s", path)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	secret, err := proof.RandomSecret()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}

// Close stops timers, flushes spans and closes the database.
func (r *Runtime) Close(ctx context.Context) error {
	r.Watchdog.Stop()
	if r.stopMetrics != nil {
		r.stopMetrics()
	}
	if err := r.Tracing.Shutdown(ctx); err != nil {
		r.Logger.Warn("tracing shutdown", zap.Error(err))
	}
	_ = r.Logger.Sync()
	return r.DB.Close()
}

// ResolveProject picks the active project: the override, then the configured
// id, then the only project in the workspace. A named project that does not
// exist yet is created.
func (r *Runtime) ResolveProject(ctx context.Context, override string) (string, error) {
	projectID := strings.TrimSpace(override)
	if projectID == "" {
		projectID = strings.TrimSpace(r.Config.Project.ID)
	}
	if projectID == "" {
		p, err := r.Engine.Repo.SingleProject(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("project not specified; use --project")
		}
		if err != nil {
			return "", err
		}
		return p.ID, nil
	}
	created, err := r.Engine.Repo.EnsureProject(ctx, domain.Project{
		ID:        projectID,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("ensure project: %w", err)
	}
	if created {
		r.Logger.Info("project created", zap.String("project_id", projectID))
	}
	return projectID, nil
}
