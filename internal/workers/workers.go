package workers

import (
	"net/http"
	"time"

	"github.com/spf13/afero"

	"forgeline/internal/config"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

// Local assembles the default collaborators. Empty commands fall back to
// the built-in task notes generator and a glob-only build; no tester is
// configured without a test command.
func Local(cfg config.WorkersConfig, r repo.Repo, fs afero.Fs, snapshotDir string, now func() time.Time) engine.Workers {
	w := engine.Workers{
		Hierarchy: Hierarchy{Repo: r, Now: now},
		Codegen:   TaskNotes{Repo: r},
		Patches:   FilePatchApplier{Fs: fs},
		Builder: CommandBuilder{
			Command: Command{Argv: cfg.BuildCommand, Timeout: cfg.Timeout},
			Globs:   cfg.ArtifactGlobs,
			Fs:      fs,
		},
		Previewer: &StaticPreviewer{BaseURL: cfg.PreviewBaseURL},
		Evaluator: SnapshotEvaluator{Client: &http.Client{Timeout: cfg.Timeout}, Fs: fs, Dir: snapshotDir},
	}
	if len(cfg.CodegenCommand) > 0 {
		w.Codegen = CommandGenerator{Command{Argv: cfg.CodegenCommand, Timeout: cfg.Timeout}}
	}
	if len(cfg.TestCommand) > 0 {
		w.Tester = CommandTester{Command{Argv: cfg.TestCommand, Timeout: cfg.Timeout}}
	}
	return w
}
