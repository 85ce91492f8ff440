package engine

import "context"

// HierarchyEnsurer makes sure a project's work hierarchy exists. It must be
// idempotent.
type HierarchyEnsurer interface {
	EnsureHierarchy(ctx context.Context, projectID string) error
}

// CodeGenerator produces a patch for a task.
type CodeGenerator interface {
	Generate(ctx context.Context, projectID, runID, taskID, workspace string) (string, error)
}

// PatchApplier writes a patch into a workspace and returns the number of
// files changed. It must refuse paths outside the workspace root.
type PatchApplier interface {
	Apply(ctx context.Context, workspace, patch string) (int, error)
}

type BuildResult struct {
	Artifacts []string
	Log       string
}

type Builder interface {
	Build(ctx context.Context, projectID, runID, workspace string) (BuildResult, error)
}

// Previewer hosts a run's build output.
type Previewer interface {
	Start(ctx context.Context, projectID, runID, workspace string) (string, error)
	// PreviewURL reports the URL of a started preview.
	PreviewURL(ctx context.Context, runID string) (string, bool)
}

// Evaluator captures a preview and returns a reference to the screenshot.
type Evaluator interface {
	Evaluate(ctx context.Context, projectID, runID, url string) (string, error)
}

// Reflector writes the closing summary of a finished run.
type Reflector interface {
	Summarize(ctx context.Context, projectID, runID string) (string, error)
}

type TestReport struct {
	Passed bool
	Output string
}

type Tester interface {
	Test(ctx context.Context, projectID, runID, workspace string) (TestReport, error)
}

// Workers are the stage collaborators. Tester is optional; a nil Hierarchy
// skips the PLAN call and a nil Reflector falls back to the built-in summary.
type Workers struct {
	Hierarchy HierarchyEnsurer
	Codegen   CodeGenerator
	Patches   PatchApplier
	Builder   Builder
	Previewer Previewer
	Evaluator Evaluator
	Reflector Reflector
	Tester    Tester
}
