package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"forgeline/internal/engine"
)

// Command runs an argv inside a run workspace. The run is described to the
// process through FORGELINE_* environment variables.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

type commandResult struct {
	Stdout   string
	Combined string
	ExitCode int
}

func (c Command) run(ctx context.Context, workspace string, env map[string]string) (commandResult, error) {
	if len(c.Argv) == 0 {
		return commandResult{}, errors.New("empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return commandResult{}, err
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = workspace
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	var stdout, combined bytes.Buffer
	cmd.Stdout = &teeBuffer{a: &stdout, b: &combined}
	cmd.Stderr = &combined
	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Combined: strings.TrimSpace(combined.String())}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s: timeout after %s", c.Argv[0], timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

type teeBuffer struct{ a, b *bytes.Buffer }

func (t *teeBuffer) Write(p []byte) (int, error) {
	t.a.Write(p)
	return t.b.Write(p)
}

func runEnv(projectID, runID, workspace string) map[string]string {
	return map[string]string{
		"FORGELINE_PROJECT_ID": projectID,
		"FORGELINE_RUN_ID":     runID,
		"FORGELINE_WORKSPACE":  workspace,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// CommandGenerator takes the patch from the command's stdout.
type CommandGenerator struct {
	Command
}

func (g CommandGenerator) Generate(ctx context.Context, projectID, runID, taskID, workspace string) (string, error) {
	env := runEnv(projectID, runID, workspace)
	env["FORGELINE_TASK_ID"] = taskID
	res, err := g.run(ctx, workspace, env)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("codegen exited %d: %s", res.ExitCode, tail(res.Combined, 2048))
	}
	return res.Stdout, nil
}

// CommandTester reports a non-zero exit as a failed run, not an error.
type CommandTester struct {
	Command
}

func (t CommandTester) Test(ctx context.Context, projectID, runID, workspace string) (engine.TestReport, error) {
	res, err := t.run(ctx, workspace, runEnv(projectID, runID, workspace))
	if err != nil {
		return engine.TestReport{}, err
	}
	return engine.TestReport{Passed: res.ExitCode == 0, Output: res.Combined}, nil
}

// CommandBuilder runs an optional build command and collects artifacts
// matching Globs relative to the workspace.
type CommandBuilder struct {
	Command
	Globs []string
	Fs    afero.Fs
}

func (b CommandBuilder) Build(ctx context.Context, projectID, runID, workspace string) (engine.BuildResult, error) {
	var log string
	if len(b.Argv) > 0 {
		res, err := b.run(ctx, workspace, runEnv(projectID, runID, workspace))
		if err != nil {
			return engine.BuildResult{}, err
		}
		log = res.Combined
		if res.ExitCode != 0 {
			return engine.BuildResult{}, fmt.Errorf("build exited %d: %s", res.ExitCode, tail(res.Combined, 2048))
		}
	}
	fs := b.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	seen := map[string]bool{}
	var artifacts []string
	for _, pattern := range b.Globs {
		matches, err := afero.Glob(fs, filepath.Join(workspace, pattern))
		if err != nil {
			return engine.BuildResult{}, fmt.Errorf("artifact glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			rel, err := filepath.Rel(workspace, m)
			if err != nil || seen[rel] {
				continue
			}
			seen[rel] = true
			artifacts = append(artifacts, filepath.ToSlash(rel))
		}
	}
	sort.Strings(artifacts)
	if log == "" {
		log = fmt.Sprintf("no build command; %d artifacts collected", len(artifacts))
	}
	return engine.BuildResult{Artifacts: artifacts, Log: log}, nil
}
