package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// StaticPreviewer publishes a run workspace under BaseURL/<project>/<run>/.
// The API server serves that path from the runs directory.
type StaticPreviewer struct {
	BaseURL string

	mu   sync.Mutex
	urls map[string]string
}

func (p *StaticPreviewer) Start(_ context.Context, projectID, runID, _ string) (string, error) {
	if p.BaseURL == "" {
		return "", fmt.Errorf("preview base url not configured")
	}
	u := strings.TrimRight(p.BaseURL, "/") + "/" + url.PathEscape(projectID) + "/" + url.PathEscape(runID) + "/"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.urls == nil {
		p.urls = make(map[string]string)
	}
	p.urls[runID] = u
	return u, nil
}

func (p *StaticPreviewer) PreviewURL(_ context.Context, runID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.urls[runID]
	return u, ok
}

// SnapshotEvaluator fetches the preview and stores the response body as the
// run's snapshot; the returned reference is a file URI.
type SnapshotEvaluator struct {
	Client *http.Client
	Fs     afero.Fs
	Dir    string
}

func (e SnapshotEvaluator) Evaluate(ctx context.Context, projectID, runID, previewURL string) (string, error) {
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, previewURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch preview: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("preview returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	fs := e.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := filepath.Join(e.Dir, projectID)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, runID+".html")
	if err := afero.WriteFile(fs, path, body, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}
