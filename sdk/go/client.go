package forgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client is a minimal Forgeline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		BasePath:  "/v1",
		Timeout:   30 * time.Second,
	}
}

type Spend struct {
	Tokens int64   `json:"tokens"`
	USD    float64 `json:"usd"`
}

// Run represents the API run model.
type Run struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	State              string   `json:"state"`
	TaskID             *string  `json:"task_id,omitempty"`
	Budget             Spend    `json:"budget"`
	Spent              Spend    `json:"spent"`
	PreviewURL         string   `json:"preview_url,omitempty"`
	NextAutoDecisionAt *string  `json:"next_auto_decision_at,omitempty"`
	AutoDecisionReason string   `json:"auto_decision_reason,omitempty"`
	RecentActions      []string `json:"recent_actions,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	EstimateMinutes int      `json:"estimate_minutes"`
	Complexity      int      `json:"complexity"`
	Urgency         int      `json:"urgency"`
	DependsOn       []string `json:"depends_on,omitempty"`
}

type NewTask struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	EstimateMinutes int      `json:"estimate_minutes,omitempty"`
	Complexity      int      `json:"complexity,omitempty"`
	Urgency         int      `json:"urgency,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
}

// Proof represents a proof log entry.
type Proof struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
	URI         string `json:"uri,omitempty"`
	ContentSize int64  `json:"content_size,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Event is a bus notification.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Kind      string         `json:"kind"`
	ProjectID string         `json:"project_id"`
	RunID     string         `json:"run_id,omitempty"`
	Summary   string         `json:"summary"`
	Data      map[string]any `json:"data,omitempty"`
}

type AdvanceResult struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	Status    string `json:"status,omitempty"`
	AttemptID int64  `json:"attempt_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is a 429 from the API.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), t, &resp)
	return resp, err
}

// EnsureRun returns the active run of the project, creating one if needed.
func (c *Client) EnsureRun(ctx context.Context) (Run, bool, error) {
	var resp struct {
		Run     Run  `json:"run"`
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), nil, &resp)
	return resp.Run, resp.Created, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// Advance moves the run one stage forward.
func (c *Client) Advance(ctx context.Context, runID string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "advance"), nil, &resp)
	return resp, err
}

// Resolve answers a run parked in REVIEW with "retry" or "complete".
func (c *Client) Resolve(ctx context.Context, runID, decision string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "decision"), map[string]string{"decision": decision}, &resp)
	return resp, err
}

func (c *Client) Kill(ctx context.Context, runID, reason string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "kill"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) SetBudget(ctx context.Context, runID string, caps Spend) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPut, c.runPath(runID, "budget"), caps, &resp)
	return resp, err
}

// SubmitAction records a manual action; see IsRateLimited for rejections.
func (c *Client) SubmitAction(ctx context.Context, runID, action string) error {
	return c.do(ctx, http.MethodPost, c.runPath(runID, "actions"), map[string]string{"action": action}, nil)
}

// Proofs lists the proofs of a run, optionally filtered by kind.
func (c *Client) Proofs(ctx context.Context, runID, kind string) ([]Proof, error) {
	endpoint := c.runPath(runID, "proofs")
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp struct {
		Items []Proof `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ProofContent issues a token and downloads the proof body.
func (c *Client) ProofContent(ctx context.Context, proofID string) ([]byte, error) {
	var tok struct {
		Token string `json:"token"`
	}
	id := url.PathEscape(proofID)
	if err := c.do(ctx, http.MethodPost, "proofs/"+id+"/token", nil, &tok); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "proofs/"+id+"/content?token="+url.QueryEscape(tok.Token), nil, &buf)
	return buf.Bytes(), err
}

// StreamOptions narrows an event stream.
type StreamOptions struct {
	RunID       string
	Kinds       []string
	LastEventID int64
}

// StreamEvents follows the project event stream over a websocket until ctx
// is cancelled or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, opts StreamOptions, fn func(Event) error) error {
	q := url.Values{}
	if c.ProjectID != "" {
		q.Set("project_id", c.ProjectID)
	}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if len(opts.Kinds) > 0 {
		q.Set("kind", strings.Join(opts.Kinds, ","))
	}
	if opts.LastEventID > 0 {
		q.Set("last_event_id", strconv.FormatInt(opts.LastEventID, 10))
	}
	endpoint := c.base() + "/events/ws?" + q.Encode()
	endpoint = "ws" + strings.TrimPrefix(endpoint, "http")
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	for {
		var e Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) runPath(runID, p string) string {
	endpoint := "runs/" + url.PathEscape(runID)
	if p != "" {
		endpoint += "/" + p
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
