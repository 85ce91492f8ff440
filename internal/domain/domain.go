package domain

import (
	"fmt"
	"slices"
	"strings"
)

// RunState is a pipeline stage of a run.
type RunState string

const (
	StateIntake        RunState = "INTAKE"
	StatePlan          RunState = "PLAN"
	StateSelectTask    RunState = "SELECT_TASK"
	StateCodegen       RunState = "CODEGEN"
	StateTest          RunState = "TEST"
	StateBuild         RunState = "BUILD"
	StateDeployPreview RunState = "DEPLOY_PREVIEW"
	StateEval          RunState = "EVAL"
	StateReview        RunState = "REVIEW"
	StateTeardown      RunState = "TEARDOWN"
	StateDone          RunState = "DONE"
	StateFailed        RunState = "FAILED"
)

// States lists every defined run state in pipeline order.
var States = []RunState{
	StateIntake, StatePlan, StateSelectTask, StateCodegen, StateTest, StateBuild,
	StateDeployPreview, StateEval, StateReview, StateTeardown, StateDone, StateFailed,
}

// Valid reports whether s is one of the defined states.
func (s RunState) Valid() bool {
	return slices.Contains(States, s)
}

// Halted reports whether advance must leave a run in s untouched.
func (s RunState) Halted() bool {
	return s == StateReview || s == StateDone || s == StateFailed
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Spend is a token/currency pair used for both caps and running totals.
type Spend struct {
	Tokens int64   `json:"tokens" yaml:"tokens"`
	USD    float64 `json:"usd" yaml:"usd"`
}

// Add returns the component-wise sum.
func (s Spend) Add(o Spend) Spend {
	return Spend{Tokens: s.Tokens + o.Tokens, USD: s.USD + o.USD}
}

// ValidateSegment checks that v can be used as one path segment of the
// content store, run workspaces and preview URLs.
func ValidateSegment(name, v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("invalid %s %q", name, v)
	}
	return nil
}

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"active,paused,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Goal struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Title     string  `json:"title"`
	Status    string  `json:"status" enum:"open,achieved,dropped"`
	Urgency   float64 `json:"urgency"`
	Impact    float64 `json:"impact"`
	Unblock   float64 `json:"unblock"`
	Risk      float64 `json:"risk"`
	Cost      float64 `json:"cost"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	GoalID          *string  `json:"goal_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status" enum:"planned,ready,in_progress,done,canceled"`
	Priority        int      `json:"priority"`
	EstimateMinutes int      `json:"estimate_minutes"`
	Complexity      int      `json:"complexity"`
	Urgency         int      `json:"urgency"`
	DependsOn       []string `json:"depends_on,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// OpenTaskStatuses are the statuses a task may be selected from.
var OpenTaskStatuses = []string{"planned", "ready"}

type Run struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	State              RunState `json:"state"`
	TaskID             *string  `json:"task_id,omitempty"`
	Budget             Spend    `json:"budget"`
	Spent              Spend    `json:"spent"`
	RecentActions      []string `json:"recent_actions,omitempty"`
	PreviewURL         string   `json:"preview_url,omitempty"`
	NextAutoDecisionAt *string  `json:"next_auto_decision_at,omitempty" format:"date-time"`
	AutoDecisionReason string   `json:"auto_decision_reason,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

const (
	AttemptOK      = "ok"
	AttemptBlocked = "blocked"
)

type Attempt struct {
	ID        int64    `json:"id"`
	RunID     string   `json:"run_id"`
	State     RunState `json:"state"`
	Status    string   `json:"status" enum:"ok,blocked"`
	Message   string   `json:"message,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Proof struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
	URI         string `json:"uri,omitempty"`
	ContentKey  string `json:"content_key,omitempty"`
	ContentSize int64  `json:"content_size,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
