package server

import (
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/scorer"
)

type CreateProjectRequest struct {
	ID          string `json:"id" minLength:"1" pattern:"^[^/\\\\]+$" example:"shop"`
	Description string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	ID              string   `json:"id,omitempty"`
	GoalID          string   `json:"goal_id,omitempty"`
	Title           string   `json:"title" minLength:"1" example:"Add checkout page"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status,omitempty" enum:"planned,ready,in_progress,done,canceled"`
	Priority        int      `json:"priority,omitempty" minimum:"0" maximum:"10"`
	EstimateMinutes int      `json:"estimate_minutes,omitempty" minimum:"0"`
	Complexity      int      `json:"complexity,omitempty" minimum:"0" maximum:"10"`
	Urgency         int      `json:"urgency,omitempty" minimum:"0" maximum:"10"`
	DependsOn       []string `json:"depends_on,omitempty"`
}

type CreateGoalRequest struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title" minLength:"1"`
	Urgency float64 `json:"urgency,omitempty" minimum:"0" maximum:"1"`
	Impact  float64 `json:"impact,omitempty" minimum:"0" maximum:"1"`
	Unblock float64 `json:"unblock,omitempty" minimum:"0" maximum:"1"`
	Risk    float64 `json:"risk,omitempty" minimum:"0" maximum:"1"`
	Cost    float64 `json:"cost,omitempty" minimum:"0" maximum:"1"`
}

type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

type BudgetRequest struct {
	Tokens int64   `json:"tokens" minimum:"0"`
	USD    float64 `json:"usd" minimum:"0"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"retry,complete"`
}

type ActionRequest struct {
	Action string `json:"action" minLength:"1" example:"rerun lint"`
}

type EnsureRunResponse struct {
	Run     domain.Run `json:"run"`
	Created bool       `json:"created"`
}

type ActionResponse struct {
	Allowed           bool    `json:"allowed"`
	Recent            int     `json:"recent"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

type ProofTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type RankedTasksResponse struct {
	Weights scorer.Weights  `json:"weights"`
	Items   []scorer.Scored `json:"items"`
}

type RankedGoalsResponse struct {
	Items []engine.RankedGoal `json:"items"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func itemsOrEmpty[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}
