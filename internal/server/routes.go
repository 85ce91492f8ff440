package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/guard"
	"forgeline/internal/proof"
	"forgeline/internal/repo"
	"forgeline/internal/scorer"
)

type runPath struct {
	RunID string `path:"run_id"`
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.CreateProject(ctx, input.Body.ID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[domain.Project] `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Project] `json:"body"`
		}{Body: itemsOrEmpty(items)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		b := input.Body
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:              b.ID,
			ProjectID:       input.ProjectID,
			GoalID:          b.GoalID,
			Title:           b.Title,
			Description:     b.Description,
			Status:          b.Status,
			Priority:        b.Priority,
			EstimateMinutes: b.EstimateMinutes,
			Complexity:      b.Complexity,
			Urgency:         b.Urgency,
			DependsOn:       b.DependsOn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"planned,ready,in_progress,done,canceled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body listResponse[domain.Task] `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Task] `json:"body"`
		}{Body: itemsOrEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/ranked",
		Summary:     "Rank open tasks",
		Description: "Scores planned and ready tasks. perf takes comma separated factor=value pairs that re-weight the configured weights.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string   `path:"project_id"`
		Limit     int      `query:"limit"`
		Perf      []string `query:"perf"`
	}) (*struct {
		Body RankedTasksResponse `json:"body"`
	}, error) {
		perf, err := parsePerformance(input.Perf)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"perf": input.Perf})
		}
		items, w, err := e.RankTasks(ctx, input.ProjectID, input.Limit, perf)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []scorer.Scored{}
		}
		return &struct {
			Body RankedTasksResponse `json:"body"`
		}{Body: RankedTasksResponse{Weights: w, Items: items}}, nil
	})
}

// parsePerformance reads factor=value pairs.
func parsePerformance(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid perf entry %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid perf value %q", pair)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

func registerGoals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/goals",
		Summary:       "Create a goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateGoalRequest `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		b := input.Body
		g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
			ID:        b.ID,
			ProjectID: input.ProjectID,
			Title:     b.Title,
			Urgency:   b.Urgency,
			Impact:    b.Impact,
			Unblock:   b.Unblock,
			Risk:      b.Risk,
			Cost:      b.Cost,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-goals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/goals/ranked",
		Summary:     "Rank open goals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body RankedGoalsResponse `json:"body"`
	}, error) {
		items, err := e.RankGoals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []engine.RankedGoal{}
		}
		return &struct {
			Body RankedGoalsResponse `json:"body"`
		}{Body: RankedGoalsResponse{Items: items}}, nil
	})
}

type runOutput struct {
	Body domain.Run `json:"body"`
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ensure-run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs",
		Summary:     "Return the active run of a project, creating one if none is active",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Status int
		Body   EnsureRunResponse `json:"body"`
	}, error) {
		run, created, err := e.EnsureRun(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   EnsureRunResponse `json:"body"`
		}{Status: status, Body: EnsureRunResponse{Run: run, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List runs, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body listResponse[domain.Run] `json:"body"`
	}, error) {
		items, err := e.Repo.ListRuns(ctx, input.ProjectID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Run] `json:"body"`
		}{Body: itemsOrEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/advance",
		Summary:     "Advance a run by one stage",
		Description: "Runs in REVIEW, DONE or FAILED are returned unchanged with no attempt id.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.AdvanceResult `json:"body"`
	}, error) {
		res, err := e.Advance(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AdvanceResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/kill",
		Summary:     "Fail a run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string      `path:"run_id"`
		Body  KillRequest `json:"body,omitempty" required:"false"`
	}) (*runOutput, error) {
		run, err := e.Kill(ctx, input.RunID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-budget",
		Method:      http.MethodPut,
		Path:        "/runs/{run_id}/budget",
		Summary:     "Replace the budget caps of a run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string        `path:"run_id"`
		Body  BudgetRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.SetBudget(ctx, input.RunID, domain.Spend{Tokens: input.Body.Tokens, USD: input.Body.USD})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-auto-decision",
		Method:      http.MethodDelete,
		Path:        "/runs/{run_id}/auto-decision",
		Summary:     "Cancel the pending auto-decision of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := e.CancelAutoDecision(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/decision",
		Summary:     "Resolve a run waiting in REVIEW",
		Description: "retry sends the run back to PLAN, complete moves it to TEARDOWN.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  DecisionRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.Resolve(ctx, input.RunID, input.Body.Decision)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-action",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/actions",
		Summary:     "Record a manual action under the run rate limit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		RunID string        `path:"run_id"`
		Body  ActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		res, err := e.SubmitAction(ctx, input.RunID, input.Body.Action)
		if errors.Is(err, guard.ErrRateLimited) {
			return nil, rateLimitedError(err, res)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: ActionResponse{Allowed: res.Allowed, Recent: res.Recent}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/attempts",
		Summary:     "List the attempts of a run in order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body listResponse[domain.Attempt] `json:"body"`
	}, error) {
		if _, err := e.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Attempt] `json:"body"`
		}{Body: itemsOrEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-proofs",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/proofs",
		Summary:     "List the proofs of a run in write order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Kind  string `query:"kind"`
	}) (*struct {
		Body listResponse[domain.Proof] `json:"body"`
	}, error) {
		if _, err := e.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Proofs.List(ctx, input.RunID, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Proof] `json:"body"`
		}{Body: itemsOrEmpty(items)}, nil
	})
}

func registerProofs(api huma.API, e *engine.Engine) {
	type proofPath struct {
		ProofID string `path:"proof_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-proof",
		Method:      http.MethodGet,
		Path:        "/proofs/{proof_id}",
		Summary:     "Get proof metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body domain.Proof `json:"body"`
	}, error) {
		p, err := e.Proofs.Get(ctx, input.ProofID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proof `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-proof-token",
		Method:        http.MethodPost,
		Path:          "/proofs/{proof_id}/token",
		Summary:       "Issue a short-lived content token for a proof",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proofPath) (*struct {
		Body ProofTokenResponse `json:"body"`
	}, error) {
		tok, exp, err := e.IssueProofToken(ctx, input.ProofID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofTokenResponse `json:"body"`
		}{Body: ProofTokenResponse{Token: tok, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proof-content",
		Method:      http.MethodGet,
		Path:        "/proofs/{proof_id}/content",
		Summary:     "Download proof content",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProofID string `path:"proof_id"`
		Token   string `query:"token"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		p, body, err := e.ProofContent(ctx, input.ProofID, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: contentType(p), Body: body}, nil
	})
}

func contentType(p domain.Proof) string {
	switch p.Kind {
	case proof.KindDiff, proof.KindLog, proof.KindBuildLog, proof.KindTestResult,
		proof.KindAutoDecision, proof.KindReflection:
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
