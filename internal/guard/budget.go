// Package guard holds the pure admission checks applied before costly or
// user-driven work: the per-run budget and the sliding-window rate limit.
package guard

import (
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

const (
	DimensionTokens = "tokens"
	DimensionUSD    = "usd"
)

// BudgetExceededError names the dimension that would overflow its cap.
type BudgetExceededError struct {
	Dimension string
	Spent     domain.Spend
	Cost      domain.Spend
	Cap       domain.Spend
}

func (e *BudgetExceededError) Error() string {
	switch e.Dimension {
	case DimensionTokens:
		return fmt.Sprintf("budget exceeded: tokens %d + %d > %d", e.Spent.Tokens, e.Cost.Tokens, e.Cap.Tokens)
	default:
		return fmt.Sprintf("budget exceeded: usd %.4f + %.4f > %.4f", e.Spent.USD, e.Cost.USD, e.Cap.USD)
	}
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

type BudgetDecision struct {
	Allowed   bool
	Dimension string
	// Next is the spend after acceptance; equal to the input spend on rejection.
	Next domain.Spend
}

// Err returns nil for an allowed decision.
func (d BudgetDecision) Err(spent, cost, caps domain.Spend) error {
	if d.Allowed {
		return nil
	}
	return &BudgetExceededError{Dimension: d.Dimension, Spent: spent, Cost: cost, Cap: caps}
}

// CheckBudget rejects iff spent+cost exceeds the cap in either dimension.
// Reaching a cap exactly is allowed. Tokens are checked first.
func CheckBudget(spent, cost, caps domain.Spend) BudgetDecision {
	if spent.Tokens+cost.Tokens > caps.Tokens {
		return BudgetDecision{Dimension: DimensionTokens, Next: spent}
	}
	if spent.USD+cost.USD > caps.USD {
		return BudgetDecision{Dimension: DimensionUSD, Next: spent}
	}
	return BudgetDecision{Allowed: true, Next: spent.Add(cost)}
}
