// Package scorer ranks candidate tasks and goals with weighted heuristics.
package scorer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Weights are the relative contributions of the five task factors.
type Weights struct {
	Priority     float64 `json:"priority" yaml:"priority"`
	Dependencies float64 `json:"dependencies" yaml:"dependencies"`
	Duration     float64 `json:"duration" yaml:"duration"`
	Complexity   float64 `json:"complexity" yaml:"complexity"`
	Urgency      float64 `json:"urgency" yaml:"urgency"`
}

// DefaultWeights sum to one.
func DefaultWeights() Weights {
	return Weights{Priority: 0.30, Dependencies: 0.20, Duration: 0.15, Complexity: 0.15, Urgency: 0.20}
}

func (w Weights) Sum() float64 {
	return w.Priority + w.Dependencies + w.Duration + w.Complexity + w.Urgency
}

func (w Weights) Validate() error {
	for name, v := range w.byFactor() {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s must be a non-negative number", name)
		}
	}
	if w.Sum() == 0 {
		return errors.New("weights must not all be zero")
	}
	return nil
}

// Factor names used by Adapt's performance map.
const (
	FactorPriority     = "priority"
	FactorDependencies = "dependencies"
	FactorDuration     = "duration"
	FactorComplexity   = "complexity"
	FactorUrgency      = "urgency"
)

func (w Weights) byFactor() map[string]float64 {
	return map[string]float64{
		FactorPriority:     w.Priority,
		FactorDependencies: w.Dependencies,
		FactorDuration:     w.Duration,
		FactorComplexity:   w.Complexity,
		FactorUrgency:      w.Urgency,
	}
}

// Candidate is a selectable task reduced to its scoring inputs.
type Candidate struct {
	ID              string `json:"id"`
	Title           string `json:"title,omitempty"`
	Priority        int    `json:"priority"`
	Dependencies    int    `json:"dependencies"`
	EstimateMinutes int    `json:"estimate_minutes"`
	Complexity      int    `json:"complexity"`
	Urgency         int    `json:"urgency"`
}

// Breakdown holds the per-factor sub-scores in [0,1].
type Breakdown struct {
	Priority     float64 `json:"priority"`
	Dependencies float64 `json:"dependencies"`
	Duration     float64 `json:"duration"`
	Complexity   float64 `json:"complexity"`
	Urgency      float64 `json:"urgency"`
}

type Scored struct {
	Candidate
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func priorityScore(p int) float64 {
	return clamp01(float64(p) / 10)
}

func dependencyScore(n int) float64 {
	switch {
	case n <= 0:
		return 1.0
	case n <= 2:
		return 0.8
	case n <= 5:
		return 0.6
	default:
		return 0.4
	}
}

func durationScore(minutes int) float64 {
	switch {
	case minutes <= 30:
		return 1.0
	case minutes <= 60:
		return 0.8
	case minutes <= 120:
		return 0.6
	case minutes <= 240:
		return 0.4
	default:
		return 0.2
	}
}

func complexityScore(c int) float64 {
	return clamp01(float64(10-c) / 10)
}

func urgencyScore(u int) float64 {
	return clamp01(float64(u) / 10)
}

// Score computes the weighted score of a single candidate.
func Score(c Candidate, w Weights) Scored {
	b := Breakdown{
		Priority:     priorityScore(c.Priority),
		Dependencies: dependencyScore(c.Dependencies),
		Duration:     durationScore(c.EstimateMinutes),
		Complexity:   complexityScore(c.Complexity),
		Urgency:      urgencyScore(c.Urgency),
	}
	total := w.Priority*b.Priority +
		w.Dependencies*b.Dependencies +
		w.Duration*b.Duration +
		w.Complexity*b.Complexity +
		w.Urgency*b.Urgency
	return Scored{Candidate: c, Score: total, Breakdown: b}
}

// Rank scores all candidates and sorts them by descending score.
// Ties keep input order.
func Rank(cands []Candidate, w Weights) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		out = append(out, Score(c, w))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TopN returns at most n of the best ranked candidates.
func TopN(cands []Candidate, w Weights, n int) []Scored {
	ranked := Rank(cands, w)
	if n >= 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// Adapt rescales each weight by its observed performance ratio, renormalises
// to a sum of one and clamps every weight to [0.1, 0.5]. Missing factors keep
// a ratio of one.
func Adapt(w Weights, performance map[string]float64) Weights {
	ratio := func(name string) float64 {
		if v, ok := performance[name]; ok && v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
		return 1
	}
	raw := Weights{
		Priority:     w.Priority * ratio(FactorPriority),
		Dependencies: w.Dependencies * ratio(FactorDependencies),
		Duration:     w.Duration * ratio(FactorDuration),
		Complexity:   w.Complexity * ratio(FactorComplexity),
		Urgency:      w.Urgency * ratio(FactorUrgency),
	}
	sum := raw.Sum()
	if sum <= 0 {
		return w
	}
	adj := func(v float64) float64 {
		return math.Max(0.1, math.Min(0.5, v/sum))
	}
	return Weights{
		Priority:     adj(raw.Priority),
		Dependencies: adj(raw.Dependencies),
		Duration:     adj(raw.Duration),
		Complexity:   adj(raw.Complexity),
		Urgency:      adj(raw.Urgency),
	}
}

// GoalInput carries the goal factors, each expected on a 0-10 scale.
type GoalInput struct {
	ID        string
	Urgency   float64
	Impact    float64
	Unblock   float64
	Risk      float64
	Cost      float64
	CreatedAt time.Time
}

// ScoreGoal combines the goal factors additively on a 0-100 scale, adds up to
// ten points for age and floors the result at zero.
func ScoreGoal(g GoalInput, now time.Time) float64 {
	base := 0.35*g.Urgency + 0.25*g.Impact + 0.20*g.Unblock - 0.10*g.Risk - 0.10*g.Cost
	ageDays := 0.0
	if !g.CreatedAt.IsZero() && now.After(g.CreatedAt) {
		ageDays = now.Sub(g.CreatedAt).Hours() / 24
	}
	score := base*10 + math.Min(ageDays, 30)/3
	return math.Max(0, score)
}
