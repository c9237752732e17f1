package optimization

import (
	"context"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of evaluations
	GetHistory() []Evaluation

	// Stop gracefully stops the optimization process
	Stop()
}

// Objective scores a parameter configuration. Implementations absorb their
// own failures and report them as math.Inf(-1).
type Objective interface {
	Evaluate(ctx context.Context, params map[string]float64) float64
}

// ObjectiveFunc adapts a plain function to the Objective interface.
type ObjectiveFunc func(ctx context.Context, params map[string]float64) float64

// Evaluate calls f(ctx, params).
func (f ObjectiveFunc) Evaluate(ctx context.Context, params map[string]float64) float64 {
	return f(ctx, params)
}

// Phase identifies which stage of the search produced an evaluation.
type Phase string

const (
	// PhaseInitial is the uniform random seeding stage.
	PhaseInitial Phase = "initial"
	// PhaseGuided is the surrogate-guided stage.
	PhaseGuided Phase = "guided"
)

// Solution represents a solution in the optimization space
type Solution struct {
	Params map[string]float64
	Vector []float64
	Score  float64
}

// Evaluation represents a single evaluation of the objective function
type Evaluation struct {
	Iteration int
	Phase     Phase
	Solution  *Solution
	// Improved is true when this evaluation became the new best.
	Improved bool
	// Best is the best solution after this evaluation was recorded.
	Best *Solution
}

// Observer is notified after every evaluation. It is called synchronously
// from the optimization loop.
type Observer func(Evaluation)

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestParams map[string]float64
	BestScore  float64
	// History holds one score per evaluation, in evaluation order.
	History     []float64
	Evaluations []Evaluation
	// Iterations is the number of guided rounds actually run.
	Iterations   int
	EarlyStopped bool
}
