package bayesian

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/kernels"
	"github.com/kscalelabs/gaintune/internal/sim"
	"github.com/kscalelabs/gaintune/internal/sim/pdbalance"
)

func gainSpace() optimization.Space {
	return optimization.Space{
		{Name: "gains.kp_scale", MinVal: 0, MaxVal: 1},
		{Name: "gains.kd_scale", MinVal: 1, MaxVal: 70},
	}
}

func unitSpace() optimization.Space {
	return optimization.Space{
		{Name: "x", MinVal: 0, MaxVal: 1},
		{Name: "y", MinVal: 0, MaxVal: 1},
	}
}

func constant(v float64) optimization.Objective {
	return optimization.ObjectiveFunc(func(context.Context, map[string]float64) float64 {
		return v
	})
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func TestNewOptimizerValidation(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "empty parameter list",
			config: Config{Objective: constant(0)},
		},
		{
			name: "min equals max",
			config: Config{
				Objective:  constant(0),
				Parameters: optimization.Space{{Name: "a", MinVal: 1, MaxVal: 1}},
			},
		},
		{
			name: "min above max",
			config: Config{
				Objective:  constant(0),
				Parameters: optimization.Space{{Name: "a", MinVal: 2, MaxVal: 1}},
			},
		},
		{
			name: "duplicate names",
			config: Config{
				Objective: constant(0),
				Parameters: optimization.Space{
					{Name: "a", MinVal: 0, MaxVal: 1},
					{Name: "a", MinVal: 0, MaxVal: 2},
				},
			},
		},
		{
			name: "non-finite bound",
			config: Config{
				Objective:  constant(0),
				Parameters: optimization.Space{{Name: "a", MinVal: nan, MaxVal: 1}},
			},
		},
		{
			name: "negative iterations",
			config: Config{
				Objective:   constant(0),
				Parameters:  unitSpace(),
				NIterations: -1,
			},
		},
		{
			name:   "no objective and no simulator",
			config: Config{Parameters: unitSpace()},
		},
		{
			name: "misspelled simulator field",
			config: Config{
				BaseConfig: envcfg.Default(),
				EnvFactory: pdbalance.New,
				Parameters: optimization.Space{
					{Name: "gains.kp_sclae", MinVal: 0.003, MaxVal: 1},
					{Name: "gains.kd_scale", MinVal: 1, MaxVal: 70},
				},
			},
		},
		{
			name: "unknown kernel",
			config: Config{
				Objective:  constant(0),
				Parameters: unitSpace(),
				Kernel:     "periodic",
			},
		},
		{
			name: "parameter names a section",
			config: Config{
				BaseConfig: envcfg.Default(),
				EnvFactory: pdbalance.New,
				Parameters: optimization.Space{{Name: "gains", MinVal: 0, MaxVal: 1}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bo, err := NewOptimizer(tt.config)
			require.Error(t, err)
			assert.Nil(t, bo)
			assert.ErrorIs(t, err, optimization.ErrInvalidConfig)

			oe, ok := optimization.IsOptimizationError(err)
			require.True(t, ok)
			assert.Equal(t, "NewOptimizer", oe.Op)
		})
	}
}

func TestNewOptimizerDefaults(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters: gainSpace(),
		BaseConfig: envcfg.Default(),
		EnvFactory: pdbalance.New,
	})
	require.NoError(t, err)

	cfg := bo.Config()
	assert.Equal(t, DefaultInitialPoints, cfg.NInitialPoints)
	assert.Equal(t, DefaultEpisodes, cfg.NEpisodes)
	assert.Equal(t, DefaultCandidates, cfg.Candidates)
	assert.Equal(t, DefaultPatience, cfg.Patience)
	assert.Equal(t, DefaultRestarts, cfg.Restarts)
	assert.NotZero(t, cfg.RandomSeed)
	assert.Equal(t, 0, cfg.NIterations)
	assert.Equal(t, StateUninitialized, bo.State())
	assert.Nil(t, bo.GetBestSolution())
}

func TestOptimizeInitialPointsOnly(t *testing.T) {
	base := envcfg.Default()
	require.NoError(t, base.Set("env.num_joints", 4))

	bo, err := NewOptimizer(Config{
		BaseConfig:     base,
		EnvFactory:     pdbalance.New,
		Parameters:     gainSpace(),
		NInitialPoints: 3,
		NIterations:    0,
		NEpisodes:      2,
		RandomSeed:     11,
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, result.History, 3)
	assert.Equal(t, 0, result.Iterations)
	assert.False(t, result.EarlyStopped)
	assert.Equal(t, StateDone, bo.State())

	best := argmax(result.History)
	assert.Equal(t, result.History[best], result.BestScore)
	assert.Equal(t, result.Evaluations[best].Solution.Params, result.BestParams)

	require.Len(t, result.BestParams, 2)
	kp, kd := result.BestParams["gains.kp_scale"], result.BestParams["gains.kd_scale"]
	assert.GreaterOrEqual(t, kp, 0.0)
	assert.LessOrEqual(t, kp, 1.0)
	assert.GreaterOrEqual(t, kd, 1.0)
	assert.LessOrEqual(t, kd, 70.0)

	// The base configuration is never modified by evaluations.
	v, err := base.Float("gains.kp_scale")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestOptimizeHistoryAndBounds(t *testing.T) {
	space := gainSpace()
	bo, err := NewOptimizer(Config{
		Parameters:     space,
		NInitialPoints: 4,
		NIterations:    8,
		Patience:       100,
		Candidates:     200,
		Restarts:       2,
		RandomSeed:     5,
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			return math.Sin(3*p["gains.kp_scale"]) - math.Abs(p["gains.kd_scale"]-20)/70
		}),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, result.History, 12)
	require.Len(t, result.Evaluations, 12)
	assert.Equal(t, 8, result.Iterations)

	for i, eval := range result.Evaluations {
		assert.Equal(t, i, eval.Iteration)
		assert.Equal(t, result.History[i], eval.Solution.Score)
		assert.True(t, space.Contains(eval.Solution.Vector), "evaluation %d out of bounds: %v", i, eval.Solution.Vector)
		if i < 4 {
			assert.Equal(t, optimization.PhaseInitial, eval.Phase)
		} else {
			assert.Equal(t, optimization.PhaseGuided, eval.Phase)
		}
	}

	best := argmax(result.History)
	assert.Equal(t, result.History[best], result.BestScore)
	assert.Equal(t, result.Evaluations[best].Solution.Params, result.BestParams)
	assert.Equal(t, result.BestScore, bo.GetBestSolution().Score)
	assert.Len(t, bo.GetHistory(), 12)
}

func TestOptimizeEarlyStopping(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 3,
		NIterations:    50,
		Candidates:     100,
		Restarts:       -1,
		RandomSeed:     1,
		Objective:      constant(1.5),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	assert.True(t, result.EarlyStopped)
	assert.Equal(t, DefaultPatience, result.Iterations)
	assert.Len(t, result.History, 3+DefaultPatience)
	assert.Equal(t, 1.5, result.BestScore)

	// Ties never replace the first best.
	assert.Equal(t, result.Evaluations[0].Solution.Params, result.BestParams)
}

func TestOptimizeCustomPatience(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 2,
		NIterations:    50,
		Patience:       3,
		Candidates:     50,
		Restarts:       -1,
		RandomSeed:     1,
		Objective:      constant(0),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)
	assert.True(t, result.EarlyStopped)
	assert.Len(t, result.History, 5)
}

func TestOptimizeFailingObjective(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 3,
		NIterations:    5,
		Candidates:     50,
		Restarts:       -1,
		RandomSeed:     2,
		Objective:      constant(math.Inf(-1)),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err, "evaluation failures must not abort the run")

	require.Len(t, result.History, 8)
	for _, v := range result.History {
		assert.True(t, math.IsInf(v, -1))
	}
	assert.True(t, math.IsInf(result.BestScore, -1))
	assert.Equal(t, result.Evaluations[0].Solution.Params, result.BestParams)
}

func TestOptimizeWithRBFKernel(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 3,
		NIterations:    2,
		Candidates:     50,
		Restarts:       -1,
		RandomSeed:     8,
		Kernel:         kernels.NameRBF,
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			return -(p["x"] - 0.5) * (p["x"] - 0.5)
		}),
	})
	require.NoError(t, err)
	assert.IsType(t, &kernels.RBFKernel{}, bo.gp.Kernel())

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.History, 5)
}

func TestOptimizeNaNScoreCountsAsFailure(t *testing.T) {
	calls := 0
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 3,
		NIterations:    3,
		Patience:       2,
		Candidates:     50,
		Restarts:       -1,
		RandomSeed:     6,
		Objective: optimization.ObjectiveFunc(func(context.Context, map[string]float64) float64 {
			calls++
			if calls == 1 {
				return math.NaN()
			}
			return float64(calls)
		}),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, result.History, 6)
	assert.True(t, math.IsInf(result.History[0], -1))
	assert.Equal(t, 6.0, result.BestScore)
	assert.False(t, result.EarlyStopped)
	for i, e := range result.Evaluations[1:] {
		assert.True(t, e.Improved, "evaluation %d", i+1)
	}
}

func TestOptimizeAlwaysFailingEnvironment(t *testing.T) {
	base := envcfg.Default()
	bo, err := NewOptimizer(Config{
		BaseConfig:     base,
		EnvFactory:     func(*envcfg.Config) (sim.Environment, error) { return nil, errors.New("simulator unavailable") },
		Parameters:     gainSpace(),
		NInitialPoints: 2,
		NIterations:    1,
		NEpisodes:      1,
		Candidates:     20,
		Restarts:       -1,
		RandomSeed:     3,
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, result.History, 3)
	for _, v := range result.History {
		assert.True(t, math.IsInf(v, -1))
	}
}

func TestOptimizeMixedFailures(t *testing.T) {
	calls := 0
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 4,
		NIterations:    4,
		Patience:       100,
		Candidates:     100,
		Restarts:       -1,
		RandomSeed:     4,
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			calls++
			if calls%2 == 0 {
				return math.Inf(-1)
			}
			return p["x"] + p["y"]
		}),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, result.History, 8)
	assert.False(t, math.IsInf(result.BestScore, 0))
}

func TestTrainingDataSanitizesFailures(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters: optimization.Space{{Name: "a", MinVal: 10, MaxVal: 20}},
		Objective:  constant(0),
		RandomSeed: 1,
	})
	require.NoError(t, err)

	bo.X = [][]float64{{10}, {15}, {20}}
	bo.y = []float64{2, math.Inf(-1), -1}

	X, y, best := bo.trainingData()
	assert.Equal(t, []float64{0, 0.5, 1}, []float64{X.At(0, 0), X.At(1, 0), X.At(2, 0)})
	assert.Equal(t, []float64{2, -1, -1}, y.RawVector().Data)
	assert.Equal(t, 2.0, best)

	bo.y = []float64{math.Inf(-1), math.NaN(), math.Inf(-1)}
	_, y, best = bo.trainingData()
	assert.Equal(t, []float64{0, 0, 0}, y.RawVector().Data)
	assert.Equal(t, 0.0, best)
}

func TestOptimizeConvergesOnUnimodalObjective(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 5,
		NIterations:    25,
		Patience:       25,
		RandomSeed:     7,
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			dx, dy := p["x"]-0.3, p["y"]-0.7
			return -(dx*dx + dy*dy)
		}),
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.3, result.BestParams["x"], 0.15)
	assert.InDelta(t, 0.7, result.BestParams["y"], 0.15)
	assert.Greater(t, result.BestScore, -0.02)
}

func TestOptimizeObserver(t *testing.T) {
	var seen []optimization.Evaluation
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 2,
		NIterations:    3,
		Patience:       10,
		Candidates:     50,
		Restarts:       -1,
		RandomSeed:     9,
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			return p["x"]
		}),
		Observer: func(e optimization.Evaluation) { seen = append(seen, e) },
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, len(result.History))
	for i, e := range seen {
		assert.Equal(t, i, e.Iteration)
		require.NotNil(t, e.Best)
		assert.GreaterOrEqual(t, e.Best.Score, e.Solution.Score)
		if e.Improved {
			assert.Same(t, e.Solution, e.Best)
		}
	}
	assert.True(t, seen[0].Improved)
}

func TestOptimizeCancellation(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		bo, err := NewOptimizer(Config{
			Parameters: unitSpace(),
			Objective:  constant(1),
			RandomSeed: 1,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := bo.Optimize(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, result)
	})

	t.Run("stop from observer", func(t *testing.T) {
		var bo *BayesianOptimizer
		count := 0
		bo, err := NewOptimizer(Config{
			Parameters:     unitSpace(),
			NInitialPoints: 10,
			NIterations:    10,
			Objective:      constant(1),
			RandomSeed:     1,
			Observer: func(optimization.Evaluation) {
				count++
				if count == 2 {
					bo.Stop()
				}
			},
		})
		require.NoError(t, err)

		_, err = bo.Optimize(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, count)
		assert.Len(t, bo.GetHistory(), 2)
		assert.Equal(t, StateDone, bo.State())
	})

	t.Run("stop when idle", func(t *testing.T) {
		bo, err := NewOptimizer(Config{Parameters: unitSpace(), Objective: constant(1), RandomSeed: 1})
		require.NoError(t, err)
		assert.NotPanics(t, bo.Stop)
	})
}

func TestOptimizeRejectsConcurrentRun(t *testing.T) {
	var bo *BayesianOptimizer
	var nestedErr error
	bo, err := NewOptimizer(Config{
		Parameters:     unitSpace(),
		NInitialPoints: 1,
		Objective:      constant(1),
		RandomSeed:     1,
		Observer: func(optimization.Evaluation) {
			_, nestedErr = bo.Optimize(context.Background())
		},
	})
	require.NoError(t, err)

	_, err = bo.Optimize(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrAlreadyRunning)
}

func TestEvaluateDelegatesToObjective(t *testing.T) {
	bo, err := NewOptimizer(Config{
		Parameters: unitSpace(),
		Objective: optimization.ObjectiveFunc(func(_ context.Context, p map[string]float64) float64 {
			return p["x"] * 2
		}),
		RandomSeed: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, bo.Evaluate(context.Background(), map[string]float64{"x": 0.5}))
}
