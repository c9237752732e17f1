package bayesian

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/metrics"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/acquisition"
	"github.com/kscalelabs/gaintune/internal/optimization/kernels"
	"github.com/kscalelabs/gaintune/internal/rollout"
	"github.com/kscalelabs/gaintune/internal/sim"
)

// Defaults applied by NewOptimizer to unset fields.
const (
	DefaultInitialPoints = 10
	DefaultEpisodes      = 5
	DefaultCandidates    = 1000
	DefaultPatience      = 10
	DefaultRestarts      = 10

	// noiseVar is the observation noise added to the kernel diagonal.
	noiseVar = 1e-6
)

// ErrAlreadyRunning is returned when Optimize is called on an optimizer
// whose previous run has not returned yet.
var ErrAlreadyRunning = errors.New("optimization already running")

// State is the lifecycle stage of an optimizer.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitialSampling State = "initial_sampling"
	StateGuidedSearch    State = "model_guided_search"
	StateDone            State = "done"
)

// Config configures a BayesianOptimizer.
type Config struct {
	// BaseConfig is the simulator configuration every evaluation starts
	// from. It is never modified.
	BaseConfig *envcfg.Config
	// EnvFactory builds one environment per evaluation.
	EnvFactory sim.Factory
	// Parameters are the dimensions searched, addressed by dotted path.
	Parameters optimization.Space

	NInitialPoints int
	NIterations    int
	NEpisodes      int
	// ExplorationWeight is accepted for compatibility; the acquisition
	// margin is fixed at acquisition.DefaultXi.
	ExplorationWeight float64

	// Candidates is the number of random points scored by the acquisition
	// function per round.
	Candidates int
	// Patience is the number of consecutive guided rounds without strict
	// improvement after which the search stops.
	Patience int
	// Restarts is the number of random restarts of the kernel
	// hyperparameter search. Zero selects DefaultRestarts; negative keeps
	// the kernel fixed.
	Restarts int
	// RandomSeed seeds sampling. Zero uses the current time.
	RandomSeed int64
	// Kernel names the surrogate covariance (kernels.NameMatern52 or
	// kernels.NameRBF). Empty selects Matérn 5/2.
	Kernel string

	// Objective overrides the simulator rollout objective.
	Objective optimization.Objective
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Observer  optimization.Observer
}

// BayesianOptimizer maximises an objective over a bounded box with a
// Gaussian process surrogate and expected improvement.
type BayesianOptimizer struct {
	config    Config
	space     optimization.Space
	objective optimization.Objective

	gp          *GP
	acquisition *acquisition.ExpectedImprovement
	pool        *MatrixPool
	rng         *rand.Rand
	logger      *zap.Logger

	mu            sync.RWMutex
	state         State
	X             [][]float64
	y             []float64
	history       []optimization.Evaluation
	bestSolution  *optimization.Solution
	noImprovement int
	running       bool
	cancel        context.CancelFunc
}

var _ optimization.Optimizer = (*BayesianOptimizer)(nil)

// NewOptimizer validates cfg, applies defaults and returns an optimizer
// ready to run.
func NewOptimizer(cfg Config) (*BayesianOptimizer, error) {
	const op = "NewOptimizer"

	if err := cfg.Parameters.Validate(); err != nil {
		var oe *optimization.Error
		if errors.As(err, &oe) {
			return nil, oe.WithOperation(op)
		}
		return nil, err
	}
	if cfg.NIterations < 0 {
		return nil, optimization.InvalidConfigf("n_iterations must not be negative, got %d", cfg.NIterations).
			WithComponent("optimizer").WithOperation(op)
	}
	kernel, err := kernels.ByName(cfg.Kernel)
	if err != nil {
		return nil, optimization.InvalidConfigf("%v", err).WithComponent("optimizer").WithOperation(op)
	}
	if cfg.NInitialPoints < 1 {
		cfg.NInitialPoints = DefaultInitialPoints
	}
	if cfg.NEpisodes < 1 {
		cfg.NEpisodes = DefaultEpisodes
	}
	if cfg.Candidates < 1 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.Patience < 1 {
		cfg.Patience = DefaultPatience
	}
	if cfg.Restarts == 0 {
		cfg.Restarts = DefaultRestarts
	}
	if cfg.RandomSeed == 0 {
		cfg.RandomSeed = time.Now().UnixNano()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bayesian")

	objective := cfg.Objective
	if objective == nil {
		evaluator, err := rollout.NewEvaluator(cfg.BaseConfig, cfg.EnvFactory, cfg.NEpisodes,
			rollout.WithLogger(logger), rollout.WithMetrics(cfg.Metrics))
		if err != nil {
			var oe *optimization.Error
			if errors.As(err, &oe) {
				return nil, oe.WithOperation(op)
			}
			return nil, err
		}
		if err := checkParameterPaths(cfg.BaseConfig, cfg.Parameters); err != nil {
			return nil, err.WithOperation(op)
		}
		objective = evaluator
	}

	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	gp := NewGP(
		kernel,
		noiseVar,
		WithGPLogger(logger),
		WithNormalizeY(true),
		WithRestarts(cfg.Restarts, rand.New(rand.NewSource(cfg.RandomSeed+1))),
	)

	return &BayesianOptimizer{
		config:      cfg,
		space:       append(optimization.Space(nil), cfg.Parameters...),
		objective:   objective,
		gp:          gp,
		acquisition: acquisition.NewExpectedImprovement(math.Inf(-1), acquisition.DefaultXi),
		pool:        NewMatrixPool(),
		rng:         rng,
		logger:      logger,
		state:       StateUninitialized,
	}, nil
}

// checkParameterPaths requires every parameter to name a numeric field of
// base.
func checkParameterPaths(base *envcfg.Config, space optimization.Space) *optimization.Error {
	for _, p := range space {
		if _, err := base.Float(p.Name); err != nil {
			return optimization.InvalidConfigf("parameter %s does not name a numeric simulator setting: %v", p.Name, err).
				WithComponent("optimizer")
		}
	}
	return nil
}

// Config returns the effective configuration, with defaults applied.
func (bo *BayesianOptimizer) Config() Config {
	return bo.config
}

// Evaluate scores one parameter configuration with the optimizer's
// objective. Failures score -Inf.
func (bo *BayesianOptimizer) Evaluate(ctx context.Context, params map[string]float64) float64 {
	return bo.objective.Evaluate(ctx, params)
}

// Optimize runs the initial random phase followed by up to NIterations
// surrogate-guided rounds. Evaluation failures never abort the run; a
// cancelled ctx or Stop does, returning the context error.
func (bo *BayesianOptimizer) Optimize(ctx context.Context) (*optimization.OptimizationResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bo.mu.Lock()
	if bo.running {
		bo.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	bo.running = true
	bo.cancel = cancel
	bo.X = bo.X[:0]
	bo.y = bo.y[:0]
	bo.history = make([]optimization.Evaluation, 0, bo.config.NInitialPoints+bo.config.NIterations)
	bo.bestSolution = nil
	bo.noImprovement = 0
	bo.state = StateInitialSampling
	bo.mu.Unlock()

	defer func() {
		bo.mu.Lock()
		bo.running = false
		bo.cancel = nil
		bo.state = StateDone
		bo.mu.Unlock()
	}()

	bo.logger.Info("Starting Bayesian optimization",
		zap.Int("dims", bo.space.Dims()),
		zap.Int("initial_points", bo.config.NInitialPoints),
		zap.Int("iterations", bo.config.NIterations),
		zap.Int64("seed", bo.config.RandomSeed),
	)

	for i := 0; i < bo.config.NInitialPoints; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bo.evaluateAndRecord(ctx, bo.space.Sample(bo.rng), optimization.PhaseInitial)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bo.mu.Lock()
	bo.state = StateGuidedSearch
	bo.noImprovement = 0
	bo.mu.Unlock()

	rounds, earlyStopped := 0, false
	for rounds < bo.config.NIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x, err := bo.propose()
		if err != nil {
			bo.logger.Warn("Surrogate proposal failed, sampling at random", zap.Error(err))
			x = bo.space.Sample(bo.rng)
		}
		rounds++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !bo.evaluateAndRecord(ctx, x, optimization.PhaseGuided) && bo.stalled() {
			earlyStopped = true
			bo.logger.Info("Stopping early",
				zap.Int("rounds_without_improvement", bo.config.Patience),
				zap.Int("round", rounds),
			)
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bo.mu.RLock()
	defer bo.mu.RUnlock()

	result := &optimization.OptimizationResult{
		BestParams:   copyParams(bo.bestSolution.Params),
		BestScore:    bo.bestSolution.Score,
		History:      append([]float64(nil), bo.y...),
		Evaluations:  append([]optimization.Evaluation(nil), bo.history...),
		Iterations:   rounds,
		EarlyStopped: earlyStopped,
	}
	bo.logger.Info("Optimization complete",
		zap.Any("best_params", result.BestParams),
		zap.Float64("best_score", result.BestScore),
		zap.Int("evaluations", len(result.History)),
	)
	return result, nil
}

// evaluateAndRecord scores x, appends it to the observation set and
// updates the best-so-far record. It reports whether x strictly improved
// on the best score.
func (bo *BayesianOptimizer) evaluateAndRecord(ctx context.Context, x []float64, phase optimization.Phase) bool {
	params := bo.space.ToParams(x)
	score := bo.objective.Evaluate(ctx, params)
	if math.IsNaN(score) {
		score = math.Inf(-1)
	}

	bo.mu.Lock()
	sol := &optimization.Solution{Params: params, Vector: x, Score: score}
	improved := bo.bestSolution == nil || score > bo.bestSolution.Score
	if improved {
		bo.bestSolution = sol
		bo.noImprovement = 0
	} else {
		bo.noImprovement++
	}
	bo.X = append(bo.X, x)
	bo.y = append(bo.y, score)
	eval := optimization.Evaluation{
		Iteration: len(bo.history),
		Phase:     phase,
		Solution:  sol,
		Improved:  improved,
		Best:      bo.bestSolution,
	}
	bo.history = append(bo.history, eval)
	bo.mu.Unlock()

	bo.logger.Debug("Evaluated configuration",
		zap.String("phase", string(phase)),
		zap.Int("iteration", eval.Iteration),
		zap.Any("params", params),
		zap.Float64("score", score),
		zap.Float64("best_score", eval.Best.Score),
	)
	if improved && phase == optimization.PhaseGuided {
		bo.logger.Info("New best configuration",
			zap.Any("params", params),
			zap.Float64("score", score),
		)
	}
	if bo.config.Observer != nil {
		bo.config.Observer(eval)
	}
	return improved
}

func (bo *BayesianOptimizer) stalled() bool {
	bo.mu.RLock()
	defer bo.mu.RUnlock()
	return bo.noImprovement >= bo.config.Patience
}

// propose refits the surrogate on every observation and returns the random
// candidate with the highest expected improvement.
func (bo *BayesianOptimizer) propose() ([]float64, error) {
	X, y, best := bo.trainingData()
	if err := bo.gp.Fit(X, y); err != nil {
		return nil, err
	}
	bo.acquisition.UpdateBest(best)

	n, d := bo.config.Candidates, bo.space.Dims()
	candidates := bo.pool.GetDense(n, d)
	defer bo.pool.PutDense(candidates)
	for i := 0; i < n; i++ {
		row := candidates.RawRowView(i)
		for j := range row {
			row[j] = bo.rng.Float64()
		}
	}

	mean, variance, err := bo.gp.Predict(candidates)
	if err != nil {
		return nil, err
	}

	mu, sigma, ei := bo.pool.GetSlice(n), bo.pool.GetSlice(n), bo.pool.GetSlice(n)
	defer func() {
		bo.pool.PutSlice(mu)
		bo.pool.PutSlice(sigma)
		bo.pool.PutSlice(ei)
	}()
	for i := 0; i < n; i++ {
		mu[i] = mean.AtVec(i)
		sigma[i] = math.Sqrt(variance.AtVec(i))
	}
	idx := bo.acquisition.ComputeBatch(ei, mu, sigma)

	x := bo.space.Denormalize(candidates.RawRowView(idx))
	bo.logger.Debug("Proposed candidate",
		zap.Float64s("x", x),
		zap.Float64("expected_improvement", ei[idx]),
		zap.Float64("predicted_mean", mu[idx]),
		zap.Float64("predicted_std", sigma[idx]),
	)
	return x, nil
}

// trainingData returns the observations scaled to the unit cube, with
// non-finite scores replaced by the worst finite score, and the best
// sanitized score.
func (bo *BayesianOptimizer) trainingData() (*mat.Dense, *mat.VecDense, float64) {
	bo.mu.RLock()
	defer bo.mu.RUnlock()

	n, d := len(bo.X), bo.space.Dims()
	X := mat.NewDense(n, d, nil)
	for i, x := range bo.X {
		X.SetRow(i, bo.space.Normalize(x))
	}

	worst, anyFinite := math.Inf(1), false
	for _, v := range bo.y {
		if isFinite(v) {
			anyFinite = true
			worst = math.Min(worst, v)
		}
	}
	if !anyFinite {
		worst = 0
	}

	y := mat.NewVecDense(n, nil)
	best := math.Inf(-1)
	for i, v := range bo.y {
		if !isFinite(v) {
			v = worst
		}
		y.SetVec(i, v)
		best = math.Max(best, v)
	}
	return X, y, best
}

// GetBestSolution returns the best solution found so far, or nil before the
// first evaluation.
func (bo *BayesianOptimizer) GetBestSolution() *optimization.Solution {
	bo.mu.RLock()
	defer bo.mu.RUnlock()
	return bo.bestSolution
}

// GetHistory returns a copy of the evaluations recorded so far.
func (bo *BayesianOptimizer) GetHistory() []optimization.Evaluation {
	bo.mu.RLock()
	defer bo.mu.RUnlock()
	return append([]optimization.Evaluation(nil), bo.history...)
}

// State returns the current lifecycle stage.
func (bo *BayesianOptimizer) State() State {
	bo.mu.RLock()
	defer bo.mu.RUnlock()
	return bo.state
}

// Stop cancels a running optimization. It is a no-op otherwise.
func (bo *BayesianOptimizer) Stop() {
	bo.mu.RLock()
	cancel := bo.cancel
	bo.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copyParams(p map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
