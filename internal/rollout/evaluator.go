// Package rollout scores a parameter configuration by running stochastic
// episodes in a freshly built simulator.
package rollout

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/metrics"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/sim"
)

const (
	// FallPenalty multiplies the reward of an episode that ended in a fall.
	FallPenalty = 0.5
	// StabilityWeight scales the across-episode standard deviation that is
	// subtracted from the mean reward.
	StabilityWeight = 0.1
	// ProbeAmplitude and ProbeFrequency shape the probe action
	// ProbeAmplitude * sin(2*pi*ProbeFrequency*t).
	ProbeAmplitude = 0.5
	ProbeFrequency = 1.0

	dtPath = "sim.dt"
)

// Evaluator implements optimization.Objective over a simulator. It owns a
// read-only base config; every evaluation works on a deep copy.
type Evaluator struct {
	base     *envcfg.Config
	factory  sim.Factory
	episodes int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

var _ optimization.Objective = (*Evaluator)(nil)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger for evaluation failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger.Named("rollout")
		}
	}
}

// WithMetrics records evaluation and episode counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// NewEvaluator creates an evaluator running episodes rollouts per call.
func NewEvaluator(base *envcfg.Config, factory sim.Factory, episodes int, opts ...Option) (*Evaluator, error) {
	const op = "NewEvaluator"
	if base == nil {
		return nil, optimization.InvalidConfigf("base config is required").WithComponent("rollout").WithOperation(op)
	}
	if factory == nil {
		return nil, optimization.InvalidConfigf("environment factory is required").WithComponent("rollout").WithOperation(op)
	}
	if episodes < 1 {
		return nil, optimization.InvalidConfigf("episodes must be positive, got %d", episodes).
			WithComponent("rollout").WithOperation(op)
	}
	e := &Evaluator{
		base:     base,
		factory:  factory,
		episodes: episodes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Episodes returns the number of rollouts per evaluation.
func (e *Evaluator) Episodes() int {
	return e.episodes
}

// Evaluate returns the stability-adjusted mean episode reward for params.
// Any failure, including a panic inside the environment, scores -Inf.
func (e *Evaluator) Evaluate(ctx context.Context, params map[string]float64) float64 {
	start := time.Now()
	score, err := e.evaluate(ctx, params)
	if err == nil && (math.IsNaN(score) || math.IsInf(score, 0)) {
		err = fmt.Errorf("non-finite score %v", score)
	}
	if err != nil {
		e.logger.Warn("Evaluation failed",
			zap.Any("params", params),
			zap.Error(err),
		)
		score = math.Inf(-1)
	}
	e.metrics.ObserveEvaluation(time.Since(start), err != nil)
	return score
}

func (e *Evaluator) evaluate(ctx context.Context, params map[string]float64) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	cfg := e.base.Clone()
	if err := cfg.Apply(params); err != nil {
		return 0, err
	}
	dt, err := cfg.Float(dtPath)
	if err != nil {
		return 0, err
	}

	env, err := e.factory(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to create environment: %w", err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			e.logger.Debug("Closing environment failed", zap.Error(cerr))
		}
	}()

	rewards := make([]float64, 0, e.episodes)
	for i := 0; i < e.episodes; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		reward, err := e.runEpisode(env, dt)
		if err != nil {
			return 0, fmt.Errorf("episode %d: %w", i, err)
		}
		rewards = append(rewards, reward)
	}
	return Score(rewards), nil
}

// runEpisode resets env and steps it with the probe action until done. A
// fall halves the accumulated reward and ends the episode.
func (e *Evaluator) runEpisode(env sim.Environment, dt float64) (float64, error) {
	if _, err := env.Reset(); err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}

	action := make([]float64, env.NumJoints())
	total := 0.0
	for step := 0; ; step++ {
		a := ProbeAction(float64(step) * dt)
		for j := range action {
			action[j] = a
		}

		res, err := env.Step(action)
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", step, err)
		}
		total += res.Reward

		if res.Fell() {
			e.metrics.ObserveEpisode(true)
			return total * FallPenalty, nil
		}
		if res.Done {
			e.metrics.ObserveEpisode(false)
			return total, nil
		}
	}
}

// ProbeAction is the deterministic joint command at simulation time t.
func ProbeAction(t float64) float64 {
	return ProbeAmplitude * math.Sin(2*math.Pi*ProbeFrequency*t)
}

// Score is the mean reward minus StabilityWeight times the population
// standard deviation. An empty batch scores -Inf.
func Score(rewards []float64) float64 {
	if len(rewards) == 0 {
		return math.Inf(-1)
	}
	mean, variance := stat.PopMeanVariance(rewards, nil)
	return mean - StabilityWeight*math.Sqrt(variance)
}

// IsFailure reports whether score marks a failed evaluation.
func IsFailure(score float64) bool {
	return math.IsInf(score, -1) || math.IsNaN(score)
}
