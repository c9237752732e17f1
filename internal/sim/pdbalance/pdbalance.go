// Package pdbalance is a joint-space balance model used as the reference
// environment for gain tuning. Each joint is an unstable inverted-pendulum
// link held by a PD controller whose gains come from the simulator config.
// A link that leaves its angle range or exceeds its velocity limit counts
// as a fall.
package pdbalance

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/sim"
)

// ErrNotReset is returned by Step before the first Reset.
var ErrNotReset = errors.New("pdbalance: environment not reset")

// ErrClosed is returned by Reset and Step after Close.
var ErrClosed = errors.New("pdbalance: environment closed")

// Params are the physical and reward constants read from the config.
type Params struct {
	Dt            float64
	NumJoints     int
	MaxSteps      int
	FallAngle     float64
	MaxVelocity   float64
	StartNoise    float64
	Inertia       float64
	GravityTorque float64
	Kp            float64
	Kd            float64
	ActionScale   float64
	EffortLimit   float64
	TrackingSigma float64
	TorquePenalty float64
	Seed          int64
}

// ParamsFromConfig reads Params from a simulator config. Gains are the
// nominal stiffness and damping multiplied by gains.kp_scale and
// gains.kd_scale; the effort limit is scaled by gains.tau_factor.
func ParamsFromConfig(cfg *envcfg.Config) (Params, error) {
	var p Params
	var err error
	read := func(path string) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = cfg.Float(path)
		return v
	}

	p.Dt = read("sim.dt")
	numJoints := read("env.num_joints")
	episodeSeconds := read("env.episode_length_s")
	p.FallAngle = read("asset.fall_angle")
	p.MaxVelocity = read("asset.max_joint_velocity")
	p.StartNoise = read("asset.start_pos_noise")
	p.Inertia = read("asset.link_inertia")
	p.GravityTorque = read("asset.gravity_torque")
	stiffness := read("control.stiffness")
	damping := read("control.damping")
	p.ActionScale = read("control.action_scale")
	effort := read("control.effort_limit")
	kpScale := read("gains.kp_scale")
	kdScale := read("gains.kd_scale")
	p.TrackingSigma = read("rewards.tracking_sigma")
	p.TorquePenalty = read("rewards.torque_penalty")
	if err != nil {
		return Params{}, err
	}

	p.NumJoints = int(numJoints)
	p.Kp = stiffness * kpScale
	p.Kd = damping * kdScale
	p.EffortLimit = effort * cfg.FloatOr("gains.tau_factor", 1)
	p.Seed = int64(cfg.FloatOr("sim.seed", 0))

	switch {
	case p.Dt <= 0:
		return Params{}, fmt.Errorf("pdbalance: sim.dt must be positive, got %v", p.Dt)
	case p.NumJoints < 1:
		return Params{}, fmt.Errorf("pdbalance: env.num_joints must be positive, got %v", numJoints)
	case p.Inertia <= 0:
		return Params{}, fmt.Errorf("pdbalance: asset.link_inertia must be positive, got %v", p.Inertia)
	case p.TrackingSigma <= 0:
		return Params{}, fmt.Errorf("pdbalance: rewards.tracking_sigma must be positive, got %v", p.TrackingSigma)
	}
	p.MaxSteps = int(math.Round(episodeSeconds / p.Dt))
	if p.MaxSteps < 1 {
		p.MaxSteps = 1
	}
	return p, nil
}

// Env is a sim.Environment over N independent PD-held links.
type Env struct {
	params Params
	rng    *rand.Rand

	q, v   []float64
	steps  int
	ready  bool
	closed bool
}

// New builds an environment from a simulator config. It satisfies
// sim.Factory.
func New(cfg *envcfg.Config) (sim.Environment, error) {
	p, err := ParamsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithParams(p), nil
}

// NewWithParams builds an environment from explicit parameters.
func NewWithParams(p Params) *Env {
	return &Env{
		params: p,
		rng:    rand.New(rand.NewSource(p.Seed)),
		q:      make([]float64, p.NumJoints),
		v:      make([]float64, p.NumJoints),
	}
}

// NumJoints returns the action dimension.
func (e *Env) NumJoints() int {
	return e.params.NumJoints
}

// Reset places every link at a small random offset with zero velocity.
func (e *Env) Reset() ([]float64, error) {
	if e.closed {
		return nil, ErrClosed
	}
	for i := range e.q {
		e.q[i] = (2*e.rng.Float64() - 1) * e.params.StartNoise
		e.v[i] = 0
	}
	e.steps = 0
	e.ready = true
	return e.observation(), nil
}

// Step applies one PD control step toward ActionScale*action and integrates
// the links with semi-implicit Euler.
func (e *Env) Step(action []float64) (sim.StepResult, error) {
	if e.closed {
		return sim.StepResult{}, ErrClosed
	}
	if !e.ready {
		return sim.StepResult{}, ErrNotReset
	}
	if len(action) != e.params.NumJoints {
		return sim.StepResult{}, fmt.Errorf("pdbalance: action has %d entries, want %d",
			len(action), e.params.NumJoints)
	}

	p := e.params
	tracking, effort := 0.0, 0.0
	fell := false
	for i := range e.q {
		target := p.ActionScale * action[i]
		tau := p.Kp*(target-e.q[i]) - p.Kd*e.v[i]
		tau = math.Max(-p.EffortLimit, math.Min(p.EffortLimit, tau))

		accel := (tau + p.GravityTorque*math.Sin(e.q[i])) / p.Inertia
		e.v[i] += accel * p.Dt
		e.q[i] += e.v[i] * p.Dt

		if math.IsNaN(e.q[i]) || math.IsInf(e.q[i], 0) || math.Abs(e.q[i]) > p.FallAngle ||
			math.Abs(e.v[i]) > p.MaxVelocity {
			fell = true
		}
		diff := target - e.q[i]
		tracking += math.Exp(-diff * diff / p.TrackingSigma)
		effort += tau * tau
	}
	n := float64(p.NumJoints)
	reward := p.Dt * (tracking/n - p.TorquePenalty*effort/n)
	if math.IsNaN(reward) {
		reward = 0
	}

	e.steps++
	done := fell || e.steps >= p.MaxSteps
	if done {
		e.ready = false
	}
	return sim.StepResult{
		Observation: e.observation(),
		Reward:      reward,
		Done:        done,
		Info:        map[string]any{sim.InfoFall: fell},
	}, nil
}

// Close releases the environment. It is safe to call more than once.
func (e *Env) Close() error {
	e.closed = true
	return nil
}

func (e *Env) observation() []float64 {
	obs := make([]float64, 0, 2*len(e.q))
	obs = append(obs, e.q...)
	return append(obs, e.v...)
}
