package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/bayesian"
	"github.com/kscalelabs/gaintune/internal/optimization/kernels"
	"github.com/kscalelabs/gaintune/internal/sim"
)

// Study describes one tuning job: the dimensions to search and the budget.
// Unset counts take the process defaults in FillDefaults; an explicit 0 is
// kept, so n_iterations: 0 runs the initial phase only.
type Study struct {
	Name              string                   `yaml:"name" json:"name"`
	Parameters        []optimization.ParamSpec `yaml:"parameters" json:"parameters"`
	NInitialPoints    *int                     `yaml:"n_initial_points,omitempty" json:"n_initial_points,omitempty"`
	NIterations       *int                     `yaml:"n_iterations,omitempty" json:"n_iterations,omitempty"`
	NEpisodes         *int                     `yaml:"n_episodes,omitempty" json:"n_episodes,omitempty"`
	ExplorationWeight float64                  `yaml:"exploration_weight" json:"exploration_weight"`
	Candidates        *int                     `yaml:"candidates,omitempty" json:"candidates,omitempty"`
	Patience          *int                     `yaml:"patience,omitempty" json:"patience,omitempty"`
	Seed              int64                    `yaml:"seed" json:"seed"`
	// Kernel is the surrogate covariance: matern52 (default) or rbf.
	Kernel string `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	// SimConfig optionally points at a simulator config YAML file.
	SimConfig string `yaml:"sim_config" json:"sim_config"`
	// Overrides are applied to the simulator config before tuning starts.
	Overrides map[string]float64 `yaml:"overrides" json:"overrides"`
}

// DefaultStudy is the PD-gain search over stiffness and damping scales.
func DefaultStudy() *Study {
	return &Study{
		Name: "pd-gains",
		Parameters: []optimization.ParamSpec{
			{Name: "gains.kp_scale", MinVal: 0.003, MaxVal: 1.0, InitVal: floatPtr(0.5)},
			{Name: "gains.kd_scale", MinVal: 1.0, MaxVal: 70.0, InitVal: floatPtr(10.0)},
		},
		NInitialPoints:    intPtr(10),
		NIterations:       intPtr(200),
		NEpisodes:         intPtr(5),
		ExplorationWeight: 0.1,
	}
}

// ParseStudy decodes and validates a YAML study. Unknown fields are
// rejected.
func ParseStudy(data []byte) (*Study, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Study
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse study: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadStudy reads and validates a YAML study file.
func LoadStudy(path string) (*Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read study %s: %w", path, err)
	}
	s, err := ParseStudy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks the parameter space, the kernel and the counts.
func (s *Study) Validate() error {
	if err := s.Space().Validate(); err != nil {
		return err
	}
	if _, err := kernels.ByName(s.Kernel); err != nil {
		return optimization.InvalidConfigf("%v", err).WithComponent("study")
	}
	for name, v := range map[string]*int{
		"n_initial_points": s.NInitialPoints,
		"n_iterations":     s.NIterations,
		"n_episodes":       s.NEpisodes,
		"candidates":       s.Candidates,
		"patience":         s.Patience,
	} {
		if v != nil && *v < 0 {
			return optimization.InvalidConfigf("%s must not be negative, got %d", name, *v).WithComponent("study")
		}
	}
	return nil
}

// Space returns the study parameters as a search space.
func (s *Study) Space() optimization.Space {
	return optimization.Space(s.Parameters)
}

// OptimizerConfig builds optimizer settings for the study. The overrides
// are applied to a copy of base; base itself is not modified. Every
// parameter must name a numeric field of the simulator config.
func (s *Study) OptimizerConfig(base *envcfg.Config, factory sim.Factory) (bayesian.Config, error) {
	cfg := base.Clone()
	if err := cfg.Apply(s.Overrides); err != nil {
		return bayesian.Config{}, optimization.WrapError(err, "invalid study override").WithComponent("study")
	}
	for _, p := range s.Parameters {
		if _, err := cfg.Float(p.Name); err != nil {
			return bayesian.Config{}, optimization.InvalidConfigf("parameter %s: %v", p.Name, err).WithComponent("study")
		}
	}
	return bayesian.Config{
		BaseConfig:        cfg,
		EnvFactory:        factory,
		Parameters:        append(optimization.Space(nil), s.Parameters...),
		NInitialPoints:    intValue(s.NInitialPoints),
		NIterations:       intValue(s.NIterations),
		NEpisodes:         intValue(s.NEpisodes),
		ExplorationWeight: s.ExplorationWeight,
		Candidates:        intValue(s.Candidates),
		Patience:          intValue(s.Patience),
		RandomSeed:        s.Seed,
		Kernel:            s.Kernel,
	}, nil
}

// FillDefaults sets every unset count in s from the process defaults.
func (c *Config) FillDefaults(s *Study) {
	o := c.Optimization
	if s.NInitialPoints == nil {
		s.NInitialPoints = intPtr(o.InitialPoints)
	}
	if s.NIterations == nil {
		s.NIterations = intPtr(o.Iterations)
	}
	if s.NEpisodes == nil {
		s.NEpisodes = intPtr(o.Episodes)
	}
	if s.Candidates == nil {
		s.Candidates = intPtr(o.Candidates)
	}
	if s.Patience == nil {
		s.Patience = intPtr(o.Patience)
	}
	if s.Seed == 0 {
		s.Seed = o.Seed
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

func intPtr(v int) *int {
	return &v
}

// intValue reads an optional count; unset reads as 0, which the optimizer
// treats as its own default where one exists.
func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
