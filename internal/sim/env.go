// Package sim defines the boundary between the tuner and a simulated robot
// environment.
package sim

import (
	"strings"

	"github.com/kscalelabs/gaintune/internal/envcfg"
)

// InfoFall is the Info key an environment sets when the robot fell or the
// simulation became unstable.
const InfoFall = "fall"

// StepResult is the outcome of one environment step.
type StepResult struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Fell reports whether the step flagged a fall.
func (r StepResult) Fell() bool {
	return Truthy(r.Info[InfoFall])
}

// Environment is a simulated robot that can be reset and stepped with joint
// actions. An Environment is used by a single goroutine and must be closed.
type Environment interface {
	Reset() ([]float64, error)
	Step(action []float64) (StepResult, error)
	Close() error
	NumJoints() int
}

// Factory builds a fresh environment from a simulator configuration.
type Factory func(cfg *envcfg.Config) (Environment, error)

// Truthy interprets boolean-like info values: bools, non-zero numbers and
// the strings "true", "1" and "yes".
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true
		}
		return false
	default:
		return false
	}
}
