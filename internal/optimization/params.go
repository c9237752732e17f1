package optimization

import (
	"math"
	"math/rand"
)

// ParamSpec describes one tunable dimension. Name is a dotted path into the
// simulator configuration.
type ParamSpec struct {
	Name   string  `json:"name" yaml:"name"`
	MinVal float64 `json:"min_val" yaml:"min_val"`
	MaxVal float64 `json:"max_val" yaml:"max_val"`
	// InitVal is informational; the search never reads it.
	InitVal *float64 `json:"init_val,omitempty" yaml:"init_val,omitempty"`
}

// Space is an ordered, validated list of parameter specs.
type Space []ParamSpec

// Validate checks that the space is non-empty, names are unique and every
// dimension has finite bounds with MinVal < MaxVal.
func (s Space) Validate() error {
	if len(s) == 0 {
		return InvalidConfigf("parameter list must not be empty").WithComponent("space")
	}
	seen := make(map[string]struct{}, len(s))
	for i, p := range s {
		if p.Name == "" {
			return InvalidConfigf("parameter %d has an empty name", i).WithComponent("space")
		}
		if _, dup := seen[p.Name]; dup {
			return InvalidConfigf("duplicate parameter %q", p.Name).WithComponent("space")
		}
		seen[p.Name] = struct{}{}
		if math.IsNaN(p.MinVal) || math.IsNaN(p.MaxVal) || math.IsInf(p.MinVal, 0) || math.IsInf(p.MaxVal, 0) {
			return InvalidConfigf("parameter %q has non-finite bounds", p.Name).WithComponent("space")
		}
		if p.MinVal >= p.MaxVal {
			return InvalidConfigf("parameter %q: min_val %v must be less than max_val %v",
				p.Name, p.MinVal, p.MaxVal).WithComponent("space")
		}
	}
	return nil
}

// Dims returns the number of dimensions.
func (s Space) Dims() int {
	return len(s)
}

// Sample draws a point uniformly within the bounds of every dimension.
func (s Space) Sample(rng *rand.Rand) []float64 {
	x := make([]float64, len(s))
	s.SampleInto(rng, x)
	return x
}

// SampleInto fills dst with a uniform random point. dst must have length Dims.
func (s Space) SampleInto(rng *rand.Rand, dst []float64) {
	for i, p := range s {
		dst[i] = p.MinVal + rng.Float64()*(p.MaxVal-p.MinVal)
	}
}

// ToParams converts a vector to a name-keyed map.
func (s Space) ToParams(x []float64) map[string]float64 {
	params := make(map[string]float64, len(s))
	for i, p := range s {
		params[p.Name] = x[i]
	}
	return params
}

// ToVector converts a name-keyed map back to a vector in space order.
// Missing names produce NaN.
func (s Space) ToVector(params map[string]float64) []float64 {
	x := make([]float64, len(s))
	for i, p := range s {
		v, ok := params[p.Name]
		if !ok {
			v = math.NaN()
		}
		x[i] = v
	}
	return x
}

// Normalize maps x into the unit cube.
func (s Space) Normalize(x []float64) []float64 {
	u := make([]float64, len(s))
	for i, p := range s {
		u[i] = (x[i] - p.MinVal) / (p.MaxVal - p.MinVal)
	}
	return u
}

// Denormalize maps a unit-cube point u back into the bounds.
func (s Space) Denormalize(u []float64) []float64 {
	x := make([]float64, len(s))
	for i, p := range s {
		x[i] = p.MinVal + u[i]*(p.MaxVal-p.MinVal)
	}
	return x
}

// Contains reports whether every coordinate of x lies within its bounds.
func (s Space) Contains(x []float64) bool {
	if len(x) != len(s) {
		return false
	}
	for i, p := range s {
		if x[i] < p.MinVal || x[i] > p.MaxVal {
			return false
		}
	}
	return true
}
