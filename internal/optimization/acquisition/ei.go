package acquisition

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultXi is the improvement margin used when none is configured.
const DefaultXi = 0.01

// ExpectedImprovement implements the Expected Improvement acquisition
// function for maximisation: E[max(0, f(x) - best - xi)].
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Margin that biases proposals toward improvement beyond noise (xi)
	xi float64
}

// NewExpectedImprovement creates a new ExpectedImprovement acquisition function
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{
		bestObserved: bestObserved,
		xi:           xi,
	}
}

// Compute returns the expected improvement for a Gaussian posterior with mean
// mu and standard deviation sigma. It is exactly zero when sigma is zero.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	if !(sigma > 0) {
		return 0
	}

	improvement := mu - ei.bestObserved - ei.xi
	z := improvement / sigma

	// EI = improvement * Φ(z) + sigma * φ(z)
	value := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	return value
}

// ComputeBatch evaluates Compute element-wise into dst and returns the index
// of the first maximum.
func (ei *ExpectedImprovement) ComputeBatch(dst, mu, sigma []float64) int {
	best := -1
	for i := range mu {
		dst[i] = ei.Compute(mu[i], sigma[i])
		if best < 0 || dst[i] > dst[best] {
			best = i
		}
	}
	return best
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// SetXi sets the improvement margin
func (ei *ExpectedImprovement) SetXi(xi float64) {
	ei.xi = xi
}

// Xi returns the improvement margin.
func (ei *ExpectedImprovement) Xi() float64 {
	return ei.xi
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
