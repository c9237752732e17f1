// Package kernels provides stationary covariance functions for the
// Gaussian-process surrogate.
package kernels

import (
	"fmt"
	"math"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error

	// Clone returns an independent copy of the kernel.
	Clone() Kernel
}

// Names accepted by ByName.
const (
	NameMatern52 = "matern52"
	NameRBF      = "rbf"
)

// ByName returns a kernel with unit length scale and signal variance. An
// empty name selects Matérn 5/2.
func ByName(name string) (Kernel, error) {
	switch name {
	case "", NameMatern52:
		return NewMatern52Kernel(1.0, 1.0), nil
	case NameRBF:
		return NewRBFKernel(1.0, 1.0), nil
	default:
		return nil, fmt.Errorf("unknown kernel %q (want %s or %s)", name, NameMatern52, NameRBF)
	}
}

// stationary holds the two hyperparameters shared by RBF and Matérn:
// a length scale and a constant signal variance factor.
type stationary struct {
	lengthScale float64
	signalVar   float64
}

func newStationary(lengthScale, signalVar float64) stationary {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return stationary{lengthScale: lengthScale, signalVar: signalVar}
}

// Hyperparameters returns [lengthScale, signalVar].
func (s *stationary) Hyperparameters() []float64 {
	return []float64{s.lengthScale, s.signalVar}
}

// SetHyperparameters sets [lengthScale, signalVar].
func (s *stationary) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	s.lengthScale = params[0]
	s.signalVar = params[1]
	return nil
}

func distance(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq)
}

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct {
	stationary
}

// NewRBFKernel creates a new RBF kernel. It panics on non-positive arguments.
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	return &RBFKernel{stationary: newStationary(lengthScale, signalVar)}
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	r := distance(x1, x2) / k.lengthScale
	return k.signalVar * math.Exp(-0.5*r*r)
}

// Clone returns a copy of the kernel.
func (k *RBFKernel) Clone() Kernel {
	c := *k
	return &c
}

// Matern52Kernel implements the Matérn kernel with ν = 5/2 scaled by a
// constant signal variance, i.e. Constant × Matérn(2.5).
type Matern52Kernel struct {
	stationary
}

// NewMatern52Kernel creates a new Matérn 5/2 kernel. It panics on
// non-positive arguments.
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	return &Matern52Kernel{stationary: newStationary(lengthScale, signalVar)}
}

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5) * distance(x1, x2) / k.lengthScale
	return k.signalVar * (1.0 + r + r*r/3.0) * math.Exp(-r)
}

// Clone returns a copy of the kernel.
func (k *Matern52Kernel) Clone() Kernel {
	c := *k
	return &c
}
