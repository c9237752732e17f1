package bayesian

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/kernels"
)

const (
	// maxJitterAttempts bounds the diagonal-jitter retries in factorize.
	maxJitterAttempts = 8

	// Hyperparameters are searched in log space within these bounds.
	minHyperparameter = 1e-2
	maxHyperparameter = 1e2
)

// GP implements a Gaussian Process model for Bayesian Optimization
type GP struct {
	// Kernel function
	kernel kernels.Kernel
	// prior holds the hyperparameters every search starts from
	prior kernels.Kernel

	// Noise variance added to the kernel diagonal
	noiseVar float64

	// Standardise targets before fitting
	normalizeY bool

	// Random restarts for the marginal-likelihood search; negative disables it
	nRestarts int
	rng       *rand.Rand

	// Training inputs (n_samples, n_features)
	X *mat.Dense

	// Precomputed values
	alpha *mat.VecDense
	chol  *mat.Cholesky
	yMean float64
	yStd  float64

	// Logger for structured logging
	logger *zap.Logger
}

// GPOption configures a GP.
type GPOption func(*GP)

// WithGPLogger sets the logger used by the model.
func WithGPLogger(logger *zap.Logger) GPOption {
	return func(gp *GP) {
		if logger != nil {
			gp.logger = logger.Named("gaussian_process")
		}
	}
}

// WithRestarts enables kernel hyperparameter estimation with n random
// restarts drawn from rng. n < 0 keeps the kernel hyperparameters fixed.
func WithRestarts(n int, rng *rand.Rand) GPOption {
	return func(gp *GP) {
		gp.nRestarts = n
		if rng != nil {
			gp.rng = rng
		}
	}
}

// WithNormalizeY toggles target standardisation.
func WithNormalizeY(normalize bool) GPOption {
	return func(gp *GP) {
		gp.normalizeY = normalize
	}
}

// NewGP creates a new Gaussian Process model. By default targets are
// standardised and hyperparameters stay fixed.
func NewGP(kernel kernels.Kernel, noiseVar float64, opts ...GPOption) *GP {
	gp := &GP{
		kernel:     kernel,
		prior:      kernel.Clone(),
		noiseVar:   noiseVar,
		normalizeY: true,
		nRestarts:  -1,
		rng:        rand.New(rand.NewSource(42)),
		yStd:       1,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(gp)
	}
	return gp
}

// Kernel returns the model's kernel, including any fitted hyperparameters.
func (gp *GP) Kernel() kernels.Kernel {
	return gp.kernel
}

func (gp *GP) wrap(err error, op string) error {
	return optimization.WrapError(err, op).WithComponent("gaussian_process")
}

// Fit fits the GP model to the training data. Every call discards the
// previous fit.
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return gp.wrap(errors.New("input matrices must not be nil"), op)
	}
	if X.IsEmpty() || y.IsEmpty() {
		return gp.wrap(errors.New("input matrix X must not be empty"), op)
	}

	nSamples, nFeatures := X.Dims()
	if nSamples != y.Len() {
		return gp.wrap(fmt.Errorf("dimension mismatch: X has %d samples but y has length %d",
			nSamples, y.Len()), op)
	}

	targets := make([]float64, nSamples)
	for i := range targets {
		targets[i] = y.AtVec(i)
		if math.IsNaN(targets[i]) || math.IsInf(targets[i], 0) {
			return gp.wrap(fmt.Errorf("target %d is not finite: %v", i, targets[i]), op)
		}
	}

	gp.yMean, gp.yStd = 0, 1
	if gp.normalizeY {
		mean, variance := stat.PopMeanVariance(targets, nil)
		gp.yMean = mean
		if std := math.Sqrt(variance); std > 1e-12 {
			gp.yStd = std
		}
	}
	normalized := mat.NewVecDense(nSamples, nil)
	for i, v := range targets {
		normalized.SetVec(i, (v-gp.yMean)/gp.yStd)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.alpha = nil
	gp.chol = nil

	if gp.nRestarts >= 0 {
		gp.kernel = gp.prior.Clone()
		gp.optimizeHyperparameters(normalized)
	}

	chol, err := gp.factorize(gp.kernel)
	if err != nil {
		return gp.wrap(err, op)
	}

	alpha := mat.NewVecDense(nSamples, nil)
	if err := chol.SolveVecTo(alpha, normalized); err != nil {
		return gp.wrap(fmt.Errorf("failed to solve linear system: %w", err), op)
	}
	gp.alpha = alpha
	gp.chol = chol

	gp.logger.Debug("Fitted GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64s("hyperparameters", gp.kernel.Hyperparameters()),
		zap.Float64("y_mean", gp.yMean),
		zap.Float64("y_std", gp.yStd),
	)
	return nil
}

// kernelMatrix computes K(X, X) plus the noise variance on the diagonal.
func (gp *GP) kernelMatrix(k kernels.Kernel) *mat.SymDense {
	n, _ := gp.X.Dims()
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := gp.X.RawRowView(i)
		K.SetSym(i, i, k.Eval(xi, xi)+gp.noiseVar)
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, k.Eval(xi, gp.X.RawRowView(j)))
		}
	}
	return K
}

// factorize returns the Cholesky factor of the kernel matrix, adding
// increasing diagonal jitter until the matrix is positive definite.
func (gp *GP) factorize(k kernels.Kernel) (*mat.Cholesky, error) {
	K := gp.kernelMatrix(k)
	n := K.SymmetricDim()

	jitter := 0.0
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				K.SetSym(i, i, K.At(i, i)+jitter)
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(K) {
			if jitter > 0 {
				gp.logger.Debug("Factorized kernel matrix with jitter",
					zap.Int("attempt", attempt+1),
					zap.Float64("jitter", jitter))
			}
			return &chol, nil
		}
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
	}
	return nil, errors.New("Cholesky decomposition failed: matrix is not positive definite")
}

// LogMarginalLikelihood returns the log marginal likelihood of the
// standardised training targets under kernel k.
func (gp *GP) logMarginalLikelihood(k kernels.Kernel, y *mat.VecDense) (float64, error) {
	chol, err := gp.factorize(k)
	if err != nil {
		return math.Inf(-1), err
	}
	n := y.Len()
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return math.Inf(-1), err
	}
	return -0.5*mat.Dot(y, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi), nil
}

// optimizeHyperparameters maximises the log marginal likelihood over the
// kernel hyperparameters with Nelder-Mead, starting from the initial kernel
// and nRestarts random points. The kernel is left unchanged if no start
// improves on it.
func (gp *GP) optimizeHyperparameters(y *mat.VecDense) {
	lo, hi := math.Log(minHyperparameter), math.Log(maxHyperparameter)
	current := gp.kernel.Hyperparameters()
	dims := len(current)

	toKernel := func(theta []float64) (kernels.Kernel, error) {
		params := make([]float64, dims)
		for i, v := range theta {
			params[i] = math.Exp(math.Max(lo, math.Min(hi, v)))
		}
		k := gp.kernel.Clone()
		return k, k.SetHyperparameters(params)
	}

	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			k, err := toKernel(theta)
			if err != nil {
				return math.MaxFloat64
			}
			lml, err := gp.logMarginalLikelihood(k, y)
			if err != nil || math.IsNaN(lml) || math.IsInf(lml, 0) {
				return math.MaxFloat64
			}
			return -lml
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 200,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 50,
		},
	}

	starts := make([][]float64, 0, gp.nRestarts+1)
	start := make([]float64, dims)
	for i, v := range current {
		start[i] = math.Log(v)
	}
	starts = append(starts, start)
	for r := 0; r < gp.nRestarts; r++ {
		s := make([]float64, dims)
		for i := range s {
			s[i] = lo + gp.rng.Float64()*(hi-lo)
		}
		starts = append(starts, s)
	}

	bestTheta := start
	bestF := problem.Func(start)
	for _, s := range starts {
		result, err := optimize.Minimize(problem, s, settings, &optimize.NelderMead{})
		if result == nil {
			gp.logger.Debug("Hyperparameter search failed", zap.Error(err))
			continue
		}
		if result.F < bestF && !floats.HasNaN(result.X) {
			bestF = result.F
			bestTheta = append([]float64(nil), result.X...)
		}
	}

	if k, err := toKernel(bestTheta); err == nil {
		gp.kernel = k
	}
}

// Predict returns the mean and variance of the latent posterior at the given
// test points, in the units of the training targets.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, gp.wrap(errors.New("input matrix X is nil"), op)
	}
	if gp.X == nil || gp.alpha == nil || gp.chol == nil {
		return nil, nil, gp.wrap(optimization.ErrNotFitted, op)
	}

	nTest, nFeatures := X.Dims()
	nTrain, trainFeatures := gp.X.Dims()
	if nFeatures != trainFeatures {
		return nil, nil, gp.wrap(fmt.Errorf("dimension mismatch: model has %d features, X has %d",
			trainFeatures, nFeatures), op)
	}

	Kss := make([]float64, nTest)
	Kstar := mat.NewDense(nTest, nTrain, nil)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	// W = K^-1 K*^T, variance_i = k(x_i, x_i) - K*_i . W_i
	var W mat.Dense
	if err := gp.chol.SolveTo(&W, Kstar.T()); err != nil {
		return nil, nil, gp.wrap(fmt.Errorf("failed to solve linear system: %w", err), op)
	}

	variance := mat.NewVecDense(nTest, nil)
	scale := gp.yStd * gp.yStd
	for i := 0; i < nTest; i++ {
		reduction := 0.0
		for j := 0; j < nTrain; j++ {
			reduction += Kstar.At(i, j) * W.At(j, i)
		}
		variance.SetVec(i, math.Max(0, Kss[i]-reduction)*scale)
		mean.SetVec(i, mean.AtVec(i)*gp.yStd+gp.yMean)
	}

	return mean, variance, nil
}
