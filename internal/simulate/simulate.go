// Package simulate runs Monte Carlo experiments against fixed portfolio
// moments: random-allocation sweeps for the efficient frontier and
// multivariate-normal path simulations with per-trial risk metrics.
package simulate

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"quantfolio/internal/metrics"
)

// ErrValidation marks rejected simulator inputs.
var ErrValidation = errors.New("invalid simulation input")

// Trial is one random-allocation outcome.
type Trial struct {
	Volatility float64 `json:"volatility"`
	Return     float64 `json:"return"`
	Sharpe     float64 `json:"sharpe"`
}

// AllocationOptions tunes the random-allocation sweep.
type AllocationOptions struct {
	RiskFreeRate float64
	// ShockFactor applies a symmetric multiplicative shock U(-s, s) to the
	// expected returns each trial; zero disables it.
	ShockFactor float64
	Seed        int64
}

// Simulator draws random portfolios and return paths.
type Simulator struct {
	log *logrus.Entry
}

// New builds a Simulator; a nil logger falls back to the standard logrus
// instance.
func New(log *logrus.Logger) *Simulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Simulator{log: log.WithField("component", "simulator")}
}

// RandomAllocations draws trials-many uniform weight vectors normalized to
// sum to 1 and evaluates each against the fixed moments. Exactly trials
// entries are returned.
func (s *Simulator) RandomAllocations(expectedReturns []float64, cov mat.Symmetric, trials int, opts AllocationOptions) ([]Trial, error) {
	n := len(expectedReturns)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty expected returns", ErrValidation)
	}
	if trials <= 0 {
		return nil, fmt.Errorf("%w: trials must be positive, got %d", ErrValidation, trials)
	}
	if cov == nil || cov.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: covariance does not match %d assets", ErrValidation, n)
	}
	if metrics.HasNaN(expectedReturns) {
		return nil, fmt.Errorf("%w: NaN in expected returns", ErrValidation)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	out := make([]Trial, 0, trials)
	mu := make([]float64, n)

	for t := 0; t < trials; t++ {
		weights := randomWeights(rng, n)

		copy(mu, expectedReturns)
		if opts.ShockFactor > 0 {
			for i := range mu {
				shock := (rng.Float64()*2 - 1) * opts.ShockFactor
				mu[i] *= 1 + shock
			}
		}

		ret, vol := metrics.PortfolioPerformance(weights, mu, cov)
		out = append(out, Trial{
			Volatility: vol,
			Return:     ret,
			Sharpe:     metrics.SharpeRatio(ret, vol, opts.RiskFreeRate),
		})
	}
	return out, nil
}

func randomWeights(rng *rand.Rand, n int) []float64 {
	w := make([]float64, n)
	var sum float64
	for i := range w {
		w[i] = rng.Float64()
		sum += w[i]
	}
	if sum == 0 {
		for i := range w {
			w[i] = 1.0 / float64(n)
		}
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}
