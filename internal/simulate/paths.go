package simulate

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"quantfolio/internal/metrics"
)

// PathOptions tunes the path-simulation mode.
type PathOptions struct {
	TimeHorizon  int
	InitialValue float64
	// Weights combines per-asset daily returns into the portfolio return;
	// nil means equal weighting.
	Weights []float64
	// OmegaThreshold is the gain/loss cut for the per-trial Omega ratio.
	OmegaThreshold float64
	Confidence     float64
	Seed           uint64
}

// PathTrial is one simulated portfolio trajectory with its risk metrics.
type PathTrial struct {
	Values      []float64 `json:"values"`
	Sharpe      float64   `json:"sharpe"`
	VaR         float64   `json:"var"`
	CVaR        float64   `json:"cvar"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Omega       float64   `json:"omega"`
}

// PathResult aggregates a path simulation run.
type PathResult struct {
	Trials []PathTrial `json:"trials"`
	// Degraded is set when the joint sampler fell back to a diagonal or
	// pooled model because the covariance was singular or contained NaNs.
	Degraded bool   `json:"degraded"`
	Sampler  string `json:"sampler"`
}

// returnSampler draws one day of joint asset returns.
type returnSampler interface {
	sample(dst []float64)
	name() string
}

type jointSampler struct{ dist *distmv.Normal }

func (s jointSampler) sample(dst []float64) { s.dist.Rand(dst) }
func (s jointSampler) name() string         { return "multivariate-normal" }

type diagonalSampler struct{ dists []distuv.Normal }

func (s diagonalSampler) sample(dst []float64) {
	for i := range s.dists {
		dst[i] = s.dists[i].Rand()
	}
}
func (s diagonalSampler) name() string { return "diagonal-normal" }

type pooledSampler struct{ dist distuv.Normal }

func (s pooledSampler) sample(dst []float64) {
	for i := range dst {
		dst[i] = s.dist.Rand()
	}
}
func (s pooledSampler) name() string { return "pooled-normal" }

// Paths draws trials-many multi-day joint return paths from a multivariate
// normal fitted to the historical per-asset daily returns, compounds each
// into a portfolio value path, and records risk metrics per trial. A singular
// or NaN covariance degrades to independent per-asset draws, then to a single
// pooled normal; degradation is reported, never an error.
func (s *Simulator) Paths(dailyReturns [][]float64, trials int, opts PathOptions) (*PathResult, error) {
	n := len(dailyReturns)
	if n == 0 {
		return nil, fmt.Errorf("%w: no return series", ErrValidation)
	}
	if trials <= 0 {
		return nil, fmt.Errorf("%w: trials must be positive, got %d", ErrValidation, trials)
	}
	if opts.TimeHorizon <= 0 {
		opts.TimeHorizon = int(metrics.TradingDays)
	}
	if opts.InitialValue <= 0 {
		opts.InitialValue = 10000
	}
	if opts.Confidence == 0 {
		opts.Confidence = 0.95
	}
	weights := opts.Weights
	if weights == nil {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
	}
	if len(weights) != n {
		return nil, fmt.Errorf("%w: weights length %d, expected %d", ErrValidation, len(weights), n)
	}
	for i, rs := range dailyReturns {
		if len(rs) < 2 {
			return nil, fmt.Errorf("%w: need at least 2 observations per asset", ErrValidation)
		}
		if len(rs) != len(dailyReturns[0]) {
			return nil, fmt.Errorf("%w: asset %d has %d observations, asset 0 has %d", ErrValidation, i, len(rs), len(dailyReturns[0]))
		}
	}

	mu := make([]float64, n)
	for i, rs := range dailyReturns {
		mu[i] = stat.Mean(rs, nil)
	}
	cov := metrics.CovarianceMatrix(dailyReturns, 1)

	src := xrand.NewSource(opts.Seed)
	sampler, degraded := s.newSampler(mu, dailyReturns, cov, src)

	result := &PathResult{
		Trials:   make([]PathTrial, 0, trials),
		Degraded: degraded,
		Sampler:  sampler.name(),
	}

	day := make([]float64, n)
	for t := 0; t < trials; t++ {
		values := make([]float64, opts.TimeHorizon)
		portfolioReturns := make([]float64, opts.TimeHorizon)
		cum := 1.0
		for d := 0; d < opts.TimeHorizon; d++ {
			sampler.sample(day)
			var r float64
			for i := range day {
				r += weights[i] * day[i]
			}
			portfolioReturns[d] = r
			cum *= 1 + r
			values[d] = opts.InitialValue * cum
		}

		meanRet := stat.Mean(portfolioReturns, nil)
		vol := metrics.Volatility(portfolioReturns)
		result.Trials = append(result.Trials, PathTrial{
			Values:      values,
			Sharpe:      metrics.SharpeRatio(meanRet, vol, 0),
			VaR:         metrics.VaR(portfolioReturns, opts.Confidence),
			CVaR:        metrics.CVaR(portfolioReturns, opts.Confidence),
			MaxDrawdown: metrics.MaxDrawdownValues(values),
			Omega:       metrics.OmegaRatio(portfolioReturns, opts.OmegaThreshold),
		})
	}
	return result, nil
}

// newSampler builds the best joint sampler the moments allow: full
// multivariate normal, then independent per-asset normals, then one pooled
// normal shared by all assets.
func (s *Simulator) newSampler(mu []float64, dailyReturns [][]float64, cov *mat.SymDense, src xrand.Source) (returnSampler, bool) {
	if !metrics.HasNaN(mu) && !metrics.MatrixHasNaN(cov) {
		if dist, ok := distmv.NewNormal(mu, cov, src); ok {
			return jointSampler{dist: dist}, false
		}
		s.log.Warn("covariance not positive definite, using diagonal sampler")
	} else {
		s.log.Warn("NaN in sample moments, using diagonal sampler")
	}

	dists := make([]distuv.Normal, len(mu))
	usable := true
	for i := range mu {
		v := cov.At(i, i)
		if math.IsNaN(mu[i]) || math.IsNaN(v) || v <= 0 {
			usable = false
			break
		}
		dists[i] = distuv.Normal{Mu: mu[i], Sigma: math.Sqrt(v), Src: src}
	}
	if usable {
		return diagonalSampler{dists: dists}, true
	}

	var pooled []float64
	for _, rs := range dailyReturns {
		for _, r := range rs {
			if !math.IsNaN(r) {
				pooled = append(pooled, r)
			}
		}
	}
	pm, ps := 0.0, 1e-8
	if len(pooled) > 1 {
		pm = stat.Mean(pooled, nil)
		if sd := stat.StdDev(pooled, nil); !math.IsNaN(sd) && sd > 0 {
			ps = sd
		}
		if math.IsNaN(pm) {
			pm = 0
		}
	}
	s.log.Warn("asset variances unusable, using pooled normal sampler")
	return pooledSampler{dist: distuv.Normal{Mu: pm, Sigma: ps, Src: src}}, true
}
