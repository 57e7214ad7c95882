// Package optimize finds portfolio weights maximizing a transaction-cost
// adjusted Sharpe ratio under sum-to-1 and per-asset bound constraints.
package optimize

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	gopt "gonum.org/v1/gonum/optimize"

	"quantfolio/internal/metrics"
)

// ErrValidation marks rejected optimizer inputs (NaN, dimension mismatch).
var ErrValidation = errors.New("invalid optimizer input")

// ErrNotConverged is returned under PolicyFail when the solver does not reach
// an accepted convergence status.
var ErrNotConverged = errors.New("optimizer did not converge")

// ConvergencePolicy selects how a non-converged solve is reported. The
// historical variants disagreed (warn-and-return vs hard failure); both are
// supported, chosen once at construction.
type ConvergencePolicy int

const (
	// PolicyWarn logs a warning and returns the best point found.
	PolicyWarn ConvergencePolicy = iota
	// PolicyFail returns ErrNotConverged instead of a result.
	PolicyFail
)

// Bound is a per-asset [Lower, Upper] allocation constraint.
type Bound struct {
	Lower float64
	Upper float64
}

// DefaultBounds allows the full [0,1] range per asset.
func DefaultBounds(n int) []Bound {
	bs := make([]Bound, n)
	for i := range bs {
		bs[i] = Bound{Lower: 0, Upper: 1}
	}
	return bs
}

// StrictBounds is the 5%-30% per-asset variant.
func StrictBounds(n int) []Bound {
	bs := make([]Bound, n)
	for i := range bs {
		bs[i] = Bound{Lower: 0.05, Upper: 0.3}
	}
	return bs
}

// Config carries the named options that the divergent historical
// implementations hard-coded.
type Config struct {
	RiskFreeRate float64
	Policy       ConvergencePolicy
	// Bounds may be nil; DefaultBounds is applied per asset count.
	Bounds []Bound
}

// Optimizer wraps gonum's nonlinear minimizer for the max-Sharpe problem.
type Optimizer struct {
	cfg Config
	log *logrus.Entry
}

// New builds an Optimizer; a nil logger falls back to the standard logrus
// instance.
func New(cfg Config, log *logrus.Logger) *Optimizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Optimizer{cfg: cfg, log: log.WithField("component", "optimizer")}
}

// Request holds one optimization problem. InitialWeights and
// TransactionCosts may be nil (equal weights, zero costs).
type Request struct {
	ExpectedReturns []float64
	Covariance      mat.Symmetric
	InitialWeights  []float64
	TransactionCosts []float64
}

// Result is the solved allocation and its headline figures.
type Result struct {
	Weights     []float64 `json:"weights"`
	Return      float64   `json:"expected_return"`
	Risk        float64   `json:"risk"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	CostPenalty float64   `json:"transaction_cost_penalty"`
	Converged   bool      `json:"converged"`
	Status      string    `json:"status"`
}

const (
	penaltyWeight = 1000.0
	sumTolerance  = 1e-6
)

// Optimize minimizes -Sharpe(w) + Σ|w_i - w0_i|·cost_i subject to Σw = 1 and
// the configured bounds. The solve is deterministic for identical inputs.
func (o *Optimizer) Optimize(req Request) (*Result, error) {
	n := len(req.ExpectedReturns)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty expected returns", ErrValidation)
	}

	initial := req.InitialWeights
	if initial == nil {
		initial = equalWeights(n)
	}
	costs := req.TransactionCosts
	if costs == nil {
		costs = make([]float64, n)
	}
	bounds := o.cfg.Bounds
	if bounds == nil {
		bounds = DefaultBounds(n)
	}

	if err := validate(req.ExpectedReturns, req.Covariance, initial, costs, bounds); err != nil {
		return nil, err
	}

	mu := req.ExpectedReturns
	sigma := req.Covariance
	rf := o.cfg.RiskFreeRate

	objective := func(x []float64) float64 {
		w := projectToBounds(x, bounds)

		ret := metrics.PortfolioReturn(w, mu)
		vol := metrics.PortfolioRisk(w, sigma)
		vol = math.Max(vol, 1e-10)

		obj := -(ret - rf) / vol
		obj += costPenalty(w, initial, costs)

		var sum float64
		for _, v := range w {
			sum += v
		}
		obj += penaltyWeight * (sum - 1) * (sum - 1)
		return obj
	}

	problem := gopt.Problem{Func: objective}

	start := make([]float64, n)
	copy(start, initial)

	result, err := gopt.Minimize(problem, start, &gopt.Settings{}, &gopt.NelderMead{})
	if err != nil || !accepted(result.Status) {
		// Retry with a quasi-Newton method (finite-difference gradient).
		retry, retryErr := gopt.Minimize(problem, start, &gopt.Settings{}, &gopt.BFGS{})
		if retryErr == nil && (err != nil || accepted(retry.Status)) {
			result, err = retry, nil
		}
		if err != nil {
			return nil, fmt.Errorf("optimization failed: %w", err)
		}
	}

	converged := accepted(result.Status)
	if !converged {
		switch o.cfg.Policy {
		case PolicyFail:
			return nil, fmt.Errorf("%w: status=%v", ErrNotConverged, result.Status)
		default:
			o.log.WithField("status", result.Status.String()).
				Warn("solver did not converge, returning best point found")
		}
	}

	weights := feasibleWeights(result.X, bounds)
	ret, risk := metrics.PortfolioPerformance(weights, mu, sigma)

	return &Result{
		Weights:     weights,
		Return:      ret,
		Risk:        risk,
		SharpeRatio: metrics.SharpeRatio(ret, risk, rf),
		CostPenalty: costPenalty(weights, initial, costs),
		Converged:   converged,
		Status:      result.Status.String(),
	}, nil
}

func validate(mu []float64, sigma mat.Symmetric, initial, costs []float64, bounds []Bound) error {
	n := len(mu)
	if sigma == nil {
		return fmt.Errorf("%w: nil covariance", ErrValidation)
	}
	if r := sigma.SymmetricDim(); r != n {
		return fmt.Errorf("%w: covariance is %dx%d, expected %dx%d", ErrValidation, r, r, n, n)
	}
	if len(initial) != n {
		return fmt.Errorf("%w: initial weights length %d, expected %d", ErrValidation, len(initial), n)
	}
	if len(costs) != n {
		return fmt.Errorf("%w: transaction costs length %d, expected %d", ErrValidation, len(costs), n)
	}
	if len(bounds) != n {
		return fmt.Errorf("%w: bounds length %d, expected %d", ErrValidation, len(bounds), n)
	}
	if metrics.HasNaN(mu) {
		return fmt.Errorf("%w: NaN in expected returns", ErrValidation)
	}
	if metrics.HasNaN(initial) {
		return fmt.Errorf("%w: NaN in initial weights", ErrValidation)
	}
	if metrics.HasNaN(costs) {
		return fmt.Errorf("%w: NaN in transaction costs", ErrValidation)
	}
	if metrics.MatrixHasNaN(sigma) {
		return fmt.Errorf("%w: NaN in covariance matrix", ErrValidation)
	}
	var lowerSum, upperSum float64
	for _, b := range bounds {
		if b.Lower > b.Upper {
			return fmt.Errorf("%w: bound lower %v above upper %v", ErrValidation, b.Lower, b.Upper)
		}
		lowerSum += b.Lower
		upperSum += b.Upper
	}
	if lowerSum > 1+sumTolerance || upperSum < 1-sumTolerance {
		return fmt.Errorf("%w: bounds admit no fully invested portfolio", ErrValidation)
	}
	return nil
}

func accepted(s gopt.Status) bool {
	switch s {
	case gopt.Success, gopt.GradientThreshold, gopt.FunctionConvergence, gopt.FunctionThreshold:
		return true
	}
	return false
}

func costPenalty(w, initial, costs []float64) float64 {
	var p float64
	for i := range w {
		p += math.Abs(w[i]-initial[i]) * costs[i]
	}
	return p
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

func projectToBounds(x []float64, bounds []Bound) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Min(math.Max(v, bounds[i].Lower), bounds[i].Upper)
	}
	return out
}

// feasibleWeights clamps the solver's point to the bounds, then redistributes
// any sum deficit among assets with remaining room until Σw = 1 within
// tolerance. Feasibility is guaranteed by the bound check in validate.
func feasibleWeights(x []float64, bounds []Bound) []float64 {
	w := projectToBounds(x, bounds)
	for iter := 0; iter < 64; iter++ {
		var sum float64
		for _, v := range w {
			sum += v
		}
		deficit := 1 - sum
		if math.Abs(deficit) <= sumTolerance/10 {
			break
		}
		var free int
		for i, v := range w {
			if (deficit > 0 && v < bounds[i].Upper) || (deficit < 0 && v > bounds[i].Lower) {
				free++
			}
		}
		if free == 0 {
			break
		}
		step := deficit / float64(free)
		for i := range w {
			if (deficit > 0 && w[i] < bounds[i].Upper) || (deficit < 0 && w[i] > bounds[i].Lower) {
				w[i] = math.Min(math.Max(w[i]+step, bounds[i].Lower), bounds[i].Upper)
			}
		}
	}
	return w
}
