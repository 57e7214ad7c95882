package optimize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testMoments() ([]float64, *mat.SymDense) {
	mu := []float64{0.10, 0.14, 0.08, 0.12}
	cov := mat.NewSymDense(4, []float64{
		0.040, 0.006, 0.004, 0.002,
		0.006, 0.090, 0.005, 0.008,
		0.004, 0.005, 0.030, 0.003,
		0.002, 0.008, 0.003, 0.060,
	})
	return mu, cov
}

func TestOptimizeWeightsSumToOneWithinBounds(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{RiskFreeRate: 0.02}, nil)

	res, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov})
	require.NoError(t, err)

	var sum float64
	for _, w := range res.Weights {
		sum += w
		assert.GreaterOrEqual(t, w, -1e-9)
		assert.LessOrEqual(t, w, 1+1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, res.Risk, 0.0)
}

func TestOptimizeStrictBounds(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{RiskFreeRate: 0.02, Bounds: StrictBounds(4)}, nil)

	res, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov})
	require.NoError(t, err)

	var sum float64
	for _, w := range res.Weights {
		sum += w
		assert.GreaterOrEqual(t, w, 0.05-1e-9)
		assert.LessOrEqual(t, w, 0.3+1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestOptimizeDeterministic(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{RiskFreeRate: 0.02}, nil)

	first, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov})
	require.NoError(t, err)
	second, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov})
	require.NoError(t, err)

	require.Len(t, second.Weights, len(first.Weights))
	for i := range first.Weights {
		assert.InDelta(t, first.Weights[i], second.Weights[i], 1e-12)
	}
}

func TestOptimizeTransactionCostPenalty(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{RiskFreeRate: 0.02}, nil)
	initial := []float64{0.25, 0.25, 0.25, 0.25}

	free, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov, InitialWeights: initial})
	require.NoError(t, err)

	costly, err := opt.Optimize(Request{
		ExpectedReturns:  mu,
		Covariance:       cov,
		InitialWeights:   initial,
		TransactionCosts: []float64{0.5, 0.5, 0.5, 0.5},
	})
	require.NoError(t, err)

	// Heavy trading costs keep the solution closer to the starting book.
	assert.LessOrEqual(t, totalMove(costly.Weights, initial), totalMove(free.Weights, initial)+1e-9)
	assert.GreaterOrEqual(t, costly.CostPenalty, 0.0)
}

func totalMove(w, initial []float64) float64 {
	var d float64
	for i := range w {
		d += math.Abs(w[i] - initial[i])
	}
	return d
}

func TestOptimizeValidation(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{}, nil)

	cases := map[string]Request{
		"nan returns": {
			ExpectedReturns: []float64{0.1, math.NaN(), 0.08, 0.12},
			Covariance:      cov,
		},
		"cost length mismatch": {
			ExpectedReturns:  mu,
			Covariance:       cov,
			TransactionCosts: []float64{0.01},
		},
		"initial weight length mismatch": {
			ExpectedReturns: mu,
			Covariance:      cov,
			InitialWeights:  []float64{0.5, 0.5},
		},
		"covariance dimension mismatch": {
			ExpectedReturns: mu,
			Covariance:      mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1}),
		},
		"nan covariance": {
			ExpectedReturns: mu,
			Covariance: mat.NewSymDense(4, []float64{
				math.NaN(), 0, 0, 0,
				0, 0.1, 0, 0,
				0, 0, 0.1, 0,
				0, 0, 0, 0.1,
			}),
		},
		"empty": {},
	}

	for name, req := range cases {
		_, err := opt.Optimize(req)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestInfeasibleBoundsRejected(t *testing.T) {
	t.Parallel()

	mu, cov := testMoments()
	opt := New(Config{Bounds: []Bound{
		{0, 0.1}, {0, 0.1}, {0, 0.1}, {0, 0.1},
	}}, nil)

	_, err := opt.Optimize(Request{ExpectedReturns: mu, Covariance: cov})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFeasibleWeightsRedistribution(t *testing.T) {
	t.Parallel()

	bounds := StrictBounds(4)
	w := feasibleWeights([]float64{0.9, 0.0, 0.0, 0.0}, bounds)

	var sum float64
	for i, v := range w {
		sum += v
		assert.GreaterOrEqual(t, v, bounds[i].Lower-1e-9)
		assert.LessOrEqual(t, v, bounds[i].Upper+1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}
