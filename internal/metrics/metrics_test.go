package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyReturns(t *testing.T) {
	t.Parallel()

	rs := DailyReturns([]float64{100, 102, 104, 103})
	require.Len(t, rs, 3)
	assert.InDelta(t, 0.02, rs[0], 1e-12)
	assert.InDelta(t, 2.0/102.0, rs[1], 1e-12)
	assert.InDelta(t, -1.0/104.0, rs[2], 1e-12)

	assert.Nil(t, DailyReturns([]float64{100}))
	assert.Nil(t, DailyReturns(nil))
}

func TestLogReturnsCovarianceShape(t *testing.T) {
	t.Parallel()

	asset1 := LogReturns([]float64{100, 102, 104, 103})
	asset2 := LogReturns([]float64{50, 51, 52, 53})
	require.Len(t, asset1, 3)
	require.Len(t, asset2, 3)

	cov := CovarianceMatrix([][]float64{asset1, asset2}, 1)
	r, c := cov.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.InDelta(t, cov.At(0, 1), cov.At(1, 0), 1e-15)
	assert.Greater(t, cov.At(0, 0), 0.0)
	assert.Greater(t, cov.At(1, 1), 0.0)
}

func TestPortfolioPerformance(t *testing.T) {
	t.Parallel()

	asset1 := LogReturns([]float64{100, 102, 104, 103})
	asset2 := LogReturns([]float64{50, 51, 52, 53})
	returns := [][]float64{asset1, asset2}

	mu := []float64{AnnualizedReturn(asset1), AnnualizedReturn(asset2)}
	cov := AnnualizedCovariance(returns)

	ret, risk := PortfolioPerformance([]float64{0.5, 0.5}, mu, cov)
	assert.InDelta(t, 0.5*mu[0]+0.5*mu[1], ret, 1e-12)
	assert.Greater(t, risk, 0.0)
	assert.False(t, math.IsNaN(risk))
}

func TestVaRKnownVector(t *testing.T) {
	t.Parallel()

	returns := []float64{-0.02, -0.01, 0.0, 0.01, 0.03}
	assert.InDelta(t, -0.02, VaR(returns, 0.95), 1e-12)
}

func TestCVaRNotAboveVaR(t *testing.T) {
	t.Parallel()

	returns := []float64{-0.08, -0.05, -0.02, -0.01, 0.0, 0.01, 0.02, 0.03, 0.04, 0.05}
	v := VaR(returns, 0.9)
	cv := CVaR(returns, 0.9)
	assert.LessOrEqual(t, cv, v)
}

func TestOmegaRatioKnownVector(t *testing.T) {
	t.Parallel()

	returns := []float64{0.05, 0.07, 0.03, -0.02, 0.04}
	assert.InDelta(t, 2.75, OmegaRatio(returns, 0.02), 1e-12)
}

func TestOmegaRatioNoLosses(t *testing.T) {
	t.Parallel()

	assert.True(t, math.IsInf(OmegaRatio([]float64{0.05, 0.06}, 0.01), 1))
}

func TestMaxDrawdownValuesKnownVector(t *testing.T) {
	t.Parallel()

	dd := MaxDrawdownValues([]float64{100, 105, 90, 95, 110})
	assert.InDelta(t, 90.0/105.0-1, dd, 1e-12)
	assert.InDelta(t, -0.14, dd, 0.005)
}

func TestMaxDrawdownNeverPositive(t *testing.T) {
	t.Parallel()

	cases := [][]float64{
		{0.01, 0.02, 0.03},
		{-0.05, 0.02, -0.03, 0.04},
		{0},
		{},
		{math.NaN(), math.NaN()},
	}
	for _, rs := range cases {
		assert.LessOrEqual(t, MaxDrawdown(rs), 0.0)
	}
	assert.Zero(t, MaxDrawdown(nil))
}

func TestSharpeRatioZeroVolatility(t *testing.T) {
	t.Parallel()

	assert.Zero(t, SharpeRatio(0.1, 0, 0.02))
	assert.InDelta(t, 0.8, SharpeRatio(0.1, 0.1, 0.02), 1e-12)
}

func TestNaNGuards(t *testing.T) {
	t.Parallel()

	assert.True(t, HasNaN([]float64{1, math.NaN()}))
	assert.False(t, HasNaN([]float64{1, 2}))

	// NaN entries are dropped, not propagated.
	v := VaR([]float64{math.NaN(), -0.02, 0.01}, 0.95)
	assert.False(t, math.IsNaN(v))
}
