package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// TradingDays is the annualization factor for daily series.
const TradingDays = 252.0

// DailyReturns computes simple percentage returns from a price series.
// The result is one entry shorter than prices; len(prices) < 2 yields nil.
func DailyReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// LogReturns computes log returns ln(p_t / p_{t-1}) from a price series.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// AnnualizedReturn converts a daily return series to an annualized mean return.
func AnnualizedReturn(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return stat.Mean(dailyReturns, nil) * TradingDays
}

// AnnualizedReturns annualizes each column of a per-asset daily return table.
func AnnualizedReturns(dailyReturns [][]float64) []float64 {
	out := make([]float64, len(dailyReturns))
	for i, rs := range dailyReturns {
		out[i] = AnnualizedReturn(rs)
	}
	return out
}

// CovarianceMatrix builds the sample covariance matrix of per-asset return
// series, scaled by tradingDays (pass 1 for the raw daily covariance).
// All series must have equal length; series shorter than 2 observations
// produce a zero matrix.
func CovarianceMatrix(returns [][]float64, tradingDays float64) *mat.SymDense {
	n := len(returns)
	cov := mat.NewSymDense(n, nil)
	if n == 0 || len(returns[0]) < 2 {
		return cov
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(returns[i], returns[j], nil)
			cov.SetSym(i, j, c*tradingDays)
		}
	}
	return cov
}

// AnnualizedCovariance is the sample covariance scaled by 252 trading days.
func AnnualizedCovariance(dailyReturns [][]float64) *mat.SymDense {
	return CovarianceMatrix(dailyReturns, TradingDays)
}

// PortfolioReturn is the weighted sum of expected asset returns.
func PortfolioReturn(weights, expectedReturns []float64) float64 {
	var sum float64
	for i := range weights {
		sum += weights[i] * expectedReturns[i]
	}
	return sum
}

// PortfolioRisk is sqrt(w' Σ w), the portfolio volatility.
func PortfolioRisk(weights []float64, cov mat.Symmetric) float64 {
	n := len(weights)
	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += weights[i] * weights[j] * cov.At(i, j)
		}
	}
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// PortfolioPerformance evaluates expected return and volatility for a weight
// vector against asset moments.
func PortfolioPerformance(weights, expectedReturns []float64, cov mat.Symmetric) (ret, risk float64) {
	return PortfolioReturn(weights, expectedReturns), PortfolioRisk(weights, cov)
}

// SharpeRatio is (ret - riskFree) / vol. Zero volatility yields 0, never a
// division blow-up.
func SharpeRatio(portfolioReturn, volatility, riskFree float64) float64 {
	if volatility == 0 {
		return 0
	}
	return (portfolioReturn - riskFree) / volatility
}

// VaR is the historical Value at Risk of a return series at the given
// confidence level. The value is the raw signed return at the (1-confidence)
// tail cut; a negative value means a loss. Empty input yields 0.
func VaR(returns []float64, confidence float64) float64 {
	clean := dropNaN(returns)
	if len(clean) == 0 {
		return 0
	}
	sorted := make([]float64, len(clean))
	copy(sorted, clean)
	sort.Float64s(sorted)
	idx := int((1 - confidence) * float64(len(sorted)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// CVaR is the mean of returns at or below the VaR threshold, in the same
// signed convention as VaR. With no observations in the tail it degrades to
// the VaR value itself.
func CVaR(returns []float64, confidence float64) float64 {
	clean := dropNaN(returns)
	if len(clean) == 0 {
		return 0
	}
	threshold := VaR(clean, confidence)
	var sum float64
	var n int
	for _, r := range clean {
		if r <= threshold {
			sum += r
			n++
		}
	}
	if n == 0 {
		return threshold
	}
	return sum / float64(n)
}

// MaxDrawdown compounds a return series into a cumulative value curve and
// returns the deepest peak-to-trough decline as a value <= 0. Empty or
// all-NaN input is defined as 0.
func MaxDrawdown(returns []float64) float64 {
	clean := dropNaN(returns)
	if len(clean) == 0 {
		return 0
	}
	values := make([]float64, len(clean))
	cum := 1.0
	for i, r := range clean {
		cum *= 1 + r
		values[i] = cum
	}
	return MaxDrawdownValues(values)
}

// MaxDrawdownValues is MaxDrawdown over an already-compounded value series.
func MaxDrawdownValues(values []float64) float64 {
	clean := dropNaN(values)
	if len(clean) == 0 {
		return 0
	}
	worst := 0.0
	peak := clean[0]
	for _, v := range clean {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := v/peak - 1
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// OmegaRatio is the sum of excess gains above threshold divided by the sum of
// shortfalls at or below it. With no shortfalls the ratio is +Inf.
func OmegaRatio(returns []float64, threshold float64) float64 {
	clean := dropNaN(returns)
	if len(clean) == 0 {
		return 0
	}
	var gains, losses float64
	for _, r := range clean {
		excess := r - threshold
		if excess > 0 {
			gains += excess
		} else {
			losses += -excess
		}
	}
	if losses == 0 {
		return math.Inf(1)
	}
	return gains / losses
}

// Volatility is the sample standard deviation of a return series.
func Volatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

func dropNaN(xs []float64) []float64 {
	clean := xs[:0:0]
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		clean = append(clean, x)
	}
	return clean
}

// HasNaN reports whether any value in the slice is NaN.
func HasNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// MatrixHasNaN reports whether any entry of m is NaN.
func MatrixHasNaN(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				return true
			}
		}
	}
	return false
}
