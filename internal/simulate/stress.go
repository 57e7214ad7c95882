package simulate

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"quantfolio/internal/metrics"
)

// ShockMode selects how a stress scenario perturbs asset returns.
type ShockMode string

const (
	// ShockMultiplicative scales returns by (1 + shock).
	ShockMultiplicative ShockMode = "multiplicative"
	// ShockAdditive shifts returns by the shock amount.
	ShockAdditive ShockMode = "additive"
)

// StressResult summarizes portfolio behavior under a shocked return history.
type StressResult struct {
	StressedReturn float64 `json:"stressed_return"`
	StressedRisk   float64 `json:"stressed_risk"`
	StressedMaxDD  float64 `json:"stressed_max_drawdown"`
}

// StressTest replays the historical per-asset returns under a per-asset shock
// scenario (indexed like the return series) and reports the stressed
// portfolio's mean return, volatility and max drawdown.
func (s *Simulator) StressTest(weights []float64, dailyReturns [][]float64, scenario map[int]float64, mode ShockMode) (*StressResult, error) {
	n := len(dailyReturns)
	if n == 0 {
		return nil, fmt.Errorf("%w: no return series", ErrValidation)
	}
	if len(weights) != n {
		return nil, fmt.Errorf("%w: weights length %d, expected %d", ErrValidation, len(weights), n)
	}
	days := len(dailyReturns[0])
	for i, rs := range dailyReturns {
		if len(rs) != days {
			return nil, fmt.Errorf("%w: asset %d has %d observations, expected %d", ErrValidation, i, len(rs), days)
		}
	}
	switch mode {
	case ShockMultiplicative, ShockAdditive:
	case "":
		mode = ShockMultiplicative
	default:
		return nil, fmt.Errorf("%w: unknown shock mode %q", ErrValidation, mode)
	}

	portfolio := make([]float64, days)
	for d := 0; d < days; d++ {
		var r float64
		for i := 0; i < n; i++ {
			v := dailyReturns[i][d]
			if shock, ok := scenario[i]; ok {
				if mode == ShockAdditive {
					v += shock
				} else {
					v *= 1 + shock
				}
			}
			r += weights[i] * v
		}
		portfolio[d] = r
	}

	return &StressResult{
		StressedReturn: stat.Mean(portfolio, nil),
		StressedRisk:   metrics.Volatility(portfolio),
		StressedMaxDD:  metrics.MaxDrawdown(portfolio),
	}, nil
}
