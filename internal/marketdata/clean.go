package marketdata

import "sort"

// filterNonPositive drops points with close <= 0, keeping timestamps and
// values aligned. Yahoo occasionally reports zero closes for halted sessions.
func filterNonPositive(ts []int64, cl []float64) ([]int64, []float64) {
	n := len(ts)
	if len(cl) < n {
		n = len(cl)
	}
	outTs := make([]int64, 0, n)
	outCl := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if cl[i] <= 0 {
			continue
		}
		outTs = append(outTs, ts[i])
		outCl = append(outCl, cl[i])
	}
	return outTs, outCl
}

// filterIQR removes outliers outside [Q1 - k*IQR, Q3 + k*IQR]. Series shorter
// than minPoints are returned untouched, and the filter backs off when it
// would discard more than half the points.
func filterIQR(ts []int64, cl []float64, k float64, minPoints int) ([]int64, []float64) {
	if len(cl) < minPoints {
		return ts, cl
	}
	vals := make([]float64, len(cl))
	copy(vals, cl)
	sort.Float64s(vals)

	q1 := percentile(vals, 0.25)
	q3 := percentile(vals, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return ts, cl
	}
	lower := q1 - k*iqr
	upper := q3 + k*iqr

	outTs := make([]int64, 0, len(ts))
	outCl := make([]float64, 0, len(cl))
	for i := range cl {
		if cl[i] < lower || cl[i] > upper {
			continue
		}
		outTs = append(outTs, ts[i])
		outCl = append(outCl, cl[i])
	}
	if len(outCl) < minPoints/2 {
		return ts, cl
	}
	return outTs, outCl
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
