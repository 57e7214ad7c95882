// Package charts renders analysis results as PNG images.
package charts

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	charts "github.com/vicanso/go-charts/v2"

	"quantfolio/internal/simulate"
)

const cacheTTL = 60 * time.Second

// Renderer draws portfolio charts and keeps a short-lived cache of the
// rendered bytes keyed by the request parameters.
type Renderer struct {
	cache *imageCache
}

func NewRenderer() *Renderer {
	return &Renderer{cache: newImageCache(cacheTTL)}
}

// Frontier renders the simulated risk/return cloud as a line over trials
// sorted by volatility, with the efficient envelope (best return reached at or
// below each risk level) overlaid.
func (r *Renderer) Frontier(trials []simulate.Trial) ([]byte, error) {
	if len(trials) < 2 {
		return nil, fmt.Errorf("need at least 2 trials to draw a frontier, got %d", len(trials))
	}

	key := frontierKey(trials)
	if img, ok := r.cache.get(key); ok {
		return img, nil
	}

	sorted := make([]simulate.Trial, len(trials))
	copy(sorted, trials)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Volatility < sorted[j].Volatility })

	xLabels := make([]string, len(sorted))
	returns := make([]float64, len(sorted))
	envelope := make([]float64, len(sorted))
	best := sorted[0]
	for i, tr := range sorted {
		xLabels[i] = fmt.Sprintf("%.1f%%", tr.Volatility*100)
		returns[i] = tr.Return * 100
		if i == 0 || returns[i] > envelope[i-1] {
			envelope[i] = returns[i]
		} else {
			envelope[i] = envelope[i-1]
		}
		if tr.Sharpe > best.Sharpe {
			best = tr
		}
	}

	yMin, yMax := axisRange(append(append([]float64{}, returns...), envelope...))
	subtitle := fmt.Sprintf("Best Sharpe: %.2f (Return %.2f%% | Vol %.2f%%) over %d trials",
		best.Sharpe, best.Return*100, best.Volatility*100, len(sorted))

	names := []string{"Simulated", "Envelope"}
	seriesList := charts.NewSeriesListDataFromValues([][]float64{returns, envelope}, charts.ChartTypeLine)
	for i := range seriesList {
		seriesList[i].Name = names[i]
	}

	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc("Efficient Frontier", subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: xLabels, BoundaryGap: charts.FalseFlag(), SplitNumber: splitFor(len(xLabels))}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontier chart: %w", err)
	}
	buf, err := painter.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}
	r.cache.set(key, buf)
	return buf, nil
}

// Allocation renders portfolio weights as a pie chart.
func (r *Renderer) Allocation(symbols []string, weights []float64) ([]byte, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols provided")
	}
	if len(symbols) != len(weights) {
		return nil, fmt.Errorf("symbols and weights length mismatch")
	}

	key := allocationKey(symbols, weights)
	if img, ok := r.cache.get(key); ok {
		return img, nil
	}

	labels := make([]string, len(symbols))
	values := make([]float64, len(weights))
	for i, s := range symbols {
		labels[i] = fmt.Sprintf("%s %.1f%%", strings.ToUpper(s), weights[i]*100)
		values[i] = weights[i] * 100
	}

	painter, err := charts.PieRender(values,
		charts.TitleTextOptionFunc("Portfolio Allocation"),
		charts.LegendOptionFunc(charts.LegendOption{Data: labels, Top: charts.PositionTop}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(800),
		charts.HeightOptionFunc(600),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render allocation chart: %w", err)
	}
	buf, err := painter.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}
	r.cache.set(key, buf)
	return buf, nil
}

// maxPathSeries caps the fan so the chart stays legible.
const maxPathSeries = 50

// Paths renders a fan of simulated portfolio value paths.
func (r *Renderer) Paths(trials []simulate.PathTrial) ([]byte, error) {
	if len(trials) == 0 {
		return nil, fmt.Errorf("no paths provided")
	}
	horizon := len(trials[0].Values)
	if horizon < 2 {
		return nil, fmt.Errorf("paths need at least 2 points, got %d", horizon)
	}

	shown := trials
	if len(shown) > maxPathSeries {
		shown = shown[:maxPathSeries]
	}

	key := pathsKey(shown)
	if img, ok := r.cache.get(key); ok {
		return img, nil
	}

	xLabels := make([]string, horizon)
	for i := range xLabels {
		xLabels[i] = fmt.Sprintf("%d", i+1)
	}
	values := make([][]float64, len(shown))
	var flat []float64
	for i, tr := range shown {
		if len(tr.Values) != horizon {
			return nil, fmt.Errorf("path %d has %d points, expected %d", i, len(tr.Values), horizon)
		}
		values[i] = tr.Values
		flat = append(flat, tr.Values...)
	}
	yMin, yMax := axisRange(flat)

	subtitle := fmt.Sprintf("%d of %d paths over %d days", len(shown), len(trials), horizon)
	seriesList := charts.NewSeriesListDataFromValues(values, charts.ChartTypeLine)

	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc("Simulated Portfolio Paths", subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: xLabels, BoundaryGap: charts.FalseFlag(), SplitNumber: splitFor(horizon)}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render paths chart: %w", err)
	}
	buf, err := painter.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}
	r.cache.set(key, buf)
	return buf, nil
}

func axisRange(values []float64) (float64, float64) {
	minVal, maxVal := values[0], values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	pad := (maxVal - minVal) * 0.05
	if pad == 0 {
		pad = 1
	}
	return minVal - pad, maxVal + pad
}

func splitFor(points int) int {
	split := 6
	if points <= 30 {
		split = points / 3
		if split < 3 {
			split = 3
		}
	}
	return split
}

func frontierKey(trials []simulate.Trial) string {
	h := fnv.New64a()
	for _, tr := range trials {
		hashFloat(h, tr.Volatility)
		hashFloat(h, tr.Return)
		hashFloat(h, tr.Sharpe)
	}
	return fmt.Sprintf("frontier|%d|%x", len(trials), h.Sum64())
}

func allocationKey(symbols []string, weights []float64) string {
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = fmt.Sprintf("%s=%.4f", strings.ToUpper(s), weights[i])
	}
	return "alloc|" + strings.Join(parts, ",")
}

func pathsKey(trials []simulate.PathTrial) string {
	h := fnv.New64a()
	for _, tr := range trials {
		for _, v := range tr.Values {
			hashFloat(h, v)
		}
	}
	return fmt.Sprintf("paths|%d|%x", len(trials), h.Sum64())
}

func hashFloat(h hash.Hash64, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	_, _ = h.Write(buf[:])
}
