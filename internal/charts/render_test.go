package charts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantfolio/internal/simulate"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func sampleTrials(n int) []simulate.Trial {
	trials := make([]simulate.Trial, n)
	for i := range trials {
		vol := 0.10 + 0.01*float64(i)
		ret := 0.05 + 0.008*float64(i%7)
		trials[i] = simulate.Trial{Volatility: vol, Return: ret, Sharpe: ret / vol}
	}
	return trials
}

func TestFrontierRendersPNG(t *testing.T) {
	r := NewRenderer()
	img, err := r.Frontier(sampleTrials(40))
	require.NoError(t, err)
	require.Greater(t, len(img), 4)
	assert.Equal(t, pngMagic, img[:4])
}

func TestFrontierRejectsTooFewTrials(t *testing.T) {
	r := NewRenderer()
	_, err := r.Frontier(sampleTrials(1))
	assert.Error(t, err)
}

func TestAllocationRendersPNG(t *testing.T) {
	r := NewRenderer()
	img, err := r.Allocation([]string{"AAPL", "MSFT", "GLD"}, []float64{0.5, 0.3, 0.2})
	require.NoError(t, err)
	assert.Equal(t, pngMagic, img[:4])

	_, err = r.Allocation([]string{"AAPL"}, []float64{0.5, 0.5})
	assert.Error(t, err)
	_, err = r.Allocation(nil, nil)
	assert.Error(t, err)
}

func TestPathsRendersPNG(t *testing.T) {
	r := NewRenderer()
	trials := make([]simulate.PathTrial, 80)
	for i := range trials {
		values := make([]float64, 30)
		for j := range values {
			values[j] = 10000 * (1 + 0.001*float64(j)*float64(i%5+1))
		}
		trials[i] = simulate.PathTrial{Values: values}
	}
	img, err := r.Paths(trials)
	require.NoError(t, err)
	assert.Equal(t, pngMagic, img[:4])
}

func TestImageCacheRoundTripAndExpiry(t *testing.T) {
	c := newImageCache(50 * time.Millisecond)
	_, ok := c.get("k")
	assert.False(t, ok)

	c.set("k", []byte{1, 2, 3})
	got, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.get("k")
	assert.False(t, ok)
}

func TestCacheKeysCoverEveryTrial(t *testing.T) {
	a := sampleTrials(40)
	b := sampleTrials(40)
	// A change to any single trial, first or last or in between, must miss
	// the cache.
	for _, i := range []int{0, 17, 39} {
		b[i].Return += 0.001
		assert.NotEqual(t, frontierKey(a), frontierKey(b), i)
		b[i] = a[i]
	}
	assert.Equal(t, frontierKey(a), frontierKey(b))

	paths := func(bump int) []simulate.PathTrial {
		trials := make([]simulate.PathTrial, 6)
		for i := range trials {
			trials[i] = simulate.PathTrial{Values: []float64{100, 101, 102}}
		}
		if bump >= 0 {
			trials[bump].Values = []float64{100, 101.5, 102}
		}
		return trials
	}
	for i := 0; i < 6; i++ {
		assert.NotEqual(t, pathsKey(paths(-1)), pathsKey(paths(i)), i)
	}
}

func TestFrontierUsesCache(t *testing.T) {
	r := NewRenderer()
	trials := sampleTrials(20)
	first, err := r.Frontier(trials)
	require.NoError(t, err)
	second, err := r.Frontier(trials)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
