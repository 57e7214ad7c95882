package pricecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantfolio/internal/marketdata"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitSchema(db))
	return NewStore(db, ttl)
}

func sampleTable() *marketdata.PriceTable {
	return &marketdata.PriceTable{
		Dates: []time.Time{
			time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		Symbols: []string{"AAPL", "MSFT"},
		Prices:  [][]float64{{185.5, 186.2}, {370.1, 372.4}},
	}
}

func TestKeyIgnoresSymbolOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	a := Key(marketdata.Stocks, []string{"MSFT", "aapl"}, start, end)
	b := Key(marketdata.Stocks, []string{"AAPL", "MSFT"}, start, end)
	assert.Equal(t, a, b)

	c := Key(marketdata.Crypto, []string{"AAPL", "MSFT"}, start, end)
	assert.NotEqual(t, a, c)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, time.Hour)
	table := sampleTable()

	key := Key(marketdata.Stocks, table.Symbols, table.Dates[0], table.Dates[1])
	_, ok := store.Get(key)
	assert.False(t, ok)

	require.NoError(t, store.Put(key, table))

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, table.Symbols, got.Symbols)
	assert.Equal(t, table.Prices, got.Prices)
	require.Len(t, got.Dates, 2)
	assert.True(t, table.Dates[0].Equal(got.Dates[0]))
}

func TestGetExpiresByTTL(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, time.Hour)
	table := sampleTable()
	key := Key(marketdata.Stocks, table.Symbols, table.Dates[0], table.Dates[1])
	require.NoError(t, store.Put(key, table))

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok := store.Get(key)
	assert.False(t, ok)
}

type countingFetcher struct {
	calls int
	table *marketdata.PriceTable
	err   error
}

func (f *countingFetcher) FetchPrices(marketdata.AssetClass, []string, time.Time, time.Time) (*marketdata.PriceTable, error) {
	f.calls++
	return f.table, f.err
}

func TestCachingFetcherMemoizes(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, time.Hour)
	fetcher := &countingFetcher{table: sampleTable()}
	caching := NewCachingFetcher(fetcher, store)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		table, err := caching.FetchPrices(marketdata.Stocks, []string{"AAPL", "MSFT"}, start, end)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL", "MSFT"}, table.Symbols)
	}
	assert.Equal(t, 1, fetcher.calls)
}

func TestCachingFetcherPropagatesErrors(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, time.Hour)
	fetcher := &countingFetcher{err: fmt.Errorf("wrapped: %w", marketdata.ErrNoData)}
	caching := NewCachingFetcher(fetcher, store)

	_, err := caching.FetchPrices(marketdata.Stocks, []string{"AAPL"}, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, marketdata.ErrNoData)
	assert.Equal(t, 1, fetcher.calls)
}
