package marketdata

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssetClass(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"stocks", "Indices", " FOREX ", "crypto"} {
		_, err := ParseAssetClass(s)
		assert.NoError(t, err, s)
	}

	_, err := ParseAssetClass("bonds")
	assert.ErrorIs(t, err, ErrUnknownAssetClass)
	_, err = ParseAssetClass("")
	assert.ErrorIs(t, err, ErrUnknownAssetClass)
}

func TestDecorateSymbol(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AAPL", DecorateSymbol(Stocks, "aapl"))
	assert.Equal(t, "^GSPC", DecorateSymbol(Indices, "GSPC"))
	assert.Equal(t, "^GSPC", DecorateSymbol(Indices, "^GSPC"))
	assert.Equal(t, "EURUSD=X", DecorateSymbol(Forex, "EURUSD"))
	assert.Equal(t, "EURUSD=X", DecorateSymbol(Forex, "eurusd=x"))
	assert.Equal(t, "BTC-USD", DecorateSymbol(Crypto, "BTC"))
	assert.Equal(t, "ETH-EUR", DecorateSymbol(Crypto, "ETH-EUR"))
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPriceTableValidate(t *testing.T) {
	t.Parallel()

	good := &PriceTable{
		Dates:   []time.Time{day("2024-01-02"), day("2024-01-03")},
		Symbols: []string{"AAPL"},
		Prices:  [][]float64{{185.5, 186.2}},
	}
	assert.NoError(t, good.Validate())

	dup := &PriceTable{
		Dates:   []time.Time{day("2024-01-02"), day("2024-01-02")},
		Symbols: []string{"AAPL"},
		Prices:  [][]float64{{185.5, 186.2}},
	}
	assert.Error(t, dup.Validate())

	ragged := &PriceTable{
		Dates:   []time.Time{day("2024-01-02"), day("2024-01-03")},
		Symbols: []string{"AAPL"},
		Prices:  [][]float64{{185.5}},
	}
	assert.Error(t, ragged.Validate())

	empty := &PriceTable{}
	assert.ErrorIs(t, empty.Validate(), ErrNoData)
}

func TestAlignSeriesForwardFill(t *testing.T) {
	t.Parallel()

	mon := day("2024-01-01").Unix()
	tue := day("2024-01-02").Unix()
	wed := day("2024-01-03").Unix()

	table, err := alignSeries([]assetSeries{
		{symbol: "AAA", timestamps: []int64{mon, tue, wed}, prices: []float64{10, 11, 12}},
		// BBB has no Tuesday print; Monday's close carries forward.
		{symbol: "BBB", timestamps: []int64{mon, wed}, prices: []float64{50, 52}},
	})
	require.NoError(t, err)

	require.Len(t, table.Dates, 2) // BBB is the sparser base timeline
	aaa, ok := table.Column("AAA")
	require.True(t, ok)
	bbb, ok := table.Column("BBB")
	require.True(t, ok)
	assert.Equal(t, []float64{10, 12}, aaa)
	assert.Equal(t, []float64{50, 52}, bbb)
}

func TestAlignSeriesBackfillsLeadingGap(t *testing.T) {
	t.Parallel()

	mon := day("2024-01-01").Unix()
	tue := day("2024-01-02").Unix()
	wed := day("2024-01-03").Unix()

	table, err := alignSeries([]assetSeries{
		{symbol: "AAA", timestamps: []int64{mon, tue, wed}, prices: []float64{10, 11, 12}},
		{symbol: "BBB", timestamps: []int64{mon, tue, wed}, prices: []float64{0, 51, 52}},
	})
	require.NoError(t, err)

	bbb, ok := table.Column("BBB")
	require.True(t, ok)
	// Monday's zero print is unusable; the first real price backfills it.
	assert.Equal(t, []float64{51, 51, 52}, bbb)
}

func TestReadCSV(t *testing.T) {
	t.Parallel()

	input := strings.TrimSpace(`
Date,AAPL,MSFT
2024-01-02,185.5,370.1
2024-01-03,186.2,372.4
2024-01-04,,371.0
2024-01-05,187.0,373.3
`)
	table, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT"}, table.Symbols)
	require.Len(t, table.Dates, 4)

	aapl, ok := table.Column("AAPL")
	require.True(t, ok)
	// Blank cell forward-filled from the prior close.
	assert.Equal(t, []float64{185.5, 186.2, 186.2, 187.0}, aapl)
}

func TestReadCSVErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing asset column": "Date\n2024-01-02",
		"bad date":             "Date,AAPL\nnot-a-date,185.5",
		"bad price":            "Date,AAPL\n2024-01-02,abc",
		"negative price":       "Date,AAPL\n2024-01-02,-5",
		"leading blank":        "Date,AAPL\n2024-01-02,\n2024-01-03,185.5",
		"duplicate date":       "Date,AAPL\n2024-01-02,185.5\n2024-01-02,186.0",
	}
	for name, input := range cases {
		_, err := ReadCSV(strings.NewReader(input))
		assert.Error(t, err, name)
	}
}

func TestRangeForSpan(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "5d", rangeForSpan(3*24*time.Hour))
	assert.Equal(t, "1y", rangeForSpan(300*24*time.Hour))
	assert.Equal(t, "max", rangeForSpan(4000*24*time.Hour))
}

func TestFilterIQR(t *testing.T) {
	t.Parallel()

	ts := make([]int64, 25)
	cl := make([]float64, 25)
	for i := range ts {
		ts[i] = int64(i)
		cl[i] = 100 + float64(i%5)
	}
	cl[10] = 100000 // spike

	_, filtered := filterIQR(ts, cl, 1.5, 20)
	assert.Len(t, filtered, 24)
	for _, v := range filtered {
		assert.Less(t, v, 1000.0)
	}
}
