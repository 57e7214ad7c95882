package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type yahooChartResp struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"chart"`
}

type yahooSparkResp struct {
	Spark struct {
		Result []struct {
			Symbol   string `json:"symbol"`
			Response []struct {
				Timestamp []int64   `json:"timestamp"`
				Close     []float64 `json:"close"`
			} `json:"response"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"spark"`
}

// Client fetches price series from the Yahoo chart API, rotating hosts with
// a backoff ladder and falling back to the v7 spark endpoint.
type Client struct {
	http     *http.Client
	baseURLs []string
	backoffs []time.Duration
	log      *logrus.Entry
}

// NewClient builds a Client; a nil logger falls back to the standard logrus
// instance.
func NewClient(log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		http: &http.Client{Timeout: 15 * time.Second},
		baseURLs: []string{
			"https://query1.finance.yahoo.com",
			"https://query2.finance.yahoo.com",
		},
		backoffs: []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second},
		log:      log.WithField("component", "marketdata"),
	}
}

func (c *Client) get(url, symbol string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", fmt.Sprintf("https://finance.yahoo.com/quote/%s/chart", strings.ToUpper(symbol)))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read yahoo response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(string(body), "Edge: Too Many Requests") {
		return nil, fmt.Errorf("yahoo returned 429 for %s", symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo returned %d: %s", resp.StatusCode, preview(body))
	}
	if strings.HasPrefix(string(body), "<") || strings.HasPrefix(string(body), "Edge:") {
		return nil, fmt.Errorf("yahoo returned non-json body: %s", preview(body))
	}
	return body, nil
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// fetchDailySeries fetches daily timestamps and close prices for one symbol
// over [start, end], cleaned of non-positive closes and IQR outliers.
func (c *Client) fetchDailySeries(symbol string, start, end time.Time) ([]int64, []float64, error) {
	var yc yahooChartResp
	var lastErr error
	for attempt := 0; attempt < len(c.backoffs)+1; attempt++ {
		for _, base := range c.baseURLs {
			url := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d&events=div,splits",
				base, symbol, start.Unix(), end.Unix())
			body, err := c.get(url, symbol)
			if err != nil {
				lastErr = err
				continue
			}
			if err := json.Unmarshal(body, &yc); err != nil {
				lastErr = fmt.Errorf("failed to parse yahoo json: %v; body: %s", err, preview(body))
				continue
			}
			lastErr = nil
			break
		}
		if lastErr == nil {
			break
		}
		if attempt < len(c.backoffs) {
			c.log.WithError(lastErr).WithField("symbol", symbol).Debug("retrying yahoo chart fetch")
			time.Sleep(c.backoffs[attempt])
		}
	}
	if lastErr != nil {
		ts, cl, sparkErr := c.fetchSparkSeries(symbol, start, end)
		if sparkErr != nil {
			return nil, nil, lastErr
		}
		return ts, cl, nil
	}
	if len(yc.Chart.Result) == 0 || len(yc.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	ts := yc.Chart.Result[0].Timestamp
	cl := yc.Chart.Result[0].Indicators.Quote[0].Close
	ts, cl = filterNonPositive(ts, cl)
	ts, cl = filterIQR(ts, cl, 1.5, 20)
	if len(cl) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return ts, cl, nil
}

// fetchSparkSeries is the v7 fallback; spark only understands range strings,
// so the requested span is mapped onto the closest range bucket.
func (c *Client) fetchSparkSeries(symbol string, start, end time.Time) ([]int64, []float64, error) {
	rangeParam := rangeForSpan(end.Sub(start))
	var lastErr error
	for attempt := 0; attempt < len(c.backoffs)+1; attempt++ {
		for _, base := range c.baseURLs {
			url := fmt.Sprintf("%s/v7/finance/spark?symbols=%s&range=%s&interval=1d",
				base, strings.ToUpper(symbol), rangeParam)
			body, err := c.get(url, symbol)
			if err != nil {
				lastErr = err
				continue
			}
			var sp yahooSparkResp
			if err := json.Unmarshal(body, &sp); err != nil {
				lastErr = fmt.Errorf("failed to parse yahoo spark json: %w", err)
				continue
			}
			if len(sp.Spark.Result) == 0 || len(sp.Spark.Result[0].Response) == 0 {
				lastErr = fmt.Errorf("%w: %s", ErrNoData, symbol)
				continue
			}
			ts := sp.Spark.Result[0].Response[0].Timestamp
			cl := sp.Spark.Result[0].Response[0].Close
			ts, cl = clipToSpan(ts, cl, start, end)
			ts, cl = filterNonPositive(ts, cl)
			ts, cl = filterIQR(ts, cl, 1.5, 20)
			if len(cl) == 0 {
				lastErr = fmt.Errorf("%w: %s", ErrNoData, symbol)
				continue
			}
			return ts, cl, nil
		}
		if attempt < len(c.backoffs) {
			time.Sleep(c.backoffs[attempt])
		}
	}
	return nil, nil, lastErr
}

func rangeForSpan(span time.Duration) string {
	days := int(span.Hours() / 24)
	switch {
	case days <= 5:
		return "5d"
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 182:
		return "6mo"
	case days <= 365:
		return "1y"
	case days <= 730:
		return "2y"
	case days <= 1825:
		return "5y"
	default:
		return "max"
	}
}

func clipToSpan(ts []int64, cl []float64, start, end time.Time) ([]int64, []float64) {
	outTs := make([]int64, 0, len(ts))
	outCl := make([]float64, 0, len(cl))
	for i := range ts {
		if i >= len(cl) {
			break
		}
		if ts[i] < start.Unix() || ts[i] > end.Unix() {
			continue
		}
		outTs = append(outTs, ts[i])
		outCl = append(outCl, cl[i])
	}
	return outTs, outCl
}

// FetchPrices fetches daily close prices for the symbols over [start, end]
// and aligns them into a single date-indexed table. Unknown asset classes
// are rejected; an empty upstream result surfaces as ErrNoData.
func (c *Client) FetchPrices(class AssetClass, symbols []string, start, end time.Time) (*PriceTable, error) {
	if _, err := ParseAssetClass(string(class)); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", ErrNoData)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("invalid date range: %s is not before %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	series := make([]assetSeries, 0, len(symbols))
	for _, symbol := range symbols {
		decorated := DecorateSymbol(class, symbol)
		ts, cl, err := c.fetchDailySeries(decorated, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", decorated, err)
		}
		c.log.WithFields(logrus.Fields{"symbol": decorated, "points": len(cl)}).Debug("fetched series")
		series = append(series, assetSeries{symbol: strings.ToUpper(symbol), timestamps: ts, prices: cl})
	}

	table, err := alignSeries(series)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// FetchLatest fetches the most recent close and its timestamp per symbol.
func (c *Client) FetchLatest(class AssetClass, symbols []string) (map[string]Quote, error) {
	if _, err := ParseAssetClass(string(class)); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols requested", ErrNoData)
	}

	out := make(map[string]Quote, len(symbols))
	now := time.Now()
	for _, symbol := range symbols {
		decorated := DecorateSymbol(class, symbol)
		ts, cl, err := c.fetchDailySeries(decorated, now.AddDate(0, 0, -7), now)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch latest %s: %w", decorated, err)
		}
		last := len(cl) - 1
		out[strings.ToUpper(symbol)] = Quote{
			Price:     cl[last],
			Timestamp: time.Unix(ts[last], 0).UTC(),
		}
	}
	return out, nil
}

type assetSeries struct {
	symbol     string
	timestamps []int64
	prices     []float64
}

// alignSeries forward-fills every series onto the timeline of the asset with
// the fewest observations, collapsing timestamps to dates so mixed
// market-hours and 24/7 assets line up.
func alignSeries(series []assetSeries) (*PriceTable, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no series to align", ErrNoData)
	}

	base := series[0]
	for _, s := range series[1:] {
		if len(s.timestamps) < len(base.timestamps) {
			base = s
		}
	}
	if len(base.timestamps) == 0 {
		return nil, fmt.Errorf("%w: empty base series", ErrNoData)
	}

	// Collapse the base timeline to unique UTC dates.
	seen := map[time.Time]bool{}
	var dates []time.Time
	for _, ts := range base.timestamps {
		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		if !seen[day] {
			seen[day] = true
			dates = append(dates, day)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	table := &PriceTable{Dates: dates, Symbols: make([]string, len(series)), Prices: make([][]float64, len(series))}
	for si, s := range series {
		table.Symbols[si] = s.symbol

		// Last observation at or before each day boundary.
		byDay := map[time.Time]float64{}
		for i, ts := range s.timestamps {
			if i >= len(s.prices) || s.prices[i] <= 0 {
				continue
			}
			day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
			byDay[day] = s.prices[i]
		}

		row := make([]float64, len(dates))
		var last float64
		var have bool
		for di, day := range dates {
			if p, ok := byDay[day]; ok {
				last, have = p, true
			} else if !have {
				if p := firstPriceAfter(s, day); p > 0 {
					last, have = p, true
				}
			}
			if !have {
				return nil, fmt.Errorf("%w: no usable prices for %s", ErrNoData, s.symbol)
			}
			row[di] = last
		}
		table.Prices[si] = row
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func firstPriceAfter(s assetSeries, day time.Time) float64 {
	cutoff := day.Unix()
	for i, ts := range s.timestamps {
		if ts >= cutoff && i < len(s.prices) && s.prices[i] > 0 {
			return s.prices[i]
		}
	}
	return 0
}
