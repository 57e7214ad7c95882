// Package server exposes the analysis pipeline as a small JSON/PNG HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quantfolio/internal/charts"
	"quantfolio/internal/marketdata"
	"quantfolio/internal/metrics"
	"quantfolio/internal/optimize"
	"quantfolio/internal/pricecache"
	"quantfolio/internal/simulate"
)

// Server wires the data fetcher, optimizer, simulator and chart renderer
// behind HTTP handlers. The latest optimization and simulation results are
// kept so the PNG endpoints can render them.
// Quoter serves latest spot quotes; satisfied by the market-data client.
type Quoter interface {
	FetchLatest(class marketdata.AssetClass, symbols []string) (map[string]marketdata.Quote, error)
}

type Server struct {
	fetcher  pricecache.Fetcher
	quoter   Quoter
	sim      *simulate.Simulator
	renderer *charts.Renderer
	log      *logrus.Logger
	riskFree float64

	mu          sync.Mutex
	lastTrials  []simulate.Trial
	lastSymbols []string
	lastWeights []float64
	lastPaths   *simulate.PathResult
}

func New(fetcher pricecache.Fetcher, quoter Quoter, riskFree float64, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		fetcher:  fetcher,
		quoter:   quoter,
		sim:      simulate.New(log),
		renderer: charts.NewRenderer(),
		log:      log,
		riskFree: riskFree,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/optimize", s.handleOptimize)
	mux.HandleFunc("/api/simulate", s.handleSimulate)
	mux.HandleFunc("/api/simulate/paths", s.handleSimulatePaths)
	mux.HandleFunc("/api/stress", s.handleStress)
	mux.HandleFunc("/api/quotes", s.handleQuotes)
	mux.HandleFunc("/api/frontier.png", s.handleFrontierPNG)
	mux.HandleFunc("/api/allocation.png", s.handleAllocationPNG)
	mux.HandleFunc("/api/paths.png", s.handlePathsPNG)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	return mux
}

func ListenAndServe(addr string, mux *http.ServeMux) error {
	return http.ListenAndServe(addr, mux)
}

// dataRequest selects the price data for a request: either inline per-asset
// price rows, or a symbol set fetched (and cached) from the provider.
type dataRequest struct {
	Symbols    []string    `json:"symbols"`
	Prices     [][]float64 `json:"prices"`
	AssetClass string      `json:"asset_class"`
	Start      string      `json:"start"`
	End        string      `json:"end"`
}

// resolve returns per-asset price rows and their symbols.
func (s *Server) resolve(d dataRequest) ([]string, [][]float64, error) {
	if len(d.Prices) > 0 {
		symbols := d.Symbols
		if len(symbols) == 0 {
			symbols = make([]string, len(d.Prices))
			for i := range symbols {
				symbols[i] = fmt.Sprintf("ASSET%d", i+1)
			}
		}
		if len(symbols) != len(d.Prices) {
			return nil, nil, fmt.Errorf("%w: %d symbols for %d price rows", errBadRequest, len(symbols), len(d.Prices))
		}
		for i, row := range d.Prices {
			if len(row) < 2 {
				return nil, nil, fmt.Errorf("%w: price row %d needs at least 2 points", errBadRequest, i)
			}
			if len(row) != len(d.Prices[0]) {
				return nil, nil, fmt.Errorf("%w: price row %d has %d points, row 0 has %d", errBadRequest, i, len(row), len(d.Prices[0]))
			}
		}
		return symbols, d.Prices, nil
	}

	if s.fetcher == nil {
		return nil, nil, fmt.Errorf("%w: no inline prices and no fetcher configured", errBadRequest)
	}
	if len(d.Symbols) == 0 {
		return nil, nil, fmt.Errorf("%w: symbols required", errBadRequest)
	}
	class, err := marketdata.ParseAssetClass(d.AssetClass)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	start, end, err := parseRange(d.Start, d.End)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	table, err := s.fetcher.FetchPrices(class, d.Symbols, start, end)
	if err != nil {
		return nil, nil, err
	}
	return table.Symbols, table.Prices, nil
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	e := time.Now().UTC()
	st := e.AddDate(-1, 0, 0)
	var err error
	if start != "" {
		if st, err = time.Parse("2006-01-02", start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad start date %q", start)
		}
	}
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad end date %q", end)
		}
	}
	if !st.Before(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is not before end %s", st.Format("2006-01-02"), e.Format("2006-01-02"))
	}
	return st, e, nil
}

type metricsRequest struct {
	dataRequest
	Weights        []float64 `json:"weights"`
	RiskFreeRate   *float64  `json:"risk_free_rate"`
	Confidence     float64   `json:"confidence"`
	OmegaThreshold float64   `json:"omega_threshold"`
}

type metricsResponse struct {
	Symbols           []string  `json:"symbols"`
	Weights           []float64 `json:"weights"`
	AnnualizedReturns []float64 `json:"annualized_returns"`
	Return            float64   `json:"expected_return"`
	Risk              float64   `json:"risk"`
	SharpeRatio       float64   `json:"sharpe_ratio"`
	VaR               float64   `json:"var"`
	CVaR              float64   `json:"cvar"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	OmegaRatio        float64   `json:"omega_ratio"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if !s.decode(w, r, &req) {
		return
	}
	symbols, prices, err := s.resolve(req.dataRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	returns := dailyReturnRows(prices)
	weights := req.Weights
	if weights == nil {
		weights = equalWeights(len(returns))
	}
	if len(weights) != len(returns) {
		s.writeError(w, fmt.Errorf("%w: %d weights for %d assets", errBadRequest, len(weights), len(returns)))
		return
	}
	rf := s.riskFree
	if req.RiskFreeRate != nil {
		rf = *req.RiskFreeRate
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 0.95
	}

	mu := metrics.AnnualizedReturns(returns)
	cov := metrics.AnnualizedCovariance(returns)
	ret, risk := metrics.PortfolioPerformance(weights, mu, cov)

	portfolio := portfolioReturns(weights, returns)
	resp := metricsResponse{
		Symbols:           symbols,
		Weights:           weights,
		AnnualizedReturns: mu,
		Return:            ret,
		Risk:              risk,
		SharpeRatio:       metrics.SharpeRatio(ret, risk, rf),
		VaR:               metrics.VaR(portfolio, confidence),
		CVaR:              metrics.CVaR(portfolio, confidence),
		MaxDrawdown:       metrics.MaxDrawdown(portfolio),
		OmegaRatio:        metrics.OmegaRatio(portfolio, req.OmegaThreshold),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type optimizeRequest struct {
	dataRequest
	RiskFreeRate     *float64  `json:"risk_free_rate"`
	Bounds           string    `json:"bounds"`
	Policy           string    `json:"policy"`
	InitialWeights   []float64 `json:"initial_weights"`
	TransactionCosts []float64 `json:"transaction_costs"`
}

type optimizeResponse struct {
	Symbols []string `json:"symbols"`
	*optimize.Result
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	symbols, prices, err := s.resolve(req.dataRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	returns := dailyReturnRows(prices)
	mu := metrics.AnnualizedReturns(returns)
	cov := metrics.AnnualizedCovariance(returns)

	cfg := optimize.Config{RiskFreeRate: s.riskFree}
	if req.RiskFreeRate != nil {
		cfg.RiskFreeRate = *req.RiskFreeRate
	}
	switch req.Bounds {
	case "", "default":
	case "strict":
		cfg.Bounds = optimize.StrictBounds(len(mu))
	default:
		s.writeError(w, fmt.Errorf("%w: unknown bounds %q", errBadRequest, req.Bounds))
		return
	}
	switch req.Policy {
	case "", "warn":
		cfg.Policy = optimize.PolicyWarn
	case "fail":
		cfg.Policy = optimize.PolicyFail
	default:
		s.writeError(w, fmt.Errorf("%w: unknown policy %q", errBadRequest, req.Policy))
		return
	}

	result, err := optimize.New(cfg, s.log).Optimize(optimize.Request{
		ExpectedReturns:  mu,
		Covariance:       cov,
		InitialWeights:   req.InitialWeights,
		TransactionCosts: req.TransactionCosts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	s.lastSymbols = symbols
	s.lastWeights = result.Weights
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, optimizeResponse{Symbols: symbols, Result: result})
}

type simulateRequest struct {
	dataRequest
	Trials       int      `json:"trials"`
	RiskFreeRate *float64 `json:"risk_free_rate"`
	ShockFactor  float64  `json:"shock_factor"`
	Seed         int64    `json:"seed"`
}

type simulateResponse struct {
	Symbols []string         `json:"symbols"`
	Trials  []simulate.Trial `json:"trials"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !s.decode(w, r, &req) {
		return
	}
	symbols, prices, err := s.resolve(req.dataRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Trials == 0 {
		req.Trials = 5000
	}

	returns := dailyReturnRows(prices)
	mu := metrics.AnnualizedReturns(returns)
	cov := metrics.AnnualizedCovariance(returns)

	rf := s.riskFree
	if req.RiskFreeRate != nil {
		rf = *req.RiskFreeRate
	}
	trials, err := s.sim.RandomAllocations(mu, cov, req.Trials, simulate.AllocationOptions{
		RiskFreeRate: rf,
		ShockFactor:  req.ShockFactor,
		Seed:         req.Seed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	s.lastTrials = trials
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, simulateResponse{Symbols: symbols, Trials: trials})
}

type pathsRequest struct {
	dataRequest
	Trials         int       `json:"trials"`
	TimeHorizon    int       `json:"time_horizon"`
	InitialValue   float64   `json:"initial_value"`
	Weights        []float64 `json:"weights"`
	OmegaThreshold float64   `json:"omega_threshold"`
	Confidence     float64   `json:"confidence"`
	Seed           uint64    `json:"seed"`
}

func (s *Server) handleSimulatePaths(w http.ResponseWriter, r *http.Request) {
	var req pathsRequest
	if !s.decode(w, r, &req) {
		return
	}
	_, prices, err := s.resolve(req.dataRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Trials == 0 {
		req.Trials = 200
	}

	returns := dailyReturnRows(prices)
	result, err := s.sim.Paths(returns, req.Trials, simulate.PathOptions{
		TimeHorizon:    req.TimeHorizon,
		InitialValue:   req.InitialValue,
		Weights:        req.Weights,
		OmegaThreshold: req.OmegaThreshold,
		Confidence:     req.Confidence,
		Seed:           req.Seed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	s.lastPaths = result
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, result)
}

type stressRequest struct {
	dataRequest
	Weights []float64 `json:"weights"`
	// Scenario maps symbol → shock (e.g. {"AAPL": -0.2}).
	Scenario map[string]float64 `json:"scenario"`
	Mode     string             `json:"mode"`
}

func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	var req stressRequest
	if !s.decode(w, r, &req) {
		return
	}
	symbols, prices, err := s.resolve(req.dataRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	returns := dailyReturnRows(prices)
	weights := req.Weights
	if weights == nil {
		weights = equalWeights(len(returns))
	}

	scenario := make(map[int]float64, len(req.Scenario))
	for sym, shock := range req.Scenario {
		found := false
		for i, known := range symbols {
			if strings.EqualFold(known, sym) {
				scenario[i] = shock
				found = true
				break
			}
		}
		if !found {
			s.writeError(w, fmt.Errorf("%w: scenario symbol %q not in portfolio", errBadRequest, sym))
			return
		}
	}

	result, err := s.sim.StressTest(weights, returns, scenario, simulate.ShockMode(req.Mode))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type quotesRequest struct {
	AssetClass string   `json:"asset_class"`
	Symbols    []string `json:"symbols"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	var req quotesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.quoter == nil {
		s.writeError(w, fmt.Errorf("%w: no quote source configured", errBadRequest))
		return
	}
	if len(req.Symbols) == 0 {
		s.writeError(w, fmt.Errorf("%w: symbols required", errBadRequest))
		return
	}
	class, err := marketdata.ParseAssetClass(req.AssetClass)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	quotes, err := s.quoter.FetchLatest(class, req.Symbols)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleFrontierPNG(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	trials := s.lastTrials
	s.mu.Unlock()
	if len(trials) == 0 {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "no simulation yet, POST /api/simulate first"})
		return
	}
	img, err := s.renderer.Frontier(trials)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePNG(w, img)
}

func (s *Server) handleAllocationPNG(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	symbols, weights := s.lastSymbols, s.lastWeights
	s.mu.Unlock()
	if len(weights) == 0 {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "no optimization yet, POST /api/optimize first"})
		return
	}
	img, err := s.renderer.Allocation(symbols, weights)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePNG(w, img)
}

func (s *Server) handlePathsPNG(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	paths := s.lastPaths
	s.mu.Unlock()
	if paths == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "no path simulation yet, POST /api/simulate/paths first"})
		return
	}
	img, err := s.renderer.Paths(paths.Trials)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePNG(w, img)
}

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "POST required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, optimize.ErrValidation),
		errors.Is(err, simulate.ErrValidation),
		errors.Is(err, marketdata.ErrUnknownAssetClass):
		status = http.StatusBadRequest
	case errors.Is(err, optimize.ErrNotConverged):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, marketdata.ErrNoData):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("failed to write response")
	}
}

func writePNG(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func dailyReturnRows(prices [][]float64) [][]float64 {
	out := make([][]float64, len(prices))
	for i, row := range prices {
		out[i] = metrics.DailyReturns(row)
	}
	return out
}

func portfolioReturns(weights []float64, returns [][]float64) []float64 {
	days := len(returns[0])
	for _, rs := range returns {
		if len(rs) < days {
			days = len(rs)
		}
	}
	out := make([]float64, days)
	for d := 0; d < days; d++ {
		for i, rs := range returns {
			out[d] += weights[i] * rs[d]
		}
	}
	return out
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}
