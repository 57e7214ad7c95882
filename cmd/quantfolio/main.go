package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"quantfolio/internal/charts"
	"quantfolio/internal/config"
	"quantfolio/internal/marketdata"
	"quantfolio/internal/metrics"
	"quantfolio/internal/optimize"
	"quantfolio/internal/pricecache"
	"quantfolio/internal/server"
	"quantfolio/internal/simulate"
)

func main() {
	csvPath := flag.String("csv", "", "run a one-shot analysis over a price CSV instead of serving")
	outDir := flag.String("out", "out", "directory for generated charts in csv mode")
	trials := flag.Int("trials", 5000, "Monte Carlo trials in csv mode")
	strict := flag.Bool("strict", false, "use 5%-30% per-asset bounds in csv mode")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	if *csvPath != "" {
		if err := runBatch(log, cfg, *csvPath, *outDir, *trials, *strict); err != nil {
			log.Fatal(err)
		}
		return
	}

	// Ensure parent directory for the cache DB exists
	_ = os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755)
	db, err := pricecache.OpenSQLite("file:" + cfg.CachePath + "?_fk=1")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := pricecache.InitSchema(db); err != nil {
		log.Fatal(err)
	}
	log.WithField("path", cfg.CachePath).Info("price cache opened")

	store := pricecache.NewStore(db, cfg.CacheTTL)
	if err := store.Purge(); err != nil {
		log.WithError(err).Warn("cache purge failed")
	}
	client := marketdata.NewClient(log)
	fetcher := pricecache.NewCachingFetcher(client, store)

	mux := server.New(fetcher, client, cfg.RiskFreeRate, log).Mux()
	addr := ":" + cfg.Port
	log.WithField("addr", addr).Info("http listening")
	if err := server.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("server error")
		os.Exit(1)
	}
}

// runBatch analyzes a local price CSV end to end: optimize the allocation,
// sweep random portfolios for the frontier, simulate forward paths, and write
// the charts to outDir.
func runBatch(log *logrus.Logger, cfg config.Config, csvPath, outDir string, trials int, strict bool) error {
	table, err := marketdata.LoadCSV(csvPath)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"assets": len(table.Symbols), "days": len(table.Dates)}).
		Info("loaded price table")

	returns := make([][]float64, len(table.Prices))
	for i, row := range table.Prices {
		returns[i] = metrics.DailyReturns(row)
	}
	mu := metrics.AnnualizedReturns(returns)
	cov := metrics.AnnualizedCovariance(returns)

	optCfg := optimize.Config{RiskFreeRate: cfg.RiskFreeRate}
	if strict {
		optCfg.Bounds = optimize.StrictBounds(len(mu))
	}
	result, err := optimize.New(optCfg, log).Optimize(optimize.Request{
		ExpectedReturns: mu,
		Covariance:      cov,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Optimal allocation (Sharpe %.3f, return %.2f%%, risk %.2f%%):\n",
		result.SharpeRatio, result.Return*100, result.Risk*100)
	for i, sym := range table.Symbols {
		fmt.Printf("  %-10s %6.2f%%\n", sym, result.Weights[i]*100)
	}
	if !result.Converged {
		fmt.Printf("  (solver status: %s)\n", result.Status)
	}

	sim := simulate.New(log)
	cloud, err := sim.RandomAllocations(mu, cov, trials, simulate.AllocationOptions{RiskFreeRate: cfg.RiskFreeRate})
	if err != nil {
		return err
	}
	paths, err := sim.Paths(returns, 200, simulate.PathOptions{Weights: result.Weights})
	if err != nil {
		return err
	}
	if paths.Degraded {
		log.WithField("sampler", paths.Sampler).Warn("path simulation degraded")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	renderer := charts.NewRenderer()
	files := []struct {
		name   string
		render func() ([]byte, error)
	}{
		{"frontier.png", func() ([]byte, error) { return renderer.Frontier(cloud) }},
		{"allocation.png", func() ([]byte, error) { return renderer.Allocation(table.Symbols, result.Weights) }},
		{"paths.png", func() ([]byte, error) { return renderer.Paths(paths.Trials) }},
	}
	for _, f := range files {
		img, err := f.render()
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		path := filepath.Join(outDir, f.name)
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return err
		}
		log.WithField("path", path).Info("chart written")
	}
	return nil
}
