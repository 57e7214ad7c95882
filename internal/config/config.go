package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	CachePath    string
	CacheTTL     time.Duration
	RiskFreeRate float64
}

// Load reads configuration from the environment, after a best-effort .env
// load. Every setting has a default so the binary runs with no environment at
// all.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:         envOr("PORT", "9095"),
		CachePath:    envOr("CACHE_PATH", "data/prices.db"),
		CacheTTL:     24 * time.Hour,
		RiskFreeRate: 0.02,
	}

	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("bad CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = ttl
	}
	if v := os.Getenv("RISK_FREE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("bad RISK_FREE_RATE %q: %w", v, err)
		}
		cfg.RiskFreeRate = rate
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
