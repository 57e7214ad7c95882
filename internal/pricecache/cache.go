// Package pricecache memoizes fetched price tables on disk so repeated
// analyses over the same symbols and date range skip the upstream provider.
package pricecache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	// Register sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"quantfolio/internal/marketdata"
)

type DB interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	Close() error
}

// Store is an injectable key/value cache of price tables keyed by
// (asset class, sorted symbols, date range).
type Store struct {
	db  DB
	ttl time.Duration
	now func() time.Time
}

func OpenSQLite(dsn string) (DB, error) {
	return sql.Open("sqlite3", dsn)
}

func InitSchema(db DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS price_cache(
		cache_key TEXT PRIMARY KEY, payload TEXT NOT NULL, fetched_at INTEGER NOT NULL
	)`)
	return err
}

// NewStore wraps an opened database. Entries older than ttl are treated as
// misses and lazily evicted; ttl <= 0 means entries never expire.
func NewStore(db DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Key builds the canonical cache key; symbol order does not matter.
func Key(class marketdata.AssetClass, symbols []string, start, end time.Time) string {
	sorted := make([]string, len(symbols))
	for i, s := range symbols {
		sorted[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%s|%s|%s",
		class, strings.Join(sorted, ","),
		start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
}

// Get returns the cached table for key, or (nil, false) on miss or expiry.
func (s *Store) Get(key string) (*marketdata.PriceTable, bool) {
	rows, err := s.db.Query(`SELECT payload, fetched_at FROM price_cache WHERE cache_key=?`, key)
	if err != nil {
		return nil, false
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false
	}
	var payload string
	var fetchedAt int64
	if err := rows.Scan(&payload, &fetchedAt); err != nil {
		return nil, false
	}
	if s.ttl > 0 && s.now().After(time.Unix(fetchedAt, 0).Add(s.ttl)) {
		rows.Close()
		_, _ = s.db.Exec(`DELETE FROM price_cache WHERE cache_key=?`, key)
		return nil, false
	}
	var table marketdata.PriceTable
	if err := json.Unmarshal([]byte(payload), &table); err != nil {
		return nil, false
	}
	if err := table.Validate(); err != nil {
		return nil, false
	}
	return &table, true
}

// Put stores a table under key, replacing any prior entry.
func (s *Store) Put(key string, table *marketdata.PriceTable) error {
	payload, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode price table: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO price_cache(cache_key,payload,fetched_at) VALUES(?,?,?)`,
		key, string(payload), s.now().Unix())
	return err
}

// Purge deletes all expired entries; a no-op without a TTL.
func (s *Store) Purge() error {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	_, err := s.db.Exec(`DELETE FROM price_cache WHERE fetched_at < ?`, cutoff)
	return err
}

// Fetcher is the slice of the market-data client the cache wraps.
type Fetcher interface {
	FetchPrices(class marketdata.AssetClass, symbols []string, start, end time.Time) (*marketdata.PriceTable, error)
}

// CachingFetcher memoizes FetchPrices through a Store. Latest-quote lookups
// are deliberately not cached.
type CachingFetcher struct {
	fetcher Fetcher
	store   *Store
}

func NewCachingFetcher(fetcher Fetcher, store *Store) *CachingFetcher {
	return &CachingFetcher{fetcher: fetcher, store: store}
}

func (c *CachingFetcher) FetchPrices(class marketdata.AssetClass, symbols []string, start, end time.Time) (*marketdata.PriceTable, error) {
	key := Key(class, symbols, start, end)
	if table, ok := c.store.Get(key); ok {
		return table, nil
	}
	table, err := c.fetcher.FetchPrices(class, symbols, start, end)
	if err != nil {
		return nil, err
	}
	if putErr := c.store.Put(key, table); putErr != nil {
		// A cache write failure never fails the fetch.
		return table, nil
	}
	return table, nil
}
