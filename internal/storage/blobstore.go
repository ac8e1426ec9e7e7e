// Package storage implements spec.md §6's blob storage contract: an opaque
// key-value map keyed by users/{id}/config.json, users/{id}/history.json,
// and users/{id}/agent_memory.json, each value a serialized snapshot, backed
// by a read-through/write-through cache with TTL and idle eviction.
//
// Adapted from _examples/haasonsaas-nexus/internal/memory/backend/sqlitevec.Backend's
// modernc.org/sqlite usage, narrowed from that package's vector-memory table
// to a flat key/blob table matching this contract.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oxideagent/runtime/internal/observability"
)

const blobsTable = "blobs"

// ErrNotFound is returned by Get when a key has no stored blob.
var ErrNotFound = errors.New("storage: key not found")

const (
	defaultCacheTTL  = time.Hour
	defaultIdleEvict = 30 * time.Minute
)

// Key builders for the three recognized blob kinds.
func ConfigKey(userID string) string      { return fmt.Sprintf("users/%s/config.json", userID) }
func HistoryKey(userID string) string     { return fmt.Sprintf("users/%s/history.json", userID) }
func AgentMemoryKey(userID string) string { return fmt.Sprintf("users/%s/agent_memory.json", userID) }

type cacheEntry struct {
	value      []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// BlobStore is a read-through/write-through cache in front of a SQLite blob
// table. Cache entries expire after cacheTTL and are additionally evicted if
// idle for longer than idleEvict, bounding memory use for long-lived daemons
// serving many users.
type BlobStore struct {
	db          *sql.DB
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	cacheTTL    time.Duration
	idleEvict   time.Duration
	stopJanitor chan struct{}
	metrics     *observability.Metrics
}

// Config configures a BlobStore.
type Config struct {
	// Path to the SQLite database file, or ":memory:" for an ephemeral store.
	Path string
	// CacheTTL overrides the default 1h cache lifetime.
	CacheTTL time.Duration
	// IdleEvict overrides the default 30m idle-eviction window.
	IdleEvict time.Duration
	// Metrics, when non-nil, records query latency/outcome for every
	// Get/Put/Delete call.
	Metrics *observability.Metrics
}

// New opens (creating if necessary) a SQLite-backed BlobStore.
func New(cfg Config) (*BlobStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create blobs table: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	idle := cfg.IdleEvict
	if idle <= 0 {
		idle = defaultIdleEvict
	}

	s := &BlobStore{
		db:          db,
		cache:       make(map[string]*cacheEntry),
		cacheTTL:    ttl,
		idleEvict:   idle,
		stopJanitor: make(chan struct{}),
		metrics:     cfg.Metrics,
	}
	go s.evictLoop()
	return s, nil
}

// recordQuery reports a query's latency and outcome through s.metrics when
// one is configured; it is a no-op otherwise, so Metrics is always optional.
func (s *BlobStore) recordQuery(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(operation, blobsTable, status, time.Since(start).Seconds())
}

// Get reads a blob, serving from cache when fresh and otherwise falling
// through to SQLite and repopulating the cache.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		entry.lastAccess = time.Now()
		value := entry.value
		s.mu.Unlock()
		return value, nil
	}
	s.mu.Unlock()

	start := time.Now()
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordQuery("get", start, nil)
		return nil, ErrNotFound
	}
	if err != nil {
		s.recordQuery("get", start, err)
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	s.recordQuery("get", start, nil)

	s.cacheStore(key, value)
	return value, nil
}

// Put writes a blob through to SQLite and refreshes the cache entry.
func (s *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	s.recordQuery("put", start, err)
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	s.cacheStore(key, value)
	return nil
}

// Delete removes a blob from both the cache and SQLite.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	s.recordQuery("delete", start, err)
	if err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// Close stops the eviction janitor and closes the underlying database.
func (s *BlobStore) Close() error {
	close(s.stopJanitor)
	return s.db.Close()
}

func (s *BlobStore) cacheStore(key string, value []byte) {
	now := time.Now()
	s.mu.Lock()
	s.cache[key] = &cacheEntry{value: value, expiresAt: now.Add(s.cacheTTL), lastAccess: now}
	s.mu.Unlock()
}

func (s *BlobStore) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.cache {
				if now.After(entry.expiresAt) || now.Sub(entry.lastAccess) > s.idleEvict {
					delete(s.cache, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
