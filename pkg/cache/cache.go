// Package cache implements the content-addressed result cache: a SQLite
// table keyed by the canonicalized job key (see pkg/canonicalize), with an
// optional Redis layer in front of it for read-through acceleration across
// process restarts of a short-lived shell. Concurrent lookups for the same
// key are collapsed with golang.org/x/sync/singleflight so two identical
// jobs submitted back to back only do the work once.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/uicp/compute-core/pkg/jobspec"
)

// Mode controls how the cache participates in a job run.
type Mode string

const (
	ModeReadWrite Mode = jobspec.CacheModeReadWrite
	ModeReadOnly  Mode = jobspec.CacheModeReadOnly
	// ModeNone bypasses both read and write, same as ModeDisabled, but is
	// a distinct explicit opt-out: disabled additionally keeps a
	// previously cached outputHash out of this job's provenance, whereas
	// none only skips touching the cache for this run.
	ModeNone     Mode = jobspec.CacheModeNone
	ModeDisabled Mode = jobspec.CacheModeDisabled
)

// Entry is one stored result.
type Entry struct {
	Key       string
	Task      string
	EnvHash   string
	Value     json.RawMessage
	CreatedAt time.Time
}

// Cache mediates between SQLite (source of truth) and an optional Redis
// read-through layer.
type Cache struct {
	db    *sql.DB
	redis *redis.Client
	group singleflight.Group
}

// Open prepares the compute_cache table if it doesn't exist.
func Open(db *sql.DB, redisClient *redis.Client) (*Cache, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS compute_cache (
	key        TEXT PRIMARY KEY,
	task       TEXT NOT NULL,
	env_hash   TEXT NOT NULL,
	value_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("cache: create table: %w", err)
	}
	return &Cache{db: db, redis: redisClient}, nil
}

// Lookup returns the cached entry for key, checking Redis first (if wired)
// then falling back to SQLite. A Redis miss backfills Redis from SQLite so
// subsequent lookups for the same key are served from memory.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, redisKey(key)).Result(); err == nil {
			var e Entry
			if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil {
				return &e, true, nil
			}
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.lookupSQLite(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	entry, ok := v.(*Entry)
	if !ok || entry == nil {
		return nil, false, nil
	}

	if c.redis != nil {
		if raw, err := json.Marshal(entry); err == nil {
			c.redis.Set(ctx, redisKey(key), raw, 24*time.Hour)
		}
	}
	return entry, true, nil
}

func (c *Cache) lookupSQLite(ctx context.Context, key string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT task, env_hash, value_json, created_at FROM compute_cache WHERE key = ?`, key)

	var e Entry
	var createdAt string
	var valueJSON string
	e.Key = key
	if err := row.Scan(&e.Task, &e.EnvHash, &valueJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: lookup %s: %w", key, err)
	}
	e.Value = json.RawMessage(valueJSON)
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err == nil {
		e.CreatedAt = parsed
	}
	return &e, nil
}

// Store upserts a result under key, per the mode's write permission.
func (c *Cache) Store(ctx context.Context, mode Mode, key, task, envHash string, value json.RawMessage) error {
	if mode != ModeReadWrite {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO compute_cache (key, task, env_hash, value_json, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, created_at = excluded.created_at`,
		key, task, envHash, string(value), now)
	if err != nil {
		return fmt.Errorf("cache: store %s: %w", key, err)
	}

	if c.redis != nil {
		entry := Entry{Key: key, Task: task, EnvHash: envHash, Value: value}
		if raw, err := json.Marshal(entry); err == nil {
			c.redis.Set(ctx, redisKey(key), raw, 24*time.Hour)
		}
	}
	return nil
}

// Clear removes every cached entry from SQLite and flushes the Redis
// database, if one is wired.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM compute_cache`); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	if c.redis != nil {
		c.redis.FlushDB(ctx)
	}
	return nil
}

func redisKey(key string) string {
	return "uicp:compute-cache:" + key
}
