package vuln

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var advisoryBucket = []byte("advisories")

// DefaultCacheTTL is how long a cached lookup result stays fresh.
const DefaultCacheTTL = 6 * time.Hour

// Cache is a bbolt-backed read-through cache in front of a lookup
// service. Lookup failures are propagated, never papered over with
// stale data: "lookup did not complete" must stay distinguishable from
// "not vulnerable".
type Cache struct {
	db    *bolt.DB
	inner Service
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	FetchedAt time.Time `json:"fetched_at"`
	Result    Result    `json:"result"`
}

// NewCache opens (or creates) the cache database at path.
func NewCache(path string, inner Service, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open advisory cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(advisoryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, inner: inner, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Query returns the cached result when fresh, otherwise queries the
// wrapped service and stores the outcome.
func (c *Cache) Query(ctx context.Context, name, version string) (*Result, error) {
	key := []byte(name + "@" + version)

	var entry cacheEntry
	var hit bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(advisoryBucket).Get(key)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		hit = true
		return nil
	})
	if hit && c.now().Sub(entry.FetchedAt) < c.ttl {
		result := entry.Result
		return &result, nil
	}

	result, err := c.inner.Query(ctx, name, version)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cacheEntry{FetchedAt: c.now(), Result: *result})
	if err == nil {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(advisoryBucket).Put(key, raw)
		})
	}

	return result, nil
}
