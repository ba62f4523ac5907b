// Package querycache memoizes primary-key lookups against storage for a
// bounded time. It caches raw rows, never live entities, so the identity map
// stays the only source of object identity.
package querycache

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"uowcore/pkg/domain"
)

// DefaultSize bounds the number of cached lookups when no size is given.
const DefaultSize = 1024

// Cache is a TTL and LRU bounded map from lookup shape to storage rows. A nil
// *Cache is valid and caches nothing.
type Cache struct {
	lru *expirable.LRU[string, []domain.Record]
	ttl time.Duration
}

// New returns a cache holding up to size lookups for ttl each. A
// non-positive ttl disables caching and returns nil.
func New(size int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{lru: expirable.NewLRU[string, []domain.Record](size, nil, ttl), ttl: ttl}
}

type shape struct {
	Table string   `json:"table"`
	Keys  []string `json:"keys"`
}

// Key serializes a lookup into its canonical cache key.
func Key(table string, keys []domain.PrimaryKey) string {
	s := shape{Table: table, Keys: make([]string, len(keys))}
	for i, k := range keys {
		s.Keys[i] = k.String()
	}
	data, err := json.Marshal(s)
	if err != nil {
		// string slices always encode
		panic(err)
	}
	return string(data)
}

// Get returns copies of the rows cached for the lookup. A hit with no rows
// records a known miss in storage.
func (c *Cache) Get(table string, keys []domain.PrimaryKey) ([]domain.Record, bool) {
	if c == nil {
		return nil, false
	}
	rows, ok := c.lru.Get(Key(table, keys))
	if !ok {
		return nil, false
	}
	return cloneRows(rows), true
}

// Put caches rows for the lookup.
func (c *Cache) Put(table string, keys []domain.PrimaryKey, rows []domain.Record) {
	if c == nil {
		return
	}
	c.lru.Add(Key(table, keys), cloneRows(rows))
}

// Purge drops every cached lookup.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Len returns the number of cached lookups.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

func cloneRows(rows []domain.Record) []domain.Record {
	out := make([]domain.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
