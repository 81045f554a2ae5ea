package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ojpio/ojp-go/config"
)

// QueryCache caches read-only statement results, keyed by
// (connHash, normalizedQuery, params) per SPEC_FULL.md §5, so two clients
// using the same SQL text against different backends never share an entry.
// Grounded on the teacher's hand-rolled LRU+TTL cache (server/query_cache.go);
// here the list/eviction bookkeeping is replaced with
// hashicorp/golang-lru/v2's expirable.LRU, the same bounded-cache library the
// dispatcher and admission scheduler already use (spec.md §9: bounded
// caches, not unbounded maps, and no reason to hand-roll what the dependency
// already provides).
type QueryCache struct {
	cache   *expirable.LRU[string, RPCResponse]
	enabled bool

	hits   atomic.Int64
	misses atomic.Int64
}

// NewQueryCache builds a QueryCache from the server's configured
// queryCache.* knobs (config.ServerConfig) instead of a standalone config
// struct constructed with hardcoded literals.
func NewQueryCache(cfg *config.ServerConfig) *QueryCache {
	size := cfg.QueryCacheMaxSize
	if size <= 0 {
		size = 1000
	}
	qc := &QueryCache{
		enabled: cfg.QueryCacheEnabled,
		cache:   expirable.NewLRU[string, RPCResponse](size, nil, cfg.QueryCacheTTL),
	}
	log.Printf("[server] query cache initialized: enabled=%v size=%d ttl=%s", qc.enabled, size, cfg.QueryCacheTTL)
	return qc
}

// Get looks up a previously cached response for connHash's (query, params).
func (c *QueryCache) Get(connHash, query string, params []interface{}) (*RPCResponse, bool) {
	if !c.enabled {
		return nil, false
	}
	key := generateCacheKey(connHash, query, params)
	resp, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &resp, true
}

// Set records response for connHash's (query, params). Callers are expected
// to only cache read-only statements outside any open transaction (spec.md
// §5: "disabled for any statement inside an open local or XA transaction
// branch").
func (c *QueryCache) Set(connHash, query string, params []interface{}, response RPCResponse) {
	if !c.enabled {
		return
	}
	key := generateCacheKey(connHash, query, params)
	c.cache.Add(key, response)
}

// Clear empties the cache, e.g. after a DDL statement invalidates it.
func (c *QueryCache) Clear() {
	c.cache.Purge()
}

// CacheStats summarizes cache effectiveness for diagnostics.
type CacheStats struct {
	Hits        int64
	Misses      int64
	CurrentSize int
}

func (c *QueryCache) GetStats() CacheStats {
	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		CurrentSize: c.cache.Len(),
	}
}

// generateCacheKey hashes (connHash, normalizedQuery, params) into one
// lookup key, matching SPEC_FULL.md §5's cache key tuple literally.
func generateCacheKey(connHash, query string, params []interface{}) string {
	keyData := struct {
		ConnHash string        `json:"connHash"`
		Query    string        `json:"query"`
		Params   []interface{} `json:"params"`
	}{
		ConnHash: connHash,
		Query:    normalizeQuery(query),
		Params:   params,
	}
	data, _ := json.Marshal(keyData)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeQuery collapses whitespace and case so textually-equivalent
// queries share a cache entry.
func normalizeQuery(query string) string {
	normalized := strings.TrimSpace(strings.ToLower(query))
	return strings.Join(strings.Fields(normalized), " ")
}
