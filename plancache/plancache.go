// Package plancache implements the semantic plan cache: an LRU store keyed on
// an instruction's exact fingerprint, with a fallback cosine-similarity scan
// over cached embeddings for near-duplicate instructions that never normalize
// to the same exact form.
package plancache

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deskrun/orchestrator/plan"
)

// Origin reports how a Lookup hit was found.
type Origin string

const (
	// ExactHit means the fingerprint matched a cache entry directly.
	ExactHit Origin = "exact"
	// SemanticHit means no fingerprint matched, but a cached entry's
	// embedding was within the configured similarity threshold.
	SemanticHit Origin = "semantic"
)

// Stats reports cumulative cache counters, suitable for periodic metrics
// recording by a caller.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	plan      plan.Plan
	embedding []float64
	cachedAt  time.Time
}

// Cache is a concurrency-safe semantic plan cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, *entry]

	ttl          time.Duration
	simThreshold float64

	hits      uint64
	misses    uint64
	evictions uint64
}

// New constructs a Cache holding at most maxSize entries, expiring entries
// after ttl, and counting a semantic match at or above simThreshold as a
// hit. maxSize must be positive.
func New(maxSize int, ttl time.Duration, simThreshold float64) (*Cache, error) {
	c := &Cache{ttl: ttl, simThreshold: simThreshold}
	// The callback runs inside lru.Add/lru.Remove, which this type only calls
	// with c.mu already held, so it must not lock c.mu again.
	l, err := lru.NewWithEvict[string, *entry](maxSize, func(string, *entry) {
		c.evictions++
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Lookup searches the cache for fingerprint first, then falls back to a
// cosine-similarity scan against embedding when fingerprint misses and
// embedding is non-nil. A match with similarity exactly equal to the
// configured threshold counts as a hit.
func (c *Cache) Lookup(fingerprint string, embedding []float64, now time.Time) (plan.Plan, Origin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(fingerprint); ok {
		if c.expired(e, now) {
			c.lru.Remove(fingerprint)
		} else {
			c.hits++
			return e.plan.Clone(), ExactHit, true
		}
	}

	if embedding != nil {
		if p, ok := c.semanticScan(embedding, now); ok {
			c.hits++
			return p, SemanticHit, true
		}
	}

	c.misses++
	return plan.Plan{}, "", false
}

// semanticScan performs a linear cosine-similarity scan over all live
// entries, returning the best match at or above simThreshold. Callers must
// hold c.mu. A match is promoted to most-recently-used, the same as an exact
// hit, so a semantically-matched entry is not evicted as if it were unused.
func (c *Cache) semanticScan(embedding []float64, now time.Time) (plan.Plan, bool) {
	var (
		bestKey string
		bestSim float64
		found   bool
	)
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || c.expired(e, now) {
			continue
		}
		sim := cosineSimilarity(embedding, e.embedding)
		if sim >= c.simThreshold && sim > bestSim {
			bestKey, bestSim, found = key, sim, true
		}
	}
	if !found {
		return plan.Plan{}, false
	}
	e, ok := c.lru.Get(bestKey)
	if !ok {
		return plan.Plan{}, false
	}
	return e.plan.Clone(), true
}

// Insert stores p in the cache under fingerprint, along with the embedding
// used for future semantic lookups.
func (c *Cache) Insert(fingerprint string, embedding []float64, p plan.Plan, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fingerprint, &entry{plan: p.Clone(), embedding: embedding, cachedAt: now})
}

// Stats returns a snapshot of the cache's cumulative counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:      c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return now.Sub(e.cachedAt) > c.ttl
}

// cosineSimilarity computes the cosine similarity between two equal-length
// vectors. Mismatched lengths or zero-magnitude vectors return 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
