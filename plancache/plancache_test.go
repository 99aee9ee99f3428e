package plancache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrun/orchestrator/plan"
	"github.com/deskrun/orchestrator/plancache"
)

func samplePlan() plan.Plan {
	return plan.Plan{Steps: []plan.ToolCall{{Tool: "click", Description: "click ok"}}}
}

func TestCache_ExactHit(t *testing.T) {
	c, err := plancache.New(10, time.Hour, 0.95)
	require.NoError(t, err)

	now := time.Now()
	c.Insert("fp-1", []float64{1, 0, 0}, samplePlan(), now)

	got, origin, ok := c.Lookup("fp-1", nil, now)
	require.True(t, ok)
	assert.Equal(t, plancache.ExactHit, origin)
	assert.Equal(t, samplePlan().Steps[0].Tool, got.Steps[0].Tool)
}

func TestCache_Miss(t *testing.T) {
	c, err := plancache.New(10, time.Hour, 0.95)
	require.NoError(t, err)
	_, _, ok := c.Lookup("nope", nil, time.Now())
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestCache_SemanticHitAtThresholdBoundary(t *testing.T) {
	c, err := plancache.New(10, time.Hour, 1.0)
	require.NoError(t, err)
	now := time.Now()
	c.Insert("fp-1", []float64{1, 0}, samplePlan(), now)

	// Identical vector: cosine similarity is exactly 1.0, equal to the 1.0
	// threshold, and a match at the threshold counts as a hit.
	_, origin, ok := c.Lookup("different-fp", []float64{1, 0}, now)
	require.True(t, ok)
	assert.Equal(t, plancache.SemanticHit, origin)
}

func TestCache_SemanticMissBelowThreshold(t *testing.T) {
	c, err := plancache.New(10, time.Hour, 0.95)
	require.NoError(t, err)
	now := time.Now()
	c.Insert("fp-1", []float64{1, 0}, samplePlan(), now)

	_, _, ok := c.Lookup("different-fp", []float64{0, 1}, now)
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := plancache.New(10, time.Minute, 0.95)
	require.NoError(t, err)
	now := time.Now()
	c.Insert("fp-1", nil, samplePlan(), now)

	_, _, ok := c.Lookup("fp-1", nil, now.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestCache_SemanticHitPromotesRecency(t *testing.T) {
	c, err := plancache.New(2, time.Hour, 0.95)
	require.NoError(t, err)
	now := time.Now()

	c.Insert("fp-old", []float64{1, 0}, samplePlan(), now)
	c.Insert("fp-filler", nil, samplePlan(), now)

	// A semantic hit against fp-old must count as a use: inserting a third
	// entry should evict fp-filler, the one nobody touched, not fp-old.
	_, origin, ok := c.Lookup("different-fp", []float64{1, 0}, now)
	require.True(t, ok)
	assert.Equal(t, plancache.SemanticHit, origin)

	c.Insert("fp-new", nil, samplePlan(), now)

	_, _, ok = c.Lookup("fp-old", []float64{1, 0}, now)
	assert.True(t, ok, "fp-old should have survived eviction after its recent semantic hit")
}

func TestCache_LRUEvictionAtCapacity(t *testing.T) {
	c, err := plancache.New(2, time.Hour, 0.95)
	require.NoError(t, err)
	now := time.Now()
	c.Insert("fp-1", nil, samplePlan(), now)
	c.Insert("fp-2", nil, samplePlan(), now)
	c.Insert("fp-3", nil, samplePlan(), now)

	assert.LessOrEqual(t, c.Stats().Size, 2)
	assert.EqualValues(t, 1, c.Stats().Evictions)
}
