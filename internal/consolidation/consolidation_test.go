package consolidation

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryforge/memoryd/internal/model"
)

func vecAtAngle(degrees float64) []float32 {
	r := degrees * math.Pi / 180
	return []float32{float32(math.Cos(r)), float32(math.Sin(r))}
}

func newMemory(fact string, embedding []float32, confidence float64, createdAt time.Time) model.Memory {
	return model.Memory{
		ID:         uuid.New(),
		Fact:       fact,
		Category:   model.CategoryFact,
		Confidence: confidence,
		Embedding:  embedding,
		CreatedAt:  createdAt,
	}
}

func idSet(members []model.Memory) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		out[m.ID] = true
	}
	return out
}

func TestConsolidateSingleFactHasNoDuplicates(t *testing.T) {
	now := time.Now()
	a := newMemory("Likes tea", vecAtAngle(0), 0.8, now)
	b := newMemory("Owns a motorcycle", vecAtAngle(90), 0.8, now)

	result := Consolidate([]model.Memory{a, b}, true, DefaultConfig())

	assert.Empty(t, result.Merged)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 2, result.Processed)
}

func TestConsolidateTrivialDuplicateMerges(t *testing.T) {
	now := time.Now()
	a := newMemory("Works remotely from Berlin", vecAtAngle(10), 0.6, now)
	b := newMemory("  works remotely from berlin  ", vecAtAngle(10), 0.9, now.Add(time.Minute))

	result := Consolidate([]model.Memory{a, b}, true, DefaultConfig())

	require.Len(t, result.Merged, 1)
	merged := result.Merged[0]
	assert.Len(t, merged.Members, 2)
	assert.Equal(t, "  works remotely from berlin  ", merged.Fact, "highest_confidence strategy should pick b as survivor")
	assert.InDelta(t, 1.0, merged.Confidence, 0.0001)
}

func TestConsolidateTransitiveMergeViaUnionFind(t *testing.T) {
	now := time.Now()
	a := newMemory("Plays guitar on weekends", vecAtAngle(0), 0.7, now)
	b := newMemory("Plays acoustic guitar most weekends", vecAtAngle(20), 0.75, now)
	c := newMemory("Practices guitar regularly", vecAtAngle(40), 0.6, now)

	cfg := DefaultConfig()
	require.Greater(t, cosineSimilarity(a.Embedding, b.Embedding), cfg.MergeThreshold)
	require.Greater(t, cosineSimilarity(b.Embedding, c.Embedding), cfg.MergeThreshold)
	require.Less(t, cosineSimilarity(a.Embedding, c.Embedding), cfg.MergeThreshold)

	result := Consolidate([]model.Memory{a, b, c}, true, cfg)

	require.Len(t, result.Merged, 1, "a and c must end up in the same component via b despite no direct merge edge")
	assert.Equal(t, idSet([]model.Memory{a, b, c}), idSet(result.Merged[0].Members))
}

func TestConsolidateConflictRangeIsNotMerged(t *testing.T) {
	now := time.Now()
	a := newMemory("Prefers working in the mornings", vecAtAngle(0), 0.8, now)
	c := newMemory("Prefers working late at night", vecAtAngle(40), 0.8, now)

	cfg := DefaultConfig()
	sim := cosineSimilarity(a.Embedding, c.Embedding)
	require.GreaterOrEqual(t, sim, cfg.ConflictThreshold)
	require.Less(t, sim, cfg.MergeThreshold)

	result := Consolidate([]model.Memory{a, c}, true, cfg)

	assert.Empty(t, result.Merged)
	require.Len(t, result.Conflicts, 1)
	assert.True(t, result.Conflicts[0].IsConflict)
}

func TestConsolidateMissingEmbeddingWarnsAndTreatsAsDissimilar(t *testing.T) {
	now := time.Now()
	a := newMemory("Has a dog named Rex", nil, 0.8, now)
	b := newMemory("Has a dog named Rex", vecAtAngle(0), 0.8, now)

	result := Consolidate([]model.Memory{a, b}, true, DefaultConfig())

	// identical normalized text still merges regardless of embeddings.
	require.Len(t, result.Merged, 1)
	assert.NotEmpty(t, result.Warnings)
}

func TestConsolidateIsCommutative(t *testing.T) {
	now := time.Now()
	a := newMemory("Plays guitar on weekends", vecAtAngle(0), 0.7, now)
	b := newMemory("Plays acoustic guitar most weekends", vecAtAngle(20), 0.75, now)
	c := newMemory("Practices guitar regularly", vecAtAngle(40), 0.6, now)
	d := newMemory("Owns a motorcycle", vecAtAngle(180), 0.5, now)

	forward := Consolidate([]model.Memory{a, b, c, d}, true, DefaultConfig())
	reversed := Consolidate([]model.Memory{d, c, b, a}, true, DefaultConfig())

	require.Len(t, forward.Merged, 1)
	require.Len(t, reversed.Merged, 1)
	assert.Equal(t, idSet(forward.Merged[0].Members), idSet(reversed.Merged[0].Members))
}

func TestConsolidateBelowTwoMemoriesIsNoOp(t *testing.T) {
	result := Consolidate(nil, true, DefaultConfig())
	assert.Equal(t, Result{Processed: 0}, result)

	result = Consolidate([]model.Memory{newMemory("alone", vecAtAngle(0), 0.5, time.Now())}, true, DefaultConfig())
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Merged)
}

func TestPickSurvivorStrategies(t *testing.T) {
	now := time.Now()
	short := newMemory("short fact", vecAtAngle(0), 0.9, now)
	long := newMemory("a substantially longer fact about the user", vecAtAngle(0), 0.5, now.Add(-time.Hour))
	recent := newMemory("mid length fact here", vecAtAngle(0), 0.5, now.Add(time.Hour))

	members := []model.Memory{short, long, recent}

	assert.Equal(t, short.ID, pickSurvivor(members, StrategyHighestConfidence).ID)
	assert.Equal(t, long.ID, pickSurvivor(members, StrategyLongest).ID)
	assert.Equal(t, recent.ID, pickSurvivor(members, StrategyMostRecent).ID)
}
