// Package consolidation implements the Consolidation Stage (§4.6): a pure,
// deterministic merge/conflict detector over a batch of memories. Unlike
// the Extraction Stage, this is an original algorithm rather than one
// adapted from an LLM-driven teacher routine: the commutativity and
// merge-closure invariants this stage must hold are not guaranteeable
// through a model call, so it is plain union-find over cosine similarity.
package consolidation

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/memoryforge/memoryd/internal/model"
)

// MergeStrategy selects which component member survives a merge.
type MergeStrategy string

const (
	StrategyHighestConfidence MergeStrategy = "highest_confidence"
	StrategyMostRecent        MergeStrategy = "most_recent"
	StrategyLongest           MergeStrategy = "longest"
)

// Config tunes the stage's thresholds, all overridable per §6.
type Config struct {
	ConflictThreshold float64
	MergeThreshold    float64
	MergeBoost        float64
	Strategy          MergeStrategy
	MaxBatch          int
}

// DefaultConfig matches §4.6's named defaults.
func DefaultConfig() Config {
	return Config{
		ConflictThreshold: 0.70,
		MergeThreshold:    0.85,
		MergeBoost:        0.10,
		Strategy:          StrategyHighestConfidence,
		MaxBatch:          500,
	}
}

// MergedMemory is one consolidated output memory.
type MergedMemory struct {
	Fact            string
	Confidence      float64
	Category        model.Category
	Topic           string
	SourceMemoryIDs []uuid.UUID
	Members         []model.Memory
	MergeReason     string
}

// Result is the Consolidation Stage's output, per §4.6 step 6.
type Result struct {
	Merged    []MergedMemory
	Conflicts []model.MergeCandidate
	Processed int
	Warnings  []string
}

// Consolidate runs the deterministic merge/conflict algorithm over
// memories. It performs no storage access; the Coordinator is
// responsible for loading and persisting.
func Consolidate(memories []model.Memory, detectConflicts bool, cfg Config) Result {
	n := len(memories)
	if n < 2 {
		return Result{Processed: n}
	}

	uf := newUnionFind(n)
	var conflicts []model.MergeCandidate
	var warnings []string
	warned := make(map[int]bool)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := cosineSimilarity(memories[i].Embedding, memories[j].Embedding)
			for _, k := range [2]int{i, j} {
				if len(memories[k].Embedding) == 0 && !warned[k] {
					warnings = append(warnings, "memory missing embedding, treated as similarity 0: "+memories[k].ID.String())
					warned[k] = true
				}
			}

			identical := normalizedEqual(memories[i].Fact, memories[j].Fact)

			switch {
			case identical:
				uf.union(i, j)
			case sim >= cfg.MergeThreshold:
				uf.union(i, j)
			case detectConflicts && sim >= cfg.ConflictThreshold && sim < cfg.MergeThreshold:
				conflicts = append(conflicts, model.MergeCandidate{
					MemoryA:    memories[i].ID,
					MemoryB:    memories[j].ID,
					Similarity: sim,
					IsConflict: true,
				})
			}
		}
	}

	components := uf.components()
	merged := make([]MergedMemory, 0, len(components))
	for _, idxs := range components {
		if len(idxs) < 2 {
			continue
		}
		members := make([]model.Memory, len(idxs))
		for k, idx := range idxs {
			members[k] = memories[idx]
		}
		merged = append(merged, buildMergedMemory(members, cfg))
	}

	return Result{Merged: merged, Conflicts: conflicts, Processed: n, Warnings: warnings}
}

func buildMergedMemory(members []model.Memory, cfg Config) MergedMemory {
	survivor := pickSurvivor(members, cfg.Strategy)

	maxConfidence := members[0].Confidence
	for _, m := range members[1:] {
		if m.Confidence > maxConfidence {
			maxConfidence = m.Confidence
		}
	}
	confidence := maxConfidence + cfg.MergeBoost
	if confidence > 1.0 {
		confidence = 1.0
	}

	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	return MergedMemory{
		Fact:            survivor.Fact,
		Confidence:      confidence,
		Category:        survivor.Category,
		Topic:           survivor.Topic,
		SourceMemoryIDs: ids,
		Members:         members,
		MergeReason:     string(cfg.Strategy),
	}
}

// pickSurvivor selects the fact that represents a merged component, per
// §4.6 step 4's strategy/tie-break table.
func pickSurvivor(members []model.Memory, strategy MergeStrategy) model.Memory {
	sorted := make([]model.Memory, len(members))
	copy(sorted, members)

	switch strategy {
	case StrategyMostRecent:
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
				return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
			}
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			return len(sorted[i].Fact) > len(sorted[j].Fact)
		})
	case StrategyLongest:
		sort.SliceStable(sorted, func(i, j int) bool {
			if len(sorted[i].Fact) != len(sorted[j].Fact) {
				return len(sorted[i].Fact) > len(sorted[j].Fact)
			}
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		})
	default: // StrategyHighestConfidence
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			if len(sorted[i].Fact) != len(sorted[j].Fact) {
				return len(sorted[i].Fact) > len(sorted[j].Fact)
			}
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		})
	}
	return sorted[0]
}

func normalizedEqual(a, b string) bool {
	return strings.TrimSpace(strings.ToLower(a)) == strings.TrimSpace(strings.ToLower(b))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
