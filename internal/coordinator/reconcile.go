package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/memoryforge/memoryd/internal/consolidation"
	"github.com/memoryforge/memoryd/internal/model"
	"github.com/memoryforge/memoryd/internal/relstore"
	"github.com/memoryforge/memoryd/internal/vectorstore"
)

// reconcile implements §4.7.1 steps 4-7 / all of §4.7.2: load existing
// scope memories, consolidate them against any new candidates, classify
// each merge component, and write the result. candidates is empty for a
// pure consolidation job.
func (c *Coordinator) reconcile(ctx context.Context, scope model.Scope, candidates []model.Memory, detectConflicts bool) (*model.JobResult, error) {
	existing, err := c.rel.ListMemoriesByScope(ctx, scope, relstore.ScopeFilters{}, c.cfg.MaxConsolidationBatch, 0)
	if err != nil {
		return nil, err
	}

	existingByID := make(map[uuid.UUID]model.Memory, len(existing))
	pool := make([]model.Memory, 0, len(existing)+len(candidates))
	for _, m := range existing {
		existingByID[m.ID] = *m
		pool = append(pool, *m)
	}
	pool = append(pool, candidates...)

	consolResult := consolidation.Consolidate(pool, detectConflicts, c.consolCfg)
	for _, w := range consolResult.Warnings {
		c.logger.Warn("consolidation warning", "detail", w)
	}

	result := &model.JobResult{Conflicts: consolResult.Conflicts}
	degraded := false

	// Singletons among the new candidates that never entered a merge
	// component are created as-is, per §4.7.1 step 5's "single candidate
	// unmerged with existing" case.
	merged := make(map[uuid.UUID]bool)
	for _, mm := range consolResult.Merged {
		for _, member := range mm.Members {
			merged[member.ID] = true
		}
	}
	for _, cand := range candidates {
		if merged[cand.ID] {
			continue
		}
		if err := c.writeNewMemory(ctx, &cand); err != nil {
			return nil, err
		}
		if err := c.upsertVector(ctx, cand); err != nil {
			c.logger.Warn("vector upsert degraded", "memory_id", cand.ID, "error", err)
			degraded = true
		}
		result.MemoriesCreated++
	}

	for _, mm := range sortMergedByPrimaryID(consolResult.Merged) {
		onlyCandidates := true
		var primary *model.Memory
		for i := range mm.Members {
			member := mm.Members[i]
			if _, isExisting := existingByID[member.ID]; isExisting {
				onlyCandidates = false
				if primary == nil || survivorRank(member, mm) {
					m := member
					primary = &m
				}
			}
		}

		if onlyCandidates {
			survivor := buildSurvivorMemory(mm, scope, existingByID)
			if err := c.writeNewMemory(ctx, &survivor); err != nil {
				return nil, err
			}
			if err := c.upsertVector(ctx, survivor); err != nil {
				c.logger.Warn("vector upsert degraded", "memory_id", survivor.ID, "error", err)
				degraded = true
			}
			result.MemoriesCreated++
			continue
		}

		updated, err := c.updateSurvivorAndSupersede(ctx, primary, mm, existingByID)
		for attempt := 0; model.IsConcurrentModification(err) && attempt < c.cfg.MaxConcurrentRetries; attempt++ {
			fresh, getErr := c.rel.GetMemory(ctx, primary.ID)
			if getErr != nil {
				return nil, getErr
			}
			fresh.Embedding = primary.Embedding
			primary = fresh
			updated, err = c.updateSurvivorAndSupersede(ctx, primary, mm, existingByID)
		}
		if err != nil {
			return nil, err
		}
		if err := c.upsertVector(ctx, *updated); err != nil {
			c.logger.Warn("vector upsert degraded", "memory_id", updated.ID, "error", err)
			degraded = true
		}
		result.MemoriesUpdated++
		result.MemoriesMerged += len(mm.Members) - 1

		if c.narrator != nil {
			result.NarrativeSummary = consolidation.NarrativeSummary(ctx, c.narrator, c.logger, mm)
		}
	}

	result.DegradedVectorWrites = degraded
	return result, nil
}

// survivorRank reports whether candidate should replace the current
// primary pick; used only to pick a deterministic "first seen" existing
// member when multiple existing memories land in one component (the
// §4.6 strategy already picked the textual survivor in mm.Fact — this
// only decides which existing row gets updated in place).
func survivorRank(candidate model.Memory, mm consolidation.MergedMemory) bool {
	return candidate.Fact == mm.Fact
}

func sortMergedByPrimaryID(merged []consolidation.MergedMemory) []consolidation.MergedMemory {
	out := make([]consolidation.MergedMemory, len(merged))
	copy(out, merged)
	sort.Slice(out, func(i, j int) bool {
		return minMemberID(out[i]) < minMemberID(out[j])
	})
	return out
}

func minMemberID(mm consolidation.MergedMemory) string {
	min := ""
	for _, m := range mm.Members {
		s := m.ID.String()
		if min == "" || s < min {
			min = s
		}
	}
	return min
}

func buildSurvivorMemory(mm consolidation.MergedMemory, scope model.Scope, existingByID map[uuid.UUID]model.Memory) model.Memory {
	now := time.Now().UTC()
	return model.Memory{
		ID:              uuid.New(),
		Scope:           scope,
		Fact:            mm.Fact,
		Topic:           mm.Topic,
		Category:        mm.Category,
		Confidence:      mm.Confidence,
		SourceType:      model.SourceConsolidated,
		SourceSessionID: candidateSourceSessionID(mm),
		SourceMemoryIDs: persistedSourceMemoryIDs(mm, existingByID),
		Embedding:       mergedEmbedding(mm),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// persistedSourceMemoryIDs keeps only member ids that name an already
// persisted memory row. A candidate absorbed into a merge before it is
// ever created as its own row would otherwise leave source_memory_ids
// pointing at a uuid with no backing memory, in the merged-result's own
// scope or otherwise.
func persistedSourceMemoryIDs(mm consolidation.MergedMemory, existingByID map[uuid.UUID]model.Memory) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(mm.SourceMemoryIDs))
	for _, id := range mm.SourceMemoryIDs {
		if _, ok := existingByID[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// candidateSourceSessionID finds the originating session for a merge
// made up entirely of fresh extraction candidates, so that provenance
// survives even when no individual candidate is ever persisted.
func candidateSourceSessionID(mm consolidation.MergedMemory) *uuid.UUID {
	for _, m := range mm.Members {
		if m.SourceSessionID != nil {
			return m.SourceSessionID
		}
	}
	return nil
}

func mergedEmbedding(mm consolidation.MergedMemory) []float32 {
	for _, m := range mm.Members {
		if m.Fact == mm.Fact && len(m.Embedding) > 0 {
			return m.Embedding
		}
	}
	for _, m := range mm.Members {
		if len(m.Embedding) > 0 {
			return m.Embedding
		}
	}
	return nil
}

func (c *Coordinator) writeNewMemory(ctx context.Context, m *model.Memory) error {
	m.RevisionCount = 0
	if err := c.rel.CreateMemory(ctx, m); err != nil {
		return err
	}
	return c.rel.AppendRevision(ctx, model.MemoryRevision{
		ID:              uuid.New(),
		MemoryID:        m.ID,
		RevisionNumber:  1,
		Fact:            m.Fact,
		Action:          model.ActionCreated,
		SourceSessionID: m.SourceSessionID,
		SourceMemoryIDs: m.SourceMemoryIDs,
		Confidence:      m.Confidence,
		CreatedAt:       m.CreatedAt,
	})
}

// updateSurvivorAndSupersede updates the primary existing memory with
// the merged fact and soft-deletes the other existing members with a
// MERGED revision pointing at the survivor, per §4.7.1 step 5 and the
// mandatory supersede-and-soft-delete step from the open-question
// resolution recorded in DESIGN.md.
func (c *Coordinator) updateSurvivorAndSupersede(ctx context.Context, primary *model.Memory, mm consolidation.MergedMemory, existingByID map[uuid.UUID]model.Memory) (*model.Memory, error) {
	now := time.Now().UTC()
	factChanged := primary.Fact != mm.Fact

	persistedIDs := persistedSourceMemoryIDs(mm, existingByID)

	updated := *primary
	updated.Fact = mm.Fact
	updated.Confidence = mm.Confidence
	updated.Category = mm.Category
	updated.Topic = mm.Topic
	updated.SourceType = model.SourceConsolidated
	updated.SourceMemoryIDs = persistedIDs
	updated.UpdatedAt = now
	if factChanged {
		updated.Embedding = mergedEmbedding(mm)
	}

	expected := primary.RevisionCount
	previousFact, err := c.rel.UpdateMemory(ctx, &updated, &expected)
	if err != nil {
		return nil, err
	}

	if err := c.rel.AppendRevision(ctx, model.MemoryRevision{
		ID:              uuid.New(),
		MemoryID:        updated.ID,
		RevisionNumber:  primary.RevisionCount + 1,
		Fact:            updated.Fact,
		Action:          model.ActionUpdated,
		SourceMemoryIDs: persistedIDs,
		PreviousFact:    &previousFact,
		Confidence:      updated.Confidence,
		CreatedAt:       now,
	}); err != nil {
		return nil, err
	}

	for _, member := range mm.Members {
		if member.ID == primary.ID {
			continue
		}
		if _, isExisting := existingByID[member.ID]; !isExisting {
			continue
		}
		if err := c.rel.SoftDeleteMemory(ctx, member.ID, model.MemoryRevision{
			ID:              uuid.New(),
			MemoryID:        member.ID,
			RevisionNumber:  member.RevisionCount + 1,
			Fact:            member.Fact,
			Action:          model.ActionMerged,
			SourceMemoryIDs: []uuid.UUID{primary.ID},
			PreviousFact:    &member.Fact,
			Confidence:      member.Confidence,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
	}

	return &updated, nil
}

func (c *Coordinator) upsertVector(ctx context.Context, m model.Memory) error {
	if len(m.Embedding) == 0 {
		return nil
	}
	payload := map[string]any{"memory_id": m.ID.String(), "confidence": m.Confidence}
	if m.Topic != "" {
		payload["topic"] = m.Topic
	}
	for k, v := range m.Scope {
		payload["scope_"+k] = v
	}
	return c.vec.UpsertPoints(ctx, c.cfg.VectorCollection, []vectorstore.Point{
		{ID: m.ID.String(), Vector: m.Embedding, Payload: payload},
	})
}
