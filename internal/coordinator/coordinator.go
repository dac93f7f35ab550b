// Package coordinator implements the Memory Coordinator (§4.7): the
// orchestrator that ties the Sessions Client, Extraction Stage,
// Embedding Adapter, Consolidation Stage, and the two storage gateways
// into the two job handlers a worker process runs.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/memoryforge/memoryd/internal/consolidation"
	"github.com/memoryforge/memoryd/internal/embedadapter"
	"github.com/memoryforge/memoryd/internal/extraction"
	"github.com/memoryforge/memoryd/internal/llmadapter"
	"github.com/memoryforge/memoryd/internal/model"
	"github.com/memoryforge/memoryd/internal/relstore"
	"github.com/memoryforge/memoryd/internal/vectorstore"
)

// Config tunes the coordinator's cross-cutting policy knobs.
type Config struct {
	MaxConsolidationBatch   int
	ConsolidationTrigger    int // publish CONSOLIDATE after each extraction job while the scope's live count is at or above this
	MaxConcurrentRetries    int // K in §4.7's CONCURRENT_MODIFICATION retry policy
	VectorCollection        string
	MinExtractionConfidence float64
	EmbeddingBatchSize      int // batch_size in §4.7.1 step 3's embedding retry policy
}

// DefaultConfig matches the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsolidationBatch:   500,
		ConsolidationTrigger:    50,
		MaxConcurrentRetries:    3,
		VectorCollection:        "memories",
		MinExtractionConfidence: 0.5,
		EmbeddingBatchSize:      64,
	}
}

type sessionsClient interface {
	ListEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ConversationEvent, error)
}

// JobPublisher is the narrow capability the Coordinator needs from the
// Queue Fabric to emit follow-up CONSOLIDATE jobs (§4.7.1 step 8).
type JobPublisher interface {
	PublishConsolidation(ctx context.Context, payload model.ConsolidationJobPayload) error
}

// Coordinator wires the seven core components into the two job handlers.
type Coordinator struct {
	sessions   sessionsClient
	extraction *extraction.Stage
	embed      *embedadapter.Adapter
	rel        *relstore.Gateway
	vec        *vectorstore.Gateway
	narrator   *llmadapter.Adapter
	publisher  JobPublisher
	logger     *log.Logger
	cfg        Config
	consolCfg  consolidation.Config
}

// New constructs a Coordinator. narrator may be nil to skip the
// optional narrative-summary side artifact entirely.
func New(
	sessions sessionsClient,
	extractionStage *extraction.Stage,
	embed *embedadapter.Adapter,
	rel *relstore.Gateway,
	vec *vectorstore.Gateway,
	narrator *llmadapter.Adapter,
	publisher JobPublisher,
	logger *log.Logger,
	cfg Config,
	consolCfg consolidation.Config,
) *Coordinator {
	return &Coordinator{
		sessions:   sessions,
		extraction: extractionStage,
		embed:      embed,
		rel:        rel,
		vec:        vec,
		narrator:   narrator,
		publisher:  publisher,
		logger:     logger,
		cfg:        cfg,
		consolCfg:  consolCfg,
	}
}

// RunExtractionJob implements §4.7.1.
func (c *Coordinator) RunExtractionJob(ctx context.Context, job *model.Job) error {
	if err := c.rel.UpdateJobStatus(ctx, job.ID, model.JobRunning, nil, ""); err != nil {
		return err
	}

	var payload model.ExtractionJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return c.fail(ctx, job, model.Classify(model.ClassInvalidInput, err))
	}

	events, err := c.sessions.ListEvents(ctx, payload.SessionID, 500)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if len(events) == 0 {
		return c.complete(ctx, job, &model.JobResult{})
	}

	extractResult, err := c.extraction.Extract(ctx, events, c.cfg.MinExtractionConfidence)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if len(extractResult.Candidates) == 0 {
		return c.complete(ctx, job, &model.JobResult{})
	}

	candidates, embeddingsOK, err := c.embedCandidates(ctx, extractResult.Candidates)
	if err != nil {
		return c.fail(ctx, job, err)
	}

	now := time.Now().UTC()
	provisional := make([]model.Memory, 0, len(candidates))
	for _, cand := range candidates {
		provisional = append(provisional, model.Memory{
			ID:              uuid.New(),
			Scope:           payload.Scope,
			Fact:            cand.Fact,
			Topic:           cand.Topic,
			Category:        cand.Category,
			Confidence:      cand.Confidence,
			Importance:      cand.Importance,
			SourceType:      model.SourceExtracted,
			SourceSessionID: &payload.SessionID,
			Embedding:       cand.Embedding,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	result, err := c.reconcile(ctx, payload.Scope, provisional, true)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	result.CandidatesExtracted = len(extractResult.Candidates)
	result.EmbeddingsOK = embeddingsOK

	if err := c.maybePublishFollowUp(ctx, payload.Scope); err != nil {
		c.logger.Warn("follow-up consolidation publish failed", "error", err)
	}

	return c.complete(ctx, job, result)
}

// RunConsolidationJob implements §4.7.2: identical to 4.7.1 from step 4
// onward, with no new candidates.
func (c *Coordinator) RunConsolidationJob(ctx context.Context, job *model.Job) error {
	if err := c.rel.UpdateJobStatus(ctx, job.ID, model.JobRunning, nil, ""); err != nil {
		return err
	}

	var payload model.ConsolidationJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return c.fail(ctx, job, model.Classify(model.ClassInvalidInput, err))
	}

	result, err := c.reconcile(ctx, payload.Scope, nil, payload.DetectConflicts)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	return c.complete(ctx, job, result)
}

// embedCandidates embeds every candidate's fact text, dropping any whose
// batch could not be embedded after the narrower retry, per §4.7.1 step 3:
// "one retry at batch_size/4, then skip".
func (c *Coordinator) embedCandidates(ctx context.Context, candidates []model.ExtractionCandidate) ([]model.ExtractionCandidate, int, error) {
	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Fact
	}

	batchSize := c.cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([]model.ExtractionCandidate, 0, len(candidates))
	okCount := 0
	offset := 0
	for _, res := range c.embed.EmbedBatched(ctx, texts, batchSize) {
		end := offset + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		if res.Err != nil {
			if model.ClassOf(res.Err) == model.ClassUpstreamPermanent {
				return nil, 0, res.Err
			}
			c.logger.Warn("embedding batch failed, retrying at quarter size", "error", res.Err)
			recovered, recoveredOK := c.retryQuarterBatch(ctx, candidates, offset, texts[offset:end])
			out = append(out, recovered...)
			okCount += recoveredOK
			offset = end
			continue
		}
		for i, vec := range res.Vectors {
			idx := offset + i
			if idx >= len(candidates) {
				break
			}
			if len(res.EmptyFlags) > i && res.EmptyFlags[i] {
				continue
			}
			cand := candidates[idx]
			cand.Embedding = vec
			out = append(out, cand)
			okCount++
		}
		offset = end
	}
	return out, okCount, nil
}

// retryQuarterBatch re-embeds a single failed batch's candidates in
// chunks of a quarter the original size, skipping any that still fail.
// offset is failedBatch's absolute position within the candidates slice.
func (c *Coordinator) retryQuarterBatch(ctx context.Context, candidates []model.ExtractionCandidate, offset int, failedBatch []string) ([]model.ExtractionCandidate, int) {
	quarter := len(failedBatch) / 4
	if quarter <= 0 {
		quarter = 1
	}
	var out []model.ExtractionCandidate
	okCount := 0
	pos := offset
	limit := offset + len(failedBatch)
	for _, res := range c.embed.EmbedBatched(ctx, failedBatch, quarter) {
		end := pos + quarter
		if end > limit {
			end = limit
		}
		if res.Err != nil {
			c.logger.Warn("embedding quarter-batch still failing, skipping candidates", "error", res.Err)
			pos = end
			continue
		}
		for i, vec := range res.Vectors {
			idx := pos + i
			if idx >= len(candidates) || idx >= end || (len(res.EmptyFlags) > i && res.EmptyFlags[i]) {
				continue
			}
			cand := candidates[idx]
			cand.Embedding = vec
			out = append(out, cand)
			okCount++
		}
		pos = end
	}
	return out, okCount
}

// maybePublishFollowUp publishes a CONSOLIDATE job whenever the scope's
// live memory count (as listed, capped at MaxConsolidationBatch) is at or
// above ConsolidationTrigger. The count at the last consolidation run is
// not tracked, so every extraction job for such a scope publishes again.
func (c *Coordinator) maybePublishFollowUp(ctx context.Context, scope model.Scope) error {
	if c.publisher == nil || c.cfg.ConsolidationTrigger <= 0 {
		return nil
	}
	existing, err := c.rel.ListMemoriesByScope(ctx, scope, relstore.ScopeFilters{}, c.cfg.MaxConsolidationBatch, 0)
	if err != nil {
		return err
	}
	if len(existing) < c.cfg.ConsolidationTrigger {
		return nil
	}
	return c.publisher.PublishConsolidation(ctx, model.ConsolidationJobPayload{
		Scope:           scope,
		MaxMemories:     c.cfg.MaxConsolidationBatch,
		DetectConflicts: true,
	})
}

func (c *Coordinator) fail(ctx context.Context, job *model.Job, err error) error {
	lastErr := err.Error()
	if updateErr := c.rel.UpdateJobStatus(ctx, job.ID, model.JobFailed, nil, lastErr); updateErr != nil {
		return fmt.Errorf("job %s failed (%w) and status update also failed: %v", job.ID, err, updateErr)
	}
	return err
}

func (c *Coordinator) complete(ctx context.Context, job *model.Job, result *model.JobResult) error {
	return c.rel.UpdateJobStatus(ctx, job.ID, model.JobCompleted, result, "")
}
