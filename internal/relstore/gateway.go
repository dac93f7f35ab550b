// Package relstore implements the Relational Store Gateway (§4.3):
// typed CRUD for memories, revisions, and jobs, with mandatory scope
// filtering and optimistic concurrency.
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/memoryforge/memoryd/internal/model"
)

// Gateway implements the Relational Store Gateway against PostgreSQL,
// grounded on this codebase's storage connection/transaction shape
// (one *sqlx.DB, explicit BeginTx per mutating call) and retargeted from
// the teacher's sqlc/pgx code path to hand-written sqlx queries.
type Gateway struct {
	db *sqlx.DB
}

// Open connects to relationalURL and configures the shared connection
// pool per §5's "only process-wide mutable state is connection pools".
func Open(relationalURL string, maxOpen, maxIdle int) (*Gateway, error) {
	db, err := sqlx.Connect("postgres", relationalURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to relational store: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &Gateway{db: db}, nil
}

// Close tears down the connection pool.
func (g *Gateway) Close() error { return g.db.Close() }

// DB exposes the underlying *sql.DB, needed by the migration runner.
func (g *Gateway) DB() *sql.DB { return g.db.DB }

func uuidArray(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDArray(raw pq.StringArray) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// CreateMemory inserts a new memory row. It does not append a revision;
// the caller (the Coordinator) is responsible for creating the matching
// revision-number-1 CREATED revision in the same logical operation.
func (g *Gateway) CreateMemory(ctx context.Context, m *model.Memory) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO memories (id, scope, fact, topic, category, confidence, importance,
			source_type, source_session_id, source_memory_ids, embedding_model_id,
			revision_count, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		m.ID, scopeJSON(m.Scope), m.Fact, m.Topic, string(m.Category), m.Confidence, m.Importance,
		string(m.SourceType), m.SourceSessionID, uuidArray(m.SourceMemoryIDs), m.EmbeddingModelID,
		m.RevisionCount, m.CreatedAt, m.UpdatedAt, m.ExpiresAt)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("insert memory: %w", err))
	}
	return nil
}

type memoryRow struct {
	ID               uuid.UUID      `db:"id"`
	Scope            []byte         `db:"scope"`
	Fact             string         `db:"fact"`
	Topic            string         `db:"topic"`
	Category         string         `db:"category"`
	Confidence       float64        `db:"confidence"`
	Importance       float64        `db:"importance"`
	SourceType       string         `db:"source_type"`
	SourceSessionID  *uuid.UUID     `db:"source_session_id"`
	SourceMemoryIDs  pq.StringArray `db:"source_memory_ids"`
	EmbeddingModelID string         `db:"embedding_model_id"`
	RevisionCount    int            `db:"revision_count"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	ExpiresAt        *time.Time     `db:"expires_at"`
	DeletedAt        *time.Time     `db:"deleted_at"`
}

func (r *memoryRow) toModel() (*model.Memory, error) {
	var scope model.Scope
	if err := json.Unmarshal(r.Scope, &scope); err != nil {
		return nil, err
	}
	return &model.Memory{
		ID:               r.ID,
		Scope:            scope,
		Fact:             r.Fact,
		Topic:            r.Topic,
		Category:         model.Category(r.Category),
		Confidence:       r.Confidence,
		Importance:       r.Importance,
		SourceType:       model.SourceType(r.SourceType),
		SourceSessionID:  r.SourceSessionID,
		SourceMemoryIDs:  parseUUIDArray(r.SourceMemoryIDs),
		EmbeddingModelID: r.EmbeddingModelID,
		RevisionCount:    r.RevisionCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ExpiresAt:        r.ExpiresAt,
		DeletedAt:        r.DeletedAt,
	}, nil
}

// GetMemory fetches one memory by id, regardless of soft-delete state.
func (g *Gateway) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var row memoryRow
	err := g.db.GetContext(ctx, &row, `SELECT * FROM memories WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, model.Classifyf(model.ClassInvalidInput, "memory %s not found", id)
	}
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, err)
	}
	return row.toModel()
}

// UpdateMemory writes the new fact/confidence/embedding fields and
// returns the fact as it was before the update, for revision logging.
// If expectedRevisionCount is non-nil, the update fails with
// CONCURRENT_MODIFICATION when the stored count differs (§4.3).
func (g *Gateway) UpdateMemory(ctx context.Context, m *model.Memory, expectedRevisionCount *int) (previousFact string, err error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", model.Classify(model.ClassUpstreamTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current memoryRow
	if err := tx.GetContext(ctx, &current, `SELECT * FROM memories WHERE id = $1 FOR UPDATE`, m.ID); err != nil {
		return "", model.Classify(model.ClassUpstreamTransient, fmt.Errorf("locking memory for update: %w", err))
	}
	if expectedRevisionCount != nil && current.RevisionCount != *expectedRevisionCount {
		return "", model.Classifyf(model.ClassConcurrentModification,
			"memory %s revision_count changed: expected %d, found %d", m.ID, *expectedRevisionCount, current.RevisionCount)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET fact=$1, topic=$2, category=$3, confidence=$4, importance=$5,
			source_type=$6, source_memory_ids=$7, embedding_model_id=$8, updated_at=$9
		WHERE id=$10`,
		m.Fact, m.Topic, string(m.Category), m.Confidence, m.Importance,
		string(m.SourceType), uuidArray(m.SourceMemoryIDs), m.EmbeddingModelID, m.UpdatedAt, m.ID)
	if err != nil {
		return "", model.Classify(model.ClassUpstreamTransient, fmt.Errorf("update memory: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return "", model.Classify(model.ClassUpstreamTransient, err)
	}
	return current.Fact, nil
}

// SoftDeleteMemory sets deleted_at and appends the given revision (DELETED
// for an explicit delete, MERGED when the Coordinator supersedes a merge
// member) in one transaction.
func (g *Gateway) SoftDeleteMemory(ctx context.Context, id uuid.UUID, rev model.MemoryRevision) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE memories SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Classifyf(model.ClassInvalidInput, "memory %s already deleted or missing", id)
	}
	if err := appendRevisionTx(ctx, tx, rev); err != nil {
		return err
	}
	return commitOrClassify(tx)
}

// ScopeFilters narrows list_memories_by_scope beyond the mandatory scope
// match.
type ScopeFilters struct {
	Topic         string
	MinConfidence *float64
	SourceType    *model.SourceType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// ListMemoriesByScope lists non-deleted, unexpired memories for an exact scope
// match. Scope is mandatory: an empty scope is rejected, per §4.3's
// "the gateway rejects unscoped listing".
func (g *Gateway) ListMemoriesByScope(ctx context.Context, scope model.Scope, filters ScopeFilters, limit, offset int) ([]*model.Memory, error) {
	if !scope.Valid() {
		return nil, model.Classifyf(model.ClassInvalidInput, "list_memories_by_scope requires a valid, non-empty scope")
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, model.Classify(model.ClassInvalidInput, err)
	}

	query := `SELECT * FROM memories WHERE scope = $1::jsonb AND deleted_at IS NULL AND (expires_at IS NULL OR expires_at > now())`
	args := []any{scopeJSON}

	if filters.Topic != "" {
		args = append(args, filters.Topic)
		query += fmt.Sprintf(" AND topic = $%d", len(args))
	}
	if filters.MinConfidence != nil {
		args = append(args, *filters.MinConfidence)
		query += fmt.Sprintf(" AND confidence >= $%d", len(args))
	}
	if filters.SourceType != nil {
		args = append(args, string(*filters.SourceType))
		query += fmt.Sprintf(" AND source_type = $%d", len(args))
	}
	if filters.CreatedAfter != nil {
		args = append(args, *filters.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filters.CreatedBefore != nil {
		args = append(args, *filters.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []memoryRow
	if err := g.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, err)
	}
	out := make([]*model.Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, model.Classify(model.ClassUpstreamPermanent, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendRevision inserts a revision, failing if revision_number would
// create a gap, and atomically increments the memory's revision_count.
func (g *Gateway) AppendRevision(ctx context.Context, rev model.MemoryRevision) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendRevisionTx(ctx, tx, rev); err != nil {
		return err
	}
	return commitOrClassify(tx)
}

func appendRevisionTx(ctx context.Context, tx *sqlx.Tx, rev model.MemoryRevision) error {
	var existing int
	err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM memory_revisions WHERE memory_id=$1 AND revision_number=$2`, rev.MemoryID, rev.RevisionNumber)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	if existing > 0 {
		// Idempotent replay: a revision with this (memory_id, revision_number)
		// key already exists, per §4.7.1 step 7. Silent no-op.
		return nil
	}

	var maxRev sql.NullInt64
	if err := tx.GetContext(ctx, &maxRev, `SELECT MAX(revision_number) FROM memory_revisions WHERE memory_id=$1`, rev.MemoryID); err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	expectedNext := int64(1)
	if maxRev.Valid {
		expectedNext = maxRev.Int64 + 1
	}
	if int64(rev.RevisionNumber) != expectedNext {
		return model.Classifyf(model.ClassInvalidInput,
			"append_revision would create a gap for memory %s: next expected %d, got %d", rev.MemoryID, expectedNext, rev.RevisionNumber)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_revisions (id, memory_id, revision_number, fact, action,
			source_session_id, source_memory_ids, previous_fact, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rev.ID, rev.MemoryID, rev.RevisionNumber, rev.Fact, string(rev.Action),
		rev.SourceSessionID, uuidArray(rev.SourceMemoryIDs), rev.PreviousFact, rev.Confidence, rev.CreatedAt)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("insert revision: %w", err))
	}

	_, err = tx.ExecContext(ctx, `UPDATE memories SET revision_count = revision_count + 1, updated_at=$1 WHERE id=$2`, rev.CreatedAt, rev.MemoryID)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("increment revision_count: %w", err))
	}
	return nil
}

func commitOrClassify(tx *sqlx.Tx) error {
	if err := tx.Commit(); err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	return nil
}

// CreateJob inserts a new PENDING job.
func (g *Gateway) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, scope, payload, status, attempt_count, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		job.ID, string(job.Kind), scopeJSON(job.Scope), job.Payload, string(job.Status),
		job.AttemptCount, job.LastError, job.CreatedAt)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("insert job: %w", err))
	}
	return nil
}

// UpdateJobStatus transitions a job's status and records result/error
// and timestamps.
func (g *Gateway) UpdateJobStatus(ctx context.Context, id uuid.UUID, status model.JobStatus, result *model.JobResult, lastError string) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return model.Classify(model.ClassInvalidInput, err)
		}
		resultJSON = b
	}
	now := time.Now().UTC()

	query := `UPDATE jobs SET status=$1, last_error=$2, attempt_count = attempt_count + 1`
	args := []any{string(status), lastError}
	if resultJSON != nil {
		args = append(args, resultJSON)
		query += fmt.Sprintf(", result=$%d", len(args))
	}
	switch status {
	case model.JobRunning:
		args = append(args, now)
		query += fmt.Sprintf(", started_at=$%d", len(args))
	case model.JobCompleted, model.JobFailed:
		args = append(args, now)
		query += fmt.Sprintf(", completed_at=$%d", len(args))
	}
	args = append(args, id)
	query += fmt.Sprintf(" WHERE id=$%d", len(args))

	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("update job status: %w", err))
	}
	return nil
}

// GetJob fetches one job by id.
func (g *Gateway) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	type jobRow struct {
		ID          uuid.UUID  `db:"id"`
		Kind        string     `db:"kind"`
		Scope       []byte     `db:"scope"`
		Payload     []byte     `db:"payload"`
		Status      string     `db:"status"`
		AttemptCount int       `db:"attempt_count"`
		LastError   string     `db:"last_error"`
		CreatedAt   time.Time  `db:"created_at"`
		StartedAt   *time.Time `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
		Result      []byte     `db:"result"`
		RawLLM      []byte     `db:"raw_llm_response"`
	}
	var row jobRow
	err := g.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, model.Classifyf(model.ClassInvalidInput, "job %s not found", id)
	}
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, err)
	}

	var scope model.Scope
	if err := json.Unmarshal(row.Scope, &scope); err != nil {
		return nil, model.Classify(model.ClassUpstreamPermanent, err)
	}
	job := &model.Job{
		ID: row.ID, Kind: model.JobKind(row.Kind), Scope: scope, Payload: row.Payload,
		Status: model.JobStatus(row.Status), AttemptCount: row.AttemptCount, LastError: row.LastError,
		CreatedAt: row.CreatedAt, StartedAt: row.StartedAt, CompletedAt: row.CompletedAt,
		RawLLMResponse: row.RawLLM,
	}
	if row.Result != nil {
		var result model.JobResult
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return nil, model.Classify(model.ClassUpstreamPermanent, err)
		}
		job.Result = &result
	}
	return job, nil
}
