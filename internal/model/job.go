package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind enumerates the two job types the Coordinator handles.
type JobKind string

const (
	JobExtract    JobKind = "EXTRACT"
	JobConsolidate JobKind = "CONSOLIDATE"
)

// JobStatus is a job's terminal or in-flight lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// ExtractionJobPayload is the payload of an EXTRACT job.
type ExtractionJobPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Scope     Scope     `json:"scope"`
}

// ConsolidationJobPayload is the payload of a CONSOLIDATE job.
type ConsolidationJobPayload struct {
	Scope           Scope `json:"scope"`
	MaxMemories     int   `json:"max_memories"`
	DetectConflicts bool  `json:"detect_conflicts"`
}

// JobResult is the typed shape of a completed job's result record.
type JobResult struct {
	CandidatesExtracted   int              `json:"candidates_extracted"`
	EmbeddingsOK          int              `json:"embeddings_ok"`
	MemoriesCreated       int              `json:"memories_created"`
	MemoriesUpdated       int              `json:"memories_updated"`
	MemoriesMerged        int              `json:"memories_merged"`
	Conflicts             []MergeCandidate `json:"conflicts"`
	DegradedVectorWrites  bool             `json:"degraded_vector_writes"`
	NarrativeSummary      string           `json:"narrative_summary,omitempty"`
}

// Job is the unit of at-least-once work dispatched through the queue.
type Job struct {
	ID              uuid.UUID
	Kind            JobKind
	Scope           Scope
	Payload         json.RawMessage
	Status          JobStatus
	AttemptCount    int
	LastError       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Result          *JobResult
	RawLLMResponse  json.RawMessage
}
