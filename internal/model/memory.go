package model

import (
	"time"

	"github.com/google/uuid"
)

// Category enumerates the fixed set of memory categories.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryGoal         Category = "goal"
	CategoryHabit        Category = "habit"
	CategoryRelationship Category = "relationship"
	CategoryProfessional Category = "professional"
	CategoryLocation     Category = "location"
	CategoryTemporal     Category = "temporal"
)

// Categories is the fixed set of valid categories, used by the Extraction
// Stage to validate LLM output.
var Categories = map[Category]struct{}{
	CategoryPreference:   {},
	CategoryFact:         {},
	CategoryGoal:         {},
	CategoryHabit:        {},
	CategoryRelationship: {},
	CategoryProfessional: {},
	CategoryLocation:     {},
	CategoryTemporal:     {},
}

// SourceType describes how a memory came into being.
type SourceType string

const (
	SourceExtracted   SourceType = "extracted"
	SourceConsolidated SourceType = "consolidated"
	SourceDirect      SourceType = "direct"
	SourceImported    SourceType = "imported"
)

// Memory is the central persisted entity: one durable fact about a scope.
type Memory struct {
	ID                uuid.UUID
	Scope             Scope
	Fact              string
	Topic             string
	Category          Category
	Confidence        float64
	Importance        float64
	SourceType        SourceType
	SourceSessionID   *uuid.UUID
	SourceMemoryIDs   []uuid.UUID
	Embedding         []float32
	EmbeddingModelID  string
	RevisionCount     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         *time.Time
	DeletedAt         *time.Time
}

// IsDeleted reports whether the memory has been soft-deleted.
func (m *Memory) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Expired reports whether the memory's TTL has elapsed as of now.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// RevisionAction enumerates the kinds of mutation a MemoryRevision records.
type RevisionAction string

const (
	ActionCreated  RevisionAction = "CREATED"
	ActionUpdated  RevisionAction = "UPDATED"
	ActionMerged   RevisionAction = "MERGED"
	ActionDeleted  RevisionAction = "DELETED"
	ActionRollback RevisionAction = "ROLLBACK"
)

// MemoryRevision is one immutable entry in a memory's append-only history.
type MemoryRevision struct {
	ID              uuid.UUID
	MemoryID        uuid.UUID
	RevisionNumber  int
	Fact            string
	Action          RevisionAction
	SourceSessionID *uuid.UUID
	SourceMemoryIDs []uuid.UUID
	PreviousFact    *string
	Confidence      float64
	CreatedAt       time.Time
}

// ConversationEvent is a single turn in a session transcript, owned by
// the external Sessions service; the core treats it as read-only.
type ConversationEvent struct {
	Author      Author
	Content     string
	Timestamp   time.Time
	InvocationID string
}

// Author enumerates who produced a ConversationEvent.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorTool   Author = "tool"
	AuthorSystem Author = "system"
)

// ExtractionCandidate is an in-memory, not-yet-persisted candidate fact
// produced by the Extraction Stage.
type ExtractionCandidate struct {
	Fact       string
	Category   Category
	Confidence float64
	Topic      string
	Importance float64
	Embedding  []float32
}

// MergeCandidate is an in-memory pairing considered for merge or flagged
// as a conflict by the Consolidation Stage.
type MergeCandidate struct {
	MemoryA    uuid.UUID
	MemoryB    uuid.UUID
	Similarity float64
	IsConflict bool
}
