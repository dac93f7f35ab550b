package relstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/memoryforge/memoryd/internal/model"
)

// setupGateway starts a disposable Postgres container, grounded on this
// codebase's PostgresTestContainer helper, retargeted to run this
// package's own migrations instead of pgvector-specific schema setup.
func setupGateway(t *testing.T) *Gateway {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping relational store integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "memoryd",
			"POSTGRES_USER":     "memoryd",
			"POSTGRES_PASSWORD": "memoryd",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(2*time.Minute),
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://memoryd:memoryd@%s:%s/memoryd?sslmode=disable", host, port.Port())
	gw, err := Open(url, 5, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	require.NoError(t, RunMigrations(gw.DB(), log.Default()))
	return gw
}

func testScope() model.Scope {
	return model.Scope{"user_id": uuid.NewString()}
}

func newTestMemory(scope model.Scope, fact string) *model.Memory {
	now := time.Now().UTC()
	return &model.Memory{
		ID:         uuid.New(),
		Scope:      scope,
		Fact:       fact,
		Category:   model.CategoryFact,
		Confidence: 0.8,
		SourceType: model.SourceExtracted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestGatewayCreateAndGetMemory(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scope := testScope()

	m := newTestMemory(scope, "Enjoys hiking on weekends")
	require.NoError(t, gw.CreateMemory(ctx, m))

	got, err := gw.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Fact, got.Fact)
	require.True(t, scope.Equal(got.Scope))
}

func TestGatewayUpdateMemoryDetectsConcurrentModification(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scope := testScope()

	m := newTestMemory(scope, "Works remotely")
	require.NoError(t, gw.CreateMemory(ctx, m))

	staleCount := 5
	m.Fact = "Works remotely from Lisbon"
	_, err := gw.UpdateMemory(ctx, m, &staleCount)
	require.Error(t, err)
	require.Equal(t, model.ClassConcurrentModification, model.ClassOf(err))

	current := 0
	_, err = gw.UpdateMemory(ctx, m, &current)
	require.NoError(t, err)
}

func TestGatewayAppendRevisionRejectsGapsAndReplaysIdempotently(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scope := testScope()

	m := newTestMemory(scope, "Has two cats")
	require.NoError(t, gw.CreateMemory(ctx, m))

	rev := model.MemoryRevision{
		ID: uuid.New(), MemoryID: m.ID, RevisionNumber: 1,
		Fact: m.Fact, Action: model.ActionCreated, Confidence: m.Confidence, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, gw.AppendRevision(ctx, rev))

	// replaying the same (memory_id, revision_number) is a silent no-op.
	require.NoError(t, gw.AppendRevision(ctx, rev))

	gap := model.MemoryRevision{
		ID: uuid.New(), MemoryID: m.ID, RevisionNumber: 3,
		Fact: m.Fact, Action: model.ActionUpdated, Confidence: m.Confidence, CreatedAt: time.Now().UTC(),
	}
	err := gw.AppendRevision(ctx, gap)
	require.Error(t, err)
	require.Equal(t, model.ClassInvalidInput, model.ClassOf(err))
}

func TestGatewayListMemoriesByScopeRejectsEmptyScope(t *testing.T) {
	gw := setupGateway(t)
	_, err := gw.ListMemoriesByScope(context.Background(), model.Scope{}, ScopeFilters{}, 10, 0)
	require.Error(t, err)
	require.Equal(t, model.ClassInvalidInput, model.ClassOf(err))
}

func TestGatewayListMemoriesByScopeIsolatesScopes(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scopeA := testScope()
	scopeB := testScope()

	require.NoError(t, gw.CreateMemory(ctx, newTestMemory(scopeA, "Lives in Berlin")))
	require.NoError(t, gw.CreateMemory(ctx, newTestMemory(scopeB, "Lives in Tokyo")))

	got, err := gw.ListMemoriesByScope(ctx, scopeA, ScopeFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Lives in Berlin", got[0].Fact)
}

func TestGatewaySoftDeleteMemory(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scope := testScope()

	m := newTestMemory(scope, "Owns a bicycle")
	require.NoError(t, gw.CreateMemory(ctx, m))

	rev := model.MemoryRevision{
		ID: uuid.New(), MemoryID: m.ID, RevisionNumber: 1,
		Fact: m.Fact, Action: model.ActionDeleted, Confidence: m.Confidence, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, gw.SoftDeleteMemory(ctx, m.ID, rev))

	got, err := gw.ListMemoriesByScope(ctx, scope, ScopeFilters{}, 10, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	require.Error(t, gw.SoftDeleteMemory(ctx, m.ID, rev))
}

func TestGatewayJobLifecycle(t *testing.T) {
	gw := setupGateway(t)
	ctx := context.Background()
	scope := testScope()

	job := &model.Job{
		ID: uuid.New(), Kind: model.JobExtract, Scope: scope,
		Payload: []byte(`{}`), Status: model.JobPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, gw.CreateJob(ctx, job))

	require.NoError(t, gw.UpdateJobStatus(ctx, job.ID, model.JobRunning, nil, ""))
	got, err := gw.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	result := &model.JobResult{MemoriesCreated: 2}
	require.NoError(t, gw.UpdateJobStatus(ctx, job.ID, model.JobCompleted, result, ""))
	got, err = gw.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, 2, got.Result.MemoriesCreated)
}
