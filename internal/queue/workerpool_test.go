package queue

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

type delayJob struct {
	id    int
	delay time.Duration
	err   error
}

func (j delayJob) Process(ctx context.Context) (int, error) {
	select {
	case <-time.After(j.delay):
		return j.id, j.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestWorkerPoolProcessesAllJobs(t *testing.T) {
	jobs := make([]delayJob, 10)
	for i := range jobs {
		jobs[i] = delayJob{id: i, delay: time.Millisecond}
	}
	pool := NewWorkerPool[delayJob, int](4, testLogger())

	seen := map[int]bool{}
	for res := range pool.Process(context.Background(), jobs, time.Second) {
		require.NoError(t, res.Error)
		seen[res.Result] = true
	}
	assert.Len(t, seen, len(jobs))
}

func TestWorkerPoolReportsPerJobErrors(t *testing.T) {
	boom := errors.New("boom")
	jobs := []delayJob{
		{id: 1, delay: time.Millisecond},
		{id: 2, delay: time.Millisecond, err: boom},
	}
	pool := NewWorkerPool[delayJob, int](2, testLogger())

	var failures int32
	for res := range pool.Process(context.Background(), jobs, time.Second) {
		if res.Error != nil {
			atomic.AddInt32(&failures, 1)
			assert.Equal(t, boom, res.Error)
		}
	}
	assert.Equal(t, int32(1), failures)
}

func TestWorkerPoolEnforcesPerJobTimeout(t *testing.T) {
	jobs := []delayJob{{id: 1, delay: 50 * time.Millisecond}}
	pool := NewWorkerPool[delayJob, int](1, testLogger())

	res := <-pool.Process(context.Background(), jobs, time.Millisecond)
	assert.ErrorIs(t, res.Error, context.DeadlineExceeded)
}

func TestWorkerPoolDefaultsToOneWorker(t *testing.T) {
	pool := NewWorkerPool[delayJob, int](0, testLogger())
	assert.Equal(t, 1, pool.workers)
}

func TestWorkerPoolStopsSubmittingOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	jobs := make([]delayJob, 5)
	for i := range jobs {
		jobs[i] = delayJob{id: i, delay: 10 * time.Millisecond}
	}
	pool := NewWorkerPool[delayJob, int](1, testLogger())

	results := pool.Process(ctx, jobs, time.Second)
	cancel()

	count := 0
	for range results {
		count++
	}
	assert.LessOrEqual(t, count, len(jobs))
}
