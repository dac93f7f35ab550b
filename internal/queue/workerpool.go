// Package queue implements the Queue Fabric & Workers (§5/§6): a
// generic in-process worker pool for fanning out the messages of one
// delivered batch, composed with an outer NATS JetStream pull-consumer
// loop that owns prefetch, ack/nack, and redelivery.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Job is a unit of work dispatched to the pool, grounded on this
// codebase's generic workerpool.go.
type Job[T any] interface {
	Process(ctx context.Context) (T, error)
}

// WorkerPool runs up to `workers` jobs concurrently, bounding in-process
// fan-out the way §5's "lightweight task per in-flight message up to
// prefetch_count" describes.
type WorkerPool[J Job[R], R any] struct {
	workers int
	logger  *log.Logger
}

// NewWorkerPool constructs a WorkerPool.
func NewWorkerPool[J Job[R], R any](workers int, logger *log.Logger) *WorkerPool[J, R] {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool[J, R]{workers: workers, logger: logger}
}

// ProcessResult pairs a job with its outcome.
type ProcessResult[J Job[R], R any] struct {
	Job    J
	Result R
	Error  error
}

// Process runs jobs to completion, respecting per-job timeout and
// overall context cancellation, and returns a channel of results in
// completion order (not submission order).
func (wp *WorkerPool[J, R]) Process(ctx context.Context, jobs []J, timeout time.Duration) <-chan ProcessResult[J, R] {
	jobQueue := make(chan J, len(jobs))
	results := make(chan ProcessResult[J, R], len(jobs))

	for _, job := range jobs {
		jobQueue <- job
	}
	close(jobQueue)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, jobQueue, results, timeout, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (wp *WorkerPool[J, R]) worker(ctx context.Context, id int, jobs <-chan J, results chan<- ProcessResult[J, R], timeout time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobs {
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := job.Process(jobCtx)
		cancel()

		if err != nil {
			wp.logger.Debug("worker job failed", "worker", id, "error", err)
		}

		select {
		case results <- ProcessResult[J, R]{Job: job, Result: result, Error: err}:
		case <-ctx.Done():
			return
		}
	}
}
