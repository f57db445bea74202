// Package dispatch runs one sequential, retrying job queue per chain.
//
// Jobs are ordered by Priority(block, logIndex), so a block flushed late by
// the reordering buffer still runs before anything after it. Each chain has
// exactly one worker; a job is never run concurrently with another job of
// the same chain.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
)

// Handler processes one job. The event processor implements it.
type Handler func(ctx context.Context, job *Job) error

// QueueConfig tunes the worker. Zero values get defaults.
type QueueConfig struct {
	MaxAttempts  int
	Backoff      *recovery.ExponentialBackoff
	StallTimeout time.Duration
	JobTimeout   time.Duration
	PollInterval time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = recovery.DefaultBackoff(nil)
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 2 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = c.StallTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Queue is the job queue and single worker of one chain.
type Queue struct {
	chainID string
	backend Backend
	handler Handler
	cfg     QueueConfig
	notify  chan struct{}

	mu        sync.Mutex
	current   *Job
	startedAt time.Time
	stalled   bool

	log *slog.Logger
}

func NewQueue(chainID string, backend Backend, handler Handler, cfg QueueConfig) *Queue {
	return &Queue{
		chainID: chainID,
		backend: backend,
		handler: handler,
		cfg:     cfg.withDefaults(),
		notify:  make(chan struct{}, 1),
		log:     slog.Default().With("component", "dispatch", "chain", chainID),
	}
}

// Push enqueues a live event. Pushing an event that is already queued is a no-op.
func (q *Queue) Push(ctx context.Context, qe domain.QueuedEvent) error {
	job := NewJob(qe)
	added, err := q.backend.Push(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	if !added {
		q.log.Debug("Job already queued", "job", job.ID, "block", job.Event.Ref.BlockNumber, "log_index", job.Event.Ref.LogIndex)
		return nil
	}
	metrics.DispatchJobs.WithLabelValues(q.chainID, "enqueued").Inc()
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It returns when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	go q.watchStalls(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := q.backend.Peek(ctx, q.chainID)
		if err != nil {
			q.log.Warn("Failed to peek queue", "error", err)
			if recovery.Sleep(ctx, q.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}
		if job == nil {
			q.reportDepth(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(ctx, job)
		q.reportDepth(ctx)
	}
}

// process runs a job to completion or failure. The handler runs with a
// detached context so shutdown never interrupts an event mid-way.
func (q *Queue) process(ctx context.Context, job *Job) {
	q.setCurrent(job)
	defer q.setCurrent(nil)

	bctx := context.WithoutCancel(ctx)
	for {
		jobCtx, cancel := context.WithTimeout(bctx, q.cfg.JobTimeout)
		err := q.handler(jobCtx, job)
		cancel()

		if err == nil {
			if aerr := q.backend.Ack(bctx, job); aerr != nil {
				q.log.Error("Failed to ack job", "job", job.ID, "error", aerr)
			}
			metrics.DispatchJobs.WithLabelValues(q.chainID, "completed").Inc()
			q.log.Debug("Job completed",
				"block", job.Event.Ref.BlockNumber, "log_index", job.Event.Ref.LogIndex, "attempts", job.Attempts+1)
			return
		}

		job.Attempts++
		job.LastError = err.Error()

		if job.Attempts >= q.cfg.MaxAttempts || recovery.IsPermanent(err) {
			now := time.Now()
			job.FailedAt = &now
			if ferr := q.backend.Fail(bctx, job); ferr != nil {
				q.log.Error("Failed to move job to failed set", "job", job.ID, "error", ferr)
			}
			metrics.DispatchJobs.WithLabelValues(q.chainID, "failed").Inc()
			q.log.Error("Dispatch job failed",
				"block", job.Event.Ref.BlockNumber,
				"log_index", job.Event.Ref.LogIndex,
				"event", job.Event.Kind,
				"tx", job.Event.Ref.TxHash,
				"attempts", job.Attempts,
				"error", err)
			return
		}

		if uerr := q.backend.Update(bctx, job); uerr != nil {
			q.log.Warn("Failed to persist job attempts", "job", job.ID, "error", uerr)
		}
		delay := q.cfg.Backoff.GetDelay(job.Attempts - 1)
		metrics.DispatchJobs.WithLabelValues(q.chainID, "retrying").Inc()
		q.log.Warn("Dispatch job failed, retrying",
			"block", job.Event.Ref.BlockNumber,
			"log_index", job.Event.Ref.LogIndex,
			"attempt", job.Attempts,
			"delay", delay,
			"error", err)

		// On shutdown the job stays pending with its attempts recorded
		if recovery.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (q *Queue) setCurrent(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = job
	q.startedAt = time.Now()
	q.stalled = false
}

func (q *Queue) watchStalls(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.StallTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.checkStall()
		}
	}
}

func (q *Queue) checkStall() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.stalled || time.Since(q.startedAt) < q.cfg.StallTimeout {
		return
	}
	q.stalled = true
	metrics.DispatchJobs.WithLabelValues(q.chainID, "stalled").Inc()
	q.log.Warn("Dispatch job stalled",
		"block", q.current.Event.Ref.BlockNumber,
		"log_index", q.current.Event.Ref.LogIndex,
		"running_for", time.Since(q.startedAt))
}

// Stalled reports whether the running job has exceeded the stall timeout.
func (q *Queue) Stalled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stalled
}

func (q *Queue) reportDepth(ctx context.Context) {
	n, err := q.backend.Len(ctx, q.chainID)
	if err != nil {
		return
	}
	metrics.DispatchQueueDepth.WithLabelValues(q.chainID).Set(float64(n))
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.backend.Len(ctx, q.chainID)
}

// Failed lists the jobs that exhausted their attempts.
func (q *Queue) Failed(ctx context.Context) ([]*Job, error) {
	return q.backend.Failed(ctx, q.chainID)
}

// RetryFailed moves every failed job back to pending with a fresh attempt count.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	jobs, err := q.backend.Failed(ctx, q.chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	for i, job := range jobs {
		job.Attempts = 0
		job.LastError = ""
		job.FailedAt = nil
		if err := q.backend.Requeue(ctx, job); err != nil {
			return i, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		metrics.DispatchJobs.WithLabelValues(q.chainID, "requeued").Inc()
	}
	if len(jobs) > 0 {
		q.log.Info("Requeued failed jobs", "count", len(jobs))
		q.wake()
	}
	return len(jobs), nil
}
