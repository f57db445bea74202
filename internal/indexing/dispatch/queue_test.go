package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm/evmtest"
)

const contract = "0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec"

// =============================================================================
// Helpers
// =============================================================================

type recorder struct {
	mu       sync.Mutex
	seen     []domain.Position
	failures map[domain.Position]int
	err      error
}

func (r *recorder) handle(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := job.Event.Position()
	if r.failures[pos] > 0 {
		r.failures[pos]--
		if r.err != nil {
			return r.err
		}
		return errors.New("db: connection reset")
	}
	r.seen = append(r.seen, pos)
	return nil
}

func (r *recorder) positions() []domain.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Position(nil), r.seen...)
}

func fastConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts: 3,
		Backoff: &recovery.ExponentialBackoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
		StallTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
	}
}

func event(block uint64, logIndex uint) domain.QueuedEvent {
	return domain.QueuedEvent{
		ChainID:    "42161",
		Event:      evmtest.InsertBid(contract, block, logIndex, "0xaa", 1, 1),
		ReceivedAt: time.Now(),
	}
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =============================================================================
// Queue Tests
// =============================================================================

func TestQueue_RunsInPriorityOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue("42161", NewMemoryBackend(), rec.handle, fastConfig())
	ctx := context.Background()

	// Enqueued out of order before the worker starts
	for _, ev := range []domain.QueuedEvent{event(101, 0), event(100, 1), event(100, 0), event(99, 7)} {
		if err := q.Push(ctx, ev); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	runQueue(t, q)
	eventually(t, func() bool { return len(rec.positions()) == 4 })

	got := rec.positions()
	want := []domain.Position{{BlockNumber: 99, LogIndex: 7}, {BlockNumber: 100, LogIndex: 0}, {BlockNumber: 100, LogIndex: 1}, {BlockNumber: 101, LogIndex: 0}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueue_PushIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	q := NewQueue("42161", backend, (&recorder{}).handle, fastConfig())
	ctx := context.Background()

	_ = q.Push(ctx, event(100, 1))
	_ = q.Push(ctx, event(100, 1))

	if n, _ := q.Depth(ctx); n != 1 {
		t.Errorf("expected 1 pending job, got %d", n)
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	rec := &recorder{failures: map[domain.Position]int{{BlockNumber: 100, LogIndex: 0}: 2}}
	q := NewQueue("42161", NewMemoryBackend(), rec.handle, fastConfig())

	_ = q.Push(context.Background(), event(100, 0))
	runQueue(t, q)

	eventually(t, func() bool { return len(rec.positions()) == 1 })
	failed, _ := q.Failed(context.Background())
	if len(failed) != 0 {
		t.Errorf("expected no failed jobs, got %d", len(failed))
	}
}

func TestQueue_ExhaustedJobMovesToFailed(t *testing.T) {
	rec := &recorder{failures: map[domain.Position]int{{BlockNumber: 100, LogIndex: 0}: 10}}
	q := NewQueue("42161", NewMemoryBackend(), rec.handle, fastConfig())
	ctx := context.Background()

	_ = q.Push(ctx, event(100, 0))
	_ = q.Push(ctx, event(100, 1))
	runQueue(t, q)

	// The next job still runs after the failure is recorded
	eventually(t, func() bool { return len(rec.positions()) == 1 })

	failed, err := q.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed returned error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(failed))
	}
	job := failed[0]
	if job.Attempts != 3 || job.LastError == "" || job.FailedAt == nil {
		t.Errorf("unexpected failed job bookkeeping %+v", job)
	}
	if job.Event.Ref.LogIndex != 0 {
		t.Errorf("expected log 0 to fail, got %d", job.Event.Ref.LogIndex)
	}
}

func TestQueue_PermanentErrorFailsImmediately(t *testing.T) {
	rec := &recorder{
		failures: map[domain.Position]int{{BlockNumber: 100, LogIndex: 0}: 1},
		err:      recovery.Permanent(errors.New("invalid event payload")),
	}
	q := NewQueue("42161", NewMemoryBackend(), rec.handle, fastConfig())
	ctx := context.Background()

	_ = q.Push(ctx, event(100, 0))
	runQueue(t, q)

	eventually(t, func() bool {
		failed, _ := q.Failed(ctx)
		return len(failed) == 1
	})
	failed, _ := q.Failed(ctx)
	if failed[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", failed[0].Attempts)
	}
}

func TestQueue_RetryFailed(t *testing.T) {
	rec := &recorder{failures: map[domain.Position]int{{BlockNumber: 100, LogIndex: 0}: 3}}
	q := NewQueue("42161", NewMemoryBackend(), rec.handle, fastConfig())
	ctx := context.Background()

	_ = q.Push(ctx, event(100, 0))
	runQueue(t, q)

	eventually(t, func() bool {
		failed, _ := q.Failed(ctx)
		return len(failed) == 1
	})

	n, err := q.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 requeued job, got %d (%v)", n, err)
	}

	// The handler has used up its failures; the retried job completes
	eventually(t, func() bool { return len(rec.positions()) == 1 })
	failed, _ := q.Failed(ctx)
	if len(failed) != 0 {
		t.Errorf("expected failed set to be empty, got %d", len(failed))
	}
}

func TestQueue_StallDetection(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, job *Job) error {
		<-release
		return nil
	}
	cfg := fastConfig()
	cfg.StallTimeout = 20 * time.Millisecond
	cfg.JobTimeout = time.Minute
	q := NewQueue("42161", NewMemoryBackend(), handler, cfg)

	_ = q.Push(context.Background(), event(1, 0))
	runQueue(t, q)

	eventually(t, q.Stalled)
	close(release)
	eventually(t, func() bool { return !q.Stalled() })
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManager_RoutesPerChain(t *testing.T) {
	backend := NewMemoryBackend()
	rec := &recorder{}
	m := NewManager(backend, rec.handle, fastConfig())
	ctx := context.Background()

	other := event(5, 0)
	other.ChainID = "421614"

	_ = m.Enqueue(ctx, event(5, 0))
	_ = m.Enqueue(ctx, other)

	if n, _ := m.Queue("42161").Depth(ctx); n != 1 {
		t.Errorf("expected 1 job on 42161, got %d", n)
	}
	if n, _ := m.Queue("421614").Depth(ctx); n != 1 {
		t.Errorf("expected 1 job on 421614, got %d", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx, []string{"42161", "421614"}) }()

	eventually(t, func() bool { return len(rec.positions()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}

func TestJob_DeterministicID(t *testing.T) {
	a := NewJob(event(100, 1))
	b := NewJob(event(100, 1))
	c := NewJob(event(100, 2))

	if a.ID != b.ID {
		t.Error("same event must map to the same job id")
	}
	if a.ID == c.ID {
		t.Error("different events must map to different job ids")
	}
	if a.Priority != Priority(100, 1) {
		t.Errorf("unexpected priority %d", a.Priority)
	}
}
