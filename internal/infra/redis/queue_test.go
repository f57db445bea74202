package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm/evmtest"
)

func setupQueue(t *testing.T) *JobQueue {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("Skipping redis queue test. Set REDIS_TEST_URL to run.")
	}
	client, err := NewClient(Config{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	prefix := fmt.Sprintf("cmwatch_test_%d", time.Now().UnixNano())
	q := NewJobQueue(client, prefix)

	t.Cleanup(func() {
		ctx := context.Background()
		_ = client.rdb.Del(ctx, pendingKey(prefix, "42161"), failedKey(prefix, "42161"), jobsKey(prefix, "42161")).Err()
		_ = client.Close()
	})
	return q
}

func job(block uint64, logIndex uint) *dispatch.Job {
	return dispatch.NewJob(domain.QueuedEvent{
		ChainID: "42161",
		Event:   evmtest.InsertBid("0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec", block, logIndex, "0xaa", 5, 6),
	})
}

func TestJobQueue_PeekReturnsLowestPriority(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	for _, j := range []*dispatch.Job{job(101, 0), job(100, 1), job(100, 0)} {
		if _, err := q.Push(ctx, j); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	got, err := q.Peek(ctx, "42161")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if got.Event.Position() != (domain.Position{BlockNumber: 100, LogIndex: 0}) {
		t.Errorf("expected 100:0 first, got %s", got.Event.Position())
	}
	if got.Event.InsertBid == nil || got.Event.InsertBid.Bid.Int64() != 5 {
		t.Errorf("event payload did not survive the round trip: %+v", got.Event)
	}
}

func TestJobQueue_PushIsIdempotent(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	added, _ := q.Push(ctx, job(100, 0))
	again, _ := q.Push(ctx, job(100, 0))
	if !added || again {
		t.Errorf("expected first push to add and second to skip, got %v/%v", added, again)
	}
	if n, _ := q.Len(ctx, "42161"); n != 1 {
		t.Errorf("expected 1 pending job, got %d", n)
	}
}

func TestJobQueue_FailAndRequeue(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	j := job(100, 0)
	_, _ = q.Push(ctx, j)
	j.Attempts = 5
	j.LastError = "boom"
	if err := q.Fail(ctx, j); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if n, _ := q.Len(ctx, "42161"); n != 0 {
		t.Errorf("expected empty pending set, got %d", n)
	}
	failed, _ := q.Failed(ctx, "42161")
	if len(failed) != 1 || failed[0].Attempts != 5 {
		t.Fatalf("unexpected failed set %+v", failed)
	}

	// A failed job is not re-added by a fresh push
	if added, _ := q.Push(ctx, job(100, 0)); added {
		t.Error("push must not resurrect a failed job")
	}

	failed[0].Attempts = 0
	if err := q.Requeue(ctx, failed[0]); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	got, _ := q.Peek(ctx, "42161")
	if got == nil || got.Attempts != 0 {
		t.Errorf("expected requeued job, got %+v", got)
	}

	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if got, _ := q.Peek(ctx, "42161"); got != nil {
		t.Errorf("expected empty queue, got %+v", got)
	}
}
