// Package reorder groups live events by block and releases each block in
// log-index order once no new event for it has arrived for a quiet period.
//
// The quiet period trades latency for ordering confidence: a block is
// dispatched at most one quiet period after its last arrival. A zero quiet
// period flushes on every enqueue, which tests use for determinism.
package reorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
)

// Dispatcher receives flushed events in order. The dispatch manager implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, ev domain.QueuedEvent) error
}

type bucketKey struct {
	chainID string
	block   uint64
}

type bucket struct {
	events   []domain.QueuedEvent
	seen     map[string]struct{}
	maxIndex uint
	timer    *time.Timer
}

// Buffer is the per-(chain, block) reordering buffer.
type Buffer struct {
	dispatcher Dispatcher
	quiet      time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	log *slog.Logger
}

func NewBuffer(dispatcher Dispatcher, quiet time.Duration) *Buffer {
	return &Buffer{
		dispatcher: dispatcher,
		quiet:      quiet,
		buckets:    make(map[bucketKey]*bucket),
		log:        slog.Default().With("component", "reorder"),
	}
}

// Enqueue adds a live event to its block and restarts the block's quiet timer.
func (b *Buffer) Enqueue(ctx context.Context, qe domain.QueuedEvent) error {
	key := bucketKey{chainID: qe.ChainID, block: qe.Event.Ref.BlockNumber}
	ref := qe.Event.Ref

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{seen: make(map[string]struct{})}
		b.buckets[key] = bk
	}

	id := fmt.Sprintf("%d:%s:%s", ref.LogIndex, qe.Event.Kind, ref.TxHash)
	if _, dup := bk.seen[id]; dup {
		b.mu.Unlock()
		b.log.Debug("Duplicate event in block bucket", "chain", qe.ChainID, "block", ref.BlockNumber, "log_index", ref.LogIndex)
		return nil
	}
	bk.seen[id] = struct{}{}

	if len(bk.events) > 0 && ref.LogIndex < bk.maxIndex {
		metrics.ReorderOutOfOrder.WithLabelValues(qe.ChainID).Inc()
		b.log.Info("Out-of-order live event",
			"chain", qe.ChainID, "block", ref.BlockNumber, "log_index", ref.LogIndex, "after", bk.maxIndex)
	}
	if len(bk.events) == 0 || ref.LogIndex > bk.maxIndex {
		bk.maxIndex = ref.LogIndex
	}
	bk.events = append(bk.events, qe)

	if b.quiet <= 0 {
		b.mu.Unlock()
		return b.Flush(ctx, qe.ChainID, ref.BlockNumber)
	}

	if bk.timer == nil {
		chainID, block := key.chainID, key.block
		bk.timer = time.AfterFunc(b.quiet, func() {
			if err := b.Flush(context.Background(), chainID, block); err != nil {
				b.log.Warn("Block flush incomplete", "chain", chainID, "block", block, "error", err)
			}
		})
	} else {
		bk.timer.Reset(b.quiet)
	}
	b.mu.Unlock()
	return nil
}

// Flush dispatches a block's buffered events sorted by log index. Dispatch
// failures are logged per event and joined into the returned error.
func (b *Buffer) Flush(ctx context.Context, chainID string, block uint64) error {
	key := bucketKey{chainID: chainID, block: block}

	b.mu.Lock()
	bk, ok := b.buckets[key]
	delete(b.buckets, key)
	if ok && bk.timer != nil {
		bk.timer.Stop()
	}
	b.mu.Unlock()

	if !ok || len(bk.events) == 0 {
		return nil
	}

	events := bk.events
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Event.Ref.LogIndex < events[j].Event.Ref.LogIndex
	})

	var errs []error
	for _, qe := range events {
		if err := b.dispatcher.Enqueue(ctx, qe); err != nil {
			b.log.Error("Failed to dispatch live event",
				"chain", chainID, "block", block, "log_index", qe.Event.Ref.LogIndex, "event", qe.Event.Kind, "error", err)
			errs = append(errs, fmt.Errorf("log %d: %w", qe.Event.Ref.LogIndex, err))
		}
	}
	metrics.ReorderFlushes.WithLabelValues(chainID).Inc()
	b.log.Debug("Flushed block", "chain", chainID, "block", block, "events", len(events))
	return errors.Join(errs...)
}

// FlushAll flushes every pending block in (chain, block) order. Used on shutdown.
func (b *Buffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	keys := make([]bucketKey, 0, len(b.buckets))
	for k := range b.buckets {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chainID != keys[j].chainID {
			return keys[i].chainID < keys[j].chainID
		}
		return keys[i].block < keys[j].block
	})

	var errs []error
	for _, k := range keys {
		if err := b.Flush(ctx, k.chainID, k.block); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of buffered events.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bk := range b.buckets {
		n += len(bk.events)
	}
	return n
}
