package evm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HeadFunc reads the current head block of a chain.
type HeadFunc func(ctx context.Context, chainID string) (uint64, error)

type observedHead struct {
	block uint64
	at    time.Time
}

// HeadTracker remembers the head block of every chain for a short TTL.
// Concurrent misses for one chain share a single eth_blockNumber call.
type HeadTracker struct {
	fetch HeadFunc
	ttl   time.Duration
	calls singleflight.Group

	mu    sync.Mutex
	heads map[string]observedHead
}

func NewHeadTracker(fetch HeadFunc, ttl time.Duration) *HeadTracker {
	return &HeadTracker{
		fetch: fetch,
		ttl:   ttl,
		heads: make(map[string]observedHead),
	}
}

// Head returns the remembered head of chainID, reading it from the chain
// once the TTL has passed.
func (t *HeadTracker) Head(ctx context.Context, chainID string) (uint64, error) {
	if block, ok := t.fresh(chainID); ok {
		return block, nil
	}

	v, err, _ := t.calls.Do(chainID, func() (any, error) {
		block, err := t.fetch(ctx, chainID)
		if err != nil {
			return uint64(0), err
		}
		t.Observe(chainID, block)
		return block, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (t *HeadTracker) fresh(chainID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.heads[chainID]
	if !ok || h.block == 0 || time.Since(h.at) >= t.ttl {
		return 0, false
	}
	return h.block, true
}

// Observe records a head read elsewhere. A fresh entry never moves back.
func (t *HeadTracker) Observe(chainID string, block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.heads[chainID]
	if ok && block < h.block && time.Since(h.at) < t.ttl {
		return
	}
	t.heads[chainID] = observedHead{block: block, at: time.Now()}
}

// Invalidate forgets the head of chainID.
func (t *HeadTracker) Invalidate(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heads, chainID)
}
