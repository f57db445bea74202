package dispatch

import (
	"context"
	"sort"
	"sync"
)

// Backend stores pending and failed jobs per chain.
type Backend interface {
	// Push adds a pending job. A job whose id is already pending or failed is left as is.
	Push(ctx context.Context, job *Job) (bool, error)

	// Peek returns the pending job with the lowest priority, or nil when empty.
	Peek(ctx context.Context, chainID string) (*Job, error)

	// Update persists attempt bookkeeping of a pending job.
	Update(ctx context.Context, job *Job) error

	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error

	// Fail moves a pending job to the failed set.
	Fail(ctx context.Context, job *Job) error

	// Failed lists the failed jobs of a chain, oldest priority first.
	Failed(ctx context.Context, chainID string) ([]*Job, error)

	// Requeue moves a failed job back to pending.
	Requeue(ctx context.Context, job *Job) error

	// Len returns the number of pending jobs of a chain.
	Len(ctx context.Context, chainID string) (int, error)
}

type memoryChain struct {
	pending map[string]*Job
	failed  map[string]*Job
}

// MemoryBackend keeps jobs in process memory. Jobs do not survive a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	chains map[string]*memoryChain
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chains: make(map[string]*memoryChain)}
}

func (b *MemoryBackend) chain(chainID string) *memoryChain {
	c, ok := b.chains[chainID]
	if !ok {
		c = &memoryChain{pending: make(map[string]*Job), failed: make(map[string]*Job)}
		b.chains[chainID] = c
	}
	return c
}

func (b *MemoryBackend) Push(ctx context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.chain(job.ChainID)
	if _, ok := c.pending[job.ID]; ok {
		return false, nil
	}
	if _, ok := c.failed[job.ID]; ok {
		return false, nil
	}
	c.pending[job.ID] = job.clone()
	return true, nil
}

func (b *MemoryBackend) Peek(ctx context.Context, chainID string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *Job
	for _, j := range b.chain(chainID).pending {
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.clone(), nil
}

func (b *MemoryBackend) Update(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.chain(job.ChainID)
	if _, ok := c.pending[job.ID]; ok {
		c.pending[job.ID] = job.clone()
	}
	return nil
}

func (b *MemoryBackend) Ack(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chain(job.ChainID).pending, job.ID)
	return nil
}

func (b *MemoryBackend) Fail(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.chain(job.ChainID)
	delete(c.pending, job.ID)
	c.failed[job.ID] = job.clone()
	return nil
}

func (b *MemoryBackend) Failed(ctx context.Context, chainID string) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Job
	for _, j := range b.chain(chainID).failed {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out, nil
}

func (b *MemoryBackend) Requeue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.chain(job.ChainID)
	delete(c.failed, job.ID)
	c.pending[job.ID] = job.clone()
	return nil
}

func (b *MemoryBackend) Len(ctx context.Context, chainID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chain(chainID).pending), nil
}
