package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// Manager routes events to the queue of their chain.
type Manager struct {
	backend Backend
	handler Handler
	cfg     QueueConfig

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager(backend Backend, handler Handler, cfg QueueConfig) *Manager {
	return &Manager{
		backend: backend,
		handler: handler,
		cfg:     cfg,
		queues:  make(map[string]*Queue),
	}
}

// Queue returns the queue of a chain, creating it on first use.
func (m *Manager) Queue(chainID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[chainID]
	if !ok {
		q = NewQueue(chainID, m.backend, m.handler, m.cfg)
		m.queues[chainID] = q
	}
	return q
}

// Enqueue pushes a live event onto its chain's queue.
func (m *Manager) Enqueue(ctx context.Context, qe domain.QueuedEvent) error {
	return m.Queue(qe.ChainID).Push(ctx, qe)
}

// Run starts one worker per chain and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, chainIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range chainIDs {
		q := m.Queue(id)
		g.Go(func() error {
			return q.Run(ctx)
		})
	}
	return g.Wait()
}

// QueueStats is a point-in-time view of one chain's queue.
type QueueStats struct {
	Depth   int
	Failed  int
	Stalled bool
}

// Stats reports the queue of a chain.
func (m *Manager) Stats(ctx context.Context, chainID string) (QueueStats, error) {
	q := m.Queue(chainID)
	depth, err := q.Depth(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	failed, err := q.Failed(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Depth: depth, Failed: len(failed), Stalled: q.Stalled()}, nil
}
