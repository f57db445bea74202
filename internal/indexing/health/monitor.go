package health

import (
	"context"
	"sync"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/listener"
)

// HeadFetcher fetches the latest block height for a chain.
type HeadFetcher interface {
	HeadBlock(ctx context.Context, chainID string) (uint64, error)
}

// ListenerStates reports live listener status.
type ListenerStates interface {
	Status(chainID string) listener.Status
}

// QueueInspector reports dispatch queue state.
type QueueInspector interface {
	Stats(ctx context.Context, chainID string) (dispatch.QueueStats, error)
}

// Thresholds decide when a chain is degraded or critical.
type Thresholds struct {
	DegradedLag   uint64
	CriticalLag   uint64
	CriticalDepth int
	CriticalFails int
}

// DefaultThresholds returns the defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedLag:   10,
		CriticalLag:   100,
		CriticalDepth: 1000,
		CriticalFails: 10,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	chains     []string
	cursorMgr  cursor.Manager
	heads      HeadFetcher
	listeners  ListenerStates
	queues     QueueInspector
	thresholds Thresholds
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport map[string]ChainHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	chains []string,
	cursorMgr cursor.Manager,
	heads HeadFetcher,
	listeners ListenerStates,
	queues QueueInspector,
) *Monitor {
	return &Monitor{
		chains:     chains,
		cursorMgr:  cursorMgr,
		heads:      heads,
		listeners:  listeners,
		queues:     queues,
		thresholds: DefaultThresholds(),
		cacheFor:   10 * time.Second,
		lastReport: make(map[string]ChainHealth),
	}
}

// CheckHealth performs a health check for all chains.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ChainHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming RPC
	if time.Since(m.lastCheck) < m.cacheFor && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ChainHealth, len(m.chains))
	for _, chainID := range m.chains {
		report[chainID] = m.checkChain(ctx, chainID)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) checkChain(ctx context.Context, chainID string) ChainHealth {
	h := ChainHealth{ChainID: chainID, Status: StatusHealthy}
	degraded, critical := false, false

	// 1. Block lag
	head, err := m.heads.HeadBlock(ctx, chainID)
	if err != nil {
		h.Errors = append(h.Errors, "head: "+err.Error())
		degraded = true
	} else {
		h.HeadBlock = head
		lag, err := m.cursorMgr.GetLag(ctx, chainID, head)
		if err != nil {
			h.Errors = append(h.Errors, "cursor: "+err.Error())
			degraded = true
		}
		if lag > 0 {
			h.BlockLag = uint64(lag)
		}
	}

	// 2. Live listener
	status := m.listeners.Status(chainID)
	h.ListenerStatus = status.String()
	if status != listener.StatusActive {
		degraded = true
	}

	// 3. Dispatch queue
	stats, err := m.queues.Stats(ctx, chainID)
	if err != nil {
		h.Errors = append(h.Errors, "queue: "+err.Error())
		degraded = true
	} else {
		h.QueueDepth = stats.Depth
		h.FailedJobs = stats.Failed
		h.QueueStalled = stats.Stalled
	}

	t := m.thresholds
	switch {
	case h.BlockLag > t.CriticalLag, h.QueueDepth > t.CriticalDepth, h.FailedJobs > t.CriticalFails, h.QueueStalled:
		critical = true
	case h.BlockLag > t.DegradedLag, h.FailedJobs > 0:
		degraded = true
	}

	if critical {
		h.Status = StatusCritical
	} else if degraded {
		h.Status = StatusDegraded
	}
	return h
}
