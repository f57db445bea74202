package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

// ErrCursorNotFound is returned when the chain has no stored cursor.
var ErrCursorNotFound = errors.New("cursor not found")

// Manager handles the historical and live cursors of every chain.
type Manager interface {
	// Get retrieves the chain row holding both cursors.
	Get(ctx context.Context, chainID string) (*domain.Blockchain, error)

	// AdvanceLive moves the live cursor to pos if pos is ahead of it.
	AdvanceLive(ctx context.Context, chainID string, pos domain.Position, eventID int64) error

	// AdvanceSynced moves the historical cursor to block if block is ahead of it.
	AdvanceSynced(ctx context.Context, chainID string, block uint64) error

	// Reset overwrites the historical cursor.
	Reset(ctx context.Context, chainID string, block uint64) error

	// GetLag returns blocks behind the chain tip.
	GetLag(ctx context.Context, chainID string, latestBlock uint64) (int64, error)

	// GetMetrics returns throughput metrics for a chain.
	GetMetrics(chainID string) Metrics
}

// DefaultManager implements Manager over a BlockchainRepository.
type DefaultManager struct {
	repo       storage.BlockchainRepository
	mu         sync.Mutex
	throughput map[string]*MetricsCollector
}

// Get retrieves the chain row holding both cursors.
func (m *DefaultManager) Get(ctx context.Context, chainID string) (*domain.Blockchain, error) {
	bc, err := m.repo.Get(ctx, chainID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCursorNotFound, chainID)
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return bc, nil
}

// AdvanceLive moves the live cursor forward. A position at or behind the
// stored one leaves the cursor untouched and is not an error.
func (m *DefaultManager) AdvanceLive(
	ctx context.Context,
	chainID string,
	pos domain.Position,
	eventID int64,
) error {
	moved, err := m.repo.AdvanceLiveCursor(ctx, chainID, pos, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCursorNotFound, chainID)
		}
		return fmt.Errorf("failed to advance live cursor: %w", err)
	}

	mc := m.collector(chainID)
	m.mu.Lock()
	if moved {
		mc.RecordAdvance(pos.String(), time.Now())
	} else {
		mc.RecordSkip()
	}
	m.mu.Unlock()

	if moved {
		metrics.LiveBlock.WithLabelValues(chainID).Set(float64(pos.BlockNumber))
	}
	return nil
}

// AdvanceSynced moves the historical cursor forward.
func (m *DefaultManager) AdvanceSynced(ctx context.Context, chainID string, block uint64) error {
	moved, err := m.repo.AdvanceSyncedBlock(ctx, chainID, block)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCursorNotFound, chainID)
		}
		return fmt.Errorf("failed to advance synced block: %w", err)
	}
	if moved {
		mc := m.collector(chainID)
		m.mu.Lock()
		mc.RecordSynced(time.Now())
		m.mu.Unlock()
		metrics.SyncedBlock.WithLabelValues(chainID).Set(float64(block))
	}
	return nil
}

// Reset overwrites the historical cursor. The next sync resumes at block+1.
func (m *DefaultManager) Reset(ctx context.Context, chainID string, block uint64) error {
	if err := m.repo.SetSyncedBlock(ctx, chainID, block); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCursorNotFound, chainID)
		}
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	metrics.SyncedBlock.WithLabelValues(chainID).Set(float64(block))
	return nil
}

// GetLag returns blocks behind the chain tip, measured from whichever cursor is further ahead.
func (m *DefaultManager) GetLag(ctx context.Context, chainID string, latestBlock uint64) (int64, error) {
	bc, err := m.Get(ctx, chainID)
	if err != nil {
		return 0, err
	}
	current := bc.LastSyncedBlock
	if bc.LastProcessedBlockNumber > current {
		current = bc.LastProcessedBlockNumber
	}
	return int64(latestBlock) - int64(current), nil
}

// GetMetrics returns throughput metrics for a chain.
func (m *DefaultManager) GetMetrics(chainID string) Metrics {
	mc := m.collector(chainID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return mc.GetMetrics()
}

func (m *DefaultManager) collector(chainID string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.throughput[chainID]
	if !ok {
		mc = NewMetricsCollector(100)
		m.throughput[chainID] = mc
	}
	return mc
}
