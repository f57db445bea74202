// Package cursor tracks the two indexing positions kept for each blockchain.
//
// # Purpose
//
// Every chain carries a historical cursor and a live cursor:
//   - Synced block: the last block whose full range the historical fetcher
//     has read. The next sync resumes right after it.
//   - Live position: the (block, logIndex) of the last live event that was
//     processed, plus the id of the record that moved it.
//
// # Key Features
//
// Monotonic Updates - Both cursors only move forward. An advance to a
// position at or behind the stored one is a silent no-op, so out-of-order
// workers can never rewind a chain.
//
// Operator Reset - Reset is the one way to move the historical cursor
// backwards, used by the reset-cursor command.
//
// # Quick Start
//
//	manager := cursor.NewManager(blockchainRepo)
//
//	// Live event at block 1005, log 3 was stored as record 42
//	manager.AdvanceLive(ctx, "42161", domain.Position{BlockNumber: 1005, LogIndex: 3}, 42)
//
//	// Historical fetch covered up to block 2000
//	manager.AdvanceSynced(ctx, "42161", 2000)
//
// # Package Structure
//
//   - manager.go - Manager implementation over storage.BlockchainRepository
//   - metrics.go - Throughput metrics (events/sec over a sliding window)
package cursor

import (
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.BlockchainRepository) *DefaultManager {
	return &DefaultManager{
		repo:       repo,
		throughput: make(map[string]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		records:    make([]advanceRecord, 0, windowSize),
	}
}
