package control

import (
	"context"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/backfill"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/health"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/reconcile"
)

// Operator entry points. They work on a started watcher and on one that was
// only prepared, which is how the CLI uses them.

// Resync re-scans the trailing window of one chain, or of every chain when
// chainID is empty.
func (w *Watcher) Resync(ctx context.Context, chainID string) (string, error) {
	return w.resyncer.Resync(ctx, chainID)
}

// ResyncRange re-scans an explicit block range of one chain.
func (w *Watcher) ResyncRange(ctx context.Context, chainID string, rg backfill.Range) (*backfill.SyncReport, error) {
	return w.resyncer.ResyncRange(ctx, chainID, rg)
}

// FailedJobs lists the live events that exhausted their retries.
func (w *Watcher) FailedJobs(ctx context.Context, chainID string) ([]*dispatch.Job, error) {
	return w.dispatcher.Queue(chainID).Failed(ctx)
}

// RetryFailed moves every failed job of a chain back onto its queue.
func (w *Watcher) RetryFailed(ctx context.Context, chainID string) (int, error) {
	return w.dispatcher.Queue(chainID).RetryFailed(ctx)
}

// ResetCursor rewinds the historical cursor so the next sync resumes at block+1.
func (w *Watcher) ResetCursor(ctx context.Context, chainID string, block uint64) error {
	return w.cursors.Reset(ctx, chainID, block)
}

// Chains returns the stored chains with their cursors.
func (w *Watcher) Chains(ctx context.Context) ([]*domain.Blockchain, error) {
	return w.storage.Blockchains.List(ctx)
}

// Reconcile runs one cache-state pass for a chain.
func (w *Watcher) Reconcile(ctx context.Context, chainID string) (*reconcile.PassReport, error) {
	return w.reconciler.ProcessChain(ctx, chainID)
}

// CacheStates returns the derived cache occupancy of a chain.
func (w *Watcher) CacheStates(ctx context.Context, chainID string) ([]*domain.CacheState, error) {
	return w.storage.CacheStates.List(ctx, chainID)
}

// Health returns the current per-chain health.
func (w *Watcher) Health(ctx context.Context) map[string]health.ChainHealth {
	return w.healthMon.CheckHealth(ctx)
}
