package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// ChainLister lists the chains known to the process.
type ChainLister interface {
	ChainIDs() []string
}

// Resyncer periodically re-scans a trailing window behind the historical
// cursor to pick up events the live listener missed while disconnected.
type Resyncer struct {
	fetcher  *Fetcher
	cursors  cursor.Manager
	chains   ChainLister
	heads    ChainSource
	types    map[string][]domain.EventType
	interval time.Duration
	window   uint64
	log      *slog.Logger
}

// NewResyncer creates a Resyncer. types maps chain id to tracked event types;
// chains missing from it are scanned for every event type.
func NewResyncer(
	fetcher *Fetcher,
	cursors cursor.Manager,
	chains ChainLister,
	types map[string][]domain.EventType,
	interval time.Duration,
	window uint64,
) *Resyncer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Resyncer{
		fetcher:  fetcher,
		cursors:  cursors,
		chains:   chains,
		heads:    fetcher.chains,
		types:    types,
		interval: interval,
		window:   window,
		log:      slog.Default().With("component", "resync"),
	}
}

// Run resyncs every chain each interval. Blocks until ctx is cancelled.
func (r *Resyncer) Run(ctx context.Context) error {
	r.log.Info("Starting periodic resync", "interval", r.interval, "window", r.window)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Periodic resync stopped")
			return nil
		case <-ticker.C:
			summary, err := r.Resync(ctx, "")
			if err != nil {
				r.log.Error("Periodic resync failed", "summary", summary, "error", err)
				continue
			}
			r.log.Info("Periodic resync finished", "summary", summary)
		}
	}
}

// Resync re-scans [cursor-window, head] for one chain, or for every chain
// when chainID is empty, and returns a human-readable summary.
func (r *Resyncer) Resync(ctx context.Context, chainID string) (string, error) {
	ids := []string{chainID}
	if chainID == "" {
		ids = r.chains.ChainIDs()
		slices.Sort(ids)
	}

	var (
		lines []string
		errs  []error
	)
	for _, id := range ids {
		report, err := r.resyncChain(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", id, err))
			lines = append(lines, fmt.Sprintf("chain %s: failed: %v", id, err))
			continue
		}
		lines = append(lines, report.String())
	}

	summary := fmt.Sprintf("Resync completed for %d chain(s)", len(ids))
	if len(lines) > 0 {
		summary += "\n" + strings.Join(lines, "\n")
	}
	return summary, errors.Join(errs...)
}

// ResyncRange re-scans an explicit block range of one chain.
func (r *Resyncer) ResyncRange(ctx context.Context, chainID string, rg Range) (*SyncReport, error) {
	bc, err := r.cursors.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return r.fetcher.SyncRange(ctx, bc, r.eventTypes(chainID), rg)
}

func (r *Resyncer) resyncChain(ctx context.Context, chainID string) (*SyncReport, error) {
	bc, err := r.cursors.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}
	head, err := r.heads.HeadBlock(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	from := bc.StartBlock
	if bc.LastSyncedBlock > r.window && bc.LastSyncedBlock-r.window > from {
		from = bc.LastSyncedBlock - r.window
	}
	if from > head {
		return &SyncReport{ChainID: chainID, UpToDate: true}, nil
	}
	return r.fetcher.SyncRange(ctx, bc, r.eventTypes(chainID), Range{Start: from, End: head})
}

func (r *Resyncer) eventTypes(chainID string) []domain.EventType {
	if types, ok := r.types[chainID]; ok && len(types) > 0 {
		return types
	}
	return domain.AllEventTypes
}
