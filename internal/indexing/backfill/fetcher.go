package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/eventstore"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/processor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
)

// ErrNoContract is returned for a chain without a CacheManager address.
var ErrNoContract = errors.New("chain has no cache manager address")

// ChainSource supplies pull clients and the chain head.
type ChainSource interface {
	Client(ctx context.Context, chainID string) (evm.Client, error)
	HeadBlock(ctx context.Context, chainID string) (uint64, error)
}

// EventProcessor is the shared sink both ingestion paths feed.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, chainID string, ev domain.ChainEvent, realTime bool) (processor.Outcome, error)
}

// SyncReport summarises one sync run.
type SyncReport struct {
	ChainID        string
	Range          Range
	Fetched        int
	Stored         int
	Upgraded       int
	Duplicates     int
	Failed         int
	Undecodable    int
	FallbackPages  int
	CursorAdvanced bool
	UpToDate       bool
}

// Clean reports whether every page was fetched and every event processed.
func (r *SyncReport) Clean() bool {
	return r.FallbackPages == 0 && r.Failed == 0
}

func (r *SyncReport) String() string {
	if r.UpToDate {
		return fmt.Sprintf("chain %s: up to date", r.ChainID)
	}
	return fmt.Sprintf(
		"chain %s: blocks %s, %d events (%d new, %d upgraded, %d duplicate, %d failed), %d fallback pages",
		r.ChainID, r.Range, r.Fetched, r.Stored, r.Upgraded, r.Duplicates, r.Failed, r.FallbackPages,
	)
}

// Fetcher reads historical logs and funnels them through the processor.
type Fetcher struct {
	cfg       Config
	chains    ChainSource
	decoder   *evm.Decoder
	processor EventProcessor
	cursors   cursor.Manager
	log       *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(
	cfg Config,
	chains ChainSource,
	decoder *evm.Decoder,
	proc EventProcessor,
	cursors cursor.Manager,
) *Fetcher {
	return &Fetcher{
		cfg:       cfg.withDefaults(),
		chains:    chains,
		decoder:   decoder,
		processor: proc,
		cursors:   cursors,
		log:       slog.Default().With("component", "backfill"),
	}
}

// SyncBlockchainEvents catches a chain up from its historical cursor to the
// current head.
func (f *Fetcher) SyncBlockchainEvents(
	ctx context.Context,
	chainID string,
	eventTypes []domain.EventType,
) (*SyncReport, error) {
	bc, err := f.cursors.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}
	head, err := f.chains.HeadBlock(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	from := bc.ResumeBlock()
	if from > head {
		return &SyncReport{ChainID: chainID, UpToDate: true}, nil
	}
	return f.SyncRange(ctx, bc, eventTypes, Range{Start: from, End: head})
}

// SyncRange fetches and processes r. The historical cursor follows each
// batch while every page so far was fetched and processed.
func (f *Fetcher) SyncRange(
	ctx context.Context,
	bc *domain.Blockchain,
	eventTypes []domain.EventType,
	r Range,
) (*SyncReport, error) {
	report := &SyncReport{ChainID: bc.ChainID, Range: r}
	if bc.CacheManagerAddress == "" {
		return report, recovery.Permanent(fmt.Errorf("chain %s: %w", bc.ChainID, ErrNoContract))
	}
	if len(eventTypes) == 0 {
		eventTypes = domain.AllEventTypes
	}

	client, err := f.chains.Client(ctx, bc.ChainID)
	if err != nil {
		return report, fmt.Errorf("failed to get client: %w", err)
	}

	log := f.log.With("chain", bc.ChainID)
	log.Info("Syncing events", "from", r.Start, "to", r.End, "types", len(eventTypes))

	for _, batch := range r.Split(f.cfg.BatchSize) {
		events, fallbacks, err := f.fetchBatch(ctx, client, bc, eventTypes, batch, report)
		if err != nil {
			return report, err
		}
		report.FallbackPages += fallbacks

		for _, ev := range events {
			out, err := f.processor.ProcessEvent(ctx, bc.ChainID, ev, false)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				log.Error("Failed to process historical event",
					"block", ev.Ref.BlockNumber,
					"log_index", ev.Ref.LogIndex,
					"event", ev.Kind,
					"error", err,
				)
				continue
			}
			switch out.Status {
			case eventstore.OutcomeStored:
				report.Stored++
			case eventstore.OutcomeUpgraded:
				report.Upgraded++
			default:
				report.Duplicates++
			}
		}

		if !report.Clean() {
			continue
		}
		if err := f.cursors.AdvanceSynced(ctx, bc.ChainID, batch.End); err != nil {
			return report, fmt.Errorf("failed to advance synced block: %w", err)
		}
		report.CursorAdvanced = true
	}

	if report.Clean() {
		log.Info("Sync complete", "report", report.String())
	} else {
		log.Warn("Sync incomplete, cursor held back", "report", report.String())
	}
	return report, nil
}

// fetchBatch runs one FilterLogs per event type in parallel and returns the
// decoded events in (block, logIndex) order.
func (f *Fetcher) fetchBatch(
	ctx context.Context,
	client evm.Client,
	bc *domain.Blockchain,
	eventTypes []domain.EventType,
	batch Range,
	report *SyncReport,
) ([]domain.ChainEvent, int, error) {
	pages := make([][]types.Log, len(eventTypes))
	failed := make([]bool, len(eventTypes))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range eventTypes {
		i, kind := i, kind
		topic, ok := f.decoder.Topic(kind)
		if !ok {
			return nil, 0, recovery.Permanent(fmt.Errorf("unknown event type %q", kind))
		}
		g.Go(func() error {
			q := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(batch.Start),
				ToBlock:   new(big.Int).SetUint64(batch.End),
				Addresses: []common.Address{common.HexToAddress(bc.CacheManagerAddress)},
				Topics:    [][]common.Hash{{topic}},
			}
			logs, err := recovery.RetryWithFallback(gctx,
				recovery.FixedDelay{Delay: f.cfg.RetryDelay, MaxAttempts: f.cfg.MaxRetries},
				[]types.Log(nil),
				func(ctx context.Context) ([]types.Log, error) {
					return client.FilterLogs(ctx, q)
				},
			)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed[i] = true
				metrics.FetchFallbacks.WithLabelValues(bc.ChainID, string(kind)).Inc()
				f.log.Warn("Log page fell back to empty",
					"chain", bc.ChainID,
					"event", kind,
					"range", batch.String(),
					"error", err,
				)
			}
			pages[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var events []domain.ChainEvent
	fallbacks := 0
	for i, logs := range pages {
		if failed[i] {
			fallbacks++
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, err := f.decoder.Decode(lg)
			if err != nil {
				report.Undecodable++
				f.log.Warn("Skipping undecodable log",
					"chain", bc.ChainID,
					"block", lg.BlockNumber,
					"log_index", lg.Index,
					"error", err,
				)
				continue
			}
			events = append(events, ev)
		}
	}
	report.Fetched += len(events)

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Less(events[j].Position())
	})
	return events, fallbacks, nil
}
