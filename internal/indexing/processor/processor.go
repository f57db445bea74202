// Package processor is the shared sink of the live and historical paths.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/emitter"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/eventstore"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

// Recorder prepares and persists event records.
type Recorder interface {
	Prepare(ctx context.Context, chainID string, events []domain.ChainEvent, realTime bool) ([]*domain.StoredEvent, error)
	StoreOne(ctx context.Context, rec *domain.StoredEvent) (eventstore.Outcome, error)
}

// Outcome reports what ProcessEvent did with an event.
type Outcome struct {
	Status  eventstore.Outcome
	EventID int64
}

// Processor deduplicates, persists, advances the live cursor and signals.
// It never retries: callers own the retry policy.
type Processor struct {
	events   storage.EventRepository
	recorder Recorder
	cursors  cursor.Manager
	emitter  emitter.Emitter
	log      *slog.Logger
}

func New(
	events storage.EventRepository,
	recorder Recorder,
	cursors cursor.Manager,
	em emitter.Emitter,
) *Processor {
	if em == nil {
		em = emitter.Nop{}
	}
	return &Processor{
		events:   events,
		recorder: recorder,
		cursors:  cursors,
		emitter:  em,
		log:      slog.Default().With("component", "processor"),
	}
}

// ProcessEvent handles one event. An event whose key is already stored is
// skipped; a live delivery of a historical row only flips its real-time flag.
func (p *Processor) ProcessEvent(
	ctx context.Context,
	chainID string,
	ev domain.ChainEvent,
	realTime bool,
) (Outcome, error) {
	existing, err := p.events.FindByKey(ctx, ev.Key(chainID))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check duplicate: %w", err)
	}
	if existing != nil {
		return p.skip(ctx, chainID, ev, existing, realTime)
	}

	records, err := p.recorder.Prepare(ctx, chainID, []domain.ChainEvent{ev}, realTime)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to prepare event: %w", err)
	}
	if len(records) != 1 {
		return Outcome{}, fmt.Errorf("prepare returned %d records for one event", len(records))
	}
	rec := records[0]

	status, err := p.recorder.StoreOne(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to store event: %w", err)
	}
	if status != eventstore.OutcomeStored {
		// Lost a race with the other path between lookup and insert
		return Outcome{Status: status, EventID: rec.ID}, nil
	}

	if err := p.cursors.AdvanceLive(ctx, chainID, ev.Position(), rec.ID); err != nil {
		return Outcome{}, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := p.emitter.Emit(ctx, emitter.Signal{
		ChainID:     chainID,
		EventID:     rec.ID,
		EventName:   ev.Kind,
		BlockNumber: ev.Ref.BlockNumber,
		LogIndex:    ev.Ref.LogIndex,
	}); err != nil {
		p.log.Warn("Failed to emit signal", "chain", chainID, "event_id", rec.ID, "error", err)
	}

	p.log.Debug("Event stored",
		"chain", chainID,
		"event", ev.Kind,
		"block", ev.Ref.BlockNumber,
		"log_index", ev.Ref.LogIndex,
		"event_id", rec.ID,
		"real_time", realTime,
	)
	return Outcome{Status: eventstore.OutcomeStored, EventID: rec.ID}, nil
}

func (p *Processor) skip(
	ctx context.Context,
	chainID string,
	ev domain.ChainEvent,
	existing *domain.StoredEvent,
	realTime bool,
) (Outcome, error) {
	if !realTime || existing.IsRealTime {
		return Outcome{Status: eventstore.OutcomeDuplicate, EventID: existing.ID}, nil
	}

	if _, err := p.events.MarkRealTime(ctx, existing.ID); err != nil {
		return Outcome{}, fmt.Errorf("failed to upgrade event %d: %w", existing.ID, err)
	}
	p.log.Debug("Historical event confirmed live",
		"chain", chainID,
		"block", ev.Ref.BlockNumber,
		"log_index", ev.Ref.LogIndex,
		"event_id", existing.ID,
	)
	return Outcome{Status: eventstore.OutcomeUpgraded, EventID: existing.ID}, nil
}

// HandleJob is the dispatch handler for live jobs.
func (p *Processor) HandleJob(ctx context.Context, job *dispatch.Job) error {
	_, err := p.ProcessEvent(ctx, job.ChainID, job.Event, true)
	return err
}
