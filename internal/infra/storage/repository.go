package storage

import (
	"context"
	"errors"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent is returned when an insert hits the event uniqueness constraint
	ErrDuplicateEvent = errors.New("duplicate event")
)

// BlockchainRepository handles chain configuration and cursor storage
type BlockchainRepository interface {
	// Upsert saves the configuration columns, leaving cursors untouched
	Upsert(ctx context.Context, bc *domain.Blockchain) error

	// Get retrieves a chain by id
	Get(ctx context.Context, chainID string) (*domain.Blockchain, error)

	// List retrieves all chains
	List(ctx context.Context) ([]*domain.Blockchain, error)

	// AdvanceLiveCursor moves the live cursor to pos if pos is ahead of it.
	// It reports whether the cursor moved.
	AdvanceLiveCursor(ctx context.Context, chainID string, pos domain.Position, eventID int64) (bool, error)

	// AdvanceSyncedBlock moves the historical cursor to block if block is ahead of it
	AdvanceSyncedBlock(ctx context.Context, chainID string, block uint64) (bool, error)

	// SetSyncedBlock overwrites the historical cursor (operator reset)
	SetSyncedBlock(ctx context.Context, chainID string, block uint64) error
}

// EventRepository handles stored contract events
type EventRepository interface {
	// Insert saves a record in its own transaction and sets its ID.
	// A uniqueness violation returns ErrDuplicateEvent.
	Insert(ctx context.Context, ev *domain.StoredEvent) error

	// FindByKey returns the record with the given key, or nil when absent
	FindByKey(ctx context.Context, key domain.EventKey) (*domain.StoredEvent, error)

	// MarkRealTime flips is_real_time from false to true. It reports whether a row changed.
	MarkRealTime(ctx context.Context, id int64) (bool, error)

	// ListBidEvents returns up to limit InsertBid/DeleteBid records with an ID
	// above afterID, in ID (insertion) order. A limit <= 0 returns them all.
	ListBidEvents(ctx context.Context, chainID string, afterID int64, limit int) ([]*domain.StoredEvent, error)

	// Count returns the number of records for a chain
	Count(ctx context.Context, chainID string) (int, error)
}

// CacheStateRepository handles derived cache occupancy rows
type CacheStateRepository interface {
	// Get retrieves one state, or nil when absent
	Get(ctx context.Context, chainID, codeHash string) (*domain.CacheState, error)

	// List retrieves all states of a chain
	List(ctx context.Context, chainID string) ([]*domain.CacheState, error)

	// Save inserts or replaces a state
	Save(ctx context.Context, state *domain.CacheState) error

	// ReplayMark returns the ID of the last stored event folded into the chain's states
	ReplayMark(ctx context.Context, chainID string) (int64, error)

	// AdvanceReplayMark moves the replay mark to eventID if eventID is ahead of it
	AdvanceReplayMark(ctx context.Context, chainID string, eventID int64) error
}
