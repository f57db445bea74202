package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

const eventColumns = `id, chain_id, contract_address, event_name, block_number, log_index,
	transaction_hash, block_timestamp, origin_address, event_data, is_real_time, created_at`

// EventRepo implements storage.EventRepository using PostgreSQL.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new PostgreSQL event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert saves one record in its own transaction.
func (r *EventRepo) Insert(ctx context.Context, ev *domain.StoredEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO blockchain_events (
			chain_id, contract_address, event_name, block_number, log_index,
			transaction_hash, block_timestamp, origin_address, event_data, is_real_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	row := tx.QueryRowxContext(ctx, query,
		ev.ChainID, ev.ContractAddress, string(ev.EventName), int64(ev.BlockNumber), int64(ev.LogIndex),
		ev.TransactionHash, ev.BlockTimestamp, ev.OriginAddress, ev.EventData, ev.IsRealTime,
	)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// FindByKey returns the record with the given uniqueness key, or nil.
func (r *EventRepo) FindByKey(ctx context.Context, key domain.EventKey) (*domain.StoredEvent, error) {
	var ev domain.StoredEvent
	query := `SELECT ` + eventColumns + ` FROM blockchain_events
		WHERE chain_id = $1 AND block_number = $2 AND log_index = $3
		  AND transaction_hash = $4 AND event_name = $5`
	err := r.db.GetContext(ctx, &ev, query,
		key.ChainID, int64(key.BlockNumber), int64(key.LogIndex), key.TransactionHash, string(key.EventName),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	return &ev, nil
}

// MarkRealTime flips is_real_time to true. It never flips it back.
func (r *EventRepo) MarkRealTime(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE blockchain_events SET is_real_time = TRUE WHERE id = $1 AND is_real_time = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark event real-time: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListBidEvents returns a page of InsertBid/DeleteBid records in id order.
func (r *EventRepo) ListBidEvents(
	ctx context.Context,
	chainID string,
	afterID int64,
	limit int,
) ([]*domain.StoredEvent, error) {
	// LIMIT NULL reads everything
	var pageSize any
	if limit > 0 {
		pageSize = limit
	}

	var out []*domain.StoredEvent
	query := `SELECT ` + eventColumns + ` FROM blockchain_events
		WHERE chain_id = $1 AND id > $2 AND event_name IN ($3, $4)
		ORDER BY id
		LIMIT $5`
	err := r.db.SelectContext(ctx, &out, query,
		chainID, afterID, string(domain.EventInsertBid), string(domain.EventDeleteBid), pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bid events: %w", err)
	}
	return out, nil
}

// Count returns the number of records for a chain.
func (r *EventRepo) Count(ctx context.Context, chainID string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM blockchain_events WHERE chain_id = $1`, chainID); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
