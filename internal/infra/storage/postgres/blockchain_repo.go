package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

const blockchainColumns = `chain_id, name, rpc_url, ws_url, cache_manager_address, start_block,
	last_synced_block, last_processed_block_number, last_processed_log_index,
	last_processed_event_id, updated_at`

// BlockchainRepo implements storage.BlockchainRepository using PostgreSQL.
type BlockchainRepo struct {
	db *DB
}

// NewBlockchainRepo creates a new PostgreSQL blockchain repository.
func NewBlockchainRepo(db *DB) *BlockchainRepo {
	return &BlockchainRepo{db: db}
}

// Upsert saves the configuration columns of a chain. Cursor columns are only
// written on first insert.
func (r *BlockchainRepo) Upsert(ctx context.Context, bc *domain.Blockchain) error {
	query := `
		INSERT INTO blockchains (chain_id, name, rpc_url, ws_url, cache_manager_address, start_block, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			name = EXCLUDED.name,
			rpc_url = EXCLUDED.rpc_url,
			ws_url = EXCLUDED.ws_url,
			cache_manager_address = EXCLUDED.cache_manager_address,
			start_block = EXCLUDED.start_block,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		bc.ChainID, bc.Name, bc.RPCURL, bc.WSURL, bc.CacheManagerAddress, int64(bc.StartBlock),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert blockchain: %w", err)
	}
	return nil
}

// Get retrieves a chain by id.
func (r *BlockchainRepo) Get(ctx context.Context, chainID string) (*domain.Blockchain, error) {
	var bc domain.Blockchain
	err := r.db.GetContext(ctx, &bc, `SELECT `+blockchainColumns+` FROM blockchains WHERE chain_id = $1`, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blockchain: %w", err)
	}
	return &bc, nil
}

// List retrieves all chains.
func (r *BlockchainRepo) List(ctx context.Context) ([]*domain.Blockchain, error) {
	var out []*domain.Blockchain
	if err := r.db.SelectContext(ctx, &out, `SELECT `+blockchainColumns+` FROM blockchains ORDER BY chain_id`); err != nil {
		return nil, fmt.Errorf("failed to list blockchains: %w", err)
	}
	return out, nil
}

// AdvanceLiveCursor moves the live cursor forward. The row comparison in the
// WHERE clause keeps concurrent writers from moving it backwards.
func (r *BlockchainRepo) AdvanceLiveCursor(
	ctx context.Context,
	chainID string,
	pos domain.Position,
	eventID int64,
) (bool, error) {
	query := `
		UPDATE blockchains SET
			last_processed_block_number = $2,
			last_processed_log_index = $3,
			last_processed_event_id = $4,
			updated_at = NOW()
		WHERE chain_id = $1
		  AND (last_processed_block_number, last_processed_log_index) < ($2, $3)
	`
	res, err := r.db.ExecContext(ctx, query, chainID, int64(pos.BlockNumber), int64(pos.LogIndex), eventID)
	if err != nil {
		return false, fmt.Errorf("failed to advance live cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// AdvanceSyncedBlock moves the historical cursor forward.
func (r *BlockchainRepo) AdvanceSyncedBlock(ctx context.Context, chainID string, block uint64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE blockchains SET last_synced_block = $2, updated_at = NOW()
		 WHERE chain_id = $1 AND last_synced_block < $2`,
		chainID, int64(block),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance synced block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SetSyncedBlock overwrites the historical cursor.
func (r *BlockchainRepo) SetSyncedBlock(ctx context.Context, chainID string, block uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE blockchains SET last_synced_block = $2, updated_at = NOW() WHERE chain_id = $1`,
		chainID, int64(block),
	)
	if err != nil {
		return fmt.Errorf("failed to set synced block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	return nil
}
