package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

const cacheStateColumns = `chain_id, code_hash, is_cached, last_bid, size, last_event_block,
	last_event_log_index, last_event_name, updated_at`

// CacheStateRepo implements storage.CacheStateRepository using PostgreSQL.
type CacheStateRepo struct {
	db *DB
}

// NewCacheStateRepo creates a new PostgreSQL cache state repository.
func NewCacheStateRepo(db *DB) *CacheStateRepo {
	return &CacheStateRepo{db: db}
}

func (r *CacheStateRepo) Get(ctx context.Context, chainID, codeHash string) (*domain.CacheState, error) {
	var st domain.CacheState
	err := r.db.GetContext(ctx, &st,
		`SELECT `+cacheStateColumns+` FROM contract_cache_states WHERE chain_id = $1 AND code_hash = $2`,
		chainID, codeHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache state: %w", err)
	}
	return &st, nil
}

func (r *CacheStateRepo) List(ctx context.Context, chainID string) ([]*domain.CacheState, error) {
	var out []*domain.CacheState
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+cacheStateColumns+` FROM contract_cache_states WHERE chain_id = $1 ORDER BY code_hash`,
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache states: %w", err)
	}
	return out, nil
}

func (r *CacheStateRepo) Save(ctx context.Context, st *domain.CacheState) error {
	query := `
		INSERT INTO contract_cache_states (
			chain_id, code_hash, is_cached, last_bid, size,
			last_event_block, last_event_log_index, last_event_name, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (chain_id, code_hash) DO UPDATE SET
			is_cached = EXCLUDED.is_cached,
			last_bid = EXCLUDED.last_bid,
			size = EXCLUDED.size,
			last_event_block = EXCLUDED.last_event_block,
			last_event_log_index = EXCLUDED.last_event_log_index,
			last_event_name = EXCLUDED.last_event_name,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		st.ChainID, st.CodeHash, st.IsCached, st.LastBid, int64(st.Size),
		int64(st.LastEventBlock), st.LastEventLogIndex, string(st.LastEventName),
	)
	if err != nil {
		return fmt.Errorf("failed to save cache state: %w", err)
	}
	return nil
}

func (r *CacheStateRepo) ReplayMark(ctx context.Context, chainID string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id,
		`SELECT last_event_id FROM cache_state_replay_marks WHERE chain_id = $1`, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get replay mark: %w", err)
	}
	return id, nil
}

func (r *CacheStateRepo) AdvanceReplayMark(ctx context.Context, chainID string, eventID int64) error {
	query := `
		INSERT INTO cache_state_replay_marks (chain_id, last_event_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_event_id = GREATEST(cache_state_replay_marks.last_event_id, EXCLUDED.last_event_id),
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, chainID, eventID); err != nil {
		return fmt.Errorf("failed to advance replay mark: %w", err)
	}
	return nil
}
