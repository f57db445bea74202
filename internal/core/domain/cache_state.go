package domain

import "time"

// UnknownLogIndex marks a cache state whose position inside LastEventBlock is not known.
const UnknownLogIndex int64 = -1

// CacheState is the derived cache occupancy of one program bytecode on one chain.
type CacheState struct {
	ChainID           string    `db:"chain_id"`
	CodeHash          string    `db:"code_hash"`
	IsCached          bool      `db:"is_cached"`
	LastBid           string    `db:"last_bid"`
	Size              uint64    `db:"size"`
	LastEventBlock    uint64    `db:"last_event_block"`
	LastEventLogIndex int64     `db:"last_event_log_index"`
	LastEventName     EventType `db:"last_event_name"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// NewCacheState returns an empty state for codeHash.
func NewCacheState(chainID, codeHash string) *CacheState {
	return &CacheState{
		ChainID:           chainID,
		CodeHash:          codeHash,
		LastBid:           "0",
		LastEventLogIndex: UnknownLogIndex,
	}
}
