package domain

import "time"

// Blockchain holds a network's configuration and its two cursors.
//
// LastSyncedBlock is the historical cursor. The live cursor is the
// (LastProcessedBlockNumber, LastProcessedLogIndex) pair together with the
// id of the record that moved it. Both only move forward.
type Blockchain struct {
	ChainID             string `db:"chain_id"`
	Name                string `db:"name"`
	RPCURL              string `db:"rpc_url"`
	WSURL               string `db:"ws_url"`
	CacheManagerAddress string `db:"cache_manager_address"`
	StartBlock          uint64 `db:"start_block"`

	LastSyncedBlock          uint64    `db:"last_synced_block"`
	LastProcessedBlockNumber uint64    `db:"last_processed_block_number"`
	LastProcessedLogIndex    uint      `db:"last_processed_log_index"`
	LastProcessedEventID     int64     `db:"last_processed_event_id"`
	UpdatedAt                time.Time `db:"updated_at"`
}

// LivePosition returns the live cursor.
func (b *Blockchain) LivePosition() Position {
	return Position{BlockNumber: b.LastProcessedBlockNumber, LogIndex: b.LastProcessedLogIndex}
}

// ResumeBlock returns the first block the historical fetcher still has to read.
func (b *Blockchain) ResumeBlock() uint64 {
	if b.LastSyncedBlock == 0 || b.LastSyncedBlock < b.StartBlock {
		return b.StartBlock
	}
	return b.LastSyncedBlock + 1
}

// Contracts returns the tracked contract addresses.
func (b *Blockchain) Contracts() []string {
	if b.CacheManagerAddress == "" {
		return nil
	}
	return []string{b.CacheManagerAddress}
}
