package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// StoredEvent is the durable record of one contract event.
type StoredEvent struct {
	ID              int64     `db:"id"               json:"id"`
	ChainID         string    `db:"chain_id"         json:"chain_id"`
	ContractAddress string    `db:"contract_address" json:"contract_address"`
	EventName       EventType `db:"event_name"       json:"event_name"`
	BlockNumber     uint64    `db:"block_number"     json:"block_number"`
	LogIndex        uint      `db:"log_index"        json:"log_index"`
	TransactionHash string    `db:"transaction_hash" json:"transaction_hash"`
	BlockTimestamp  time.Time `db:"block_timestamp"  json:"block_timestamp"`
	OriginAddress   string    `db:"origin_address"   json:"origin_address"`
	EventData       EventData `db:"event_data"       json:"event_data"`
	IsRealTime      bool      `db:"is_real_time"     json:"is_real_time"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}

// Key returns the uniqueness key of the record.
func (e *StoredEvent) Key() EventKey {
	return EventKey{
		ChainID:         e.ChainID,
		BlockNumber:     e.BlockNumber,
		LogIndex:        e.LogIndex,
		TransactionHash: e.TransactionHash,
		EventName:       e.EventName,
	}
}

// Position returns the (block, logIndex) position of the record.
func (e *StoredEvent) Position() Position {
	return Position{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// EventKey is the deduplication identity of an event.
type EventKey struct {
	ChainID         string
	BlockNumber     uint64
	LogIndex        uint
	TransactionHash string
	EventName       EventType
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", k.ChainID, k.BlockNumber, k.LogIndex, k.TransactionHash, k.EventName)
}

// EventData is the opaque decoded payload, stored as JSONB.
type EventData map[string]any

// Value implements driver.Valuer.
func (d EventData) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *EventData) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = EventData{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported event_data type %T", src)
	}
	out := EventData{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode event_data: %w", err)
	}
	*d = out
	return nil
}

// String returns the value under key rendered as a string.
func (d EventData) String(key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// BidFields extracts the bid payload of an InsertBid or DeleteBid record.
func (d EventData) BidFields() (codeHash string, bid *big.Int, size uint64, err error) {
	codeHash = d.String("codehash")
	if codeHash == "" {
		return "", nil, 0, fmt.Errorf("%w: missing codehash", ErrInvalidEvent)
	}
	bid, ok := new(big.Int).SetString(d.String("bid"), 10)
	if !ok {
		return "", nil, 0, fmt.Errorf("%w: bad bid %q", ErrInvalidEvent, d.String("bid"))
	}
	size, err = strconv.ParseUint(d.String("size"), 10, 64)
	if err != nil {
		return "", nil, 0, fmt.Errorf("%w: bad size: %v", ErrInvalidEvent, err)
	}
	return codeHash, bid, size, nil
}
