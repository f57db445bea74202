package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// EventType names a CacheManager contract event.
type EventType string

const (
	EventInsertBid    EventType = "InsertBid"
	EventDeleteBid    EventType = "DeleteBid"
	EventSetCacheSize EventType = "SetCacheSize"
	EventSetDecayRate EventType = "SetDecayRate"
	EventPause        EventType = "Pause"
	EventUnpause      EventType = "Unpause"
)

// AllEventTypes lists every event the CacheManager contract emits.
var AllEventTypes = []EventType{
	EventInsertBid,
	EventDeleteBid,
	EventSetCacheSize,
	EventSetDecayRate,
	EventPause,
	EventUnpause,
}

// ErrInvalidEvent is returned when a ChainEvent payload does not match its kind.
var ErrInvalidEvent = errors.New("invalid chain event")

// Valid reports whether t is a known CacheManager event.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsBid reports whether t changes cache occupancy.
func (t EventType) IsBid() bool {
	return t == EventInsertBid || t == EventDeleteBid
}

// LogRef identifies the log an event was decoded from.
type LogRef struct {
	ContractAddress string `json:"contract_address"`
	BlockNumber     uint64 `json:"block_number"`
	BlockHash       string `json:"block_hash"`
	TxHash          string `json:"tx_hash"`
	LogIndex        uint   `json:"log_index"`
}

// Position returns the (block, logIndex) position of the log.
func (r LogRef) Position() Position {
	return Position{BlockNumber: r.BlockNumber, LogIndex: r.LogIndex}
}

// InsertBidData is the payload of InsertBid(bytes32 indexed codehash, address program, uint192 bid, uint64 size).
type InsertBidData struct {
	CodeHash string   `json:"codehash"`
	Program  string   `json:"program"`
	Bid      *big.Int `json:"bid"`
	Size     uint64   `json:"size"`
}

// DeleteBidData is the payload of DeleteBid(bytes32 indexed codehash, uint192 bid, uint64 size).
type DeleteBidData struct {
	CodeHash string   `json:"codehash"`
	Bid      *big.Int `json:"bid"`
	Size     uint64   `json:"size"`
}

// ChainEvent is a decoded CacheManager event. Exactly one payload field
// matching Kind is set; Pause and Unpause carry none.
type ChainEvent struct {
	Kind      EventType      `json:"kind"`
	Ref       LogRef         `json:"ref"`
	InsertBid *InsertBidData `json:"insert_bid,omitempty"`
	DeleteBid *DeleteBidData `json:"delete_bid,omitempty"`
	CacheSize *uint64        `json:"cache_size,omitempty"`
	DecayRate *uint64        `json:"decay_rate,omitempty"`
}

// Position returns the event's (block, logIndex) position.
func (e ChainEvent) Position() Position {
	return e.Ref.Position()
}

// Key returns the storage uniqueness key of the event on the given chain.
func (e ChainEvent) Key(chainID string) EventKey {
	return EventKey{
		ChainID:         chainID,
		BlockNumber:     e.Ref.BlockNumber,
		LogIndex:        e.Ref.LogIndex,
		TransactionHash: e.Ref.TxHash,
		EventName:       e.Kind,
	}
}

// CodeHash returns the bytecode hash for bid events, or "".
func (e ChainEvent) CodeHash() string {
	switch {
	case e.InsertBid != nil:
		return e.InsertBid.CodeHash
	case e.DeleteBid != nil:
		return e.DeleteBid.CodeHash
	}
	return ""
}

// Validate checks that the payload matches Kind.
func (e ChainEvent) Validate() error {
	set := 0
	for _, present := range []bool{e.InsertBid != nil, e.DeleteBid != nil, e.CacheSize != nil, e.DecayRate != nil} {
		if present {
			set++
		}
	}

	var ok bool
	switch e.Kind {
	case EventInsertBid:
		ok = e.InsertBid != nil && set == 1
	case EventDeleteBid:
		ok = e.DeleteBid != nil && set == 1
	case EventSetCacheSize:
		ok = e.CacheSize != nil && set == 1
	case EventSetDecayRate:
		ok = e.DecayRate != nil && set == 1
	case EventPause, EventUnpause:
		ok = set == 0
	}
	if !ok {
		return fmt.Errorf("%w: kind %q with %d payloads", ErrInvalidEvent, e.Kind, set)
	}
	return nil
}

// Data renders the payload as the key/value map persisted with the event.
// Numeric values are decimal strings so they survive JSON round trips.
func (e ChainEvent) Data() EventData {
	data := EventData{}
	switch e.Kind {
	case EventInsertBid:
		if p := e.InsertBid; p != nil {
			data["codehash"] = p.CodeHash
			data["program"] = p.Program
			data["bid"] = bigString(p.Bid)
			data["size"] = strconv.FormatUint(p.Size, 10)
		}
	case EventDeleteBid:
		if p := e.DeleteBid; p != nil {
			data["codehash"] = p.CodeHash
			data["bid"] = bigString(p.Bid)
			data["size"] = strconv.FormatUint(p.Size, 10)
		}
	case EventSetCacheSize:
		if e.CacheSize != nil {
			data["size"] = strconv.FormatUint(*e.CacheSize, 10)
		}
	case EventSetDecayRate:
		if e.DecayRate != nil {
			data["decay"] = strconv.FormatUint(*e.DecayRate, 10)
		}
	}
	return data
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// QueuedEvent is a live event waiting to be ordered and processed.
type QueuedEvent struct {
	ChainID    string
	Event      ChainEvent
	ReceivedAt time.Time
}
