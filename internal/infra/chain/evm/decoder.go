package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// ErrUnknownEvent is returned for logs whose topic0 is not a CacheManager event.
var ErrUnknownEvent = errors.New("unknown event topic")

// Decoder turns raw CacheManager logs into typed domain events.
// Raw logs never travel past it.
type Decoder struct {
	abi    abi.ABI
	kinds  map[common.Hash]domain.EventType
	topics map[domain.EventType]common.Hash
}

func NewDecoder() (*Decoder, error) {
	parsed, err := ParseCacheManagerABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache manager abi: %w", err)
	}
	d := &Decoder{
		abi:    parsed,
		kinds:  make(map[common.Hash]domain.EventType),
		topics: make(map[domain.EventType]common.Hash),
	}
	for _, kind := range domain.AllEventTypes {
		ev, ok := parsed.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("abi has no event %s", kind)
		}
		d.kinds[ev.ID] = kind
		d.topics[kind] = ev.ID
	}
	return d, nil
}

// Topic returns the topic0 signature hash of kind.
func (d *Decoder) Topic(kind domain.EventType) (common.Hash, bool) {
	h, ok := d.topics[kind]
	return h, ok
}

// Kind returns the event kind of a log without decoding its payload.
func (d *Decoder) Kind(lg types.Log) (domain.EventType, bool) {
	if len(lg.Topics) == 0 {
		return "", false
	}
	kind, ok := d.kinds[lg.Topics[0]]
	return kind, ok
}

// Decode decodes a log into a ChainEvent.
func (d *Decoder) Decode(lg types.Log) (domain.ChainEvent, error) {
	kind, ok := d.Kind(lg)
	if !ok {
		return domain.ChainEvent{}, ErrUnknownEvent
	}

	ev := domain.ChainEvent{
		Kind: kind,
		Ref: domain.LogRef{
			ContractAddress: lg.Address.Hex(),
			BlockNumber:     lg.BlockNumber,
			BlockHash:       lg.BlockHash.Hex(),
			TxHash:          lg.TxHash.Hex(),
			LogIndex:        lg.Index,
		},
	}

	var values []any
	if kind != domain.EventPause && kind != domain.EventUnpause {
		var err error
		values, err = d.abi.Unpack(string(kind), lg.Data)
		if err != nil {
			return domain.ChainEvent{}, fmt.Errorf("failed to unpack %s: %w", kind, err)
		}
	}

	switch kind {
	case domain.EventInsertBid:
		if len(lg.Topics) < 2 || len(values) != 3 {
			return domain.ChainEvent{}, fmt.Errorf("%w: malformed InsertBid", domain.ErrInvalidEvent)
		}
		program, _ := values[0].(common.Address)
		bid, _ := values[1].(*big.Int)
		size, _ := values[2].(uint64)
		ev.InsertBid = &domain.InsertBidData{
			CodeHash: lg.Topics[1].Hex(),
			Program:  program.Hex(),
			Bid:      bid,
			Size:     size,
		}
	case domain.EventDeleteBid:
		if len(lg.Topics) < 2 || len(values) != 2 {
			return domain.ChainEvent{}, fmt.Errorf("%w: malformed DeleteBid", domain.ErrInvalidEvent)
		}
		bid, _ := values[0].(*big.Int)
		size, _ := values[1].(uint64)
		ev.DeleteBid = &domain.DeleteBidData{
			CodeHash: lg.Topics[1].Hex(),
			Bid:      bid,
			Size:     size,
		}
	case domain.EventSetCacheSize:
		if len(values) != 1 {
			return domain.ChainEvent{}, fmt.Errorf("%w: malformed SetCacheSize", domain.ErrInvalidEvent)
		}
		size, _ := values[0].(uint64)
		ev.CacheSize = &size
	case domain.EventSetDecayRate:
		if len(values) != 1 {
			return domain.ChainEvent{}, fmt.Errorf("%w: malformed SetDecayRate", domain.ErrInvalidEvent)
		}
		decay, _ := values[0].(uint64)
		ev.DecayRate = &decay
	}

	return ev, ev.Validate()
}
