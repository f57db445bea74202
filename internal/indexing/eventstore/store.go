// Package eventstore turns decoded chain events into durable records.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

const defaultTimestampCacheSize = 4096

// ClientSource hands out the pull client of a chain.
type ClientSource interface {
	Client(ctx context.Context, chainID string) (evm.Client, error)
}

// Result summarises one Store call.
type Result struct {
	SuccessCount int
	ErrorCount   int
	TotalEvents  int
	Stored       int
	Upgraded     int
	Duplicates   int
}

// Store enriches and persists chain events.
type Store struct {
	clients    ClientSource
	events     storage.EventRepository
	timestamps *lru.Cache
	logger     *slog.Logger
}

// New creates a Store.
func New(clients ClientSource, events storage.EventRepository) (*Store, error) {
	cache, err := lru.New(defaultTimestampCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp cache: %w", err)
	}
	return &Store{
		clients:    clients,
		events:     events,
		timestamps: cache,
		logger:     slog.Default().With("component", "eventstore"),
	}, nil
}

// Prepare builds one record per event, resolving the transaction sender and
// the block timestamp. A transaction the node cannot return or whose type
// the signer does not know leaves OriginAddress empty.
func (s *Store) Prepare(
	ctx context.Context,
	chainID string,
	events []domain.ChainEvent,
	realTime bool,
) ([]*domain.StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	client, err := s.clients.Client(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	id, ok := new(big.Int).SetString(chainID, 10)
	if !ok {
		return nil, fmt.Errorf("chain id %q is not numeric", chainID)
	}
	signer := types.LatestSignerForChainID(id)

	senders := make(map[string]string)
	records := make([]*domain.StoredEvent, 0, len(events))
	for _, ev := range events {
		ts, err := s.blockTime(ctx, client, chainID, ev.Ref.BlockNumber)
		if err != nil {
			return nil, err
		}

		origin, seen := senders[ev.Ref.TxHash]
		if !seen {
			origin, err = s.sender(ctx, client, signer, ev)
			if err != nil {
				return nil, err
			}
			senders[ev.Ref.TxHash] = origin
		}

		records = append(records, &domain.StoredEvent{
			ChainID:         chainID,
			ContractAddress: ev.Ref.ContractAddress,
			EventName:       ev.Kind,
			BlockNumber:     ev.Ref.BlockNumber,
			LogIndex:        ev.Ref.LogIndex,
			TransactionHash: ev.Ref.TxHash,
			BlockTimestamp:  ts,
			OriginAddress:   origin,
			EventData:       ev.Data(),
			IsRealTime:      realTime,
		})
	}
	return records, nil
}

func (s *Store) blockTime(ctx context.Context, client evm.Client, chainID string, block uint64) (time.Time, error) {
	key := fmt.Sprintf("%s:%d", chainID, block)
	if v, ok := s.timestamps.Get(key); ok {
		return v.(time.Time), nil
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header %d: %w", block, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	s.timestamps.Add(key, ts)
	return ts, nil
}

func (s *Store) sender(ctx context.Context, client evm.Client, signer types.Signer, ev domain.ChainEvent) (string, error) {
	tx, _, err := client.TransactionByHash(ctx, common.HexToHash(ev.Ref.TxHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("Transaction not found, origin left empty", "tx", ev.Ref.TxHash, "block", ev.Ref.BlockNumber)
			return "", nil
		}
		return "", fmt.Errorf("failed to get transaction %s: %w", ev.Ref.TxHash, err)
	}

	from, err := types.Sender(signer, tx)
	if err != nil {
		s.logger.Warn("Failed to recover sender, origin left empty", "tx", ev.Ref.TxHash, "error", err)
		return "", nil
	}
	return from.Hex(), nil
}

// Store inserts each record in its own transaction. A uniqueness violation
// is not an error: the existing row is upgraded to real time when the new
// record is live, otherwise it is counted as a duplicate.
func (s *Store) Store(ctx context.Context, records []*domain.StoredEvent) Result {
	res := Result{TotalEvents: len(records)}
	for _, rec := range records {
		outcome, err := s.storeOne(ctx, rec)
		if err != nil {
			res.ErrorCount++
			metrics.EventsStored.WithLabelValues(rec.ChainID, string(rec.EventName), "error").Inc()
			s.logger.Error("Failed to store event",
				"chain", rec.ChainID,
				"block", rec.BlockNumber,
				"log_index", rec.LogIndex,
				"event", rec.EventName,
				"error", err,
			)
			continue
		}

		res.SuccessCount++
		switch outcome {
		case OutcomeStored:
			res.Stored++
		case OutcomeUpgraded:
			res.Upgraded++
		case OutcomeDuplicate:
			res.Duplicates++
		}
		metrics.EventsStored.WithLabelValues(rec.ChainID, string(rec.EventName), outcome.String()).Inc()
	}
	return res
}

// StoreOne inserts a single record and reports what happened to it.
func (s *Store) StoreOne(ctx context.Context, rec *domain.StoredEvent) (Outcome, error) {
	outcome, err := s.storeOne(ctx, rec)
	if err != nil {
		metrics.EventsStored.WithLabelValues(rec.ChainID, string(rec.EventName), "error").Inc()
		return outcome, err
	}
	metrics.EventsStored.WithLabelValues(rec.ChainID, string(rec.EventName), outcome.String()).Inc()
	return outcome, nil
}

func (s *Store) storeOne(ctx context.Context, rec *domain.StoredEvent) (Outcome, error) {
	err := s.events.Insert(ctx, rec)
	if err == nil {
		return OutcomeStored, nil
	}
	if !errors.Is(err, storage.ErrDuplicateEvent) {
		return OutcomeFailed, err
	}

	existing, err := s.events.FindByKey(ctx, rec.Key())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to load duplicate: %w", err)
	}
	if existing == nil {
		return OutcomeFailed, fmt.Errorf("duplicate %s vanished", rec.Key())
	}
	rec.ID = existing.ID

	if rec.IsRealTime && !existing.IsRealTime {
		if _, err := s.events.MarkRealTime(ctx, existing.ID); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to upgrade event %d: %w", existing.ID, err)
		}
		return OutcomeUpgraded, nil
	}
	rec.IsRealTime = existing.IsRealTime
	return OutcomeDuplicate, nil
}
