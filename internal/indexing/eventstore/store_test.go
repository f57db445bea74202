package eventstore

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm/evmtest"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/memory"
)

const (
	testChain    = "42161"
	testContract = "0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec"
)

type staticClients struct {
	client evm.Client
	err    error
}

func (s staticClients) Client(ctx context.Context, chainID string) (evm.Client, error) {
	return s.client, s.err
}

// failingRepo fails inserts for one block and delegates the rest.
type failingRepo struct {
	storage.EventRepository
	failBlock uint64
}

func (r failingRepo) Insert(ctx context.Context, ev *domain.StoredEvent) error {
	if ev.BlockNumber == r.failBlock {
		return errors.New("connection reset")
	}
	return r.EventRepository.Insert(ctx, ev)
}

func newTestStore(t *testing.T, client *evmtest.Client) (*Store, storage.EventRepository) {
	t.Helper()
	repo := memory.NewEventRepo(memory.NewMemoryStorage())
	s, err := New(staticClients{client: client}, repo)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, repo
}

// ============================================================================
// Prepare
// ============================================================================

func TestPrepare_ResolvesSenderAndTimestamp(t *testing.T) {
	client := evmtest.NewClient(42161)
	client.SetHead(200)
	tx, from := evmtest.SignedTx(big.NewInt(42161), 1)

	ev := evmtest.InsertBid(testContract, 150, 3, "0xaa", 10, 1024)
	ev.Ref.TxHash = tx.Hash().Hex()
	client.Txs[tx.Hash()] = tx

	s, _ := newTestStore(t, client)
	records, err := s.Prepare(context.Background(), testChain, []domain.ChainEvent{ev}, true)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.OriginAddress != from.Hex() {
		t.Errorf("expected origin %s, got %s", from.Hex(), rec.OriginAddress)
	}
	if want := time.Unix(evmtest.BaseTime+150, 0).UTC(); !rec.BlockTimestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, rec.BlockTimestamp)
	}
	if !rec.IsRealTime || rec.EventName != domain.EventInsertBid || rec.LogIndex != 3 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.EventData.String("bid") != "10" || rec.EventData.String("codehash") != common.HexToHash("0xaa").Hex() {
		t.Errorf("unexpected event data %v", rec.EventData)
	}
}

func TestPrepare_MissingTransactionLeavesOriginEmpty(t *testing.T) {
	client := evmtest.NewClient(42161)
	client.SetHead(10)

	s, _ := newTestStore(t, client)
	records, err := s.Prepare(context.Background(), testChain,
		[]domain.ChainEvent{evmtest.DeleteBid(testContract, 5, 0, "0xbb", 1, 1)}, false)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if records[0].OriginAddress != "" {
		t.Errorf("expected empty origin, got %s", records[0].OriginAddress)
	}
}

func TestPrepare_CachesBlockTimestamps(t *testing.T) {
	client := evmtest.NewClient(42161)
	client.SetHead(10)

	s, _ := newTestStore(t, client)
	events := []domain.ChainEvent{
		evmtest.InsertBid(testContract, 7, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 7, 1, "0x02", 1, 1),
		evmtest.InsertBid(testContract, 7, 2, "0x03", 1, 1),
	}
	if _, err := s.Prepare(context.Background(), testChain, events, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := s.Prepare(context.Background(), testChain, events[:1], false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if _, headers := client.Calls(); headers != 1 {
		t.Errorf("expected 1 header fetch, got %d", headers)
	}
}

func TestPrepare_HeaderErrorAborts(t *testing.T) {
	client := evmtest.NewClient(42161)
	client.SetHead(1)

	s, _ := newTestStore(t, client)
	_, err := s.Prepare(context.Background(), testChain,
		[]domain.ChainEvent{evmtest.InsertBid(testContract, 9, 0, "0x01", 1, 1)}, false)
	if err == nil {
		t.Fatal("expected error for block past the head")
	}
}

func TestPrepare_ClientError(t *testing.T) {
	repo := memory.NewEventRepo(memory.NewMemoryStorage())
	s, _ := New(staticClients{err: evm.ErrUnknownChain}, repo)

	_, err := s.Prepare(context.Background(), testChain,
		[]domain.ChainEvent{evmtest.InsertBid(testContract, 1, 0, "0x01", 1, 1)}, false)
	if !errors.Is(err, evm.ErrUnknownChain) {
		t.Errorf("expected ErrUnknownChain, got %v", err)
	}
}

// ============================================================================
// Store
// ============================================================================

func record(block uint64, idx uint, realTime bool) *domain.StoredEvent {
	return &domain.StoredEvent{
		ChainID:         testChain,
		ContractAddress: testContract,
		EventName:       domain.EventInsertBid,
		BlockNumber:     block,
		LogIndex:        idx,
		TransactionHash: evmtest.TxHash(block, idx).Hex(),
		EventData:       domain.EventData{"codehash": "0x01", "bid": "1", "size": "1"},
		IsRealTime:      realTime,
	}
}

func TestStore_Outcomes(t *testing.T) {
	s, repo := newTestStore(t, evmtest.NewClient(42161))
	ctx := context.Background()

	first := s.Store(ctx, []*domain.StoredEvent{record(1, 0, false), record(2, 0, true)})
	if first.Stored != 2 || first.SuccessCount != 2 || first.TotalEvents != 2 {
		t.Fatalf("unexpected first result %+v", first)
	}

	// Historical duplicate of a live row, live duplicate of a historical row
	second := s.Store(ctx, []*domain.StoredEvent{record(2, 0, false), record(1, 0, true)})
	if second.Duplicates != 1 || second.Upgraded != 1 || second.ErrorCount != 0 {
		t.Fatalf("unexpected second result %+v", second)
	}

	got, _ := repo.FindByKey(ctx, record(1, 0, false).Key())
	if got == nil || !got.IsRealTime {
		t.Errorf("expected upgraded row, got %+v", got)
	}
	got, _ = repo.FindByKey(ctx, record(2, 0, false).Key())
	if got == nil || !got.IsRealTime {
		t.Errorf("live row must stay live, got %+v", got)
	}
	if n, _ := repo.Count(ctx, testChain); n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestStore_ErrorsAreCountedPerRecord(t *testing.T) {
	base := memory.NewEventRepo(memory.NewMemoryStorage())
	s, err := New(staticClients{}, failingRepo{EventRepository: base, failBlock: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res := s.Store(context.Background(), []*domain.StoredEvent{
		record(1, 0, false), record(2, 0, false), record(3, 0, false),
	})
	if res.ErrorCount != 1 || res.SuccessCount != 2 || res.Stored != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestStoreOne_DuplicateKeepsExistingID(t *testing.T) {
	s, _ := newTestStore(t, evmtest.NewClient(42161))
	ctx := context.Background()

	orig := record(4, 1, false)
	if _, err := s.StoreOne(ctx, orig); err != nil {
		t.Fatalf("StoreOne failed: %v", err)
	}
	dup := record(4, 1, false)
	outcome, err := s.StoreOne(ctx, dup)
	if err != nil {
		t.Fatalf("StoreOne failed: %v", err)
	}
	if outcome != OutcomeDuplicate || dup.ID != orig.ID {
		t.Errorf("expected duplicate with id %d, got %s id %d", orig.ID, outcome, dup.ID)
	}
}
