package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

const chainID = "42161"

func record(block uint64, logIndex uint, name domain.EventType) *domain.StoredEvent {
	return &domain.StoredEvent{
		ChainID:         chainID,
		ContractAddress: "0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec",
		EventName:       name,
		BlockNumber:     block,
		LogIndex:        logIndex,
		TransactionHash: "0xabc",
	}
}

// =============================================================================
// Blockchain Repository
// =============================================================================

func TestBlockchainRepo_UpsertKeepsCursors(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockchainRepo(NewMemoryStorage())

	if err := repo.Upsert(ctx, &domain.Blockchain{ChainID: chainID, Name: "one"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := repo.AdvanceSyncedBlock(ctx, chainID, 500); err != nil {
		t.Fatalf("AdvanceSyncedBlock failed: %v", err)
	}
	if err := repo.Upsert(ctx, &domain.Blockchain{ChainID: chainID, Name: "renamed"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	bc, err := repo.Get(ctx, chainID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bc.Name != "renamed" {
		t.Errorf("expected name to be updated, got %q", bc.Name)
	}
	if bc.LastSyncedBlock != 500 {
		t.Errorf("expected synced block 500 to survive upsert, got %d", bc.LastSyncedBlock)
	}
}

func TestBlockchainRepo_CursorsOnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockchainRepo(NewMemoryStorage())
	_ = repo.Upsert(ctx, &domain.Blockchain{ChainID: chainID})

	steps := []struct {
		pos   domain.Position
		moved bool
	}{
		{domain.Position{BlockNumber: 10, LogIndex: 2}, true},
		{domain.Position{BlockNumber: 10, LogIndex: 1}, false},
		{domain.Position{BlockNumber: 10, LogIndex: 2}, false},
		{domain.Position{BlockNumber: 11, LogIndex: 0}, true},
		{domain.Position{BlockNumber: 9, LogIndex: 50}, false},
	}
	for i, s := range steps {
		moved, err := repo.AdvanceLiveCursor(ctx, chainID, s.pos, int64(i+1))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if moved != s.moved {
			t.Errorf("step %d: moved=%v, want %v", i, moved, s.moved)
		}
	}

	bc, _ := repo.Get(ctx, chainID)
	if bc.LastProcessedBlockNumber != 11 || bc.LastProcessedLogIndex != 0 || bc.LastProcessedEventID != 4 {
		t.Errorf("unexpected live cursor %d:%d (event %d)",
			bc.LastProcessedBlockNumber, bc.LastProcessedLogIndex, bc.LastProcessedEventID)
	}

	if moved, _ := repo.AdvanceSyncedBlock(ctx, chainID, 100); !moved {
		t.Error("expected synced block to advance")
	}
	if moved, _ := repo.AdvanceSyncedBlock(ctx, chainID, 90); moved {
		t.Error("synced block must not move back")
	}
	if err := repo.SetSyncedBlock(ctx, chainID, 50); err != nil {
		t.Fatalf("SetSyncedBlock failed: %v", err)
	}
	if bc, _ := repo.Get(ctx, chainID); bc.LastSyncedBlock != 50 {
		t.Errorf("expected reset to 50, got %d", bc.LastSyncedBlock)
	}
}

func TestBlockchainRepo_UnknownChain(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockchainRepo(NewMemoryStorage())

	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := repo.AdvanceLiveCursor(ctx, "nope", domain.Position{BlockNumber: 1}, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("AdvanceLiveCursor: expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Event Repository
// =============================================================================

func TestEventRepo_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepo(NewMemoryStorage())

	first := record(10, 0, domain.EventInsertBid)
	if err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected Insert to assign an id")
	}

	if err := repo.Insert(ctx, record(10, 0, domain.EventInsertBid)); !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	got, err := repo.FindByKey(ctx, first.Key())
	if err != nil || got == nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected id %d, got %d", first.ID, got.ID)
	}
	if n, _ := repo.Count(ctx, chainID); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestEventRepo_FindByKeyMissing(t *testing.T) {
	repo := NewEventRepo(NewMemoryStorage())
	got, err := repo.FindByKey(context.Background(), record(1, 0, domain.EventInsertBid).Key())
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestEventRepo_MarkRealTime(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepo(NewMemoryStorage())
	ev := record(10, 0, domain.EventDeleteBid)
	_ = repo.Insert(ctx, ev)

	if changed, err := repo.MarkRealTime(ctx, ev.ID); err != nil || !changed {
		t.Fatalf("expected first MarkRealTime to change the row, got %v, %v", changed, err)
	}
	if changed, _ := repo.MarkRealTime(ctx, ev.ID); changed {
		t.Error("second MarkRealTime must be a no-op")
	}
	if _, err := repo.MarkRealTime(ctx, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventRepo_ListBidEventsInIDOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepo(NewMemoryStorage())

	for _, ev := range []*domain.StoredEvent{
		record(20, 1, domain.EventDeleteBid),
		record(20, 0, domain.EventInsertBid),
		record(5, 3, domain.EventInsertBid),
		record(15, 0, domain.EventSetCacheSize),
		record(12, 7, domain.EventInsertBid),
	} {
		if err := repo.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	tests := []struct {
		name    string
		afterID int64
		limit   int
		want    []domain.Position
	}{
		{"all", 0, 0, []domain.Position{{BlockNumber: 20, LogIndex: 1}, {BlockNumber: 20, LogIndex: 0}, {BlockNumber: 5, LogIndex: 3}, {BlockNumber: 12, LogIndex: 7}}},
		{"after mark", 1, 0, []domain.Position{{BlockNumber: 20, LogIndex: 0}, {BlockNumber: 5, LogIndex: 3}, {BlockNumber: 12, LogIndex: 7}}},
		{"page", 1, 2, []domain.Position{{BlockNumber: 20, LogIndex: 0}, {BlockNumber: 5, LogIndex: 3}}},
		{"skips non-bid rows", 3, 0, []domain.Position{{BlockNumber: 12, LogIndex: 7}}},
		{"past the end", 5, 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListBidEvents(ctx, chainID, tt.afterID, tt.limit)
			if err != nil {
				t.Fatalf("ListBidEvents failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d events, got %d", len(tt.want), len(got))
			}
			for i := range tt.want {
				if got[i].Position() != tt.want[i] {
					t.Errorf("event %d: got %v, want %v", i, got[i].Position(), tt.want[i])
				}
			}
		})
	}
}

// =============================================================================
// Cache State Repository
// =============================================================================

func TestCacheStateRepo_SaveAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewCacheStateRepo(NewMemoryStorage())

	if st, err := repo.Get(ctx, chainID, "0xb"); err != nil || st != nil {
		t.Fatalf("expected nil state, got %+v, %v", st, err)
	}

	b := domain.NewCacheState(chainID, "0xb")
	b.IsCached = true
	a := domain.NewCacheState(chainID, "0xa")
	_ = repo.Save(ctx, b)
	_ = repo.Save(ctx, a)

	b.IsCached = false
	_ = repo.Save(ctx, b)

	list, err := repo.List(ctx, chainID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].CodeHash != "0xa" || list[1].CodeHash != "0xb" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[1].IsCached {
		t.Error("expected the second save to replace the row")
	}
}

func TestCacheStateRepo_ReplayMarkOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	repo := NewCacheStateRepo(NewMemoryStorage())

	if mark, err := repo.ReplayMark(ctx, chainID); err != nil || mark != 0 {
		t.Fatalf("expected zero mark, got %d, %v", mark, err)
	}
	_ = repo.AdvanceReplayMark(ctx, chainID, 40)
	_ = repo.AdvanceReplayMark(ctx, chainID, 12)
	if mark, _ := repo.ReplayMark(ctx, chainID); mark != 40 {
		t.Errorf("expected mark 40, got %d", mark)
	}
	if mark, _ := repo.ReplayMark(ctx, "other"); mark != 0 {
		t.Errorf("marks are per chain, got %d", mark)
	}
}
