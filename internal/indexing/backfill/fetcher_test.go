package backfill

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/eventstore"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/processor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm/evmtest"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/memory"
)

const (
	testChain    = "42161"
	testContract = "0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec"
)

var errRPC = errors.New("503 service unavailable")

// ============================================================================
// Mocks
// ============================================================================

type fakeChains struct {
	clients map[string]*evmtest.Client
}

func (f *fakeChains) Client(ctx context.Context, chainID string) (evm.Client, error) {
	c, ok := f.clients[chainID]
	if !ok {
		return nil, evm.ErrUnknownChain
	}
	return c, nil
}

func (f *fakeChains) HeadBlock(ctx context.Context, chainID string) (uint64, error) {
	c, ok := f.clients[chainID]
	if !ok {
		return 0, evm.ErrUnknownChain
	}
	return c.BlockNumber(ctx)
}

func (f *fakeChains) ChainIDs() []string {
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	return ids
}

// recordingProcessor records the events it is handed.
type recordingProcessor struct {
	mu     sync.Mutex
	seen   []domain.ChainEvent
	failAt map[domain.Position]bool
}

func (p *recordingProcessor) ProcessEvent(
	ctx context.Context,
	chainID string,
	ev domain.ChainEvent,
	realTime bool,
) (processor.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt[ev.Position()] {
		return processor.Outcome{}, errors.New("insert failed")
	}
	p.seen = append(p.seen, ev)
	return processor.Outcome{Status: eventstore.OutcomeStored}, nil
}

type harness struct {
	fetcher *Fetcher
	cursors *cursor.DefaultManager
	chains  *fakeChains
	client  *evmtest.Client
	proc    *recordingProcessor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	repo := memory.NewBlockchainRepo(memory.NewMemoryStorage())
	if err := repo.Upsert(context.Background(), &domain.Blockchain{
		ChainID:             testChain,
		CacheManagerAddress: testContract,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	decoder, err := evm.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}

	client := evmtest.NewClient(42161)
	chains := &fakeChains{clients: map[string]*evmtest.Client{testChain: client}}
	proc := &recordingProcessor{failAt: map[domain.Position]bool{}}
	cursors := cursor.NewManager(repo)

	return &harness{
		fetcher: NewFetcher(cfg, chains, decoder, proc, cursors),
		cursors: cursors,
		chains:  chains,
		client:  client,
		proc:    proc,
	}
}

func (h *harness) addEvents(events ...domain.ChainEvent) {
	for _, ev := range events {
		h.client.AddLogs(evmtest.EventLog(ev))
	}
}

func (h *harness) synced(t *testing.T) uint64 {
	t.Helper()
	bc, err := h.cursors.Get(context.Background(), testChain)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return bc.LastSyncedBlock
}

var bidTypes = []domain.EventType{domain.EventInsertBid, domain.EventDeleteBid}

// ============================================================================
// Range
// ============================================================================

func TestRange_Split(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		max  uint64
		want []Range
	}{
		{"fits", Range{0, 9}, 10, []Range{{0, 9}}},
		{"exact", Range{0, 19}, 10, []Range{{0, 9}, {10, 19}}},
		{"remainder", Range{5, 25}, 10, []Range{{5, 14}, {15, 24}, {25, 25}}},
		{"zero max", Range{1, 100}, 0, []Range{{1, 100}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.Split(tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d: expected %v, got %v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("100-200")
	if err != nil || r != (Range{100, 200}) {
		t.Errorf("unexpected %v, %v", r, err)
	}
	if _, err := ParseRange("200-100"); err == nil {
		t.Error("expected error for reversed range")
	}
	if _, err := ParseRange("abc"); err == nil {
		t.Error("expected error for garbage")
	}
}

// ============================================================================
// SyncBlockchainEvents
// ============================================================================

func TestSync_ProcessesInPositionOrderAndAdvances(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000})
	h.addEvents(
		evmtest.DeleteBid(testContract, 20, 3, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 10, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 20, 1, "0x02", 1, 1),
		evmtest.DeleteBid(testContract, 15, 7, "0x03", 1, 1),
	)
	h.client.SetHead(30)

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain, bidTypes)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Fetched != 4 || report.Stored != 4 || !report.Clean() {
		t.Errorf("unexpected report %+v", report)
	}

	want := []domain.Position{{BlockNumber: 10, LogIndex: 0}, {BlockNumber: 15, LogIndex: 7}, {BlockNumber: 20, LogIndex: 1}, {BlockNumber: 20, LogIndex: 3}}
	if len(h.proc.seen) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(h.proc.seen))
	}
	for i, ev := range h.proc.seen {
		if ev.Position() != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Position())
		}
	}
	if got := h.synced(t); got != 30 {
		t.Errorf("expected synced block 30, got %d", got)
	}
}

// getLogs fails twice and succeeds on the third attempt.
func TestSync_RecoversWithinRetries(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000, MaxRetries: 3})
	h.addEvents(
		evmtest.InsertBid(testContract, 5, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 6, 0, "0x02", 1, 1),
	)
	h.client.FilterErrs = []error{errRPC, errRPC}

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain,
		[]domain.EventType{domain.EventInsertBid})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.FallbackPages != 0 || report.Fetched != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if filter, _ := h.client.Calls(); filter != 3 {
		t.Errorf("expected 3 getLogs calls, got %d", filter)
	}
	if got := h.synced(t); got != 6 {
		t.Errorf("expected synced block 6, got %d", got)
	}
}

func TestSync_FallbackHoldsCursor(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000, MaxRetries: 3})
	h.addEvents(evmtest.InsertBid(testContract, 5, 0, "0x01", 1, 1))
	h.client.FilterErrs = []error{errRPC, errRPC, errRPC}

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain,
		[]domain.EventType{domain.EventInsertBid})
	if err != nil {
		t.Fatalf("fallback must not surface an error, got %v", err)
	}
	if report.FallbackPages != 1 || report.CursorAdvanced {
		t.Errorf("unexpected report %+v", report)
	}
	if got := h.synced(t); got != 0 {
		t.Errorf("cursor must stay put, got %d", got)
	}

	// Next run re-covers the range
	report, _ = h.fetcher.SyncBlockchainEvents(context.Background(), testChain,
		[]domain.EventType{domain.EventInsertBid})
	if report.Fetched != 1 || h.synced(t) != 5 {
		t.Errorf("expected the retry run to catch up, got %+v synced %d", report, h.synced(t))
	}
}

func TestSync_ProcessingFailureHoldsCursor(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000})
	h.addEvents(
		evmtest.InsertBid(testContract, 5, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 8, 0, "0x02", 1, 1),
	)
	h.proc.failAt[domain.Position{BlockNumber: 5}] = true

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain, bidTypes)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Failed != 1 || report.Stored != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := h.synced(t); got != 0 {
		t.Errorf("cursor must stay put, got %d", got)
	}
}

func TestSync_AdvancesPerBatch(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, MaxRetries: 1})
	h.addEvents(
		evmtest.InsertBid(testContract, 3, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 25, 0, "0x02", 1, 1),
	)

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain,
		[]domain.EventType{domain.EventInsertBid})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Fetched != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := h.synced(t); got != 25 {
		t.Errorf("expected synced block 25, got %d", got)
	}
	if filter, _ := h.client.Calls(); filter != 3 {
		t.Errorf("expected 3 batches, got %d calls", filter)
	}
}

func TestSync_UpToDate(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.SetHead(50)
	_ = h.cursors.Reset(context.Background(), testChain, 50)

	report, err := h.fetcher.SyncBlockchainEvents(context.Background(), testChain, bidTypes)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !report.UpToDate {
		t.Errorf("expected up to date, got %+v", report)
	}
	if filter, _ := h.client.Calls(); filter != 0 {
		t.Errorf("expected no getLogs calls, got %d", filter)
	}
}

func TestSync_MissingContractIsPermanent(t *testing.T) {
	h := newHarness(t, Config{})
	bc := &domain.Blockchain{ChainID: testChain}

	_, err := h.fetcher.SyncRange(context.Background(), bc, bidTypes, Range{0, 10})
	if !errors.Is(err, ErrNoContract) || !recovery.IsPermanent(err) {
		t.Errorf("expected permanent ErrNoContract, got %v", err)
	}
}

func TestSync_CancelledContext(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 5})
	h.addEvents(evmtest.InsertBid(testContract, 5, 0, "0x01", 1, 1))
	h.client.FilterErrs = []error{errRPC}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.fetcher.SyncBlockchainEvents(ctx, testChain, []domain.EventType{domain.EventInsertBid})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// ============================================================================
// Resyncer
// ============================================================================

func TestResync_ScansTrailingWindow(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000})
	h.addEvents(
		evmtest.InsertBid(testContract, 70, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 85, 0, "0x02", 1, 1),
		evmtest.InsertBid(testContract, 110, 0, "0x03", 1, 1),
	)
	_ = h.cursors.Reset(context.Background(), testChain, 100)

	r := NewResyncer(h.fetcher, h.cursors, h.chains, nil, 0, 20)
	summary, err := r.Resync(context.Background(), testChain)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if !strings.Contains(summary, "blocks 80-110") {
		t.Errorf("unexpected summary %q", summary)
	}

	if len(h.proc.seen) != 2 {
		t.Fatalf("expected 2 events in window, got %d", len(h.proc.seen))
	}
	if h.proc.seen[0].Ref.BlockNumber != 85 || h.proc.seen[1].Ref.BlockNumber != 110 {
		t.Errorf("unexpected events %v", h.proc.seen)
	}
	if got := h.synced(t); got != 110 {
		t.Errorf("expected synced block 110, got %d", got)
	}
}

func TestResync_AllChainsReportsFailures(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000})
	h.chains.clients["10"] = evmtest.NewClient(10)

	r := NewResyncer(h.fetcher, h.cursors, h.chains, map[string][]domain.EventType{testChain: bidTypes}, 0, 100)
	summary, err := r.Resync(context.Background(), "")
	if !errors.Is(err, cursor.ErrCursorNotFound) {
		t.Errorf("expected missing cursor for chain 10, got %v", err)
	}
	if !strings.Contains(summary, "2 chain(s)") || !strings.Contains(summary, "chain 10: failed") {
		t.Errorf("unexpected summary %q", summary)
	}
	if !strings.Contains(summary, "chain 42161") {
		t.Errorf("expected 42161 in summary %q", summary)
	}
}

func TestResyncRange(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1000})
	h.addEvents(
		evmtest.InsertBid(testContract, 10, 0, "0x01", 1, 1),
		evmtest.InsertBid(testContract, 20, 0, "0x02", 1, 1),
	)

	r := NewResyncer(h.fetcher, h.cursors, h.chains, nil, 0, 0)
	report, err := r.ResyncRange(context.Background(), testChain, Range{15, 25})
	if err != nil {
		t.Fatalf("ResyncRange failed: %v", err)
	}
	if report.Fetched != 1 || h.proc.seen[0].Ref.BlockNumber != 20 {
		t.Errorf("unexpected report %+v", report)
	}
}
