package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

// MemoryStorage keeps all repositories in process memory.
type MemoryStorage struct {
	chains map[string]*domain.Blockchain
	events map[domain.EventKey]*domain.StoredEvent
	states map[string]map[string]*domain.CacheState
	marks  map[string]int64
	nextID int64
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		chains: make(map[string]*domain.Blockchain),
		events: make(map[domain.EventKey]*domain.StoredEvent),
		states: make(map[string]map[string]*domain.CacheState),
		marks:  make(map[string]int64),
	}
}

// -----------------------------------------------------------------------------
// Blockchain Repository
// -----------------------------------------------------------------------------

type BlockchainRepo struct {
	store *MemoryStorage
}

func NewBlockchainRepo(store *MemoryStorage) *BlockchainRepo {
	return &BlockchainRepo{store: store}
}

func (r *BlockchainRepo) Upsert(ctx context.Context, bc *domain.Blockchain) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.chains[bc.ChainID]
	if !ok {
		c := *bc
		c.UpdatedAt = time.Now()
		r.store.chains[bc.ChainID] = &c
		return nil
	}
	existing.Name = bc.Name
	existing.RPCURL = bc.RPCURL
	existing.WSURL = bc.WSURL
	existing.CacheManagerAddress = bc.CacheManagerAddress
	existing.StartBlock = bc.StartBlock
	existing.UpdatedAt = time.Now()
	return nil
}

func (r *BlockchainRepo) Get(ctx context.Context, chainID string) (*domain.Blockchain, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	bc, ok := r.store.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	c := *bc
	return &c, nil
}

func (r *BlockchainRepo) List(ctx context.Context) ([]*domain.Blockchain, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.Blockchain, 0, len(r.store.chains))
	for _, bc := range r.store.chains {
		c := *bc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func (r *BlockchainRepo) AdvanceLiveCursor(
	ctx context.Context,
	chainID string,
	pos domain.Position,
	eventID int64,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	bc, ok := r.store.chains[chainID]
	if !ok {
		return false, fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	if !bc.LivePosition().Less(pos) {
		return false, nil
	}
	bc.LastProcessedBlockNumber = pos.BlockNumber
	bc.LastProcessedLogIndex = pos.LogIndex
	bc.LastProcessedEventID = eventID
	bc.UpdatedAt = time.Now()
	return true, nil
}

func (r *BlockchainRepo) AdvanceSyncedBlock(ctx context.Context, chainID string, block uint64) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	bc, ok := r.store.chains[chainID]
	if !ok {
		return false, fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	if block <= bc.LastSyncedBlock {
		return false, nil
	}
	bc.LastSyncedBlock = block
	bc.UpdatedAt = time.Now()
	return true, nil
}

func (r *BlockchainRepo) SetSyncedBlock(ctx context.Context, chainID string, block uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	bc, ok := r.store.chains[chainID]
	if !ok {
		return fmt.Errorf("chain %s: %w", chainID, storage.ErrNotFound)
	}
	bc.LastSyncedBlock = block
	bc.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
}

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) Insert(ctx context.Context, ev *domain.StoredEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := ev.Key()
	if _, ok := r.store.events[key]; ok {
		return storage.ErrDuplicateEvent
	}
	r.store.nextID++
	ev.ID = r.store.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	c := *ev
	r.store.events[key] = &c
	return nil
}

func (r *EventRepo) FindByKey(ctx context.Context, key domain.EventKey) (*domain.StoredEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	ev, ok := r.store.events[key]
	if !ok {
		return nil, nil
	}
	c := *ev
	return &c, nil
}

func (r *EventRepo) MarkRealTime(ctx context.Context, id int64) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, ev := range r.store.events {
		if ev.ID != id {
			continue
		}
		if ev.IsRealTime {
			return false, nil
		}
		ev.IsRealTime = true
		return true, nil
	}
	return false, fmt.Errorf("event %d: %w", id, storage.ErrNotFound)
}

func (r *EventRepo) ListBidEvents(
	ctx context.Context,
	chainID string,
	afterID int64,
	limit int,
) ([]*domain.StoredEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.StoredEvent
	for _, ev := range r.store.events {
		if ev.ChainID != chainID || ev.ID <= afterID || !ev.EventName.IsBid() {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EventRepo) Count(ctx context.Context, chainID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	n := 0
	for _, ev := range r.store.events {
		if ev.ChainID == chainID {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Cache State Repository
// -----------------------------------------------------------------------------

type CacheStateRepo struct {
	store *MemoryStorage
}

func NewCacheStateRepo(store *MemoryStorage) *CacheStateRepo {
	return &CacheStateRepo{store: store}
}

func (r *CacheStateRepo) Get(ctx context.Context, chainID, codeHash string) (*domain.CacheState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	st, ok := r.store.states[chainID][codeHash]
	if !ok {
		return nil, nil
	}
	c := *st
	return &c, nil
}

func (r *CacheStateRepo) List(ctx context.Context, chainID string) ([]*domain.CacheState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.CacheState, 0, len(r.store.states[chainID]))
	for _, st := range r.store.states[chainID] {
		c := *st
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CodeHash < out[j].CodeHash })
	return out, nil
}

func (r *CacheStateRepo) Save(ctx context.Context, state *domain.CacheState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	byHash, ok := r.store.states[state.ChainID]
	if !ok {
		byHash = make(map[string]*domain.CacheState)
		r.store.states[state.ChainID] = byHash
	}
	c := *state
	c.UpdatedAt = time.Now()
	byHash[state.CodeHash] = &c
	return nil
}

func (r *CacheStateRepo) ReplayMark(ctx context.Context, chainID string) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.marks[chainID], nil
}

func (r *CacheStateRepo) AdvanceReplayMark(ctx context.Context, chainID string, eventID int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if eventID > r.store.marks[chainID] {
		r.store.marks[chainID] = eventID
	}
	return nil
}
