// Package reconcile derives per-bytecode cache occupancy from stored bid
// events and heals it against the on-chain entry set.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/emitter"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
)

// EntrySource reads the on-chain cache entries.
type EntrySource interface {
	CacheEntries(ctx context.Context, chainID string) (uint64, []evm.Entry, error)
}

// Config tunes the reconciler.
type Config struct {
	Interval     time.Duration // Time between scheduled passes (default: 5m)
	ReplayWindow uint64        // Event ids re-read behind the replay mark (default: 5000)
	PageSize     int           // Events read per replay page (default: 1000)
	Debounce     time.Duration // Quiet time after a stored signal before a pass (default: 5s)
	VerifyDelay  time.Duration // Pause between getEntries attempts (default: 1s)
	VerifyTries  int           // getEntries attempts (default: 3)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = 5000
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.Debounce <= 0 {
		c.Debounce = 5 * time.Second
	}
	if c.VerifyDelay < 0 {
		c.VerifyDelay = 0
	}
	if c.VerifyTries <= 0 {
		c.VerifyTries = 3
	}
	return c
}

// PassReport summarises one ProcessChain call.
type PassReport struct {
	Replayed    int
	Updated     int
	Corrections int
	Head        uint64
	Mark        int64
	Verified    bool
}

// Reconciler maintains the cache-state table.
type Reconciler struct {
	cfg     Config
	events  storage.EventRepository
	states  storage.CacheStateRepository
	entries EntrySource
	held    mapset.Set[string]

	mu  sync.Mutex
	log *slog.Logger
}

func New(
	cfg Config,
	events storage.EventRepository,
	states storage.CacheStateRepository,
	entries EntrySource,
) *Reconciler {
	return &Reconciler{
		cfg:     cfg.withDefaults(),
		events:  events,
		states:  states,
		entries: entries,
		held:    mapset.NewSet[string](),
		log:     slog.Default().With("component", "reconcile"),
	}
}

// HoldVerify limits passes of chainIDs to replay until ReleaseVerify is
// called for them. Entries whose history is not stored yet must not be
// corrected to the head block.
func (r *Reconciler) HoldVerify(chainIDs ...string) {
	for _, id := range chainIDs {
		r.held.Add(id)
	}
}

// ReleaseVerify lets passes of chainID verify against the chain again.
func (r *Reconciler) ReleaseVerify(chainID string) {
	r.held.Remove(chainID)
}

// ProcessChain folds newly stored bid events into the stored states, then
// verifies them against the chain.
func (r *Reconciler) ProcessChain(ctx context.Context, chainID string) (*PassReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.replay(ctx, chainID)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues(chainID, "replay_failed").Inc()
		return nil, err
	}

	if r.held.Contains(chainID) {
		metrics.ReconcilePasses.WithLabelValues(chainID, "replay_only").Inc()
		r.log.Debug("Initial sync running, verification held",
			"chain", chainID,
			"replayed", report.Replayed,
			"updated", report.Updated,
		)
		return report, nil
	}

	head, corrections, err := r.verify(ctx, chainID)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues(chainID, "verify_failed").Inc()
		return report, err
	}
	report.Corrections = corrections
	report.Head = head
	report.Verified = true

	metrics.ReconcilePasses.WithLabelValues(chainID, "success").Inc()
	r.log.Debug("Reconcile pass complete",
		"chain", chainID,
		"replayed", report.Replayed,
		"updated", report.Updated,
		"corrections", report.Corrections,
	)
	return report, nil
}

// replay folds every bid event stored after the chain's replay mark. Events
// are read in id order, so rows stored late for old blocks are still folded;
// Apply decides by position which event wins. The last ReplayWindow ids
// before the mark are read again to catch rows committed out of id order.
func (r *Reconciler) replay(ctx context.Context, chainID string) (*PassReport, error) {
	mark, err := r.states.ReplayMark(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay mark: %w", err)
	}

	existing, err := r.states.List(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache states: %w", err)
	}
	states := make(map[string]*domain.CacheState, len(existing))
	for _, s := range existing {
		states[s.CodeHash] = s
	}

	after := mark - int64(r.cfg.ReplayWindow)
	if after < 0 {
		after = 0
	}

	report := &PassReport{Mark: mark}
	changed := mapset.NewThreadUnsafeSet[string]()
	for {
		page, err := r.events.ListBidEvents(ctx, chainID, after, r.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list bid events: %w", err)
		}
		for _, ev := range page {
			after = ev.ID
			report.Replayed++

			codeHash := ev.EventData.String("codehash")
			if codeHash == "" {
				continue
			}
			state, ok := states[codeHash]
			if !ok {
				state = domain.NewCacheState(chainID, codeHash)
				states[codeHash] = state
			}
			if Apply(state, ev) {
				changed.Add(codeHash)
			}
		}
		if len(page) < r.cfg.PageSize {
			break
		}
	}

	hashes := changed.ToSlice()
	slices.Sort(hashes)
	now := time.Now()
	for _, codeHash := range hashes {
		state := states[codeHash]
		state.UpdatedAt = now
		if err := r.states.Save(ctx, state); err != nil {
			return nil, fmt.Errorf("failed to save cache state %s: %w", codeHash, err)
		}
	}

	if after > mark {
		if err := r.states.AdvanceReplayMark(ctx, chainID, after); err != nil {
			return nil, err
		}
		report.Mark = after
	}
	report.Updated = len(hashes)
	return report, nil
}

// Verify corrects every stored state that disagrees with the on-chain entry
// set and returns the number of corrections.
func (r *Reconciler) Verify(ctx context.Context, chainID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, n, err := r.verify(ctx, chainID)
	return n, err
}

func (r *Reconciler) verify(ctx context.Context, chainID string) (uint64, int, error) {
	var (
		head    uint64
		entries []evm.Entry
	)
	err := recovery.Retry(ctx,
		recovery.FixedDelay{Delay: r.cfg.VerifyDelay, MaxAttempts: r.cfg.VerifyTries},
		func(ctx context.Context) error {
			var err error
			head, entries, err = r.entries.CacheEntries(ctx, chainID)
			return err
		},
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read on-chain entries: %w", err)
	}

	onChain := make(map[string]evm.Entry, len(entries))
	cached := mapset.NewThreadUnsafeSet[string]()
	for _, e := range entries {
		onChain[e.CodeHash()] = e
		cached.Add(e.CodeHash())
	}

	states, err := r.states.List(ctx, chainID)
	if err != nil {
		return head, 0, fmt.Errorf("failed to list cache states: %w", err)
	}

	known := mapset.NewThreadUnsafeSet[string]()
	corrections := 0
	for _, s := range states {
		known.Add(s.CodeHash)
		isCached := cached.Contains(s.CodeHash)
		if s.IsCached == isCached {
			continue
		}

		was := s.IsCached
		s.IsCached = isCached
		if isCached {
			s.LastEventName = domain.EventInsertBid
			s.LastBid = onChain[s.CodeHash].Bid.String()
			s.Size = onChain[s.CodeHash].Size
		} else {
			s.LastEventName = domain.EventDeleteBid
		}
		r.markCorrected(s, head)
		if err := r.states.Save(ctx, s); err != nil {
			return head, corrections, fmt.Errorf("failed to save correction %s: %w", s.CodeHash, err)
		}
		corrections++
		r.log.Warn("Corrected cache state",
			"chain", chainID,
			"code_hash", s.CodeHash,
			"was_cached", was,
			"is_cached", isCached,
			"block", head,
		)
	}

	missing := cached.Difference(known).ToSlice()
	slices.Sort(missing)
	for _, codeHash := range missing {
		e := onChain[codeHash]
		s := domain.NewCacheState(chainID, codeHash)
		s.IsCached = true
		s.LastBid = e.Bid.String()
		s.Size = e.Size
		s.LastEventName = domain.EventInsertBid
		r.markCorrected(s, head)
		if err := r.states.Save(ctx, s); err != nil {
			return head, corrections, fmt.Errorf("failed to save correction %s: %w", codeHash, err)
		}
		corrections++
		r.log.Warn("Added cache state for unknown on-chain entry",
			"chain", chainID,
			"code_hash", codeHash,
			"block", head,
		)
	}

	if corrections > 0 {
		metrics.CacheCorrections.WithLabelValues(chainID).Add(float64(corrections))
	}
	return head, corrections, nil
}

// markCorrected places the state at the verified head with an unknown log
// index, so only a later block (or a same-block DeleteBid) can override it.
func (r *Reconciler) markCorrected(s *domain.CacheState, head uint64) {
	if head > s.LastEventBlock {
		s.LastEventBlock = head
	}
	s.LastEventLogIndex = domain.UnknownLogIndex
	s.UpdatedAt = time.Now()
}

// Run reconciles chainIDs every interval and shortly after bid events are
// stored. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, chainIDs []string, signals <-chan emitter.Signal) error {
	r.log.Info("Starting reconciler", "chains", len(chainIDs), "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(r.cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	pending := mapset.NewThreadUnsafeSet[string]()
	pass := func(ids []string) {
		slices.Sort(ids)
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.ProcessChain(ctx, id); err != nil {
				r.log.Error("Reconcile pass failed", "chain", id, "error", err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
			pending.Clear()
			pass(slices.Clone(chainIDs))
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if !sig.EventName.IsBid() {
				continue
			}
			pending.Add(sig.ChainID)
			debounce.Reset(r.cfg.Debounce)
		case <-debounce.C:
			ids := pending.ToSlice()
			pending.Clear()
			pass(ids)
		}
	}
}
