// Package listener keeps a live log subscription open on every chain's
// CacheManager contract and hands decoded events to the reordering buffer.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
)

var (
	// ErrMissingWSURL is returned when a chain has no push endpoint
	ErrMissingWSURL = errors.New("websocket url is required")

	// ErrMissingContractAddress is returned when a chain has no valid CacheManager address
	ErrMissingContractAddress = errors.New("cache manager address is required")
)

// Sink receives live events. The reordering buffer implements it.
type Sink interface {
	Enqueue(ctx context.Context, ev domain.QueuedEvent) error
}

// ConnectionProvider supplies push clients and takes drop reports.
type ConnectionProvider interface {
	WSClient(ctx context.Context, chainID string) (evm.Client, error)
	ReportDrop(chainID string, err error)
}

type subscription struct {
	sub  ethereum.Subscription
	stop chan struct{}
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.stop)
		s.sub.Unsubscribe()
	})
}

// Listener subscribes to every log of the tracked contracts.
type Listener struct {
	provider ConnectionProvider
	decoder  *evm.Decoder
	tracker  *StateTracker
	sink     Sink

	mu   sync.Mutex
	subs map[string][]*subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewListener(
	provider ConnectionProvider,
	decoder *evm.Decoder,
	tracker *StateTracker,
	sink Sink,
) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		provider: provider,
		decoder:  decoder,
		tracker:  tracker,
		sink:     sink,
		subs:     make(map[string][]*subscription),
		ctx:      ctx,
		cancel:   cancel,
		log:      slog.Default().With("component", "listener"),
	}
}

// Tracker returns the state tracker the listener reports to.
func (l *Listener) Tracker() *StateTracker {
	return l.tracker
}

// Setup opens the live subscriptions of a chain. Configuration errors are
// permanent. Losing the setup race to a concurrent caller is not an error.
func (l *Listener) Setup(ctx context.Context, bc *domain.Blockchain, eventTypes []domain.EventType) error {
	if bc.WSURL == "" {
		return recovery.Permanent(fmt.Errorf("chain %s: %w", bc.ChainID, ErrMissingWSURL))
	}
	if !common.IsHexAddress(bc.CacheManagerAddress) {
		return recovery.Permanent(fmt.Errorf("chain %s: %w", bc.ChainID, ErrMissingContractAddress))
	}

	chainID := bc.ChainID
	if !l.tracker.MarkSettingUp(chainID) {
		l.log.Debug("Listener setup already in progress or active", "chain", chainID, "status", l.tracker.Status(chainID))
		return nil
	}
	metrics.ListenerStatus.WithLabelValues(chainID).Set(float64(StatusSettingUp))

	if err := l.subscribe(ctx, bc, eventTypes); err != nil {
		l.unsubscribe(chainID)
		l.tracker.Clear(chainID)
		l.tracker.ClearSubscription(chainID)
		metrics.ListenerStatus.WithLabelValues(chainID).Set(float64(StatusIdle))
		return err
	}

	l.tracker.SetActive(chainID)
	l.tracker.StoreSubscription(SubscriptionConfig{Blockchain: *bc, EventTypes: eventTypes})
	metrics.ListenerStatus.WithLabelValues(chainID).Set(float64(StatusActive))
	l.log.Info("Live listener active", "chain", chainID, "contracts", bc.Contracts(), "event_types", eventTypes)
	return nil
}

func (l *Listener) subscribe(ctx context.Context, bc *domain.Blockchain, eventTypes []domain.EventType) error {
	chainID := bc.ChainID
	client, err := l.provider.WSClient(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get push client: %w", err)
	}

	// Stale subscriptions from a previous connection
	l.unsubscribe(chainID)

	tracked := mapset.NewSet(eventTypes...)
	for _, addr := range bc.Contracts() {
		ch := make(chan types.Log, 256)
		q := ethereum.FilterQuery{Addresses: []common.Address{common.HexToAddress(addr)}}
		sub, err := client.SubscribeFilterLogs(ctx, q, ch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", addr, err)
		}

		s := &subscription{sub: sub, stop: make(chan struct{})}
		l.mu.Lock()
		l.subs[chainID] = append(l.subs[chainID], s)
		l.mu.Unlock()

		l.wg.Add(1)
		go l.read(chainID, tracked, s, ch)
	}
	return nil
}

func (l *Listener) read(chainID string, tracked mapset.Set[domain.EventType], s *subscription, ch <-chan types.Log) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-s.stop:
			return
		case lg := <-ch:
			l.handle(chainID, tracked, lg)
		case err, ok := <-s.sub.Err():
			if !ok {
				return
			}
			if !l.dropFailed(chainID, s) {
				l.log.Debug("Stale subscription failed", "chain", chainID, "error", err)
				return
			}
			l.log.Warn("Subscription failed", "chain", chainID, "error", err)
			l.provider.ReportDrop(chainID, err)
			return
		}
	}
}

// dropFailed returns the chain to Idle when s is one of its current
// subscriptions. A subscription already replaced by a newer setup is left
// alone and reports false.
func (l *Listener) dropFailed(chainID string, s *subscription) bool {
	l.mu.Lock()
	current := slices.Contains(l.subs[chainID], s)
	l.mu.Unlock()
	if !current {
		return false
	}
	l.DropListener(chainID)
	return true
}

func (l *Listener) handle(chainID string, tracked mapset.Set[domain.EventType], lg types.Log) {
	if lg.Removed {
		metrics.LiveEventsDropped.WithLabelValues(chainID, "removed").Inc()
		l.log.Warn("Ignoring removed log, reorgs are not rolled back",
			"chain", chainID, "block", lg.BlockNumber, "log_index", lg.Index, "tx", lg.TxHash.Hex())
		return
	}

	ev, err := l.decoder.Decode(lg)
	if err != nil {
		if errors.Is(err, evm.ErrUnknownEvent) {
			metrics.LiveEventsDropped.WithLabelValues(chainID, "unknown_topic").Inc()
			return
		}
		metrics.LiveEventsDropped.WithLabelValues(chainID, "decode_error").Inc()
		l.log.Warn("Failed to decode log", "chain", chainID, "block", lg.BlockNumber, "log_index", lg.Index, "error", err)
		return
	}

	if !tracked.Contains(ev.Kind) {
		metrics.LiveEventsDropped.WithLabelValues(chainID, "untracked").Inc()
		return
	}

	key := EventKey(chainID, ev)
	if !l.tracker.MarkEventProcessing(key) {
		metrics.LiveEventsDropped.WithLabelValues(chainID, "in_flight").Inc()
		l.log.Debug("Duplicate delivery while in flight", "chain", chainID, "key", key)
		return
	}
	metrics.LiveEventsReceived.WithLabelValues(chainID, string(ev.Kind)).Inc()

	qe := domain.QueuedEvent{ChainID: chainID, Event: ev, ReceivedAt: time.Now()}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.tracker.UnmarkEventProcessing(key)
		if err := l.sink.Enqueue(l.ctx, qe); err != nil {
			l.log.Error("Failed to buffer live event",
				"chain", chainID, "block", ev.Ref.BlockNumber, "log_index", ev.Ref.LogIndex, "event", ev.Kind, "error", err)
		}
	}()
}

// ResumeListening sets a chain up again from a stored subscription config.
func (l *Listener) ResumeListening(ctx context.Context, cfg SubscriptionConfig) error {
	bc := cfg.Blockchain
	return l.Setup(ctx, &bc, cfg.EventTypes)
}

// DropListener tears down a chain's subscriptions and returns it to Idle.
// The stored subscription config is kept.
func (l *Listener) DropListener(chainID string) {
	l.unsubscribe(chainID)
	l.tracker.Clear(chainID)
	metrics.ListenerStatus.WithLabelValues(chainID).Set(float64(StatusIdle))
}

// Restart is the manual restart path: everything known about the chain is
// replaced by a fresh setup.
func (l *Listener) Restart(ctx context.Context, bc *domain.Blockchain, eventTypes []domain.EventType) error {
	l.DropListener(bc.ChainID)
	l.tracker.Reset(bc.ChainID)
	return l.Setup(ctx, bc, eventTypes)
}

func (l *Listener) unsubscribe(chainID string) {
	l.mu.Lock()
	subs := l.subs[chainID]
	delete(l.subs, chainID)
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Close stops every subscription and waits for in-flight hand-offs.
func (l *Listener) Close() {
	l.cancel()

	l.mu.Lock()
	ids := make([]string, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.DropListener(id)
	}
	l.wg.Wait()
}
