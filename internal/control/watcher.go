package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/config"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/cursor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/backfill"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/emitter"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/eventstore"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/health"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/listener"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/processor"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/reconcile"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/reconnect"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/reorder"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/chain/evm"
	redisclient "github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/redis"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/postgres"
)

// signalBuffer is the reconciler's share of the stored-event signal stream.
const signalBuffer = 256

// Watcher is the main application struct that manages the indexer lifecycle.
type Watcher struct {
	cfg        Config
	chainIDs   []string
	eventTypes map[string][]domain.EventType

	storage     *Storage
	redisClient *redisclient.Client
	provider    *evm.Provider
	cursors     *cursor.DefaultManager
	broadcaster *emitter.Broadcaster
	buffer      *reorder.Buffer
	dispatcher  *dispatch.Manager
	listener    *listener.Listener
	fetcher     *backfill.Fetcher
	resyncer    *backfill.Resyncer
	reconciler  *reconcile.Reconciler
	healthMon   *health.Monitor
	health      *health.Server
	signals     <-chan emitter.Signal

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool

	log *slog.Logger
}

// Config holds the application configuration.
type Config struct {
	Port     int
	Chains   []config.ChainConfig
	Pipeline config.PipelineConfig
	Redis    redisclient.Config
	Database postgres.Config

	// Dialer opens chain connections. Nil dials with ethclient.
	Dialer evm.Dialer
	// DisableServer skips the ops HTTP server.
	DisableServer bool
}

// ConfigFrom maps the loaded file onto the application config.
func ConfigFrom(app *config.AppConfig) Config {
	return Config{
		Port:     app.Server.Port,
		Chains:   app.Chains,
		Pipeline: app.Pipeline,
		Redis:    app.Redis,
		Database: app.Database,
	}
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(cfg Config) (*Watcher, error) {
	if len(cfg.Chains) == 0 {
		return nil, errors.New("no chains configured")
	}
	for _, c := range cfg.Chains {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid chain config: %w", err)
		}
	}
	cfg.Pipeline.SetDefaults()

	// 1. Storage and queue backend
	store, err := OpenStorage(context.Background(), cfg.Database)
	if err != nil {
		return nil, err
	}
	backend, redisClient := openBackend(cfg.Redis)

	w := &Watcher{
		cfg:         cfg,
		eventTypes:  make(map[string][]domain.EventType),
		storage:     store,
		redisClient: redisClient,
		log:         slog.Default().With("component", "watcher"),
	}
	if err := w.build(backend); err != nil {
		w.release()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) build(backend dispatch.Backend) error {
	p := w.cfg.Pipeline

	// 2. Connections
	provider, err := evm.NewProvider(evm.ProviderConfig{
		Dialer: w.cfg.Dialer,
		ReconnectBackoff: &recovery.ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  p.ReconnectMaxAttempts,
			Classifier:   recovery.Classify,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	w.provider = provider

	for _, c := range w.cfg.Chains {
		provider.Register(c.Blockchain())
		w.eventTypes[c.ChainID] = c.EventTypes
		w.chainIDs = append(w.chainIDs, c.ChainID)
	}
	sort.Strings(w.chainIDs)

	decoder, err := evm.NewDecoder()
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	// 3. Shared ingestion path
	w.cursors = cursor.NewManager(w.storage.Blockchains)
	recorder, err := eventstore.New(provider, w.storage.Events)
	if err != nil {
		return err
	}
	w.broadcaster = emitter.NewBroadcaster()
	w.signals = w.broadcaster.Subscribe(signalBuffer)
	proc := processor.New(w.storage.Events, recorder, w.cursors, w.broadcaster)

	// 4. Live path: listener -> reorder -> dispatch -> processor
	w.dispatcher = dispatch.NewManager(backend, proc.HandleJob, dispatch.QueueConfig{
		MaxAttempts: p.QueueMaxAttempts,
		Backoff: &recovery.ExponentialBackoff{
			InitialDelay: p.QueueInitialBackoff,
			MaxDelay:     p.QueueMaxBackoff,
			MaxAttempts:  p.QueueMaxAttempts,
			Classifier:   recovery.Classify,
		},
		StallTimeout: p.StallTimeout,
	})
	w.buffer = reorder.NewBuffer(w.dispatcher, p.Quiet())
	w.listener = listener.NewListener(provider, decoder, listener.NewStateTracker(), w.buffer)

	handler, err := reconnect.NewHandler(w.listener, w.listener.Tracker(), w.log)
	if err != nil {
		return err
	}
	provider.OnReconnect(handler.HandleReconnection)

	// 5. Pull path
	w.fetcher = backfill.NewFetcher(backfill.Config{
		BatchSize:  p.FetchBatchSize,
		MaxRetries: p.FetchMaxRetries,
		RetryDelay: p.FetchRetryDelay,
	}, provider, decoder, proc, w.cursors)
	w.resyncer = backfill.NewResyncer(w.fetcher, w.cursors, provider, w.eventTypes, p.ResyncInterval, p.ResyncWindow)

	// 6. Derived state
	w.reconciler = reconcile.New(reconcile.Config{
		Interval:     p.ReconcileInterval,
		ReplayWindow: p.ReplayWindow,
	}, w.storage.Events, w.storage.CacheStates, provider)

	// 7. Health
	w.healthMon = health.NewMonitor(w.chainIDs, w.cursors, provider, w.listener.Tracker(), w.dispatcher)
	if !w.cfg.DisableServer {
		w.health = health.NewServer(w.healthMon, w.resyncer, w.cfg.Port)
	}
	return nil
}

// Prepare persists the configured chains. Cursors of known chains are left
// untouched.
func (w *Watcher) Prepare(ctx context.Context) error {
	for _, c := range w.cfg.Chains {
		if err := w.storage.Blockchains.Upsert(ctx, c.Blockchain()); err != nil {
			return fmt.Errorf("failed to save chain %s: %w", c.ChainID, err)
		}
	}
	return nil
}

// checkContracts fails on a CacheManager address without code. Transient
// RPC errors only warn.
func (w *Watcher) checkContracts(ctx context.Context) error {
	for _, c := range w.cfg.Chains {
		if c.CacheManagerAddress == "" {
			continue
		}
		if err := w.provider.CheckContract(ctx, c.ChainID); err != nil {
			if recovery.IsPermanent(err) {
				return err
			}
			w.log.Warn("Could not verify CacheManager contract", "chain", c.ChainID, "error", err)
		}
	}
	return nil
}

// Start starts the watcher and all its components.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Prepare(ctx); err != nil {
		return err
	}
	if err := w.checkContracts(ctx); err != nil {
		return err
	}

	// Verification waits for each chain's initial sync
	w.reconciler.HoldVerify(w.chainIDs...)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	w.mu.Lock()
	w.cancel = cancel
	w.group = g
	w.mu.Unlock()

	// Start Health Server
	if w.health != nil {
		go func() {
			if err := w.health.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Error("Health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	w.storage.StartMetricsCollector(gctx)

	g.Go(func() error {
		return w.dispatcher.Run(gctx, w.chainIDs)
	})

	for _, id := range w.chainIDs {
		id := id
		g.Go(func() error {
			w.startChain(gctx, id)
			return nil
		})
	}

	g.Go(func() error {
		return w.resyncer.Run(gctx)
	})
	g.Go(func() error {
		return w.reconciler.Run(gctx, w.chainIDs, w.signals)
	})

	w.log.Info("Watcher started", "chains", w.chainIDs)
	return nil
}

// startChain opens the live subscription first so nothing published during
// catch-up is missed, then syncs history up to the head.
func (w *Watcher) startChain(ctx context.Context, chainID string) {
	defer w.reconciler.ReleaseVerify(chainID)

	bc, err := w.provider.Blockchain(chainID)
	if err != nil {
		w.log.Error("Chain not registered", "chain", chainID, "error", err)
		return
	}
	types := w.eventTypes[chainID]

	if bc.WSURL == "" {
		w.log.Warn("No websocket endpoint, live listening disabled", "chain", chainID)
	} else if err := w.listener.Setup(ctx, bc, types); err != nil {
		w.log.Error("Failed to set up live listener", "chain", chainID, "error", err)
		if !recovery.IsPermanent(err) {
			// Hand the chain to the reconnect path, which resumes from the stored config.
			w.listener.Tracker().StoreSubscription(listener.SubscriptionConfig{Blockchain: *bc, EventTypes: types})
			w.provider.ReportDrop(chainID, err)
		}
	}

	report, err := w.fetcher.SyncBlockchainEvents(ctx, chainID, types)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.log.Error("Initial sync failed", "chain", chainID, "error", err)
	default:
		w.log.Info("Initial sync finished", "chain", chainID, "report", report.String())
	}
}

// Stop stops the watcher. Pending reorder buckets are flushed to the queue
// before the workers are stopped.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	cancel, group := w.cancel, w.group
	w.mu.Unlock()

	w.log.Info("Stopping Watcher...")

	w.listener.Close()
	if err := w.buffer.FlushAll(ctx); err != nil {
		w.log.Warn("Failed to flush reorder buffer", "error", err)
	}

	var errs []error
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if w.health != nil {
		if err := w.health.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	w.release()
	return errors.Join(errs...)
}

// release closes connections and storage.
func (w *Watcher) release() {
	if w.provider != nil {
		w.provider.Close()
	}
	if w.broadcaster != nil {
		_ = w.broadcaster.Close()
	}
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := w.storage.Close(); err != nil {
		w.log.Warn("Failed to close database", "error", err)
	}
}

// Close releases resources of a watcher that was never started.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.release()
}
