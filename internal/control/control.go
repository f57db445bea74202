package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/dispatch"
	redisclient "github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/redis"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/memory"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/postgres"
)

// Storage bundles the repositories the pipeline runs on.
type Storage struct {
	Blockchains storage.BlockchainRepository
	Events      storage.EventRepository
	CacheStates storage.CacheStateRepository

	db *postgres.DB
}

// OpenStorage connects to PostgreSQL and applies migrations. An empty URL
// selects the in-memory store.
func OpenStorage(ctx context.Context, cfg postgres.Config) (*Storage, error) {
	if cfg.URL == "" {
		slog.Info("Using Memory storage")
		return NewMemoryStorage(), nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("Using PostgreSQL storage")
	return &Storage{
		Blockchains: postgres.NewBlockchainRepo(db),
		Events:      postgres.NewEventRepo(db),
		CacheStates: postgres.NewCacheStateRepo(db),
		db:          db,
	}, nil
}

// NewMemoryStorage returns a Storage that lives only as long as the process.
func NewMemoryStorage() *Storage {
	store := memory.NewMemoryStorage()
	return &Storage{
		Blockchains: memory.NewBlockchainRepo(store),
		Events:      memory.NewEventRepo(store),
		CacheStates: memory.NewCacheStateRepo(store),
	}
}

// StartMetricsCollector reports connection pool stats when backed by PostgreSQL.
func (s *Storage) StartMetricsCollector(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// openBackend picks the dispatch queue backend. Redis is used when
// configured and reachable; otherwise jobs are kept in memory.
func openBackend(cfg redisclient.Config) (dispatch.Backend, *redisclient.Client) {
	if !cfg.Enabled() {
		slog.Info("Using in-memory dispatch queue")
		return dispatch.NewMemoryBackend(), nil
	}

	client, err := redisclient.NewClient(cfg)
	if err != nil {
		slog.Warn("Failed to connect to Redis, using in-memory dispatch queue", "error", err)
		return dispatch.NewMemoryBackend(), nil
	}

	slog.Info("Using Redis dispatch queue")
	return redisclient.NewJobQueue(client, cfg.Prefix), client
}
