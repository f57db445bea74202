package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	redisclient "github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/redis"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/infra/storage/postgres"
)

var (
	// ErrMissingChainID is returned for a chain entry without an id
	ErrMissingChainID = errors.New("chain id is required")

	// ErrMissingRPCURL is returned for a chain entry without a JSON-RPC endpoint
	ErrMissingRPCURL = errors.New("rpc_url is required")
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chains   []ChainConfig      `yaml:"chains"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Pipeline PipelineConfig     `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds settings for one Stylus network.
type ChainConfig struct {
	ChainID             string             `yaml:"id"`
	Name                string             `yaml:"name"`
	RPCURL              string             `yaml:"rpc_url"`
	WSURL               string             `yaml:"ws_url"`
	CacheManagerAddress string             `yaml:"cache_manager_address"`
	StartBlock          uint64             `yaml:"start_block"`
	EventTypes          []domain.EventType `yaml:"event_types"`
}

// PipelineConfig tunes the ingestion pipeline. Zero values are replaced by
// defaults in Load, except QuietPeriod where zero means flush immediately.
type PipelineConfig struct {
	QuietPeriod          *time.Duration `yaml:"quiet_period"`
	QueueMaxAttempts     int            `yaml:"queue_max_attempts"`
	QueueInitialBackoff  time.Duration  `yaml:"queue_initial_backoff"`
	QueueMaxBackoff      time.Duration  `yaml:"queue_max_backoff"`
	StallTimeout         time.Duration  `yaml:"stall_timeout"`
	FetchBatchSize       uint64         `yaml:"fetch_batch_size"`
	FetchMaxRetries      int            `yaml:"fetch_max_retries"`
	FetchRetryDelay      time.Duration  `yaml:"fetch_retry_delay"`
	ResyncInterval       time.Duration  `yaml:"resync_interval"`
	ResyncWindow         uint64         `yaml:"resync_window"`
	ReconcileInterval    time.Duration  `yaml:"reconcile_interval"`
	ReplayWindow         uint64         `yaml:"replay_window"`
	ReconnectMaxAttempts int            `yaml:"reconnect_max_attempts"`
}

// Quiet returns the reordering quiet period.
func (p PipelineConfig) Quiet() time.Duration {
	if p.QuietPeriod == nil {
		return 0
	}
	return *p.QuietPeriod
}

// Validate checks the chain entry. Missing push endpoints are allowed here:
// the listener rejects them when it is set up.
func (c ChainConfig) Validate() error {
	if c.ChainID == "" {
		return ErrMissingChainID
	}
	if c.RPCURL == "" {
		return fmt.Errorf("chain %s: %w", c.ChainID, ErrMissingRPCURL)
	}
	if c.CacheManagerAddress != "" && !common.IsHexAddress(c.CacheManagerAddress) {
		return fmt.Errorf("chain %s: invalid cache_manager_address %q", c.ChainID, c.CacheManagerAddress)
	}
	for _, et := range c.EventTypes {
		if !et.Valid() {
			return fmt.Errorf("chain %s: unknown event type %q", c.ChainID, et)
		}
	}
	return nil
}

// Blockchain converts the entry into the persisted chain record.
func (c ChainConfig) Blockchain() *domain.Blockchain {
	return &domain.Blockchain{
		ChainID:             c.ChainID,
		Name:                c.Name,
		RPCURL:              c.RPCURL,
		WSURL:               c.WSURL,
		CacheManagerAddress: c.CacheManagerAddress,
		StartBlock:          c.StartBlock,
	}
}
