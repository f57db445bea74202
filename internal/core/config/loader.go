package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	for _, c := range cfg.Chains {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid chain config: %w", err)
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	cfg.Pipeline.SetDefaults()

	for i := range cfg.Chains {
		if cfg.Chains[i].Name == "" {
			cfg.Chains[i].Name = domain.ChainName(cfg.Chains[i].ChainID)
		}
		if len(cfg.Chains[i].EventTypes) == 0 {
			cfg.Chains[i].EventTypes = append([]domain.EventType(nil), domain.AllEventTypes...)
		}
	}
}

// SetDefaults fills zero fields. A nil QuietPeriod becomes 2s; an explicit
// zero is kept.
func (p *PipelineConfig) SetDefaults() {
	if p.QuietPeriod == nil {
		quiet := 2 * time.Second
		p.QuietPeriod = &quiet
	}
	if p.QueueMaxAttempts == 0 {
		p.QueueMaxAttempts = 5
	}
	if p.QueueInitialBackoff == 0 {
		p.QueueInitialBackoff = time.Second
	}
	if p.QueueMaxBackoff == 0 {
		p.QueueMaxBackoff = 30 * time.Second
	}
	if p.StallTimeout == 0 {
		p.StallTimeout = 2 * time.Minute
	}
	if p.FetchBatchSize == 0 {
		p.FetchBatchSize = 5000
	}
	if p.FetchMaxRetries == 0 {
		p.FetchMaxRetries = 3
	}
	if p.FetchRetryDelay == 0 {
		p.FetchRetryDelay = time.Second
	}
	if p.ResyncInterval == 0 {
		p.ResyncInterval = time.Hour
	}
	if p.ResyncWindow == 0 {
		p.ResyncWindow = 1000
	}
	if p.ReconcileInterval == 0 {
		p.ReconcileInterval = 5 * time.Minute
	}
	if p.ReplayWindow == 0 {
		p.ReplayWindow = 5000
	}
	if p.ReconnectMaxAttempts == 0 {
		p.ReconnectMaxAttempts = 10
	}
}
