// Package reconnect resumes live listening after the connection provider
// rebuilds a dropped push connection.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/listener"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
)

// ErrListenerNotConfigured is returned when the handler is built without a listener.
var ErrListenerNotConfigured = errors.New("reconnect handler requires a listener")

// Listener is the part of the live listener the handler drives.
type Listener interface {
	ResumeListening(ctx context.Context, cfg listener.SubscriptionConfig) error
	DropListener(chainID string)
}

// ConfigStore holds the subscription configs to replay.
type ConfigStore interface {
	Subscription(chainID string) *listener.SubscriptionConfig
	StoreSubscription(cfg listener.SubscriptionConfig)
}

// Handler replays stored subscriptions.
type Handler struct {
	listener Listener
	configs  ConfigStore
	log      *slog.Logger
}

func NewHandler(l Listener, configs ConfigStore, logger *slog.Logger) (*Handler, error) {
	if l == nil || configs == nil {
		return nil, recovery.Permanent(ErrListenerNotConfigured)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		listener: l,
		configs:  configs,
		log:      logger.With("component", "reconnect"),
	}, nil
}

// HandleReconnection resumes the chain's stored subscription. A chain with
// nothing stored is a no-op. On failure the listener is left idle, the
// stored config is kept for the next attempt and the error is returned so
// the caller applies its backoff.
func (h *Handler) HandleReconnection(ctx context.Context, chainID string) error {
	cfg := h.configs.Subscription(chainID)
	if cfg == nil {
		h.log.Debug("No stored subscription, nothing to resume", "chain", chainID)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		h.log.Error("Stored subscription is invalid", "chain", chainID, "error", err)
		return recovery.Permanent(err)
	}

	h.log.Info("Resuming live listener", "chain", chainID, "types", len(cfg.EventTypes))
	h.listener.DropListener(chainID)

	if err := h.listener.ResumeListening(ctx, *cfg); err != nil {
		h.listener.DropListener(chainID)
		h.configs.StoreSubscription(*cfg)
		h.log.Warn("Failed to resume live listener", "chain", chainID, "error", err)
		return fmt.Errorf("failed to resume listener: %w", err)
	}

	h.log.Info("Live listener resumed", "chain", chainID)
	return nil
}
