package listener

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// Status is the setup state of a chain's live listener.
type Status int

const (
	StatusIdle Status = iota
	StatusSettingUp
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusSettingUp:
		return "setting_up"
	case StatusActive:
		return "active"
	default:
		return "idle"
	}
}

// ErrInvalidSubscription is returned for a stored subscription that cannot be replayed.
var ErrInvalidSubscription = errors.New("invalid subscription config")

// SubscriptionConfig is what a successful setup used, kept for replay on reconnection.
type SubscriptionConfig struct {
	Blockchain domain.Blockchain
	EventTypes []domain.EventType
}

// Validate checks the config can drive a setup.
func (c *SubscriptionConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidSubscription)
	}
	if c.Blockchain.ChainID == "" {
		return fmt.Errorf("%w: missing chain id", ErrInvalidSubscription)
	}
	if len(c.EventTypes) == 0 {
		return fmt.Errorf("%w: no event types", ErrInvalidSubscription)
	}
	for _, et := range c.EventTypes {
		if !et.Valid() {
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, et)
		}
	}
	return nil
}

// StateTracker holds per-chain listener state in memory. It is the single
// point of mutual exclusion for listener setup.
type StateTracker struct {
	mu            sync.Mutex
	status        map[string]Status
	processing    map[string]struct{}
	subscriptions map[string]SubscriptionConfig
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		status:        make(map[string]Status),
		processing:    make(map[string]struct{}),
		subscriptions: make(map[string]SubscriptionConfig),
	}
}

// MarkSettingUp claims setup of a chain. It returns false if a setup is
// already in progress or the listener is active.
func (t *StateTracker) MarkSettingUp(chainID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status[chainID] != StatusIdle {
		return false
	}
	t.status[chainID] = StatusSettingUp
	return true
}

// SetActive marks a chain's listener as running.
func (t *StateTracker) SetActive(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[chainID] = StatusActive
}

// Clear returns a chain to Idle from any state.
func (t *StateTracker) Clear(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, chainID)
}

func (t *StateTracker) Status(chainID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[chainID]
}

func (t *StateTracker) IsEventProcessing(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processing[key]
	return ok
}

// MarkEventProcessing marks key as in flight. It returns false if it already was.
func (t *StateTracker) MarkEventProcessing(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.processing[key]; ok {
		return false
	}
	t.processing[key] = struct{}{}
	return true
}

func (t *StateTracker) UnmarkEventProcessing(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, key)
}

// InFlight returns the number of events currently being handed off.
func (t *StateTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.processing)
}

func (t *StateTracker) StoreSubscription(cfg SubscriptionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg.EventTypes = append([]domain.EventType(nil), cfg.EventTypes...)
	t.subscriptions[cfg.Blockchain.ChainID] = cfg
}

// Subscription returns the stored config of a chain, or nil.
func (t *StateTracker) Subscription(chainID string) *SubscriptionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.subscriptions[chainID]
	if !ok {
		return nil
	}
	cfg.EventTypes = append([]domain.EventType(nil), cfg.EventTypes...)
	return &cfg
}

func (t *StateTracker) ClearSubscription(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, chainID)
}

// Reset drops everything known about a chain: status, stored config and
// in-flight keys. Used on manual restart.
func (t *StateTracker) Reset(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, chainID)
	delete(t.subscriptions, chainID)
	prefix := chainID + ":"
	for key := range t.processing {
		if strings.HasPrefix(key, prefix) {
			delete(t.processing, key)
		}
	}
}

// EventKey builds the in-flight key chain:block:logIndex:eventType.
func EventKey(chainID string, ev domain.ChainEvent) string {
	return fmt.Sprintf("%s:%d:%d:%s", chainID, ev.Ref.BlockNumber, ev.Ref.LogIndex, ev.Kind)
}
