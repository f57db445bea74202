package emitter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/metrics"
)

// Signal announces that an event record was stored.
type Signal struct {
	ChainID     string
	EventID     int64
	EventName   domain.EventType
	BlockNumber uint64
	LogIndex    uint
}

// Emitter defines the interface for emitting event-stored signals
type Emitter interface {
	// Emit sends a single signal
	Emit(ctx context.Context, sig Signal) error

	// Close closes the emitter
	Close() error
}

// Broadcaster fans signals out to in-process subscribers. Emit never
// blocks: a subscriber whose buffer is full misses the signal.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   []chan Signal
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{logger: slog.Default().With("component", "emitter")}
}

// Subscribe returns a channel receiving every later signal. The channel is
// closed by Close.
func (b *Broadcaster) Subscribe(buffer int) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Signal, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Broadcaster) Emit(ctx context.Context, sig Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
			metrics.SignalsDropped.Inc()
			b.logger.Debug("Subscriber full, signal dropped",
				"chain", sig.ChainID,
				"event_id", sig.EventID,
			)
		}
	}
	return nil
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

// Nop discards every signal.
type Nop struct{}

func (Nop) Emit(context.Context, Signal) error { return nil }
func (Nop) Close() error                       { return nil }
