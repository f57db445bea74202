// Package backfill pulls CacheManager logs over eth_getLogs.
//
// # Design: Overlap Is Safe
//
// The fetcher and the live listener are not ordered against each other.
// Every event goes through the same processor, whose duplicate check makes a
// re-read of an already stored event a no-op (or a real-time upgrade), so
// ranges can be re-scanned freely.
//
// # Fallback Pages
//
// Each (range, event type) page is fetched with bounded retries. A page that
// still fails falls back to an empty result so the other event types keep
// going, but the historical cursor is then left where it was and the next
// run covers the range again.
//
// # Usage
//
//	fetcher := backfill.NewFetcher(backfill.DefaultConfig(), provider, decoder, proc, cursors)
//	report, err := fetcher.SyncBlockchainEvents(ctx, "42161", domain.AllEventTypes)
//
//	resyncer := backfill.NewResyncer(fetcher, cursors, provider, types, time.Hour, 1000)
//	go resyncer.Run(ctx)
package backfill

import (
	"fmt"
	"time"
)

// Config tunes the fetcher.
type Config struct {
	BatchSize  uint64        // Blocks per eth_getLogs call (default: 5000)
	MaxRetries int           // Attempts per page before the empty fallback (default: 3)
	RetryDelay time.Duration // Pause between attempts (default: 1s)
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:  5000,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Range represents an inclusive block range.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// Split splits the range into chunks of maxSize.
func (r Range) Split(maxSize uint64) []Range {
	if maxSize == 0 || r.Size() <= maxSize {
		return []Range{r}
	}

	var chunks []Range
	current := r.Start

	for current <= r.End {
		chunkEnd := min(current+maxSize-1, r.End)
		chunks = append(chunks, Range{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}

	return chunks
}

// ParseRange parses a "start-end" string into a Range.
func ParseRange(s string) (Range, error) {
	var start, end uint64
	_, err := fmt.Sscanf(s, "%d-%d", &start, &end)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range format: %s", s)
	}
	if start > end {
		return Range{}, fmt.Errorf("start > end: %d > %d", start, end)
	}
	return Range{Start: start, End: end}, nil
}
