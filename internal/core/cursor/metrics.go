package cursor

import (
	"time"
)

// advanceRecord holds timing data for one live cursor advance.
type advanceRecord struct {
	Position    string
	ProcessedAt time.Time
}

// Metrics holds cursor throughput data.
type Metrics struct {
	EventsPerSecond    float64
	AverageEventTime   time.Duration
	LastAdvanceAt      *time.Time
	SkippedAdvances    int
	LastSyncedAdvanced *time.Time
}

// MetricsCollector tracks live cursor throughput over time.
type MetricsCollector struct {
	windowSize int             // number of advances to track
	records    []advanceRecord // ring buffer of advances
	skipped    int
	lastSynced *time.Time
}

// RecordAdvance records timing for a live cursor advance.
func (mc *MetricsCollector) RecordAdvance(position string, processedAt time.Time) {
	record := advanceRecord{
		Position:    position,
		ProcessedAt: processedAt,
	}

	if len(mc.records) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.records, mc.records[1:])
		mc.records[len(mc.records)-1] = record
	} else {
		mc.records = append(mc.records, record)
	}
}

// RecordSkip counts an advance that was not ahead of the stored cursor.
func (mc *MetricsCollector) RecordSkip() {
	mc.skipped++
}

// RecordSynced notes when the historical cursor last moved.
func (mc *MetricsCollector) RecordSynced(at time.Time) {
	mc.lastSynced = &at
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		SkippedAdvances:    mc.skipped,
		LastSyncedAdvanced: mc.lastSynced,
	}

	if len(mc.records) > 0 {
		last := mc.records[len(mc.records)-1].ProcessedAt
		m.LastAdvanceAt = &last
	}

	if len(mc.records) >= 2 {
		first := mc.records[0]
		last := mc.records[len(mc.records)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			count := float64(len(mc.records) - 1)
			m.EventsPerSecond = count / duration.Seconds()
			m.AverageEventTime = time.Duration(float64(duration) / count)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.records = mc.records[:0]
	mc.skipped = 0
	mc.lastSynced = nil
}
