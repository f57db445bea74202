package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveEventsReceived tracks logs delivered by the push subscription
	LiveEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_live_events_received_total",
			Help: "Total number of logs delivered by live subscriptions",
		},
		[]string{"chain", "event"},
	)

	// LiveEventsDropped tracks live deliveries discarded before buffering
	LiveEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_live_events_dropped_total",
			Help: "Total number of live deliveries dropped before buffering",
		},
		[]string{"chain", "reason"},
	)

	// ListenerStatus reports the listener state per chain (0 idle, 1 setting up, 2 active)
	ListenerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmwatch_listener_status",
			Help: "Live listener status per chain (0 idle, 1 setting up, 2 active)",
		},
		[]string{"chain"},
	)

	// ReorderOutOfOrder tracks events that arrived after a higher log index in the same block
	ReorderOutOfOrder = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_reorder_out_of_order_total",
			Help: "Total number of live events that arrived out of log-index order",
		},
		[]string{"chain"},
	)

	// ReorderFlushes tracks block flushes from the reordering buffer
	ReorderFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_reorder_flushes_total",
			Help: "Total number of block buckets flushed to the dispatch queue",
		},
		[]string{"chain"},
	)

	// DispatchJobs tracks dispatch job lifecycle transitions
	DispatchJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_dispatch_jobs_total",
			Help: "Dispatch job lifecycle events",
		},
		[]string{"chain", "status"},
	)

	// DispatchQueueDepth tracks pending jobs per chain
	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmwatch_dispatch_queue_depth",
			Help: "Number of jobs waiting in the dispatch queue",
		},
		[]string{"chain"},
	)

	// EventsStored tracks storage outcomes per record
	EventsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_events_stored_total",
			Help: "Storage outcomes per event record",
		},
		[]string{"chain", "event", "outcome"},
	)

	// FetchFallbacks tracks log pages replaced by the empty fallback
	FetchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_fetch_fallbacks_total",
			Help: "Total number of historical log pages that fell back to empty",
		},
		[]string{"chain", "event"},
	)

	// ChainHeadBlock tracks the latest block height of the chain
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmwatch_chain_head_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// SyncedBlock tracks the historical cursor
	SyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmwatch_synced_block",
			Help: "Historical sync cursor per chain",
		},
		[]string{"chain"},
	)

	// LiveBlock tracks the live cursor block
	LiveBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmwatch_live_block",
			Help: "Live cursor block per chain",
		},
		[]string{"chain"},
	)

	// Reconnects tracks reconnection attempts by result
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_reconnects_total",
			Help: "Connection rebuild attempts by result",
		},
		[]string{"chain", "result"},
	)

	// ReconcilePasses tracks cache-state reconciliation passes
	ReconcilePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_reconcile_passes_total",
			Help: "Cache-state reconciliation passes by result",
		},
		[]string{"chain", "result"},
	)

	// CacheCorrections tracks rows corrected against on-chain entries
	CacheCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmwatch_cache_corrections_total",
			Help: "Cache-state rows corrected against the on-chain entry set",
		},
		[]string{"chain"},
	)

	// SignalsDropped tracks stored-event signals no subscriber could take
	SignalsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmwatch_signals_dropped_total",
			Help: "Event-stored signals dropped because a subscriber was full",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmwatch_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool limit",
		},
	)
)
