package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OptionVault.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	CommandSequenceGap    *prometheus.CounterVec
	CommandOutOfOrder     *prometheus.CounterVec

	// --- Liquidity ---
	LiquidityDeposits    *prometheus.CounterVec
	LiquidityWithdrawals *prometheus.CounterVec
	LiquidityFeesPaid    *prometheus.CounterVec
	PoolAum              *prometheus.GaugeVec
	PoolLPSupply         *prometheus.GaugeVec
	CustodyUtilization   *prometheus.GaugeVec

	// --- Option Lifecycle ---
	OptionsOpened      *prometheus.CounterVec
	OptionsClosed      *prometheus.CounterVec
	OptionsExercised   *prometheus.CounterVec
	OptionsExpired     *prometheus.CounterVec
	PremiumCollected   *prometheus.CounterVec
	OrderTriggers      *prometheus.CounterVec
	OpenPositions      *prometheus.GaugeVec
	ExpirySweepLag     prometheus.Histogram

	// --- Persistence ---
	PersistCommandsWritten  prometheus.Counter
	PersistTransfersWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayTotal       prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_core_commands_applied_total",
			Help: "Commands successfully applied by the venue core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, validation)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ov_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ov_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ov_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		CommandSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		CommandOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Liquidity
		LiquidityDeposits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_liquidity_deposits_total",
			Help: "Liquidity add operations applied",
		}, []string{"pool", "asset"}),

		LiquidityWithdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_liquidity_withdrawals_total",
			Help: "Liquidity remove operations applied",
		}, []string{"pool", "asset"}),

		LiquidityFeesPaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_liquidity_fees_total",
			Help: "Ratio-deviation fees collected (token units)",
		}, []string{"pool", "asset"}),

		PoolAum: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_pool_aum_usd",
			Help: "Pool assets under management (scaled USD)",
		}, []string{"pool"}),

		PoolLPSupply: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_pool_lp_supply",
			Help: "Outstanding LP shares",
		}, []string{"pool"}),

		CustodyUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_custody_utilization",
			Help: "Locked / owned fraction per custody (0.0-1.0)",
		}, []string{"pool", "asset"}),

		// Option Lifecycle
		OptionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_options_opened_total",
			Help: "Option positions opened",
		}, []string{"pool", "direction"}),

		OptionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_options_closed_total",
			Help: "Owner-initiated closes (full and partial)",
		}, []string{"pool"}),

		OptionsExercised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_options_exercised_total",
			Help: "In-the-money settlements",
		}, []string{"pool"}),

		OptionsExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_options_expired_total",
			Help: "Out-of-the-money expiries",
		}, []string{"pool"}),

		PremiumCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_premium_collected_total",
			Help: "Premium received (token units)",
		}, []string{"pool", "asset"}),

		OrderTriggers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_order_triggers_total",
			Help: "Take-profit / stop-loss entries consumed",
		}, []string{"pool", "kind"}),

		OpenPositions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ov_open_positions",
			Help: "Currently open option positions",
		}, []string{"pool"}),

		ExpirySweepLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_expiry_sweep_lag_seconds",
			Help:    "Expiry time to sweep settlement",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		// Persistence
		PersistCommandsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistTransfersWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_persist_transfers_written_total",
			Help: "Transfer rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ov_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ov_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ov_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ov_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ov_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
