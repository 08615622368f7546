package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health-set cardinalities (cross-medium rollup sets)
	ChunksLost                  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_lost", Help: "Number of chunks in LostChunks"})
	ChunksLostVital             = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_lost_vital", Help: "Number of chunks in LostVitalChunks"})
	ChunksUnderreplicated       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_underreplicated", Help: "Number of chunks in UnderreplicatedChunks"})
	ChunksOverreplicated        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_overreplicated", Help: "Number of chunks in OverreplicatedChunks"})
	ChunksDataMissing           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_data_missing", Help: "Number of chunks in DataMissingChunks"})
	ChunksParityMissing         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_parity_missing", Help: "Number of chunks in ParityMissingChunks"})
	ChunksQuorumMissing         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_quorum_missing", Help: "Number of chunks in QuorumMissingChunks"})
	ChunksUnsafelyPlaced        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_unsafely_placed", Help: "Number of chunks in UnsafelyPlacedChunks"})
	ChunksInconsistentlyPlaced = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_inconsistently_placed", Help: "Number of chunks in InconsistentlyPlacedChunks"})
	ChunksPrecarious            = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_precarious", Help: "Number of chunks in PrecariousChunks"})
	ChunksPrecariousVital       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_chunks_precarious_vital", Help: "Number of chunks in PrecariousVitalChunks"})

	// Scan latencies
	RefreshScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_refresh_scan_duration_seconds",
		Help:    "Wall time of one refresh-scanner batch",
		Buckets: prometheus.DefBuckets,
	})
	RequisitionScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_requisition_scan_duration_seconds",
		Help:    "Wall time of one requisition-update-scanner batch",
		Buckets: prometheus.DefBuckets,
	})
	CRPRedistributionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_crp_redistribution_duration_seconds",
		Help:    "Wall time of one CRP token redistribution pass",
		Buckets: prometheus.DefBuckets,
	})
	SealQuorumRPCDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_seal_quorum_rpc_duration_seconds",
		Help:    "Wall time of a GetChunkQuorumInfo round",
		Buckets: prometheus.DefBuckets,
	})

	// Jobs / heartbeat
	JobsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkmaster_jobs_started_total",
		Help: "Jobs started by type",
	}, []string{"type"})
	JobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkmaster_jobs_failed_total",
		Help: "Jobs that finished in Failed or Aborted state, by type",
	}, []string{"type"})
	AllyAnnouncementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkmaster_ally_announcements_total",
		Help: "Replica announcement requests issued, by mode (immediate/delayed/lazy)",
	}, []string{"mode"})
	EndorsementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkmaster_endorsements_total",
		Help: "Endorsements assigned to a surviving replica node",
	})

	// Raft / automaton
	RaftLeader        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunkmaster_raft_is_leader", Help: "1 if this node is the Raft leader"})
	RaftApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_raft_apply_duration_seconds",
		Help:    "Time taken to apply a Raft log entry (FSM.Apply)",
		Buckets: prometheus.DefBuckets,
	})
	RaftCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkmaster_raft_commit_duration_seconds",
		Help:    "Time taken for a proposed mutation to commit",
		Buckets: prometheus.DefBuckets,
	})

	// Node liveness watchdog (ex-reconciler)
	NodeWatchdogCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkmaster_node_watchdog_cycles_total",
		Help: "Completed node-liveness watchdog cycles",
	})
	NodesDisposedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkmaster_nodes_disposed_total",
		Help: "Nodes marked disposed due to missed heartbeats",
	})
)

func init() {
	prometheus.MustRegister(
		ChunksLost, ChunksLostVital, ChunksUnderreplicated, ChunksOverreplicated,
		ChunksDataMissing, ChunksParityMissing, ChunksQuorumMissing,
		ChunksUnsafelyPlaced, ChunksInconsistentlyPlaced, ChunksPrecarious, ChunksPrecariousVital,
		RefreshScanDuration, RequisitionScanDuration, CRPRedistributionDuration, SealQuorumRPCDuration,
		JobsStartedTotal, JobsFailedTotal, AllyAnnouncementsTotal, EndorsementsTotal,
		RaftLeader, RaftApplyDuration, RaftCommitDuration,
		NodeWatchdogCyclesTotal, NodesDisposedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
