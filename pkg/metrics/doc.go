/*
Package metrics provides Prometheus metrics collection and exposition for
chunkmaster.

Gauges track the size of the cross-medium health sets maintained by the
refresh engine (LostChunks, UnderreplicatedChunks, and friends); histograms
time the refresh scanner, the requisition-update scanner, CRP token
redistribution, and journal seal quorum round-trips; counters track job
starts/failures by type and replica announcement/endorsement volume.

Updating a gauge:

	metrics.ChunksLost.Set(float64(len(lostSet)))

Timing an operation:

	timer := metrics.NewTimer()
	runRefreshBatch()
	timer.ObserveDuration(metrics.RefreshScanDuration)

Metrics are exposed for scraping via metrics.Handler() mounted at /metrics.
*/
package metrics
