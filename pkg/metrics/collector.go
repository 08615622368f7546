package metrics

import (
	"time"
)

// HealthSetSource is implemented by the chunk manager facade: it exposes the
// current size of each cross-medium health set maintained by the refresh
// engine, plus coarse Raft status, without requiring pkg/metrics to import
// pkg/manager (which would create an import cycle with pkg/manager's own use
// of this package for timing).
type HealthSetSource interface {
	HealthSetSizes() map[string]int
	IsLeader() bool
	RaftStats() map[string]uint64
}

// Collector periodically samples a HealthSetSource and republishes its
// counts onto the package-level gauges.
type Collector struct {
	source HealthSetSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source HealthSetSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectHealthSets()
	c.collectRaftMetrics()
}

var healthSetGauges = map[string]interface {
	Set(float64)
}{
	"lost":                    ChunksLost,
	"lost_vital":              ChunksLostVital,
	"underreplicated":         ChunksUnderreplicated,
	"overreplicated":          ChunksOverreplicated,
	"data_missing":            ChunksDataMissing,
	"parity_missing":          ChunksParityMissing,
	"quorum_missing":          ChunksQuorumMissing,
	"unsafely_placed":         ChunksUnsafelyPlaced,
	"inconsistently_placed":   ChunksInconsistentlyPlaced,
	"precarious":              ChunksPrecarious,
	"precarious_vital":        ChunksPrecariousVital,
}

func (c *Collector) collectHealthSets() {
	sizes := c.source.HealthSetSizes()
	for name, gauge := range healthSetGauges {
		gauge.Set(float64(sizes[name]))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	_ = c.source.RaftStats()
}
