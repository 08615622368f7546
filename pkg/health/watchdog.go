// Package health implements the node watchdog: the periodic pass that
// disposes storage nodes that stop heartbeating, the way a cluster
// reconciler marks down workers and reschedules their work.
package health

import (
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/metrics"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/rs/zerolog"
)

// DisposeFunc removes a node that has gone silent past its timeout.
type DisposeFunc func(id node.ID)

// Watchdog tracks the last heartbeat seen for every node and disposes
// any node that falls silent for longer than Timeout.
type Watchdog struct {
	mu       sync.Mutex
	lastSeen map[node.ID]time.Time
	timeout  time.Duration
	interval time.Duration
	dispose  DisposeFunc
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewWatchdog builds a watchdog that disposes a node once it has gone
// silent for longer than timeout, checked every interval.
func NewWatchdog(timeout, interval time.Duration, dispose DisposeFunc) *Watchdog {
	return &Watchdog{
		lastSeen: make(map[node.ID]time.Time),
		timeout:  timeout,
		interval: interval,
		dispose:  dispose,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// Touch records a heartbeat from id at now. Called from the heartbeat
// path on every full or incremental heartbeat, approved or not.
func (w *Watchdog) Touch(id node.ID, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen[id] = now
}

// Start launches the watchdog's scan loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop halts the scan loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scan(time.Now())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watchdog) scan(now time.Time) {
	metrics.NodeWatchdogCyclesTotal.Inc()

	var stale []node.ID
	w.mu.Lock()
	for id, seen := range w.lastSeen {
		if now.Sub(seen) > w.timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(w.lastSeen, id)
	}
	w.mu.Unlock()

	for _, id := range stale {
		w.logger.Warn().Str("node", string(id)).Dur("timeout", w.timeout).Msg("node missed heartbeat deadline, disposing")
		if w.dispose != nil {
			w.dispose(id)
		}
		metrics.NodesDisposedTotal.Inc()
	}
}
