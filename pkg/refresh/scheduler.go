package refresh

import (
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/metrics"
)

var refreshLog = log.WithComponent("refresh")

// HealthSets holds the global hash-sets health-alerting depends on:
// membership toggles on every refresh, cardinality feeds metrics.
type HealthSets struct {
	mu sync.RWMutex

	lost                    map[chunkid.ID]bool
	lostVital               map[chunkid.ID]bool
	overreplicated          map[chunkid.ID]bool
	underreplicated         map[chunkid.ID]bool
	dataMissing             map[chunkid.ID]bool
	parityMissing           map[chunkid.ID]bool
	quorumMissing           map[chunkid.ID]bool
	unsafelyPlaced          map[chunkid.ID]bool
	inconsistentlyPlaced    map[chunkid.ID]bool
	precarious              map[chunkid.ID]bool
	precariousVital         map[chunkid.ID]bool

	broker *events.Broker
}

// NewHealthSets creates empty health sets, optionally publishing
// transitions to broker (nil is fine -- publishing is then a no-op).
func NewHealthSets(broker *events.Broker) *HealthSets {
	return &HealthSets{
		lost:                 make(map[chunkid.ID]bool),
		lostVital:            make(map[chunkid.ID]bool),
		overreplicated:       make(map[chunkid.ID]bool),
		underreplicated:      make(map[chunkid.ID]bool),
		dataMissing:          make(map[chunkid.ID]bool),
		parityMissing:        make(map[chunkid.ID]bool),
		quorumMissing:        make(map[chunkid.ID]bool),
		unsafelyPlaced:       make(map[chunkid.ID]bool),
		inconsistentlyPlaced: make(map[chunkid.ID]bool),
		precarious:           make(map[chunkid.ID]bool),
		precariousVital:      make(map[chunkid.ID]bool),
		broker:               broker,
	}
}

func toggle(set map[chunkid.ID]bool, id chunkid.ID, member bool) {
	if member {
		set[id] = true
	} else {
		delete(set, id)
	}
}

// Apply updates every health set's membership for res's chunk according
// to its flags, and for the resulting global state, re-exports cardinalities
// to pkg/metrics.
func (h *HealthSets) Apply(res Result, vital bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lost := res.Global.Has(FlagLost)
	toggle(h.lost, res.ChunkID, lost)
	toggle(h.lostVital, res.ChunkID, lost && vital)
	toggle(h.overreplicated, res.ChunkID, res.Global.Has(FlagOverreplicated))
	toggle(h.underreplicated, res.ChunkID, res.Global.Has(FlagUnderreplicated))
	toggle(h.dataMissing, res.ChunkID, res.Global.Has(FlagDataMissing))
	toggle(h.parityMissing, res.ChunkID, res.Global.Has(FlagParityMissing))
	toggle(h.quorumMissing, res.ChunkID, res.Global.Has(FlagQuorumMissing))
	toggle(h.unsafelyPlaced, res.ChunkID, res.Global.Has(FlagUnsafelyPlaced))
	toggle(h.inconsistentlyPlaced, res.ChunkID, res.Global.Has(FlagInconsistentlyPlaced))
	precarious := res.Global.Has(FlagPrecarious)
	toggle(h.precarious, res.ChunkID, precarious)
	toggle(h.precariousVital, res.ChunkID, precarious && vital)

	if lost && h.broker != nil {
		h.broker.Publish(&events.Event{Type: events.EventChunkLost, ChunkID: res.ChunkID.String()})
	}

	h.exportMetricsLocked()
}

func (h *HealthSets) exportMetricsLocked() {
	metrics.ChunksLost.Set(float64(len(h.lost)))
	metrics.ChunksLostVital.Set(float64(len(h.lostVital)))
	metrics.ChunksOverreplicated.Set(float64(len(h.overreplicated)))
	metrics.ChunksUnderreplicated.Set(float64(len(h.underreplicated)))
	metrics.ChunksDataMissing.Set(float64(len(h.dataMissing)))
	metrics.ChunksParityMissing.Set(float64(len(h.parityMissing)))
	metrics.ChunksQuorumMissing.Set(float64(len(h.quorumMissing)))
	metrics.ChunksUnsafelyPlaced.Set(float64(len(h.unsafelyPlaced)))
	metrics.ChunksInconsistentlyPlaced.Set(float64(len(h.inconsistentlyPlaced)))
	metrics.ChunksPrecarious.Set(float64(len(h.precarious)))
	metrics.ChunksPrecariousVital.Set(float64(len(h.precariousVital)))
}

// Sizes returns every health set's current cardinality, keyed by name,
// implementing the HealthSetSource contract pkg/metrics' collector expects.
func (h *HealthSets) Sizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"lost":                     len(h.lost),
		"lost_vital":               len(h.lostVital),
		"overreplicated":           len(h.overreplicated),
		"underreplicated":          len(h.underreplicated),
		"data_missing":             len(h.dataMissing),
		"parity_missing":           len(h.parityMissing),
		"quorum_missing":           len(h.quorumMissing),
		"unsafely_placed":          len(h.unsafelyPlaced),
		"inconsistently_placed":    len(h.inconsistentlyPlaced),
		"precarious":               len(h.precarious),
		"precarious_vital":         len(h.precariousVital),
	}
}

// Remove drops id from every health set (chunk destroyed).
func (h *HealthSets) Remove(id chunkid.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range []map[chunkid.ID]bool{
		h.lost, h.lostVital, h.overreplicated, h.underreplicated, h.dataMissing,
		h.parityMissing, h.quorumMissing, h.unsafelyPlaced, h.inconsistentlyPlaced,
		h.precarious, h.precariousVital,
	} {
		delete(set, id)
	}
	h.exportMetricsLocked()
}

// scanEntry is one intrusive-list-style scan cursor entry.
type scanEntry struct {
	chunkID   chunkid.ID
	dueAt     time.Time
	scheduled bool
}

// Scanner is one of the two independent refresh scanners (blob, journal)
// rather than a single merged scanner, so each kind scans at its own pace.
type Scanner struct {
	mu    sync.Mutex
	order []chunkid.ID
	byID  map[chunkid.ID]*scanEntry
}

// NewScanner creates an empty scan cursor.
func NewScanner() *Scanner {
	return &Scanner{byID: make(map[chunkid.ID]*scanEntry)}
}

// Schedule implements schedule_chunk_refresh: sets the scan flag and
// enqueues a delayed token at now+delay, tolerating a chunk already
// scheduled (no duplicate entry).
func (s *Scanner) Schedule(id chunkid.ID, now time.Time, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok && e.scheduled {
		return
	}
	e := &scanEntry{chunkID: id, dueAt: now.Add(delay), scheduled: true}
	s.byID[id] = e
	s.order = append(s.order, id)
}

// Due pops up to maxCount entries whose delay has elapsed, skipping (and
// dropping) stale entries for ids isLive reports as gone.
func (s *Scanner) Due(now time.Time, maxCount int, isLive func(chunkid.ID) bool) []chunkid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chunkid.ID
	var remaining []chunkid.ID
	for _, id := range s.order {
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		if isLive != nil && !isLive(id) {
			delete(s.byID, id)
			refreshLog.Debug().Str("chunk_id", id.String()).Msg("dropping stale refresh scan entry")
			continue
		}
		if len(out) >= maxCount || e.dueAt.After(now) {
			remaining = append(remaining, id)
			continue
		}
		out = append(out, id)
		delete(s.byID, id)
	}
	s.order = remaining
	return out
}

// Len reports how many chunks are currently scheduled.
func (s *Scanner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// PriorityClamp maps a replica count to a bounded priority bucket: fewer
// existing replicas get a higher (lower-numbered) priority.
func PriorityClamp(currentReplicaCount, priorityCount int) int {
	p := currentReplicaCount - 1
	if p < 0 {
		p = 0
	}
	if p > priorityCount-1 {
		p = priorityCount - 1
	}
	return p
}
