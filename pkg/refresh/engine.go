package refresh

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/placement"
	"github.com/cuemby/chunkmaster/pkg/requisition"
)

// ErasureLayout reports a codec's data/total part split, used to turn a
// chunk's erasure codec name into the counts ComputeErasure needs.
type ErasureLayout func(codec string) (dataParts, totalParts int)

// EngineConfig bundles the Engine's tunables.
type EngineConfig struct {
	MaxChunksPerRefresh      int
	ChunkRefreshDelay        time.Duration
	ReplicationPriorityCount int
	MaxReplicasPerRack       int
	DefaultReplicationFactor int
}

// Engine ties the scanners, per-medium status computation, cross-medium
// rollup, health sets, and job-controller work-queue pushes into one
// per-chunk refresh operation.
type Engine struct {
	tree    *chunktree.Registry
	nodes   *node.Registry
	reqs    *requisition.Registry
	jobs    *jobcontroller.Registry
	health  *HealthSets
	crpMu   sync.RWMutex
	crp     map[int]*placement.CRPRing
	layout  ErasureLayout
	cfg     EngineConfig

	Blob    *Scanner
	Journal *Scanner
}

// NewEngine creates a refresh engine. crp maps a medium index to its CRP
// ring; a nil or missing entry disables CRP consistency checks for that
// medium. layout resolves an erasure codec name to its part counts; nil
// leaves both counts at zero, so erasure chunks then get no part-missing
// flags and no replication requests.
func NewEngine(tree *chunktree.Registry, nodes *node.Registry, reqs *requisition.Registry, jobs *jobcontroller.Registry, broker *events.Broker, crp map[int]*placement.CRPRing, layout ErasureLayout, cfg EngineConfig) *Engine {
	return &Engine{
		tree:    tree,
		nodes:   nodes,
		reqs:    reqs,
		jobs:    jobs,
		health:  NewHealthSets(broker),
		crp:     crp,
		layout:  layout,
		cfg:     cfg,
		Blob:    NewScanner(),
		Journal: NewScanner(),
	}
}

// Health exposes the engine's health sets (cardinality metrics, membership
// queries).
func (e *Engine) Health() *HealthSets { return e.health }

// SetCRPRing installs the current ring for medium, replacing whatever ring
// was there before. Called by the periodic CRP rebuild pass; a medium with
// no CRP-managed chunks simply never gets a ring and every check against
// e.crp[medium] below falls through.
func (e *Engine) SetCRPRing(medium int, ring *placement.CRPRing) {
	e.crpMu.Lock()
	defer e.crpMu.Unlock()
	if e.crp == nil {
		e.crp = make(map[int]*placement.CRPRing)
	}
	e.crp[medium] = ring
}

func (e *Engine) scannerFor(c *chunktree.Chunk) *Scanner {
	if c.IsJournal() {
		return e.Journal
	}
	return e.Blob
}

// ScheduleChunkRefresh enqueues id on the scanner matching its chunk type.
func (e *Engine) ScheduleChunkRefresh(id chunkid.ID, now time.Time) {
	c, err := e.tree.GetChunk(id)
	if err != nil {
		return
	}
	e.scannerFor(c).Schedule(id, now, e.cfg.ChunkRefreshDelay)
}

// ScheduleNodeRefresh re-enqueues every chunk the node currently reports a
// replica for, as a full heartbeat or disposal requires.
func (e *Engine) ScheduleNodeRefresh(n *node.Node, now time.Time) {
	for _, key := range n.AllReplicaKeys() {
		e.ScheduleChunkRefresh(key.ChunkID, now)
	}
}

func (e *Engine) isLive(id chunkid.ID) bool {
	_, err := e.tree.GetChunk(id)
	return err == nil
}

// ProcessDue drains both scanners' due entries and refreshes each chunk,
// returning the number of chunks refreshed.
func (e *Engine) ProcessDue(now time.Time) int {
	due := e.Blob.Due(now, e.cfg.MaxChunksPerRefresh, e.isLive)
	due = append(due, e.Journal.Due(now, e.cfg.MaxChunksPerRefresh, e.isLive)...)
	for _, id := range due {
		e.Refresh(id, now)
	}
	return len(due)
}

// Refresh recomputes one chunk's status, updates the global health sets,
// and pushes any resulting work onto the job controller's per-node queues
// (skipped if the chunk already has jobs in flight on that node).
func (e *Engine) Refresh(id chunkid.ID, now time.Time) {
	c, err := e.tree.GetChunk(id)
	if err != nil {
		e.health.Remove(id)
		return
	}

	req, _ := e.reqs.Get(c.LocalRequisitionIndex)
	byMedium := e.groupByMedium(c)
	for _, entry := range req.Entries {
		if _, ok := byMedium[entry.MediumIndex]; !ok {
			byMedium[entry.MediumIndex] = nil
		}
	}

	var perMedium []MediumStatus
	for medium, replicas := range byMedium {
		rf := requiredReplicationFactor(req, medium, e.cfg.DefaultReplicationFactor)
		view := MediumView{
			Medium:                    medium,
			RequiredReplicationFactor: rf,
			ReadQuorum:                c.ReadQuorum,
			Replicas:                  replicas,
			MaxReplicasPerRack:        e.cfg.MaxReplicasPerRack,
		}
		e.crpMu.RLock()
		ring, ok := e.crp[medium]
		e.crpMu.RUnlock()
		if ok && c.CRPHash != 0 {
			view.CRPTargets = ring.Targets(c.CRPHash, rf)
		}

		var ms MediumStatus
		switch {
		case c.IsErasure():
			dataParts, totalParts := 0, 0
			if e.layout != nil {
				dataParts, totalParts = e.layout(c.ErasureCodec)
			}
			view.DataPartCount = dataParts
			view.TotalPartCount = totalParts
			ms = ComputeErasure(view, nil)
		case c.IsJournal():
			ms = ComputeJournal(view, c.Sealed)
		default:
			ms = ComputeRegular(view)
		}
		perMedium = append(perMedium, ms)
	}

	result := Rollup(id, perMedium, false, false)
	e.health.Apply(result, c.Vital)
	e.dispatchWork(c, result)
}

func (e *Engine) groupByMedium(c *chunktree.Chunk) map[int][]ReplicaView {
	byMedium := make(map[int][]ReplicaView)
	for _, rt := range c.StoredReplicas {
		rv := ReplicaView{
			Node:         rt.Node,
			ReplicaIndex: rt.ReplicaIndex,
			Sealed:       rt.State == node.ReplicaSealed,
		}
		if n, ok := e.nodes.Get(rt.Node); ok {
			rv.Rack = n.Rack
			rv.Decommissioned = n.Decommissioned
			rv.Approved = !n.IsUnapproved(node.ReplicaKey{ChunkID: c.ID, MediumIndex: rt.MediumIndex, ReplicaIndex: rt.ReplicaIndex})
		} else {
			rv.Approved = true
		}
		byMedium[rt.MediumIndex] = append(byMedium[rt.MediumIndex], rv)
	}
	return byMedium
}

// requiredReplicationFactor looks up medium's replication factor from the
// chunk's requisition, falling back to the cell-wide default (CRP's
// replicas-per-chunk) when the requisition carries no entry for medium at
// all — an unwritten medium on an otherwise-requisitioned chunk.
func requiredReplicationFactor(req requisition.Requisition, medium int, fallback int) int {
	for _, e := range req.Entries {
		if e.MediumIndex == medium {
			return e.ReplicationFactor
		}
	}
	return fallback
}

// dispatchWork turns a refresh result into per-node job-controller pushes,
// skipped entirely if the chunk already has jobs running on that node.
func (e *Engine) dispatchWork(c *chunktree.Chunk, result Result) {
	for _, ms := range result.PerMedium {
		requests := append([]ReplicationRequest(nil), ms.ReplicationRequests...)
		sort.Slice(requests, func(i, j int) bool {
			return PriorityClamp(ms.ReplicaCount[requests[i].ReplicaIndex], e.cfg.ReplicationPriorityCount) <
				PriorityClamp(ms.ReplicaCount[requests[j].ReplicaIndex], e.cfg.ReplicationPriorityCount)
		})
		for _, req := range requests {
			for _, rt := range c.StoredReplicas {
				if rt.MediumIndex != ms.Medium || rt.ReplicaIndex != req.ReplicaIndex {
					continue
				}
				if e.hasRunningJob(rt.Node, c.ID) {
					continue
				}
				e.jobs.Enqueue(rt.Node, jobcontroller.PendingWork{
					Type:    jobcontroller.TypeReplicate,
					ChunkID: c.ID,
					Targets: []node.ID{rt.Node},
					Usage:   node.ResourceUsage{Slots: 1},
				})
			}
		}
		for _, rem := range ms.DecommissionedRemovalRequests {
			if e.hasRunningJob(rem.Node, c.ID) {
				continue
			}
			e.jobs.Enqueue(rem.Node, jobcontroller.PendingWork{Type: jobcontroller.TypeRemove, ChunkID: c.ID})
		}
		if ms.Status.Has(FlagSealed) {
			for _, rt := range c.StoredReplicas {
				if rt.MediumIndex != ms.Medium || rt.State != node.ReplicaUnsealed || e.hasRunningJob(rt.Node, c.ID) {
					continue
				}
				e.jobs.Enqueue(rt.Node, jobcontroller.PendingWork{Type: jobcontroller.TypeSeal, ChunkID: c.ID})
			}
		}
		if (ms.Status.Has(FlagDataMissing) || ms.Status.Has(FlagParityMissing)) && !ms.Status.Has(FlagLost) {
			for _, rt := range c.StoredReplicas {
				if rt.MediumIndex != ms.Medium || e.hasRunningJob(rt.Node, c.ID) {
					continue
				}
				e.jobs.Enqueue(rt.Node, jobcontroller.PendingWork{Type: jobcontroller.TypeRepair, ChunkID: c.ID})
			}
		}
	}
}

func (e *Engine) hasRunningJob(n node.ID, id chunkid.ID) bool {
	for _, j := range e.jobs.JobsForNode(n) {
		if j.ChunkID == id && !j.State.Terminal() {
			return true
		}
	}
	return false
}
