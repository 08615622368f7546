// Package replica implements the replica state machine and heartbeat
// processing layered on pkg/node's data structures and pkg/chunktree's
// chunk registry: full/incremental heartbeat application, node disposal,
// ally-replica announcement mode selection, and endorsement assignment.
package replica

import (
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/node"
)

var replicaLog = log.WithComponent("replica")

// AnnouncementMode is the ally-replica announcement timing chosen after a
// heartbeat.
type AnnouncementMode int

const (
	ModeImmediate AnnouncementMode = iota
	ModeDelayed
	ModeLazy
)

func (m AnnouncementMode) String() string {
	switch m {
	case ModeImmediate:
		return "immediate"
	case ModeDelayed:
		return "delayed"
	default:
		return "lazy"
	}
}

// ClusterStability carries the two signals that choose an announcement
// mode: how many nodes are online, and how many vital chunks are lost.
type ClusterStability struct {
	OnlineNodeCount        int
	OnlineNodeThreshold    int
	LostVitalChunkCount    int
	LostVitalChunkMax      int
}

// Stable reports whether the cluster is healthy enough for Immediate mode.
func (s ClusterStability) Stable() bool {
	return s.OnlineNodeCount >= s.OnlineNodeThreshold && s.LostVitalChunkCount <= s.LostVitalChunkMax
}

// Engine runs the replica state machine against a node registry and a
// chunk-tree registry, publishing health-relevant events to a broker.
type Engine struct {
	nodes  *node.Registry
	tree   *chunktree.Registry
	broker *events.Broker

	approveTimeout time.Duration

	// onReplicaChanged is invoked for every chunk whose replica set
	// changed, letting the refresh engine enqueue it.
	onReplicaChanged func(chunkid.ID)
}

// NewEngine creates a replica state machine engine.
func NewEngine(nodes *node.Registry, tree *chunktree.Registry, broker *events.Broker, approveTimeout time.Duration, onReplicaChanged func(chunkid.ID)) *Engine {
	return &Engine{
		nodes:            nodes,
		tree:             tree,
		broker:           broker,
		approveTimeout:   approveTimeout,
		onReplicaChanged: onReplicaChanged,
	}
}

// ReportedReplica is one replica entry as reported by a node heartbeat.
type ReportedReplica struct {
	ChunkID      chunkid.ID
	MediumIndex  int
	ReplicaIndex int
	State        node.ReplicaState
	Cache        bool
}

func (e *Engine) notify(id chunkid.ID) {
	if e.onReplicaChanged != nil {
		e.onReplicaChanged(id)
	}
}

// ApplyFullHeartbeat resets all prior replica state for n, then for each
// reported replica, either records a destroyed-replica (chunk unknown) or
// adds it approved.
func (e *Engine) ApplyFullHeartbeat(n *node.Node, replicas []ReportedReplica) {
	n.ResetForFullHeartbeat()

	for _, rep := range replicas {
		key := node.ReplicaKey{ChunkID: rep.ChunkID, MediumIndex: rep.MediumIndex, ReplicaIndex: rep.ReplicaIndex}
		c, err := e.tree.GetChunk(rep.ChunkID)
		if err != nil {
			n.MarkDestroyedReplica(key)
			continue
		}
		if rep.Cache {
			n.AddCachedReplica(key, rep.State)
		} else {
			n.AddStoredReplica(key, rep.State)
			if !c.HasReplicaTuple(n.ID, rep.MediumIndex, rep.ReplicaIndex) {
				c.StoredReplicas = append(c.StoredReplicas, chunktree.ReplicaTuple{
					Node: n.ID, MediumIndex: rep.MediumIndex, ReplicaIndex: rep.ReplicaIndex, State: rep.State,
				})
			}
		}
		e.notify(rep.ChunkID)
	}
}

// IncrementalHeartbeat bundles an incremental heartbeat's three phases,
// applied in order: added before removed before the unapproved sweep.
type IncrementalHeartbeat struct {
	Added                []ReportedReplica
	Removed              []ReportedReplica
	ConfirmedEndorsements []chunkid.ID
	Now                  time.Time
	ChunkAlive           func(chunkid.ID) bool
}

// ApplyIncrementalHeartbeat applies an incremental heartbeat's added,
// removed, and confirmed-endorsement phases, then sweeps stale
// unapproved entries.
func (e *Engine) ApplyIncrementalHeartbeat(n *node.Node, hb IncrementalHeartbeat) []node.ReplicaKey {
	for _, rep := range hb.Added {
		key := node.ReplicaKey{ChunkID: rep.ChunkID, MediumIndex: rep.MediumIndex, ReplicaIndex: rep.ReplicaIndex}
		if n.IsUnapproved(key) {
			n.Approve(key)
		} else if rep.Cache {
			n.AddCachedReplica(key, rep.State)
		} else {
			n.AddStoredReplica(key, rep.State)
		}
		e.notify(rep.ChunkID)
	}

	for _, rep := range hb.Removed {
		key := node.ReplicaKey{ChunkID: rep.ChunkID, MediumIndex: rep.MediumIndex, ReplicaIndex: rep.ReplicaIndex}
		n.RemoveReplica(key)
		if c, err := e.tree.GetChunk(rep.ChunkID); err == nil {
			for i, rt := range c.StoredReplicas {
				if rt.Node == n.ID && rt.MediumIndex == rep.MediumIndex && rt.ReplicaIndex == rep.ReplicaIndex {
					c.StoredReplicas = append(c.StoredReplicas[:i], c.StoredReplicas[i+1:]...)
					break
				}
			}
		}
		e.notify(rep.ChunkID)
	}

	for _, id := range hb.ConfirmedEndorsements {
		n.ConfirmEndorsement(id)
	}

	now := hb.Now
	if now.IsZero() {
		now = time.Now()
	}
	return n.SweepUnapproved(now, e.approveTimeout, hb.ChunkAlive)
}

// Dispose removes every replica on n, re-schedules endorsement for every
// chunk that was endorsed on n, and clears n's CRP token counts. Returns
// the chunks that need a new endorsement assigned.
func (e *Engine) Dispose(n *node.Node) (needsEndorsement []chunkid.ID) {
	endorsed := n.EndorsedChunks()
	for _, id := range endorsed {
		n.ConfirmEndorsement(id)
		needsEndorsement = append(needsEndorsement, id)
	}

	for _, key := range n.AllReplicaKeys() {
		n.RemoveReplica(key)
	}
	n.ClearTokenCounts()

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventNodeDisposed,
			NodeID:  string(n.ID),
			Message: "node disposed: " + string(n.ID),
		})
	}
	return needsEndorsement
}

// ChooseAnnouncementMode picks the announcement mode for a chunk that
// just gained a replica.
func ChooseAnnouncementMode(stability ClusterStability, exactlyReplicated bool) AnnouncementMode {
	if !stability.Stable() {
		return ModeLazy
	}
	if exactlyReplicated {
		return ModeImmediate
	}
	return ModeDelayed
}

// IsExactlyReplicatedByApprovedReplicas reports whether a chunk's
// approved replica count equals the aggregated physical replication
// factor.
func IsExactlyReplicatedByApprovedReplicas(c *chunktree.Chunk, isUnapproved func(n node.ID, medium, replicaIndex int) bool, aggregatedRF int) bool {
	return c.ApprovedReplicaCount(isUnapproved) == aggregatedRF
}

// AssignEndorsement picks the surviving replica with the highest node id
// and records {chunk -> revision} on that node.
func AssignEndorsement(c *chunktree.Chunk, nodes *node.Registry, revision uint64) (node.ID, bool) {
	var best node.ID
	found := false
	for _, rt := range c.StoredReplicas {
		if !found || rt.Node > best {
			best = rt.Node
			found = true
		}
	}
	if !found {
		return "", false
	}
	n, ok := nodes.Get(best)
	if !ok {
		return "", false
	}
	n.Endorse(c.ID, revision)
	c.EndorsementRequired = true
	c.NodeWithEndorsement = best
	return best, true
}

// AlertOnEndorsementMismatch checks the invariant that a chunk's
// node_with_endorsement back-pointer matches the node's own endorsement
// map entry, alerting rather than crashing on mismatch.
func AlertOnEndorsementMismatch(c *chunktree.Chunk, nodes *node.Registry) {
	if c.NodeWithEndorsement == "" {
		return
	}
	n, ok := nodes.Get(c.NodeWithEndorsement)
	if !ok {
		return
	}
	for _, id := range n.EndorsedChunks() {
		if id == c.ID {
			return
		}
	}
	log.Alert(replicaLog, "endorsement back-pointer does not match node's endorsement map for chunk "+c.ID.String())
}
