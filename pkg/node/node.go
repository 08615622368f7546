// Package node models the chunk-management subsystem's view of a storage
// node, independent of the heartbeat RPC transport that actually talks to
// it.
package node

import (
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
)

// ID identifies a storage node. Heartbeat transport is out of scope; this
// is whatever stable identifier the cluster assigns.
type ID string

// ReplicaKey addresses one replica slot on a node: a chunk id, the medium
// it is stored on, and its replica index (0 for regular/journal, part
// index for erasure).
type ReplicaKey struct {
	ChunkID      chunkid.ID
	MediumIndex  int
	ReplicaIndex int
}

// ResourceUsage is a multi-dimensional resource charge: a job costs
// CPU-like slots plus, for Repair jobs, a memory-like buffer.
type ResourceUsage struct {
	Slots        int
	RepairBuffer int64
}

// Node is the chunk manager's view of one storage node.
type Node struct {
	mu sync.RWMutex

	ID     ID
	Rack   string
	DataCenter string

	Decommissioned       bool
	DisableWriteSessions bool
	ReportedHeartbeat    bool

	// Per-medium fill factor (used/(used+available)) and load factor
	// (session count + pending IO weight + recent hint count).
	fillFactor map[int]float64
	loadFactor map[int]float64

	// Per-medium consistent-placement token count.
	tokenCount map[int]int

	// stored/cached replica sets for this node, keyed by ReplicaKey so the
	// soundness invariant (at most one tuple per (node,medium,replica_index))
	// is enforced by map semantics.
	storedReplicas map[ReplicaKey]ReplicaState
	cachedReplicas map[ReplicaKey]ReplicaState

	// destroyedReplicas tracks replicas reported but unknown to the
	// registry, recorded as destroyed-replica on that node.
	destroyedReplicas map[ReplicaKey]bool

	// unapproved maps a freshly-added replica to the mutation timestamp
	// it was added at, for the ReplicaApproveTimeout sweep.
	unapproved map[ReplicaKey]time.Time

	// endorsements maps a chunk to the mutation revision it was endorsed at.
	endorsements map[chunkid.ID]uint64

	ResourceLimits ResourceUsage
	ResourceUsed   ResourceUsage
}

// ReplicaState is the per-replica lifecycle state.
type ReplicaState int

const (
	ReplicaGeneric ReplicaState = iota
	ReplicaActive
	ReplicaSealed
	ReplicaUnsealed
)

// New creates a node with empty replica/index state.
func New(id ID, rack, dc string) *Node {
	return &Node{
		ID:                id,
		Rack:              rack,
		DataCenter:        dc,
		fillFactor:        make(map[int]float64),
		loadFactor:        make(map[int]float64),
		tokenCount:        make(map[int]int),
		storedReplicas:    make(map[ReplicaKey]ReplicaState),
		cachedReplicas:    make(map[ReplicaKey]ReplicaState),
		destroyedReplicas: make(map[ReplicaKey]bool),
		unapproved:        make(map[ReplicaKey]time.Time),
		endorsements:      make(map[chunkid.ID]uint64),
	}
}

// FillFactor returns the node's fill factor for medium.
func (n *Node) FillFactor(medium int) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fillFactor[medium]
}

// SetFillFactor records the node's fill factor for medium.
func (n *Node) SetFillFactor(medium int, v float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fillFactor[medium] = v
}

// LoadFactor returns the node's load factor for medium.
func (n *Node) LoadFactor(medium int) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loadFactor[medium]
}

// SetLoadFactor records the node's load factor for medium.
func (n *Node) SetLoadFactor(medium int, v float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loadFactor[medium] = v
}

// BumpSessionHint increments the node's session-hint counter for medium,
// which feeds back into load factor so subsequent same-heartbeat choices
// see the freshly allocated session.
func (n *Node) BumpSessionHint(medium int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loadFactor[medium] += 1.0
}

// TokenCount returns the node's CRP token count for medium.
func (n *Node) TokenCount(medium int) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tokenCount[medium]
}

// SetTokenCount records the node's CRP token count for medium.
func (n *Node) SetTokenCount(medium int, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokenCount[medium] = count
}

// ClearTokenCounts wipes all CRP token counts, as node disposal requires.
func (n *Node) ClearTokenCounts() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokenCount = make(map[int]int)
}

// AddStoredReplica records a stored replica in state st, returning false
// if the tuple already existed (soundness invariant: at most one entry
// per (node,medium,replica_index)).
func (n *Node) AddStoredReplica(key ReplicaKey, st ReplicaState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.storedReplicas[key]; exists {
		return false
	}
	n.storedReplicas[key] = st
	return true
}

// AddCachedReplica records a cached replica (cache media never count
// toward replication factor).
func (n *Node) AddCachedReplica(key ReplicaKey, st ReplicaState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.cachedReplicas[key]; exists {
		return false
	}
	n.cachedReplicas[key] = st
	return true
}

// RemoveReplica removes a replica from both stored and cached sets.
func (n *Node) RemoveReplica(key ReplicaKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.storedReplicas, key)
	delete(n.cachedReplicas, key)
	delete(n.unapproved, key)
}

// HasReplica reports whether the node holds (stored or cached) the given
// replica key.
func (n *Node) HasReplica(key ReplicaKey) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if _, ok := n.storedReplicas[key]; ok {
		return true
	}
	_, ok := n.cachedReplicas[key]
	return ok
}

// StoredReplicaKeysForChunk returns every stored replica key for id on
// this node.
func (n *Node) StoredReplicaKeysForChunk(id chunkid.ID) []ReplicaKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []ReplicaKey
	for k := range n.storedReplicas {
		if k.ChunkID == id {
			out = append(out, k)
		}
	}
	return out
}

// AllReplicaKeys returns every stored and cached replica key on this node,
// used by node disposal which must remove everything regardless of chunk.
func (n *Node) AllReplicaKeys() []ReplicaKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ReplicaKey, 0, len(n.storedReplicas)+len(n.cachedReplicas))
	for k := range n.storedReplicas {
		out = append(out, k)
	}
	for k := range n.cachedReplicas {
		out = append(out, k)
	}
	return out
}

// MarkUnapproved records key as freshly added at timestamp ts.
func (n *Node) MarkUnapproved(key ReplicaKey, ts time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unapproved[key] = ts
}

// Approve clears the unapproved marker for key, if any, returning whether
// it had been unapproved.
func (n *Node) Approve(key ReplicaKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, wasUnapproved := n.unapproved[key]
	delete(n.unapproved, key)
	return wasUnapproved
}

// IsUnapproved reports whether key is currently unapproved on this node.
func (n *Node) IsUnapproved(key ReplicaKey) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.unapproved[key]
	return ok
}

// SweepUnapproved drops unapproved entries older than timeout as of now,
// and any whose chunk liveness check (isAlive) reports false. It returns
// the dropped keys.
func (n *Node) SweepUnapproved(now time.Time, timeout time.Duration, isAlive func(chunkid.ID) bool) []ReplicaKey {
	n.mu.Lock()
	defer n.mu.Unlock()
	var dropped []ReplicaKey
	for key, addedAt := range n.unapproved {
		if now.Sub(addedAt) > timeout || (isAlive != nil && !isAlive(key.ChunkID)) {
			delete(n.unapproved, key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

// MarkDestroyedReplica records a replica reported by a full heartbeat for
// an unknown chunk.
func (n *Node) MarkDestroyedReplica(key ReplicaKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.destroyedReplicas[key] = true
}

// ClearDestroyedReplica removes a destroyed-replica marker once the node
// has executed its removal.
func (n *Node) ClearDestroyedReplica(key ReplicaKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.destroyedReplicas, key)
}

// DestroyedReplicaCount returns the number of outstanding destroyed-replica
// markers.
func (n *Node) DestroyedReplicaCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.destroyedReplicas)
}

// Endorse records chunk as endorsed on this node at revision rev.
func (n *Node) Endorse(id chunkid.ID, rev uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endorsements[id] = rev
}

// ConfirmEndorsement clears the endorsement for id, as an echoed heartbeat
// requires.
func (n *Node) ConfirmEndorsement(id chunkid.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endorsements, id)
}

// EndorsedChunks returns every chunk id currently endorsed on this node.
func (n *Node) EndorsedChunks() []chunkid.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]chunkid.ID, 0, len(n.endorsements))
	for id := range n.endorsements {
		out = append(out, id)
	}
	return out
}

// ResetForFullHeartbeat clears all prior replica state for the node,
// as a full heartbeat requires.
func (n *Node) ResetForFullHeartbeat() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storedReplicas = make(map[ReplicaKey]ReplicaState)
	n.cachedReplicas = make(map[ReplicaKey]ReplicaState)
	n.destroyedReplicas = make(map[ReplicaKey]bool)
}

// ReplicaEntry is one (key, state) pair, the JSON-friendly form of a
// replica map entry (ReplicaKey is a struct and so cannot be a JSON object
// key directly).
type ReplicaEntry struct {
	Key   ReplicaKey   `json:"key"`
	State ReplicaState `json:"state"`
}

// TokenEntry is one (medium, count) pair, the JSON-friendly form of a
// token-count map entry.
type TokenEntry struct {
	Medium int `json:"medium"`
	Count  int `json:"count"`
}

// Record is the durable subset of a Node's state: identity, decommission
// flags, resource accounting, CRP token counts, and replica membership.
// Heartbeat-transient fields (fill/load factor, unapproved markers,
// destroyed-replica markers, endorsements) are rebuilt from the node's next
// heartbeat and are not persisted.
type Record struct {
	ID         ID     `json:"id"`
	Rack       string `json:"rack"`
	DataCenter string `json:"data_center"`

	Decommissioned       bool `json:"decommissioned"`
	DisableWriteSessions bool `json:"disable_write_sessions"`

	TokenCounts []TokenEntry `json:"token_counts,omitempty"`

	StoredReplicas []ReplicaEntry `json:"stored_replicas,omitempty"`
	CachedReplicas []ReplicaEntry `json:"cached_replicas,omitempty"`

	ResourceLimits ResourceUsage `json:"resource_limits"`
	ResourceUsed   ResourceUsage `json:"resource_used"`
}

// Export captures n's durable state as a Record, suitable for JSON
// persistence.
func (n *Node) Export() Record {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rec := Record{
		ID:                   n.ID,
		Rack:                 n.Rack,
		DataCenter:           n.DataCenter,
		Decommissioned:       n.Decommissioned,
		DisableWriteSessions: n.DisableWriteSessions,
		ResourceLimits:       n.ResourceLimits,
		ResourceUsed:         n.ResourceUsed,
	}
	for medium, count := range n.tokenCount {
		rec.TokenCounts = append(rec.TokenCounts, TokenEntry{Medium: medium, Count: count})
	}
	for k, v := range n.storedReplicas {
		rec.StoredReplicas = append(rec.StoredReplicas, ReplicaEntry{Key: k, State: v})
	}
	for k, v := range n.cachedReplicas {
		rec.CachedReplicas = append(rec.CachedReplicas, ReplicaEntry{Key: k, State: v})
	}
	return rec
}

// FromRecord rebuilds a Node from a persisted Record.
func FromRecord(rec Record) *Node {
	n := New(rec.ID, rec.Rack, rec.DataCenter)
	n.Decommissioned = rec.Decommissioned
	n.DisableWriteSessions = rec.DisableWriteSessions
	n.ResourceLimits = rec.ResourceLimits
	n.ResourceUsed = rec.ResourceUsed
	for _, t := range rec.TokenCounts {
		n.tokenCount[t.Medium] = t.Count
	}
	for _, r := range rec.StoredReplicas {
		n.storedReplicas[r.Key] = r.State
	}
	for _, r := range rec.CachedReplicas {
		n.cachedReplicas[r.Key] = r.State
	}
	return n
}

// Registry is a concurrency-safe collection of nodes. The automaton
// thread is still the only mutator of any individual Node's state; the
// registry itself only needs to protect the id -> *Node map.
type Registry struct {
	mu    sync.RWMutex
	nodes map[ID]*Node
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[ID]*Node)}
}

// Put inserts or replaces a node.
func (r *Registry) Put(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

// Get looks a node up by id.
func (r *Registry) Get(id ID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Remove deletes a node (used on node disposal).
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// List returns every node in the registry.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Snapshot captures every node's durable state.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Export())
	}
	return out
}

// Restore replaces the registry's entire node set from a snapshot.
func (r *Registry) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[ID]*Node, len(records))
	for _, rec := range records {
		r.nodes[rec.ID] = FromRecord(rec)
	}
}
