// Package chunktree implements the chunk registry and chunk-tree
// operations: chunks, chunk lists, chunk views, and dynamic stores, plus
// attach/detach and traversal over the tree they form.
package chunktree

import (
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/node"
)

// ReplicaTuple is one entry of a chunk's stored or cached replica list:
// a node, replica index, medium index, and lifecycle state.
type ReplicaTuple struct {
	Node         node.ID             `json:"node"`
	ReplicaIndex int                 `json:"replica_index"`
	MediumIndex  int                 `json:"medium_index"`
	State        node.ReplicaState   `json:"state"`
}

// ParentRef is a reference from a chunk or chunk list to a parent chunk
// list, with cardinality: parents form a multiset of chunk-list ids
// because a single chunk list may reference the same chunk more than
// once, so cardinality is explicit rather than folded into set
// membership.
type ParentRef struct {
	ChunkListID chunkid.ID `json:"chunk_list_id"`
	Cardinality int        `json:"cardinality"`
}

// Meta holds the attributes filled in by confirm_chunk.
type Meta struct {
	RowCount            int64             `json:"row_count,omitempty"`
	UncompressedDataSize int64            `json:"uncompressed_data_size,omitempty"`
	CompressedDataSize   int64            `json:"compressed_data_size,omitempty"`
	ErasureCodec         string           `json:"erasure_codec,omitempty"`
	HunkRefs             []chunkid.ID     `json:"hunk_refs,omitempty"`
	Ext                  map[string]string `json:"ext,omitempty"`
}

// Chunk is the atomic unit of the registry.
type Chunk struct {
	ID   chunkid.ID `json:"id"`
	Type chunkid.Type `json:"type"`

	Account string `json:"account"`

	// ReplicationFactor is the regular-chunk override; erasure chunks
	// always record 1 in their requisitions.
	ReplicationFactor int    `json:"replication_factor"`
	ErasureCodec      string `json:"erasure_codec,omitempty"`
	ReadQuorum        int    `json:"read_quorum,omitempty"`
	WriteQuorum       int    `json:"write_quorum,omitempty"`
	ReplicaLagLimit   int64  `json:"replica_lag_limit,omitempty"`
	Overlayed         bool   `json:"overlayed,omitempty"`
	Movable           bool   `json:"movable"`
	Vital             bool   `json:"vital"`

	// CRPHash is the 64-bit consistent-replica-placement hash; nonzero
	// means CRP-managed.
	CRPHash uint64 `json:"crp_hash,omitempty"`

	ExpirationTime time.Time `json:"expiration_time,omitempty"`

	LocalRequisitionIndex int           `json:"local_requisition_index"`
	ExternalRequisitionIndex map[string]int `json:"external_requisition_index,omitempty"`

	// ExportRefCount counts, per importing cell tag, how many times this
	// chunk has been exported to that cell; the external-requisition slot
	// for a cell is retired once its refcount reaches zero.
	ExportRefCount map[string]int `json:"export_ref_count,omitempty"`

	Parents []ParentRef `json:"parents,omitempty"`

	StoredReplicas []ReplicaTuple `json:"stored_replicas,omitempty"`
	CachedReplicas []ReplicaTuple `json:"cached_replicas,omitempty"`

	EndorsementRequired bool      `json:"endorsement_required,omitempty"`
	NodeWithEndorsement node.ID   `json:"node_with_endorsement,omitempty"`

	Confirmed bool `json:"confirmed"`
	Sealed    bool `json:"sealed"`
	Foreign   bool `json:"foreign"`

	Meta *Meta `json:"meta,omitempty"`

	// StagingTransactionID is nonzero while the chunk is staged and
	// unconfirmed.
	StagingTransactionID string `json:"staging_transaction_id,omitempty"`
}

// IsErasure reports whether the chunk's type forces replication_factor=1
// in its requisition entries.
func (c *Chunk) IsErasure() bool {
	return c.Type == chunkid.TypeErasure || c.Type == chunkid.TypeErasureJournal
}

// IsJournal reports whether the chunk is a journal (or erasure-journal)
// chunk, which alone may carry Overlayed/ReplicaLagLimit semantics and
// remains unsealed until the sealer runs.
func (c *Chunk) IsJournal() bool {
	return c.Type == chunkid.TypeJournal || c.Type == chunkid.TypeErasureJournal
}

// AddParent bumps the cardinality of listID in Parents, adding a new
// ParentRef if this is the first reference.
func (c *Chunk) AddParent(listID chunkid.ID) {
	for i := range c.Parents {
		if c.Parents[i].ChunkListID == listID {
			c.Parents[i].Cardinality++
			return
		}
	}
	c.Parents = append(c.Parents, ParentRef{ChunkListID: listID, Cardinality: 1})
}

// RemoveParent decrements the cardinality of listID, dropping the entry
// entirely once it reaches zero. Returns the chunk's total parent
// cardinality across all lists after the removal, used to decide whether
// the chunk should be destroyed.
func (c *Chunk) RemoveParent(listID chunkid.ID) int {
	total := 0
	out := c.Parents[:0]
	for _, p := range c.Parents {
		if p.ChunkListID == listID {
			p.Cardinality--
			if p.Cardinality <= 0 {
				continue
			}
		}
		out = append(out, p)
		total += p.Cardinality
	}
	c.Parents = out
	return total
}

// ParentCount returns the total reference count across all parent lists.
func (c *Chunk) ParentCount() int {
	total := 0
	for _, p := range c.Parents {
		total += p.Cardinality
	}
	return total
}

// HasReplicaTuple reports whether (node,medium,replicaIndex) already
// appears in StoredReplicas, enforcing the at-most-one-tuple soundness
// invariant.
func (c *Chunk) HasReplicaTuple(n node.ID, medium, replicaIndex int) bool {
	for _, r := range c.StoredReplicas {
		if r.Node == n && r.MediumIndex == medium && r.ReplicaIndex == replicaIndex {
			return true
		}
	}
	return false
}

// ApprovedReplicaCount counts stored replicas whose state is not
// Generic-but-unapproved; callers pass in the per-node unapproved
// predicate since node state lives in pkg/node.
func (c *Chunk) ApprovedReplicaCount(isUnapproved func(n node.ID, medium, replicaIndex int) bool) int {
	count := 0
	for _, r := range c.StoredReplicas {
		if !isUnapproved(r.Node, r.MediumIndex, r.ReplicaIndex) {
			count++
		}
	}
	return count
}
