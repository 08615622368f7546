package chunktree

import (
	"github.com/cuemby/chunkmaster/pkg/chunkid"
)

// ChunkListKind enumerates the closed set of chunk-list kinds.
type ChunkListKind string

const (
	KindStatic                 ChunkListKind = "Static"
	KindSortedDynamicRoot      ChunkListKind = "SortedDynamicRoot"
	KindSortedDynamicTablet    ChunkListKind = "SortedDynamicTablet"
	KindSortedDynamicSubtablet ChunkListKind = "SortedDynamicSubtablet"
	KindOrderedDynamicRoot     ChunkListKind = "OrderedDynamicRoot"
	KindOrderedDynamicTablet   ChunkListKind = "OrderedDynamicTablet"
	KindHunk                   ChunkListKind = "Hunk"
	KindHunkRoot               ChunkListKind = "HunkRoot"
)

// ChildKind tags which of the closed {Chunk, ChunkList, ChunkView,
// DynamicStore} variant a ChildRef points at: every traversal dispatches
// on this runtime tag.
type ChildKind int

const (
	ChildChunk ChildKind = iota
	ChildChunkList
	ChildChunkView
	ChildDynamicStore
)

// ChildRef is one ordered entry of a chunk list's children.
type ChildRef struct {
	Kind ChildKind  `json:"kind"`
	ID   chunkid.ID `json:"id"`
}

// Statistics are the aggregated stats a chunk list accumulates over its
// children.
type Statistics struct {
	RowCount             int64 `json:"row_count"`
	ChunkCount           int64 `json:"chunk_count"`
	UncompressedDataSize int64 `json:"uncompressed_data_size"`
	CompressedDataSize   int64 `json:"compressed_data_size"`
	Rank                 int   `json:"rank"`
}

// Add accumulates delta into s in place.
func (s *Statistics) Add(delta Statistics) {
	s.RowCount += delta.RowCount
	s.ChunkCount += delta.ChunkCount
	s.UncompressedDataSize += delta.UncompressedDataSize
	s.CompressedDataSize += delta.CompressedDataSize
	if delta.Rank > s.Rank {
		s.Rank = delta.Rank
	}
}

// Sub removes delta from s in place (used by detach).
func (s *Statistics) Sub(delta Statistics) {
	s.RowCount -= delta.RowCount
	s.ChunkCount -= delta.ChunkCount
	s.UncompressedDataSize -= delta.UncompressedDataSize
	s.CompressedDataSize -= delta.CompressedDataSize
}

// ChunkList is an ordered tree node grouping chunks and other chunk-list
// children.
type ChunkList struct {
	ID   chunkid.ID    `json:"id"`
	Kind ChunkListKind `json:"kind"`

	Children []ChildRef  `json:"children"`
	Parents  []ParentRef `json:"parents,omitempty"`

	// OwningNodes is populated only at tree roots (never mid-tree), per
	// original_source/cypress_integration.cpp's owning_nodes semantics.
	OwningNodes map[string]bool `json:"owning_nodes,omitempty"`

	Statistics           Statistics `json:"statistics"`
	CumulativeStatistics []Statistics `json:"cumulative_statistics,omitempty"`

	PivotKey          string `json:"pivot_key,omitempty"`
	TrimmedChildCount int    `json:"trimmed_child_count,omitempty"`

	// Version increments on every mutation.
	Version uint64 `json:"version"`
}

// NewChunkList creates an empty chunk list of the given kind.
func NewChunkList(id chunkid.ID, kind ChunkListKind) *ChunkList {
	return &ChunkList{ID: id, Kind: kind}
}

// AddParent bumps the cardinality of a parent reference (a chunk list may
// itself be a child of another chunk list).
func (cl *ChunkList) AddParent(listID chunkid.ID) {
	for i := range cl.Parents {
		if cl.Parents[i].ChunkListID == listID {
			cl.Parents[i].Cardinality++
			return
		}
	}
	cl.Parents = append(cl.Parents, ParentRef{ChunkListID: listID, Cardinality: 1})
}

// RemoveParent decrements the cardinality of a parent reference, dropping
// it once it reaches zero, and returns the remaining total.
func (cl *ChunkList) RemoveParent(listID chunkid.ID) int {
	total := 0
	out := cl.Parents[:0]
	for _, p := range cl.Parents {
		if p.ChunkListID == listID {
			p.Cardinality--
			if p.Cardinality <= 0 {
				continue
			}
		}
		out = append(out, p)
		total += p.Cardinality
	}
	cl.Parents = out
	return total
}

// ParentCount returns the total parent reference count.
func (cl *ChunkList) ParentCount() int {
	total := 0
	for _, p := range cl.Parents {
		total += p.Cardinality
	}
	return total
}

// RefCount returns parent-ref count plus owning-node count, the quantity
// that must reach zero before a chunk list is destroyed.
func (cl *ChunkList) RefCount() int {
	return cl.ParentCount() + len(cl.OwningNodes)
}

// ChunkView is a modifier over an underlying chunk, dynamic store, or
// other chunk view. Composition is always collapsed eagerly so
// Underlying never itself points at a ChunkView.
type ChunkView struct {
	ID         chunkid.ID `json:"id"`
	Underlying chunkid.ID `json:"underlying"`

	ReadRangeLower string `json:"read_range_lower,omitempty"`
	ReadRangeUpper string `json:"read_range_upper,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`

	Parents []ParentRef `json:"parents,omitempty"`
}

// DynamicStore is an in-memory, tablet-owned placeholder, eventually
// flushed into a real chunk.
type DynamicStore struct {
	ID            chunkid.ID `json:"id"`
	FlushedChunk  chunkid.ID `json:"flushed_chunk,omitempty"`
	Flushed       bool       `json:"flushed"`

	Parents []ParentRef `json:"parents,omitempty"`
}
