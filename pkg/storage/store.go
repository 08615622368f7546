package storage

import (
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/requisition"
)

// Store defines the durable persistence interface for the chunk manager's
// registries: chunks, chunk lists, chunk views, dynamic stores, nodes, and
// interned requisitions. It is the Raft FSM's durability mirror, not a
// cache in front of the in-memory registries. pkg/manager never reads it
// back; on restart the registries are rebuilt by Raft's snapshot restore
// and log replay.
type Store interface {
	// Chunks
	PutChunk(c *chunktree.Chunk) error
	GetChunk(id string) (*chunktree.Chunk, error)
	ListChunks() ([]*chunktree.Chunk, error)
	DeleteChunk(id string) error

	// Chunk lists
	PutChunkList(cl *chunktree.ChunkList) error
	GetChunkList(id string) (*chunktree.ChunkList, error)
	ListChunkLists() ([]*chunktree.ChunkList, error)
	DeleteChunkList(id string) error

	// Chunk views
	PutChunkView(cv *chunktree.ChunkView) error
	ListChunkViews() ([]*chunktree.ChunkView, error)
	DeleteChunkView(id string) error

	// Dynamic stores
	PutDynamicStore(ds *chunktree.DynamicStore) error
	ListDynamicStores() ([]*chunktree.DynamicStore, error)
	DeleteDynamicStore(id string) error

	// Nodes
	PutNode(rec node.Record) error
	ListNodes() ([]node.Record, error)
	DeleteNode(id string) error

	// Requisitions
	PutRequisition(rec requisition.Record) error
	ListRequisitions() ([]requisition.Record, error)
	DeleteRequisition(index int) error

	// Close releases the underlying database.
	Close() error
}
