/*
Package storage provides BoltDB-backed persistence for the chunk manager's
registries.

The storage package implements the Store interface using BoltDB as the
underlying database, giving ACID transactions over chunks, chunk lists,
chunk views, dynamic stores, nodes, and interned requisitions. All data is
serialized as JSON and stored in separate buckets per entity kind.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/chunkmaster.db            │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ chunks          (Chunk ID) │             │          │
	│  │  │ chunk_lists     (List ID)  │             │          │
	│  │  │ chunk_views     (View ID)  │             │          │
	│  │  │ dynamic_stores  (Store ID) │             │          │
	│  │  │ nodes           (Node ID)  │             │          │
	│  │  │ requisitions    (int index)│             │          │
	│  │  └────────────────────────────┘             │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Role in the system

Store is the Raft FSM's durability layer, not a read cache in front of the
in-memory registries (pkg/chunktree.Registry, pkg/node.Registry,
pkg/requisition.Registry): every committed command is applied to the
in-memory registry first, then mirrored into Store. pkg/manager never
reads Store back: on startup the registries are rebuilt by Raft's
snapshot restore and log replay.

Transaction Model:
  - Read transactions: db.View() - concurrent, consistent snapshots
  - Write transactions: db.Update() - serialized, atomic commits
  - Durability: fsync on commit ensures crash recovery

Upsert Pattern:
  - Put is used for both create and update (no separate exists check)

Idempotent Deletes:
  - Delete returns no error if the key doesn't exist

# Requisition indices

Requisitions are interned by pkg/requisition.Registry: distinct values
share one stable integer index, referenced from chunks by
LocalRequisitionIndex. Restore must preserve the exact index -> value
mapping (including refcounts), or a chunk's requisition reference would
silently point at the wrong entry after a restart; this is why
requisition.Record carries its own Index field rather than relying on
insertion order.

# See Also

  - pkg/manager for Raft FSM integration
  - pkg/chunktree, pkg/node, pkg/requisition for the in-memory registries
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
