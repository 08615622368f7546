/*
Package manager implements the chunk manager node with Raft consensus.

The manager package is the control plane of the chunk manager: it is
responsible for cluster coordination, registry state, and every
chunk-tree mutation. Managers form a highly-available quorum using the
Raft consensus protocol, so committed state survives leader failover
and network partitions.

# Architecture

A cell consists of 1-7 manager nodes forming a Raft quorum:

	┌─────────────────────── MANAGER NODE ───────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │        Callers (in-process; no RPC server     │          │
	│  │        is shipped in this repository)         │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │              Manager                          │          │
	│  │  - Serves reads directly off the registries   │          │
	│  │  - Proposes mutations as Raft commands        │          │
	│  │  - Owns refresh, replica, sealer, merge/       │          │
	│  │    autotomize engines                         │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │          Raft consensus layer                 │          │
	│  │  - Leader election                            │          │
	│  │  - Log replication across managers            │          │
	│  │  - FSM applies committed commands             │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │      ChunkManagerFSM (finite state machine)   │          │
	│  │  - Apply(): dispatch to the registries        │          │
	│  │  - Snapshot(): capture registry state         │          │
	│  │  - Restore(): rebuild registries on startup   │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │              BoltDB store                     │          │
	│  │  - Chunks, chunk lists, views, dynamic stores │          │
	│  │  - Nodes, interned requisitions               │          │
	│  │  - Raft log and snapshots                     │          │
	│  └────────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Core components

Manager:
  - Main facade for in-process callers
  - Proposes Raft commands for every chunk-tree mutation
  - Owns the refresh, replica, sealer, merger, and autotomizer engines
  - Serves reads (GetChunk, GetChunkList, GetChunkQuorumInfo)
    directly off the in-memory registries

ChunkManagerFSM:
  - Raft finite state machine
  - Apply() decodes a Command and calls into chunktree.Registry,
    node.Registry, requisition.Registry, jobcontroller.Registry, or
    replica.Engine for the real, invariant-checked mutation, then
    mirrors the result into storage.Store
  - Snapshot() JSON-encodes every registry except media into the Raft
    snapshot; Restore() decodes it and mirrors the restored entities
    into storage.Store

# Raft consensus

Consistency model: strong consistency via Raft log replication. All
mutating operations commit through Apply before the response is
returned to the caller; only the leader accepts them. A heartbeat
timeout of 500ms and an election timeout of 500ms give sub-second
failover in the common case.

Cluster sizes and the quorum they tolerate:

	Nodes  Quorum  Tolerates
	1      1       0 failures (no HA)
	3      2       1 failure
	5      3       2 failures
	7      4       3 failures

Even cluster sizes are never recommended: they raise the quorum
requirement without adding fault tolerance.

# Usage

Bootstrapping a new cell:

	m, err := manager.NewManager(&manager.Config{
		NodeID:   "manager-1",
		BindAddr: "127.0.0.1:9000",
		DataDir:  "/var/lib/chunkmaster",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Bootstrap(); err != nil {
		log.Fatal(err)
	}

Joining an existing cell: a new manager is created the same way, then
an existing leader calls AddVoter with the joiner's node id and
address.

# Leadership

Only the Raft leader accepts chunk-tree mutations. Manager.Apply on a
follower returns Raft's error; LeaderAddr() reports the current
leader's address. IsLeader() and RaftStats() back the health-set and Raft
gauges pkg/metrics collects on a fixed interval, satisfying
metrics.HealthSetSource.

# State machine commands

Every Command carries an Op string and a JSON payload:

	create_chunk        stage a new chunk against a medium
	confirm_chunk        confirm a staged chunk's replicas and meta
	seal_chunk           seal a journal chunk
	create_chunk_lists   create one or more empty static chunk lists
	attach_chunk_trees   attach children to a chunk list
	unstage_chunk_tree   release a staged chunk or chunk list
	import_chunks        install chunks exported from another cell
	heartbeat_job        apply a node's job and replica heartbeat
	set_chunk_list_owner install or remove a requisition-root owner tag
	update_requisition   recompute and republish chunks' effective requisition
	export_chunks        bump a cell's export refcount and assign an external slot
	unexport_chunks      drop a cell's export refcount, retiring the slot at zero
	expire_staged_chunks unstage staged chunks past their expiration

GetChunkQuorumInfo is a read and never goes through Raft; every other
operation above commits through Manager.Apply.

# Failure scenarios

Leader failure: a new leader is elected within roughly one to two
election timeouts; in-flight Apply calls on the old leader fail and
the client retries against the new leader.

Network partition: the minority partition stops accepting writes
(Raft refuses to commit without a quorum); the majority partition
keeps serving.

Disk failure on a follower: the follower's Raft log store fails to
append; it is removed from the cluster's effective quorum until the
disk recovers.

# Performance characteristics

  - Apply: bounded by CommitTimeout (50ms) plus one round-trip to a
    quorum of managers
  - Read operations (GetChunk, ListNodes, GetChunkQuorumInfo): served
    from the in-memory registries, no Raft round-trip
  - Snapshot: proportional to total chunk, chunk list, and node count;
    triggered by hashicorp/raft's snapshot threshold and interval

# Integration points

  - pkg/chunktree, pkg/node, pkg/requisition, pkg/medium for the
    registries Apply mutates
  - pkg/jobcontroller, pkg/replica for heartbeat processing
  - pkg/refresh, pkg/sealer, pkg/mergeauto for the periodic engines the
    Manager wires together
  - pkg/storage for the BoltDB durability mirror
  - pkg/metrics for the health-set and Raft gauges this package feeds

# Design patterns

  - Facade: Manager presents one surface over many registries and
    engines
  - State machine: ChunkManagerFSM applies every committed command on
    each replica; the node watchdog's removal of silent nodes is the one
    registry mutation made outside it
  - Durability mirror: storage.Store shadows the registries rather
    than replacing them, so reads never pay a BoltDB round-trip

# High availability

Run an odd number of managers (3 or 5 for most cells) across separate
failure domains. AddVoter/RemoveServer reshape the Raft configuration
online; GetClusterServers reports the configuration currently in
force.

# See Also

  - pkg/storage for the durability layer
  - pkg/chunktree, pkg/node, pkg/requisition for the registries
  - pkg/refresh, pkg/replica, pkg/sealer, pkg/mergeauto for the engines
  - HashiCorp Raft documentation: https://github.com/hashicorp/raft
*/
package manager
