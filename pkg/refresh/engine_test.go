package refresh

import (
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *chunktree.Registry, *node.Registry, *jobcontroller.Registry) {
	t.Helper()
	tree := chunktree.NewRegistry()
	nodes := node.NewRegistry()
	reqs := requisition.NewRegistry()
	jobs := jobcontroller.NewRegistry(time.Minute)
	eng := NewEngine(tree, nodes, reqs, jobs, nil, nil, nil, EngineConfig{
		MaxChunksPerRefresh:      10,
		ChunkRefreshDelay:        0,
		ReplicationPriorityCount: 4,
	})
	return eng, tree, nodes, reqs
}

func TestEngineRefreshUnderreplicatedEnqueuesReplication(t *testing.T) {
	eng, tree, nodes, reqs := newTestEngine(t)

	nodeA := node.New("nodeA", "rack1", "dc1")
	nodes.Put(nodeA)

	reqIdx := reqs.Intern(requisition.Requisition{
		Entries: []requisition.Entry{{AccountID: "acct", MediumIndex: 0, ReplicationFactor: 3}},
	})

	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
	})
	require.NoError(t, err)
	c.LocalRequisitionIndex = reqIdx
	c.StoredReplicas = append(c.StoredReplicas, chunktree.ReplicaTuple{Node: "nodeA", MediumIndex: 0, ReplicaIndex: 0})

	now := time.Now()
	eng.Refresh(c.ID, now)

	sizes := eng.Health().Sizes()
	assert.Equal(t, 1, sizes["underreplicated"])
	assert.Equal(t, 1, eng.jobs.QueueDepth("nodeA"))
}

func TestEngineRefreshLostChunkSetsHealthSet(t *testing.T) {
	eng, tree, _, reqs := newTestEngine(t)

	reqIdx := reqs.Intern(requisition.Requisition{
		Entries: []requisition.Entry{{AccountID: "acct", MediumIndex: 0, ReplicationFactor: 3}},
	})

	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
		Vital:                true,
	})
	require.NoError(t, err)
	c.LocalRequisitionIndex = reqIdx

	eng.Refresh(c.ID, time.Now())

	sizes := eng.Health().Sizes()
	assert.Equal(t, 1, sizes["lost"])
	assert.Equal(t, 1, sizes["lost_vital"])
}

func TestEngineRefreshRemovesHealthSetMembershipOnDestroy(t *testing.T) {
	eng, tree, _, reqs := newTestEngine(t)
	reqIdx := reqs.Intern(requisition.Requisition{
		Entries: []requisition.Entry{{AccountID: "acct", MediumIndex: 0, ReplicationFactor: 3}},
	})
	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
	})
	require.NoError(t, err)
	c.LocalRequisitionIndex = reqIdx

	eng.Refresh(c.ID, time.Now())
	assert.Equal(t, 1, eng.Health().Sizes()["lost"])

	tree.DestroyChunk(c.ID)
	eng.Refresh(c.ID, time.Now())
	assert.Equal(t, 0, eng.Health().Sizes()["lost"])
}

func TestEngineScheduleAndProcessDue(t *testing.T) {
	eng, tree, _, reqs := newTestEngine(t)
	reqIdx := reqs.Intern(requisition.Requisition{
		Entries: []requisition.Entry{{AccountID: "acct", MediumIndex: 0, ReplicationFactor: 1}},
	})
	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    1,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
	})
	require.NoError(t, err)
	c.LocalRequisitionIndex = reqIdx

	now := time.Now()
	eng.ScheduleChunkRefresh(c.ID, now)
	assert.Equal(t, 1, eng.Blob.Len())

	refreshed := eng.ProcessDue(now)
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 1, eng.Health().Sizes()["lost"])
}

func TestEngineScheduleNodeRefreshReschedulesEveryChunk(t *testing.T) {
	eng, tree, nodes, _ := newTestEngine(t)
	nodeA := node.New("nodeA", "rack1", "dc1")
	nodes.Put(nodeA)

	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    1,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
	})
	require.NoError(t, err)
	key := node.ReplicaKey{ChunkID: c.ID, MediumIndex: 0, ReplicaIndex: 0}
	nodeA.AddStoredReplica(key, node.ReplicaActive)

	eng.ScheduleNodeRefresh(nodeA, time.Now())
	assert.Equal(t, 1, eng.Blob.Len())
}
