package refresh

import (
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunkID(t *testing.T) chunkid.ID {
	t.Helper()
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	require.NoError(t, err)
	return id
}

func TestComputeRegularLostWhenNoReplicas(t *testing.T) {
	ms := ComputeRegular(MediumView{RequiredReplicationFactor: 3})
	assert.True(t, ms.Status.Has(FlagLost))
}

func TestComputeRegularUnderreplicated(t *testing.T) {
	ms := ComputeRegular(MediumView{
		RequiredReplicationFactor: 3,
		Replicas: []ReplicaView{
			{Node: "A", Approved: true},
			{Node: "B", Approved: true},
		},
	})
	assert.True(t, ms.Status.Has(FlagUnderreplicated))
	require.Len(t, ms.ReplicationRequests, 1)
	assert.Equal(t, 1, ms.ReplicationRequests[0].Count)
}

func TestComputeRegularOverreplicatedWithDecommissioned(t *testing.T) {
	ms := ComputeRegular(MediumView{
		RequiredReplicationFactor: 2,
		Replicas: []ReplicaView{
			{Node: "A", Approved: true},
			{Node: "B", Approved: true},
			{Node: "C", Approved: true, Decommissioned: true},
		},
	})
	assert.True(t, ms.Status.Has(FlagOverreplicated))
	require.Len(t, ms.DecommissionedRemovalRequests, 1)
	assert.Equal(t, node.ID("C"), ms.DecommissionedRemovalRequests[0].Node)
}

func TestComputeRegularOverreplicatedByBalancing(t *testing.T) {
	ms := ComputeRegular(MediumView{
		RequiredReplicationFactor: 1,
		Replicas: []ReplicaView{
			{Node: "A", Approved: true},
			{Node: "B", Approved: true},
		},
	})
	require.Len(t, ms.BalancingRemovalRequests, 1)
	assert.Equal(t, 1, ms.BalancingRemovalRequests[0].Count)
}

func TestComputeRegularUnsafelyPlaced(t *testing.T) {
	ms := ComputeRegular(MediumView{
		RequiredReplicationFactor: 3,
		MaxReplicasPerRack:        1,
		Replicas: []ReplicaView{
			{Node: "A", Rack: "r1", Approved: true},
			{Node: "B", Rack: "r1", Approved: true},
			{Node: "C", Rack: "r2", Approved: true},
		},
	})
	assert.True(t, ms.Status.Has(FlagUnsafelyPlaced))
}

func TestComputeErasureDataMissingMarksLostWhenUnrepairable(t *testing.T) {
	ms := ComputeErasure(MediumView{
		TotalPartCount: 6,
		DataPartCount:  4,
		Replicas: []ReplicaView{
			{Node: "A", ReplicaIndex: 0, Approved: true},
			{Node: "B", ReplicaIndex: 1, Approved: true},
		},
	}, func(erased []int) bool { return len(erased) <= 2 })
	assert.True(t, ms.Status.Has(FlagLost))
}

func TestComputeErasureDataAndParityMissing(t *testing.T) {
	ms := ComputeErasure(MediumView{
		TotalPartCount: 6,
		DataPartCount:  4,
		Replicas: []ReplicaView{
			{Node: "A", ReplicaIndex: 0, Approved: true},
			{Node: "B", ReplicaIndex: 1, Approved: true},
			{Node: "C", ReplicaIndex: 2, Approved: true},
			{Node: "D", ReplicaIndex: 4, Approved: true},
		},
	}, func(erased []int) bool { return true })
	assert.True(t, ms.Status.Has(FlagDataMissing))
	assert.True(t, ms.Status.Has(FlagParityMissing))
}

func TestComputeJournalQuorumMissingWhenUnsealedBelowReadQuorum(t *testing.T) {
	ms := ComputeJournal(MediumView{
		ReadQuorum: 2,
		Replicas:   []ReplicaView{{Node: "A", Approved: true}},
	}, false)
	assert.True(t, ms.Status.Has(FlagQuorumMissing))
}

func TestComputeJournalSealedAppliesRegularLogic(t *testing.T) {
	ms := ComputeJournal(MediumView{
		RequiredReplicationFactor: 2,
		Replicas: []ReplicaView{
			{Node: "A", Approved: true, Sealed: true},
		},
	}, true)
	assert.True(t, ms.Status.Has(FlagSealed))
	assert.True(t, ms.Status.Has(FlagUnderreplicated))
}

func TestRollupGloballyLostOnlyWhenLostEverywhere(t *testing.T) {
	id := testChunkID(t)
	res := Rollup(id, []MediumStatus{{Status: FlagLost}, {Status: FlagUnderreplicated}}, false, false)
	assert.False(t, res.Global.Has(FlagLost))

	res2 := Rollup(id, []MediumStatus{{Status: FlagLost}, {Status: FlagLost}}, false, false)
	assert.True(t, res2.Global.Has(FlagLost))
}

func TestHealthSetsApplyTracksMembership(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	hs := NewHealthSets(broker)
	id := testChunkID(t)

	hs.Apply(Result{ChunkID: id, Global: FlagLost}, true)
	sizes := hs.Sizes()
	assert.Equal(t, 1, sizes["lost"])
	assert.Equal(t, 1, sizes["lost_vital"])

	hs.Apply(Result{ChunkID: id, Global: FlagNone}, true)
	sizes = hs.Sizes()
	assert.Equal(t, 0, sizes["lost"])
}

func TestScannerDueRespectsDelayAndMaxCount(t *testing.T) {
	s := NewScanner()
	now := time.Now()
	id1 := testChunkID(t)
	id2 := testChunkID(t)
	s.Schedule(id1, now, 0)
	s.Schedule(id2, now, time.Hour)

	due := s.Due(now, 10, nil)
	assert.Equal(t, []chunkid.ID{id1}, due)
	assert.Equal(t, 1, s.Len())
}

func TestScannerDueDropsStaleEntries(t *testing.T) {
	s := NewScanner()
	now := time.Now()
	id := testChunkID(t)
	s.Schedule(id, now, 0)

	due := s.Due(now, 10, func(chunkid.ID) bool { return false })
	assert.Empty(t, due)
	assert.Equal(t, 0, s.Len())
}

func TestPriorityClamp(t *testing.T) {
	assert.Equal(t, 0, PriorityClamp(0, 4))
	assert.Equal(t, 1, PriorityClamp(2, 4))
	assert.Equal(t, 3, PriorityClamp(99, 4))
}
