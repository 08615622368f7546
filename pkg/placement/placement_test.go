package placement

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAscendingOrdersByValue(t *testing.T) {
	ix := NewIndex(0)
	ix.Set("c", 0.9)
	ix.Set("a", 0.1)
	ix.Set("b", 0.5)

	assert.Equal(t, []node.ID{"a", "b", "c"}, ix.Ascending())
}

func TestAllocateWriteTargetsRespectsRackCap(t *testing.T) {
	nodes := node.NewRegistry()
	loadFactor := NewIndex(0)
	racks := []string{"r1", "r1", "r2", "r2"}
	for i, id := range []node.ID{"A", "B", "C", "D"} {
		n := node.New(id, racks[i], "dc1")
		n.ReportedHeartbeat = true
		nodes.Put(n)
		loadFactor.Set(id, float64(i))
	}

	targets := AllocateWriteTargets(nodes, loadFactor, WriteTargetRequest{
		DesiredCount:        3,
		MinCount:            2,
		ForceRackAwareness:  true,
		MaxReplicasPerRack:  1,
		MediumAcceptsWrites: true,
	})
	require.Len(t, targets, 2)

	rackCount := map[string]int{}
	for _, id := range targets {
		n, _ := nodes.Get(id)
		rackCount[n.Rack]++
	}
	for _, count := range rackCount {
		assert.LessOrEqual(t, count, 1, "force_rack_awareness must never exceed max_replicas_per_rack")
	}
}

func TestAllocateWriteTargetsDegradesWhenShortOfDesired(t *testing.T) {
	nodes := node.NewRegistry()
	loadFactor := NewIndex(0)
	for i, id := range []node.ID{"A", "B", "C"} {
		n := node.New(id, "r1", "dc1")
		n.ReportedHeartbeat = true
		nodes.Put(n)
		loadFactor.Set(id, float64(i))
	}

	targets := AllocateWriteTargets(nodes, loadFactor, WriteTargetRequest{
		DesiredCount:        3,
		MinCount:            3,
		MaxReplicasPerRack:  1,
		MediumAcceptsWrites: true,
	})
	require.Len(t, targets, 3, "second relaxed pass must fill the desired count when the first pass cannot")
}

func TestAllocateWriteTargetsReturnsNilBelowMinCount(t *testing.T) {
	nodes := node.NewRegistry()
	loadFactor := NewIndex(0)
	n := node.New("A", "r1", "dc1")
	n.ReportedHeartbeat = true
	nodes.Put(n)
	loadFactor.Set("A", 0.1)

	targets := AllocateWriteTargets(nodes, loadFactor, WriteTargetRequest{
		DesiredCount:        3,
		MinCount:            2,
		MediumAcceptsWrites: true,
	})
	assert.Nil(t, targets)
}

func TestSelectRemovalTargetPrefersCRPInconsistent(t *testing.T) {
	candidates := []RemovalCandidate{
		{Node: "A", FillFactor: 0.9},
		{Node: "B", CRPInconsistent: true, FillFactor: 0.1},
	}
	winner, ok := SelectRemovalTarget(candidates)
	require.True(t, ok)
	assert.Equal(t, node.ID("B"), winner)
}

func TestSelectBalancingTargetStopsAtMaxFillFactor(t *testing.T) {
	nodes := node.NewRegistry()
	fillFactor := NewIndex(0)
	for _, id := range []node.ID{"A", "B"} {
		n := node.New(id, "", "")
		nodes.Put(n)
	}
	fillFactor.Set("A", 0.95)
	fillFactor.Set("B", 0.1)

	winner, ok := SelectBalancingTarget(nodes, fillFactor, 0, 0.8, nil)
	require.True(t, ok)
	assert.Equal(t, node.ID("B"), winner)
}

func TestCRPTargetsAreDeterministic(t *testing.T) {
	tokenCounts := map[node.ID]int{"A": 10, "B": 10, "C": 10, "D": 10}
	ring := BuildRing(0, tokenCounts)

	first := ring.Targets(12345, 3)
	second := ring.Targets(12345, 3)
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestCRPTargetsNoDuplicateNodes(t *testing.T) {
	tokenCounts := map[node.ID]int{"A": 50, "B": 1}
	ring := BuildRing(0, tokenCounts)
	targets := ring.Targets(999, 2)
	seen := map[node.ID]bool{}
	for _, id := range targets {
		assert.False(t, seen[id], "CRP targets must not repeat a node")
		seen[id] = true
	}
}

func TestBucketCountsScaleWithTotalSpace(t *testing.T) {
	totalSpace := map[node.ID]int64{"small": 1, "big": 1000}
	counts := BucketCounts(totalSpace, 2, 10)
	assert.Less(t, counts["small"], counts["big"])
}

func TestIsConsistentlyPlaced(t *testing.T) {
	targets := []node.ID{"A", "B", "C"}
	assert.True(t, IsConsistentlyPlaced(targets, []node.ID{"C", "A", "B"}))
	assert.False(t, IsConsistentlyPlaced(targets, []node.ID{"A", "B"}))
}

func TestMissingReplicas(t *testing.T) {
	targets := []node.ID{"A", "B", "C"}
	missing := MissingReplicas(targets, []node.ID{"A"})
	assert.ElementsMatch(t, []node.ID{"B", "C"}, missing)
}

func TestMaxReplicasPerDataCenter(t *testing.T) {
	assert.Equal(t, 2, MaxReplicasPerDataCenter(3, 2, 0))
	assert.Equal(t, 1, MaxReplicasPerDataCenter(3, 2, 1))
}
