package node

import (
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunkID(t *testing.T) chunkid.ID {
	t.Helper()
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	require.NoError(t, err)
	return id
}

func TestAddStoredReplicaRejectsDuplicateTuple(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	key := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}

	assert.True(t, n.AddStoredReplica(key, ReplicaActive))
	assert.False(t, n.AddStoredReplica(key, ReplicaActive), "duplicate (node,medium,index) tuple must be rejected")
}

func TestExportFromRecordRoundTrip(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	n.Decommissioned = true
	n.SetTokenCount(0, 5)
	n.ResourceLimits = ResourceUsage{Slots: 10, RepairBuffer: 1024}
	key := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}
	n.AddStoredReplica(key, ReplicaActive)

	rec := n.Export()
	restored := FromRecord(rec)

	assert.Equal(t, n.ID, restored.ID)
	assert.Equal(t, n.Rack, restored.Rack)
	assert.True(t, restored.Decommissioned)
	assert.Equal(t, 5, restored.TokenCount(0))
	assert.Equal(t, ResourceUsage{Slots: 10, RepairBuffer: 1024}, restored.ResourceLimits)
	assert.True(t, restored.HasReplica(key))
}

func TestRemoveReplicaClearsAllSets(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	key := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}

	n.AddStoredReplica(key, ReplicaActive)
	n.MarkUnapproved(key, time.Now())
	require.True(t, n.HasReplica(key))

	n.RemoveReplica(key)
	assert.False(t, n.HasReplica(key))
	assert.False(t, n.IsUnapproved(key))
}

func TestSweepUnapprovedDropsStaleAndDeadEntries(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	staleKey := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}
	deadKey := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}
	freshKey := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}

	now := time.Now()
	n.MarkUnapproved(staleKey, now.Add(-time.Hour))
	n.MarkUnapproved(deadKey, now)
	n.MarkUnapproved(freshKey, now)

	dropped := n.SweepUnapproved(now, 5*time.Minute, func(id chunkid.ID) bool {
		return id != deadKey.ChunkID
	})

	assert.Len(t, dropped, 2)
	assert.False(t, n.IsUnapproved(staleKey))
	assert.False(t, n.IsUnapproved(deadKey))
	assert.True(t, n.IsUnapproved(freshKey))
}

func TestEndorseAndConfirm(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	id := testChunkID(t)

	n.Endorse(id, 1)
	assert.Contains(t, n.EndorsedChunks(), id)

	n.ConfirmEndorsement(id)
	assert.NotContains(t, n.EndorsedChunks(), id)
}

func TestResetForFullHeartbeatClearsReplicaState(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	key := ReplicaKey{ChunkID: testChunkID(t), MediumIndex: 0, ReplicaIndex: 0}
	n.AddStoredReplica(key, ReplicaActive)
	n.MarkDestroyedReplica(ReplicaKey{ChunkID: testChunkID(t)})

	n.ResetForFullHeartbeat()

	assert.False(t, n.HasReplica(key))
	assert.Equal(t, 0, n.DestroyedReplicaCount())
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	n := New("node-1", "rack-1", "dc-1")
	r.Put(n)

	got, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, n, got)

	r.Remove("node-1")
	_, ok = r.Get("node-1")
	assert.False(t, ok)
}

func TestBumpSessionHintFeedsLoadFactor(t *testing.T) {
	n := New("node-1", "rack-1", "dc-1")
	before := n.LoadFactor(0)
	n.BumpSessionHint(0)
	assert.Greater(t, n.LoadFactor(0), before)
}
