package storage

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	require.NoError(t, err)
	c := &chunktree.Chunk{ID: id, Account: "acct", ReplicationFactor: 3}

	require.NoError(t, s.PutChunk(c))
	got, err := s.GetChunk(id.String())
	require.NoError(t, err)
	assert.Equal(t, c.Account, got.Account)
	assert.Equal(t, c.ReplicationFactor, got.ReplicationFactor)
}

func TestGetChunkNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetChunk("nonexistent")
	assert.Error(t, err)
}

func TestListChunksReturnsAll(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
		require.NoError(t, err)
		require.NoError(t, s.PutChunk(&chunktree.Chunk{ID: id, Account: "acct"}))
	}
	list, err := s.ListChunks()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDeleteChunkIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.PutChunk(&chunktree.Chunk{ID: id}))

	require.NoError(t, s.DeleteChunk(id.String()))
	require.NoError(t, s.DeleteChunk(id.String()))
	_, err = s.GetChunk(id.String())
	assert.Error(t, err)
}

func TestPutNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	n := node.New("node-a", "rack1", "dc1")
	n.Decommissioned = true

	require.NoError(t, s.PutNode(n.Export()))
	list, err := s.ListNodes()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, node.ID("node-a"), list[0].ID)
	assert.True(t, list[0].Decommissioned)
}

func TestPutRequisitionPreservesIndex(t *testing.T) {
	s := newTestStore(t)
	reqs := requisition.NewRegistry()
	idx := reqs.Intern(requisition.Requisition{
		Entries: []requisition.Entry{{AccountID: "acct", MediumIndex: 0, ReplicationFactor: 3}},
	})

	for _, rec := range reqs.Snapshot() {
		require.NoError(t, s.PutRequisition(rec))
	}

	list, err := s.ListRequisitions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, idx, list[0].Index)
	assert.Equal(t, 1, list[0].RefCount)
}

func TestChunkTreeSnapshotRestoreRoundTripsThroughStore(t *testing.T) {
	s := newTestStore(t)
	tree := chunktree.NewRegistry()
	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "acct",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
	})
	require.NoError(t, err)
	list, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)

	snap := tree.Snapshot()
	require.Len(t, snap.Chunks, 1)
	for _, ch := range snap.Chunks {
		require.NoError(t, s.PutChunk(ch))
	}
	for _, cl := range snap.ChunkLists {
		require.NoError(t, s.PutChunkList(cl))
	}

	restoredChunks, err := s.ListChunks()
	require.NoError(t, err)
	restoredLists, err := s.ListChunkLists()
	require.NoError(t, err)

	fresh := chunktree.NewRegistry()
	fresh.Restore(chunktree.Snapshot{Chunks: restoredChunks, ChunkLists: restoredLists})

	got, err := fresh.GetChunk(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct", got.Account)

	gotList, err := fresh.GetChunkList(list.ID)
	require.NoError(t, err)
	assert.Equal(t, chunktree.KindStatic, gotList.Kind)
}
