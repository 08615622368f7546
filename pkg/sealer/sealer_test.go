package sealer

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuorumClient struct {
	responses map[node.ID]QuorumReplicaInfo
	fail      map[node.ID]bool
	delay     time.Duration
}

func (f *fakeQuorumClient) GetChunkQuorumInfo(ctx context.Context, n node.ID, id chunkid.ID) (QuorumReplicaInfo, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return QuorumReplicaInfo{}, ctx.Err()
		}
	}
	if f.fail[n] {
		return QuorumReplicaInfo{}, assertErr
	}
	return f.responses[n], nil
}

var assertErr = assertError("quorum rpc failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func newJournalChunk(t *testing.T, tree *chunktree.Registry, readQuorum int) *chunktree.Chunk {
	t.Helper()
	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeJournal,
		Account:              "acct",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 10,
		ReadQuorum:           readQuorum,
	})
	require.NoError(t, err)
	require.NoError(t, tree.ConfirmChunk(c.ID, chunktree.ConfirmChunkParams{
		Replicas: []chunktree.ReplicaTuple{
			{Node: "A", ReplicaIndex: 0, State: node.ReplicaUnsealed},
			{Node: "B", ReplicaIndex: 0, State: node.ReplicaUnsealed},
			{Node: "C", ReplicaIndex: 0, State: node.ReplicaUnsealed},
		},
	}))
	return c
}

func TestSealerSealsOnQuorum(t *testing.T) {
	tree := chunktree.NewRegistry()
	c := newJournalChunk(t, tree, 2)

	client := &fakeQuorumClient{responses: map[node.ID]QuorumReplicaInfo{
		"A": {RowCount: 100},
		"B": {RowCount: 100},
		"C": {RowCount: 90},
	}}
	s := NewSealer(tree, client, nil, time.Second)

	require.NoError(t, s.Seal(context.Background(), c.ID))

	sealed, err := tree.GetChunk(c.ID)
	require.NoError(t, err)
	assert.True(t, sealed.Sealed)
	assert.Equal(t, int64(100), sealed.Meta.RowCount)
}

func TestSealerUnavailableWhenQuorumUnreachable(t *testing.T) {
	tree := chunktree.NewRegistry()
	c := newJournalChunk(t, tree, 3)

	client := &fakeQuorumClient{
		responses: map[node.ID]QuorumReplicaInfo{"A": {RowCount: 10}},
		fail:      map[node.ID]bool{"B": true, "C": true},
	}
	s := NewSealer(tree, client, nil, 50*time.Millisecond)

	err := s.Seal(context.Background(), c.ID)
	require.Error(t, err)

	unsealed, err := tree.GetChunk(c.ID)
	require.NoError(t, err)
	assert.False(t, unsealed.Sealed)
}

func TestSealerIsNoOpWhenAlreadySealed(t *testing.T) {
	tree := chunktree.NewRegistry()
	c := newJournalChunk(t, tree, 1)
	_, err := tree.SealChunk(c.ID, chunktree.SealInfo{RowCount: 5})
	require.NoError(t, err)

	client := &fakeQuorumClient{}
	s := NewSealer(tree, client, nil, time.Second)
	require.NoError(t, s.Seal(context.Background(), c.ID))
}

func TestSealerDefersWhenLeftSiblingUnsealed(t *testing.T) {
	tree := chunktree.NewRegistry()
	parent, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)

	left := newJournalChunk(t, tree, 1)
	right := newJournalChunk(t, tree, 1)
	require.NoError(t, tree.AttachToChunkList(parent.ID, []chunktree.ChildRef{
		{Kind: chunktree.ChildChunk, ID: left.ID},
		{Kind: chunktree.ChildChunk, ID: right.ID},
	}))

	client := &fakeQuorumClient{responses: map[node.ID]QuorumReplicaInfo{
		"A": {RowCount: 10}, "B": {RowCount: 10}, "C": {RowCount: 10},
	}}
	s := NewSealer(tree, client, nil, time.Second)

	require.NoError(t, s.Seal(context.Background(), right.ID))
	rightChunk, err := tree.GetChunk(right.ID)
	require.NoError(t, err)
	assert.False(t, rightChunk.Sealed, "right sibling must wait for left to seal first")
}
