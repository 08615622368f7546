package manager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/account"
	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/medium"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/replica"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/cuemby/chunkmaster/pkg/storage"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) (*ChunkManagerFSM, *chunktree.Registry, *node.Registry, storage.Store) {
	t.Helper()
	tree := chunktree.NewRegistry()
	nodes := node.NewRegistry()
	reqs := requisition.NewRegistry()
	media := medium.NewRegistry(16)
	jobs := jobcontroller.NewRegistry(time.Minute)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	replicas := replica.NewEngine(nodes, tree, broker, time.Minute, func(chunkid.ID) {})
	owners := requisition.NewOwnerRegistry()
	accounts := account.NewRegistry()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewChunkManagerFSM(tree, nodes, reqs, media, jobs, replicas, store, owners, accounts, "cell-a", nil), tree, nodes, store
}

func applyCommand(t *testing.T, fsm *ChunkManagerFSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: raw})
}

func TestApplyCreateChunkStagesAndMirrorsToStore(t *testing.T) {
	fsm, tree, _, store := newTestFSM(t)

	resp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		MediumIndex: 0,
		Now:         time.Now(),
	})

	out, ok := resp.(CreateChunkResponse)
	require.True(t, ok, "expected CreateChunkResponse, got %T: %v", resp, resp)

	c, err := tree.GetChunk(out.ChunkID)
	require.NoError(t, err)
	require.Equal(t, "acct", c.Account)

	stored, err := store.GetChunk(out.ChunkID.String())
	require.NoError(t, err)
	require.Equal(t, "acct", stored.Account)
}

func TestApplyCreateChunkListsReturnsRequestedCount(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	resp := applyCommand(t, fsm, opCreateChunkLists, createChunkListsCommand{Count: 3})
	ids, ok := resp.([]chunkid.ID)
	require.True(t, ok, "expected []chunkid.ID, got %T: %v", resp, resp)
	require.Len(t, ids, 3)

	for _, id := range ids {
		_, err := tree.GetChunkList(id)
		require.NoError(t, err)
	}
}

func TestApplyConfirmAndSealChunkRoundTrip(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	resp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeJournal,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		Now: time.Now(),
	})
	id := resp.(CreateChunkResponse).ChunkID

	confirmResp := applyCommand(t, fsm, opConfirmChunk, ConfirmChunkRequest{
		ChunkID: id,
		Meta:    &chunktree.Meta{RowCount: 10},
	})
	require.Nil(t, confirmResp)

	c, err := tree.GetChunk(id)
	require.NoError(t, err)
	require.True(t, c.Confirmed)
	require.False(t, c.Sealed, "journal chunk should stay unsealed until seal_chunk")

	sealResp := applyCommand(t, fsm, opSealChunk, SealChunkRequest{
		ChunkID: id,
		Info:    chunktree.SealInfo{RowCount: 10},
	})
	require.Nil(t, sealResp)

	c, err = tree.GetChunk(id)
	require.NoError(t, err)
	require.True(t, c.Sealed)
}

func TestApplyAttachChunkTreesLinksChild(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	listResp := applyCommand(t, fsm, opCreateChunkLists, createChunkListsCommand{Count: 1})
	listID := listResp.([]chunkid.ID)[0]

	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		Now: time.Now(),
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	attachResp := applyCommand(t, fsm, opAttachChunkTrees, AttachChunkTreesRequest{
		ParentID: listID,
		Children: []chunktree.ChildRef{{Kind: chunktree.ChildChunk, ID: chunkID}},
	})
	require.Nil(t, attachResp)

	cl, err := tree.GetChunkList(listID)
	require.NoError(t, err)
	require.Len(t, cl.Children, 1)
	require.Equal(t, int64(1), cl.Statistics.ChunkCount)
}

func TestApplyUnstageChunkTreeDestroysBareChunk(t *testing.T) {
	fsm, tree, _, store := newTestFSM(t)

	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		Now: time.Now(),
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	unstageResp := applyCommand(t, fsm, opUnstageChunkTree, UnstageChunkTreeRequest{ChunkTreeID: chunkID})
	require.Nil(t, unstageResp)

	_, err := tree.GetChunk(chunkID)
	require.Error(t, err)
	_, err = store.GetChunk(chunkID.String())
	require.Error(t, err)
}

func TestApplyHeartbeatJobRegistersNodeAndProcessesJobs(t *testing.T) {
	fsm, _, nodes, _ := newTestFSM(t)

	resp := applyCommand(t, fsm, opHeartbeatJob, heartbeatCommand{
		Req: HeartbeatJobRequest{
			NodeID:     "node-a",
			Rack:       "rack1",
			DataCenter: "dc1",
			SlotLimits: jobcontroller.SlotLimits{Replication: 4},
		},
		Now: time.Now(),
	})

	out, ok := resp.(HeartbeatJobResponse)
	require.True(t, ok, "expected HeartbeatJobResponse, got %T: %v", resp, resp)
	_ = out

	n, ok := nodes.Get("node-a")
	require.True(t, ok)
	require.Equal(t, "rack1", n.Rack)
}

func TestApplyExpireStagedChunksUnstagesTimedOutChunks(t *testing.T) {
	fsm, tree, _, store := newTestFSM(t)

	base := time.Now()
	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		StagedExpirationTimeout: time.Minute,
		Now:                     base,
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	n := applyCommand(t, fsm, opExpireStaged, expireStagedCommand{Now: base.Add(30 * time.Second)})
	require.Equal(t, 0, n)

	n = applyCommand(t, fsm, opExpireStaged, expireStagedCommand{Now: base.Add(2 * time.Minute)})
	require.Equal(t, 1, n)

	_, err := tree.GetChunk(chunkID)
	require.Error(t, err)
	_, err = store.GetChunk(chunkID.String())
	require.Error(t, err)
}

func TestApplyConfirmChunkCancelsExpiration(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	base := time.Now()
	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		StagedExpirationTimeout: time.Minute,
		Now:                     base,
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	confirmResp := applyCommand(t, fsm, opConfirmChunk, ConfirmChunkRequest{
		ChunkID: chunkID,
		Meta:    &chunktree.Meta{RowCount: 1},
	})
	require.Nil(t, confirmResp)

	n := applyCommand(t, fsm, opExpireStaged, expireStagedCommand{Now: base.Add(2 * time.Minute)})
	require.Equal(t, 0, n)

	_, err := tree.GetChunk(chunkID)
	require.NoError(t, err, "confirmed chunk must survive the expiration sweep")
}

func TestSnapshotRestoreRoundTripsChunks(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              "acct",
			ReplicationFactor:    3,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		Now: time.Now(),
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := newMemSnapshotSink()
	require.NoError(t, snap.Persist(sink))

	fresh, _, _, _ := newTestFSM(t)
	require.NoError(t, fresh.Restore(sink.reader()))

	_, err = tree.GetChunk(chunkID)
	require.NoError(t, err)
	got, err := fresh.tree.GetChunk(chunkID)
	require.NoError(t, err)
	require.Equal(t, "acct", got.Account)
}

// setUpOwnedChunk creates a chunk list owned by ownerTag per policy, a
// chunk attached beneath it, and returns the chunk id.
func setUpOwnedChunk(t *testing.T, fsm *ChunkManagerFSM, ownerTag string, policy requisition.OwnerPolicy) chunkid.ID {
	t.Helper()

	listResp := applyCommand(t, fsm, opCreateChunkLists, createChunkListsCommand{Count: 1})
	listID := listResp.([]chunkid.ID)[0]

	setResp := applyCommand(t, fsm, opSetChunkListOwner, setChunkListOwnerCommand{
		ChunkListID: listID,
		OwnerTag:    ownerTag,
		Policy:      policy,
	})
	require.Nil(t, setResp)

	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{
			Type:                 chunkid.TypeRegular,
			Account:              policy.Account,
			ReplicationFactor:    policy.ReplicationFactor,
			MinReplicationFactor: 1,
			MaxReplicationFactor: 10,
		},
		Now: time.Now(),
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	attachResp := applyCommand(t, fsm, opAttachChunkTrees, AttachChunkTreesRequest{
		ParentID: listID,
		Children: []chunktree.ChildRef{{Kind: chunktree.ChildChunk, ID: chunkID}},
	})
	require.Nil(t, attachResp)

	return chunkID
}

func TestApplyUpdateRequisitionInternsEffectiveRequisitionAndChargesAccount(t *testing.T) {
	fsm, tree, _, store := newTestFSM(t)

	chunkID := setUpOwnedChunk(t, fsm, "table-1", requisition.OwnerPolicy{
		Account:           "acct",
		MediumIndex:       0,
		ReplicationFactor: 3,
		Vital:             true,
	})

	c, err := tree.GetChunk(chunkID)
	require.NoError(t, err)
	require.Equal(t, -1, c.LocalRequisitionIndex, "unconfirmed chunk should start with no interned requisition")

	resp := applyCommand(t, fsm, opUpdateRequisition, updateRequisitionCommand{
		ChunkIDs: []chunkid.ID{chunkID},
		Now:      time.Now(),
	})
	require.Equal(t, 1, resp)

	c, err = tree.GetChunk(chunkID)
	require.NoError(t, err)
	require.NotEqual(t, -1, c.LocalRequisitionIndex)

	req, ok := fsm.reqs.Get(c.LocalRequisitionIndex)
	require.True(t, ok)
	require.True(t, req.Vital)
	require.Len(t, req.Entries, 1)
	require.Equal(t, "acct", req.Entries[0].AccountID)
	require.Equal(t, 3, req.Entries[0].ReplicationFactor)

	usage := fsm.accounts.Get("acct", 0)
	require.Equal(t, int64(1), usage.ChunkCount)

	stored, err := store.GetChunk(chunkID.String())
	require.NoError(t, err)
	require.Equal(t, c.LocalRequisitionIndex, stored.LocalRequisitionIndex)
}

func TestApplyUpdateRequisitionIsIdempotentOnUnchangedResult(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t)

	chunkID := setUpOwnedChunk(t, fsm, "table-1", requisition.OwnerPolicy{
		Account: "acct", MediumIndex: 0, ReplicationFactor: 2,
	})

	cmd := updateRequisitionCommand{ChunkIDs: []chunkid.ID{chunkID}, Now: time.Now()}
	first := applyCommand(t, fsm, opUpdateRequisition, cmd)
	require.Equal(t, 1, first)

	second := applyCommand(t, fsm, opUpdateRequisition, cmd)
	require.Equal(t, 0, second, "unchanged requisition should not re-count as updated")
}

func TestApplyUpdateRequisitionLeavesOwnerlessChunkUnchanged(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	chunkResp := applyCommand(t, fsm, opCreateChunk, createChunkCommand{
		Req: CreateChunkRequest{Type: chunkid.TypeRegular, Account: "acct", ReplicationFactor: 3, MinReplicationFactor: 1, MaxReplicationFactor: 10},
		Now: time.Now(),
	})
	chunkID := chunkResp.(CreateChunkResponse).ChunkID

	resp := applyCommand(t, fsm, opUpdateRequisition, updateRequisitionCommand{
		ChunkIDs: []chunkid.ID{chunkID},
		Now:      time.Now(),
	})
	require.Equal(t, 0, resp)

	c, err := tree.GetChunk(chunkID)
	require.NoError(t, err)
	require.Equal(t, -1, c.LocalRequisitionIndex)
}

func TestApplyExportAndUnexportChunksRoundTrip(t *testing.T) {
	fsm, tree, _, _ := newTestFSM(t)

	chunkID := setUpOwnedChunk(t, fsm, "table-1", requisition.OwnerPolicy{
		Account: "acct", MediumIndex: 0, ReplicationFactor: 2,
	})
	applyCommand(t, fsm, opUpdateRequisition, updateRequisitionCommand{ChunkIDs: []chunkid.ID{chunkID}, Now: time.Now()})

	exportResp := applyCommand(t, fsm, opExportChunks, exportChunksCommand{
		CellTag:  "cell-b",
		ChunkIDs: []chunkid.ID{chunkID},
	})
	exported, ok := exportResp.([]*chunktree.Chunk)
	require.True(t, ok, "expected []*chunktree.Chunk, got %T: %v", exportResp, exportResp)
	require.Len(t, exported, 1)
	require.Equal(t, 1, exported[0].ExportRefCount["cell-b"])
	_, hasExternal := exported[0].ExternalRequisitionIndex["cell-b"]
	require.True(t, hasExternal)

	unexportResp := applyCommand(t, fsm, opUnexportChunks, unexportChunksCommand{
		CellTag:  "cell-b",
		ChunkIDs: []chunkid.ID{chunkID},
	})
	require.Nil(t, unexportResp)

	c, err := tree.GetChunk(chunkID)
	require.NoError(t, err)
	require.Equal(t, 0, c.ExportRefCount["cell-b"])
	_, hasExternal = c.ExternalRequisitionIndex["cell-b"]
	require.False(t, hasExternal)
}

func TestSnapshotRestoreRoundTripsOwnersAndAccounts(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t)

	chunkID := setUpOwnedChunk(t, fsm, "table-1", requisition.OwnerPolicy{
		Account: "acct", MediumIndex: 0, ReplicationFactor: 3, Vital: true,
	})
	applyCommand(t, fsm, opUpdateRequisition, updateRequisitionCommand{ChunkIDs: []chunkid.ID{chunkID}, Now: time.Now()})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := newMemSnapshotSink()
	require.NoError(t, snap.Persist(sink))

	fresh, _, _, _ := newTestFSM(t)
	require.NoError(t, fresh.Restore(sink.reader()))

	p, ok := fresh.owners.Get("table-1")
	require.True(t, ok)
	require.Equal(t, "acct", p.Account)

	usage := fresh.accounts.Get("acct", 0)
	require.Equal(t, int64(1), usage.ChunkCount)
}
