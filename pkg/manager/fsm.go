package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/chunkmaster/pkg/account"
	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/expiration"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/medium"
	"github.com/cuemby/chunkmaster/pkg/metrics"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/replica"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/cuemby/chunkmaster/pkg/storage"
	"github.com/hashicorp/raft"
)

var fsmLog = log.WithComponent("manager")

// Command op names. These are the log entries Raft replicates; every
// mutation the manager exposes round-trips through one of these.
const (
	opCreateChunk        = "create_chunk"
	opConfirmChunk       = "confirm_chunk"
	opSealChunk          = "seal_chunk"
	opCreateChunkLists   = "create_chunk_lists"
	opAttachChunkTrees   = "attach_chunk_trees"
	opUnstageChunkTree   = "unstage_chunk_tree"
	opImportChunks       = "import_chunks"
	opHeartbeatJob       = "heartbeat_job"
	opExpireStaged       = "expire_staged_chunks"
	opSetChunkListOwner  = "set_chunk_list_owner"
	opUpdateRequisition  = "update_requisition"
	opExportChunks       = "export_chunks"
	opUnexportChunks     = "unexport_chunks"
)

// Command is the envelope every Raft log entry carries: an op name plus
// its JSON-encoded payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type createChunkCommand struct {
	Req                     CreateChunkRequest `json:"req"`
	MediumIndex             int                `json:"medium_index"`
	StagedExpirationTimeout time.Duration      `json:"staged_expiration_timeout"`
	Now                     time.Time          `json:"now"`
}

type createChunkListsCommand struct {
	Count int `json:"count"`
}

type importChunksCommand struct {
	Chunks []*chunktree.Chunk `json:"chunks"`
}

type heartbeatCommand struct {
	Req HeartbeatJobRequest `json:"req"`
	Now time.Time           `json:"now"`
}

type expireStagedCommand struct {
	Now time.Time `json:"now"`
}

type setChunkListOwnerCommand struct {
	ChunkListID chunkid.ID             `json:"chunk_list_id"`
	OwnerTag    string                 `json:"owner_tag"`
	Policy      requisition.OwnerPolicy `json:"policy"`
	Remove      bool                   `json:"remove"`
}

// updateRequisitionCommand carries the exact batch of chunks the
// requisition-update scanner found due; every replica recomputes each
// chunk's effective requisition identically from already-replicated tree,
// requisition, and owner-policy state, so only the batch and the scan
// timestamp travel on the wire.
type updateRequisitionCommand struct {
	ChunkIDs []chunkid.ID `json:"chunk_ids"`
	Now      time.Time    `json:"now"`
}

type exportChunksCommand struct {
	CellTag  string       `json:"cell_tag"`
	ChunkIDs []chunkid.ID `json:"chunk_ids"`
}

type unexportChunksCommand struct {
	CellTag  string       `json:"cell_tag"`
	ChunkIDs []chunkid.ID `json:"chunk_ids"`
}

// ChunkManagerFSM is the Raft finite state machine driving every chunk,
// node, and requisition registry in lockstep across the cluster. Apply
// makes every committed mutation except the node watchdog's removal of
// silent nodes, which Manager performs directly, outside Raft. Every committed command is applied to the in-memory
// registries first, then mirrored into store so it survives a restart.
type ChunkManagerFSM struct {
	tree       *chunktree.Registry
	nodes      *node.Registry
	reqs       *requisition.Registry
	media      *medium.Registry
	jobs       *jobcontroller.Registry
	replicas   *replica.Engine
	store      storage.Store
	expiration *expiration.Tracker

	owners    *requisition.OwnerRegistry
	accounts  *account.Registry
	cellTag   string
	forwarder requisition.Forwarder
}

// NewChunkManagerFSM builds an FSM over the given registries and their
// durability mirror. cellTag identifies this cell for external-requisition
// bookkeeping; forwarder may be nil, in which case foreign-chunk
// requisition updates stay local to this cell.
func NewChunkManagerFSM(tree *chunktree.Registry, nodes *node.Registry, reqs *requisition.Registry, media *medium.Registry, jobs *jobcontroller.Registry, replicas *replica.Engine, store storage.Store, owners *requisition.OwnerRegistry, accounts *account.Registry, cellTag string, forwarder requisition.Forwarder) *ChunkManagerFSM {
	return &ChunkManagerFSM{
		tree:       tree,
		nodes:      nodes,
		reqs:       reqs,
		media:      media,
		jobs:       jobs,
		replicas:   replicas,
		store:      store,
		expiration: expiration.NewTracker(),
		owners:     owners,
		accounts:   accounts,
		cellTag:    cellTag,
		forwarder:  forwarder,
	}
}

// Apply decodes a Raft log entry and dispatches it to the matching
// registry mutation, mirroring the result into store.
func (f *ChunkManagerFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opCreateChunk:
		return f.applyCreateChunk(cmd.Data)
	case opConfirmChunk:
		return f.applyConfirmChunk(cmd.Data)
	case opSealChunk:
		return f.applySealChunk(cmd.Data)
	case opCreateChunkLists:
		return f.applyCreateChunkLists(cmd.Data)
	case opAttachChunkTrees:
		return f.applyAttachChunkTrees(cmd.Data)
	case opUnstageChunkTree:
		return f.applyUnstageChunkTree(cmd.Data)
	case opImportChunks:
		return f.applyImportChunks(cmd.Data)
	case opHeartbeatJob:
		return f.applyHeartbeatJob(cmd.Data)
	case opExpireStaged:
		return f.applyExpireStaged(cmd.Data)
	case opSetChunkListOwner:
		return f.applySetChunkListOwner(cmd.Data)
	case opUpdateRequisition:
		return f.applyUpdateRequisition(cmd.Data)
	case opExportChunks:
		return f.applyExportChunks(cmd.Data)
	case opUnexportChunks:
		return f.applyUnexportChunks(cmd.Data)
	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

func (f *ChunkManagerFSM) applyCreateChunk(data json.RawMessage) interface{} {
	var payload createChunkCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal create_chunk: %w", err)
	}
	req := payload.Req

	c, err := f.tree.CreateChunk(chunktree.CreateChunkParams{
		TransactionID:           req.TransactionID,
		Type:                    req.Type,
		Account:                 req.Account,
		ReplicationFactor:       req.ReplicationFactor,
		MinReplicationFactor:    req.MinReplicationFactor,
		MaxReplicationFactor:    req.MaxReplicationFactor,
		Codec:                   req.Codec,
		MediumIndex:             payload.MediumIndex,
		ReadQuorum:              req.ReadQuorum,
		WriteQuorum:             req.WriteQuorum,
		Movable:                 req.Movable,
		Vital:                   req.Vital,
		Overlayed:               req.Overlayed,
		CRPHash:                 req.CRPHash,
		ReplicaLagLimit:         req.ReplicaLagLimit,
		HintID:                  req.ChunkIDHint,
		StagedExpirationTimeout: payload.StagedExpirationTimeout,
		Now:                     payload.Now,
	})
	if err != nil {
		return err
	}

	if req.ChunkListID != nil {
		if err := f.tree.AttachToChunkList(*req.ChunkListID, []chunktree.ChildRef{{Kind: chunktree.ChildChunk, ID: c.ID}}); err != nil {
			return err
		}
	}

	if !c.ExpirationTime.IsZero() {
		f.expiration.Schedule(c.ID, c.ExpirationTime)
	}

	if err := f.store.PutChunk(c); err != nil {
		fsmLog.Error().Err(err).Str("chunk", c.ID.String()).Msg("mirror create_chunk to store failed")
	}

	return CreateChunkResponse{ChunkID: c.ID, MediumIndex: payload.MediumIndex}
}

func (f *ChunkManagerFSM) applyConfirmChunk(data json.RawMessage) interface{} {
	var req ConfirmChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("unmarshal confirm_chunk: %w", err)
	}

	if err := f.tree.ConfirmChunk(req.ChunkID, chunktree.ConfirmChunkParams{
		Replicas: req.Replicas,
		Meta:     req.Meta,
	}); err != nil {
		return err
	}
	f.expiration.Cancel(req.ChunkID)

	c, err := f.tree.GetChunk(req.ChunkID)
	if err == nil {
		if putErr := f.store.PutChunk(c); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk", req.ChunkID.String()).Msg("mirror confirm_chunk to store failed")
		}
	}
	return nil
}

func (f *ChunkManagerFSM) applySealChunk(data json.RawMessage) interface{} {
	var req SealChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("unmarshal seal_chunk: %w", err)
	}

	if _, err := f.tree.SealChunk(req.ChunkID, req.Info); err != nil {
		return err
	}

	c, err := f.tree.GetChunk(req.ChunkID)
	if err == nil {
		if putErr := f.store.PutChunk(c); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk", req.ChunkID.String()).Msg("mirror seal_chunk to store failed")
		}
	}
	return nil
}

func (f *ChunkManagerFSM) applyCreateChunkLists(data json.RawMessage) interface{} {
	var payload createChunkListsCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal create_chunk_lists: %w", err)
	}

	ids := make([]chunkid.ID, 0, payload.Count)
	for i := 0; i < payload.Count; i++ {
		cl, err := f.tree.CreateChunkList(chunktree.KindStatic)
		if err != nil {
			return err
		}
		if putErr := f.store.PutChunkList(cl); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk_list", cl.ID.String()).Msg("mirror create_chunk_lists to store failed")
		}
		ids = append(ids, cl.ID)
	}
	return ids
}

func (f *ChunkManagerFSM) applyAttachChunkTrees(data json.RawMessage) interface{} {
	var req AttachChunkTreesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("unmarshal attach_chunk_trees: %w", err)
	}

	if err := f.tree.AttachToChunkList(req.ParentID, req.Children); err != nil {
		return err
	}

	if cl, err := f.tree.GetChunkList(req.ParentID); err == nil {
		if putErr := f.store.PutChunkList(cl); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk_list", req.ParentID.String()).Msg("mirror attach_chunk_trees to store failed")
		}
	}
	return nil
}

func (f *ChunkManagerFSM) applyUnstageChunkTree(data json.RawMessage) interface{} {
	var req UnstageChunkTreeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("unmarshal unstage_chunk_tree: %w", err)
	}
	return f.unstage(req)
}

// unstage releases the staging transaction's hold on a chunk tree: a bare
// chunk is destroyed outright, a chunk list's children are detached
// (recursively, if requested) before the list itself goes.
func (f *ChunkManagerFSM) unstage(req UnstageChunkTreeRequest) interface{} {
	if c, err := f.tree.GetChunk(req.ChunkTreeID); err == nil {
		f.tree.DestroyChunk(c.ID)
		f.expiration.Cancel(c.ID)
		if delErr := f.store.DeleteChunk(c.ID.String()); delErr != nil {
			fsmLog.Error().Err(delErr).Str("chunk", c.ID.String()).Msg("mirror unstage_chunk_tree delete to store failed")
		}
		return nil
	}

	cl, err := f.tree.GetChunkList(req.ChunkTreeID)
	if err != nil {
		return chunkerrors.NoSuchChunkList(req.ChunkTreeID.String())
	}

	children := append([]chunktree.ChildRef(nil), cl.Children...)
	if err := f.tree.DetachFromChunkList(req.ChunkTreeID, children, chunktree.DetachUpdateStatistics); err != nil {
		return err
	}

	if req.Recursive {
		for _, child := range children {
			switch child.Kind {
			case chunktree.ChildChunkList:
				if sub, err := f.tree.GetChunkList(child.ID); err == nil && sub.ParentCount() == 0 {
					f.unstage(UnstageChunkTreeRequest{ChunkTreeID: child.ID, Recursive: true})
				}
			case chunktree.ChildChunk:
				if c, err := f.tree.GetChunk(child.ID); err == nil && c.ParentCount() == 0 {
					f.tree.DestroyChunk(c.ID)
					f.expiration.Cancel(c.ID)
					if delErr := f.store.DeleteChunk(c.ID.String()); delErr != nil {
						fsmLog.Error().Err(delErr).Str("chunk", c.ID.String()).Msg("mirror unstage_chunk_tree delete to store failed")
					}
				}
			}
		}
	}

	if cl.ParentCount() == 0 {
		f.tree.DestroyChunkList(req.ChunkTreeID)
		if delErr := f.store.DeleteChunkList(req.ChunkTreeID.String()); delErr != nil {
			fsmLog.Error().Err(delErr).Str("chunk_list", req.ChunkTreeID.String()).Msg("mirror unstage_chunk_tree delete to store failed")
		}
	}
	return nil
}

// applyExpireStaged unstages every chunk whose staging expiration has
// passed as of payload.Now. Every replica's tracker holds the same
// schedule (built from the same sequence of create/confirm commands), so
// Expired(now) returns the same set on every replica given the same now.
func (f *ChunkManagerFSM) applyExpireStaged(data json.RawMessage) interface{} {
	var payload expireStagedCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal expire_staged_chunks: %w", err)
	}
	expired := f.expiration.Expired(payload.Now)
	for _, id := range expired {
		f.unstage(UnstageChunkTreeRequest{ChunkTreeID: id})
	}
	return len(expired)
}

func (f *ChunkManagerFSM) applySetChunkListOwner(data json.RawMessage) interface{} {
	var payload setChunkListOwnerCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal set_chunk_list_owner: %w", err)
	}
	if err := f.tree.SetChunkListOwner(payload.ChunkListID, payload.OwnerTag, !payload.Remove); err != nil {
		return err
	}
	if payload.Remove {
		f.owners.Remove(payload.OwnerTag)
	} else {
		f.owners.Set(payload.OwnerTag, payload.Policy)
	}
	if cl, err := f.tree.GetChunkList(payload.ChunkListID); err == nil {
		if putErr := f.store.PutChunkList(cl); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk_list", payload.ChunkListID.String()).Msg("mirror set_chunk_list_owner to store failed")
		}
	}
	return nil
}

// applyUpdateRequisition recomputes every batched chunk's effective
// requisition and, for a change, atomically republishes it: native chunks
// move their resource charge from the old entries to the new ones and
// write the new local index; foreign chunks publish the new external
// index for this cell and forward the update to their native cell. A
// chunk Effective can't resolve (ambiguous or ownerless BFS) is left with
// its current requisition, matching create/confirm's own semantics.
func (f *ChunkManagerFSM) applyUpdateRequisition(data json.RawMessage) interface{} {
	var payload updateRequisitionCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal update_requisition: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RequisitionScanDuration)

	updated := 0
	for _, id := range payload.ChunkIDs {
		c, err := f.tree.GetChunk(id)
		if err != nil {
			continue
		}
		eff, ok := requisition.Effective(f.tree, c, f.owners.Entries)
		if !ok {
			continue
		}

		if c.Foreign {
			f.applyForeignRequisition(c, eff)
			continue
		}
		if f.applyNativeRequisition(c, eff) {
			updated++
			if putErr := f.store.PutChunk(c); putErr != nil {
				fsmLog.Error().Err(putErr).Str("chunk", c.ID.String()).Msg("mirror update_requisition to store failed")
			}
		}
	}
	return updated
}

// applyNativeRequisition interns eff, and if it differs from c's current
// requisition, moves resource usage from the old entries to the new ones
// and publishes the new local index. Returns whether the chunk changed.
func (f *ChunkManagerFSM) applyNativeRequisition(c *chunktree.Chunk, eff requisition.Requisition) bool {
	newIdx := f.reqs.Intern(eff)

	oldIdx := c.LocalRequisitionIndex
	if oldIdx == newIdx {
		f.reqs.Release(newIdx)
		return false
	}

	if oldReq, ok := f.reqs.Get(oldIdx); ok {
		for k, u := range requisition.Usage(c, oldReq) {
			f.accounts.Sub(k.Account, k.Medium, u)
		}
		f.reqs.Release(oldIdx)
	}
	for k, u := range requisition.Usage(c, eff) {
		f.accounts.Add(k.Account, k.Medium, u)
	}

	c.LocalRequisitionIndex = newIdx
	return true
}

// applyForeignRequisition publishes eff as this cell's external index for
// a chunk it imported, and forwards the update to the chunk's native
// cell over Forwarder (a no-op with no Forwarder wired).
func (f *ChunkManagerFSM) applyForeignRequisition(c *chunktree.Chunk, eff requisition.Requisition) {
	newIdx := f.reqs.Intern(eff)

	if c.ExternalRequisitionIndex == nil {
		c.ExternalRequisitionIndex = make(map[string]int)
	}
	if oldIdx, ok := c.ExternalRequisitionIndex[f.cellTag]; ok {
		if oldIdx == newIdx {
			f.reqs.Release(newIdx)
			return
		}
		f.reqs.Release(oldIdx)
	}
	c.ExternalRequisitionIndex[f.cellTag] = newIdx

	if f.forwarder != nil {
		if err := f.forwarder.ForwardRequisitionUpdate(context.Background(), c.ID, eff); err != nil {
			fsmLog.Error().Err(err).Str("chunk", c.ID.String()).Msg("forward requisition update to native cell failed")
		}
	}
	if putErr := f.store.PutChunk(c); putErr != nil {
		fsmLog.Error().Err(putErr).Str("chunk", c.ID.String()).Msg("mirror update_requisition to store failed")
	}
}

// applyExportChunks implements export: for each chunk, bumps its per-cell
// export refcount and assigns (on first export to that cell) an
// external-requisition slot pinned to the chunk's current local
// requisition.
func (f *ChunkManagerFSM) applyExportChunks(data json.RawMessage) interface{} {
	var payload exportChunksCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal export_chunks: %w", err)
	}

	out := make([]*chunktree.Chunk, 0, len(payload.ChunkIDs))
	for _, id := range payload.ChunkIDs {
		c, err := f.tree.GetChunk(id)
		if err != nil {
			return err
		}
		if c.ExportRefCount == nil {
			c.ExportRefCount = make(map[string]int)
		}
		c.ExportRefCount[payload.CellTag]++

		if c.ExternalRequisitionIndex == nil {
			c.ExternalRequisitionIndex = make(map[string]int)
		}
		if _, ok := c.ExternalRequisitionIndex[payload.CellTag]; !ok {
			req, _ := f.reqs.Get(c.LocalRequisitionIndex)
			c.ExternalRequisitionIndex[payload.CellTag] = f.reqs.Intern(req)
		}

		if putErr := f.store.PutChunk(c); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk", c.ID.String()).Msg("mirror export_chunks to store failed")
		}
		out = append(out, c)
	}
	return out
}

// applyUnexportChunks implements unexport: drops one reference per chunk
// from the importing cell's refcount, and once it reaches zero retires
// the external-requisition slot and, for a sealed chunk, credits its
// resource usage back.
func (f *ChunkManagerFSM) applyUnexportChunks(data json.RawMessage) interface{} {
	var payload unexportChunksCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal unexport_chunks: %w", err)
	}

	for _, id := range payload.ChunkIDs {
		c, err := f.tree.GetChunk(id)
		if err != nil {
			continue
		}
		if c.ExportRefCount[payload.CellTag] <= 0 {
			continue
		}
		c.ExportRefCount[payload.CellTag]--
		if c.ExportRefCount[payload.CellTag] > 0 {
			continue
		}
		delete(c.ExportRefCount, payload.CellTag)

		idx, ok := c.ExternalRequisitionIndex[payload.CellTag]
		if !ok {
			continue
		}
		delete(c.ExternalRequisitionIndex, payload.CellTag)
		if req, ok := f.reqs.Get(idx); ok && c.Meta != nil {
			for k, u := range requisition.Usage(c, req) {
				f.accounts.Sub(k.Account, k.Medium, u)
			}
		}
		f.reqs.Release(idx)

		if putErr := f.store.PutChunk(c); putErr != nil {
			fsmLog.Error().Err(putErr).Str("chunk", c.ID.String()).Msg("mirror unexport_chunks to store failed")
		}
	}
	return nil
}

func (f *ChunkManagerFSM) applyImportChunks(data json.RawMessage) interface{} {
	var payload importChunksCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal import_chunks: %w", err)
	}

	for _, c := range payload.Chunks {
		f.tree.ImportChunk(c)
		if err := f.store.PutChunk(c); err != nil {
			fsmLog.Error().Err(err).Str("chunk", c.ID.String()).Msg("mirror import_chunks to store failed")
		}
	}
	return nil
}

func (f *ChunkManagerFSM) applyHeartbeatJob(data json.RawMessage) interface{} {
	var payload heartbeatCommand
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal heartbeat_job: %w", err)
	}
	req := payload.Req

	n, ok := f.nodes.Get(req.NodeID)
	if !ok {
		n = node.New(req.NodeID, req.Rack, req.DataCenter)
		f.nodes.Put(n)
	}
	n.ResourceUsed = req.ResourceUsage
	n.ResourceLimits = req.ResourceLimits

	// Jobs are processed first, then replica state, matching the
	// per-heartbeat ordering guarantee: added before removed before the
	// unapproved sweep.
	jobResult := f.jobs.ProcessHeartbeat(req.NodeID, req.ReportedJobs, req.SlotLimits, nil, payload.Now)

	if len(req.Full) > 0 {
		f.replicas.ApplyFullHeartbeat(n, req.Full)
	}
	if len(req.Added) > 0 || len(req.Removed) > 0 || len(req.ConfirmedEndorsements) > 0 {
		f.replicas.ApplyIncrementalHeartbeat(n, replica.IncrementalHeartbeat{
			Added:                 req.Added,
			Removed:               req.Removed,
			ConfirmedEndorsements: req.ConfirmedEndorsements,
			Now:                   payload.Now,
			ChunkAlive: func(id chunkid.ID) bool {
				_, err := f.tree.GetChunk(id)
				return err == nil
			},
		})
	}

	if err := f.store.PutNode(n.Export()); err != nil {
		fsmLog.Error().Err(err).Str("node", string(n.ID)).Msg("mirror heartbeat_job to store failed")
	}

	return HeartbeatJobResponse{
		JobsToStart:           jobResult.JobsToStart,
		JobsToAbort:           jobResult.JobsToAbort,
		JobsToRemove:          jobResult.JobsToRemove,
		ConfirmedEndorsements: req.ConfirmedEndorsements,
	}
}

// chunkManagerSnapshot is the full point-in-time state captured by
// Snapshot and replayed by Restore.
type chunkManagerSnapshot struct {
	Tree     chunktree.Snapshot        `json:"tree"`
	Nodes    []node.Record             `json:"nodes"`
	Reqs     []requisition.Record      `json:"requisitions"`
	Owners   []requisition.OwnerRecord `json:"owners"`
	Accounts []account.Record          `json:"accounts"`
}

// Snapshot captures every registry's state for Raft's log compaction.
// media is not included: it is seeded from configuration at startup and
// never mutated through a Raft command.
func (f *ChunkManagerFSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := chunkManagerSnapshot{
		Tree:     f.tree.Snapshot(),
		Nodes:    f.nodes.Snapshot(),
		Reqs:     f.reqs.Snapshot(),
		Owners:   f.owners.Snapshot(),
		Accounts: f.accounts.Snapshot(),
	}
	return &fsmSnapshot{snapshot: snap}, nil
}

// Restore replaces every registry's state from a previously persisted
// snapshot, then mirrors it into store.
func (f *ChunkManagerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap chunkManagerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.tree.Restore(snap.Tree)
	f.nodes.Restore(snap.Nodes)
	f.reqs.Restore(snap.Reqs)
	f.owners.Restore(snap.Owners)
	f.accounts.Restore(snap.Accounts)

	f.expiration = expiration.NewTracker()
	for _, c := range snap.Tree.Chunks {
		if !c.ExpirationTime.IsZero() {
			f.expiration.Schedule(c.ID, c.ExpirationTime)
		}
		if err := f.store.PutChunk(c); err != nil {
			return fmt.Errorf("restore chunk %s: %w", c.ID, err)
		}
	}
	for _, cl := range snap.Tree.ChunkLists {
		if err := f.store.PutChunkList(cl); err != nil {
			return fmt.Errorf("restore chunk list %s: %w", cl.ID, err)
		}
	}
	for _, cv := range snap.Tree.ChunkViews {
		if err := f.store.PutChunkView(cv); err != nil {
			return fmt.Errorf("restore chunk view %s: %w", cv.ID, err)
		}
	}
	for _, ds := range snap.Tree.DynamicStores {
		if err := f.store.PutDynamicStore(ds); err != nil {
			return fmt.Errorf("restore dynamic store %s: %w", ds.ID, err)
		}
	}
	for _, rec := range snap.Nodes {
		if err := f.store.PutNode(rec); err != nil {
			return fmt.Errorf("restore node %s: %w", rec.ID, err)
		}
	}
	for _, rec := range snap.Reqs {
		if err := f.store.PutRequisition(rec); err != nil {
			return fmt.Errorf("restore requisition %d: %w", rec.Index, err)
		}
	}

	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over a point-in-time
// chunkManagerSnapshot.
type fsmSnapshot struct {
	snapshot chunkManagerSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.snapshot)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
