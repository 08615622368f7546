package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/chunkmaster/pkg/account"
	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/config"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/health"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/medium"
	"github.com/cuemby/chunkmaster/pkg/mergeauto"
	"github.com/cuemby/chunkmaster/pkg/metrics"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/periodic"
	"github.com/cuemby/chunkmaster/pkg/refresh"
	"github.com/cuemby/chunkmaster/pkg/replica"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/cuemby/chunkmaster/pkg/sealer"
	"github.com/cuemby/chunkmaster/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager is the chunk manager's automaton facade: it owns every registry
// and proposes every mutation through Raft so followers converge on the
// same state. Reads are served straight from the in-memory registries;
// the FSM applies committed commands on every replica, and the node
// watchdog removes silent nodes directly, outside Raft.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *ChunkManagerFSM
	store storage.Store

	cfg *config.Config

	media       *medium.Registry
	reqs        *requisition.Registry
	tree        *chunktree.Registry
	nodes       *node.Registry
	jobs        *jobcontroller.Registry
	replicas    *replica.Engine
	refresh     *refresh.Engine
	sealer      *sealer.Sealer
	merger      *mergeauto.Merger
	autotomizer *mergeauto.Autotomizer
	owners      *requisition.OwnerRegistry
	accounts    *account.Registry
	cellTag     string

	broker   *events.Broker
	watchdog *health.Watchdog
	periodic *periodic.Runner
}

// Config holds the configuration needed to create a Manager.
type Config struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	ChunkConfig   *config.Config
	QuorumClient  sealer.QuorumClient
	ErasureLayout refresh.ErasureLayout

	// CellTag identifies this cell for external-requisition bookkeeping
	// when chunks are exported to or imported from other cells.
	CellTag string
	// Forwarder forwards a foreign chunk's recomputed requisition to its
	// native cell; nil leaves foreign-chunk updates local to this cell.
	Forwarder requisition.Forwarder
}

// NewManager wires every registry and component together behind a single
// Manager, ready to be bootstrapped or joined into a Raft cluster.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	ccfg := cfg.ChunkConfig
	if ccfg == nil {
		ccfg = config.Default()
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	media := medium.NewRegistry(ccfg.Medium.MaxMediumCount)
	reqs := requisition.NewRegistry()
	tree := chunktree.NewRegistry()
	nodes := node.NewRegistry()
	jobs := jobcontroller.NewRegistry(ccfg.Job.JobTimeout)

	// CRP rings are rebuilt from live node token counts by pkg/periodic's
	// rebuild pass rather than persisted; the engine starts with none and
	// picks them up once periodic.Runner seeds them via SetCRPRing.
	refreshEngine := refresh.NewEngine(tree, nodes, reqs, jobs, broker, nil, cfg.ErasureLayout, refresh.EngineConfig{
		ChunkRefreshDelay:        ccfg.Refresh.ChunkRefreshDelay,
		MaxChunksPerRefresh:      ccfg.Refresh.MaxChunksPerRefresh,
		ReplicationPriorityCount: ccfg.Refresh.ReplicationPriorityCount,
		MaxReplicasPerRack:       ccfg.Refresh.MaxReplicasPerRack,
		DefaultReplicationFactor: ccfg.CRP.ReplicasPerChunk,
	})

	replicaEngine := replica.NewEngine(nodes, tree, broker, ccfg.Replica.ReplicaApproveTimeout, func(id chunkid.ID) {
		refreshEngine.ScheduleChunkRefresh(id, time.Now())
	})

	var sl *sealer.Sealer
	if cfg.QuorumClient != nil {
		sl = sealer.NewSealer(tree, cfg.QuorumClient, broker, ccfg.Journal.JournalRPCTimeout)
	}

	merger := mergeauto.NewMerger(tree, jobs, mergeauto.MergeConfig{
		MaxChunksPerBatch: 20,
		MaxRowCount:       512,
		MaxSize:           16 << 20,
		MinChunksPerRun:   2,
	})
	autotomizer := mergeauto.NewAutotomizer(tree, jobs, mergeauto.AutotomizeConfig{
		MaxRowCount: 1 << 20,
		MaxSize:     1 << 30,
	})

	owners := requisition.NewOwnerRegistry()
	accounts := account.NewRegistry()

	fsm := NewChunkManagerFSM(tree, nodes, reqs, media, jobs, replicaEngine, store, owners, accounts, cfg.CellTag, cfg.Forwarder)

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		cfg:         ccfg,
		media:       media,
		reqs:        reqs,
		tree:        tree,
		nodes:       nodes,
		jobs:        jobs,
		replicas:    replicaEngine,
		refresh:     refreshEngine,
		sealer:      sl,
		merger:      merger,
		autotomizer: autotomizer,
		owners:      owners,
		accounts:    accounts,
		cellTag:     cfg.CellTag,
		broker:      broker,
	}

	m.watchdog = health.NewWatchdog(3*ccfg.Replica.ReplicaApproveTimeout, time.Second, func(id node.ID) {
		m.nodes.Remove(id)
		if err := m.store.DeleteNode(string(id)); err != nil {
			fsmLog.Error().Err(err).Str("node", string(id)).Msg("mirror node disposal to store failed")
		}
	})
	periodicCfg := periodic.DefaultConfig()
	periodicCfg.CRPTokensPerNode = ccfg.CRP.TokensPerNode
	periodicCfg.CRPBucketCount = ccfg.CRP.BucketCount
	m.periodic = periodic.NewRunnerWithRequisition(tree, refreshEngine, merger, autotomizer, nodes, media, m.IsLeader, m.expireStagedChunks, m.updateRequisitions, periodicCfg)

	return m, nil
}

// Bootstrap initializes a new single-node Raft cluster rooted at this
// manager.
func (m *Manager) Bootstrap() error {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(m.nodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	m.watchdog.Start()
	m.periodic.Start()

	return nil
}

// AddVoter adds a new manager node to the Raft cluster.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes a server from the Raft cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers returns the current Raft configuration.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this manager currently holds Raft leadership.
// Implements metrics.HealthSetSource.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// RaftStats returns coarse Raft statistics. Implements
// metrics.HealthSetSource.
func (m *Manager) RaftStats() map[string]uint64 {
	if m.raft == nil {
		return nil
	}
	stats := map[string]uint64{
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
	}
	if cf := m.raft.GetConfiguration(); cf.Error() == nil {
		stats["peers"] = uint64(len(cf.Configuration().Servers))
	}
	return stats
}

// HealthSetSizes reports the current size of every cross-medium health
// set. Implements metrics.HealthSetSource.
func (m *Manager) HealthSetSizes() map[string]int {
	return m.refresh.Health().Sizes()
}

// Apply marshals cmd and submits it to the Raft log, blocking until it
// commits (or until the commit times out).
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// NodeID returns the manager's node id.
func (m *Manager) NodeID() string { return m.nodeID }

// Shutdown gracefully stops Raft, the event broker, and closes the store.
func (m *Manager) Shutdown() error {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	if m.periodic != nil {
		m.periodic.Stop()
	}
	if m.broker != nil {
		m.broker.Stop()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// --- Chunk operations ---

// CreateChunkRequest bundles create_chunk's request fields.
type CreateChunkRequest struct {
	Type                 chunkid.Type
	Account              string
	MediumName           string
	ReplicationFactor    int
	MinReplicationFactor int
	MaxReplicationFactor int
	Codec                string
	ReadQuorum           int
	WriteQuorum          int
	ReplicaLagLimit      int64
	Overlayed            bool
	CRPHash              uint64
	ChunkListID          *chunkid.ID
	TransactionID        string
	Movable              bool
	Vital                bool
	ChunkIDHint          *chunkid.ID
}

// CreateChunkResponse is create_chunk's session handle.
type CreateChunkResponse struct {
	ChunkID     chunkid.ID
	MediumIndex int
}

// CreateChunk validates the medium name, stages a new chunk, and (if a
// chunk list id is given) attaches it immediately.
func (m *Manager) CreateChunk(req CreateChunkRequest) (CreateChunkResponse, error) {
	med, err := m.media.ByName(req.MediumName)
	if err != nil {
		return CreateChunkResponse{}, err
	}

	if req.MinReplicationFactor < m.cfg.Replica.MinReplicationFactor {
		return CreateChunkResponse{}, chunkerrors.InvalidArgument(
			"min_replication_factor %d below cluster floor %d", req.MinReplicationFactor, m.cfg.Replica.MinReplicationFactor)
	}
	if req.MaxReplicationFactor > m.cfg.Replica.MaxReplicationFactor {
		return CreateChunkResponse{}, chunkerrors.InvalidArgument(
			"max_replication_factor %d above cluster ceiling %d", req.MaxReplicationFactor, m.cfg.Replica.MaxReplicationFactor)
	}

	data, err := json.Marshal(createChunkCommand{
		Req:                     req,
		MediumIndex:             med.Index,
		StagedExpirationTimeout: m.cfg.Expiration.StagedChunkExpirationTimeout,
		Now:                     time.Now(),
	})
	if err != nil {
		return CreateChunkResponse{}, fmt.Errorf("marshal create_chunk: %w", err)
	}

	resp, err := m.Apply(Command{Op: opCreateChunk, Data: data})
	if err != nil {
		return CreateChunkResponse{}, err
	}
	out, ok := resp.(CreateChunkResponse)
	if !ok {
		return CreateChunkResponse{}, chunkerrors.Internal("create_chunk: unexpected FSM response")
	}
	return out, nil
}

// ConfirmChunkRequest bundles confirm_chunk's request fields.
type ConfirmChunkRequest struct {
	ChunkID  chunkid.ID
	Replicas []chunktree.ReplicaTuple
	Meta     *chunktree.Meta
}

// ConfirmChunk confirms a staged chunk's replicas and metadata.
func (m *Manager) ConfirmChunk(req ConfirmChunkRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal confirm_chunk: %w", err)
	}
	_, err = m.Apply(Command{Op: opConfirmChunk, Data: data})
	return err
}

// SealChunkRequest bundles seal_chunk's request fields.
type SealChunkRequest struct {
	ChunkID chunkid.ID
	Info    chunktree.SealInfo
}

// SealChunk seals a journal chunk.
func (m *Manager) SealChunk(req SealChunkRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal seal_chunk: %w", err)
	}
	_, err = m.Apply(Command{Op: opSealChunk, Data: data})
	return err
}

// CreateChunkLists creates count empty static chunk lists in one mutation.
func (m *Manager) CreateChunkLists(count int) ([]chunkid.ID, error) {
	data, err := json.Marshal(createChunkListsCommand{Count: count})
	if err != nil {
		return nil, fmt.Errorf("marshal create_chunk_lists: %w", err)
	}
	resp, err := m.Apply(Command{Op: opCreateChunkLists, Data: data})
	if err != nil {
		return nil, err
	}
	out, ok := resp.([]chunkid.ID)
	if !ok {
		return nil, chunkerrors.Internal("create_chunk_lists: unexpected FSM response")
	}
	return out, nil
}

// AttachChunkTreesRequest bundles attach_chunk_trees's request fields.
type AttachChunkTreesRequest struct {
	ParentID chunkid.ID
	Children []chunktree.ChildRef
}

// AttachChunkTrees attaches children to a chunk list.
func (m *Manager) AttachChunkTrees(req AttachChunkTreesRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal attach_chunk_trees: %w", err)
	}
	_, err = m.Apply(Command{Op: opAttachChunkTrees, Data: data})
	return err
}

// UnstageChunkTreeRequest bundles unstage_chunk_tree's request fields.
type UnstageChunkTreeRequest struct {
	ChunkTreeID chunkid.ID
	Recursive   bool
}

// UnstageChunkTree releases a staged chunk or chunk list.
func (m *Manager) UnstageChunkTree(req UnstageChunkTreeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal unstage_chunk_tree: %w", err)
	}
	_, err = m.Apply(Command{Op: opUnstageChunkTree, Data: data})
	return err
}

// expireStagedChunks proposes the expiration sweep as a Raft command so
// every replica unstages the same set of timed-out chunks. Wired as
// pkg/periodic's ExpireFunc; errors are logged rather than surfaced since
// there is no caller to return them to.
func (m *Manager) expireStagedChunks(now time.Time) {
	data, err := json.Marshal(expireStagedCommand{Now: now})
	if err != nil {
		fsmLog.Error().Err(err).Msg("marshal expire_staged_chunks failed")
		return
	}
	if _, err := m.Apply(Command{Op: opExpireStaged, Data: data}); err != nil {
		fsmLog.Error().Err(err).Msg("apply expire_staged_chunks failed")
	}
}

// updateRequisitions is wired as pkg/periodic's RequisitionFunc: it
// recomputes and republishes the effective requisition of the given chunks
// as of now, proposing the batch through Raft.
func (m *Manager) updateRequisitions(now time.Time, ids []chunkid.ID) {
	data, err := json.Marshal(updateRequisitionCommand{ChunkIDs: ids, Now: now})
	if err != nil {
		fsmLog.Error().Err(err).Msg("marshal update_requisition failed")
		return
	}
	if _, err := m.Apply(Command{Op: opUpdateRequisition, Data: data}); err != nil {
		fsmLog.Error().Err(err).Msg("apply update_requisition failed")
	}
}

// SetChunkListOwner installs or removes a chunk list as a requisition root:
// owned marks id's OwningNodes set with ownerTag and installs policy as the
// entries and vitality that tag contributes to every chunk beneath it.
func (m *Manager) SetChunkListOwner(id chunkid.ID, ownerTag string, policy requisition.OwnerPolicy) error {
	data, err := json.Marshal(setChunkListOwnerCommand{ChunkListID: id, OwnerTag: ownerTag, Policy: policy})
	if err != nil {
		return fmt.Errorf("marshal set_chunk_list_owner: %w", err)
	}
	_, err = m.Apply(Command{Op: opSetChunkListOwner, Data: data})
	return err
}

// RemoveChunkListOwner drops ownerTag's ownership of id and its installed
// policy.
func (m *Manager) RemoveChunkListOwner(id chunkid.ID, ownerTag string) error {
	data, err := json.Marshal(setChunkListOwnerCommand{ChunkListID: id, OwnerTag: ownerTag, Remove: true})
	if err != nil {
		return fmt.Errorf("marshal set_chunk_list_owner: %w", err)
	}
	_, err = m.Apply(Command{Op: opSetChunkListOwner, Data: data})
	return err
}

// ExportChunks bumps cellTag's per-chunk export refcount and assigns it an
// external-requisition slot, pinning the chunks against local destruction
// while the importing cell holds a reference to them.
func (m *Manager) ExportChunks(cellTag string, ids []chunkid.ID) ([]*chunktree.Chunk, error) {
	data, err := json.Marshal(exportChunksCommand{CellTag: cellTag, ChunkIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal export_chunks: %w", err)
	}
	resp, err := m.Apply(Command{Op: opExportChunks, Data: data})
	if err != nil {
		return nil, err
	}
	out, ok := resp.([]*chunktree.Chunk)
	if !ok {
		return nil, chunkerrors.Internal("export_chunks: unexpected FSM response")
	}
	return out, nil
}

// UnexportChunks drops one of cellTag's export references on each chunk,
// retiring its external-requisition slot and crediting back its resource
// usage once the refcount reaches zero.
func (m *Manager) UnexportChunks(cellTag string, ids []chunkid.ID) error {
	data, err := json.Marshal(unexportChunksCommand{CellTag: cellTag, ChunkIDs: ids})
	if err != nil {
		return fmt.Errorf("marshal unexport_chunks: %w", err)
	}
	_, err = m.Apply(Command{Op: opUnexportChunks, Data: data})
	return err
}

// ImportChunks installs chunks exported from another cell.
func (m *Manager) ImportChunks(chunks []*chunktree.Chunk) error {
	data, err := json.Marshal(importChunksCommand{Chunks: chunks})
	if err != nil {
		return fmt.Errorf("marshal import_chunks: %w", err)
	}
	_, err = m.Apply(Command{Op: opImportChunks, Data: data})
	return err
}

// QuorumSummary is get_chunk_quorum_info's response shape (journal chunks
// only): the manager's current view of the chunk's sealed-replica quorum,
// without issuing any node RPC itself (that is pkg/sealer's job, driven by
// QuorumClient).
type QuorumSummary struct {
	RowCount     int64
	SealedCount  int
	ReplicaCount int
	Sealed       bool
}

// GetChunkQuorumInfo returns a read-only summary of a journal chunk's
// replica quorum state.
func (m *Manager) GetChunkQuorumInfo(id chunkid.ID) (QuorumSummary, error) {
	c, err := m.tree.GetChunk(id)
	if err != nil {
		return QuorumSummary{}, err
	}
	if !c.IsJournal() {
		return QuorumSummary{}, chunkerrors.InvalidArgument("get_chunk_quorum_info: %s is not a journal chunk", id)
	}
	sealed := 0
	for _, rep := range c.StoredReplicas {
		if rep.State == node.ReplicaSealed {
			sealed++
		}
	}
	var rowCount int64
	if c.Meta != nil {
		rowCount = c.Meta.RowCount
	}
	return QuorumSummary{
		RowCount:     rowCount,
		SealedCount:  sealed,
		ReplicaCount: len(c.StoredReplicas),
		Sealed:       c.Sealed,
	}, nil
}

// HeartbeatJobRequest bundles a node's job and replica heartbeat. Both
// phases are processed in the same mutation: jobs first, then replica
// state (added before removed before the unapproved sweep).
type HeartbeatJobRequest struct {
	NodeID         node.ID
	Rack           string
	DataCenter     string
	ResourceUsage  node.ResourceUsage
	ResourceLimits node.ResourceUsage
	SlotLimits     jobcontroller.SlotLimits
	ReportedJobs   []jobcontroller.ReportedJobStatus

	Full                  []replica.ReportedReplica
	Added                 []replica.ReportedReplica
	Removed               []replica.ReportedReplica
	ConfirmedEndorsements []chunkid.ID
}

// HeartbeatJobResponse is what the manager tells a node to do next.
type HeartbeatJobResponse struct {
	JobsToStart           []*jobcontroller.Job
	JobsToAbort           []string
	JobsToRemove          []string
	ConfirmedEndorsements []chunkid.ID
}

// HeartbeatJob applies a node's job and replica heartbeat. The watchdog is
// touched regardless of Raft outcome: a node that is reachable enough to
// send a heartbeat is alive even if this particular Apply call fails.
func (m *Manager) HeartbeatJob(req HeartbeatJobRequest) (HeartbeatJobResponse, error) {
	now := time.Now()
	m.watchdog.Touch(req.NodeID, now)

	data, err := json.Marshal(heartbeatCommand{Req: req, Now: now})
	if err != nil {
		return HeartbeatJobResponse{}, fmt.Errorf("marshal heartbeat_job: %w", err)
	}
	resp, err := m.Apply(Command{Op: opHeartbeatJob, Data: data})
	if err != nil {
		return HeartbeatJobResponse{}, err
	}
	out, ok := resp.(HeartbeatJobResponse)
	if !ok {
		return HeartbeatJobResponse{}, chunkerrors.Internal("heartbeat_job: unexpected FSM response")
	}
	return out, nil
}

// GetChunk is a read-only lookup served directly from the registry.
func (m *Manager) GetChunk(id chunkid.ID) (*chunktree.Chunk, error) {
	return m.tree.GetChunk(id)
}

// GetChunkList is a read-only lookup served directly from the registry.
func (m *Manager) GetChunkList(id chunkid.ID) (*chunktree.ChunkList, error) {
	return m.tree.GetChunkList(id)
}

// ListNodes is a read-only snapshot of every registered storage node.
func (m *Manager) ListNodes() []*node.Node {
	return m.nodes.List()
}
