package chunktree

import (
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/node"
)

var registryLog = log.WithComponent("chunktree")

// DetachPolicy controls what DetachFromChunkList does with statistics on
// the way out.
type DetachPolicy int

const (
	// DetachUpdateStatistics subtracts the detached child's aggregated
	// stats from every unique ancestor.
	DetachUpdateStatistics DetachPolicy = iota
	// DetachStatisticsNeutral leaves statistics untouched; the caller is
	// responsible for maintaining aggregates (used by the merger when it
	// detaches the rest of a run after replacing the run's first child).
	DetachStatisticsNeutral
)

// Registry is the authoritative catalog of chunks, chunk lists, chunk
// views, and dynamic stores.
type Registry struct {
	mu sync.RWMutex

	chunks        map[chunkid.ID]*Chunk
	chunkLists    map[chunkid.ID]*ChunkList
	chunkViews    map[chunkid.ID]*ChunkView
	dynamicStores map[chunkid.ID]*DynamicStore
}

// NewRegistry creates an empty chunk-tree registry.
func NewRegistry() *Registry {
	return &Registry{
		chunks:        make(map[chunkid.ID]*Chunk),
		chunkLists:    make(map[chunkid.ID]*ChunkList),
		chunkViews:    make(map[chunkid.ID]*ChunkView),
		dynamicStores: make(map[chunkid.ID]*DynamicStore),
	}
}

// CreateChunkParams bundles create_chunk's request fields.
type CreateChunkParams struct {
	TransactionID     string
	Type              chunkid.Type
	Account           string
	ReplicationFactor int
	Codec             string
	MediumIndex       int
	ReadQuorum        int
	WriteQuorum       int
	Movable           bool
	Vital             bool
	Overlayed         bool
	CRPHash           uint64
	ReplicaLagLimit   int64
	HintID            *chunkid.ID

	MinReplicationFactor int
	MaxReplicationFactor int

	// AdmitResourceIncrease is called to check account quota; nil means
	// always admit (tests may omit it).
	AdmitResourceIncrease func(account string) bool

	StagedExpirationTimeout time.Duration
	Now                     time.Time
}

// CreateChunk implements create_chunk.
func (r *Registry) CreateChunk(p CreateChunkParams) (*Chunk, error) {
	if p.ReplicationFactor < p.MinReplicationFactor || p.ReplicationFactor > p.MaxReplicationFactor {
		return nil, chunkerrors.InvalidArgument("replication factor %d out of range [%d,%d]", p.ReplicationFactor, p.MinReplicationFactor, p.MaxReplicationFactor)
	}
	if p.AdmitResourceIncrease != nil && !p.AdmitResourceIncrease(p.Account) {
		return nil, chunkerrors.AccountLimitExceeded("account %s cannot admit resource increase", p.Account)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id chunkid.ID
	if p.HintID != nil {
		if _, exists := r.chunks[*p.HintID]; exists {
			return nil, chunkerrors.InvalidArgument("hinted chunk id %s collides with an existing chunk", p.HintID)
		}
		id = *p.HintID
	} else {
		generated, err := chunkid.New(p.Type, 0, 0)
		if err != nil {
			return nil, chunkerrors.Internal("generate chunk id: %v", err)
		}
		id = generated
	}

	rf := p.ReplicationFactor
	c := &Chunk{
		ID:                   id,
		Type:                 p.Type,
		Account:              p.Account,
		ReplicationFactor:    rf,
		ErasureCodec:         p.Codec,
		ReadQuorum:           p.ReadQuorum,
		WriteQuorum:          p.WriteQuorum,
		ReplicaLagLimit:      p.ReplicaLagLimit,
		Overlayed:            p.Overlayed,
		Movable:              p.Movable,
		Vital:                p.Vital,
		CRPHash:              p.CRPHash,
		StagingTransactionID: p.TransactionID,
		// -1 means no requisition has been interned yet, distinct from
		// the registry's valid index 0.
		LocalRequisitionIndex: -1,
	}
	if !p.Now.IsZero() && p.StagedExpirationTimeout > 0 {
		c.ExpirationTime = p.Now.Add(p.StagedExpirationTimeout)
	}
	r.chunks[id] = c
	return c, nil
}

// ConfirmChunkParams bundles confirm_chunk's request fields.
type ConfirmChunkParams struct {
	Replicas []ReplicaTuple
	Meta     *Meta

	// NodeReportedHeartbeat tells confirm_chunk whether a replica's
	// hosting node has reported heartbeat yet; only then is the replica
	// added as unapproved.
	NodeReportedHeartbeat func(n ReplicaTuple) bool
	// OnUnapprovedReplicaAdded lets the replica state machine record the
	// mutation timestamp on the hosting node.
	OnUnapprovedReplicaAdded func(n ReplicaTuple)
	// HunkChunkExists validates every hunk-ref in meta resolves.
	HunkChunkExists func(id chunkid.ID) bool
}

// ConfirmChunk implements confirm_chunk. Idempotent: confirming an
// already-confirmed chunk is a no-op.
func (r *Registry) ConfirmChunk(id chunkid.ID, p ConfirmChunkParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chunks[id]
	if !ok {
		return chunkerrors.NoSuchChunk(id.String())
	}
	if c.Confirmed {
		return nil
	}
	if p.Meta != nil && p.HunkChunkExists != nil {
		for _, h := range p.Meta.HunkRefs {
			if !p.HunkChunkExists(h) {
				return chunkerrors.InvalidArgument("confirm_chunk: hunk chunk %s missing", h)
			}
		}
	}

	c.Meta = p.Meta
	c.StagingTransactionID = ""
	c.ExpirationTime = time.Time{}

	for _, rep := range p.Replicas {
		if c.HasReplicaTuple(rep.Node, rep.MediumIndex, rep.ReplicaIndex) {
			continue
		}
		c.StoredReplicas = append(c.StoredReplicas, rep)
		if p.NodeReportedHeartbeat != nil && p.NodeReportedHeartbeat(rep) && p.OnUnapprovedReplicaAdded != nil {
			p.OnUnapprovedReplicaAdded(rep)
		}
	}

	c.Confirmed = true
	if !c.IsJournal() {
		c.Sealed = true
	}
	return nil
}

// SealInfo bundles seal_chunk's request fields.
type SealInfo struct {
	RowCount                int64
	FirstOverlayedRowIndex  *int64
	UncompressedDataSize    int64
	CompressedDataSize      int64
}

// SealChunk implements seal_chunk. No-op if already sealed.
// The caller (pkg/sealer) is responsible for the quorum RPC and for the
// left-sibling-sealed precondition check against the parent chunk list,
// since that requires walking this registry's ChunkList children in
// order -- done via FirstUnsealedLeftSibling below.
func (r *Registry) SealChunk(id chunkid.ID, info SealInfo) (rowGap bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chunks[id]
	if !ok {
		return false, chunkerrors.NoSuchChunk(id.String())
	}
	if !c.IsJournal() {
		return false, chunkerrors.InvalidArgument("seal_chunk: %s is not a journal chunk", id)
	}
	if !c.Confirmed {
		return false, chunkerrors.InvalidArgument("seal_chunk: %s is not confirmed", id)
	}
	if c.Sealed {
		return false, nil
	}

	c.Sealed = true
	if c.Meta == nil {
		c.Meta = &Meta{}
	}
	rowGap = info.FirstOverlayedRowIndex != nil && *info.FirstOverlayedRowIndex > c.Meta.RowCount
	c.Meta.RowCount = info.RowCount
	c.Meta.UncompressedDataSize = info.UncompressedDataSize
	c.Meta.CompressedDataSize = info.CompressedDataSize

	for i := range c.StoredReplicas {
		if c.StoredReplicas[i].State == node.ReplicaUnsealed {
			c.StoredReplicas[i].State = node.ReplicaSealed
		}
	}
	return rowGap, nil
}

// GetChunk looks a chunk up by id.
func (r *Registry) GetChunk(id chunkid.ID) (*Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chunks[id]
	if !ok {
		return nil, chunkerrors.NoSuchChunk(id.String())
	}
	return c, nil
}

// ListChunks returns every chunk in the registry. Intended for scanners
// and snapshotting only.
func (r *Registry) ListChunks() []*Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Chunk, 0, len(r.chunks))
	for _, c := range r.chunks {
		out = append(out, c)
	}
	return out
}

// DestroyChunk removes a chunk once its parent-count has reached zero and
// its staging transaction (if any) has ended.
func (r *Registry) DestroyChunk(id chunkid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, id)
}

// ImportChunk installs a fully-formed chunk exported from another cell,
// overwriting any existing entry with the same id.
func (r *Registry) ImportChunk(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[c.ID] = c
}

// DestroyChunkList removes a chunk list once its parent-count has reached
// zero.
func (r *Registry) DestroyChunkList(id chunkid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunkLists, id)
}

// CreateChunkList implements create_chunk_list.
func (r *Registry) CreateChunkList(kind ChunkListKind) (*ChunkList, error) {
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	if err != nil {
		return nil, chunkerrors.Internal("generate chunk list id: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := NewChunkList(id, kind)
	r.chunkLists[id] = cl
	return cl, nil
}

// SetChunkListOwner installs or removes tag from id's OwningNodes set,
// the narrow root-of-the-tree marker requisition propagation's BFS stops
// at. Bumps Version on an actual change; a no-op toggle (already
// owned/already absent) leaves Version untouched.
func (r *Registry) SetChunkListOwner(id chunkid.ID, tag string, owned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl, ok := r.chunkLists[id]
	if !ok {
		return chunkerrors.NoSuchChunkList(id.String())
	}
	if owned {
		if cl.OwningNodes[tag] {
			return nil
		}
		if cl.OwningNodes == nil {
			cl.OwningNodes = make(map[string]bool)
		}
		cl.OwningNodes[tag] = true
	} else {
		if !cl.OwningNodes[tag] {
			return nil
		}
		delete(cl.OwningNodes, tag)
	}
	cl.Version++
	return nil
}

// GetChunkList looks a chunk list up by id.
func (r *Registry) GetChunkList(id chunkid.ID) (*ChunkList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.chunkLists[id]
	if !ok {
		return nil, chunkerrors.NoSuchChunkList(id.String())
	}
	return cl, nil
}

// ListChunkLists returns every chunk list in the registry.
func (r *Registry) ListChunkLists() []*ChunkList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChunkList, 0, len(r.chunkLists))
	for _, cl := range r.chunkLists {
		out = append(out, cl)
	}
	return out
}

// childStatistics returns the aggregated statistics contribution of a
// single child, used when attaching/detaching.
func (r *Registry) childStatistics(ref ChildRef) Statistics {
	switch ref.Kind {
	case ChildChunk:
		if c, ok := r.chunks[ref.ID]; ok && c.Meta != nil {
			return Statistics{
				RowCount:             c.Meta.RowCount,
				ChunkCount:           1,
				UncompressedDataSize: c.Meta.UncompressedDataSize,
				CompressedDataSize:   c.Meta.CompressedDataSize,
			}
		}
		return Statistics{ChunkCount: 1}
	case ChildChunkList:
		if cl, ok := r.chunkLists[ref.ID]; ok {
			s := cl.Statistics
			s.Rank++
			return s
		}
	}
	return Statistics{}
}

// AttachToChunkList implements attach_to_chunk_list: appends children,
// bumps their parent refcounts, and bubbles aggregated statistics through
// every *unique* ancestor (an ancestor reached via multiple paths is
// visited exactly once).
func (r *Registry) AttachToChunkList(parentID chunkid.ID, children []ChildRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.chunkLists[parentID]
	if !ok {
		return chunkerrors.NoSuchChunkList(parentID.String())
	}

	var delta Statistics
	for _, ref := range children {
		parent.Children = append(parent.Children, ref)
		delta.Add(r.childStatistics(ref))
		switch ref.Kind {
		case ChildChunk:
			if c, ok := r.chunks[ref.ID]; ok {
				c.AddParent(parentID)
			}
		case ChildChunkList:
			if cl, ok := r.chunkLists[ref.ID]; ok {
				cl.AddParent(parentID)
			}
		case ChildChunkView:
			if cv, ok := r.chunkViews[ref.ID]; ok {
				cv.Parents = append(cv.Parents, ParentRef{ChunkListID: parentID, Cardinality: 1})
			}
		case ChildDynamicStore:
			if ds, ok := r.dynamicStores[ref.ID]; ok {
				ds.Parents = append(ds.Parents, ParentRef{ChunkListID: parentID, Cardinality: 1})
			}
		}
	}
	parent.Statistics.Add(delta)
	parent.Version++
	r.bubbleStatistics(parentID, delta)
	return nil
}

// DetachFromChunkList implements detach_from_chunk_list.
func (r *Registry) DetachFromChunkList(parentID chunkid.ID, children []ChildRef, policy DetachPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.chunkLists[parentID]
	if !ok {
		return chunkerrors.NoSuchChunkList(parentID.String())
	}

	var delta Statistics
	for _, target := range children {
		for i, existing := range parent.Children {
			if existing.Kind == target.Kind && existing.ID == target.ID {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		delta.Add(r.childStatistics(target))
		switch target.Kind {
		case ChildChunk:
			if c, ok := r.chunks[target.ID]; ok {
				c.RemoveParent(parentID)
			}
		case ChildChunkList:
			if cl, ok := r.chunkLists[target.ID]; ok {
				cl.RemoveParent(parentID)
			}
		}
	}

	if policy == DetachUpdateStatistics {
		parent.Statistics.Sub(delta)
		r.bubbleStatistics(parentID, Statistics{
			RowCount:             -delta.RowCount,
			ChunkCount:           -delta.ChunkCount,
			UncompressedDataSize: -delta.UncompressedDataSize,
			CompressedDataSize:   -delta.CompressedDataSize,
		})
	}
	parent.Version++
	return nil
}

// ReplaceChunkListChild implements replace_chunk_list_child:
// statistics-neutral, the caller maintains aggregates.
func (r *Registry) ReplaceChunkListChild(parentID chunkid.ID, index int, newChild ChildRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.chunkLists[parentID]
	if !ok {
		return chunkerrors.NoSuchChunkList(parentID.String())
	}
	if index < 0 || index >= len(parent.Children) {
		return chunkerrors.InvalidArgument("replace_chunk_list_child: index %d out of range", index)
	}
	old := parent.Children[index]
	parent.Children[index] = newChild
	parent.Version++

	switch old.Kind {
	case ChildChunk:
		if c, ok := r.chunks[old.ID]; ok {
			c.RemoveParent(parentID)
		}
	case ChildChunkList:
		if cl, ok := r.chunkLists[old.ID]; ok {
			cl.RemoveParent(parentID)
		}
	}
	switch newChild.Kind {
	case ChildChunk:
		if c, ok := r.chunks[newChild.ID]; ok {
			c.AddParent(parentID)
		}
	case ChildChunkList:
		if cl, ok := r.chunkLists[newChild.ID]; ok {
			cl.AddParent(parentID)
		}
	}
	return nil
}

// bubbleStatistics walks every unique ancestor of listID (via an explicit
// stack, not recursion) applying delta exactly once per ancestor even
// when reached through multiple parent paths.
func (r *Registry) bubbleStatistics(listID chunkid.ID, delta Statistics) {
	visited := map[chunkid.ID]bool{listID: true}
	stack := r.parentListIDs(listID)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		cl, ok := r.chunkLists[id]
		if !ok {
			continue
		}
		cl.Statistics.Add(delta)
		cl.Version++
		stack = append(stack, r.parentListIDs(id)...)
	}
}

func (r *Registry) parentListIDs(listID chunkid.ID) []chunkid.ID {
	cl, ok := r.chunkLists[listID]
	if !ok {
		return nil
	}
	out := make([]chunkid.ID, 0, len(cl.Parents))
	for _, p := range cl.Parents {
		out = append(out, p.ChunkListID)
	}
	return out
}

// FirstUnsealedLeftSibling returns the id of the first unsealed journal
// chunk that precedes child within parent's children, or chunkid.Nil if
// none exists. Used by the sealer to enforce that no left sibling is
// unsealed.
func (r *Registry) FirstUnsealedLeftSibling(parentID, childID chunkid.ID) (chunkid.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parent, ok := r.chunkLists[parentID]
	if !ok {
		return chunkid.Nil, chunkerrors.NoSuchChunkList(parentID.String())
	}
	for _, ref := range parent.Children {
		if ref.Kind == ChildChunk && ref.ID == childID {
			break
		}
		if ref.Kind != ChildChunk {
			continue
		}
		if c, ok := r.chunks[ref.ID]; ok && c.IsJournal() && !c.Sealed {
			return ref.ID, nil
		}
	}
	return chunkid.Nil, nil
}

// CreateChunkView implements create_chunk_view. Composition collapses
// eagerly: a chunk view over a chunk view is replaced by a single chunk
// view with the intersected range.
func (r *Registry) CreateChunkView(underlying chunkid.ID, readRangeLower, readRangeUpper, txnID string) (*ChunkView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	if err != nil {
		return nil, chunkerrors.Internal("generate chunk view id: %v", err)
	}

	resolvedUnderlying := underlying
	lower, upper := readRangeLower, readRangeUpper
	if existing, ok := r.chunkViews[underlying]; ok {
		resolvedUnderlying = existing.Underlying
		lower = intersectLower(existing.ReadRangeLower, readRangeLower)
		upper = intersectUpper(existing.ReadRangeUpper, readRangeUpper)
	}

	cv := &ChunkView{
		ID:             id,
		Underlying:     resolvedUnderlying,
		ReadRangeLower: lower,
		ReadRangeUpper: upper,
		TransactionID:  txnID,
	}
	r.chunkViews[id] = cv
	return cv, nil
}

func intersectLower(a, b string) string {
	if a > b {
		return a
	}
	return b
}

func intersectUpper(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// CreateDynamicStore creates a dynamic store.
func (r *Registry) CreateDynamicStore() (*DynamicStore, error) {
	id, err := chunkid.New(chunkid.TypeRegular, 0, 0)
	if err != nil {
		return nil, chunkerrors.Internal("generate dynamic store id: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := &DynamicStore{ID: id}
	r.dynamicStores[id] = ds
	return ds, nil
}

// FlushDynamicStore records the real chunk a dynamic store flushed into.
func (r *Registry) FlushDynamicStore(id, flushedChunk chunkid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.dynamicStores[id]
	if !ok {
		return chunkerrors.NoSuchDynamicStore(id.String())
	}
	ds.FlushedChunk = flushedChunk
	ds.Flushed = true
	return nil
}

// GetDynamicStore looks a dynamic store up by id.
func (r *Registry) GetDynamicStore(id chunkid.ID) (*DynamicStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.dynamicStores[id]
	if !ok {
		return nil, chunkerrors.NoSuchDynamicStore(id.String())
	}
	return ds, nil
}

// GetChunkView looks a chunk view up by id.
func (r *Registry) GetChunkView(id chunkid.ID) (*ChunkView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cv, ok := r.chunkViews[id]
	if !ok {
		return nil, chunkerrors.NoSuchChunkView(id.String())
	}
	return cv, nil
}

// AlertInvariantViolation logs and does not abort: a chunk with the
// wrong number of parents, a non-trivial journal tree shape, or a
// seal-produced row gap are all routed through here.
func (r *Registry) AlertInvariantViolation(msg string) {
	log.Alert(registryLog, msg)
}

// ListDynamicStores returns every dynamic store in the registry.
func (r *Registry) ListDynamicStores() []*DynamicStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DynamicStore, 0, len(r.dynamicStores))
	for _, ds := range r.dynamicStores {
		out = append(out, ds)
	}
	return out
}

// ListChunkViews returns every chunk view in the registry.
func (r *Registry) ListChunkViews() []*ChunkView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChunkView, 0, len(r.chunkViews))
	for _, cv := range r.chunkViews {
		out = append(out, cv)
	}
	return out
}

// Snapshot is a full point-in-time dump of the registry's state, used for
// durable persistence and Raft snapshotting.
type Snapshot struct {
	Chunks        []*Chunk        `json:"chunks"`
	ChunkLists    []*ChunkList    `json:"chunk_lists"`
	ChunkViews    []*ChunkView    `json:"chunk_views"`
	DynamicStores []*DynamicStore `json:"dynamic_stores"`
}

// Snapshot captures the registry's entire state.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Chunks:        r.ListChunks(),
		ChunkLists:    r.ListChunkLists(),
		ChunkViews:    r.ListChunkViews(),
		DynamicStores: r.ListDynamicStores(),
	}
}

// Restore replaces the registry's entire state with s, bypassing the
// validation create_chunk/create_chunk_list perform: s is assumed to have
// already been valid when it was captured.
func (r *Registry) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = make(map[chunkid.ID]*Chunk, len(s.Chunks))
	for _, c := range s.Chunks {
		r.chunks[c.ID] = c
	}
	r.chunkLists = make(map[chunkid.ID]*ChunkList, len(s.ChunkLists))
	for _, cl := range s.ChunkLists {
		r.chunkLists[cl.ID] = cl
	}
	r.chunkViews = make(map[chunkid.ID]*ChunkView, len(s.ChunkViews))
	for _, cv := range s.ChunkViews {
		r.chunkViews[cv.ID] = cv
	}
	r.dynamicStores = make(map[chunkid.ID]*DynamicStore, len(s.DynamicStores))
	for _, ds := range s.DynamicStores {
		r.dynamicStores[ds.ID] = ds
	}
}
