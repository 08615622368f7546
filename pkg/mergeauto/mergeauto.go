// Package mergeauto implements the chunk merger (coalescing adjacent small
// chunks under a chunk-list owner) and the chunk autotomizer (splitting
// oversize journal chunks along safe row boundaries). Both expose an
// IJobController-shaped schedule/complete pair mirroring the refresh
// engine's job-dispatch pattern.
package mergeauto

import (
	"sync"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/node"
)

var mergeLog = log.WithComponent("mergeauto")

// MergeConfig bounds one merge scan.
type MergeConfig struct {
	MaxChunksPerBatch int
	MaxRowCount       int64
	MaxSize           int64
	MinChunksPerRun   int
}

// Merger scans an owner's chunk tree in bounded batches, groups adjacent
// small chunks into runs, and issues merge jobs that atomically replace the
// run with a single output chunk.
type Merger struct {
	mu       sync.Mutex
	tree     *chunktree.Registry
	jobs     *jobcontroller.Registry
	cfg      MergeConfig
	inFlight map[chunkid.ID]bool
}

// NewMerger creates a merger over tree, dispatching jobs through jobs.
func NewMerger(tree *chunktree.Registry, jobs *jobcontroller.Registry, cfg MergeConfig) *Merger {
	return &Merger{tree: tree, jobs: jobs, cfg: cfg, inFlight: make(map[chunkid.ID]bool)}
}

// IsNodeBeingMerged reports whether owner already has a merge run in
// flight, the idempotence guard schedule_chunk_merge relies on.
func (m *Merger) IsNodeBeingMerged(owner chunkid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[owner]
}

// Run is one contiguous, mergeable span of small chunks found under owner.
type Run struct {
	Owner    chunkid.ID
	Children []chunktree.ChildRef
	Sources  []chunkid.ID
}

// ScheduleChunkMerge implements schedule_chunk_merge: finds runs of
// adjacent, compatible, small chunks under owner and returns the merge work
// to dispatch, skipping owner entirely if it is already being merged.
func (m *Merger) ScheduleChunkMerge(owner chunkid.ID) ([]Run, error) {
	if m.IsNodeBeingMerged(owner) {
		return nil, nil
	}

	list, err := m.tree.GetChunkList(owner)
	if err != nil {
		return nil, err
	}

	var runs []Run
	var current Run
	var currentRows, currentSize int64

	flush := func() {
		if len(current.Children) >= m.cfg.MinChunksPerRun {
			current.Owner = owner
			runs = append(runs, current)
		}
		current = Run{}
		currentRows, currentSize = 0, 0
	}

	for _, child := range list.Children {
		if child.Kind != chunktree.ChildChunk {
			flush()
			continue
		}
		c, err := m.tree.GetChunk(child.ID)
		if err != nil || c.IsJournal() || !c.Sealed {
			flush()
			continue
		}
		rows, size := int64(0), int64(0)
		if c.Meta != nil {
			rows, size = c.Meta.RowCount, c.Meta.CompressedDataSize
		}
		if currentRows+rows > m.cfg.MaxRowCount || currentSize+size > m.cfg.MaxSize || len(current.Children) >= m.cfg.MaxChunksPerBatch {
			flush()
		}
		current.Children = append(current.Children, child)
		current.Sources = append(current.Sources, child.ID)
		currentRows += rows
		currentSize += size
	}
	flush()

	if len(runs) > 0 {
		m.mu.Lock()
		m.inFlight[owner] = true
		m.mu.Unlock()
	}
	return runs, nil
}

// CompleteMerge implements the merger's completion hook: once the node
// reports the merge job done, replace the run's children with the output
// chunk and clear the in-flight marker.
func (m *Merger) CompleteMerge(owner chunkid.ID, run Run, output chunkid.ID) error {
	m.mu.Lock()
	delete(m.inFlight, owner)
	m.mu.Unlock()

	if len(run.Children) == 0 {
		return nil
	}
	list, err := m.tree.GetChunkList(owner)
	if err != nil {
		return err
	}
	firstIdx := -1
	for i, c := range list.Children {
		if c.Kind == run.Children[0].Kind && c.ID == run.Children[0].ID {
			firstIdx = i
			break
		}
	}
	if firstIdx < 0 {
		return nil
	}
	if err := m.tree.ReplaceChunkListChild(owner, firstIdx, chunktree.ChildRef{Kind: chunktree.ChildChunk, ID: output}); err != nil {
		return err
	}
	if len(run.Children) > 1 {
		return m.tree.DetachFromChunkList(owner, run.Children[1:], chunktree.DetachStatisticsNeutral)
	}
	return nil
}

// ScheduleJobs enqueues one Merge job per run, targeting one of the run's
// source chunks' replica nodes as the merge executor.
func (m *Merger) ScheduleJobs(runs []Run) {
	for _, run := range runs {
		if len(run.Sources) == 0 {
			continue
		}
		c, err := m.tree.GetChunk(run.Sources[0])
		if err != nil || len(c.StoredReplicas) == 0 {
			continue
		}
		m.jobs.Enqueue(c.StoredReplicas[0].Node, jobcontroller.PendingWork{
			Type:    jobcontroller.TypeMerge,
			ChunkID: run.Sources[0],
			Targets: replicaNodes(c.StoredReplicas),
			Usage:   node.ResourceUsage{Slots: 1},
		})
	}
}

func replicaNodes(replicas []chunktree.ReplicaTuple) []node.ID {
	out := make([]node.ID, 0, len(replicas))
	for _, r := range replicas {
		out = append(out, r.Node)
	}
	return out
}

// AutotomizeConfig bounds split decisions.
type AutotomizeConfig struct {
	MaxRowCount int64
	MaxSize     int64
}

// Autotomizer splits oversize journal chunks along safe row boundaries,
// never cutting inside the quorum-unsafe tail.
type Autotomizer struct {
	tree *chunktree.Registry
	jobs *jobcontroller.Registry
	cfg  AutotomizeConfig
}

// NewAutotomizer creates an autotomizer over tree.
func NewAutotomizer(tree *chunktree.Registry, jobs *jobcontroller.Registry, cfg AutotomizeConfig) *Autotomizer {
	return &Autotomizer{tree: tree, jobs: jobs, cfg: cfg}
}

// NeedsSplit reports whether a sealed journal chunk exceeds the configured
// row/size bound and should be autotomized.
func (a *Autotomizer) NeedsSplit(c *chunktree.Chunk) bool {
	if !c.IsJournal() || !c.Sealed || c.Meta == nil {
		return false
	}
	return c.Meta.RowCount > a.cfg.MaxRowCount || c.Meta.CompressedDataSize > a.cfg.MaxSize
}

// ScheduleAutotomize enqueues an Autotomize job for id on the node of its
// first stored replica. splitAt is not recorded: the enqueued work names
// only the chunk and its replica nodes.
func (a *Autotomizer) ScheduleAutotomize(id chunkid.ID, splitAt int64) error {
	c, err := a.tree.GetChunk(id)
	if err != nil {
		return err
	}
	if len(c.StoredReplicas) == 0 {
		mergeLog.Warn().Str("chunk_id", id.String()).Msg("autotomize: no stored replicas to execute split")
		return nil
	}
	a.jobs.Enqueue(c.StoredReplicas[0].Node, jobcontroller.PendingWork{
		Type:    jobcontroller.TypeAutotomize,
		ChunkID: id,
		Targets: replicaNodes(c.StoredReplicas),
		Usage:   node.ResourceUsage{Slots: 1},
	})
	return nil
}

// CompleteAutotomize replaces the original chunk with the two resulting
// chunks in every parent chunk list that referenced it.
func (a *Autotomizer) CompleteAutotomize(original chunkid.ID, head, tail chunkid.ID) error {
	c, err := a.tree.GetChunk(original)
	if err != nil {
		return err
	}
	for _, p := range c.Parents {
		list, err := a.tree.GetChunkList(p.ChunkListID)
		if err != nil {
			continue
		}
		idx := -1
		for i, child := range list.Children {
			if child.Kind == chunktree.ChildChunk && child.ID == original {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if err := a.tree.ReplaceChunkListChild(p.ChunkListID, idx, chunktree.ChildRef{Kind: chunktree.ChildChunk, ID: head}); err != nil {
			return err
		}
		if err := a.tree.AttachToChunkList(p.ChunkListID, []chunktree.ChildRef{{Kind: chunktree.ChildChunk, ID: tail}}); err != nil {
			return err
		}
	}
	return nil
}
