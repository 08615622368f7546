package chunktree

import (
	"github.com/cuemby/chunkmaster/pkg/chunkid"
)

// VisitedChunk is one tuple yielded by Walk: the chunk together with its
// row offset and the lower/upper limits in effect at that point in the
// traversal.
type VisitedChunk struct {
	ChunkID    chunkid.ID
	RowIndex   int64
	LowerLimit string
	UpperLimit string
}

// frame is one stack entry of the explicit-stack walker: deep trees are
// walked iteratively rather than via recursive descent, so traversal can
// yield between steps.
type frame struct {
	listID     chunkid.ID
	childIndex int
	rowOffset  int64
	lower      string
	upper      string
	version    uint64
}

// Walker is a restartable DFS walker over a chunk-tree rooted at a chunk
// list. It is preemptible: Next returns one VisitedChunk (or none, with
// done=true) per call, and re-validates the chunk list's Version at every
// resumption so a concurrent mutation invalidates the traversal rather
// than silently returning stale structure.
type Walker struct {
	reg      *Registry
	stack    []frame
	lowerBound, upperBound string
}

// NewWalker starts a walk of root within [lowerBound, upperBound).
func (r *Registry) NewWalker(root chunkid.ID, lowerBound, upperBound string) (*Walker, error) {
	cl, err := r.GetChunkList(root)
	if err != nil {
		return nil, err
	}
	w := &Walker{reg: r, lowerBound: lowerBound, upperBound: upperBound}
	w.stack = []frame{{listID: root, lower: lowerBound, upper: upperBound, version: cl.Version}}
	return w, nil
}

// Next advances the walk by one chunk, or reports done.
func (w *Walker) Next() (VisitedChunk, bool, error) {
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]

		cl, err := w.reg.GetChunkList(top.listID)
		if err != nil {
			// The list died mid-traversal; abandon this branch rather
			// than dereference a stale pointer.
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		if cl.Version != top.version {
			// Structure changed under us; abort this branch rather than
			// walk stale structure.
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		if top.childIndex >= len(cl.Children) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		child := cl.Children[top.childIndex]
		top.childIndex++

		switch child.Kind {
		case ChildChunk:
			rowIndex := top.rowOffset
			if c, err := w.reg.GetChunk(child.ID); err == nil && c.Meta != nil {
				top.rowOffset += c.Meta.RowCount
			}
			return VisitedChunk{
				ChunkID:    child.ID,
				RowIndex:   rowIndex,
				LowerLimit: top.lower,
				UpperLimit: top.upper,
			}, false, nil
		case ChildChunkList:
			childCL, err := w.reg.GetChunkList(child.ID)
			if err != nil {
				continue
			}
			rowIndex := top.rowOffset
			top.rowOffset += childCL.Statistics.RowCount
			w.stack = append(w.stack, frame{
				listID:    child.ID,
				rowOffset: rowIndex,
				lower:     top.lower,
				upper:     top.upper,
				version:   childCL.Version,
			})
		case ChildChunkView:
			cv, err := w.reg.GetChunkView(child.ID)
			if err != nil {
				continue
			}
			return VisitedChunk{
				ChunkID:    cv.Underlying,
				RowIndex:   top.rowOffset,
				LowerLimit: cv.ReadRangeLower,
				UpperLimit: cv.ReadRangeUpper,
			}, false, nil
		case ChildDynamicStore:
			ds, err := w.reg.GetDynamicStore(child.ID)
			if err != nil || !ds.Flushed {
				continue
			}
			return VisitedChunk{ChunkID: ds.FlushedChunk, RowIndex: top.rowOffset, LowerLimit: top.lower, UpperLimit: top.upper}, false, nil
		}
	}
	return VisitedChunk{}, true, nil
}

// WalkAll drains a Walker fully. Provided for short traversals where
// preemption is unnecessary (e.g. tests); production callers that may
// traverse deep trees should call Next directly and yield between calls.
func (w *Walker) WalkAll() ([]VisitedChunk, error) {
	var out []VisitedChunk
	for {
		v, done, err := w.Next()
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		out = append(out, v)
	}
}

// UniqueAncestors returns every chunk-list id reachable by following
// Parents links upward from startID, each visited exactly once even when
// reached via multiple paths, via an explicit stack rather than
// recursion.
func (r *Registry) UniqueAncestors(startID chunkid.ID) []chunkid.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := map[chunkid.ID]bool{startID: true}
	stack := r.parentListIDs(startID)
	var out []chunkid.ID

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		stack = append(stack, r.parentListIDs(id)...)
	}
	return out
}
