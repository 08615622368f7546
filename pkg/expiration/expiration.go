// Package expiration implements the timer-wheel staged-chunk expiration
// tracker: every staged-but-unconfirmed chunk carries an expiration time,
// and a periodic sweep unstages those still unconfirmed.
package expiration

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
)

// entry is one scheduled expiration.
type entry struct {
	chunkID chunkid.ID
	at      time.Time
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Tracker is a min-heap timer wheel keyed by expiration time, scoped to
// staged chunks.
type Tracker struct {
	mu      sync.Mutex
	heap    entryHeap
	byChunk map[chunkid.ID]*entry
}

// NewTracker creates an empty expiration tracker.
func NewTracker() *Tracker {
	return &Tracker{byChunk: make(map[chunkid.ID]*entry)}
}

// Schedule registers id to expire at at, replacing any existing schedule
// for the same chunk.
func (t *Tracker) Schedule(id chunkid.ID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byChunk[id]; ok {
		heap.Remove(&t.heap, existing.index)
		delete(t.byChunk, id)
	}
	e := &entry{chunkID: id, at: at}
	heap.Push(&t.heap, e)
	t.byChunk[id] = e
}

// Cancel removes id's scheduled expiration, as confirming a chunk
// requires: confirmation cancels the timer.
func (t *Tracker) Cancel(id chunkid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byChunk[id]
	if !ok {
		return
	}
	heap.Remove(&t.heap, e.index)
	delete(t.byChunk, id)
}

// Expired pops and returns every chunk id whose expiration time is at or
// before now, implementing the expired-chunk unstaging selection.
func (t *Tracker) Expired(now time.Time) []chunkid.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []chunkid.ID
	for len(t.heap) > 0 && !t.heap[0].at.After(now) {
		e := heap.Pop(&t.heap).(*entry)
		delete(t.byChunk, e.chunkID)
		out = append(out, e.chunkID)
	}
	return out
}

// Len returns the number of chunks currently scheduled.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

// IsScheduled reports whether id currently has a pending expiration.
func (t *Tracker) IsScheduled(id chunkid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byChunk[id]
	return ok
}
