// Package requisition implements the chunk-requisition registry and
// propagation: a chunk's effective replication policy, aggregated from
// its owners through the chunk-list DAG, interned so equal requisitions
// share one index.
package requisition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
)

// Entry is one chunk-requisition entry.
type Entry struct {
	AccountID         string `json:"account_id"`
	MediumIndex       int    `json:"medium_index"`
	ReplicationFactor int    `json:"replication_factor"`
	DataPartsOnly     bool   `json:"data_parts_only"`
	Committed         bool   `json:"committed"`
}

// Requisition is a set of entries plus a vital bit. Two requisitions are
// equal iff their entry-sets and vital bits match.
type Requisition struct {
	Entries []Entry `json:"entries"`
	Vital   bool    `json:"vital"`
}

// key renders a canonical, order-independent string for equality/interning.
func (r Requisition) key() string {
	entries := append([]Entry(nil), r.Entries...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccountID != entries[j].AccountID {
			return entries[i].AccountID < entries[j].AccountID
		}
		if entries[i].MediumIndex != entries[j].MediumIndex {
			return entries[i].MediumIndex < entries[j].MediumIndex
		}
		if entries[i].ReplicationFactor != entries[j].ReplicationFactor {
			return entries[i].ReplicationFactor < entries[j].ReplicationFactor
		}
		return entries[i].DataPartsOnly != entries[j].DataPartsOnly
	})
	s := make([]byte, 0, 64)
	for _, e := range entries {
		s = append(s, []byte(e.AccountID)...)
		s = append(s, byte(e.MediumIndex), byte(e.ReplicationFactor))
		if e.DataPartsOnly {
			s = append(s, 1)
		}
		if e.Committed {
			s = append(s, 1)
		}
		s = append(s, 0)
	}
	if r.Vital {
		s = append(s, 1)
	}
	return string(s)
}

// Equal reports whether two requisitions have identical entry-sets and
// vital bits.
func (r Requisition) Equal(other Requisition) bool {
	return r.key() == other.key()
}

// Registry interns requisitions by value, handing out a stable index per
// distinct requisition and refcounting it: indices are never recycled
// while refcount > 0.
type Registry struct {
	mu sync.Mutex

	byIndex map[int]Requisition
	byKey   map[string]int
	refs    map[int]int
	nextIdx int
}

// NewRegistry creates an empty requisition registry.
func NewRegistry() *Registry {
	return &Registry{
		byIndex: make(map[int]Requisition),
		byKey:   make(map[string]int),
		refs:    make(map[int]int),
	}
}

// Intern returns the stable index for req, creating one if this is the
// first use, and bumps its refcount.
func (r *Registry) Intern(req Requisition) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := req.key()
	if idx, ok := r.byKey[k]; ok {
		r.refs[idx]++
		return idx
	}
	idx := r.nextIdx
	r.nextIdx++
	r.byIndex[idx] = req
	r.byKey[k] = idx
	r.refs[idx] = 1
	return idx
}

// Release drops one reference to idx; once it reaches zero the slot is
// simply retired (nextIdx does not rewind, so the index is never reused).
func (r *Registry) Release(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[idx]--
	if r.refs[idx] <= 0 {
		req := r.byIndex[idx]
		delete(r.byIndex, idx)
		delete(r.byKey, req.key())
		delete(r.refs, idx)
	}
}

// Get returns the requisition stored at idx.
func (r *Registry) Get(idx int) (Requisition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byIndex[idx]
	return req, ok
}

// RefCount reports how many chunks currently reference idx.
func (r *Registry) RefCount(idx int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[idx]
}

// OwnerEntries resolves an owning node's tag to the requisition entries it
// contributes plus its own vital bit; ok is false if the tag is unknown.
type OwnerEntries func(ownerTag string) (entries []Entry, vital bool, ok bool)

// Effective computes a chunk's effective requisition by a bounded BFS up
// parent links: from each parent chunk list, follow its parents, stopping
// at any chunk list whose OwningNodes is nonempty. Every owner found
// contributes its entries and has its vital bit OR-ed into the result. If
// the BFS finds no owner, ok is false and the caller must keep the chunk's
// current requisition unchanged.
func Effective(tree *chunktree.Registry, chunk *chunktree.Chunk, ownerEntries OwnerEntries) (Requisition, bool) {
	type queued struct {
		listID chunkid.ID
	}

	visited := make(map[chunkid.ID]bool)
	var queue []queued
	for _, p := range chunk.Parents {
		queue = append(queue, queued{listID: p.ChunkListID})
	}

	var collected []Entry
	vital := false
	found := false

	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		if visited[q.listID] {
			continue
		}
		visited[q.listID] = true

		cl, err := tree.GetChunkList(q.listID)
		if err != nil {
			continue
		}
		if len(cl.OwningNodes) > 0 {
			for ownerTag := range cl.OwningNodes {
				entries, ownerVital, ok := ownerEntries(ownerTag)
				if !ok {
					continue
				}
				collected = append(collected, entries...)
				vital = vital || ownerVital
				found = true
			}
			// This branch stops at the owner; do not climb further.
			continue
		}
		for _, p := range cl.Parents {
			queue = append(queue, queued{listID: p.ChunkListID})
		}
	}

	if !found {
		return Requisition{}, false
	}

	if chunk.IsErasure() {
		for i := range collected {
			collected[i].ReplicationFactor = 1
		}
	}

	return Requisition{Entries: dedupeEntries(collected), Vital: vital}, true
}

func dedupeEntries(entries []Entry) []Entry {
	seen := make(map[string]Entry)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		k := e.AccountID + "/" + e.key()
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = e
	}
	out := make([]Entry, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	return out
}

func (e Entry) key() string {
	return fmt.Sprintf("%d/%d", e.MediumIndex, e.ReplicationFactor)
}

// Record is one interned slot's durable state.
type Record struct {
	Index       int         `json:"index"`
	Requisition Requisition `json:"requisition"`
	RefCount    int         `json:"ref_count"`
}

// Snapshot captures every interned requisition and its refcount.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.byIndex))
	for idx, req := range r.byIndex {
		out = append(out, Record{Index: idx, Requisition: req, RefCount: r.refs[idx]})
	}
	return out
}

// Restore replaces the registry's entire state from a snapshot, preserving
// interned indices exactly so chunks referencing them by LocalRequisitionIndex
// remain valid.
func (r *Registry) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIndex = make(map[int]Requisition, len(records))
	r.byKey = make(map[string]int, len(records))
	r.refs = make(map[int]int, len(records))
	r.nextIdx = 0
	for _, rec := range records {
		r.byIndex[rec.Index] = rec.Requisition
		r.byKey[rec.Requisition.key()] = rec.Index
		r.refs[rec.Index] = rec.RefCount
		if rec.Index >= r.nextIdx {
			r.nextIdx = rec.Index + 1
		}
	}
}
