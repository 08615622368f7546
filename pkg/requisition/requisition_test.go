package requisition

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternReturnsSameIndexForEqualRequisitions(t *testing.T) {
	r := NewRegistry()
	a := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}}}
	b := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}}}

	idxA := r.Intern(a)
	idxB := r.Intern(b)
	assert.Equal(t, idxA, idxB)
	assert.Equal(t, 2, r.RefCount(idxA))
}

func TestInternDistinguishesDifferentRequisitions(t *testing.T) {
	r := NewRegistry()
	a := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}}}
	b := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 5}}}

	idxA := r.Intern(a)
	idxB := r.Intern(b)
	assert.NotEqual(t, idxA, idxB)
}

func TestReleaseRetiresZeroRefcountEntries(t *testing.T) {
	r := NewRegistry()
	req := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}}}
	idx := r.Intern(req)

	r.Release(idx)
	_, ok := r.Get(idx)
	assert.False(t, ok)

	// Interning the same value again must not resurrect the old index's
	// bookkeeping in a way that breaks future refcounting.
	idx2 := r.Intern(req)
	assert.Equal(t, 1, r.RefCount(idx2))
}

func TestEqualIgnoresEntryOrder(t *testing.T) {
	a := Requisition{Entries: []Entry{
		{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3},
		{AccountID: "root", MediumIndex: 1, ReplicationFactor: 1},
	}}
	b := Requisition{Entries: []Entry{
		{AccountID: "root", MediumIndex: 1, ReplicationFactor: 1},
		{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3},
	}}
	assert.True(t, a.Equal(b))
}

func TestEffectiveStopsAtOwningChunkList(t *testing.T) {
	tree := chunktree.NewRegistry()

	owner, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)
	owner.OwningNodes = map[string]bool{"table:root//t1": true}

	mid, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)
	require.NoError(t, tree.AttachToChunkList(owner.ID, []chunktree.ChildRef{
		{Kind: chunktree.ChildChunkList, ID: mid.ID},
	}))

	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "root",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 16,
	})
	require.NoError(t, err)
	require.NoError(t, tree.AttachToChunkList(mid.ID, []chunktree.ChildRef{
		{Kind: chunktree.ChildChunk, ID: c.ID},
	}))

	owners := map[string][]Entry{
		"table:root//t1": {{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}},
	}

	eff, ok := Effective(tree, c, func(tag string) ([]Entry, bool, bool) {
		e, found := owners[tag]
		return e, true, found
	})
	require.True(t, ok)
	require.Len(t, eff.Entries, 1)
	assert.Equal(t, 3, eff.Entries[0].ReplicationFactor)
	assert.True(t, eff.Vital)
}

func TestEffectiveLeavesNonVitalWhenNoOwnerIsVital(t *testing.T) {
	tree := chunktree.NewRegistry()

	owner, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)
	owner.OwningNodes = map[string]bool{"table:root//t1": true}

	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		Account:              "root",
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 16,
	})
	require.NoError(t, err)
	require.NoError(t, tree.AttachToChunkList(owner.ID, []chunktree.ChildRef{
		{Kind: chunktree.ChildChunk, ID: c.ID},
	}))

	owners := map[string][]Entry{
		"table:root//t1": {{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}},
	}

	eff, ok := Effective(tree, c, func(tag string) ([]Entry, bool, bool) {
		e, found := owners[tag]
		return e, false, found
	})
	require.True(t, ok)
	assert.False(t, eff.Vital, "a non-vital owner must not force the chunk vital")
}

func TestEffectiveReturnsFalseWithoutOwner(t *testing.T) {
	tree := chunktree.NewRegistry()
	list, err := tree.CreateChunkList(chunktree.KindStatic)
	require.NoError(t, err)
	c, err := tree.CreateChunk(chunktree.CreateChunkParams{
		Type:                 chunkid.TypeRegular,
		ReplicationFactor:    3,
		MinReplicationFactor: 1,
		MaxReplicationFactor: 16,
	})
	require.NoError(t, err)
	require.NoError(t, tree.AttachToChunkList(list.ID, []chunktree.ChildRef{
		{Kind: chunktree.ChildChunk, ID: c.ID},
	}))

	_, ok := Effective(tree, c, func(string) ([]Entry, bool, bool) { return nil, false, false })
	assert.False(t, ok)
}
