package medium

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryHasBuiltins(t *testing.T) {
	r := NewRegistry(32)

	store, err := r.ByName(DefaultStoreName)
	require.NoError(t, err)
	assert.False(t, store.Cache)

	cache, err := r.ByName(DefaultCacheName)
	require.NoError(t, err)
	assert.True(t, cache.Cache)
}

func TestCreateRejectsDuplicateIndexOrName(t *testing.T) {
	r := NewRegistry(32)

	err := r.Create(Medium{Index: 0, Name: "ssd"})
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindInvalidArgument))

	err = r.Create(Medium{Index: 5, Name: DefaultStoreName})
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindInvalidArgument))
}

func TestCreateRejectsOutOfRangeIndex(t *testing.T) {
	r := NewRegistry(32)
	err := r.Create(Medium{Index: 999, Name: "ssd"})
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindInvalidArgument))
}

func TestCreateRejectsAtCapacity(t *testing.T) {
	r := NewRegistry(2)
	err := r.Create(Medium{Index: 5, Name: "ssd"})
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindInvalidArgument))
}

func TestDestroyRefusesBuiltin(t *testing.T) {
	r := NewRegistry(32)
	err := r.Destroy(DefaultStoreName)
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindInvalidArgument))
}

func TestDestroyRemovesCustomMedium(t *testing.T) {
	r := NewRegistry(32)
	require.NoError(t, r.Create(Medium{Index: 5, Name: "ssd"}))

	require.NoError(t, r.Destroy("ssd"))
	_, err := r.ByName("ssd")
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindNoSuchMedium))
}

func TestByIndexNotFound(t *testing.T) {
	r := NewRegistry(32)
	_, err := r.ByIndex(42)
	assert.True(t, chunkerrors.Is(err, chunkerrors.KindNoSuchMedium))
}

func TestListIncludesBuiltinsAndCustom(t *testing.T) {
	r := NewRegistry(32)
	require.NoError(t, r.Create(Medium{Index: 5, Name: "ssd"}))
	assert.Len(t, r.List(), 3)
}
