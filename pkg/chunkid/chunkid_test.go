package chunkid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncodesTypeCellTagAndPartIndex(t *testing.T) {
	id, err := New(TypeErasure, 0x00AB, 5)
	require.NoError(t, err)
	assert.Equal(t, TypeErasure, id.Type())
	assert.Equal(t, uint16(0x00AB), id.CellTag())
	assert.Equal(t, uint8(5), id.PartIndex())
}

func TestStringParseRoundTrip(t *testing.T) {
	id, err := New(TypeJournal, 7, 0)
	require.NoError(t, err)

	s := id.String()
	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestNilID(t *testing.T) {
	assert.True(t, Nil.IsNil())
	id, err := New(TypeRegular, 0, 0)
	require.NoError(t, err)
	assert.False(t, id.IsNil())
}

func TestDistinctIDsAreUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id, err := New(TypeRegular, 1, 0)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate chunk id generated")
		seen[id] = true
	}
}
