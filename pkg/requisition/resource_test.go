package requisition

import (
	"testing"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/stretchr/testify/assert"
)

func TestUsageScalesByReplicationFactorAndSize(t *testing.T) {
	c := &chunktree.Chunk{
		ID:   chunkid.ID{},
		Meta: &chunktree.Meta{CompressedDataSize: 10},
	}
	req := Requisition{Entries: []Entry{
		{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3},
		{AccountID: "root", MediumIndex: 1, ReplicationFactor: 1},
	}}

	usage := Usage(c, req)
	assert.Equal(t, int64(30), usage[ResourceKey{Account: "root", Medium: 0}].DiskSpace)
	assert.Equal(t, int64(10), usage[ResourceKey{Account: "root", Medium: 1}].DiskSpace)
}

func TestUsageWithoutMetaChargesNoDiskSpace(t *testing.T) {
	c := &chunktree.Chunk{ID: chunkid.ID{}}
	req := Requisition{Entries: []Entry{{AccountID: "root", MediumIndex: 0, ReplicationFactor: 3}}}

	usage := Usage(c, req)
	assert.Equal(t, int64(0), usage[ResourceKey{Account: "root", Medium: 0}].DiskSpace)
	assert.Equal(t, int64(1), usage[ResourceKey{Account: "root", Medium: 0}].ChunkCount)
}
