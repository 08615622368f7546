package requisition

import (
	"github.com/cuemby/chunkmaster/pkg/account"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
)

// ResourceKey identifies one (account, medium) usage bucket.
type ResourceKey struct {
	Account string
	Medium  int
}

// Usage computes the disk-space and chunk-count charge req assigns, per
// (account, medium) entry, scaled by the chunk's sealed size and the
// entry's replication factor. A chunk with no sealed size yet (still
// staged) charges zero disk space but still claims a chunk-count slot.
func Usage(c *chunktree.Chunk, req Requisition) map[ResourceKey]account.Usage {
	var size int64
	if c.Meta != nil {
		size = c.Meta.CompressedDataSize
	}
	out := make(map[ResourceKey]account.Usage, len(req.Entries))
	for _, e := range req.Entries {
		k := ResourceKey{Account: e.AccountID, Medium: e.MediumIndex}
		u := out[k]
		u.DiskSpace += size * int64(e.ReplicationFactor)
		u.ChunkCount++
		out[k] = u
	}
	return out
}
