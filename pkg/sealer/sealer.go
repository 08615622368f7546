// Package sealer issues seal jobs for journal chunks: it collects quorum
// info from storage nodes, computes the quorum-safe row prefix, and
// materializes the seal via chunktree.Registry.SealChunk once the chunk's
// left sibling in its parent chunk list is itself sealed.
package sealer

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/node"
)

var sealerLog = log.WithComponent("sealer")

// QuorumReplicaInfo is one replica's response to a GetChunkQuorumInfo call.
type QuorumReplicaInfo struct {
	RowCount               int64
	FirstOverlayedRowIndex *int64
	UncompressedDataSize   int64
	CompressedDataSize     int64
}

// QuorumClient abstracts the node-facing GetChunkQuorumInfo RPC; the wire
// transport itself is out of scope.
type QuorumClient interface {
	GetChunkQuorumInfo(ctx context.Context, n node.ID, id chunkid.ID) (QuorumReplicaInfo, error)
}

// Sealer materializes seals for journal chunks ready to be sealed. Per-node
// seal jobs for replicas still physically unsealed are issued separately by
// refresh.Engine during its normal refresh pass.
type Sealer struct {
	tree    *chunktree.Registry
	client  QuorumClient
	broker  *events.Broker
	timeout time.Duration
}

// NewSealer creates a sealer. timeout bounds the quorum-info RPC round
// (JournalRpcTimeout); exceeding it fails the attempt and leaves the chunk
// queued for the next pass.
func NewSealer(tree *chunktree.Registry, client QuorumClient, broker *events.Broker, timeout time.Duration) *Sealer {
	return &Sealer{tree: tree, client: client, broker: broker, timeout: timeout}
}

// Seal attempts to seal id: a no-op if already sealed, Unavailable if
// quorum could not be reached within timeout, InvalidArgument if the chunk
// is not a confirmed journal chunk, and nil with the seal applied on
// success (including when a left sibling is still unsealed, which is a
// deferral rather than an error -- the caller should re-enqueue id).
func (s *Sealer) Seal(ctx context.Context, id chunkid.ID) error {
	c, err := s.tree.GetChunk(id)
	if err != nil {
		return err
	}
	if c.Sealed {
		return nil
	}
	if !c.IsJournal() || !c.Confirmed {
		return chunkerrors.InvalidArgument("seal: %s is not a confirmed journal chunk", id)
	}

	for _, p := range c.Parents {
		blocker, err := s.tree.FirstUnsealedLeftSibling(p.ChunkListID, id)
		if err != nil {
			continue
		}
		if !blocker.IsNil() && blocker != id {
			return nil
		}
	}

	info, err := s.collectQuorum(ctx, c)
	if err != nil {
		return err
	}

	sealInfo := s.computeSealInfo(c, info)
	rowGap, err := s.tree.SealChunk(id, sealInfo)
	if err != nil {
		return err
	}
	if rowGap {
		log.Alert(sealerLog, "seal produced a row gap against the previous chunk's tail")
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventSealRowGap, ChunkID: id.String()})
		}
	}
	return nil
}

// collectQuorum calls every stored replica's quorum-info RPC concurrently,
// collects every successful response that arrives within timeout, and
// fails unless at least ReadQuorum of them succeeded.
func (s *Sealer) collectQuorum(ctx context.Context, c *chunktree.Chunk) ([]QuorumReplicaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		info QuorumReplicaInfo
		err  error
	}
	resultsCh := make(chan result, len(c.StoredReplicas))
	for _, rt := range c.StoredReplicas {
		rt := rt
		go func() {
			info, err := s.client.GetChunkQuorumInfo(ctx, rt.Node, c.ID)
			resultsCh <- result{info: info, err: err}
		}()
	}

	var collected []QuorumReplicaInfo
collectLoop:
	for range c.StoredReplicas {
		select {
		case r := <-resultsCh:
			if r.err == nil {
				collected = append(collected, r.info)
			}
		case <-ctx.Done():
			break collectLoop
		}
	}

	if len(collected) < c.ReadQuorum {
		return nil, chunkerrors.Unavailable("seal: only %d/%d replicas of %s responded within timeout", len(collected), c.ReadQuorum, c.ID)
	}
	return collected, nil
}

// computeSealInfo picks the minimum row count claimed among the top
// ReadQuorum replicas (the quorum-safe prefix) and applies the overlay
// dedup rule against the chunk's current row count.
func (s *Sealer) computeSealInfo(c *chunktree.Chunk, responses []QuorumReplicaInfo) chunktree.SealInfo {
	sorted := append([]QuorumReplicaInfo(nil), responses...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RowCount > sorted[j].RowCount })
	top := sorted
	if len(top) > c.ReadQuorum {
		top = top[:c.ReadQuorum]
	}

	quorumRowCount := top[0].RowCount
	var firstOverlayed *int64
	var uncompressed, compressed int64
	for _, r := range top {
		if r.RowCount < quorumRowCount {
			quorumRowCount = r.RowCount
		}
		if r.FirstOverlayedRowIndex != nil && (firstOverlayed == nil || *r.FirstOverlayedRowIndex < *firstOverlayed) {
			firstOverlayed = r.FirstOverlayedRowIndex
		}
		if r.UncompressedDataSize > uncompressed {
			uncompressed = r.UncompressedDataSize
		}
		if r.CompressedDataSize > compressed {
			compressed = r.CompressedDataSize
		}
	}

	currentRowCount := int64(0)
	if c.Meta != nil {
		currentRowCount = c.Meta.RowCount
	}

	rowCount := quorumRowCount
	if firstOverlayed != nil {
		switch {
		case *firstOverlayed < currentRowCount:
			rowCount = currentRowCount + (quorumRowCount - *firstOverlayed)
		case *firstOverlayed == currentRowCount:
			rowCount = currentRowCount + quorumRowCount
		default:
			if quorumRowCount > currentRowCount {
				rowCount = quorumRowCount
			} else {
				rowCount = currentRowCount
			}
		}
	}

	return chunktree.SealInfo{
		RowCount:               rowCount,
		FirstOverlayedRowIndex: firstOverlayed,
		UncompressedDataSize:   uncompressed,
		CompressedDataSize:     compressed,
	}
}
