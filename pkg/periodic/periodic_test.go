package periodic

import (
	"testing"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/events"
	"github.com/cuemby/chunkmaster/pkg/jobcontroller"
	"github.com/cuemby/chunkmaster/pkg/medium"
	"github.com/cuemby/chunkmaster/pkg/mergeauto"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/refresh"
	"github.com/cuemby/chunkmaster/pkg/requisition"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, nodes *node.Registry, media *medium.Registry) *Runner {
	t.Helper()
	tree := chunktree.NewRegistry()
	reqs := requisition.NewRegistry()
	jobs := jobcontroller.NewRegistry(time.Minute)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	refreshEngine := refresh.NewEngine(tree, nodes, reqs, jobs, broker, nil, nil, refresh.EngineConfig{
		MaxChunksPerRefresh:      100,
		ChunkRefreshDelay:        time.Second,
		ReplicationPriorityCount: 1,
	})
	merger := mergeauto.NewMerger(tree, jobs, mergeauto.MergeConfig{MaxChunksPerBatch: 1, MinChunksPerRun: 2})
	auto := mergeauto.NewAutotomizer(tree, jobs, mergeauto.AutotomizeConfig{MaxRowCount: 1})

	return NewRunner(tree, refreshEngine, merger, auto, nodes, media, func() bool { return true }, nil, DefaultConfig())
}

func TestRebuildCRPRingAssignsMoreTokensToEmptierNodes(t *testing.T) {
	nodes := node.NewRegistry()
	full := node.New("node-full", "rack1", "dc1")
	full.SetFillFactor(0, 0.95)
	empty := node.New("node-empty", "rack1", "dc1")
	empty.SetFillFactor(0, 0.05)
	nodes.Put(full)
	nodes.Put(empty)

	media := medium.NewRegistry(16)

	r := newTestRunner(t, nodes, media)
	r.rebuildCRPRing(0)

	require.Greater(t, empty.TokenCount(0), full.TokenCount(0))
	require.Greater(t, empty.TokenCount(0), 0)
}

func TestRunCRPLoopNoopsWithoutNodesOrMedia(t *testing.T) {
	r := newTestRunner(t, nil, nil)
	done := make(chan struct{})
	go func() {
		r.runCRPLoop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runCRPLoop should return immediately when nodes/media are nil")
	}
}
