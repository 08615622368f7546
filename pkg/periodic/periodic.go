// Package periodic drives the manager's background scanning passes: chunk
// refresh, merge/autotomize scheduling, staged-chunk expiration, and CRP
// ring rebuilding all run off ticker loops the way a cluster's scheduler
// would, just against the chunk-tree registries instead of a service
// placement queue.
package periodic

import (
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/chunktree"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/medium"
	"github.com/cuemby/chunkmaster/pkg/mergeauto"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/placement"
	"github.com/cuemby/chunkmaster/pkg/refresh"
	"github.com/rs/zerolog"
)

// LeaderCheck reports whether the local manager currently holds Raft
// leadership; periodic passes are a no-op on followers.
type LeaderCheck func() bool

// ExpireFunc sweeps staged-but-unconfirmed chunks past their expiration
// deadline as of now, proposing their removal through Raft.
type ExpireFunc func(now time.Time)

// RequisitionFunc recomputes and republishes the effective requisition of
// the given chunks as of now, proposing the batch through Raft.
type RequisitionFunc func(now time.Time, ids []chunkid.ID)

// Runner ticks the refresh, merge/autotomize, staged-chunk expiration, and
// requisition-update passes at their own independent intervals.
type Runner struct {
	tree        *chunktree.Registry
	refresh     *refresh.Engine
	merger      *mergeauto.Merger
	auto        *mergeauto.Autotomizer
	nodes       *node.Registry
	media       *medium.Registry
	isLeader    LeaderCheck
	expire      ExpireFunc
	requisition RequisitionFunc
	logger      zerolog.Logger

	refreshInterval     time.Duration
	mergeInterval       time.Duration
	expirationInterval  time.Duration
	crpInterval         time.Duration
	requisitionInterval time.Duration
	crpTokensPerNode    int
	crpBucketCount      int
	requisitionBatch    int

	mu     sync.Mutex
	stopCh chan struct{}
}

// Config controls the Runner's scan cadence.
type Config struct {
	RefreshInterval     time.Duration
	MergeInterval       time.Duration
	ExpirationInterval  time.Duration
	CRPInterval         time.Duration
	RequisitionInterval time.Duration
	CRPTokensPerNode    int
	CRPBucketCount      int
	RequisitionBatch    int
}

// DefaultConfig returns sane scan intervals for a production cell.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:     time.Second,
		MergeInterval:       30 * time.Second,
		ExpirationInterval:  10 * time.Second,
		CRPInterval:         30 * time.Second,
		RequisitionInterval: 5 * time.Second,
		CRPTokensPerNode:    10,
		CRPBucketCount:      3,
		RequisitionBatch:    500,
	}
}

// NewRunner builds a Runner over the given engines. isLeader gates every
// pass so only the current Raft leader schedules work. expire and
// requisition may be nil, in which case their loops do not run. nodes and
// media may be nil, in which case the CRP ring rebuild loop does not run.
func NewRunner(tree *chunktree.Registry, refreshEngine *refresh.Engine, merger *mergeauto.Merger, auto *mergeauto.Autotomizer, nodes *node.Registry, media *medium.Registry, isLeader LeaderCheck, expire ExpireFunc, cfg Config) *Runner {
	return newRunner(tree, refreshEngine, merger, auto, nodes, media, isLeader, expire, nil, cfg)
}

// NewRunnerWithRequisition is NewRunner plus a requisition-update pass.
func NewRunnerWithRequisition(tree *chunktree.Registry, refreshEngine *refresh.Engine, merger *mergeauto.Merger, auto *mergeauto.Autotomizer, nodes *node.Registry, media *medium.Registry, isLeader LeaderCheck, expire ExpireFunc, requisition RequisitionFunc, cfg Config) *Runner {
	return newRunner(tree, refreshEngine, merger, auto, nodes, media, isLeader, expire, requisition, cfg)
}

func newRunner(tree *chunktree.Registry, refreshEngine *refresh.Engine, merger *mergeauto.Merger, auto *mergeauto.Autotomizer, nodes *node.Registry, media *medium.Registry, isLeader LeaderCheck, expire ExpireFunc, requisition RequisitionFunc, cfg Config) *Runner {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if cfg.MergeInterval <= 0 {
		cfg.MergeInterval = DefaultConfig().MergeInterval
	}
	if cfg.ExpirationInterval <= 0 {
		cfg.ExpirationInterval = DefaultConfig().ExpirationInterval
	}
	if cfg.CRPInterval <= 0 {
		cfg.CRPInterval = DefaultConfig().CRPInterval
	}
	if cfg.RequisitionInterval <= 0 {
		cfg.RequisitionInterval = DefaultConfig().RequisitionInterval
	}
	if cfg.CRPTokensPerNode <= 0 {
		cfg.CRPTokensPerNode = DefaultConfig().CRPTokensPerNode
	}
	if cfg.CRPBucketCount <= 0 {
		cfg.CRPBucketCount = DefaultConfig().CRPBucketCount
	}
	if cfg.RequisitionBatch <= 0 {
		cfg.RequisitionBatch = DefaultConfig().RequisitionBatch
	}
	return &Runner{
		tree:                tree,
		refresh:             refreshEngine,
		merger:              merger,
		auto:                auto,
		nodes:               nodes,
		media:               media,
		isLeader:            isLeader,
		expire:              expire,
		requisition:         requisition,
		logger:              log.WithComponent("periodic"),
		refreshInterval:     cfg.RefreshInterval,
		mergeInterval:       cfg.MergeInterval,
		expirationInterval:  cfg.ExpirationInterval,
		crpInterval:         cfg.CRPInterval,
		requisitionInterval: cfg.RequisitionInterval,
		crpTokensPerNode:    cfg.CRPTokensPerNode,
		crpBucketCount:      cfg.CRPBucketCount,
		requisitionBatch:    cfg.RequisitionBatch,
		stopCh:              make(chan struct{}),
	}
}

// Start launches the refresh, merge/autotomize, expiration,
// requisition-update, and CRP ring-rebuild loops.
func (r *Runner) Start() {
	go r.runRefreshLoop()
	go r.runMergeLoop()
	go r.runExpirationLoop()
	go r.runCRPLoop()
	go r.runRequisitionLoop()
}

// Stop halts every loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}
}

func (r *Runner) runRefreshLoop() {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			n := r.refresh.ProcessDue(time.Now())
			if n > 0 {
				r.logger.Debug().Int("count", n).Msg("refresh scan processed due chunks")
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runMergeLoop() {
	ticker := time.NewTicker(r.mergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			r.scanMergeCandidates()
			r.scanAutotomizeCandidates()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runExpirationLoop() {
	if r.expire == nil {
		return
	}
	ticker := time.NewTicker(r.expirationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			r.expire(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runCRPLoop() {
	if r.nodes == nil || r.media == nil {
		return
	}
	ticker := time.NewTicker(r.crpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			for _, m := range r.media.List() {
				r.rebuildCRPRing(m.Index)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runRequisitionLoop() {
	if r.requisition == nil {
		return
	}
	ticker := time.NewTicker(r.requisitionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			r.scanRequisitionCandidates()
		case <-r.stopCh:
			return
		}
	}
}

// scanRequisitionCandidates walks every chunk, batching up to
// requisitionBatch ids per call into the requisition-update pass. Like
// scanMergeCandidates, this is a plain full-tree walk per tick rather than
// a cursor-based scan: the chunk population this loop covers is expected to
// be small enough that the simpler style suffices.
func (r *Runner) scanRequisitionCandidates() {
	chunks := r.tree.ListChunks()
	now := time.Now()
	batch := make([]chunkid.ID, 0, r.requisitionBatch)
	for _, c := range chunks {
		batch = append(batch, c.ID)
		if len(batch) == r.requisitionBatch {
			r.requisition(now, batch)
			batch = make([]chunkid.ID, 0, r.requisitionBatch)
		}
	}
	if len(batch) > 0 {
		r.requisition(now, batch)
	}
}

// rebuildCRPRing recomputes medium's token counts from every live node's
// current fill factor (less-full nodes earn more tokens, and therefore
// more ring points) and installs the resulting ring on the refresh engine.
func (r *Runner) rebuildCRPRing(mediumIndex int) {
	nodes := r.nodes.List()
	totalSpace := make(map[node.ID]int64, len(nodes))
	for _, n := range nodes {
		if n.Decommissioned {
			continue
		}
		avail := 1.0 - n.FillFactor(mediumIndex)
		if avail < 0 {
			avail = 0
		}
		totalSpace[n.ID] = int64(avail * 1e6)
	}

	tokenCounts := placement.BucketCounts(totalSpace, r.crpBucketCount, r.crpTokensPerNode)
	for _, n := range nodes {
		n.SetTokenCount(mediumIndex, tokenCounts[n.ID])
	}
	r.refresh.SetCRPRing(mediumIndex, placement.BuildRing(mediumIndex, tokenCounts))
}

// scanMergeCandidates walks every static chunk list looking for runs of
// small sealed chunks worth merging.
func (r *Runner) scanMergeCandidates() {
	for _, cl := range r.tree.ListChunkLists() {
		if cl.Kind != chunktree.KindStatic {
			continue
		}
		if r.merger.IsNodeBeingMerged(cl.ID) {
			continue
		}
		runs, err := r.merger.ScheduleChunkMerge(cl.ID)
		if err != nil {
			continue
		}
		if len(runs) > 0 {
			r.merger.ScheduleJobs(runs)
			r.logger.Debug().Str("chunk_list", cl.ID.String()).Int("runs", len(runs)).Msg("scheduled merge jobs")
		}
	}
}

// scanAutotomizeCandidates walks every chunk looking for oversized
// dynamic-table chunks that need splitting.
func (r *Runner) scanAutotomizeCandidates() {
	for _, c := range r.tree.ListChunks() {
		if !r.auto.NeedsSplit(c) {
			continue
		}
		var splitAt int64
		if c.Meta != nil {
			splitAt = c.Meta.RowCount / 2
		}
		if err := r.auto.ScheduleAutotomize(c.ID, splitAt); err != nil {
			r.logger.Error().Err(err).Str("chunk", c.ID.String()).Msg("schedule autotomize failed")
		}
	}
}
