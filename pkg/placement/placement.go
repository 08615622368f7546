// Package placement implements chunk placement target selection: the
// fill-factor/load-factor indexes, rack/data-center awareness, consistent
// replica placement (CRP), and write/removal/balancing target selection.
package placement

import (
	"sort"
	"sync"

	"github.com/cuemby/chunkmaster/pkg/node"
)

// Index is a sorted multimap from a float metric to nodes, used for both
// the fill-factor and load-factor indexes. A Go map keeps O(1) updates;
// Ascending() pays the sort cost, which is acceptable since placement
// decisions, not every mutation, need the ordering.
type Index struct {
	mu     sync.RWMutex
	medium int
	value  map[node.ID]float64
}

// NewIndex creates an index for one medium.
func NewIndex(medium int) *Index {
	return &Index{medium: medium, value: make(map[node.ID]float64)}
}

// Set records n's metric value.
func (ix *Index) Set(id node.ID, v float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.value[id] = v
}

// Remove drops n from the index (node removed from cluster).
func (ix *Index) Remove(id node.ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.value, id)
}

// Ascending returns node ids ordered by increasing metric value.
func (ix *Index) Ascending() []node.ID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]node.ID, 0, len(ix.value))
	for id := range ix.value {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ix.value[out[i]] < ix.value[out[j]] })
	return out
}

// Value returns n's recorded metric value.
func (ix *Index) Value(id node.ID) float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.value[id]
}

// Collector tracks rack/data-center fullness during a single target
// selection pass, plus the forbidden-node set.
type Collector struct {
	MaxReplicasPerRack       int
	MaxReplicasPerDataCenter int
	ForbiddenNodes           map[node.ID]bool
	AllowMultipleReplicasPerNode bool

	rackCount map[string]int
	dcCount   map[string]int
	nodeCount map[node.ID]int
}

// NewCollector creates an empty rack/DC collector.
func NewCollector(maxPerRack, maxPerDC int, forbidden map[node.ID]bool) *Collector {
	if forbidden == nil {
		forbidden = make(map[node.ID]bool)
	}
	return &Collector{
		MaxReplicasPerRack:       maxPerRack,
		MaxReplicasPerDataCenter: maxPerDC,
		ForbiddenNodes:           forbidden,
		rackCount:                make(map[string]int),
		dcCount:                  make(map[string]int),
		nodeCount:                make(map[node.ID]int),
	}
}

// Accepts reports whether n may be added without exceeding per-rack or
// per-DC caps, and without reusing a node beyond AllowMultipleReplicasPerNode.
func (c *Collector) Accepts(n *node.Node, forceRackAwareness bool) bool {
	if c.ForbiddenNodes[n.ID] {
		return false
	}
	if !c.AllowMultipleReplicasPerNode && c.nodeCount[n.ID] > 0 {
		return false
	}
	if n.Decommissioned || n.DisableWriteSessions {
		return false
	}
	if forceRackAwareness || c.MaxReplicasPerRack > 0 {
		if c.MaxReplicasPerRack > 0 && c.rackCount[n.Rack] >= c.MaxReplicasPerRack {
			return false
		}
	}
	if c.MaxReplicasPerDataCenter > 0 && c.dcCount[n.DataCenter] >= c.MaxReplicasPerDataCenter {
		return false
	}
	return true
}

// Accept records n as having been selected.
func (c *Collector) Accept(n *node.Node) {
	c.rackCount[n.Rack]++
	c.dcCount[n.DataCenter]++
	c.nodeCount[n.ID]++
}

// ValidWriteTarget reports whether n is a valid write target, excluding
// CRP/DC-alive checks which the caller layers on separately.
func ValidWriteTarget(n *node.Node, mediumIsCache bool, mediumAcceptsWrites bool) bool {
	return n.ReportedHeartbeat &&
		!n.Decommissioned &&
		!n.DisableWriteSessions &&
		!mediumIsCache &&
		mediumAcceptsWrites
}

// WriteTargetRequest bundles allocate_write_targets's parameters.
type WriteTargetRequest struct {
	Medium              int
	DesiredCount        int
	MinCount            int
	ForbiddenNodes      map[node.ID]bool
	PreferredNodeID     node.ID
	ForceRackAwareness  bool
	AllowMultiplePartsPerNode bool
	MaxReplicasPerRack       int
	MaxReplicasPerDataCenter int
	MediumIsCache            bool
	MediumAcceptsWrites      bool
}

// AllocateWriteTargets selects write targets in two passes: a first pass
// with full rack/DC awareness, and (if short and not ForceRackAwareness)
// a second, relaxed pass with those caps dropped.
func AllocateWriteTargets(nodes *node.Registry, loadFactor *Index, req WriteTargetRequest) []node.ID {
	targets := tryAllocate(nodes, loadFactor, req, true)
	if len(targets) >= req.DesiredCount || req.ForceRackAwareness {
		if len(targets) < req.MinCount {
			return nil
		}
		return targets
	}

	relaxed := req
	relaxed.MaxReplicasPerRack = 0
	relaxed.MaxReplicasPerDataCenter = 0
	targets = tryAllocate(nodes, loadFactor, relaxed, false)
	if len(targets) < req.MinCount {
		return nil
	}
	return targets
}

func tryAllocate(nodes *node.Registry, loadFactor *Index, req WriteTargetRequest, enforceRackAwareness bool) []node.ID {
	collector := NewCollector(req.MaxReplicasPerRack, req.MaxReplicasPerDataCenter, req.ForbiddenNodes)

	var targets []node.ID
	seen := make(map[node.ID]bool)

	addIfValid := func(id node.ID) bool {
		if seen[id] {
			return false
		}
		n, ok := nodes.Get(id)
		if !ok || !ValidWriteTarget(n, req.MediumIsCache, req.MediumAcceptsWrites) {
			return false
		}
		if !collector.Accepts(n, enforceRackAwareness) {
			return false
		}
		collector.Accept(n)
		n.BumpSessionHint(req.Medium)
		targets = append(targets, id)
		seen[id] = true
		return true
	}

	if req.PreferredNodeID != "" {
		addIfValid(req.PreferredNodeID)
	}

	if loadFactor != nil {
		for _, id := range loadFactor.Ascending() {
			if len(targets) >= req.DesiredCount {
				break
			}
			addIfValid(id)
		}
	}

	return targets
}

// RemovalCandidate is one replica eligible for removal-target selection.
type RemovalCandidate struct {
	Node                node.ID
	CRPInconsistent     bool
	RackOverfull        bool
	DataCenterOverfull  bool
	FillFactor          float64
}

// SelectRemovalTarget picks a removal target among replica-holding
// nodes: CRP-inconsistency first, then rack-overfull, then DC-overfull,
// then highest fill factor. The first non-empty tier wins.
func SelectRemovalTarget(candidates []RemovalCandidate) (node.ID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	for _, c := range candidates {
		if c.CRPInconsistent {
			return c.Node, true
		}
	}
	for _, c := range candidates {
		if c.RackOverfull {
			return c.Node, true
		}
	}
	for _, c := range candidates {
		if c.DataCenterOverfull {
			return c.Node, true
		}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.FillFactor > best.FillFactor {
			best = c
		}
	}
	return best.Node, true
}

// SelectBalancingTarget iterates the fill-factor index ascending, stops
// once fill factor exceeds maxFillFactor, and accepts the first node the
// validity predicate admits.
func SelectBalancingTarget(nodes *node.Registry, fillFactor *Index, medium int, maxFillFactor float64, valid func(*node.Node) bool) (node.ID, bool) {
	for _, id := range fillFactor.Ascending() {
		if fillFactor.Value(id) > maxFillFactor {
			break
		}
		n, ok := nodes.Get(id)
		if !ok {
			continue
		}
		if valid == nil || valid(n) {
			return id, true
		}
	}
	return "", false
}
