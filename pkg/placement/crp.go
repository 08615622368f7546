package placement

import (
	"math"
	"sort"

	"github.com/cuemby/chunkmaster/pkg/node"
)

// CRPRing is the circular hash-space ring of consistent replica
// placement: each valid-write-target node contributes TokenCount points,
// and each CRP-managed chunk probes ReplicasPerChunk points from its
// hash.
type CRPRing struct {
	medium int
	points []ringPoint
}

type ringPoint struct {
	hash uint64
	id   node.ID
}

// BucketCounts computes per-medium token counts from a total-space
// distribution split into B buckets: bucket 0 gets 1x tokensPerNode,
// bucket 1 gets 2x, ..., bucket (B-1) gets Bx.
func BucketCounts(totalSpace map[node.ID]int64, bucketCount int, tokensPerNode int) map[node.ID]int {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	type entry struct {
		id    node.ID
		space int64
	}
	entries := make([]entry, 0, len(totalSpace))
	for id, sp := range totalSpace {
		entries = append(entries, entry{id, sp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].space < entries[j].space })

	out := make(map[node.ID]int, len(entries))
	n := len(entries)
	if n == 0 {
		return out
	}
	for i, e := range entries {
		bucket := i * bucketCount / n
		if bucket >= bucketCount {
			bucket = bucketCount - 1
		}
		out[e.id] = (bucket + 1) * tokensPerNode
	}
	return out
}

// BuildRing constructs a CRP ring for a medium from each node's current
// token count, hashing (nodeID, tokenIndex) pairs onto the circular space.
func BuildRing(medium int, tokenCounts map[node.ID]int) *CRPRing {
	r := &CRPRing{medium: medium}
	for id, count := range tokenCounts {
		for i := 0; i < count; i++ {
			r.points = append(r.points, ringPoint{hash: hashNodeToken(id, i), id: id})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

func hashNodeToken(id node.ID, tokenIndex int) uint64 {
	h := fnv64a(string(id))
	h ^= uint64(tokenIndex) * 0x9E3779B97F4A7C15
	return h
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Targets returns the deterministic, ordered, duplicate-free node list for
// a chunk hash, walking successor points on the ring starting from each of
// replicasPerChunk probe positions derived from crpHash.
func (r *CRPRing) Targets(crpHash uint64, replicasPerChunk int) []node.ID {
	if len(r.points) == 0 {
		return nil
	}
	seen := make(map[node.ID]bool)
	var out []node.ID

	for probe := 0; probe < replicasPerChunk && len(out) < replicasPerChunk; probe++ {
		probeHash := crpHash ^ (uint64(probe) * 0xC2B2AE3D27D4EB4F)
		idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= probeHash })
		for i := 0; i < len(r.points); i++ {
			candidate := r.points[(idx+i)%len(r.points)]
			if seen[candidate.id] {
				continue
			}
			seen[candidate.id] = true
			out = append(out, candidate.id)
			break
		}
	}
	return out
}

// IsConsistentlyPlaced reports whether actualReplicas match the
// deterministic CRP target list exactly (order-insensitive set equality),
// used to compute the InconsistentlyPlaced status.
func IsConsistentlyPlaced(targets []node.ID, actualReplicas []node.ID) bool {
	if len(targets) != len(actualReplicas) {
		return false
	}
	want := make(map[node.ID]bool, len(targets))
	for _, id := range targets {
		want[id] = true
	}
	for _, id := range actualReplicas {
		if !want[id] {
			return false
		}
	}
	return true
}

// MissingReplicas returns which deterministic targets are absent from
// actualReplicas.
func MissingReplicas(targets []node.ID, actualReplicas []node.ID) []node.ID {
	have := make(map[node.ID]bool, len(actualReplicas))
	for _, id := range actualReplicas {
		have[id] = true
	}
	var missing []node.ID
	for _, id := range targets {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// MaxReplicasPerDataCenter computes the per-failure-domain cap from the
// aggregated replication factor and the number of alive data centers:
// ceil(aggregatedRF / |aliveDCs|), capped by failureDomainBound.
func MaxReplicasPerDataCenter(aggregatedRF int, aliveDCCount int, failureDomainBound int) int {
	if aliveDCCount <= 0 {
		return failureDomainBound
	}
	v := int(math.Ceil(float64(aggregatedRF) / float64(aliveDCCount)))
	if failureDomainBound > 0 && v > failureDomainBound {
		return failureDomainBound
	}
	return v
}
