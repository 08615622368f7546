// Package refresh implements per-chunk status computation and the
// refresh scheduler: regular/erasure/journal status rules, cross-medium
// rollup, global health sets, and work-queue updates feeding the
// replicator and sealer.
package refresh

import (
	"strconv"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/node"
	"github.com/cuemby/chunkmaster/pkg/placement"
)

// Flag is one bit of a chunk's per-medium status.
type Flag int

const (
	FlagNone Flag = 1 << iota
	FlagLost
	FlagUnderreplicated
	FlagOverreplicated
	FlagDataMissing
	FlagParityMissing
	FlagQuorumMissing
	FlagSealed
	FlagUnsafelyPlaced
	FlagInconsistentlyPlaced
	FlagPrecarious
)

// Has reports whether f includes bit.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// ReplicationRequest asks for count additional replicas at replicaIndex.
type ReplicationRequest struct {
	ReplicaIndex int
	Count        int
}

// RemovalRequest asks a specific node to remove a replica.
type RemovalRequest struct {
	Node         node.ID
	ReplicaIndex int
}

// BalancingRemovalRequest asks for count replicas at replicaIndex to be
// removed via balancing-target selection rather than a specific node.
type BalancingRemovalRequest struct {
	ReplicaIndex int
	Count        int
}

// MediumStatus is the per-medium refresh record.
type MediumStatus struct {
	Medium                         int
	Status                         Flag
	ReplicaCount                   map[int]int
	DecommissionedReplicaCount     map[int]int
	ReplicationRequests            []ReplicationRequest
	DecommissionedRemovalRequests  []RemovalRequest
	BalancingRemovalRequests       []BalancingRemovalRequest
	UnsafelyPlacedReplica          node.ID
	MissingReplicas                []node.ID
}

// Result is a chunk's cross-medium refresh result.
type Result struct {
	ChunkID chunkid.ID
	Global  Flag
	PerMedium []MediumStatus
}

// MediumView is everything the status computation needs about one
// medium for one chunk: its replicas, and configuration bounds.
type MediumView struct {
	Medium                 int
	RequiredReplicationFactor int
	DataPartCount          int
	TotalPartCount         int
	ReadQuorum             int
	Replicas               []ReplicaView
	MaxReplicasPerRack     int
	CRPTargets             []node.ID
	Transient              bool
}

// ReplicaView is one replica as seen by the status computation, already
// resolved against node state (online/decommissioned).
type ReplicaView struct {
	Node          node.ID
	Rack          string
	ReplicaIndex  int
	Decommissioned bool
	Approved      bool
	Sealed        bool
}

// ComputeRegular computes a regular chunk's status on one medium: it
// partitions approved-online vs decommissioned replicas and compares the
// online count against the medium-capped replication factor R.
func ComputeRegular(v MediumView) MediumStatus {
	r, d := 0, 0
	var rackCounts = map[string]int{}
	var unsafe node.ID
	for _, rep := range v.Replicas {
		if !rep.Approved {
			continue
		}
		if rep.Decommissioned {
			d++
		} else {
			r++
		}
		rackCounts[rep.Rack]++
		if v.MaxReplicasPerRack > 0 && rackCounts[rep.Rack] > v.MaxReplicasPerRack && unsafe == "" {
			unsafe = rep.Node
		}
	}

	ms := MediumStatus{
		Medium:                     v.Medium,
		ReplicaCount:               map[int]int{0: r},
		DecommissionedReplicaCount: map[int]int{0: d},
		UnsafelyPlacedReplica:      unsafe,
	}

	R := v.RequiredReplicationFactor
	switch {
	case r+d == 0:
		ms.Status |= FlagLost
	case r < R && r+d > 0:
		ms.Status |= FlagUnderreplicated
		ms.ReplicationRequests = append(ms.ReplicationRequests, ReplicationRequest{ReplicaIndex: 0, Count: R - r})
	case r == R && d > 0:
		ms.Status |= FlagOverreplicated
		for _, rep := range v.Replicas {
			if rep.Decommissioned {
				ms.DecommissionedRemovalRequests = append(ms.DecommissionedRemovalRequests, RemovalRequest{Node: rep.Node, ReplicaIndex: 0})
			}
		}
	case r > R:
		ms.Status |= FlagOverreplicated
		ms.BalancingRemovalRequests = append(ms.BalancingRemovalRequests, BalancingRemovalRequest{ReplicaIndex: 0, Count: r - R})
	}

	if unsafe != "" {
		ms.Status |= FlagUnsafelyPlaced
	}
	if len(v.CRPTargets) > 0 {
		actual := make([]node.ID, 0, len(v.Replicas))
		for _, rep := range v.Replicas {
			actual = append(actual, rep.Node)
		}
		if !placement.IsConsistentlyPlaced(v.CRPTargets, actual) {
			ms.Status |= FlagInconsistentlyPlaced
			ms.MissingReplicas = placement.MissingReplicas(v.CRPTargets, actual)
		}
	}
	return ms
}

// ComputeErasure computes an erasure chunk's status: the same partitioning
// as ComputeRegular but per part index, with data/parity-missing
// classification and a codec-repairability predicate.
func ComputeErasure(v MediumView, canRepair func(erasedIndexes []int) bool) MediumStatus {
	present := map[int]bool{}
	decommissioned := map[int]bool{}
	for _, rep := range v.Replicas {
		if !rep.Approved {
			continue
		}
		if rep.Decommissioned {
			decommissioned[rep.ReplicaIndex] = true
		} else {
			present[rep.ReplicaIndex] = true
		}
	}

	var erased []int
	for i := 0; i < v.TotalPartCount; i++ {
		if !present[i] && !decommissioned[i] {
			erased = append(erased, i)
		}
	}

	ms := MediumStatus{Medium: v.Medium, ReplicaCount: map[int]int{}, DecommissionedReplicaCount: map[int]int{}}
	for i := 0; i < v.TotalPartCount; i++ {
		if present[i] {
			ms.ReplicaCount[i] = 1
		}
		if decommissioned[i] {
			ms.DecommissionedReplicaCount[i] = 1
		}
	}

	dataMissing, parityMissing := 0, 0
	for _, idx := range erased {
		if idx < v.DataPartCount {
			dataMissing++
		} else {
			parityMissing++
		}
	}

	if canRepair != nil && !canRepair(erased) {
		ms.Status |= FlagLost
		return ms
	}
	if dataMissing > 0 {
		ms.Status |= FlagDataMissing
	}
	if parityMissing > 0 {
		ms.Status |= FlagParityMissing
	}
	for _, idx := range erased {
		ms.ReplicationRequests = append(ms.ReplicationRequests, ReplicationRequest{ReplicaIndex: idx, Count: 1})
	}
	for idx := range decommissioned {
		for _, rep := range v.Replicas {
			if rep.ReplicaIndex == idx && rep.Decommissioned {
				ms.DecommissionedRemovalRequests = append(ms.DecommissionedRemovalRequests, RemovalRequest{Node: rep.Node, ReplicaIndex: idx})
			}
		}
	}
	return ms
}

// ComputeJournal computes a journal chunk's status: quorum logic while
// unsealed, then regular RF logic over sealed replicas once sealed.
func ComputeJournal(v MediumView, chunkSealed bool) MediumStatus {
	sealedCount, unsealedCount, decommissioned := 0, 0, 0
	for _, rep := range v.Replicas {
		if !rep.Approved {
			continue
		}
		if rep.Decommissioned {
			decommissioned++
			continue
		}
		if rep.Sealed {
			sealedCount++
		} else {
			unsealedCount++
		}
	}

	ms := MediumStatus{Medium: v.Medium, ReplicaCount: map[int]int{0: sealedCount + unsealedCount}, DecommissionedReplicaCount: map[int]int{0: decommissioned}}

	if chunkSealed {
		ms.Status |= FlagSealed
		R := v.RequiredReplicationFactor
		r := sealedCount
		switch {
		case r+decommissioned == 0:
			ms.Status |= FlagLost
		case r < R:
			ms.Status |= FlagUnderreplicated
			ms.ReplicationRequests = append(ms.ReplicationRequests, ReplicationRequest{ReplicaIndex: 0, Count: R - r})
		case r > R:
			ms.Status |= FlagOverreplicated
		}
		return ms
	}

	if sealedCount == 0 && sealedCount+unsealedCount+decommissioned < v.ReadQuorum {
		ms.Status |= FlagQuorumMissing
	}
	return ms
}

// Rollup folds per-medium statuses into a chunk-wide result: globally Lost
// iff lost on every required medium; globally Precarious iff all replicas
// sit on transient media against a requisition that demands otherwise.
func Rollup(id chunkid.ID, perMedium []MediumStatus, transientOnly bool, requisitionDemandsDurable bool) Result {
	res := Result{ChunkID: id, PerMedium: perMedium}

	lostEverywhere := len(perMedium) > 0
	any := FlagNone
	for _, ms := range perMedium {
		if !ms.Status.Has(FlagLost) {
			lostEverywhere = false
		}
		any |= ms.Status
	}
	res.Global = any
	if lostEverywhere {
		res.Global |= FlagLost
	}
	if transientOnly && requisitionDemandsDurable {
		res.Global |= FlagPrecarious
	}
	return res
}

// SoundnessCheckDuplicateErasurePart reports whether two replicas of the
// same erasure part index are scheduled on the same node, which is
// forbidden.
func SoundnessCheckDuplicateErasurePart(replicas []ReplicaView) bool {
	seen := map[string]bool{}
	for _, r := range replicas {
		key := string(r.Node) + "/" + strconv.Itoa(r.ReplicaIndex)
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}
