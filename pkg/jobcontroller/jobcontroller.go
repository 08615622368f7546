// Package jobcontroller implements the job registry and per-heartbeat
// scheduling for replicate/remove/repair/seal/merge/autotomize jobs
// dispatched to storage nodes, with per-node slot caps and resource
// accounting.
package jobcontroller

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
	"github.com/cuemby/chunkmaster/pkg/node"
)

// Type is a job's kind.
type Type string

const (
	TypeReplicate Type = "Replicate"
	TypeRemove    Type = "Remove"
	TypeRepair    Type = "Repair"
	TypeSeal      Type = "Seal"
	TypeMerge     Type = "Merge"
	TypeAutotomize Type = "Autotomize"
)

// State is a job's lifecycle state: Waiting -> Running -> one of
// Completed, Failed, Aborted.
type State string

const (
	StateWaiting   State = "Waiting"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateAborted   State = "Aborted"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Job is one scheduled unit of work on a node.
type Job struct {
	ID             string
	Type           Type
	ChunkID        chunkid.ID
	ReplicaIndexes []int
	Node           node.ID
	TargetReplicas []node.ID
	StartTime      time.Time
	ResourceUsage  node.ResourceUsage
	State          State
	Error          string
}

// SlotLimits caps how many concurrently running jobs of each type a node
// may be assigned.
type SlotLimits struct {
	Replication int
	Removal     int
	Repair      int
	Seal        int
	Merge       int
	Autotomize  int
}

func (l SlotLimits) limitFor(t Type) int {
	switch t {
	case TypeReplicate:
		return l.Replication
	case TypeRemove:
		return l.Removal
	case TypeRepair:
		return l.Repair
	case TypeSeal:
		return l.Seal
	case TypeMerge:
		return l.Merge
	case TypeAutotomize:
		return l.Autotomize
	default:
		return 0
	}
}

// PendingWork is one item of a per-node FIFO queue, not yet turned into a
// Job.
type PendingWork struct {
	Type    Type
	ChunkID chunkid.ID
	Targets []node.ID
	Usage   node.ResourceUsage
}

// Registry is the live job set plus per-node queues.
type Registry struct {
	mu sync.Mutex

	jobs       map[string]*Job
	byNode     map[node.ID]map[string]*Job
	queues     map[node.ID][]PendingWork
	timeout    time.Duration
	idSeq      uint64
}

// NewRegistry creates an empty job registry.
func NewRegistry(jobTimeout time.Duration) *Registry {
	return &Registry{
		jobs:    make(map[string]*Job),
		byNode:  make(map[node.ID]map[string]*Job),
		queues:  make(map[node.ID][]PendingWork),
		timeout: jobTimeout,
	}
}

// Enqueue appends pending work to a node's queue.
func (r *Registry) Enqueue(n node.ID, w PendingWork) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[n] = append(r.queues[n], w)
}

// QueueDepth returns how much pending work of any type is queued for n.
func (r *Registry) QueueDepth(n node.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[n])
}

// nextID derives a job ID from the command-carried now plus a monotonic
// per-registry sequence, never from wall-clock time read at apply time:
// followers replay the same heartbeat command with the same now, so every
// replica must mint the same ID for the same job.
func (r *Registry) nextID(now time.Time) string {
	r.idSeq++
	return "job-" + now.UTC().Format("20060102150405") + "-" + strconv.FormatUint(r.idSeq, 10)
}

// ReportedJobStatus is one job's status as reported by a heartbeat.
type ReportedJobStatus struct {
	ID    string
	State State
	Error string
}

// HeartbeatResult bundles what the manager tells a node to do next in
// response to a job heartbeat.
type HeartbeatResult struct {
	JobsToStart  []*Job
	JobsToAbort  []string
	JobsToRemove []string
}

// ProcessHeartbeat runs the three-step per-heartbeat scheduling pass:
// apply reported statuses, abort missing and timed-out jobs, then drain
// queues up to slot limits.
func (r *Registry) ProcessHeartbeat(n node.ID, reported []ReportedJobStatus, limits SlotLimits, onTerminal func(*Job), now time.Time) HeartbeatResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result HeartbeatResult
	reportedIDs := make(map[string]bool, len(reported))

	for _, rs := range reported {
		reportedIDs[rs.ID] = true
		j, ok := r.jobs[rs.ID]
		if !ok {
			continue
		}
		j.State = rs.State
		j.Error = rs.Error
		if j.State.Terminal() {
			result.JobsToRemove = append(result.JobsToRemove, j.ID)
			r.removeLocked(j)
			if onTerminal != nil {
				onTerminal(j)
			}
		}
	}

	for id, j := range r.byNode[n] {
		timedOut := !now.IsZero() && !j.StartTime.IsZero() && now.Sub(j.StartTime) > r.timeout
		if reportedIDs[id] && !timedOut {
			continue
		}
		j.State = StateAborted
		result.JobsToAbort = append(result.JobsToAbort, j.ID)
		r.removeLocked(j)
		if onTerminal != nil {
			onTerminal(j)
		}
	}

	running := map[Type]int{}
	for _, j := range r.byNode[n] {
		running[j.Type]++
	}

	queue := r.queues[n]
	var remaining []PendingWork
	for _, w := range queue {
		limit := limits.limitFor(w.Type)
		if limit > 0 && running[w.Type] >= limit {
			remaining = append(remaining, w)
			continue
		}
		j := &Job{
			ID:             r.nextID(now),
			Type:           w.Type,
			ChunkID:        w.ChunkID,
			Node:           n,
			TargetReplicas: w.Targets,
			StartTime:      now,
			ResourceUsage:  w.Usage,
			State:          StateWaiting,
		}
		r.jobs[j.ID] = j
		if r.byNode[n] == nil {
			r.byNode[n] = make(map[string]*Job)
		}
		r.byNode[n][j.ID] = j
		running[w.Type]++
		result.JobsToStart = append(result.JobsToStart, j)
	}
	r.queues[n] = remaining

	return result
}

func (r *Registry) removeLocked(j *Job) {
	delete(r.jobs, j.ID)
	if m, ok := r.byNode[j.Node]; ok {
		delete(m, j.ID)
	}
}

// Get looks a job up by id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// JobsForNode returns every in-flight job assigned to n.
func (r *Registry) JobsForNode(n node.ID) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.byNode[n]))
	for _, j := range r.byNode[n] {
		out = append(out, j)
	}
	return out
}
