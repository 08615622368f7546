package requisition

import (
	"context"
	"sync"

	"github.com/cuemby/chunkmaster/pkg/chunkid"
)

// Forwarder abstracts the cross-cell RPC that forwards a foreign chunk's
// newly-computed effective requisition to its native cell; the wire
// transport itself is out of scope, so a nil Forwarder simply leaves
// foreign-chunk updates local to this cell's bookkeeping.
type Forwarder interface {
	ForwardRequisitionUpdate(ctx context.Context, id chunkid.ID, req Requisition) error
}

// OwnerPolicy is the narrow interface an owning node (a file, table, or
// journal's metadata, modeled outside this registry) exposes to
// requisition propagation: an account, a medium selection, a replication
// factor, and a vitality bit.
type OwnerPolicy struct {
	Account           string `json:"account"`
	MediumIndex       int    `json:"medium_index"`
	ReplicationFactor int    `json:"replication_factor"`
	DataPartsOnly     bool   `json:"data_parts_only,omitempty"`
	Vital             bool   `json:"vital"`
}

// OwnerRegistry maps an owning node's tag -- the same string keyed into a
// chunk list's OwningNodes set -- to the policy it contributes to every
// chunk it owns.
type OwnerRegistry struct {
	mu       sync.RWMutex
	policies map[string]OwnerPolicy
}

// NewOwnerRegistry creates an empty owner-policy registry.
func NewOwnerRegistry() *OwnerRegistry {
	return &OwnerRegistry{policies: make(map[string]OwnerPolicy)}
}

// Set installs or replaces tag's policy.
func (o *OwnerRegistry) Set(tag string, p OwnerPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies[tag] = p
}

// Remove drops tag's policy.
func (o *OwnerRegistry) Remove(tag string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.policies, tag)
}

// Get returns tag's installed policy, if any.
func (o *OwnerRegistry) Get(tag string) (OwnerPolicy, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.policies[tag]
	return p, ok
}

// Entries implements OwnerEntries against the installed policies, the
// production owner-entries source Effective is driven with.
func (o *OwnerRegistry) Entries(tag string) ([]Entry, bool, bool) {
	p, ok := o.Get(tag)
	if !ok {
		return nil, false, false
	}
	return []Entry{{
		AccountID:         p.Account,
		MediumIndex:       p.MediumIndex,
		ReplicationFactor: p.ReplicationFactor,
		DataPartsOnly:     p.DataPartsOnly,
		Committed:         true,
	}}, p.Vital, true
}

// OwnerRecord is one tag's durable policy.
type OwnerRecord struct {
	Tag    string      `json:"tag"`
	Policy OwnerPolicy `json:"policy"`
}

// Snapshot captures every installed owner policy.
func (o *OwnerRegistry) Snapshot() []OwnerRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]OwnerRecord, 0, len(o.policies))
	for tag, p := range o.policies {
		out = append(out, OwnerRecord{Tag: tag, Policy: p})
	}
	return out
}

// Restore replaces the registry's entire state from a snapshot.
func (o *OwnerRegistry) Restore(records []OwnerRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies = make(map[string]OwnerPolicy, len(records))
	for _, rec := range records {
		o.policies[rec.Tag] = rec.Policy
	}
}
