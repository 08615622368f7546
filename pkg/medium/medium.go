// Package medium implements the medium registry: a small table of named
// storage tiers that chunks replicate across independently.
package medium

import (
	"strconv"
	"sync"

	"github.com/cuemby/chunkmaster/pkg/chunkerrors"
)

// MaxIndex is the largest index a medium may be assigned; index is a
// single byte on the wire.
const MaxIndex = 255

// DefaultStoreName and DefaultCacheName name the two built-in media that
// must exist at bootstrap.
const (
	DefaultStoreName = "default"
	DefaultCacheName = "cache"
)

// Medium is a named storage tier.
type Medium struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	Cache      bool   `json:"cache"`
	Transient  bool   `json:"transient"`
	Config     string `json:"config,omitempty"`
	builtin    bool
}

// Registry is the authoritative catalog of media. Index and name
// uniqueness, the MaxMediumCount cap, and built-in protection are all
// enforced here.
type Registry struct {
	mu            sync.RWMutex
	maxMediumCount int
	byIndex       map[int]*Medium
	byName        map[string]*Medium
}

// NewRegistry creates a registry seeded with the built-in "default" store
// medium and "cache" cache medium.
func NewRegistry(maxMediumCount int) *Registry {
	r := &Registry{
		maxMediumCount: maxMediumCount,
		byIndex:        make(map[int]*Medium),
		byName:         make(map[string]*Medium),
	}
	store := &Medium{Index: 0, Name: DefaultStoreName, Priority: 0, builtin: true}
	cache := &Medium{Index: 1, Name: DefaultCacheName, Cache: true, Priority: 0, builtin: true}
	r.byIndex[store.Index] = store
	r.byName[store.Name] = store
	r.byIndex[cache.Index] = cache
	r.byName[cache.Name] = cache
	return r
}

// Create registers a new medium at the given index. Returns InvalidArgument
// if the index or name is already taken, out of range, or the registry is
// at MaxMediumCount.
func (r *Registry) Create(m Medium) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Index < 0 || m.Index > MaxIndex {
		return chunkerrors.InvalidArgument("medium index %d out of range [0,%d]", m.Index, MaxIndex)
	}
	if _, exists := r.byIndex[m.Index]; exists {
		return chunkerrors.InvalidArgument("medium index %d already assigned", m.Index)
	}
	if _, exists := r.byName[m.Name]; exists {
		return chunkerrors.InvalidArgument("medium name %q already assigned", m.Name)
	}
	if len(r.byIndex) >= r.maxMediumCount {
		return chunkerrors.InvalidArgument("medium registry at capacity (%d)", r.maxMediumCount)
	}

	cp := m
	cp.builtin = false
	r.byIndex[cp.Index] = &cp
	r.byName[cp.Name] = &cp
	return nil
}

// Destroy removes a medium by name. Built-in media can never be destroyed.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byName[name]
	if !ok {
		return chunkerrors.NoSuchMedium(name)
	}
	if m.builtin {
		return chunkerrors.InvalidArgument("built-in medium %q cannot be destroyed", name)
	}
	delete(r.byName, name)
	delete(r.byIndex, m.Index)
	return nil
}

// ByName looks a medium up by its unique name.
func (r *Registry) ByName(name string) (*Medium, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok {
		return nil, chunkerrors.NoSuchMedium(name)
	}
	return m, nil
}

// ByIndex looks a medium up by its stable index.
func (r *Registry) ByIndex(index int) (*Medium, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byIndex[index]
	if !ok {
		return nil, chunkerrors.NoSuchMedium(indexName(index))
	}
	return m, nil
}

// List returns every registered medium.
func (r *Registry) List() []*Medium {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Medium, 0, len(r.byIndex))
	for _, m := range r.byIndex {
		out = append(out, m)
	}
	return out
}

func indexName(index int) string {
	return "index:" + strconv.Itoa(index)
}
