// Package workspace keeps track of the shared memory regions a session has
// allocated, so that they can be found again by index.
package workspace

import (
	"sort"
	"sync"

	"github.com/sarchlab/ase/shm"
)

// Entry is one registered region. Deallocated entries stay in the registry
// with Valid cleared.
type Entry struct {
	Index  int32
	Region *shm.Region
	Valid  bool
}

// Registry maps region indices to entries. It is safe for concurrent use.
type Registry struct {
	lock      sync.RWMutex
	entries   map[int32]*Entry
	nextIndex int32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int32]*Entry)}
}

// NextIndex hands out the next region index. Indices increase for the
// lifetime of the registry and are never reused.
func (r *Registry) NextIndex() int32 {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := r.nextIndex
	r.nextIndex++

	return idx
}

// Add registers a region under its index.
func (r *Registry) Add(region *shm.Region) *Entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	e := &Entry{Index: region.Index, Region: region, Valid: true}
	r.entries[region.Index] = e

	return e
}

// Lookup returns the entry with the given index and whether it is still
// valid.
func (r *Registry) Lookup(index int32) (*Entry, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	e, ok := r.entries[index]
	if !ok {
		return nil, false
	}

	return e, e.Valid
}

// Claim atomically invalidates a valid entry and returns it. It returns
// false if the entry is unknown or already invalid, so two concurrent
// deallocations of the same index cannot both proceed.
func (r *Registry) Claim(index int32) (*Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[index]
	if !ok || !e.Valid {
		return nil, false
	}

	e.Valid = false

	return e, true
}

// Invalidate marks an entry as deallocated. It reports whether a valid entry
// was found.
func (r *Registry) Invalidate(index int32) bool {
	_, ok := r.Claim(index)
	return ok
}

// Entries returns all entries, valid or not, ordered by index.
func (r *Registry) Entries() []Entry {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, *e)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Index < list[j].Index
	})

	return list
}

// Live returns the regions of the valid entries, ordered by index.
func (r *Registry) Live() []*shm.Region {
	var regions []*shm.Region

	for _, e := range r.Entries() {
		if e.Valid {
			regions = append(regions, e.Region)
		}
	}

	return regions
}
