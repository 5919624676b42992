// Package cache implements the two-tier LRU memory manager described in
// spec §4.4-4.5: a host-memory cache for DataItems and a GPU-memory cache for
// device-resident items, each parameterized by a byte budget, reference
// counted, and guarded by a single non-re-entrant sync.Mutex: every method
// that needs it takes it once, and store() computes eviction inline without
// calling back into contains() or any other locking method.
//
// Grounded on the original MLRUMemoryManager (lrumemorymanager.cpp): a single
// recursive QMutex over two maps (active, released) plus an LRU queue of
// released keys, keyed by "<ownerId>/<canonicalRequest>" so two sources can
// never collide on the same storage key.
package cache

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/perr"
)

// Owner identifies a cache client for storage-key scoping. Every
// DataSource implementation is an Owner via its stable ID.
type Owner interface {
	OwnerID() string
}

// ownerFunc adapts a plain string to Owner, convenient for tests and
// call sites that don't want to define a type.
type ownerFunc string

func (o ownerFunc) OwnerID() string { return string(o) }

// OwnerID wraps a plain string as an Owner.
func OwnerID(id string) Owner { return ownerFunc(id) }

// entry is the bookkeeping record held per stored item (spec §3, "Cache
// entry (host)"): the item itself, its reference count, and its size for
// usage accounting. refcount semantics for the GPU variant are set out in
// NewGPUManager.
type entry struct {
	it       item.DataItem
	refcount int
	sizeKB   uint64
	// releasedElem is this entry's node in the LRU list while released;
	// nil while active.
	releasedElem *list.Element
}

// EntrySnapshot is a point-in-time, read-only view of one cache entry,
// exposed for diagnostics — the Go analogue of the original's
// dumpMemoryContent() property-panel dump.
type EntrySnapshot struct {
	Key      string
	SizeKB   uint64
	RefCount int
	Released bool
}

// manager is the shared implementation behind HostManager and GPUManager;
// the only behavioral difference between the two tiers is the initial
// refcount a fresh store() assigns, captured in freshRefcount.
type manager struct {
	mu  sync.Mutex // not re-entrant: all public methods that need the lock take it once, at the top; nothing below calls back into a locking method.
	log *zap.Logger

	identifier string
	limitKB    uint64
	usageKB    uint64

	entries map[string]*entry
	lru     *list.List // front = least recently released; keys of entry.releasedElem

	freshRefcount int // 1 for host entries, -1 ("blocked until first get") for GPU entries
}

func newManager(identifier string, limitKB uint64, freshRefcount int, log *zap.Logger) *manager {
	if limitKB == 0 {
		panic("cache: manager requires a non-zero byte budget")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("cache", identifier))
	return &manager{
		log:           log,
		identifier:    identifier,
		limitKB:       limitKB,
		entries:       make(map[string]*entry),
		lru:           list.New(),
		freshRefcount: freshRefcount,
	}
}

// key builds the source-scoped storage key "<ownerId>/<canonicalRequest>".
func key(owner Owner, canonicalRequest string) string {
	return owner.OwnerID() + "/" + canonicalRequest
}

// store admits it under owner's scope. Returns (stored, error): stored is
// false with a nil error when the key already exists (idempotent re-store,
// spec §8 "store is idempotent"); error is a *perr.MemoryError when eviction
// cannot free enough room because every candidate is still active.
func (m *manager) store(owner Owner, canonicalRequest string, it item.DataItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(owner, canonicalRequest)
	if _, exists := m.entries[k]; exists {
		m.log.Debug("cache: store declined, key already exists", zap.String("key", k))
		return false, nil
	}

	size := it.MemorySizeKB()
	for m.usageKB+size > m.limitKB && m.lru.Len() > 0 {
		m.evictOldest()
	}
	if m.usageKB+size > m.limitKB {
		return false, &perr.MemoryError{Reason: "system memory limit exceeded, cannot release any further data items"}
	}

	m.entries[k] = &entry{it: it, refcount: m.freshRefcount, sizeKB: size}
	m.usageKB += size
	m.log.Debug("cache: stored", zap.String("key", k), zap.Uint64("size_kb", size))
	return true, nil
}

// evictOldest removes the least-recently-released entry. Caller must hold m.mu.
func (m *manager) evictOldest() {
	front := m.lru.Front()
	if front == nil {
		return
	}
	k := front.Value.(string)
	m.lru.Remove(front)
	e := m.entries[k]
	delete(m.entries, k)
	m.usageKB -= e.sizeKB
	m.destroy(e.it)
	m.log.Debug("cache: evicted", zap.String("key", k))
}

// destroy releases any device/companion resources the item itself owns, via
// the item.Releasable hook. DataItem variants with nothing to tear down
// satisfy this implicitly: every variant embeds baseItem, whose
// ReleaseResources is a no-op when no release callback was ever wired.
func (m *manager) destroy(it item.DataItem) {
	if r, ok := it.(item.Releasable); ok {
		r.ReleaseResources()
	}
}

// contains checks for the item, promoting a released entry back to active
// and bumping refcount — the side effect documented in spec §4.2: a caller
// observing true must later call release.
func (m *manager) contains(owner Owner, canonicalRequest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containsLocked(owner, canonicalRequest)
}

func (m *manager) containsLocked(owner Owner, canonicalRequest string) bool {
	k := key(owner, canonicalRequest)
	e, ok := m.entries[k]
	if !ok {
		return false
	}
	if e.releasedElem != nil {
		m.lru.Remove(e.releasedElem)
		e.releasedElem = nil
		e.refcount = 1
		m.log.Debug("cache: promoted released entry to active", zap.String("key", k))
		return true
	}
	if e.refcount < 0 {
		// GPU "stored but unreferenced" entry: first get promotes to 1.
		e.refcount = 1
		return true
	}
	e.refcount++
	return true
}

// get returns the stored item, or nil if absent. Does not itself take a
// reference — callers are expected to have already called contains (spec
// §4.2: contains is the acquire operation; get is a value lookup on an
// already-referenced item).
func (m *manager) get(owner Owner, canonicalRequest string) item.DataItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(owner, canonicalRequest)]
	if !ok || e.releasedElem != nil {
		return nil
	}
	return e.it
}

// release decrements the reference count; at zero the entry moves to the
// released set and is appended to the LRU tail.
func (m *manager) release(owner Owner, canonicalRequest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(owner, canonicalRequest)
	e, ok := m.entries[k]
	if !ok {
		return &perr.MemoryError{Reason: "release of a data item that is not currently active: " + k}
	}
	e.refcount--
	if e.refcount <= 0 {
		e.refcount = 0
		e.releasedElem = m.lru.PushBack(k)
	}
	return nil
}

// usageSnapshot returns (usageKB, limitKB) for invariant checks and status
// reporting.
func (m *manager) usageSnapshot() (usageKB, limitKB uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageKB, m.limitKB
}

// snapshot returns a point-in-time view of every entry, for diagnostics and
// tests — see SPEC_FULL.md §C.2.
func (m *manager) snapshot() []EntrySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EntrySnapshot, 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, EntrySnapshot{
			Key:      k,
			SizeKB:   e.sizeKB,
			RefCount: e.refcount,
			Released: e.releasedElem != nil,
		})
	}
	return out
}

// clear evicts every released entry, destroying their resources. Active
// entries are left untouched — same as the original's destructor behavior
// for released items, mirrored as an explicit method rather than only at
// shutdown.
func (m *manager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.lru.Len() > 0 {
		m.evictOldest()
	}
}

// shutdown destroys every entry, active or released. Callers are
// responsible for having released their holdings first; this exists so the
// process can tear down deterministically rather than leak device
// resources, matching the original's "delete everything, active or not" at
// destruction (see lrumemorymanager.cpp ~MLRUMemoryManager).
func (m *manager) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		m.destroy(e.it)
	}
	m.entries = make(map[string]*entry)
	m.lru = list.New()
	m.usageKB = 0
}
