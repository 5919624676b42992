package cache

import (
	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/perr"
)

// GPUManager is the device-memory tier (spec §4.5). It differs from
// HostManager in two ways: a freshly stored entry starts with refcount -1,
// a "stored but unreferenced" state that is only promoted to an active
// reference (1) on the first Contains after store (Get takes no reference
// and does not promote) — a producer may park
// a buffer in the cache before any consumer has asked for it, without that
// parking itself counting as a reference; and entries can have their
// recorded size corrected after upload once the real device allocation size
// is known, via UpdateItemSize.
type GPUManager struct {
	*manager
}

// NewGPUManager constructs a GPU-memory cache with the given byte budget.
func NewGPUManager(identifier string, limitKB uint64, log *zap.Logger) *GPUManager {
	return &GPUManager{manager: newManager(identifier, limitKB, -1, log)}
}

// Store admits it into the cache under owner's scope with an initial
// refcount of -1 (unreferenced). See manager.store.
func (g *GPUManager) Store(owner Owner, canonicalRequest string, it item.DataItem) (bool, error) {
	return g.store(owner, canonicalRequest, it)
}

// Contains reports whether the item is present. The first call after Store
// promotes the entry from unreferenced (-1) to one active reference.
func (g *GPUManager) Contains(owner Owner, canonicalRequest string) bool {
	return g.contains(owner, canonicalRequest)
}

// Get returns the item, or nil if absent or released.
func (g *GPUManager) Get(owner Owner, canonicalRequest string) item.DataItem {
	return g.get(owner, canonicalRequest)
}

// Release decrements the reference count, moving the entry to the LRU
// release queue once it reaches zero.
func (g *GPUManager) Release(owner Owner, canonicalRequest string) error {
	return g.release(owner, canonicalRequest)
}

// UpdateItemSize corrects the recorded size of an already-stored entry,
// adjusting total usage accordingly. Used once a device buffer's actual
// allocation size is known, which can differ from the estimate computed at
// Store time (alignment padding, compressed formats). Returns a
// *perr.MemoryError if the corrected size would exceed the budget.
func (g *GPUManager) UpdateItemSize(owner Owner, canonicalRequest string, newSizeKB uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(owner, canonicalRequest)
	e, ok := g.entries[k]
	if !ok {
		return &perr.MemoryError{Reason: "cannot update size of a data item that is not present: " + k}
	}
	delta := int64(newSizeKB) - int64(e.sizeKB)
	if delta > 0 && g.usageKB+uint64(delta) > g.limitKB {
		return &perr.MemoryError{Reason: "updated item size exceeds system memory limit: " + k}
	}
	g.usageKB = uint64(int64(g.usageKB) + delta)
	e.sizeKB = newSizeKB
	return nil
}

// ReleaseAllReferences forces an entry's reference count to zero regardless
// of how many holders think they still have it, moving it to the LRU
// release queue immediately. Used on device loss/reset, when every
// outstanding GPU handle is invalidated at once and the ordinary one-at-a-
// time Release bookkeeping no longer reflects reality.
func (g *GPUManager) ReleaseAllReferences(owner Owner, canonicalRequest string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(owner, canonicalRequest)
	e, ok := g.entries[k]
	if !ok {
		return &perr.MemoryError{Reason: "cannot release references on a data item that is not present: " + k}
	}
	if e.releasedElem != nil {
		return nil
	}
	e.refcount = 0
	e.releasedElem = g.lru.PushBack(k)
	return nil
}

// Usage returns (used, limit) in KB.
func (g *GPUManager) Usage() (usedKB, limitKB uint64) {
	return g.usageSnapshot()
}

// Snapshot returns a diagnostic view of every entry currently held.
func (g *GPUManager) Snapshot() []EntrySnapshot {
	return g.snapshot()
}

// Clear evicts every released entry.
func (g *GPUManager) Clear() {
	g.clear()
}

// Shutdown destroys every entry, active or released.
func (g *GPUManager) Shutdown() {
	g.shutdown()
}
