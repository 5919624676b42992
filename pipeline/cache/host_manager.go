package cache

import (
	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/pipeline/item"
)

// HostManager is the host-memory tier (spec §4.4): a byte-budgeted, LRU cache
// of DataItems, reference counted starting at 1 on a fresh store.
type HostManager struct {
	*manager
}

// NewHostManager constructs a host-memory cache identified by identifier
// (used only in log lines) with the given byte budget. log may be nil, in
// which case a no-op logger is used.
func NewHostManager(identifier string, limitKB uint64, log *zap.Logger) *HostManager {
	return &HostManager{manager: newManager(identifier, limitKB, 1, log)}
}

// Store admits it into the cache under owner's scope. See manager.store.
func (h *HostManager) Store(owner Owner, canonicalRequest string, it item.DataItem) (bool, error) {
	return h.store(owner, canonicalRequest, it)
}

// Contains reports whether the item is present, promoting it to active and
// incrementing its reference count as a side effect if so.
func (h *HostManager) Contains(owner Owner, canonicalRequest string) bool {
	return h.contains(owner, canonicalRequest)
}

// Get returns the item, or nil if absent or released.
func (h *HostManager) Get(owner Owner, canonicalRequest string) item.DataItem {
	return h.get(owner, canonicalRequest)
}

// Release decrements the reference count, moving the entry to the LRU
// release queue once it reaches zero.
func (h *HostManager) Release(owner Owner, canonicalRequest string) error {
	return h.release(owner, canonicalRequest)
}

// Usage returns (used, limit) in KB.
func (h *HostManager) Usage() (usedKB, limitKB uint64) {
	return h.usageSnapshot()
}

// Snapshot returns a diagnostic view of every entry currently held.
func (h *HostManager) Snapshot() []EntrySnapshot {
	return h.snapshot()
}

// Clear evicts every released entry.
func (h *HostManager) Clear() {
	h.clear()
}

// Shutdown destroys every entry, active or released.
func (h *HostManager) Shutdown() {
	h.shutdown()
}
