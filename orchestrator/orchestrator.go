// Package orchestrator implements the per-actor trajectory pipeline
// coordinator of spec §4.7: the component that turns one user-facing "show
// these trajectories" request into the handful of dependent sub-requests
// (raw trajectories, the full-timestep selection, optionally a single-time
// selection, per-view normals, per-view derived multi-variable geometry),
// tracks their completion, and drains a strict FIFO queue of these composite
// requests so that a later request is never allowed to overtake and replace
// the actor's on-screen state ahead of an earlier one still in flight.
//
// This is grounded on trajectoryactor.cpp's seed-slot bookkeeping in
// original_source/: each render slot keeps a pending queue of composite
// requests, a small set of currently-held (referenced) items per kind, and
// advances the queue only when its head has no sub-request left
// outstanding. The fan-out of one incoming request into several
// differently-keyed sub-requests, and the idempotent per-kind completion
// bookkeeping, mirrors trajectoryactor.cpp's dataFieldChanged /
// asynchronousDataAvailable pair generalized across every kind this port's
// sources expose rather than the original's fixed field list.
package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
)

// Well-known composite sub-request kinds. Per-view kinds are namespaced with
// KindNormals/KindDerivedGeom so one slot can carry independent normals and
// derived-geometry sub-requests for each of several simultaneously open 3-D
// views (spec §4.7: "view-dependent" normals/geometry).
const (
	KindData                = "data"
	KindSelection           = "selection"
	KindSingleTimeSelection = "singleTimeSelection"
)

// KindNormals returns the sub-request kind for view's normals.
func KindNormals(view string) string { return "normals:" + view }

// KindDerivedGeom returns the sub-request kind for view's derived geometry.
func KindDerivedGeom(view string) string { return "derivedGeom:" + view }

// SubRequest is one kind's piece of a Composite: the request this port will
// issue to that kind's source, its canonical form (computed once so
// completion matching never recomputes it), and whether that source has
// signaled completion for it yet.
type SubRequest struct {
	Request   *request.Request
	Canonical string
	Available bool
}

// Composite is one user-facing trajectory display request fanned out into
// its constituent sub-requests. NumPending counts the Subs entries not yet
// Available; the composite is ready to apply once it reaches zero.
type Composite struct {
	Slot  int
	Subs  map[string]*SubRequest
	SyncID string

	NumPending int

	firstComposite bool
}

// HeldItems is the set of items a slot currently holds a live reference to,
// one per sub-request kind it was built with. A kind absent from the slot's
// SlotSources (e.g. a view with multi-variable geometry disabled) never
// appears here.
type HeldItems map[string]item.DataItem

// DrainedFunc is invoked once per composite as it's applied to a slot — the
// orchestrator's caller uses this to push the now-current held items to the
// picker/label/render system. held is the slot's HeldItems after update;
// callers must not retain it past the call (the orchestrator map is reused).
type DrainedFunc func(slot int, composite *Composite, held HeldItems)

// SyncCompletedFunc is invoked once every slot tagged with a given syncID has
// drained its tagged composite (spec §4.7's external sync-controller bridge:
// an animation or ensemble-sweep step that must wait for every open view to
// catch up before advancing).
type SyncCompletedFunc func(syncID string)

type slotState struct {
	sources map[string]datasource.ScheduledDataSource
	pending []*Composite
	held    HeldItems

	everEnqueued       bool
	firstTimeTriggered bool
}

// Orchestrator coordinates one or more render slots, each backed by its own
// set of sources keyed by sub-request kind.
type Orchestrator struct {
	mu    sync.Mutex
	slots []*slotState

	syncRemaining map[string]int

	onDrained       DrainedFunc
	onSyncCompleted SyncCompletedFunc

	log *zap.Logger
}

// New constructs an Orchestrator. onDrained and onSyncCompleted may be nil.
func New(onDrained DrainedFunc, onSyncCompleted SyncCompletedFunc, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		syncRemaining:   make(map[string]int),
		onDrained:       onDrained,
		onSyncCompleted: onSyncCompleted,
		log:             log,
	}
}

// AddSlot registers a new render slot backed by sources (keyed by sub-request
// kind — KindData, KindSelection, KindSingleTimeSelection, KindNormals(view),
// KindDerivedGeom(view)) and returns its slot index. A completion listener is
// registered once per distinct source kind for the lifetime of the slot.
func (o *Orchestrator) AddSlot(sources map[string]datasource.ScheduledDataSource) int {
	o.mu.Lock()
	slotIdx := len(o.slots)
	slot := &slotState{
		sources: sources,
		held:    make(HeldItems, len(sources)),
	}
	o.slots = append(o.slots, slot)
	o.mu.Unlock()

	for kind, source := range sources {
		kind := kind
		source.AddCompletionListener(func(canonical string) {
			o.onSourceCompletion(slotIdx, kind, canonical)
		})
	}
	return slotIdx
}

// Enqueue builds a composite from the given per-kind requests, appends it to
// slot's pending queue, and dispatches every sub-request asynchronously.
// Entries in reqs for kinds the slot was not constructed with are ignored;
// kinds the slot has but reqs omits are left out of the composite (e.g. a
// view with multi-variable geometry toggled off for this particular
// request). syncID, if non-empty, ties this composite into a sync event
// previously started with BeginSync.
func (o *Orchestrator) Enqueue(slot int, reqs map[string]*request.Request, syncID string) *Composite {
	o.mu.Lock()
	st := o.slots[slot]

	subs := make(map[string]*SubRequest, len(reqs))
	for kind, req := range reqs {
		source, ok := st.sources[kind]
		if !ok || req == nil {
			continue
		}
		subs[kind] = &SubRequest{Request: req, Canonical: source.CanonicalFor(req)}
	}

	c := &Composite{
		Slot:       slot,
		Subs:       subs,
		SyncID:     syncID,
		NumPending: len(subs),
	}
	if !st.everEnqueued {
		st.everEnqueued = true
		c.firstComposite = true
	}
	st.pending = append(st.pending, c)
	o.mu.Unlock()

	o.dispatch(slot, c)
	return c
}

// BeginSync arms the sync bridge for syncID: onSyncCompleted fires once
// numSlots composites tagged with syncID have drained, across all slots.
func (o *Orchestrator) BeginSync(syncID string, numSlots int) {
	o.mu.Lock()
	o.syncRemaining[syncID] = numSlots
	o.mu.Unlock()
}

func (o *Orchestrator) dispatch(slot int, c *Composite) {
	st := o.slots[slot]
	for kind, sub := range c.Subs {
		st.sources[kind].RequestAsync(sub.Request)
	}
}

// onSourceCompletion is the CompletionFunc registered against every source in
// every slot. It walks the slot's pending queue marking the matching
// sub-request Available in every composite waiting on it (a completion may
// satisfy more than one queued composite sharing the same canonical
// request), which is what makes repeated notifications for the same
// canonical request idempotent: Available only ever transitions false→true.
func (o *Orchestrator) onSourceCompletion(slotIdx int, kind, canonical string) {
	o.mu.Lock()

	st := o.slots[slotIdx]
	var firstTimeFollowUp *Composite

	for _, c := range st.pending {
		sub, ok := c.Subs[kind]
		if !ok || sub.Canonical != canonical || sub.Available {
			continue
		}
		sub.Available = true
		c.NumPending--

		if kind == KindData && c.firstComposite && !st.firstTimeTriggered {
			st.firstTimeTriggered = true
			firstTimeFollowUp = o.buildSelectionOnlyLocked(slotIdx, c, sub.Request)
		}
	}

	o.drainLocked(slotIdx)
	o.mu.Unlock()

	if firstTimeFollowUp != nil {
		o.dispatch(slotIdx, firstTimeFollowUp)
	}
}

// buildSelectionOnlyLocked implements spec §4.7's first-time special case: the
// very first composite a newly connected data source completes triggers a
// second, selection-only pass immediately, rather than waiting for the rest
// of that first composite (normals, geometry) to finish — a freshly
// connected actor should show its raw trajectory selection as soon as
// possible instead of blocking on view-dependent derived data it may not
// even need yet. The follow-up is queued ahead of first, and none is built
// when first already waits on the same selection request. Must be called
// with o.mu held; dispatch happens after unlock, per RequestAsync's
// synchronous-completion hazard.
func (o *Orchestrator) buildSelectionOnlyLocked(slot int, first *Composite, dataReq *request.Request) *Composite {
	st := o.slots[slot]
	source, ok := st.sources[KindSelection]
	if !ok {
		return nil
	}
	sub := &SubRequest{Request: dataReq, Canonical: source.CanonicalFor(dataReq)}
	if existing, ok := first.Subs[KindSelection]; ok && existing.Canonical == sub.Canonical {
		return nil
	}
	c := &Composite{
		Slot:       slot,
		Subs:       map[string]*SubRequest{KindSelection: sub},
		NumPending: 1,
	}
	st.pending = append([]*Composite{c}, st.pending...)
	return c
}

// drainLocked advances slot's queue past every composite at the head whose
// sub-requests have all completed, releasing the previously held item and
// acquiring the new one for each kind, and notifying onDrained/onSyncCompleted
// in strict enqueue order. Must be called with o.mu held.
func (o *Orchestrator) drainLocked(slot int) {
	st := o.slots[slot]
	for len(st.pending) > 0 && st.pending[0].NumPending == 0 {
		c := st.pending[0]
		st.pending = st.pending[1:]

		for kind, sub := range c.Subs {
			source := st.sources[kind]
			if old := st.held[kind]; old != nil {
				if err := source.Release(old); err != nil {
					o.log.Warn("orchestrator: release failed", zap.Int("slot", slot), zap.String("kind", kind), zap.Error(err))
				}
			}
			it, err := source.Get(sub.Request)
			if err != nil {
				o.log.Warn("orchestrator: get failed after completion", zap.Int("slot", slot), zap.String("kind", kind), zap.Error(err))
				delete(st.held, kind)
				continue
			}
			st.held[kind] = it
		}

		if o.onDrained != nil {
			o.onDrained(slot, c, st.held)
		}

		if c.SyncID != "" {
			o.syncRemaining[c.SyncID]--
			if o.syncRemaining[c.SyncID] <= 0 {
				delete(o.syncRemaining, c.SyncID)
				if o.onSyncCompleted != nil {
					o.onSyncCompleted(c.SyncID)
				}
			}
		}
	}
}

// PendingCount returns the number of composites still queued for slot, for
// tests and diagnostics.
func (o *Orchestrator) PendingCount(slot int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots[slot].pending)
}
