package orchestrator

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// fakeItem is the minimal item.DataItem a fakeSource hands back.
type fakeItem struct{ id string }

func (f *fakeItem) GeneratingRequest() string { return f.id }
func (f *fakeItem) MemorySizeKB() uint64      { return 1 }

// fakeSource is a hand-driven datasource.ScheduledDataSource: RequestAsync is
// a no-op, and tests call Complete explicitly to control exactly when (and
// how many times) a given canonical request's completion fires, which is
// what lets these tests pin down ordering and idempotency precisely instead
// of racing real computation.
type fakeSource struct {
	mu           sync.Mutex
	listeners    []datasource.CompletionFunc
	store        map[string]item.DataItem
	releaseCount map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{store: map[string]item.DataItem{}, releaseCount: map[string]int{}}
}

func (f *fakeSource) OwnerID() string                          { return "fake" }
func (f *fakeSource) RequiredKeys() map[string]struct{}        { return map[string]struct{}{} }
func (f *fakeSource) LocallyRequiredKeys() map[string]struct{} { return map[string]struct{}{} }
func (f *fakeSource) CanonicalFor(req *request.Request) string { return req.Canonical() }

func (f *fakeSource) Contains(req *request.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store[f.CanonicalFor(req)]
	return ok
}

func (f *fakeSource) Get(req *request.Request) (item.DataItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.store[f.CanonicalFor(req)]
	if !ok {
		return nil, errors.New("fake: not found")
	}
	return it, nil
}

func (f *fakeSource) Release(it item.DataItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCount[it.GeneratingRequest()]++
	return nil
}

func (f *fakeSource) Produce(req *request.Request) (item.DataItem, error) { return f.Get(req) }
func (f *fakeSource) BuildTaskGraph(req *request.Request) *task.Task      { return task.New(f, req) }
func (f *fakeSource) RequestAsync(req *request.Request)                  {}

func (f *fakeSource) AddCompletionListener(fn datasource.CompletionFunc) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Complete stores an item under req's canonical form and fires every
// registered listener with it, exactly as Base.RequestAsync's cache-hit path
// would. Calling Complete again for the same req exercises the orchestrator's
// idempotent-completion handling.
func (f *fakeSource) Complete(req *request.Request) {
	canonical := f.CanonicalFor(req)
	f.mu.Lock()
	f.store[canonical] = &fakeItem{id: canonical}
	listeners := append([]datasource.CompletionFunc(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(canonical)
	}
}

func reqWithID(id string) *request.Request {
	return request.New().Insert("ID", id)
}

func TestDrainRespectsFIFOOrderAcrossComposites(t *testing.T) {
	data := newFakeSource()
	sel := newFakeSource()

	var drainOrder []string
	orch := New(func(slot int, c *Composite, held HeldItems) {
		drainOrder = append(drainOrder, held[KindData].GeneratingRequest())
	}, nil, nil)

	slot := orch.AddSlot(map[string]datasource.ScheduledDataSource{
		KindData:      data,
		KindSelection: sel,
	})

	req1 := reqWithID("one")
	req2 := reqWithID("two")
	orch.Enqueue(slot, map[string]*request.Request{KindData: req1, KindSelection: req1}, "")
	orch.Enqueue(slot, map[string]*request.Request{KindData: req2, KindSelection: req2}, "")

	// Complete the second composite's sub-requests first.
	data.Complete(req2)
	sel.Complete(req2)
	assert.Equal(t, 2, orch.PendingCount(slot), "second composite must not drain ahead of the first")
	assert.Empty(t, drainOrder)

	// Now complete the first composite; both should drain, in enqueue order.
	data.Complete(req1)
	sel.Complete(req1)
	require.Equal(t, 0, orch.PendingCount(slot))
	require.Equal(t, []string{"ID=one", "ID=two"}, drainOrder)
}

func TestCompletionHandlingIsIdempotent(t *testing.T) {
	data := newFakeSource()
	sel := newFakeSource()

	drainCount := 0
	orch := New(func(slot int, c *Composite, held HeldItems) {
		drainCount++
	}, nil, nil)

	slot := orch.AddSlot(map[string]datasource.ScheduledDataSource{
		KindData:      data,
		KindSelection: sel,
	})

	req := reqWithID("solo")
	orch.Enqueue(slot, map[string]*request.Request{KindData: req, KindSelection: req}, "")

	// Fire the data completion three times before selection ever completes;
	// NumPending must only ever decrement once for it.
	data.Complete(req)
	data.Complete(req)
	data.Complete(req)
	assert.Equal(t, 1, orch.PendingCount(slot), "composite must still be waiting on selection")
	assert.Equal(t, 0, drainCount)

	sel.Complete(req)
	assert.Equal(t, 0, orch.PendingCount(slot))
	assert.Equal(t, 1, drainCount, "composite must drain exactly once")

	// Late, repeated completions after the composite has already drained must
	// be safe no-ops.
	data.Complete(req)
	sel.Complete(req)
	assert.Equal(t, 1, drainCount)
}

func TestSyncBridgeWaitsForEverySlot(t *testing.T) {
	dataA, dataB := newFakeSource(), newFakeSource()

	var completedSyncs []string
	orch := New(nil, func(syncID string) {
		completedSyncs = append(completedSyncs, syncID)
	}, nil)

	slotA := orch.AddSlot(map[string]datasource.ScheduledDataSource{KindData: dataA})
	slotB := orch.AddSlot(map[string]datasource.ScheduledDataSource{KindData: dataB})

	orch.BeginSync("sweep-1", 2)

	reqA := reqWithID("a")
	reqB := reqWithID("b")
	orch.Enqueue(slotA, map[string]*request.Request{KindData: reqA}, "sweep-1")
	orch.Enqueue(slotB, map[string]*request.Request{KindData: reqB}, "sweep-1")

	dataA.Complete(reqA)
	assert.Empty(t, completedSyncs, "sync must wait for every tagged slot")

	dataB.Complete(reqB)
	require.Equal(t, []string{"sweep-1"}, completedSyncs)
}

func TestFirstCompositeTriggersSelectionOnlyFollowUp(t *testing.T) {
	data := newFakeSource()
	sel := newFakeSource()
	norm := newFakeSource()

	orch := New(nil, nil, nil)
	slot := orch.AddSlot(map[string]datasource.ScheduledDataSource{
		KindData:            data,
		KindSelection:       sel,
		KindNormals("view"): norm,
	})

	dataReq := reqWithID("first")
	filteredSelReq := reqWithID("first").Insert("FILTER_BBOX", "ALL")
	orch.Enqueue(slot, map[string]*request.Request{
		KindData:           dataReq,
		KindSelection:      filteredSelReq,
		KindNormals("view"): dataReq,
	}, "")
	require.Equal(t, 1, orch.PendingCount(slot))

	data.Complete(dataReq)

	// The original composite is still waiting on selection/normals, but the
	// first-time special case must have queued a second, selection-only
	// composite built from the bare data request.
	require.Equal(t, 2, orch.PendingCount(slot))

	sel.Complete(dataReq) // satisfies the selection-only follow-up
	assert.Equal(t, 1, orch.PendingCount(slot), "follow-up composite should have drained")

	sel.Complete(filteredSelReq)
	norm.Complete(dataReq)
	assert.Equal(t, 0, orch.PendingCount(slot), "original composite should now drain too")
}
