// Package datasource implements the DataSource/ScheduledDataSource contract
// of spec §4.2: the shared capability every concrete source in the pipeline
// (ensemble filter, difference, trajectory generator, normals, selection)
// composes rather than inherits, per the flat design called for in spec §9
// ("prefer tagged variants over inheritance" / "deep inheritance" note).
//
// Base carries the bookkeeping every source needs — required-key tracking,
// cache-scoped get/release/contains, the scheduler round-trip, pass-through
// forwarding, and the completion-listener fan-out — and leaves the actual
// computation and parent-task construction to two function fields supplied
// at construction, the same composition-over-inheritance shape
// pipeline/sources/gridreader applies to its own Backend field: a shared
// struct plus a pluggable concrete implementation selected at construction.
package datasource

import (
	"sync"

	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/pipeline/cache"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/perr"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// Scheduler is the subset of scheduler.Scheduler a source needs. Splitting
// it out here (rather than importing pipeline/scheduler directly) avoids a
// cycle: the scheduler package needs task.Source.Produce to run tasks, and a
// source needs to hand the scheduler a task graph — the two packages would
// otherwise import each other.
type Scheduler interface {
	// IsScheduled returns the in-flight task registered under (ownerID,
	// canonicalRequest), or nil if none exists.
	IsScheduled(ownerID, canonicalRequest string) *task.Task

	// ScheduleTaskGraph enqueues root for execution (walking parents first)
	// and returns the task actually tracked for this identity — root itself
	// on a fresh schedule, or the pre-existing deduplicated task if one was
	// already in flight under the same (ownerID, canonicalRequest).
	ScheduleTaskGraph(root *task.Task) *task.Task
}

// Context bundles the dependencies every source is constructed with,
// injected rather than reached for through a package-level singleton (spec
// §9, "Global mutable state": the design permits a process-wide cache and
// scheduler but does not require it).
type Context struct {
	Host      *cache.HostManager
	Scheduler Scheduler
	Log       *zap.Logger
}

func (c *Context) logger() *zap.Logger {
	if c == nil || c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// CompletionFunc is invoked once per dataRequestCompleted signal (spec §6),
// carrying the canonical request string the consumer matches against its
// own pending state.
type CompletionFunc func(canonicalRequest string)

// DataSource is the synchronous capability of spec §4.2.
type DataSource interface {
	OwnerID() string
	RequiredKeys() map[string]struct{}
	LocallyRequiredKeys() map[string]struct{}
	Get(req *request.Request) (item.DataItem, error)
	Release(it item.DataItem) error
	Contains(req *request.Request) bool
}

// ScheduledDataSource adds the scheduler-integration half of spec §4.2: async
// dispatch, task-graph construction, pass-through forwarding, and completion
// notification. This is the contract every concrete source in the pipeline
// implements.
type ScheduledDataSource interface {
	DataSource

	// Produce performs the computation; called by the scheduler on a worker
	// goroutine. Safe for concurrent invocation with distinct requests.
	Produce(req *request.Request) (item.DataItem, error)

	// BuildTaskGraph returns the task node for req, with parent tasks wired
	// in from upstream sources.
	BuildTaskGraph(req *request.Request) *task.Task

	// RequestAsync resolves req against cache, an in-flight task, or a fresh
	// task graph, and arranges for every registered completion listener to
	// be notified (possibly more than once across overlapping callers — spec
	// §8 seed scenario 4 requires every caller to observe a completion, and
	// listeners are expected to be idempotent, as the orchestrator's are).
	RequestAsync(req *request.Request)

	// AddCompletionListener registers fn to be called on every completion
	// this source emits, including ones relayed from a pass-through target.
	AddCompletionListener(fn CompletionFunc)

	// CanonicalFor returns the storage/task-identity key this source would
	// use for req, i.e. req restricted to RequiredKeys() and canonicalized.
	// Exposed so a source with this one wired as its pass-through target can
	// translate completions back to its own canonical form.
	CanonicalFor(req *request.Request) string
}

// Base implements ScheduledDataSource's bookkeeping. Concrete sources embed
// *Base and supply computeFn (the actual computation) and parentsFn
// (upstream task-graph construction) at construction time; Base.Produce and
// Base.BuildTaskGraph call through to them.
type Base struct {
	ownerID  string
	local    map[string]struct{}
	required map[string]struct{}
	ctx      *Context

	// passThrough is the downstream source this source forwards to when an
	// incoming request lacks its locally-required keys (spec §4.2,
	// "Pass-through"). Nil for sources that always consume their own keys.
	passThrough ScheduledDataSource

	computeFn func(req *request.Request) (item.DataItem, error)
	parentsFn func(req *request.Request) []*task.Task

	listenersMu sync.Mutex
	listeners   []CompletionFunc

	// resultMu serializes the "already cached / already in flight / needs a
	// fresh task" decision in RequestAsync (spec §4.3: "a single result
	// mutex per source so that two threads cannot simultaneously observe
	// 'not in cache' and race to produce the same item"). It is released
	// before waiting on the resulting task, so it never serializes the
	// actual computation across distinct requests.
	resultMu sync.Mutex
}

// Option configures a Base at construction.
type Option func(*Base)

// WithPassThrough wires target as the downstream source incoming requests
// missing this source's locally-required keys are forwarded to.
func WithPassThrough(target ScheduledDataSource) Option {
	return func(b *Base) { b.passThrough = target }
}

// NewBase constructs a Base. ownerID must be stable and unique across all
// sources sharing a cache context. localKeys is this source's own
// locally-required key set; upstreamKeys is merged in to form RequiredKeys
// (the union spec §4.2 describes: "locally-required keys and those required
// by upstream sources it consumes"). computeFn performs the computation;
// parentsFn builds the parent task list for a request (may be nil for a
// leaf source with no upstream dependencies).
func NewBase(
	ownerID string,
	localKeys map[string]struct{},
	upstreamKeys []map[string]struct{},
	ctx *Context,
	computeFn func(req *request.Request) (item.DataItem, error),
	parentsFn func(req *request.Request) []*task.Task,
	opts ...Option,
) *Base {
	if ctx == nil || ctx.Host == nil || ctx.Scheduler == nil {
		panic("datasource: NewBase requires a non-nil Context with Host and Scheduler set")
	}
	if computeFn == nil {
		panic("datasource: NewBase requires a non-nil computeFn")
	}

	required := make(map[string]struct{}, len(localKeys))
	for k := range localKeys {
		required[k] = struct{}{}
	}
	for _, up := range upstreamKeys {
		for k := range up {
			required[k] = struct{}{}
		}
	}

	b := &Base{
		ownerID:   ownerID,
		local:     localKeys,
		required:  required,
		ctx:       ctx,
		computeFn: computeFn,
		parentsFn: parentsFn,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) OwnerID() string { return b.ownerID }

// Context returns the dependencies this source was constructed with, for
// concrete sources that need direct cache access beyond Get/Release/Contains
// (e.g. the ensemble filter's companion-field resolution, which stores a
// second item under this same source's scope before the primary result).
func (b *Base) Context() *Context { return b.ctx }

func (b *Base) RequiredKeys() map[string]struct{} { return b.required }

func (b *Base) LocallyRequiredKeys() map[string]struct{} { return b.local }

// CanonicalFor restricts req to RequiredKeys and canonicalizes. Per spec §3
// this is the "drop a set of keys a specific source does not consume"
// helper, applied before every cache lookup to maximize hit rate across
// requests that differ only in keys this source ignores.
func (b *Base) CanonicalFor(req *request.Request) string {
	return req.Clone().RemoveAllKeysExcept(b.required).Canonical()
}

func (b *Base) AddCompletionListener(fn CompletionFunc) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

func (b *Base) notify(canonicalRequest string) {
	b.listenersMu.Lock()
	listeners := make([]CompletionFunc, len(b.listeners))
	copy(listeners, b.listeners)
	b.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(canonicalRequest)
	}
}

// Contains reports whether req's result is cached, incrementing the
// reference count as a side effect on a hit (spec §4.2: "a caller that
// observes true must subsequently release").
func (b *Base) Contains(req *request.Request) bool {
	return b.ctx.Host.Contains(b, b.CanonicalFor(req))
}

// Get resolves req to its item, computing it synchronously if necessary.
// Returns a reference the caller owns and must Release.
func (b *Base) Get(req *request.Request) (item.DataItem, error) {
	canonical := b.CanonicalFor(req)
	if b.ctx.Host.Contains(b, canonical) {
		if it := b.ctx.Host.Get(b, canonical); it != nil {
			return it, nil
		}
		b.ctx.Host.Release(b, canonical)
	}

	root := b.BuildTaskGraph(req)
	t := b.ctx.Scheduler.ScheduleTaskGraph(root)
	if _, err := t.Wait(); err != nil {
		return nil, err
	}
	if !b.ctx.Host.Contains(b, canonical) {
		return nil, &perr.MemoryError{Reason: "produced item " + canonical + " was evicted before the caller could take a reference"}
	}
	return b.ctx.Host.Get(b, canonical), nil
}

// Release drops the caller's reference, keyed off the item's own generating
// request (which, for an item this source produced, is its canonical form).
func (b *Base) Release(it item.DataItem) error {
	return b.ctx.Host.Release(b, it.GeneratingRequest())
}

// Produce is the task.Source entry point the scheduler calls on a worker
// goroutine. It re-checks the cache (a concurrent Get on the same key may
// have already produced it while this task waited its turn behind slower
// parents) before calling into computeFn, and stores the result before
// returning so a subsequent Contains observes it (spec §5, "Cache store →
// contains(true) is linearizable").
func (b *Base) Produce(req *request.Request) (item.DataItem, error) {
	canonical := b.CanonicalFor(req)
	if b.ctx.Host.Contains(b, canonical) {
		it := b.ctx.Host.Get(b, canonical)
		b.ctx.Host.Release(b, canonical)
		return it, nil
	}

	it, err := b.computeFn(req)
	if err != nil {
		b.ctx.logger().Debug("datasource: produce failed", zap.String("owner", b.ownerID), zap.String("request", canonical), zap.Error(err))
		return nil, err
	}
	if _, err := b.ctx.Host.Store(b, canonical, it); err != nil {
		return nil, err
	}
	return it, nil
}

// BuildTaskGraph wraps req and this source's parent tasks (from parentsFn,
// if set) into a task node.
func (b *Base) BuildTaskGraph(req *request.Request) *task.Task {
	var parents []*task.Task
	if b.parentsFn != nil {
		parents = b.parentsFn(req)
	}
	return task.New(b, req, parents...)
}

// RequestAsync implements the scheduled-source base logic of spec §4.3:
// pass-through forwarding, cache-hit fast path, in-flight dedup, or a fresh
// task graph — in all cases ending with every completion listener notified
// once the result is ready.
func (b *Base) RequestAsync(req *request.Request) {
	if b.passThrough != nil && !req.ContainsAll(b.local) {
		b.requestViaPassThrough(req)
		return
	}

	canonical := b.CanonicalFor(req)

	b.resultMu.Lock()
	if b.ctx.Host.Contains(b, canonical) {
		b.ctx.Host.Release(b, canonical)
		b.resultMu.Unlock()
		b.ctx.logger().Debug("datasource: cache hit, synthesizing completion", zap.String("owner", b.ownerID), zap.String("request", canonical))
		b.notify(canonical)
		return
	}

	var t *task.Task
	if existing := b.ctx.Scheduler.IsScheduled(b.ownerID, canonical); existing != nil {
		existing.Reserve()
		t = existing
	} else {
		t = b.ctx.Scheduler.ScheduleTaskGraph(b.BuildTaskGraph(req))
	}
	b.resultMu.Unlock()

	go func() {
		t.Wait()
		b.notify(canonical)
	}()
}

// requestViaPassThrough forwards req to the downstream source unchanged and
// relays its completion under this source's own canonical form, per spec
// §4.2: "the current source emits the completion signal with the original
// request key; no work is performed locally."
func (b *Base) requestViaPassThrough(req *request.Request) {
	downstreamCanonical := b.passThrough.CanonicalFor(req)
	ourCanonical := b.CanonicalFor(req)

	var once sync.Once
	b.passThrough.AddCompletionListener(func(completed string) {
		if completed != downstreamCanonical {
			return
		}
		once.Do(func() { b.notify(ourCanonical) })
	})
	b.passThrough.RequestAsync(req)
}

var _ ScheduledDataSource = (*Base)(nil)
