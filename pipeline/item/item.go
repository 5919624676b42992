// Package item defines the DataItem variants produced and cached by the data
// pipeline: structured grids, trajectory sets and their filtered selections,
// per-view normals, and GPU-resident buffers. All variants share the same
// base contract so the cache can manage them uniformly by size and
// generating request, without knowing their concrete shape.
package item

// MissingValue is the sentinel written to a cell for which no valid value
// could be computed (no valid ensemble member, fewer than two valid members
// for STDDEV, or missing upstream data for a Difference).
const MissingValue = -999.0

// DataItem is the base capability every cacheable artifact implements. A
// DataItem knows the request that generated it and its footprint in
// kilobytes; the cache is the sole owner of its lifetime.
type DataItem interface {
	// GeneratingRequest returns the canonical request string that produced
	// this item. Set once, at construction, and never mutated afterward —
	// items are logically immutable once stored.
	GeneratingRequest() string

	// MemorySizeKB returns the item's footprint for cache accounting.
	MemorySizeKB() uint64
}

// Releasable is implemented by DataItem variants that own a resource beyond
// their own memory footprint — a companion-field cache reference (spec §3,
// "Companion references... held for the full lifetime of the dependent
// grid"), or a device-side buffer. The cache calls ReleaseResources exactly
// once, when the item is destroyed (evicted from the LRU queue, or torn down
// at shutdown), so destruction order always runs dependent-before-companion.
type Releasable interface {
	ReleaseResources()
}

// baseItem is embedded by every concrete DataItem to avoid repeating the
// bookkeeping fields across variants.
type baseItem struct {
	generatingRequest string
	memorySizeKB      uint64

	// releaseRef, if set, drops a live cache reference this item holds on
	// another cached item — a companion field (StructuredGrid) or the
	// trajectory set a selection/normals item filters/derives from (spec §3,
	// "Companion references... held for the full lifetime of the dependent
	// grid"). Populated by the producing source once the referenced item's
	// reference is actually taken, never by the item itself. The cache
	// calls it exactly once, on destruction (eviction or shutdown).
	releaseRef func()
}

func (b *baseItem) GeneratingRequest() string { return b.generatingRequest }
func (b *baseItem) MemorySizeKB() uint64      { return b.memorySizeKB }

// SetGeneratingRequest overrides the request string this item is keyed
// under. Sources that obtain an item from a backend which cannot itself know
// the canonical key a source's Base computes (gridreader's Backend, for
// instance, sees only the raw request) call this once, right before storing,
// so a later Release keys off the same string the cache actually stored it
// under.
func (b *baseItem) SetGeneratingRequest(key string) { b.generatingRequest = key }

// SetReleaseRef wires the callback that drops this item's reference on
// whatever cached item it depends on for its lifetime.
func (b *baseItem) SetReleaseRef(release func()) { b.releaseRef = release }

// ReleaseResources runs the release callback, if any. Satisfies
// item.Releasable; embedders that also own a device resource (GPUBuffer)
// override this to additionally tear that down.
func (b *baseItem) ReleaseResources() {
	if b.releaseRef != nil {
		b.releaseRef()
	}
}

// LevelType identifies the vertical coordinate a StructuredGrid is defined on.
type LevelType int

const (
	LevelTypePressure LevelType = iota
	LevelTypeHybridSigma
	LevelTypeAuxiliaryPressure3D
	LevelTypeLogPressure
	LevelTypeSurface
)

// MemberBitmap is a per-cell contributing-member flag set, recording which
// ensemble members set an extremum (MIN/MAX/MAX-MIN) or satisfied a
// probability threshold predicate (P>x, P<x). One uint32 per grid cell; bit i
// set means member i contributed.
type MemberBitmap []uint32

// NewMemberBitmap allocates a zeroed bitmap with room for numCells cells.
func NewMemberBitmap(numCells int) MemberBitmap {
	return make(MemberBitmap, numCells)
}

// Set marks member as contributing at cell.
func (b MemberBitmap) Set(cell int, member uint) {
	b[cell] |= 1 << member
}

// Has reports whether member contributed at cell.
func (b MemberBitmap) Has(cell int, member uint) bool {
	return b[cell]&(1<<member) != 0
}

// Members returns the sorted set of members that contributed at cell.
func (b MemberBitmap) Members(cell int) []uint {
	var out []uint
	v := b[cell]
	for m := uint(0); v != 0; m++ {
		if v&1 != 0 {
			out = append(out, m)
		}
		v >>= 1
	}
	return out
}

// StructuredGrid is a 2D or 3D lat/lon grid on one of the supported vertical
// coordinate systems. Grids on a coordinate system that needs a companion
// field (hybrid-sigma needs a 2D surface-pressure grid; auxiliary-pressure
// needs a 3D pressure grid) hold a live cache reference to that companion for
// their entire lifetime — see SetReleaseRef.
type StructuredGrid struct {
	baseItem

	Variable  string
	LevelType LevelType

	NLons, NLats, NLevs int

	// Data is row-major: level-major, then lat, then lon.
	Data []float32

	Lons   []float64
	Lats   []float64
	Levels []float64 // pressure or log-pressure values; empty for hybrid-sigma/surface

	// CompanionRequest is the canonical request for the companion field this
	// grid depends on (surface pressure, or 3D aux pressure). Empty when
	// LevelType doesn't need one.
	CompanionRequest string

	// Bitmap is non-nil for MIN/MAX/MAX-MIN/P>x/P<x ensemble results.
	Bitmap MemberBitmap
}

// NewStructuredGrid constructs a grid sized for nlons x nlats x max(nlevs,1),
// with Data pre-allocated and filled with MissingValue.
func NewStructuredGrid(generatingRequest string, variable string, lt LevelType, nlons, nlats, nlevs int) *StructuredGrid {
	levs := nlevs
	if levs < 1 {
		levs = 1
	}
	n := nlons * nlats * levs
	data := make([]float32, n)
	for i := range data {
		data[i] = MissingValue
	}
	g := &StructuredGrid{
		baseItem:  baseItem{generatingRequest: generatingRequest},
		Variable:  variable,
		LevelType: lt,
		NLons:     nlons,
		NLats:     nlats,
		NLevs:     levs,
		Data:      data,
	}
	g.recomputeSize()
	return g
}

// recomputeSize updates the cache accounting field. Called whenever Data (or
// an auxiliary slice) changes length.
func (g *StructuredGrid) recomputeSize() {
	bytes := uint64(len(g.Data)) * 4
	bytes += uint64(len(g.Lons))*8 + uint64(len(g.Lats))*8 + uint64(len(g.Levels))*8
	bytes += uint64(len(g.Bitmap)) * 4
	g.memorySizeKB = (bytes + 1023) / 1024
}

// Index returns the flat data index for (lon, lat, lev).
func (g *StructuredGrid) Index(ilon, ilat, ilev int) int {
	return (ilev*g.NLats+ilat)*g.NLons + ilon
}

// At returns the value at (lon, lat, lev).
func (g *StructuredGrid) At(ilon, ilat, ilev int) float32 {
	return g.Data[g.Index(ilon, ilat, ilev)]
}

// SetAt writes value at (lon, lat, lev). It does not touch the cache size
// estimate; call Finalize once after a bulk fill.
func (g *StructuredGrid) SetAt(ilon, ilat, ilev int, value float32) {
	g.Data[g.Index(ilon, ilat, ilev)] = value
}

// Finalize recomputes the cached memory size after bulk mutation (e.g. after
// attaching a Bitmap). Must be called before the grid is stored.
func (g *StructuredGrid) Finalize() {
	g.recomputeSize()
}

// NeedsCompanion reports whether this grid's level type requires a live
// reference to a companion field for its lifetime.
func (g *StructuredGrid) NeedsCompanion() bool {
	return g.LevelType == LevelTypeHybridSigma || g.LevelType == LevelTypeAuxiliaryPressure3D
}

// TimestepMeta carries the start-index/count pairs used for a render-batched
// draw call over concatenated trajectory vertex data.
type TimestepMeta struct {
	StartIndices []int32
	Counts       []int32
}

// Trajectories holds the full vertex geometry for a set of particle paths:
// one contiguous run per trajectory, each run holding one (lon, lat,
// pressure) sample per integration time step.
type Trajectories struct {
	baseItem

	NumTrajectories  int
	TimestepsPerTraj int

	// Vertices is laid out [traj0_t0..traj0_tN, traj1_t0..traj1_tN, ...],
	// one (lon, lat, pressure) triple per sample.
	Vertices []TrajectoryVertex

	// Timestamps holds one timestamp per time step (shared across all
	// trajectories, since they are integrated on the same temporal grid).
	Timestamps []int64 // unix seconds

	// AuxVars holds one value per vertex per auxiliary variable, keyed by
	// variable name; each slice is len(Vertices) long.
	AuxVars map[string][]float32

	// TimeStepLengthSeconds is the integration step length.
	TimeStepLengthSeconds float64

	Meta TimestepMeta
}

// TrajectoryVertex is a single (lon, lat, pressure) sample.
type TrajectoryVertex struct {
	Lon, Lat, Pressure float32
}

// NewTrajectories allocates a Trajectories item and fills in the render
// batching metadata (start index / count per trajectory).
func NewTrajectories(generatingRequest string, numTraj, timestepsPerTraj int) *Trajectories {
	t := &Trajectories{
		baseItem:         baseItem{generatingRequest: generatingRequest},
		NumTrajectories:  numTraj,
		TimestepsPerTraj: timestepsPerTraj,
		Vertices:         make([]TrajectoryVertex, numTraj*timestepsPerTraj),
		Timestamps:       make([]int64, timestepsPerTraj),
		AuxVars:          make(map[string][]float32),
	}
	t.Meta.StartIndices = make([]int32, numTraj)
	t.Meta.Counts = make([]int32, numTraj)
	for i := 0; i < numTraj; i++ {
		t.Meta.StartIndices[i] = int32(i * timestepsPerTraj)
		t.Meta.Counts[i] = int32(timestepsPerTraj)
	}
	t.recomputeSize()
	return t
}

func (t *Trajectories) recomputeSize() {
	bytes := uint64(len(t.Vertices)) * 12
	bytes += uint64(len(t.Timestamps)) * 8
	bytes += uint64(len(t.Meta.StartIndices))*4 + uint64(len(t.Meta.Counts))*4
	for _, v := range t.AuxVars {
		bytes += uint64(len(v)) * 4
	}
	t.memorySizeKB = (bytes + 1023) / 1024
}

// Finalize recomputes the cached memory size; call once aux vars have been
// populated and before the item is stored.
func (t *Trajectories) Finalize() { t.recomputeSize() }

// VertexAt returns the sample for trajectory traj at time step step.
func (t *Trajectories) VertexAt(traj, step int) TrajectoryVertex {
	return t.Vertices[traj*t.TimestepsPerTraj+step]
}

// TrajectorySelection is a filtered view over a Trajectories item: for each
// selected trajectory, a start index and count into the referenced
// Trajectories' Vertices slice (allowing a partial, per-trajectory time
// range once FILTER_TIMESTEP narrows to a single step).
type TrajectorySelection struct {
	baseItem

	// ReferencedRequest is the canonical request of the Trajectories item
	// this selection filters. The cache holds a live reference to it for the
	// selection's lifetime, the same companion-reference discipline as a
	// hybrid-sigma grid's surface-pressure field.
	ReferencedRequest string

	StartIndices []int32
	Counts       []int32
	MaxAllocated int
	NumSelected  int
}

// NewTrajectorySelection allocates a selection with capacity maxAllocated;
// NumSelected starts at 0.
func NewTrajectorySelection(generatingRequest, referencedRequest string, maxAllocated int) *TrajectorySelection {
	s := &TrajectorySelection{
		baseItem:          baseItem{generatingRequest: generatingRequest},
		ReferencedRequest: referencedRequest,
		StartIndices:      make([]int32, maxAllocated),
		Counts:            make([]int32, maxAllocated),
		MaxAllocated:      maxAllocated,
	}
	s.recomputeSize()
	return s
}

func (s *TrajectorySelection) recomputeSize() {
	bytes := uint64(len(s.StartIndices))*4 + uint64(len(s.Counts))*4
	s.memorySizeKB = (bytes + 1023) / 1024
}

// SetNumSelected sets NumSelected to n, clamped to [0, MaxAllocated]. It
// does not compare n with the current NumSelected, so a call within
// capacity can grow the selection as well as shrink it.
func (s *TrajectorySelection) SetNumSelected(n int) {
	if n > s.MaxAllocated {
		n = s.MaxAllocated
	}
	if n < 0 {
		n = 0
	}
	s.NumSelected = n
}

// TrajectoryNormals holds one unit normal vector per trajectory vertex,
// computed for a specific view's pressure-to-world-z mapping (hence
// view-dependent: the same trajectory set has one TrajectoryNormals item per
// distinct view parameterization).
type TrajectoryNormals struct {
	baseItem

	ReferencedRequest string
	Normals           []TrajectoryVertex // reused as a generic float32x3
}

// NewTrajectoryNormals allocates space for one normal per vertex.
func NewTrajectoryNormals(generatingRequest, referencedRequest string, numVertices int) *TrajectoryNormals {
	n := &TrajectoryNormals{
		baseItem:          baseItem{generatingRequest: generatingRequest},
		ReferencedRequest: referencedRequest,
		Normals:           make([]TrajectoryVertex, numVertices),
	}
	n.memorySizeKB = (uint64(numVertices)*12 + 1023) / 1024
	return n
}

// GPUBuffer wraps a device-side vertex/storage buffer. Release must be
// called by the GPU cache when the item is evicted; Release is provided by
// the concrete rendering backend wired in at the call site (see the render
// package's Sink contract, and render.StoreGPUBuffer).
type GPUBuffer struct {
	baseItem

	Label      string
	ByteLength uint64

	// Release tears down the device-side resource. Nil for test doubles.
	Release func()
}

// NewGPUBuffer wraps a device buffer of byteLength bytes. The generating
// request is the GPU buffer's own cache key, derived by the caller from the
// host item's key (§6, "GPU vertex buffer keys derive from the source item
// key").
func NewGPUBuffer(generatingRequest, label string, byteLength uint64, release func()) *GPUBuffer {
	g := &GPUBuffer{
		baseItem:   baseItem{generatingRequest: generatingRequest},
		Label:      label,
		ByteLength: byteLength,
		Release:    release,
	}
	g.memorySizeKB = (byteLength + 1023) / 1024
	return g
}

// ReleaseResources tears down the device-side resource and, if this buffer
// was derived from a host item holding its own reference, drops that
// reference too. Overrides baseItem.ReleaseResources.
func (g *GPUBuffer) ReleaseResources() {
	if g.releaseRef != nil {
		g.releaseRef()
	}
	if g.Release != nil {
		g.Release()
	}
}

// DerivedGPUKey builds the GPU cache key for a host item's generating
// request, per §6 ("GPU vertex buffer keys derive from the source item key").
func DerivedGPUKey(hostRequest string) string {
	return "gpu:" + hostRequest
}

// GeometryMode selects the mesh shape a DerivedGeometry item carries.
type GeometryMode int

const (
	// GeometryModeTube rings SegmentCount points around each trajectory
	// vertex, oriented by that vertex's normal.
	GeometryModeTube GeometryMode = iota
	// GeometryModeSphere emits one point per trajectory vertex, meant to be
	// instanced as a sphere impostor scaled by AuxValues.
	GeometryModeSphere
)

// DerivedGeometry is the multi-variable render geometry derived from a
// trajectory selection: either a tube mesh (one ring of vertices per
// trajectory sample, oriented by the matching TrajectoryNormals entry) or a
// sphere point set (one center per sample), with one auxiliary-variable
// sample per output vertex for color/radius mapping at render time.
type DerivedGeometry struct {
	baseItem

	Mode         GeometryMode
	SegmentCount int
	AuxVariable  string

	// Vertices is laid out ring-major: for GeometryModeTube, SegmentCount
	// consecutive entries per source trajectory vertex; for
	// GeometryModeSphere, one entry per source trajectory vertex.
	Vertices []TrajectoryVertex

	// AuxValues holds one sampled value of AuxVariable per entry in
	// Vertices (the ring's center value, repeated across a tube's ring).
	AuxValues []float32
}

// NewDerivedGeometry allocates a DerivedGeometry item with numVertices
// output vertices pre-sized.
func NewDerivedGeometry(generatingRequest, auxVariable string, mode GeometryMode, segmentCount, numVertices int) *DerivedGeometry {
	g := &DerivedGeometry{
		baseItem:     baseItem{generatingRequest: generatingRequest},
		Mode:         mode,
		SegmentCount: segmentCount,
		AuxVariable:  auxVariable,
		Vertices:     make([]TrajectoryVertex, numVertices),
		AuxValues:    make([]float32, numVertices),
	}
	g.recomputeSize()
	return g
}

func (g *DerivedGeometry) recomputeSize() {
	bytes := uint64(len(g.Vertices))*12 + uint64(len(g.AuxValues))*4
	g.memorySizeKB = (bytes + 1023) / 1024
}

// Finalize recomputes the cached memory size; call once Vertices/AuxValues
// are fully populated and before the item is stored.
func (g *DerivedGeometry) Finalize() { g.recomputeSize() }
