// Package render implements the abstract rendering contract spec.md §1
// places out of core scope ("the OpenGL rendering of tubes and spheres");
// only the handoff contract the core honors (spec §6, "Render artifact
// formats" and "GPU vertex buffer keys derive from the source item key")
// appears here. This mirrors the gridreader package's split between an
// abstract decode contract and a pluggable concrete backend: a concrete
// sink (a GPU API uploader, or — for tests and the demo binary — an
// in-memory fixture) satisfies Sink without the core needing to know the
// graphics API.
package render

import "github.com/metcore/viz3d-core/pipeline/item"

// VertexBuffer is the render-ready artifact handed to the external
// rendering collaborator for one DerivedGeometry item: a ring-major
// (lon, lat, pressure) vertex stream plus the single auxiliary-variable
// sample per vertex spec §6 describes ("Auxiliary-data buffers are
// parallel float arrays, one variable per buffer, keyed by variable
// name"), keyed by the GPU vertex buffer key the source item derives its
// identity from.
type VertexBuffer struct {
	Key          string
	Mode         item.GeometryMode
	SegmentCount int
	Vertices     []item.TrajectoryVertex
	AuxVariable  string
	AuxValues    []float32
}

// Sink is the boundary the core hands completed render geometry across.
// Upload returns a release func the GPU cache invokes on eviction to free
// whatever device-side resource the sink allocated; Upload itself must not
// retain buf's slices past the call if the sink needs them longer, it
// should copy.
type Sink interface {
	Upload(buf VertexBuffer) (release func(), err error)
}

// BuildVertexBuffer flattens a DerivedGeometry item into the handoff
// format above, keyed the same way gridreader keys its grids: off the
// item's own generating request, via item.DerivedGPUKey.
func BuildVertexBuffer(geom *item.DerivedGeometry) VertexBuffer {
	return VertexBuffer{
		Key:          item.DerivedGPUKey(geom.GeneratingRequest()),
		Mode:         geom.Mode,
		SegmentCount: geom.SegmentCount,
		Vertices:     geom.Vertices,
		AuxVariable:  geom.AuxVariable,
		AuxValues:    geom.AuxValues,
	}
}

// StoreGPUBuffer uploads geom through sink and wraps the result in a
// pipeline GPUBuffer item sized from geom's own memory footprint, ready for
// cache.GPUManager.Store under buf.Key. This is the call site spec §9's
// Open Question on GPUBuffer lifetime points to: "GPUBuffer.Release is
// designed to be populated by [rendering-backend]-backed code ..., wiring
// that dependency at the call site rather than inside the data type" — the
// dependency wired in here is the abstract Sink contract, not a concrete
// graphics API, since the concrete API is out of core scope.
func StoreGPUBuffer(sink Sink, geom *item.DerivedGeometry) (*item.GPUBuffer, error) {
	buf := BuildVertexBuffer(geom)
	release, err := sink.Upload(buf)
	if err != nil {
		return nil, err
	}
	return item.NewGPUBuffer(geom.GeneratingRequest(), buf.Key, geom.MemorySizeKB()*1024, release), nil
}
