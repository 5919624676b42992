// Package gridreader implements the abstract file-format reader contract
// spec §1 places out of core scope ("file-format readers (NetCDF/GRIB)
// beyond the abstract contract they honor"): a leaf ScheduledDataSource that
// turns a per-member grid request into a StructuredGrid by delegating the
// actual decode to a pluggable Backend, the same interface-plus-selectable-
// implementation split the render package's Sink/FixtureSink uses for the
// opposite, output-side boundary.
package gridreader

import (
	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
)

// Backend decodes one member grid for a fully-resolved request (init/valid
// time, member, variable, level type already concrete — no templating left
// to do, that's the Difference source's job). Concrete backends (NetCDF,
// GRIB, or — for tests and the demo binary — an in-memory fixture) satisfy
// this without the core needing to know the wire format.
type Backend interface {
	ReadGrid(req *request.Request) (*item.StructuredGrid, error)
}

// RequiredKeys is the locally-required key set every grid reader needs,
// regardless of backend: the keys spec §6 lists as common to every
// trajectory/grid computation request.
var RequiredKeys = map[string]struct{}{
	"VARIABLE":   {},
	"LEVELTYPE":  {},
	"MEMBER":     {},
	"INIT_TIME":  {},
	"VALID_TIME": {},
}

// Source is the grid reader data source: a leaf in the pipeline's task DAG
// (no upstream parents), one StructuredGrid produced per distinct request.
type Source struct {
	*datasource.Base
	backend Backend
}

// New constructs a grid reader identified by ownerID, delegating decode work
// to backend.
func New(ownerID string, backend Backend, ctx *datasource.Context) *Source {
	if backend == nil {
		panic("gridreader: New requires a non-nil Backend")
	}
	s := &Source{backend: backend}
	s.Base = datasource.NewBase(ownerID, RequiredKeys, nil, ctx, s.compute, nil)
	return s
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	g, err := s.backend.ReadGrid(req)
	if err != nil {
		return nil, err
	}
	// The backend only sees the raw request, not how this source's Base
	// restricts it to a cache key; fix up the item's own identity to match
	// before it gets stored, so a later Release (which keys off
	// GeneratingRequest) finds it.
	g.SetGeneratingRequest(s.CanonicalFor(req))
	return g, nil
}
