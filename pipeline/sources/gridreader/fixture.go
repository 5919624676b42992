package gridreader

import (
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/perr"
	"github.com/metcore/viz3d-core/pipeline/request"
)

// MemoryBackend is an in-memory Backend keyed by (variable, level type,
// member, init time, valid time), useful for tests and the demo binary (cmd/viz3d) where
// wiring an actual NetCDF/GRIB reader is out of scope (spec §1). Grids are
// registered ahead of time with Put; ReadGrid returns *perr.IOError for
// anything not registered, the same failure mode a real file-backed reader
// would surface for a missing record.
type MemoryBackend struct {
	grids map[string]*item.StructuredGrid
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{grids: make(map[string]*item.StructuredGrid)}
}

// memberKey is keyed on the subset of request fields that identify a
// distinct physical record, independent of any extra keys a caller's
// request happens to carry.
func memberKey(req *request.Request) string {
	return req.Clone().RemoveAllKeysExcept(RequiredKeys).Canonical()
}

// Put registers g to be returned for any request matching the
// variable/leveltype/member/init/valid-time combination already set on req.
func (b *MemoryBackend) Put(req *request.Request, g *item.StructuredGrid) {
	b.grids[memberKey(req)] = g
}

// ReadGrid implements Backend.
func (b *MemoryBackend) ReadGrid(req *request.Request) (*item.StructuredGrid, error) {
	g, ok := b.grids[memberKey(req)]
	if !ok {
		return nil, &perr.IOError{Path: memberKey(req), Cause: errNotRegistered}
	}
	return g, nil
}

var errNotRegistered = fixtureError("gridreader: no fixture grid registered for this request")

type fixtureError string

func (e fixtureError) Error() string { return string(e) }
