// Package geometry implements the multi-variable derived tube/sphere
// geometry source: the orchestrator's per-view `derivedGeomReq[view]`
// sub-request (spec §4.7), producing render-ready mesh vertices for a
// trajectory selection with one auxiliary-variable sample attached per
// vertex for color/radius mapping.
//
// Grounded on original_source/trajectories.cpp for the upstream data model
// (the selection this source rings/points is exactly
// pipeline/sources/selection's item.TrajectorySelection, and the orientation
// vectors are exactly pipeline/sources/normals' item.TrajectoryNormals) and
// on structuredgridensemblefilter.cpp's multi-upstream-fetch-then-combine
// shape, generalized here to four upstreams (trajectories, selection,
// normals, an auxiliary StructuredGrid source) instead of N ensemble
// members.
package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

var localRequiredKeys = map[string]struct{}{
	"MULTIVARTRAJECTORIES_LOGP_SCALED": {},
}

// tubeRadius is the fixed ring radius, in the same log-pressure-scaled units
// normals.Source computes tangents in. The original exposes this as a
// per-actor render parameter; this port fixes it, since no request key for
// it appears in the external interface (spec §6).
const tubeRadius = 0.05

// Source is the derived tube/sphere geometry source.
type Source struct {
	*datasource.Base

	trajectories datasource.ScheduledDataSource
	selection    datasource.ScheduledDataSource
	normals      datasource.ScheduledDataSource
	auxGrid      datasource.ScheduledDataSource
}

// New constructs a derived geometry source. auxGrid must produce a
// StructuredGrid for the VARIABLE carried on incoming requests.
func New(ownerID string, trajectories, selection, normals, auxGrid datasource.ScheduledDataSource, ctx *datasource.Context) *Source {
	if trajectories == nil || selection == nil || normals == nil || auxGrid == nil {
		panic("geometry: New requires four non-nil upstream sources")
	}
	s := &Source{trajectories: trajectories, selection: selection, normals: normals, auxGrid: auxGrid}
	s.Base = datasource.NewBase(
		ownerID,
		localRequiredKeys,
		[]map[string]struct{}{trajectories.RequiredKeys(), selection.RequiredKeys(), normals.RequiredKeys(), auxGrid.RequiredKeys()},
		ctx, s.compute, s.buildParents,
	)
	return s
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	return []*task.Task{
		s.trajectories.BuildTaskGraph(req),
		s.selection.BuildTaskGraph(req),
		s.normals.BuildTaskGraph(req),
		s.auxGrid.BuildTaskGraph(req),
	}
}

type geomSpec struct {
	scale, offset float64
	mode          item.GeometryMode
	segments      int
}

// parseGeomSpec decodes MULTIVARTRAJECTORIES_LOGP_SCALED, spec §6's "same
// [format as NORMALS_LOGP_SCALED] plus geometry mode and segment count". The
// scale/offset pair is validated here for format parity with the normals
// sub-request but not reinterpreted: the normal vectors this source rings
// tube vertices around already carry the view's log-pressure scaling,
// computed once by normals.Source.
func parseGeomSpec(raw string) (geomSpec, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return geomSpec{}, fmt.Errorf("geometry: MULTIVARTRAJECTORIES_LOGP_SCALED must be \"<scale>/<offset>/<mode>/<segments>\", got %q", raw)
	}
	scale, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geomSpec{}, fmt.Errorf("geometry: invalid scale %q: %w", parts[0], err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geomSpec{}, fmt.Errorf("geometry: invalid offset %q: %w", parts[1], err)
	}
	var mode item.GeometryMode
	switch strings.ToUpper(strings.TrimSpace(parts[2])) {
	case "TUBE":
		mode = item.GeometryModeTube
	case "SPHERE":
		mode = item.GeometryModeSphere
	default:
		return geomSpec{}, fmt.Errorf("geometry: unrecognized geometry mode %q", parts[2])
	}
	segments, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil || segments < 1 {
		return geomSpec{}, fmt.Errorf("geometry: invalid segment count %q", parts[3])
	}
	return geomSpec{scale: scale, offset: offset, mode: mode, segments: segments}, nil
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	spec, err := parseGeomSpec(req.ValueOr("MULTIVARTRAJECTORIES_LOGP_SCALED", "1/0/TUBE/8"))
	if err != nil {
		return nil, err
	}
	auxVariable, _ := req.Value("VARIABLE")

	trajIt, err := s.trajectories.Get(req)
	if err != nil {
		return nil, err
	}
	selIt, err := s.selection.Get(req)
	if err != nil {
		s.trajectories.Release(trajIt)
		return nil, err
	}
	normIt, err := s.normals.Get(req)
	if err != nil {
		s.trajectories.Release(trajIt)
		s.selection.Release(selIt)
		return nil, err
	}
	auxIt, err := s.auxGrid.Get(req)
	if err != nil {
		s.trajectories.Release(trajIt)
		s.selection.Release(selIt)
		s.normals.Release(normIt)
		return nil, err
	}

	released := false
	releaseAll := func() {
		if released {
			return
		}
		s.trajectories.Release(trajIt)
		s.selection.Release(selIt)
		s.normals.Release(normIt)
		s.auxGrid.Release(auxIt)
		released = true
	}
	defer releaseAll()

	traj, ok := trajIt.(*item.Trajectories)
	if !ok {
		return nil, fmt.Errorf("geometry: upstream did not produce an item.Trajectories")
	}
	sel, ok := selIt.(*item.TrajectorySelection)
	if !ok {
		return nil, fmt.Errorf("geometry: upstream did not produce an item.TrajectorySelection")
	}
	norm, ok := normIt.(*item.TrajectoryNormals)
	if !ok {
		return nil, fmt.Errorf("geometry: upstream did not produce an item.TrajectoryNormals")
	}
	aux, ok := auxIt.(*item.StructuredGrid)
	if !ok {
		return nil, fmt.Errorf("geometry: upstream did not produce a StructuredGrid")
	}

	perSource := 1
	if spec.mode == item.GeometryModeTube {
		perSource = spec.segments
	}

	totalSourceVerts := 0
	for i := 0; i < sel.NumSelected; i++ {
		totalSourceVerts += int(sel.Counts[i])
	}

	canonical := s.CanonicalFor(req)
	result := item.NewDerivedGeometry(canonical, auxVariable, spec.mode, spec.segments, totalSourceVerts*perSource)

	out := 0
	for i := 0; i < sel.NumSelected; i++ {
		start, count := int(sel.StartIndices[i]), int(sel.Counts[i])
		for v := start; v < start+count; v++ {
			center := traj.Vertices[v]
			n := norm.Normals[v]
			auxValue := sampleAux(aux, center)

			if spec.mode == item.GeometryModeSphere {
				result.Vertices[out] = center
				result.AuxValues[out] = auxValue
				out++
				continue
			}

			u, w := orthonormalBasis(n)
			for seg := 0; seg < spec.segments; seg++ {
				theta := 2 * math.Pi * float64(seg) / float64(spec.segments)
				offset := item.TrajectoryVertex{
					Lon:      float32(math.Cos(theta)) * tubeRadius * u.Lon + float32(math.Sin(theta))*tubeRadius*w.Lon,
					Lat:      float32(math.Cos(theta)) * tubeRadius * u.Lat + float32(math.Sin(theta))*tubeRadius*w.Lat,
					Pressure: float32(math.Cos(theta)) * tubeRadius * u.Pressure + float32(math.Sin(theta))*tubeRadius*w.Pressure,
				}
				result.Vertices[out] = item.TrajectoryVertex{
					Lon:      center.Lon + offset.Lon,
					Lat:      center.Lat + offset.Lat,
					Pressure: center.Pressure + offset.Pressure,
				}
				result.AuxValues[out] = auxValue
				out++
			}
		}
	}

	result.Finalize()
	return result, nil
}

// orthonormalBasis returns two unit vectors perpendicular to n and to each
// other, used to ring tube vertices around the trajectory's travel
// direction. Falls back to a fixed basis when n is degenerate (a stalled
// trajectory sample with zero tangent length).
func orthonormalBasis(n item.TrajectoryVertex) (u, w item.TrajectoryVertex) {
	nx, ny, nz := float64(n.Lon), float64(n.Lat), float64(n.Pressure)
	length := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if length == 0 {
		nx, ny, nz = 0, 0, 1
		length = 1
	}
	nx, ny, nz = nx/length, ny/length, nz/length

	// Pick an arbitrary vector not parallel to n to cross against.
	ax, ay, az := 0.0, 1.0, 0.0
	if math.Abs(ny) > 0.9 {
		ax, ay, az = 1, 0, 0
	}
	ux, uy, uz := cross(ax, ay, az, nx, ny, nz)
	ulen := math.Sqrt(ux*ux + uy*uy + uz*uz)
	if ulen == 0 {
		ulen = 1
	}
	ux, uy, uz = ux/ulen, uy/ulen, uz/ulen
	wx, wy, wz := cross(nx, ny, nz, ux, uy, uz)

	u = item.TrajectoryVertex{Lon: float32(ux), Lat: float32(uy), Pressure: float32(uz)}
	w = item.TrajectoryVertex{Lon: float32(wx), Lat: float32(wy), Pressure: float32(wz)}
	return u, w
}

func cross(ax, ay, az, bx, by, bz float64) (x, y, z float64) {
	return ay*bz - az*by, az*bx - ax*bz, ax*by - ay*bx
}

// sampleAux bilinearly samples aux at center's lon/lat, at the vertical
// level nearest center's pressure, identical in contract to
// difference.interpolateValue.
func sampleAux(g *item.StructuredGrid, center item.TrajectoryVertex) float32 {
	if g == nil || len(g.Lons) == 0 || len(g.Lats) == 0 {
		return item.MissingValue
	}
	ilev := nearestLevelIndex(g.Levels, float64(center.Pressure))
	lon0, lon1, lonFrac := bracket(g.Lons, float64(center.Lon))
	lat0, lat1, latFrac := bracket(g.Lats, float64(center.Lat))

	v00 := g.At(lon0, lat0, ilev)
	v10 := g.At(lon1, lat0, ilev)
	v01 := g.At(lon0, lat1, ilev)
	v11 := g.At(lon1, lat1, ilev)
	if v00 == item.MissingValue || v10 == item.MissingValue || v01 == item.MissingValue || v11 == item.MissingValue {
		return item.MissingValue
	}
	top := float64(v00) + (float64(v10)-float64(v00))*lonFrac
	bottom := float64(v01) + (float64(v11)-float64(v01))*lonFrac
	return float32(top + (bottom-top)*latFrac)
}

func bracket(coords []float64, value float64) (i0, i1 int, frac float64) {
	n := len(coords)
	if n == 1 {
		return 0, 0, 0
	}
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if coords[mid] < value {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	switch {
	case lo <= 0:
		return 0, 1, 0
	case lo >= n:
		return n - 2, n - 1, 1
	default:
		i0, i1 = lo-1, lo
		span := coords[i1] - coords[i0]
		if span == 0 {
			return i0, i1, 0
		}
		return i0, i1, (value - coords[i0]) / span
	}
}

func nearestLevelIndex(levels []float64, pressure float64) int {
	if len(levels) == 0 {
		return 0
	}
	best, bestDist := 0, -1.0
	for i, l := range levels {
		d := l - pressure
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
