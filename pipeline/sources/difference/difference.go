// Package difference implements the Difference data source of spec §4.3: a
// two-input source whose result at a grid point is input0 minus an
// interpolated sample of input1, with each input's actual request built from
// a per-input template resolved against the incoming request.
//
// Grounded on original_source/differencedatasource.cpp
// (MDifferenceDataSource): constructInputSourceRequestFromRequest's
// "REQUESTED_<KEY>" placeholder substitution and the
// "SPECIALCASE_DATE_INIT_TIME_VALID" special case (date part of INIT_TIME,
// time-of-day part of VALID_TIME — used to compute a forecast bias against a
// time-of-day-matched analysis), and produceData's per-cell
// missing-value-propagating subtraction.
package difference

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// requestedPrefix marks a base-request template value as "copy this key's
// value from the incoming request", the Go spelling of the original's
// "REQUESTED_" string prefix (e.g. REQUESTED_VALID_TIME, REQUESTED_MEMBER —
// any key name may follow, not just time keys).
const requestedPrefix = "REQUESTED_"

// specialCaseDateInitTimeValid combines the incoming request's INIT_TIME
// date with its VALID_TIME time-of-day, grounded on the original's
// "SPECIALCASE_DATE_INIT_TIME_VALID" template value.
const specialCaseDateInitTimeValid = "SPECIALCASE_DATE_INIT_TIME_VALID"

// localRequiredKeys mirrors MDifferenceDataSource::locallyRequiredKeys: the
// keys the Difference source itself consumes to identify its own result,
// independent of whatever keys its two input templates happen to need.
var localRequiredKeys = map[string]struct{}{
	"LEVELTYPE":  {},
	"VARIABLE":   {},
	"INIT_TIME":  {},
	"VALID_TIME": {},
	"MEMBER":     {},
}

// Source is the Difference data source: a ScheduledDataSource whose two
// parents are task graphs built from input0/input1, each resolved from its
// own request template.
type Source struct {
	*datasource.Base

	inputs      [2]datasource.ScheduledDataSource
	baseRequest [2]*request.Request
}

// New constructs a Difference source. input0/input1 are the upstream
// sources; baseRequest0/baseRequest1 are the per-input request templates
// (built with Insert, using requestedPrefix-prefixed or
// specialCaseDateInitTimeValid placeholder values where a field should be
// resolved from the incoming request rather than fixed ahead of time).
func New(ownerID string, input0, input1 datasource.ScheduledDataSource, baseRequest0, baseRequest1 *request.Request, ctx *datasource.Context) *Source {
	if input0 == nil || input1 == nil {
		panic("difference: New requires two non-nil input sources")
	}
	s := &Source{
		inputs:      [2]datasource.ScheduledDataSource{input0, input1},
		baseRequest: [2]*request.Request{baseRequest0, baseRequest1},
	}
	s.Base = datasource.NewBase(ownerID, localRequiredKeys, nil, ctx, s.compute, s.buildParents)
	return s
}

// resolveInputRequest builds the concrete request dispatched to input[id] by
// substituting every placeholder value in baseRequest[id] against req, the
// incoming request to the Difference source itself.
func (s *Source) resolveInputRequest(id int, req *request.Request) (*request.Request, error) {
	resolved := request.New()
	template := s.baseRequest[id]

	for _, key := range template.Keys() {
		val, _ := template.Value(key)
		switch {
		case strings.HasPrefix(val, requestedPrefix):
			sourceKey := strings.TrimPrefix(val, requestedPrefix)
			v, ok := req.Value(sourceKey)
			if !ok {
				return nil, fmt.Errorf("difference: incoming request missing %q required to resolve template key %q", sourceKey, key)
			}
			resolved.Insert(key, v)

		case val == specialCaseDateInitTimeValid:
			initTime, ok := req.Time("INIT_TIME")
			if !ok {
				return nil, fmt.Errorf("difference: incoming request missing INIT_TIME for %s", specialCaseDateInitTimeValid)
			}
			validTime, ok := req.Time("VALID_TIME")
			if !ok {
				return nil, fmt.Errorf("difference: incoming request missing VALID_TIME for %s", specialCaseDateInitTimeValid)
			}
			y, m, d := initTime.Date()
			hh, mm, ss := validTime.Clock()
			combined := time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
			resolved.InsertTime(key, combined)

		default:
			resolved.Insert(key, val)
		}
	}
	return resolved, nil
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	parents := make([]*task.Task, 0, 2)
	for id := 0; id < 2; id++ {
		resolved, err := s.resolveInputRequest(id, req)
		if err != nil {
			// A malformed template is a programmer error discovered at
			// schedule time; surface it the same way a nil required
			// dependency would (a task whose single parent immediately
			// fails), rather than panicking across a package boundary.
			parents = append(parents, task.New(failingSource{err: err}, req))
			continue
		}
		parents = append(parents, s.inputs[id].BuildTaskGraph(resolved))
	}
	return parents
}

// failingSource is a task.Source that always errors, used to carry a
// template-resolution failure through the normal task-graph/error-bubbling
// path instead of short-circuiting buildParents with a bare panic.
type failingSource struct{ err error }

func (f failingSource) OwnerID() string { return "difference/template-error" }
func (f failingSource) Produce(*request.Request) (item.DataItem, error) {
	return nil, f.err
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	var grids [2]*item.StructuredGrid
	for id := 0; id < 2; id++ {
		resolved, err := s.resolveInputRequest(id, req)
		if err != nil {
			return nil, err
		}
		it, err := s.inputs[id].Get(resolved)
		if err != nil {
			return nil, err
		}
		g, ok := it.(*item.StructuredGrid)
		if !ok {
			return nil, fmt.Errorf("difference: input %d did not produce a StructuredGrid", id)
		}
		grids[id] = g
	}
	defer func() {
		for id := 0; id < 2; id++ {
			s.inputs[id].Release(grids[id])
		}
	}()

	a, b := grids[0], grids[1]
	canonical := s.CanonicalFor(req)
	diffVariable := fmt.Sprintf("difference %s - %s", a.Variable, b.Variable)
	result := item.NewStructuredGrid(canonical, diffVariable, a.LevelType, a.NLons, a.NLats, a.NLevs)
	result.Lons = append([]float64(nil), a.Lons...)
	result.Lats = append([]float64(nil), a.Lats...)
	result.Levels = append([]float64(nil), a.Levels...)

	for ilev := 0; ilev < a.NLevs; ilev++ {
		for ilat := 0; ilat < a.NLats; ilat++ {
			for ilon := 0; ilon < a.NLons; ilon++ {
				cell := a.Index(ilon, ilat, ilev)
				valueA := a.Data[cell]
				if valueA == item.MissingValue {
					result.Data[cell] = item.MissingValue
					continue
				}

				lon := coordAt(a.Lons, ilon)
				lat := coordAt(a.Lats, ilat)
				pressure := coordAt(a.Levels, ilev)
				valueB := interpolateValue(b, lon, lat, pressure)
				if valueB == item.MissingValue {
					result.Data[cell] = item.MissingValue
					continue
				}
				result.Data[cell] = valueA - valueB
			}
		}
	}
	result.Finalize()
	return result, nil
}

func coordAt(coords []float64, i int) float64 {
	if i < 0 || i >= len(coords) {
		return 0
	}
	return coords[i]
}

// interpolateValue samples g at (lon, lat, pressure): bilinear in lon/lat at
// the vertical level nearest pressure, matching the original's
// interpolateValue contract (MStructuredGrid::interpolateValue) at the level
// granularity this port's grids support. Any missing corner value propagates
// to a missing result, the same per-sample rule produceData applies to the
// whole cell.
func interpolateValue(g *item.StructuredGrid, lon, lat, pressure float64) float32 {
	if len(g.Lons) == 0 || len(g.Lats) == 0 {
		return item.MissingValue
	}
	ilev := nearestLevelIndex(g.Levels, pressure)

	lon0, lon1, lonFrac := bracket(g.Lons, lon)
	lat0, lat1, latFrac := bracket(g.Lats, lat)

	v00 := g.At(lon0, lat0, ilev)
	v10 := g.At(lon1, lat0, ilev)
	v01 := g.At(lon0, lat1, ilev)
	v11 := g.At(lon1, lat1, ilev)
	if v00 == item.MissingValue || v10 == item.MissingValue ||
		v01 == item.MissingValue || v11 == item.MissingValue {
		return item.MissingValue
	}

	top := float64(v00) + (float64(v10)-float64(v00))*lonFrac
	bottom := float64(v01) + (float64(v11)-float64(v01))*lonFrac
	return float32(top + (bottom-top)*latFrac)
}

// bracket finds the pair of indices in coords (assumed sorted ascending)
// that straddle value, and the fractional position of value between them.
// Out-of-range values clamp to the nearest edge.
func bracket(coords []float64, value float64) (i0, i1 int, frac float64) {
	n := len(coords)
	if n == 1 {
		return 0, 0, 0
	}
	idx := sort.SearchFloat64s(coords, value)
	switch {
	case idx <= 0:
		return 0, 1, 0
	case idx >= n:
		return n - 2, n - 1, 1
	default:
		i0, i1 = idx-1, idx
		span := coords[i1] - coords[i0]
		if span == 0 {
			return i0, i1, 0
		}
		return i0, i1, (value - coords[i0]) / span
	}
}

// nearestLevelIndex returns the index of the level in levels closest to
// pressure, or 0 for a grid with no explicit level coordinate (surface, or a
// single-level grid).
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
