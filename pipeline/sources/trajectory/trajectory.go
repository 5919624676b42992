// Package trajectory implements the trajectory generator of spec §4.3 /
// glossary "LINE_TYPE": seeded particle paths integrated through a steady
// 3-component wind field (U, V, vertical velocity), producing an
// item.Trajectories ready for the orchestrator's downstream selection and
// normals sources.
//
// Grounded on original_source/trajectories.cpp for the result data model
// (MTrajectories' per-trajectory start-index/count layout, reused here as
// item.Trajectories.Meta) and on structuredgridensemblefilter.cpp's
// single-pass-over-members shape for how a source composes several upstream
// grid fetches before producing one result. The original integrates through
// a time-varying, multi-file wind field with full trilinear interpolation;
// file-format readers are out of core scope (spec §1 Non-goals), so this
// port integrates through one steady snapshot of the wind field fetched at
// VALID_TIME, bilinearly interpolated in lon/lat at the nearest vertical
// level — the same simplification difference.Source documents for its own
// interpolation.
package trajectory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// Variable names requested from the wind-component upstream sources.
const (
	VariableU     = "U_VELOCITY"
	VariableV     = "V_VELOCITY"
	VariableOmega = "VERTICAL_VELOCITY"
)

// LineType values recognized in the LINE_TYPE request key.
const (
	LineTypePath   = "PATH_LINE"
	LineTypeStream = "STREAM_LINE"
)

// Integration methods recognized in the INTEGRATION_METHOD request key.
const (
	IntegrationEuler      = "EULER"
	IntegrationRungeKutta = "RUNGE_KUTTA"
)

// localRequiredKeys is every key this source itself consumes to identify its
// own result, independent of the keys its three wind-component upstreams need.
var localRequiredKeys = map[string]struct{}{
	"LINE_TYPE":                     {},
	"INIT_TIME":                     {},
	"VALID_TIME":                    {},
	"END_TIME":                      {},
	"MEMBER":                        {},
	"INTEGRATION_METHOD":            {},
	"INTERPOLATION_METHOD":          {},
	"SUBTIMESTEPS_PER_DATATIMESTEP": {},
	"STREAMLINE_DELTA_S":            {},
	"STREAMLINE_LENGTH":             {},
	"SEED_TYPE":                     {},
	"SEED_MIN_POSITION":             {},
	"SEED_MAX_POSITION":             {},
	"SEED_STEP_SIZE_LON_LAT":        {},
	"SEED_PRESSURE_LEVELS":          {},
}

// Options carries construction-time conformance flags a source is free to
// ignore (spec §9 Open Questions; SPEC_FULL §C.3).
type Options struct {
	// TryPrecomputed mirrors the original's TRY_PRECOMPUTED flag. The demo
	// binary (cmd/viz3d) sets it, and also inserts TRY_PRECOMPUTED=1 into
	// the base request its data and selection sub-requests are built from;
	// this source does not currently special-case it, since
	// "precomputed" trajectories would require a second backend this port
	// does not implement, but the field is carried so a future backend can
	// observe it without a signature change.
	TryPrecomputed bool
}

// Source is the trajectory generator data source.
type Source struct {
	*datasource.Base

	windU, windV, windOmega datasource.ScheduledDataSource
	opts                    Options
}

// New constructs a trajectory generator. windU/windV/windOmega are the
// upstream StructuredGrid sources for the three wind components, each
// expected to answer LEVELTYPE=PRESSURE requests.
func New(ownerID string, windU, windV, windOmega datasource.ScheduledDataSource, opts Options, ctx *datasource.Context) *Source {
	if windU == nil || windV == nil || windOmega == nil {
		panic("trajectory: New requires non-nil wind component sources")
	}
	s := &Source{windU: windU, windV: windV, windOmega: windOmega, opts: opts}
	s.Base = datasource.NewBase(ownerID, localRequiredKeys, nil, ctx, s.compute, s.buildParents)
	return s
}

func (s *Source) windRequest(req *request.Request, variable string) *request.Request {
	wr := request.New().
		Insert("VARIABLE", variable).
		Insert("LEVELTYPE", "PRESSURE")
	if v, ok := req.Value("INIT_TIME"); ok {
		wr.Insert("INIT_TIME", v)
	}
	if v, ok := req.Value("VALID_TIME"); ok {
		wr.Insert("VALID_TIME", v)
	}
	if v, ok := req.Value("MEMBER"); ok {
		wr.Insert("MEMBER", v)
	}
	return wr
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	return []*task.Task{
		s.windU.BuildTaskGraph(s.windRequest(req, VariableU)),
		s.windV.BuildTaskGraph(s.windRequest(req, VariableV)),
		s.windOmega.BuildTaskGraph(s.windRequest(req, VariableOmega)),
	}
}

// seedSpec describes the regular lon/lat/pressure seed lattice decoded from
// the SEED_* request keys, grounded on the "regular grid of seed points"
// configuration the original exposes per seed actor.
type seedSpec struct {
	minLon, minLat   float64
	maxLon, maxLat   float64
	stepLon, stepLat float64
	pressures        []float64
}

func parseSlashFloats(s string) ([]float64, error) {
	parts := strings.Split(s, "/")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("trajectory: invalid float %q in slash-joined value %q: %w", p, s, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseLonLatPair(s string) (lon, lat float64, err error) {
	vals, err := parseSlashFloats(s)
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("trajectory: expected a lon/lat pair, got %q", s)
	}
	return vals[0], vals[1], nil
}

func parseSeedSpec(req *request.Request) (seedSpec, error) {
	var spec seedSpec
	minRaw, ok := req.Value("SEED_MIN_POSITION")
	if !ok {
		return spec, fmt.Errorf("trajectory: missing SEED_MIN_POSITION")
	}
	maxRaw, ok := req.Value("SEED_MAX_POSITION")
	if !ok {
		return spec, fmt.Errorf("trajectory: missing SEED_MAX_POSITION")
	}
	stepRaw, ok := req.Value("SEED_STEP_SIZE_LON_LAT")
	if !ok {
		return spec, fmt.Errorf("trajectory: missing SEED_STEP_SIZE_LON_LAT")
	}
	pressureRaw, ok := req.Value("SEED_PRESSURE_LEVELS")
	if !ok {
		return spec, fmt.Errorf("trajectory: missing SEED_PRESSURE_LEVELS")
	}

	var err error
	if spec.minLon, spec.minLat, err = parseLonLatPair(minRaw); err != nil {
		return spec, err
	}
	if spec.maxLon, spec.maxLat, err = parseLonLatPair(maxRaw); err != nil {
		return spec, err
	}
	if spec.stepLon, spec.stepLat, err = parseLonLatPair(stepRaw); err != nil {
		return spec, err
	}
	if spec.pressures, err = parseSlashFloats(pressureRaw); err != nil {
		return spec, err
	}
	if spec.stepLon <= 0 || spec.stepLat <= 0 {
		return spec, fmt.Errorf("trajectory: SEED_STEP_SIZE_LON_LAT must be positive, got %q", stepRaw)
	}
	return spec, nil
}

// seeds returns every (lon, lat, pressure) starting point in the lattice.
func (sp seedSpec) seeds() []item.TrajectoryVertex {
	var out []item.TrajectoryVertex
	for lon := sp.minLon; lon <= sp.maxLon+1e-9; lon += sp.stepLon {
		for lat := sp.minLat; lat <= sp.maxLat+1e-9; lat += sp.stepLat {
			for _, p := range sp.pressures {
				out = append(out, item.TrajectoryVertex{Lon: float32(lon), Lat: float32(lat), Pressure: float32(p)})
			}
		}
	}
	return out
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	seedSpec, err := parseSeedSpec(req)
	if err != nil {
		return nil, err
	}
	seeds := seedSpec.seeds()
	if len(seeds) == 0 {
		return nil, fmt.Errorf("trajectory: seed lattice produced zero trajectories")
	}

	uGrid, err := s.windU.Get(s.windRequest(req, VariableU))
	if err != nil {
		return nil, err
	}
	defer s.windU.Release(uGrid)
	vGrid, err := s.windV.Get(s.windRequest(req, VariableV))
	if err != nil {
		return nil, err
	}
	defer s.windV.Release(vGrid)
	oGrid, err := s.windOmega.Get(s.windRequest(req, VariableOmega))
	if err != nil {
		return nil, err
	}
	defer s.windOmega.Release(oGrid)

	u, ok := uGrid.(*item.StructuredGrid)
	if !ok {
		return nil, fmt.Errorf("trajectory: U_VELOCITY source did not produce a StructuredGrid")
	}
	v, ok := vGrid.(*item.StructuredGrid)
	if !ok {
		return nil, fmt.Errorf("trajectory: V_VELOCITY source did not produce a StructuredGrid")
	}
	o, ok := oGrid.(*item.StructuredGrid)
	if !ok {
		return nil, fmt.Errorf("trajectory: VERTICAL_VELOCITY source did not produce a StructuredGrid")
	}

	lineType := req.ValueOr("LINE_TYPE", LineTypePath)
	method := req.ValueOr("INTEGRATION_METHOD", IntegrationRungeKutta)

	numSteps, dt, err := stepPlan(req, lineType)
	if err != nil {
		return nil, err
	}

	canonical := s.CanonicalFor(req)
	traj := item.NewTrajectories(canonical, len(seeds), numSteps+1)
	for step := 0; step <= numSteps; step++ {
		traj.Timestamps[step] = int64(step) * int64(dt)
	}
	traj.TimeStepLengthSeconds = dt

	for ti, seed := range seeds {
		pos := seed
		traj.Vertices[ti*traj.TimestepsPerTraj] = pos
		for step := 1; step <= numSteps; step++ {
			pos = integrate(u, v, o, pos, dt, method)
			traj.Vertices[ti*traj.TimestepsPerTraj+step] = pos
		}
	}
	traj.Finalize()
	return traj, nil
}

// stepPlan returns the number of integration steps and the per-step length
// in seconds for req's line type.
func stepPlan(req *request.Request, lineType string) (numSteps int, dtSeconds float64, err error) {
	if lineType == LineTypeStream {
		n, ok := req.Int("STREAMLINE_LENGTH")
		if !ok || n <= 0 {
			return 0, 0, fmt.Errorf("trajectory: STREAMLINE_LENGTH must be a positive integer for STREAM_LINE")
		}
		deltaS, ok := req.Float("STREAMLINE_DELTA_S")
		if !ok || deltaS <= 0 {
			return 0, 0, fmt.Errorf("trajectory: STREAMLINE_DELTA_S must be positive for STREAM_LINE")
		}
		// A streamline has no time axis; deltaS doubles as the per-step
		// "time" unit the wind components (interpreted as degrees per unit)
		// are integrated against.
		return int(n), deltaS, nil
	}

	initTime, ok := req.Time("INIT_TIME")
	if !ok {
		return 0, 0, fmt.Errorf("trajectory: missing INIT_TIME")
	}
	endTime, ok := req.Time("END_TIME")
	if !ok {
		return 0, 0, fmt.Errorf("trajectory: missing END_TIME")
	}
	sub, ok := req.Int("SUBTIMESTEPS_PER_DATATIMESTEP")
	if !ok || sub <= 0 {
		sub = 1
	}
	totalSeconds := endTime.Sub(initTime).Seconds()
	if totalSeconds <= 0 {
		return 0, 0, fmt.Errorf("trajectory: END_TIME must be after INIT_TIME")
	}
	return int(sub), totalSeconds / float64(sub), nil
}

// integrate advances pos by one step of length dt (seconds, or streamline
// arc-length units) through the wind field (u, v, o), treating each
// component's sampled value as a rate of change in (lon, lat, pressure) per
// unit dt — the documented simplification this port makes in place of the
// original's physically-scaled, trilinearly-interpolated advection.
func integrate(u, v, o *item.StructuredGrid, pos item.TrajectoryVertex, dt float64, method string) item.TrajectoryVertex {
	switch method {
	case IntegrationEuler:
		du, dv, do := sampleWind(u, v, o, pos)
		return item.TrajectoryVertex{
			Lon:      pos.Lon + float32(dt)*du,
			Lat:      pos.Lat + float32(dt)*dv,
			Pressure: pos.Pressure + float32(dt)*do,
		}
	default: // IntegrationRungeKutta: explicit midpoint (RK2)
		du0, dv0, do0 := sampleWind(u, v, o, pos)
		mid := item.TrajectoryVertex{
			Lon:      pos.Lon + float32(dt/2)*du0,
			Lat:      pos.Lat + float32(dt/2)*dv0,
			Pressure: pos.Pressure + float32(dt/2)*do0,
		}
		du1, dv1, do1 := sampleWind(u, v, o, mid)
		return item.TrajectoryVertex{
			Lon:      pos.Lon + float32(dt)*du1,
			Lat:      pos.Lat + float32(dt)*dv1,
			Pressure: pos.Pressure + float32(dt)*do1,
		}
	}
}

// sampleWind bilinearly interpolates all three wind components at pos's
// lon/lat, at the vertical level nearest pos's pressure. A missing sample in
// any component freezes that component (returns 0) rather than advancing by
// the MissingValue sentinel. A position outside the grid is not missing: it
// samples the nearest edge values, so the trajectory keeps moving.
func sampleWind(u, v, o *item.StructuredGrid, pos item.TrajectoryVertex) (du, dv, do float32) {
	return sampleOne(u, pos), sampleOne(v, pos), sampleOne(o, pos)
}

func sampleOne(g *item.StructuredGrid, pos item.TrajectoryVertex) float32 {
	if g == nil || len(g.Lons) == 0 || len(g.Lats) == 0 {
		return 0
	}
	ilev := nearestLevelIndex(g.Levels, float64(pos.Pressure))
	lon0, lon1, lonFrac := bracket(g.Lons, float64(pos.Lon))
	lat0, lat1, latFrac := bracket(g.Lats, float64(pos.Lat))

	v00 := g.At(lon0, lat0, ilev)
	v10 := g.At(lon1, lat0, ilev)
	v01 := g.At(lon0, lat1, ilev)
	v11 := g.At(lon1, lat1, ilev)
	if v00 == item.MissingValue || v10 == item.MissingValue || v01 == item.MissingValue || v11 == item.MissingValue {
		return 0
	}
	top := float64(v00) + (float64(v10)-float64(v00))*lonFrac
	bottom := float64(v01) + (float64(v11)-float64(v01))*lonFrac
	return float32(top + (bottom-top)*latFrac)
}

// bracket finds the pair of indices in coords (sorted ascending) straddling
// value, clamping at the edges, identical in contract to difference.bracket
// (duplicated rather than shared to keep the two source packages independent
// the way gridreader and difference are).
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
