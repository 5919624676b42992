package geometry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metcore/viz3d-core/pipeline/cache"
	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/scheduler"
	"github.com/metcore/viz3d-core/pipeline/sources/gridreader"
	"github.com/metcore/viz3d-core/pipeline/sources/normals"
	"github.com/metcore/viz3d-core/pipeline/sources/selection"
	"github.com/metcore/viz3d-core/pipeline/sources/trajectory"
)

func newTestContext() *datasource.Context {
	return &datasource.Context{
		Host:      cache.NewHostManager("host", 1<<20, nil),
		Scheduler: scheduler.New(4, 64, time.Second, nil),
	}
}

func uniformWindGrid(variable string, value float32) *item.StructuredGrid {
	g := item.NewStructuredGrid("unused", variable, item.LevelTypePressure, 3, 3, 1)
	g.Lons = []float64{-10, 0, 10}
	g.Lats = []float64{-10, 0, 10}
	g.Levels = []float64{500}
	for ilat := 0; ilat < 3; ilat++ {
		for ilon := 0; ilon < 3; ilon++ {
			g.SetAt(ilon, ilat, 0, value)
		}
	}
	g.Finalize()
	return g
}

func baseWindRequest(variable string) *request.Request {
	return request.New().
		Insert("VARIABLE", variable).
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T00:00:00Z").
		InsertInt("MEMBER", 0)
}

func trajectoryRequest() *request.Request {
	return request.New().
		Insert("LINE_TYPE", trajectory.LineTypeStream).
		Insert("INTEGRATION_METHOD", trajectory.IntegrationEuler).
		Insert("INTERPOLATION_METHOD", "LINEAR").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T00:00:00Z").
		Insert("END_TIME", "2026-07-30T00:00:00Z").
		InsertFloat("STREAMLINE_DELTA_S", 1).
		InsertInt("STREAMLINE_LENGTH", 2).
		InsertInt("MEMBER", 0).
		Insert("SEED_MIN_POSITION", "0/0").
		Insert("SEED_MAX_POSITION", "0/0").
		Insert("SEED_STEP_SIZE_LON_LAT", "1/1").
		Insert("SEED_PRESSURE_LEVELS", "500")
}

func newTrajectorySource(ctx *datasource.Context) *trajectory.Source {
	backendU, backendV, backendO := gridreader.NewMemoryBackend(), gridreader.NewMemoryBackend(), gridreader.NewMemoryBackend()
	readerU := gridreader.New("windU", backendU, ctx)
	readerV := gridreader.New("windV", backendV, ctx)
	readerO := gridreader.New("windO", backendO, ctx)
	backendU.Put(baseWindRequest(trajectory.VariableU), uniformWindGrid(trajectory.VariableU, 1))
	backendV.Put(baseWindRequest(trajectory.VariableV), uniformWindGrid(trajectory.VariableV, 0))
	backendO.Put(baseWindRequest(trajectory.VariableOmega), uniformWindGrid(trajectory.VariableOmega, 0))
	return trajectory.New("traj", readerU, readerV, readerO, trajectory.Options{}, ctx)
}

func TestTubeGeometryRingsEverySelectedVertex(t *testing.T) {
	ctx := newTestContext()
	traj := newTrajectorySource(ctx)
	sel := selection.New("selection", traj, ctx)
	norm := normals.New("normals", traj, ctx)

	auxBackend := gridreader.NewMemoryBackend()
	auxReader := gridreader.New("aux", auxBackend, ctx)
	auxReq := request.New().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T00:00:00Z").
		InsertInt("MEMBER", 0)
	auxBackend.Put(auxReq, uniformWindGrid("TEMPERATURE", 42))

	geo := New("geometry", traj, sel, norm, auxReader, ctx)

	req := trajectoryRequest().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("FILTER_BBOX", selection.FilterAll).
		Insert("FILTER_PRESSURE_TIME", selection.FilterAll).
		Insert("FILTER_TIMESTEP", selection.FilterAll).
		Insert("NORMALS_LOGP_SCALED", "1/0").
		Insert("MULTIVARTRAJECTORIES_LOGP_SCALED", "1/0/TUBE/6")

	it, err := geo.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.DerivedGeometry)
	require.True(t, ok)

	// 1 trajectory x 3 vertices (2 steps + seed) x 6 ring segments.
	assert.Len(t, result.Vertices, 18)
	for _, v := range result.AuxValues {
		assert.Equal(t, float32(42), v)
	}
	require.NoError(t, geo.Release(result))
}

func TestSphereGeometryEmitsOnePointPerVertex(t *testing.T) {
	ctx := newTestContext()
	traj := newTrajectorySource(ctx)
	sel := selection.New("selection", traj, ctx)
	norm := normals.New("normals", traj, ctx)

	auxBackend := gridreader.NewMemoryBackend()
	auxReader := gridreader.New("aux", auxBackend, ctx)
	auxReq := request.New().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T00:00:00Z").
		InsertInt("MEMBER", 0)
	auxBackend.Put(auxReq, uniformWindGrid("TEMPERATURE", 7))

	geo := New("geometry-sphere", traj, sel, norm, auxReader, ctx)

	req := trajectoryRequest().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("FILTER_BBOX", selection.FilterAll).
		Insert("FILTER_PRESSURE_TIME", selection.FilterAll).
		Insert("FILTER_TIMESTEP", selection.FilterAll).
		Insert("NORMALS_LOGP_SCALED", "1/0").
		Insert("MULTIVARTRAJECTORIES_LOGP_SCALED", "1/0/SPHERE/6")

	it, err := geo.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.DerivedGeometry)
	require.True(t, ok)
	assert.Len(t, result.Vertices, 3)
	require.NoError(t, geo.Release(result))
}
