package selection

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

// twoSeedTrajectoryRequest seeds two trajectories three degrees of longitude
// apart so a bounding box can be constructed to keep exactly one of them.
func twoSeedTrajectoryRequest() *request.Request {
	return request.New().
		Insert("LINE_TYPE", trajectory.LineTypeStream).
		Insert("INTEGRATION_METHOD", trajectory.IntegrationEuler).
		Insert("INTERPOLATION_METHOD", "LINEAR").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T00:00:00Z").
		Insert("END_TIME", "2026-07-30T00:00:00Z").
		InsertFloat("STREAMLINE_DELTA_S", 1).
		InsertInt("STREAMLINE_LENGTH", 3).
		InsertInt("MEMBER", 0).
		Insert("SEED_MIN_POSITION", "0/0").
		Insert("SEED_MAX_POSITION", "3/0").
		Insert("SEED_STEP_SIZE_LON_LAT", "3/1").
		Insert("SEED_PRESSURE_LEVELS", "500")
}

func newTrajectorySource(ctx *datasource.Context) *trajectory.Source {
	backendU, backendV, backendO := gridreader.NewMemoryBackend(), gridreader.NewMemoryBackend(), gridreader.NewMemoryBackend()
	readerU := gridreader.New("windU", backendU, ctx)
	readerV := gridreader.New("windV", backendV, ctx)
	readerO := gridreader.New("windO", backendO, ctx)
	backendU.Put(baseWindRequest(trajectory.VariableU), uniformWindGrid(trajectory.VariableU, 0))
	backendV.Put(baseWindRequest(trajectory.VariableV), uniformWindGrid(trajectory.VariableV, 0))
	backendO.Put(baseWindRequest(trajectory.VariableOmega), uniformWindGrid(trajectory.VariableOmega, 0))
	return trajectory.New("traj", readerU, readerV, readerO, trajectory.Options{}, ctx)
}

func TestBBoxFilterKeepsOnlySeedsInside(t *testing.T) {
	ctx := newTestContext()
	traj := newTrajectorySource(ctx)
	sel := New("selection", traj, ctx)

	req := twoSeedTrajectoryRequest().
		Insert("FILTER_BBOX", "-1/-1/1/1").
		Insert("FILTER_PRESSURE_TIME", FilterAll).
		Insert("FILTER_TIMESTEP", FilterAll)

	it, err := sel.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.TrajectorySelection)
	require.True(t, ok)
	assert.Equal(t, 1, result.NumSelected)
	require.NoError(t, sel.Release(result))
}

func TestSingleTimestepFilterNarrowsToOneVertex(t *testing.T) {
	ctx := newTestContext()
	traj := newTrajectorySource(ctx)
	sel := New("selection", traj, ctx)

	req := twoSeedTrajectoryRequest().
		Insert("FILTER_BBOX", FilterAll).
		Insert("FILTER_PRESSURE_TIME", FilterAll).
		Insert("FILTER_TIMESTEP", "2")

	it, err := sel.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.TrajectorySelection)
	require.True(t, ok)
	require.Equal(t, 2, result.NumSelected)
	for i := 0; i < result.NumSelected; i++ {
		assert.Equal(t, int32(1), result.Counts[i])
	}
	require.NoError(t, sel.Release(result))
}

func TestSelectionHoldsLiveTrajectoryReference(t *testing.T) {
	ctx := newTestContext()
	traj := newTrajectorySource(ctx)
	sel := New("selection", traj, ctx)

	req := twoSeedTrajectoryRequest().
		Insert("FILTER_BBOX", FilterAll).
		Insert("FILTER_PRESSURE_TIME", FilterAll).
		Insert("FILTER_TIMESTEP", FilterAll)

	it, err := sel.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.TrajectorySelection)
	require.True(t, ok)
	assert.True(t, ctx.Host.Contains(traj, result.ReferencedRequest))
	ctx.Host.Release(traj, result.ReferencedRequest)
	require.NoError(t, sel.Release(result))
}
