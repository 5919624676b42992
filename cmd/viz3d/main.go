// Command viz3d is the demo binary SPEC_FULL §D names as the wiring point
// for the core data pipeline: it builds a two-tier cache, a scheduler, the
// concrete data sources (grid reader, trajectory generator, selection,
// normals, derived geometry), and a trajectory orchestrator driving one
// render slot, then hands each drained composite's geometry across the
// render package's Sink contract — the abstract boundary spec §1 draws
// around the actual rendering (out of core scope), the same way the grid
// readers are fed through the gridreader.Backend contract instead of a
// real NetCDF/GRIB decoder. It is deliberately thin: every interesting
// decision lives in the packages it wires together, not here.
package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/metcore/viz3d-core/config"
	"github.com/metcore/viz3d-core/internal/corelog"
	"github.com/metcore/viz3d-core/internal/resources"
	"github.com/metcore/viz3d-core/orchestrator"
	"github.com/metcore/viz3d-core/pipeline/cache"
	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/scheduler"
	"github.com/metcore/viz3d-core/pipeline/sources/geometry"
	"github.com/metcore/viz3d-core/pipeline/sources/gridreader"
	"github.com/metcore/viz3d-core/pipeline/sources/normals"
	"github.com/metcore/viz3d-core/pipeline/sources/selection"
	"github.com/metcore/viz3d-core/pipeline/sources/trajectory"
	"github.com/metcore/viz3d-core/render"
)

const (
	viewMain = "main"

	demoInitTime  = "2026-07-31T00:00:00Z"
	demoValidTime = "2026-07-31T06:00:00Z"
	demoEndTime   = "2026-07-31T12:00:00Z"
	demoMember    = "0"
)

func main() {
	logger, err := corelog.New(corelog.Options{Debug: true})
	if err != nil {
		log.Fatalf("viz3d: failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := acquireStartupResources(logger); err != nil {
		log.Fatalf("viz3d: startup resource acquisition failed: %v", err)
	}

	cfg := demoActorConfig()
	persistDemoConfig(cfg)

	host := cache.NewHostManager("host", 512*1024, logger)
	gpu := cache.NewGPUManager("gpu", 256*1024, logger)
	defer host.Shutdown()
	defer gpu.Shutdown()

	sched := scheduler.New(4, 64, 30*time.Second, logger)
	ctx := &datasource.Context{Host: host, Scheduler: sched, Log: logger}

	windBackend := gridreader.NewMemoryBackend()
	seedFixtureWinds(windBackend)
	windReader := gridreader.New("wind", windBackend, ctx)

	auxBackend := gridreader.NewMemoryBackend()
	seedFixtureAux(auxBackend)
	auxReader := gridreader.New("aux", auxBackend, ctx)

	trajSrc := trajectory.New("trajectory", windReader, windReader, windReader, trajectory.Options{TryPrecomputed: true}, ctx)
	selSrc := selection.New("selection", trajSrc, ctx)
	normSrc := normals.New("normals", trajSrc, ctx)
	geomSrc := geometry.New("geometry", trajSrc, selSrc, normSrc, auxReader, ctx)

	sink := render.NewFixtureSink()

	orch := orchestrator.New(func(slot int, c *orchestrator.Composite, held orchestrator.HeldItems) {
		geom, ok := held[orchestrator.KindDerivedGeom(viewMain)].(*item.DerivedGeometry)
		if !ok || geom == nil {
			return
		}
		buf, err := render.StoreGPUBuffer(sink, geom)
		if err != nil {
			logger.Error("viz3d: render sink rejected drained geometry", zap.Error(err))
			return
		}
		logger.Info("viz3d: drained composite, handed geometry to render sink",
			zap.Int("slot", slot), zap.String("key", buf.Label), zap.Int("numVertices", len(geom.Vertices)))
	}, func(syncID string) {
		logger.Info("viz3d: sync event completed", zap.String("syncID", syncID))
	}, logger)

	slot := orch.AddSlot(map[string]datasource.ScheduledDataSource{
		orchestrator.KindData:                  trajSrc,
		orchestrator.KindSelection:             selSrc,
		orchestrator.KindNormals(viewMain):     normSrc,
		orchestrator.KindDerivedGeom(viewMain): geomSrc,
	})

	syncID := uuid.NewString()
	orch.BeginSync(syncID, 1)
	orch.Enqueue(slot, demoSubRequests(cfg), syncID)

	log.Println("viz3d: NWP ensemble trajectory pipeline demo complete")
}

func acquireStartupResources(logger *zap.Logger) error {
	mgr := resources.NewManager(logger)
	results := mgr.AcquireTolerant(context.Background(), []resources.Resource{
		{Name: "coastline-shapefile", Load: func(ctx context.Context) error { return nil }},
		{Name: "label-font-atlas", Load: func(ctx context.Context) error { return nil }},
	})
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("viz3d: optional startup resource unavailable",
				zap.String("resource", r.Name), zap.Error(r.Err))
		}
	}
	return mgr.Acquire(context.Background(), []resources.Resource{
		{Name: "render-sink", Load: func(ctx context.Context) error { return nil }},
	})
}

func demoActorConfig() *config.ActorConfig {
	return &config.ActorConfig{
		DataSourceID:                "ensemble-demo",
		RenderMode:                  "TUBE",
		RenderColorMode:             "AUX_VARIABLE",
		FilterBBox:                  "-20/30/40/70",
		FilterPressureTime:          selection.FilterAll,
		FilterTimestep:              selection.FilterAll,
		MultiVariableEnabled:        true,
		MultiVarLogPScaled:          "1/0/TUBE/8",
		LineType:                    "PATH_LINE",
		IntegrationMethod:           "RK2",
		InterpolationMethod:         "BILINEAR",
		SubtimestepsPerDataTimestep: 4,
		SeedType:                    "REGULAR_GRID",
		SeedMinPosition:             "-10/40",
		SeedMaxPosition:             "10/55",
		SeedActors: []config.SeedActorConfig{
			{Name: "traj0", StepSizeLon: 5, StepSizeLat: 5, PressureLevels: "850/700/500"},
		},
	}
}

func persistDemoConfig(cfg *config.ActorConfig) {
	v := viper.New()
	config.Save(v, "actors.traj0", cfg)
	roundTripped := config.Load(v, "actors.traj0")
	if roundTripped.DataSourceID != cfg.DataSourceID {
		log.Fatalf("viz3d: config round-trip mismatch")
	}
}

func demoSubRequests(cfg *config.ActorConfig) map[string]*request.Request {
	base := request.New().
		Insert("INIT_TIME", demoInitTime).
		Insert("VALID_TIME", demoValidTime).
		Insert("END_TIME", demoEndTime).
		Insert("MEMBER", demoMember).
		Insert("LINE_TYPE", cfg.LineType).
		Insert("INTEGRATION_METHOD", cfg.IntegrationMethod).
		Insert("INTERPOLATION_METHOD", cfg.InterpolationMethod).
		InsertInt("SUBTIMESTEPS_PER_DATATIMESTEP", int64(cfg.SubtimestepsPerDataTimestep)).
		Insert("STREAMLINE_DELTA_S", "0").
		Insert("STREAMLINE_LENGTH", "0").
		Insert("SEED_TYPE", cfg.SeedType).
		Insert("SEED_MIN_POSITION", cfg.SeedMinPosition).
		Insert("SEED_MAX_POSITION", cfg.SeedMaxPosition).
		Insert("SEED_STEP_SIZE_LON_LAT", "5/5").
		Insert("SEED_PRESSURE_LEVELS", "850/700/500").
		Insert("TRY_PRECOMPUTED", "1")

	selReq := base.Clone().
		Insert("FILTER_BBOX", cfg.FilterBBox).
		Insert("FILTER_PRESSURE_TIME", cfg.FilterPressureTime).
		Insert("FILTER_TIMESTEP", cfg.FilterTimestep)

	normReq := base.Clone().Insert("NORMALS_LOGP_SCALED", "1/0")
	geomReq := base.Clone().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("MULTIVARTRAJECTORIES_LOGP_SCALED", cfg.MultiVarLogPScaled)

	return map[string]*request.Request{
		orchestrator.KindData:                  base,
		orchestrator.KindSelection:             selReq,
		orchestrator.KindNormals(viewMain):     normReq,
		orchestrator.KindDerivedGeom(viewMain): geomReq,
	}
}

// linSpace returns n evenly spaced samples from lo to hi, inclusive.
func linSpace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

// seedFixtureWinds registers a uniform steady wind field (U, V, OMEGA) the
// trajectory source integrates through, standing in for the NetCDF/GRIB
// series spec §1 places out of core scope.
func seedFixtureWinds(backend *gridreader.MemoryBackend) {
	for _, variable := range []string{trajectory.VariableU, trajectory.VariableV, trajectory.VariableOmega} {
		g := item.NewStructuredGrid("", variable, item.LevelTypePressure, 36, 18, 3)
		g.Lons = linSpace(-180, 180, 36)
		g.Lats = linSpace(-90, 90, 18)
		g.Levels = []float64{850, 700, 500}
		windSpeed := float32(5.0)
		if variable == trajectory.VariableOmega {
			windSpeed = 0.01
		}
		for i := range g.Data {
			g.Data[i] = windSpeed
		}
		g.Finalize()
		req := request.New().
			Insert("VARIABLE", variable).
			Insert("LEVELTYPE", "PRESSURE").
			Insert("MEMBER", demoMember).
			Insert("INIT_TIME", demoInitTime).
			Insert("VALID_TIME", demoValidTime)
		backend.Put(req, g)
	}
}

// seedFixtureAux registers a single TEMPERATURE grid the derived-geometry
// source samples for per-vertex color/radius mapping.
func seedFixtureAux(backend *gridreader.MemoryBackend) {
	g := item.NewStructuredGrid("", "TEMPERATURE", item.LevelTypePressure, 36, 18, 3)
	g.Lons = linSpace(-180, 180, 36)
	g.Lats = linSpace(-90, 90, 18)
	g.Levels = []float64{850, 700, 500}
	for i := range g.Data {
		g.Data[i] = 288.0
	}
	g.Finalize()
	req := request.New().
		Insert("VARIABLE", "TEMPERATURE").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("MEMBER", demoMember).
		Insert("INIT_TIME", demoInitTime).
		Insert("VALID_TIME", demoValidTime)
	backend.Put(req, g)
}
