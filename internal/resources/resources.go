// Package resources drives concurrent, fail-fast acquisition of the
// resources a rendering component needs before it can start producing
// output — shapefile-backed line geometry, font atlases, shader programs —
// aggregating any failure into a pipeline/perr.InitializationError.
//
// Grounded on original_source/naturalearthdataloader.cpp: the coastline/
// boundary loader throws MInitialisationError the moment a shapefile can't
// be opened or parsed, and the owning actor either fails its own
// initialization or disables the affected feature and continues. This port
// generalizes that same load-on-init/raise-or-degrade contract to any named
// startup resource, and runs the acquisitions concurrently with
// golang.org/x/sync/errgroup instead of the original's sequential load
// calls (spec §9 explicitly permits increased internal concurrency beyond
// literal translation where the original's structure was serialized by its
// single-threaded GL resource manager, not by a genuine data dependency).
package resources

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/metcore/viz3d-core/pipeline/perr"
)

// Resource is one named startup dependency and the function that acquires
// it. Load must be safe to cancel via ctx and idempotent-safe to retry.
type Resource struct {
	Name string
	Load func(ctx context.Context) error
}

// Manager runs Resource acquisitions, logging outcomes through log (a nop
// logger if nil).
type Manager struct {
	log *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// Acquire runs every resource's Load concurrently and fails fast: the first
// failure cancels every other in-flight Load via ctx and Acquire returns a
// *perr.InitializationError naming the resource that failed. Use this for
// resources the owning component cannot function without (e.g. the shader
// programs a renderer compiles at construction).
func (m *Manager) Acquire(ctx context.Context, resources []Resource) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range resources {
		r := r
		g.Go(func() error {
			if err := r.Load(gctx); err != nil {
				m.log.Error("resources: acquisition failed", zap.String("resource", r.Name), zap.Error(err))
				return &perr.InitializationError{Component: r.Name, Cause: err}
			}
			m.log.Debug("resources: acquired", zap.String("resource", r.Name))
			return nil
		})
	}
	return g.Wait()
}

// Result is one resource's outcome from AcquireTolerant.
type Result struct {
	Name string
	Err  error
}

// AcquireTolerant runs every resource's Load concurrently without letting
// one failure cancel the others, and returns one Result per resource. Use
// this for optional features that should degrade independently rather than
// take down the whole component — the natural-earth coastline data in
// original_source/naturalearthdataloader.cpp is exactly this kind of
// resource: its actor disables coastline rendering and continues if the
// shapefile can't be loaded, rather than failing to start.
func (m *Manager) AcquireTolerant(ctx context.Context, resources []Resource) []Result {
	results := make([]Result, len(resources))
	done := make(chan struct{}, len(resources))
	for i, r := range resources {
		i, r := i, r
		go func() {
			defer func() { done <- struct{}{} }()
			if err := r.Load(ctx); err != nil {
				m.log.Warn("resources: optional acquisition failed, feature disabled",
					zap.String("resource", r.Name), zap.Error(err))
				results[i] = Result{Name: r.Name, Err: &perr.InitializationError{Component: r.Name, Cause: err}}
				return
			}
			m.log.Debug("resources: acquired", zap.String("resource", r.Name))
			results[i] = Result{Name: r.Name}
		}()
	}
	for range resources {
		<-done
	}
	return results
}
