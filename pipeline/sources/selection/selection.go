// Package selection implements the pressure/time/bbox/single-timestep
// trajectory selection filter referenced throughout spec §4.7 (the
// `selectionReq` and `singleTimeSelectionReq` sub-requests of the
// orchestrator's composite request): a view over an upstream item.Trajectories
// item, narrowed by FILTER_PRESSURE_TIME, FILTER_BBOX, and FILTER_TIMESTEP.
//
// Grounded on original_source/trajectories.cpp (MTrajectorySelection /
// MWritableTrajectorySelection): a selection holds per-trajectory
// start-index/count pairs into a referenced trajectory set's vertex array;
// item.TrajectorySelection.SetNumSelected clamps the selected count to the
// allocated capacity. The companion-reference discipline —
// a selection holds a live cache reference to the Trajectories item it
// filters for its entire lifetime — mirrors the hybrid-sigma/aux-pressure
// companion-field pattern in pipeline/sources/ensemble.
package selection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// FilterAll is the sentinel value for FILTER_PRESSURE_TIME/FILTER_TIMESTEP
// meaning "no decimation, use every trajectory/time step".
const FilterAll = "ALL"

var localRequiredKeys = map[string]struct{}{
	"FILTER_PRESSURE_TIME": {},
	"FILTER_BBOX":          {},
	"FILTER_TIMESTEP":      {},
}

// Source is the trajectory selection filter.
type Source struct {
	*datasource.Base
	trajectories datasource.ScheduledDataSource
}

// New constructs a selection source over trajectories, the upstream
// item.Trajectories producer.
func New(ownerID string, trajectories datasource.ScheduledDataSource, ctx *datasource.Context) *Source {
	if trajectories == nil {
		panic("selection: New requires a non-nil trajectories source")
	}
	s := &Source{trajectories: trajectories}
	s.Base = datasource.NewBase(ownerID, localRequiredKeys, []map[string]struct{}{trajectories.RequiredKeys()}, ctx, s.compute, s.buildParents)
	return s
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	return []*task.Task{s.trajectories.BuildTaskGraph(req)}
}

type bbox struct {
	w, s, e, n float64
}

func parseBBox(raw string) (bbox, bool, error) {
	if raw == "" || raw == FilterAll {
		return bbox{}, false, nil
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return bbox{}, false, fmt.Errorf("selection: FILTER_BBOX must be \"w/s/e/n\", got %q", raw)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox{}, false, fmt.Errorf("selection: invalid FILTER_BBOX component %q: %w", p, err)
		}
		vals[i] = f
	}
	return bbox{w: vals[0], s: vals[1], e: vals[2], n: vals[3]}, true, nil
}

func (b bbox) contains(lon, lat float32) bool {
	return float64(lon) >= b.w && float64(lon) <= b.e && float64(lat) >= b.s && float64(lat) <= b.n
}

type pressureTimeFilter struct {
	deltaPHPa float64
	deltaTHrs float64
	active    bool
}

func parsePressureTimeFilter(raw string) (pressureTimeFilter, error) {
	if raw == "" || raw == FilterAll {
		return pressureTimeFilter{}, nil
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return pressureTimeFilter{}, fmt.Errorf("selection: FILTER_PRESSURE_TIME must be \"<deltaP>/<deltaT>\" or %q, got %q", FilterAll, raw)
	}
	dp, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return pressureTimeFilter{}, fmt.Errorf("selection: invalid FILTER_PRESSURE_TIME pressure delta %q: %w", parts[0], err)
	}
	dt, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return pressureTimeFilter{}, fmt.Errorf("selection: invalid FILTER_PRESSURE_TIME time delta %q: %w", parts[1], err)
	}
	return pressureTimeFilter{deltaPHPa: dp, deltaTHrs: dt, active: dp > 0 || dt > 0}, nil
}

// keepsTrajectory reports whether a trajectory seeded at seedPressure stays
// within the filter's pressure tolerance of the reference pressure (the
// selection's first surviving trajectory, so the filter narrows the set to
// a band around whichever trajectories are already displayed). The original's
// deltaT half of this filter gates a live interactive time-window sync this
// port has no view-controller counterpart for (no derived sub-request carries
// view state into this source); deltaP is the half this port implements.
func (f pressureTimeFilter) keepsTrajectory(seedPressure, referencePressure float32) bool {
	if !f.active || f.deltaPHPa <= 0 {
		return true
	}
	diff := float64(seedPressure - referencePressure)
	if diff < 0 {
		diff = -diff
	}
	return diff <= f.deltaPHPa
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	trajItem, err := s.trajectories.Get(req)
	if err != nil {
		return nil, err
	}
	released := false
	releaseTraj := func() {
		if !released {
			s.trajectories.Release(trajItem)
			released = true
		}
	}
	handedOff := false
	defer func() {
		if !handedOff {
			releaseTraj()
		}
	}()

	traj, ok := trajItem.(*item.Trajectories)
	if !ok {
		return nil, fmt.Errorf("selection: upstream did not produce an item.Trajectories")
	}

	box, boxActive, err := parseBBox(req.ValueOr("FILTER_BBOX", FilterAll))
	if err != nil {
		return nil, err
	}
	ptFilter, err := parsePressureTimeFilter(req.ValueOr("FILTER_PRESSURE_TIME", FilterAll))
	if err != nil {
		return nil, err
	}

	singleStep := -1
	if raw := req.ValueOr("FILTER_TIMESTEP", FilterAll); raw != FilterAll {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("selection: invalid FILTER_TIMESTEP %q: %w", raw, err)
		}
		singleStep = n
	}

	canonical := s.CanonicalFor(req)
	result := item.NewTrajectorySelection(canonical, traj.GeneratingRequest(), traj.NumTrajectories)

	var referencePressure float32
	haveReference := false
	kept := 0
	for ti := 0; ti < traj.NumTrajectories; ti++ {
		seed := traj.VertexAt(ti, 0)
		if boxActive && !box.contains(seed.Lon, seed.Lat) {
			continue
		}
		if !haveReference {
			referencePressure = seed.Pressure
			haveReference = true
		}
		if !ptFilter.keepsTrajectory(seed.Pressure, referencePressure) {
			continue
		}

		base := int(traj.Meta.StartIndices[ti])
		full := int(traj.Meta.Counts[ti])
		startOffset, count := 0, full
		if singleStep >= 0 {
			if singleStep >= full {
				continue
			}
			startOffset, count = singleStep, 1
		}
		result.StartIndices[kept] = int32(base + startOffset)
		result.Counts[kept] = int32(count)
		kept++
	}
	result.SetNumSelected(kept)
	result.SetReleaseRef(releaseTraj)
	handedOff = true
	return result, nil
}
