// Package normals implements the per-view TrajectoryNormals source (spec
// glossary: "per-vertex unit vectors, view-dependent"), one of the
// orchestrator's per-view sub-requests (spec §4.7, `normalsReq[view]`).
//
// Grounded on original_source/trajectories.cpp (MTrajectoryNormals): a
// vertex-indexed float32x3 array sized and laid out identically to the
// trajectory set it normals, computed once per distinct
// (trajectories, NORMALS_LOGP_SCALED) pair because the view's
// pressure-to-world-z mapping changes where along the tube surface "up"
// points even though the lon/lat path is unchanged.
package normals

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
	"NORMALS_LOGP_SCALED": {},
}

// Source is the per-view trajectory normals source.
type Source struct {
	*datasource.Base
	trajectories datasource.ScheduledDataSource
}

// New constructs a normals source over trajectories, the upstream
// item.Trajectories producer.
func New(ownerID string, trajectories datasource.ScheduledDataSource, ctx *datasource.Context) *Source {
	if trajectories == nil {
		panic("normals: New requires a non-nil trajectories source")
	}
	s := &Source{trajectories: trajectories}
	s.Base = datasource.NewBase(ownerID, localRequiredKeys, []map[string]struct{}{trajectories.RequiredKeys()}, ctx, s.compute, s.buildParents)
	return s
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	return []*task.Task{s.trajectories.BuildTaskGraph(req)}
}

// logPScale converts a pressure value to a world-z coordinate the way a
// view's log-pressure vertical scale does: z = scale*log(pressure) + offset.
// Parsed from NORMALS_LOGP_SCALED as "<scale>/<offset>".
type logPScale struct {
	scale, offset float64
}

func parseLogPScale(raw string) (logPScale, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return logPScale{}, fmt.Errorf("normals: NORMALS_LOGP_SCALED must be \"<scale>/<offset>\", got %q", raw)
	}
	scale, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return logPScale{}, fmt.Errorf("normals: invalid NORMALS_LOGP_SCALED scale %q: %w", parts[0], err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return logPScale{}, fmt.Errorf("normals: invalid NORMALS_LOGP_SCALED offset %q: %w", parts[1], err)
	}
	return logPScale{scale: scale, offset: offset}, nil
}

func (p logPScale) z(pressure float32) float64 {
	pr := float64(pressure)
	if pr <= 0 {
		pr = 1
	}
	return p.scale*math.Log(pr) + p.offset
}

func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	scale, err := parseLogPScale(req.ValueOr("NORMALS_LOGP_SCALED", "1/0"))
	if err != nil {
		return nil, err
	}

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
		return nil, fmt.Errorf("normals: upstream did not produce an item.Trajectories")
	}

	canonical := s.CanonicalFor(req)
	result := item.NewTrajectoryNormals(canonical, traj.GeneratingRequest(), len(traj.Vertices))

	for ti := 0; ti < traj.NumTrajectories; ti++ {
		steps := traj.TimestepsPerTraj
		for step := 0; step < steps; step++ {
			prev, next := step-1, step+1
			if prev < 0 {
				prev = 0
			}
			if next >= steps {
				next = steps - 1
			}
			a, b := traj.VertexAt(ti, prev), traj.VertexAt(ti, next)
			dx := float64(b.Lon - a.Lon)
			dy := float64(b.Lat - a.Lat)
			dz := scale.z(b.Pressure) - scale.z(a.Pressure)

			length := math.Sqrt(dx*dx + dy*dy + dz*dz)
			idx := ti*steps + step
			if length == 0 {
				result.Normals[idx] = item.TrajectoryVertex{}
				continue
			}
			result.Normals[idx] = item.TrajectoryVertex{
				Lon:      float32(dx / length),
				Lat:      float32(dy / length),
				Pressure: float32(dz / length),
			}
		}
	}

	result.SetReleaseRef(releaseTraj)
	handedOff = true
	return result, nil
}
