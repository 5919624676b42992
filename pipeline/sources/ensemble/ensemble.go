// Package ensemble implements the ensemble filter data source of spec §4.3:
// MEAN, STDDEV, MIN, MAX, MAX-MIN, and probability-threshold (P>x / P<x)
// reductions over a selected set of ensemble members, computed in a single
// pass per spec's algorithm table, with companion-result handling for
// MEAN/STDDEV and for hybrid-sigma/auxiliary-pressure reference fields.
package ensemble

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/perr"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/task"
)

// Request keys consumed locally by the ensemble filter.
const (
	KeyOperation       = "ENS_OPERATION"
	KeySelectedMembers = "SELECTED_MEMBERS"
)

// Well-known ENS_OPERATION values. P>x / P<x are parsed from their literal
// text (e.g. "P>10", "P<0.5") rather than enumerated, since the threshold is
// part of the value.
const (
	OpMean   = "MEAN"
	OpStdDev = "STDDEV"
	OpMin    = "MIN"
	OpMax    = "MAX"
	OpMaxMin = "MAX-MIN"

	// OpAuxReference marks a companion-field request: the parallel mean of
	// the hybrid-sigma surface-pressure or auxiliary 3D pressure field,
	// computed over the same member selection (spec §4.3).
	OpAuxReference = "MULTIMEMBER_AUX_REFERENCE"
)

// companionVariable names the field a hybrid-sigma or auxiliary-pressure
// result grid depends on. In a full implementation this would come from the
// variable catalog (e.g. each hybrid-sigma variable names its own surface
// pressure field); here it is derived solely from LevelType, which is
// sufficient for the single-model-domain scope of this core.
func companionVariable(lt item.LevelType) string {
	switch lt {
	case item.LevelTypeHybridSigma:
		return "SURFACE_PRESSURE"
	case item.LevelTypeAuxiliaryPressure3D:
		return "AUX_PRESSURE_3D"
	default:
		return ""
	}
}

// Source is the ensemble filter: a ScheduledDataSource whose parents are one
// grid-reader task per selected member.
type Source struct {
	*datasource.Base
	members datasource.ScheduledDataSource
}

// New constructs an ensemble filter reading individual member grids from
// members (typically a pipeline/sources/gridreader.Source, but any
// ScheduledDataSource producing *item.StructuredGrid per MEMBER works —
// including another ensemble filter or a pass-through chain).
func New(ownerID string, members datasource.ScheduledDataSource, ctx *datasource.Context) *Source {
	s := &Source{members: members}

	local := map[string]struct{}{KeyOperation: {}, KeySelectedMembers: {}}
	upstream := make(map[string]struct{})
	for k := range members.RequiredKeys() {
		if k == "MEMBER" {
			continue // MEMBER is fixed per-parent, not part of the ensemble's own identity
		}
		upstream[k] = struct{}{}
	}

	s.Base = datasource.NewBase(ownerID, local, []map[string]struct{}{upstream}, ctx, s.compute, s.buildParents)
	return s
}

func sortedMembers(set map[uint]struct{}) []uint {
	out := make([]uint, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func memberRequest(req *request.Request, member uint) *request.Request {
	return req.Clone().Remove(KeyOperation).Remove(KeySelectedMembers).InsertInt("MEMBER", int64(member))
}

func (s *Source) buildParents(req *request.Request) []*task.Task {
	members := sortedMembers(req.UintSet(KeySelectedMembers))
	parents := make([]*task.Task, 0, len(members))
	for _, m := range members {
		parents = append(parents, s.members.BuildTaskGraph(memberRequest(req, m)))
	}
	return parents
}

// compute implements the single-pass algorithms of spec §4.3's operation
// table, fetching each selected member's grid (already produced by the
// scheduler's parent tasks, so this is a cache hit) and releasing its
// reference once the pass completes.
func (s *Source) compute(req *request.Request) (item.DataItem, error) {
	opRaw, ok := req.Value(KeyOperation)
	if !ok {
		return nil, &perr.BadRequest{Request: req.Canonical(), MissingKeys: []string{KeyOperation}, RequiringSrc: s.OwnerID()}
	}
	members := sortedMembers(req.UintSet(KeySelectedMembers))
	if len(members) == 0 {
		return nil, &perr.ValueError{Key: KeySelectedMembers, Value: "", Why: "must name at least one ensemble member"}
	}

	grids := make([]*item.StructuredGrid, 0, len(members))
	for _, m := range members {
		it, err := s.members.Get(memberRequest(req, m))
		if err != nil {
			return nil, err
		}
		g, ok := it.(*item.StructuredGrid)
		if !ok {
			return nil, &perr.ValueError{Key: "VARIABLE", Value: opRaw, Why: "upstream source did not produce a StructuredGrid"}
		}
		grids = append(grids, g)
	}
	defer func() {
		for _, g := range grids {
			s.members.Release(g)
		}
	}()

	result, err := s.reduce(req, opRaw, members, grids)
	if err != nil {
		return nil, err
	}

	if grids[0].NeedsCompanion() {
		companionReq, err := s.resolveCompanion(req, members, grids[0].LevelType)
		if err != nil {
			return nil, err
		}
		result.CompanionRequest = companionReq
		host := s.Context().Host
		result.SetReleaseRef(func() { _ = host.Release(s, companionReq) })
	}

	result.Finalize()
	return result, nil
}

// resolveCompanion implements spec §4.3's companion-field rule: reuse an
// already-cached MULTIMEMBER_AUX_REFERENCE grid for this selection, or
// compute it as a parallel mean and store it under its own request *before*
// returning — so a consumer of the dependent grid can always resolve its
// CompanionRequest. The dependent's reference on the companion is taken here
// and wired to release when the dependent is itself destroyed (spec §3,
// "Companion references... held for the full lifetime of the dependent
// grid").
func (s *Source) resolveCompanion(req *request.Request, members []uint, lt item.LevelType) (string, error) {
	companionVar := companionVariable(lt)
	companionReq := req.Clone().Insert("VARIABLE", companionVar).Insert(KeyOperation, OpAuxReference)
	companionCanonical := s.CanonicalFor(companionReq)

	host := s.Context().Host

	// A single Contains call both checks for and, on a hit, takes the
	// dependent's live reference (spec §4.2: Contains increments refcount).
	// That one reference is what compute wires SetReleaseRef to drop, so it
	// must be taken exactly once whichever branch runs below.
	if host.Contains(s, companionCanonical) {
		return companionCanonical, nil
	}

	grids := make([]*item.StructuredGrid, 0, len(members))
	for _, m := range members {
		mreq := companionReq.Clone().Remove(KeyOperation).Remove(KeySelectedMembers).InsertInt("MEMBER", int64(m))
		it, err := s.members.Get(mreq)
		if err != nil {
			return "", err
		}
		g, ok := it.(*item.StructuredGrid)
		if !ok {
			return "", &perr.ValueError{Key: "VARIABLE", Value: companionVar, Why: "companion member source did not produce a StructuredGrid"}
		}
		grids = append(grids, g)
	}
	// The companion is always a mean; welfordMeanStdDev's stddev half is
	// computed but discarded under a throwaway key — cheaper than a
	// mean-only pass given how few cells a companion pressure field has.
	companionGrid, _, err := welfordMeanStdDev(companionCanonical, companionCanonical+"#stddev", companionVar, grids)
	for _, g := range grids {
		s.members.Release(g)
	}
	if err != nil {
		return "", err
	}
	companionGrid.Finalize()
	// Store sets the fresh entry's refcount to 1 — that is the dependent's
	// reference; no separate Contains call is needed to "take" it.
	if _, err := host.Store(s, companionCanonical, companionGrid); err != nil {
		return "", err
	}
	return companionCanonical, nil
}

func (s *Source) reduce(req *request.Request, opRaw string, members []uint, grids []*item.StructuredGrid) (*item.StructuredGrid, error) {
	base := grids[0]
	canonical := s.CanonicalFor(req)

	switch {
	case opRaw == OpMean || opRaw == OpStdDev:
		meanCanonical := s.CanonicalFor(req.Clone().Insert(KeyOperation, OpMean))
		stddevCanonical := s.CanonicalFor(req.Clone().Insert(KeyOperation, OpStdDev))
		mean, stddev, err := welfordMeanStdDev(meanCanonical, stddevCanonical, base.Variable, grids)
		if err != nil {
			return nil, err
		}

		result, companion, companionCanonical := mean, stddev, stddevCanonical
		if opRaw == OpStdDev {
			result, companion, companionCanonical = stddev, mean, meanCanonical
		}
		if _, err := s.Context().Host.Store(s, companionCanonical, companion); err != nil {
			return nil, err
		}
		return result, nil

	case opRaw == OpMin || opRaw == OpMax || opRaw == OpMaxMin:
		return minMaxMaxMin(canonical, opRaw, members, grids)

	case strings.HasPrefix(opRaw, "P>") || strings.HasPrefix(opRaw, "P<"):
		return probabilityThreshold(canonical, opRaw, members, grids)

	default:
		return nil, &perr.ValueError{Key: KeyOperation, Value: opRaw, Why: "unrecognized ensemble operation"}
	}
}

// welfordMeanStdDev computes MEAN and STDDEV in a single pass using
// Welford's incremental algorithm (spec §4.3 algorithm table), iterating
// members in the fixed sorted order so the result is deterministic and
// matches the "bitwise identical... up to floating-point associativity"
// testable property of spec §8.
func welfordMeanStdDev(meanCanonical, stddevCanonical, variable string, grids []*item.StructuredGrid) (mean, stddev *item.StructuredGrid, err error) {
	base := grids[0]
	mean = item.NewStructuredGrid(meanCanonical, variable, base.LevelType, base.NLons, base.NLats, base.NLevs)
	stddev = item.NewStructuredGrid(stddevCanonical, variable, base.LevelType, base.NLons, base.NLats, base.NLevs)
	copyGridCoords(mean, base)
	copyGridCoords(stddev, base)

	n := len(mean.Data)
	for cell := 0; cell < n; cell++ {
		var count int
		var m, m2 float64
		for _, g := range grids {
			v := g.Data[cell]
			if v == item.MissingValue {
				continue
			}
			count++
			delta := float64(v) - m
			m += delta / float64(count)
			delta2 := float64(v) - m
			m2 += delta * delta2
		}
		if count == 0 {
			mean.Data[cell] = item.MissingValue
			stddev.Data[cell] = item.MissingValue
			continue
		}
		mean.Data[cell] = float32(m)
		if count < 2 {
			stddev.Data[cell] = item.MissingValue
		} else {
			stddev.Data[cell] = float32(math.Sqrt(m2 / float64(count-1)))
		}
	}
	return mean, stddev, nil
}

func minMaxMaxMin(canonical, op string, members []uint, grids []*item.StructuredGrid) (*item.StructuredGrid, error) {
	base := grids[0]
	result := item.NewStructuredGrid(canonical, base.Variable, base.LevelType, base.NLons, base.NLats, base.NLevs)
	copyGridCoords(result, base)
	result.Bitmap = item.NewMemberBitmap(len(result.Data))

	for cell := 0; cell < len(result.Data); cell++ {
		var (
			haveValid      bool
			minVal, maxVal float32
			minMember      uint
			maxMember      uint
		)
		for i, g := range grids {
			v := g.Data[cell]
			if v == item.MissingValue {
				continue
			}
			member := members[i]
			if !haveValid {
				minVal, maxVal = v, v
				minMember, maxMember = member, member
				haveValid = true
				continue
			}
			if v < minVal {
				minVal, minMember = v, member
			}
			if v > maxVal {
				maxVal, maxMember = v, member
			}
		}
		if !haveValid {
			result.Data[cell] = item.MissingValue
			continue
		}
		switch op {
		case OpMin:
			result.Data[cell] = minVal
			result.Bitmap.Set(cell, minMember)
		case OpMax:
			result.Data[cell] = maxVal
			result.Bitmap.Set(cell, maxMember)
		case OpMaxMin:
			result.Data[cell] = maxVal - minVal
			result.Bitmap.Set(cell, minMember)
			result.Bitmap.Set(cell, maxMember)
		}
	}
	return result, nil
}

func probabilityThreshold(canonical, op string, members []uint, grids []*item.StructuredGrid) (*item.StructuredGrid, error) {
	base := grids[0]
	greater := strings.HasPrefix(op, "P>")
	thresholdStr := strings.TrimPrefix(strings.TrimPrefix(op, "P>"), "P<")
	threshold, err := strconv.ParseFloat(thresholdStr, 32)
	if err != nil {
		return nil, &perr.ValueError{Key: KeyOperation, Value: op, Why: fmt.Sprintf("threshold is not a number: %v", err)}
	}

	result := item.NewStructuredGrid(canonical, base.Variable, base.LevelType, base.NLons, base.NLats, base.NLevs)
	copyGridCoords(result, base)
	result.Bitmap = item.NewMemberBitmap(len(result.Data))

	for cell := 0; cell < len(result.Data); cell++ {
		var validCount, satisfied int
		for i, g := range grids {
			v := g.Data[cell]
			if v == item.MissingValue {
				continue
			}
			validCount++
			hit := false
			if greater {
				hit = float64(v) > threshold
			} else {
				hit = float64(v) < threshold
			}
			if hit {
				satisfied++
				result.Bitmap.Set(cell, members[i])
			}
		}
		if validCount == 0 {
			result.Data[cell] = item.MissingValue
			continue
		}
		result.Data[cell] = float32(satisfied) / float32(validCount)
	}
	return result, nil
}

func copyGridCoords(dst, src *item.StructuredGrid) {
	dst.Lons = append([]float64(nil), src.Lons...)
	dst.Lats = append([]float64(nil), src.Lats...)
	dst.Levels = append([]float64(nil), src.Levels...)
}
