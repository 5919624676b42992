// Package export writes trajectory data to the LAGRANTO-2 ASCII text format
// (spec §6), a one-shot, cache-independent dump consumed by external
// trajectory-analysis tooling — not part of the request/cache pipeline at
// all, the same "write the whole thing out in one call" shape as the
// original's outputAsLagrantoASCIIFile.
//
// Grounded on original_source/trajectoryactor.cpp's
// outputAsLagrantoASCIIFile: the reference-date/time-range header line, the
// fixed time/lon/lat/p columns followed by one column per auxiliary
// variable, and one blank-line-terminated block per trajectory. Auxiliary
// variable columns are written in ascending name order, so the output does
// not depend on map iteration order.
package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/metcore/viz3d-core/pipeline/item"
)

const timeLayout = "20060102_1504"

// Write renders t to w in LAGRANTO-2 ASCII form. If sel is non-nil, only the
// trajectories/time ranges sel selects are written (spec §4.7's
// "singleTimeSelectionReq"/"selectionReq" sub-requests feed directly into an
// export of exactly what's currently displayed); if sel is nil, every
// trajectory and time step in t is written.
func Write(w io.Writer, t *item.Trajectories, sel *item.TrajectorySelection) error {
	if t.TimestepsPerTraj == 0 {
		return fmt.Errorf("export: trajectories has zero time steps")
	}
	if len(t.Timestamps) == 0 {
		return fmt.Errorf("export: trajectories has no timestamps")
	}

	referenceTime := time.Unix(t.Timestamps[0], 0).UTC()
	rangeMinutes := float64(t.Timestamps[len(t.Timestamps)-1]-t.Timestamps[0]) / 60.0

	if _, err := fmt.Fprintf(w, "Reference date %s / Time range %7.0f min\n\n",
		referenceTime.Format(timeLayout), rangeMinutes); err != nil {
		return err
	}

	auxNames := sortedAuxNames(t.AuxVars)
	if err := writeColumnHeader(w, auxNames); err != nil {
		return err
	}

	ranges := selectionRanges(t, sel)
	for _, r := range ranges {
		if err := writeBlock(w, t, auxNames, referenceTime, r); err != nil {
			return err
		}
	}
	return nil
}

// vertexRange is a contiguous run of global vertex indices belonging to one
// trajectory, the same (start, count) shape item.TrajectorySelection carries.
type vertexRange struct {
	start, count int
}

func selectionRanges(t *item.Trajectories, sel *item.TrajectorySelection) []vertexRange {
	if sel == nil {
		ranges := make([]vertexRange, t.NumTrajectories)
		for i := range ranges {
			ranges[i] = vertexRange{start: int(t.Meta.StartIndices[i]), count: int(t.Meta.Counts[i])}
		}
		return ranges
	}
	ranges := make([]vertexRange, sel.NumSelected)
	for i := 0; i < sel.NumSelected; i++ {
		ranges[i] = vertexRange{start: int(sel.StartIndices[i]), count: int(sel.Counts[i])}
	}
	return ranges
}

func sortedAuxNames(auxVars map[string][]float32) []string {
	names := make([]string, 0, len(auxVars))
	for name := range auxVars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeColumnHeader(w io.Writer, auxNames []string) error {
	if _, err := fmt.Fprintf(w, " %-10s  %-10s  %-10s  %-10s", "time [h]", "lon", "lat", "p"); err != nil {
		return err
	}
	for _, name := range auxNames {
		if _, err := fmt.Fprintf(w, "  %-10s", name); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	underline := "----------------------------------------------------"
	for range auxNames {
		underline += "----------------------"
	}
	_, err := fmt.Fprintf(w, " %s\n\n", underline)
	return err
}

func writeBlock(w io.Writer, t *item.Trajectories, auxNames []string, referenceTime time.Time, r vertexRange) error {
	for j := 0; j < r.count; j++ {
		vertexIndex := r.start + j
		step := vertexIndex % t.TimestepsPerTraj
		v := t.Vertices[vertexIndex]

		hoursFromStart := float64(t.Timestamps[step]-t.Timestamps[0]) / 3600.0
		if _, err := fmt.Fprintf(w, " %-10.2f  %-10.4g  %-10.4g  %-10.4g",
			hoursFromStart, v.Lon, v.Lat, v.Pressure); err != nil {
			return err
		}
		for _, name := range auxNames {
			value := float32(0)
			if values := t.AuxVars[name]; vertexIndex < len(values) {
				value = values[vertexIndex]
			}
			if _, err := fmt.Fprintf(w, "  %-10.4g", value); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return nil
}
