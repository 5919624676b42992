package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metcore/viz3d-core/pipeline/item"
)

func sampleTrajectories() *item.Trajectories {
	t := item.NewTrajectories("traj", 2, 3)
	t.Timestamps = []int64{0, 3600, 7200}
	for ti := 0; ti < 2; ti++ {
		for step := 0; step < 3; step++ {
			t.Vertices[ti*3+step] = item.TrajectoryVertex{
				Lon:      float32(ti*10 + step),
				Lat:      float32(step),
				Pressure: float32(900 - step*10),
			}
		}
	}
	t.AuxVars["TEMPERATURE"] = make([]float32, 6)
	for i := range t.AuxVars["TEMPERATURE"] {
		t.AuxVars["TEMPERATURE"][i] = float32(i) + 0.5
	}
	t.Finalize()
	return t
}

func TestWriteFullTrajectoriesHeaderAndBlocks(t *testing.T) {
	traj := sampleTrajectories()
	var buf strings.Builder
	require.NoError(t, Write(&buf, traj, nil))

	out := buf.String()
	assert.Contains(t, out, "Reference date 19700101_0000 / Time range     120 min")
	assert.Contains(t, out, "time [h]")
	assert.Contains(t, out, "TEMPERATURE")

	// 2 trajectories x 3 time steps = 6 data lines, each starting with the
	// leading-space column format.
	dataLineCount := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, " 0.00") || strings.HasPrefix(line, " 1.00") || strings.HasPrefix(line, " 2.00") {
			dataLineCount++
		}
	}
	assert.Equal(t, 6, dataLineCount)
}

func TestWriteRespectsSelection(t *testing.T) {
	traj := sampleTrajectories()
	sel := item.NewTrajectorySelection("sel", traj.GeneratingRequest(), 2)
	// Select only the last time step of trajectory 0.
	sel.StartIndices[0] = 2
	sel.Counts[0] = 1
	sel.SetNumSelected(1)

	var buf strings.Builder
	require.NoError(t, Write(&buf, traj, sel))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	dataLines := lines[len(lines)-1:]
	assert.Contains(t, dataLines[0], "2.00")
}
