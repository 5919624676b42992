package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTripsActorConfig(t *testing.T) {
	cfg := &ActorConfig{
		DataSourceID:           "ECMWF_ENS",
		RenderMode:             "TUBES",
		RenderColorMode:        "TRANSFER_FUNCTION",
		SyncWithEnsembleMember: true,
		SyncWithTimeStep:       false,
		FilterBBox:             "-10/30/20/60",
		FilterPressureTime:     "50/6",
		FilterTimestep:         "ALL",
		TransferFunctionName:   "temperature_cmap",
		MultiVariableEnabled:   true,
		MultiVarLogPScaled:     "1/0/TUBE/8",
		LineType:               "PATH_LINE",
		IntegrationMethod:      "RUNGE_KUTTA",
		InterpolationMethod:    "LINEAR",
		SubtimestepsPerDataTimestep: 2,
		StreamlineDeltaS:       0.5,
		StreamlineLength:       10,
		SeedType:               "HORIZONTAL_BOX",
		SeedMinPosition:        "-5/40",
		SeedMaxPosition:        "5/50",
		SeedActors: []SeedActorConfig{
			{Name: "box1", StepSizeLon: 0.5, StepSizeLat: 0.5, PressureLevels: "850/700/500"},
			{Name: "box2", StepSizeLon: 1, StepSizeLat: 1, PressureLevels: "300"},
		},
	}

	v := viper.New()
	Save(v, "actors.traj0", cfg)

	loaded := Load(v, "actors.traj0")
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingSectionReturnsZeroValues(t *testing.T) {
	v := viper.New()
	loaded := Load(v, "actors.nonexistent")
	require.NotNil(t, loaded)
	assert.Empty(t, loaded.DataSourceID)
	assert.Empty(t, loaded.SeedActors)
}

func TestSaveKeepsSectionsIndependent(t *testing.T) {
	v := viper.New()
	Save(v, "actors.traj0", &ActorConfig{DataSourceID: "A"})
	Save(v, "actors.traj1", &ActorConfig{DataSourceID: "B"})

	assert.Equal(t, "A", Load(v, "actors.traj0").DataSourceID)
	assert.Equal(t, "B", Load(v, "actors.traj1").DataSourceID)
}
