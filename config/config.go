// Package config persists the per-actor display/computation settings of
// spec §6 ("Persisted configuration") through github.com/spf13/viper,
// one viper key section per actor instead of the package-level global
// viper instance common in CLI tooling — a running process can host
// several independently configured trajectory actors at once, so the
// section must be an explicit parameter rather than implicit global state
// (spec §9, "Global mutable state").
//
// Grounded on original_source/trajectoryactor.cpp's QtProperties-backed
// persistence (loadConfiguration/saveConfiguration): a flat key/value
// section per actor, with a repeated numbered block for the seed actors a
// trajectory actor computes from (computationSeedActorName{i},
// …StepSizeLon{i}, …StepSizeLat{i}, …PressureLevels{i}).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SeedActorConfig is one entry of the repeated per-seed-actor block.
type SeedActorConfig struct {
	Name           string
	StepSizeLon    float64
	StepSizeLat    float64
	PressureLevels string // slash-joined, matching SEED_PRESSURE_LEVELS
}

// ActorConfig is the persisted settings of one trajectory actor: data
// source selection, render/sync flags, every filter and computation
// parameter a DataSource request can carry, and the repeated seed block.
type ActorConfig struct {
	DataSourceID    string
	RenderMode      string
	RenderColorMode string

	SyncWithEnsembleMember bool
	SyncWithTimeStep       bool

	FilterBBox           string
	FilterPressureTime   string
	FilterTimestep       string
	TransferFunctionName string

	MultiVariableEnabled bool
	MultiVarLogPScaled   string

	LineType                    string
	IntegrationMethod           string
	InterpolationMethod         string
	SubtimestepsPerDataTimestep int
	StreamlineDeltaS            float64
	StreamlineLength            int
	SeedType                    string
	SeedMinPosition             string
	SeedMaxPosition             string

	SeedActors []SeedActorConfig
}

func key(section, name string) string {
	if section == "" {
		return name
	}
	return section + "." + name
}

func seedKey(section, name string, i int) string {
	return key(section, fmt.Sprintf("%s%d", name, i))
}

// Save writes cfg into v under section (e.g. "actors.traj0"), overwriting
// any prior values there. v is not written to disk; call v.WriteConfig or
// v.WriteConfigAs separately once every actor section has been saved.
func Save(v *viper.Viper, section string, cfg *ActorConfig) {
	v.Set(key(section, "dataSourceID"), cfg.DataSourceID)
	v.Set(key(section, "renderMode"), cfg.RenderMode)
	v.Set(key(section, "renderColorMode"), cfg.RenderColorMode)

	v.Set(key(section, "syncWithEnsembleMember"), cfg.SyncWithEnsembleMember)
	v.Set(key(section, "syncWithTimeStep"), cfg.SyncWithTimeStep)

	v.Set(key(section, "filterBBox"), cfg.FilterBBox)
	v.Set(key(section, "filterPressureTime"), cfg.FilterPressureTime)
	v.Set(key(section, "filterTimestep"), cfg.FilterTimestep)
	v.Set(key(section, "transferFunctionName"), cfg.TransferFunctionName)

	v.Set(key(section, "multiVariableEnabled"), cfg.MultiVariableEnabled)
	v.Set(key(section, "multiVarLogPScaled"), cfg.MultiVarLogPScaled)

	v.Set(key(section, "lineType"), cfg.LineType)
	v.Set(key(section, "integrationMethod"), cfg.IntegrationMethod)
	v.Set(key(section, "interpolationMethod"), cfg.InterpolationMethod)
	v.Set(key(section, "subtimestepsPerDataTimestep"), cfg.SubtimestepsPerDataTimestep)
	v.Set(key(section, "streamlineDeltaS"), cfg.StreamlineDeltaS)
	v.Set(key(section, "streamlineLength"), cfg.StreamlineLength)
	v.Set(key(section, "seedType"), cfg.SeedType)
	v.Set(key(section, "seedMinPosition"), cfg.SeedMinPosition)
	v.Set(key(section, "seedMaxPosition"), cfg.SeedMaxPosition)

	v.Set(key(section, "numSeedActors"), len(cfg.SeedActors))
	for i, s := range cfg.SeedActors {
		v.Set(seedKey(section, "computationSeedActorName", i), s.Name)
		v.Set(seedKey(section, "computationSeedActorStepSizeLon", i), s.StepSizeLon)
		v.Set(seedKey(section, "computationSeedActorStepSizeLat", i), s.StepSizeLat)
		v.Set(seedKey(section, "computationSeedActorPressureLevels", i), s.PressureLevels)
	}
}

// Load reconstructs an ActorConfig from v's section. Missing keys resolve to
// their zero value rather than an error, the same tolerant-default
// convention viper applies throughout the pack.
func Load(v *viper.Viper, section string) *ActorConfig {
	cfg := &ActorConfig{
		DataSourceID:    v.GetString(key(section, "dataSourceID")),
		RenderMode:      v.GetString(key(section, "renderMode")),
		RenderColorMode: v.GetString(key(section, "renderColorMode")),

		SyncWithEnsembleMember: v.GetBool(key(section, "syncWithEnsembleMember")),
		SyncWithTimeStep:       v.GetBool(key(section, "syncWithTimeStep")),

		FilterBBox:           v.GetString(key(section, "filterBBox")),
		FilterPressureTime:   v.GetString(key(section, "filterPressureTime")),
		FilterTimestep:       v.GetString(key(section, "filterTimestep")),
		TransferFunctionName: v.GetString(key(section, "transferFunctionName")),

		MultiVariableEnabled: v.GetBool(key(section, "multiVariableEnabled")),
		MultiVarLogPScaled:   v.GetString(key(section, "multiVarLogPScaled")),

		LineType:                    v.GetString(key(section, "lineType")),
		IntegrationMethod:           v.GetString(key(section, "integrationMethod")),
		InterpolationMethod:         v.GetString(key(section, "interpolationMethod")),
		SubtimestepsPerDataTimestep: v.GetInt(key(section, "subtimestepsPerDataTimestep")),
		StreamlineDeltaS:            v.GetFloat64(key(section, "streamlineDeltaS")),
		StreamlineLength:            v.GetInt(key(section, "streamlineLength")),
		SeedType:                    v.GetString(key(section, "seedType")),
		SeedMinPosition:             v.GetString(key(section, "seedMinPosition")),
		SeedMaxPosition:             v.GetString(key(section, "seedMaxPosition")),
	}

	n := v.GetInt(key(section, "numSeedActors"))
	cfg.SeedActors = make([]SeedActorConfig, n)
	for i := 0; i < n; i++ {
		cfg.SeedActors[i] = SeedActorConfig{
			Name:           v.GetString(seedKey(section, "computationSeedActorName", i)),
			StepSizeLon:    v.GetFloat64(seedKey(section, "computationSeedActorStepSizeLon", i)),
			StepSizeLat:    v.GetFloat64(seedKey(section, "computationSeedActorStepSizeLat", i)),
			PressureLevels: v.GetString(seedKey(section, "computationSeedActorPressureLevels", i)),
		}
	}
	return cfg
}
