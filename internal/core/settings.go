package core

import (
	"math"
	"time"

	"replinet/internal/config"
)

// Settings are the runtime tunables, with every duration in microseconds.
type Settings struct {
	BasePeriod     uint64
	ReductionCores int
	TimeCores      int

	MdlInertiaSRThr  float64
	MdlInertiaCntThr float64

	MinSimTimeHorizon uint64
	MaxSimTimeHorizon uint64
	SimTimeHorizon    float64

	PrimaryTHZ   uint64
	SecondaryTHZ uint64

	FloatTolerance float64
	TimeTolerance  uint64

	NotificationResilience float64
	GoalPredSuccessRes     float64
}

// DefaultSettings mirrors config.DefaultConfig.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.DefaultConfig())
}

func micros(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

// SettingsFromConfig converts the YAML configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	minSim, maxSim := cfg.GetSimulationHorizons()
	s := Settings{
		BasePeriod:             micros(cfg.GetBasePeriod()),
		ReductionCores:         cfg.Runtime.ReductionCores,
		TimeCores:              cfg.Runtime.TimeCores,
		MdlInertiaSRThr:        cfg.Models.InertiaSuccessRate,
		MdlInertiaCntThr:       float64(cfg.Models.InertiaCount),
		MinSimTimeHorizon:      micros(minSim),
		MaxSimTimeHorizon:      micros(maxSim),
		SimTimeHorizon:         cfg.Simulation.HorizonFactor,
		PrimaryTHZ:             micros(cfg.GetPrimaryTHZ()),
		SecondaryTHZ:           micros(cfg.GetSecondaryTHZ()),
		FloatTolerance:         cfg.Tolerances.Float,
		TimeTolerance:          micros(cfg.GetTimeTolerance()),
		NotificationResilience: float64(cfg.Resilience.Notification),
		GoalPredSuccessRes:     float64(cfg.Resilience.GoalPredSuccess),
	}
	if s.BasePeriod == 0 {
		s.BasePeriod = 50_000
	}
	if s.ReductionCores <= 0 {
		s.ReductionCores = 1
	}
	if s.TimeCores <= 0 {
		s.TimeCores = 1
	}
	return s
}

// simTimeHorizon scales a time span to the share granted to simulation.
func (s Settings) simTimeHorizon(span uint64) uint64 {
	return uint64(float64(span) * s.SimTimeHorizon)
}

// getSimTHZ returns the simulation budget available before deadline.
func (s Settings) getSimTHZ(now, deadline uint64) uint64 {
	if deadline <= now {
		return 0
	}
	thz := s.simTimeHorizon(deadline - now)
	if thz <= s.MinSimTimeHorizon {
		return 0
	}
	thz -= s.MinSimTimeHorizon
	if thz > s.MaxSimTimeHorizon {
		return s.MaxSimTimeHorizon
	}
	return thz
}

// goalPredSuccessRes is the resilience, in upr periods of host, of success
// objects for outcomes that should live ttl microseconds.
func (s Settings) goalPredSuccessRes(host *Group, ttl uint64) float64 {
	if ttl == 0 {
		return s.GoalPredSuccessRes
	}
	upr := host.upr()
	if upr == 0 {
		return 1
	}
	return math.Ceil(float64(ttl) / (upr * float64(s.BasePeriod)))
}

// Clock reports the current time in microseconds.
type Clock interface {
	Now() uint64
}

type systemClock struct{}

func (systemClock) Now() uint64 { return uint64(time.Now().UnixMicro()) }
