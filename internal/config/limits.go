package config

import (
	"fmt"
	"time"
)

// RuntimeConfig sizes the worker pools and sets the base tick period.
type RuntimeConfig struct {
	BasePeriod     string `yaml:"base_period"`     // duration of one upr unit
	ReductionCores int    `yaml:"reduction_cores"` // goroutines consuming reduction jobs
	TimeCores      int    `yaml:"time_cores"`      // goroutines consuming time jobs
}

// ValidateRuntime checks that pool sizes and the tick period are usable.
func (c *Config) ValidateRuntime() error {
	if c.Runtime.ReductionCores < 1 {
		return fmt.Errorf("runtime.reduction_cores must be >= 1")
	}
	if c.Runtime.TimeCores < 1 {
		return fmt.Errorf("runtime.time_cores must be >= 1")
	}
	if _, err := time.ParseDuration(c.Runtime.BasePeriod); err != nil {
		return fmt.Errorf("runtime.base_period: %w", err)
	}
	if c.GetBasePeriod() < time.Millisecond {
		return fmt.Errorf("runtime.base_period must be >= 1ms")
	}
	return nil
}
