package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Name string `yaml:"name"`

	// Worker pools and tick period
	Runtime RuntimeConfig `yaml:"runtime"`

	// Model rating inertia
	Models ModelConfig `yaml:"models"`

	// Simulation time horizons
	Simulation SimulationConfig `yaml:"simulation"`

	// Requirement and model time horizons
	Horizons HorizonConfig `yaml:"horizons"`

	// Comparison tolerances
	Tolerances ToleranceConfig `yaml:"tolerances"`

	// Resilience given to runtime-produced objects
	Resilience ResilienceConfig `yaml:"resilience"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Snapshot persistence
	Store StoreConfig `yaml:"store"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// ModelConfig configures strength promotion of models.
type ModelConfig struct {
	InertiaSuccessRate float64 `yaml:"inertia_sr_thr"`  // success rate floor for strength
	InertiaCount       int     `yaml:"inertia_cnt_thr"` // instance count floor for strength
}

// SimulationConfig bounds the time allowed to simulations.
type SimulationConfig struct {
	MinHorizon    string  `yaml:"min_time_horizon"`
	MaxHorizon    string  `yaml:"max_time_horizon"`
	HorizonFactor float64 `yaml:"time_horizon"` // fraction of the time left before a goal deadline
}

// HorizonConfig configures requirement evidence and model expiry.
type HorizonConfig struct {
	Primary   string `yaml:"primary_thz"`   // primary models inactive longer than this lose activation
	Secondary string `yaml:"secondary_thz"` // secondary models inactive longer than this are dropped
}

// ToleranceConfig configures approximate comparisons in pattern matching.
type ToleranceConfig struct {
	Float float64 `yaml:"float"`
	Time  string  `yaml:"time"`
}

// ResilienceConfig sets the resilience (in upr periods) of produced objects.
type ResilienceConfig struct {
	Notification    int `yaml:"notification"`
	GoalPredSuccess int `yaml:"goal_pred_success"`
}

// StoreConfig configures the snapshot database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the metrics listener; empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "rmem",

		Runtime: RuntimeConfig{
			BasePeriod:     "50ms",
			ReductionCores: 6,
			TimeCores:      2,
		},

		Models: ModelConfig{
			InertiaSuccessRate: 0.9,
			InertiaCount:       6,
		},

		Simulation: SimulationConfig{
			MinHorizon:    "0s",
			MaxHorizon:    "0s",
			HorizonFactor: 0.3,
		},

		Horizons: HorizonConfig{
			Primary:   "1h",
			Secondary: "2h",
		},

		Tolerances: ToleranceConfig{
			Float: 0.00001,
			Time:  "10ms",
		},

		Resilience: ResilienceConfig{
			Notification:    1,
			GoalPredSuccess: 1000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		Store: StoreConfig{
			Path: filepath.Join(".rmem", "snapshots.db"),
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RMEM_BASE_PERIOD"); v != "" {
		c.Runtime.BasePeriod = v
	}
	if v := os.Getenv("RMEM_REDUCTION_CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.ReductionCores = n
		}
	}
	if v := os.Getenv("RMEM_TIME_CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.TimeCores = n
		}
	}
	if v := os.Getenv("RMEM_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RMEM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetBasePeriod returns the base tick period.
func (c *Config) GetBasePeriod() time.Duration {
	return parseDuration(c.Runtime.BasePeriod, 50*time.Millisecond)
}

// GetSimulationHorizons returns min and max simulation time horizons.
func (c *Config) GetSimulationHorizons() (time.Duration, time.Duration) {
	return parseDuration(c.Simulation.MinHorizon, 0), parseDuration(c.Simulation.MaxHorizon, 0)
}

// GetPrimaryTHZ returns the primary model time horizon.
func (c *Config) GetPrimaryTHZ() time.Duration {
	return parseDuration(c.Horizons.Primary, time.Hour)
}

// GetSecondaryTHZ returns the secondary model time horizon.
func (c *Config) GetSecondaryTHZ() time.Duration {
	return parseDuration(c.Horizons.Secondary, 2*time.Hour)
}

// GetTimeTolerance returns the time comparison tolerance.
func (c *Config) GetTimeTolerance() time.Duration {
	return parseDuration(c.Tolerances.Time, 10*time.Millisecond)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.ValidateRuntime(); err != nil {
		return err
	}
	if c.Models.InertiaSuccessRate <= 0 || c.Models.InertiaSuccessRate > 1 {
		return fmt.Errorf("models.inertia_sr_thr must be in (0,1], got %v", c.Models.InertiaSuccessRate)
	}
	if c.Models.InertiaCount < 1 {
		return fmt.Errorf("models.inertia_cnt_thr must be >= 1")
	}
	if c.Simulation.HorizonFactor < 0 || c.Simulation.HorizonFactor > 1 {
		return fmt.Errorf("simulation.time_horizon must be in [0,1], got %v", c.Simulation.HorizonFactor)
	}
	minH, maxH := c.GetSimulationHorizons()
	if maxH != 0 && minH > maxH {
		return fmt.Errorf("simulation.min_time_horizon (%v) exceeds max_time_horizon (%v)", minH, maxH)
	}
	if c.Tolerances.Float < 0 {
		return fmt.Errorf("tolerances.float must be >= 0")
	}
	if c.Resilience.Notification < 1 || c.Resilience.GoalPredSuccess < 1 {
		return fmt.Errorf("resilience values must be >= 1")
	}
	return nil
}
