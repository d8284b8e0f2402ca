package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("pool sizes", func(t *testing.T) {
		t.Setenv("RMEM_REDUCTION_CORES", "3")
		t.Setenv("RMEM_TIME_CORES", "1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 3, cfg.Runtime.ReductionCores)
		assert.Equal(t, 1, cfg.Runtime.TimeCores)
	})

	t.Run("non numeric core count is ignored", func(t *testing.T) {
		t.Setenv("RMEM_REDUCTION_CORES", "many")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 6, cfg.Runtime.ReductionCores)
	})

	t.Run("base period and db path", func(t *testing.T) {
		t.Setenv("RMEM_BASE_PERIOD", "20ms")
		t.Setenv("RMEM_DB", "/tmp/x.db")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "20ms", cfg.Runtime.BasePeriod)
		assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	})
}
