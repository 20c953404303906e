package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "concurrent", cfg.Run.Strategy)
	assert.Equal(t, 10*time.Second, cfg.Run.InitWait)
	assert.Equal(t, "127.0.0.1:27182", cfg.Distributed.Address)
	assert.Equal(t, "memory", cfg.Sink.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "engine.yaml")
	configContent := `
run:
  strategy: distributed
  workers: 3
  init_wait: 2s
distributed:
  address: "127.0.0.1:4000"
sink:
  driver: sqlite
  path: /tmp/results.db
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "distributed", cfg.Run.Strategy)
	assert.Equal(t, 3, cfg.Run.Workers)
	assert.Equal(t, 2*time.Second, cfg.Run.InitWait)
	assert.Equal(t, "127.0.0.1:4000", cfg.Distributed.Address)
	assert.Equal(t, "sqlite", cfg.Sink.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Second, cfg.Distributed.DialTimeout)
}

func TestLoadFromTOMLFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "engine.toml")
	configContent := `
[run]
strategy = "sync"
workers = 2

[sink]
driver = "memory"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "sync", cfg.Run.Strategy)
	assert.Equal(t, 2, cfg.Run.Workers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SE_RUN_WORKERS", "7")
	t.Setenv("SE_DIST_DIAL_TIMEOUT", "3s")
	t.Setenv("SE_LOG_LEVEL", "warn")
	t.Setenv("SE_STATUS_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Run.Workers)
	assert.Equal(t, 3*time.Second, cfg.Distributed.DialTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Status.Enabled)
}

func TestEnvInvalidValue(t *testing.T) {
	t.Setenv("SE_RUN_WORKERS", "many")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestCmdArgsWinOverEnv(t *testing.T) {
	t.Setenv("SE_RUN_STRATEGY", "sync")

	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"run.strategy":                   "distributed",
		"distributed.compress_threshold": "0",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, "distributed", cfg.Run.Strategy)
	assert.Equal(t, 0, cfg.Distributed.CompressThreshold)

	_, err = NewLoader().WithCmdArgs(map[string]string{"run.nope": "1"}).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.Strategy = "parallel"
	cfg.Sink.Driver = "sqlite"
	cfg.Logging.Output = "file"

	err := cfg.Validate()
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"run.strategy", "sink.path", "logging.file_path"}, fields)
}

func TestConfigRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("config round-trip preserves data", prop.ForAll(
		func(strategy string, workers int, waitSec int, threshold int) bool {
			cfg := DefaultConfig()
			cfg.Run.Strategy = strategy
			cfg.Run.Workers = workers
			cfg.Run.InitWait = time.Duration(waitSec) * time.Second
			cfg.Distributed.CompressThreshold = threshold

			data, err := cfg.Serialize()
			if err != nil {
				return false
			}
			parsed, err := ParseConfig(data)
			if err != nil {
				return false
			}
			return parsed.Run == cfg.Run && parsed.Distributed == cfg.Distributed
		},
		gen.OneConstOf("sync", "concurrent", "distributed"),
		gen.IntRange(0, 64),
		gen.IntRange(0, 60),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
