package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/sgemm-bench/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "host", config.Device.Driver)
		assert.Equal(t, 5, config.Device.MinComputeMajor)
		assert.Equal(t, int64(1<<30), config.Host.MemoryLimit)
		assert.Equal(t, 4, config.Host.Workers)
		assert.Equal(t, "sgemm.cubin", config.Kernel.Module)
		assert.Equal(t, []string{"64", "128"}, config.Kernel.Variants)
		assert.Equal(t, 4, config.Run.Thread64)
		assert.Equal(t, 10, config.Run.Repeat)
		assert.Equal(t, uint64(42), config.Run.Seed)
		assert.Equal(t, "identity", config.Run.Fill)
		assert.Equal(t, 0, config.Oracle.WarmupRuns)
		assert.Equal(t, []string{"NSIGHT_LAUNCHED", "NCU_LAUNCHED"}, config.Oracle.ProfilerEnv)
		assert.Equal(t, "diff.txt", config.Verify.DiffFile)
		assert.Equal(t, 1e-6, config.Verify.Tolerance.Abs)
		assert.Equal(t, "sgemm.prom", config.Metrics.Textfile)
		assert.Equal(t, 256, config.N())
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("run:\n  repeat: 5\n"), 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 5, config.Run.Repeat)
		assert.Equal(t, DefaultThread64, config.Run.Thread64)
		assert.Equal(t, "data.txt", config.Verify.DiffFile)
		assert.Equal(t, 3, config.Oracle.WarmupRuns)
	})

	t.Run("out of range values fall back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("run:\n  thread64: 81\n  repeat: 0\n  printVars: 101\n"), 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultThread64, config.Run.Thread64)
		assert.Equal(t, DefaultRepeat, config.Run.Repeat)
		assert.Equal(t, 0, config.Run.PrintVars)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("empty variants", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("kernel:\n  variants: []\n"), 0o644))

		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "kernel.variants")
	})
}

func TestConfigTemplate(t *testing.T) {
	var config Config
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &config))
	require.NoError(t, config.Validate())
	assert.Equal(t, *Default(), config)
}

func TestApplyArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		thread64  int
		repeat    int
		printVars int
	}{
		{name: "no args", args: nil, thread64: 80, repeat: 1, printVars: 0},
		{name: "all set", args: []string{"4", "10", "3"}, thread64: 4, repeat: 10, printVars: 3},
		{name: "bounds", args: []string{"1", "1000", "100"}, thread64: 1, repeat: 1000, printVars: 100},
		{name: "thread64 too large", args: []string{"81"}, thread64: 80, repeat: 1, printVars: 0},
		{name: "thread64 zero", args: []string{"0"}, thread64: 80, repeat: 1, printVars: 0},
		{name: "repeat too large", args: []string{"2", "1001"}, thread64: 2, repeat: 1, printVars: 0},
		{name: "printVars out of range", args: []string{"2", "3", "101"}, thread64: 2, repeat: 3, printVars: 0},
		{name: "non-numeric", args: []string{"abc", "x", "-"}, thread64: 80, repeat: 1, printVars: 0},
		{name: "negative", args: []string{"-5", "-1", "-1"}, thread64: 80, repeat: 1, printVars: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.ApplyArgs(tt.args)
			assert.Equal(t, tt.thread64, c.Run.Thread64)
			assert.Equal(t, tt.repeat, c.Run.Repeat)
			assert.Equal(t, tt.printVars, c.Run.PrintVars)
			assert.Equal(t, tt.thread64*64, c.N())
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing optional file", func(t *testing.T) {
		assert.NoError(t, LoadEnvFile(filepath.Join(dir, ".env"), false))
	})

	t.Run("missing required file", func(t *testing.T) {
		assert.Error(t, LoadEnvFile(filepath.Join(dir, ".env"), true))
	})

	t.Run("does not override the environment", func(t *testing.T) {
		path := filepath.Join(dir, "test.env")
		require.NoError(t, os.WriteFile(path, []byte("SGEMM_TEST_SET=file\nSGEMM_TEST_NEW=file\n"), 0o644))
		t.Setenv("SGEMM_TEST_SET", "env")
		t.Setenv("SGEMM_TEST_NEW", "")
		require.NoError(t, os.Unsetenv("SGEMM_TEST_NEW"))

		require.NoError(t, LoadEnvFile(path, true))
		assert.Equal(t, "env", os.Getenv("SGEMM_TEST_SET"))
		assert.Equal(t, "file", os.Getenv("SGEMM_TEST_NEW"))
	})
}
