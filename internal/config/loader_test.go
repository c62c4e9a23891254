package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeOptions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		opts, err := Load("", zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 60, opts.PollIntervalSeconds)
		assert.Equal(t, "besmart", opts.EntityPrefix)
		assert.Equal(t, []string{"heat", "off"}, opts.HvacModes)
		assert.Equal(t, 0, opts.StatusPort)
		assert.Equal(t, time.Minute, opts.PollInterval())
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeOptions(t, `
poll_interval_seconds: 120
entity_prefix: heating
hvac_modes: ["heat", "cool", "off"]
status_port: 8099
`)
		opts, err := Load(path, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 120, opts.PollIntervalSeconds)
		assert.Equal(t, "heating", opts.EntityPrefix)
		assert.Equal(t, []string{"heat", "cool", "off"}, opts.HvacModes)
		assert.Equal(t, 8099, opts.StatusPort)
	})

	t.Run("unset fields keep defaults", func(t *testing.T) {
		path := writeOptions(t, `status_port: 8099`)
		opts, err := Load(path, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 60, opts.PollIntervalSeconds)
		assert.Equal(t, "besmart", opts.EntityPrefix)
	})

	t.Run("non-positive interval falls back", func(t *testing.T) {
		path := writeOptions(t, `poll_interval_seconds: -5`)
		opts, err := Load(path, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 60, opts.PollIntervalSeconds)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := writeOptions(t, `poll_interval_seconds: [not a number`)
		_, err := Load(path, zap.NewNop())
		assert.Error(t, err)
	})
}
