package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(64), cfg.Ring.Capacity)
	assert.Equal(t, 64, cfg.Registry.Clients)
	assert.NotEmpty(t, cfg.Core.NodeID)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ring:
  capacity: 16
scheduler:
  idle_timeout: 2ms
proxy:
  timeout: 250ms
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), cfg.Ring.Capacity)
	assert.Equal(t, 2*time.Millisecond, cfg.Scheduler.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Proxy.Timeout)
	assert.True(t, cfg.Logger().JSON)
	assert.Equal(t, 256, cfg.Pools.Messages, "unset fields keep defaults")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("ring:\n  capacity: 12\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "power of two")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DSPAF_RING_CAPACITY", "128")
	t.Setenv("DSPAF_SHM_PATH", "/tmp/x")
	t.Setenv("DSPAF_PROXY_TIMEOUT", "1s")
	t.Setenv("DSPAF_POOL_SIZE", "0x10000")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, uint32(128), cfg.Ring.Capacity)
	assert.Equal(t, "/tmp/x", cfg.SharedMemory.Path)
	assert.Equal(t, time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, uint32(0x10000), cfg.SharedMemory.PoolSize)

	t.Setenv("DSPAF_IDLE_TIMEOUT", "soon")
	assert.Error(t, Default().ApplyEnv())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ring", func(c *Config) { c.Ring.Capacity = 100 }, "ring.capacity"},
		{"clients", func(c *Config) { c.Registry.Clients = 65 }, "registry.clients"},
		{"ports", func(c *Config) { c.Registry.Ports = 17 }, "registry.ports"},
		{"granularity", func(c *Config) { c.Pools.Granularity = 24 }, "pools.granularity"},
		{"idle", func(c *Config) { c.Scheduler.IdleTimeout = 0 }, "idle_timeout"},
		{"timeout", func(c *Config) { c.Proxy.Timeout = 0 }, "proxy.timeout"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "loud"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Ring.Capacity = 3
	cfg.Registry.Clients = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "ring.capacity")
	assert.ErrorContains(t, err, "registry.clients")
}
