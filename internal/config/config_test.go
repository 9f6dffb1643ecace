package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
ranks: 4
transport:
  kind: grpc
  compression: zstd
store:
  dir: /tmp/mesh
  backend: pebble
generator:
  nx: 3
  periodic: true
tracing:
  endpoint: localhost:4317
  insecure: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Ranks)
	assert.Equal(t, 32, cfg.IDBits)
	assert.Equal(t, TransportGRPC, cfg.Transport.Kind)
	assert.Equal(t, "127.0.0.1", cfg.Transport.Host)
	assert.Equal(t, "pebble", cfg.Store.Backend)
	assert.Equal(t, GeneratorConfig{Nx: 3, Ny: 8, Periodic: true}, cfg.Generator)

	tc := cfg.TracingConfig()
	assert.Equal(t, "distmesh", tc.ServiceName)
	assert.Equal(t, "localhost:4317", tc.Endpoint)
	assert.Equal(t, 1.0, tc.SampleRatio)
	assert.Equal(t, "info", cfg.LoggingConfig().Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"no ranks":     func(c *Config) { c.Ranks = 0 },
		"id width":     func(c *Config) { c.IDBits = 16 },
		"transport":    func(c *Config) { c.Transport.Kind = "mpi" },
		"compression":  func(c *Config) { c.Transport.Compression = "lz4" },
		"backend":      func(c *Config) { c.Store.Backend = "rocks" },
		"store dir":    func(c *Config) { c.Store.Dir = "" },
		"empty grid":   func(c *Config) { c.Generator.Ny = 0 },
		"sample ratio": func(c *Config) { c.Tracing.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "ranks: [1"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "ranks: -1"))
	require.Error(t, err)
}
