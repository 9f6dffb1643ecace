package config

import (
	"fmt"

	"distmesh/internal/comm"
	"distmesh/internal/logging"
	"distmesh/internal/meshstore"
	"distmesh/internal/observability/tracing"
)

// Config drives meshctl.
type Config struct {
	Ranks     int             `yaml:"ranks"`
	IDBits    int             `yaml:"idBits"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Generator GeneratorConfig `yaml:"generator"`
}

type TransportConfig struct {
	// Kind is "local" for in-process mailboxes or "grpc" for loopback servers.
	Kind        string `yaml:"kind"`
	Host        string `yaml:"host"`
	Compression string `yaml:"compression"`
}

type StoreConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type GeneratorConfig struct {
	Nx       int  `yaml:"nx"`
	Ny       int  `yaml:"ny"`
	Periodic bool `yaml:"periodic"`
}

const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"
)

func Default() Config {
	return Config{
		Ranks:     2,
		IDBits:    32,
		Transport: TransportConfig{Kind: TransportLocal, Host: "127.0.0.1", Compression: string(comm.CompressionNone)},
		Store:     StoreConfig{Dir: "distmesh-data", Backend: string(meshstore.BackendBolt)},
		Log:       LogConfig{Level: "info"},
		Metrics:   MetricsConfig{Namespace: "distmesh"},
		Tracing:   TracingConfig{SampleRatio: 1},
		Generator: GeneratorConfig{Nx: 8, Ny: 8},
	}
}

func (c *Config) Validate() error {
	if c.Ranks <= 0 {
		return fmt.Errorf("config: ranks must be positive, got %d", c.Ranks)
	}
	if c.IDBits != 32 && c.IDBits != 64 {
		return fmt.Errorf("config: idBits must be 32 or 64, got %d", c.IDBits)
	}
	switch c.Transport.Kind {
	case TransportLocal, TransportGRPC:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport.Kind)
	}
	switch comm.Compression(c.Transport.Compression) {
	case comm.CompressionNone, comm.CompressionZstd:
	default:
		return fmt.Errorf("config: unknown compression %q", c.Transport.Compression)
	}
	switch meshstore.Backend(c.Store.Backend) {
	case meshstore.BackendBolt, meshstore.BackendPebble:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("config: store.dir is required")
	}
	if c.Generator.Nx <= 0 || c.Generator.Ny <= 0 {
		return fmt.Errorf("config: generator grid %dx%d is empty", c.Generator.Nx, c.Generator.Ny)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sampleRatio %v outside [0,1]", c.Tracing.SampleRatio)
	}
	return nil
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Development: c.Log.Development}
}

func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		ServiceName: "distmesh",
		SampleRatio: c.Tracing.SampleRatio,
		Ranks:       c.Ranks,
	}
}
