// Package config loads the orchestration core's configuration from
// layered providers: compiled-in defaults, then environment variables.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// StoreConfig controls the embedded persistent store (spec §4.1).
type StoreConfig struct {
	Path          string `koanf:"path"`
	BusyTimeoutMS int    `koanf:"busy_timeout_ms"`
	MaxOpenConns  int    `koanf:"max_open_conns"`
}

// ServerConfig controls the HTTP adapter (spec §6).
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	CORSEnabled  bool          `koanf:"cors_enabled"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RuntimeConfig controls ambient behavior: log verbosity and the
// heartbeat timeouts the agent/lock services use to detect abandonment.
type RuntimeConfig struct {
	LogLevel          string        `koanf:"log_level"`
	StaleAgentTimeout time.Duration `koanf:"stale_agent_timeout"`
	StaleLockTimeout  time.Duration `koanf:"stale_lock_timeout"`
}

// Config is the fully-resolved, immutable configuration snapshot.
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Server  ServerConfig  `koanf:"server"`
	Runtime RuntimeConfig `koanf:"runtime"`
}

// Default returns the compiled-in configuration defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "~/.caw/workflows.db",
			BusyTimeoutMS: 5000,
			MaxOpenConns:  1,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			CORSEnabled:  true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			LogLevel:          "info",
			StaleAgentTimeout: 90 * time.Second,
			StaleLockTimeout:  120 * time.Second,
		},
	}
}

// Provider is a koanf data source.
type Provider interface {
	apply(k *koanf.Koanf) error
}

type defaultProvider struct{}

// NewDefaultProvider seeds the koanf instance from Default().
func NewDefaultProvider() Provider { return defaultProvider{} }

func (defaultProvider) apply(k *koanf.Koanf) error {
	return k.Load(structs.Provider(*Default(), "koanf"), nil)
}

type envProvider struct{ prefix string }

// NewEnvProvider loads overrides from environment variables with the
// CAW_ prefix, mapping CAW_SERVER_PORT -> server.port.
func NewEnvProvider() Provider { return envProvider{prefix: "CAW_"} }

func (p envProvider) apply(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: p.prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = keyToPath(key, p.prefix)
			return key, value
		},
	}), nil)
}

// Manager resolves a Config from an ordered chain of Providers.
type Manager struct {
	k   *koanf.Koanf
	cfg *Config
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{k: koanf.New(".")}
}

// Load applies each provider in order (later providers override
// earlier ones) and returns the resolved Config.
func (m *Manager) Load(_ context.Context, providers ...Provider) (*Config, error) {
	for _, p := range providers {
		if err := p.apply(m.k); err != nil {
			return nil, fmt.Errorf("config: loading provider: %w", err)
		}
	}
	var cfg Config
	if err := m.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	m.cfg = &cfg
	return &cfg, nil
}

// Get returns the last resolved Config, or nil if Load has not run.
func (m *Manager) Get() *Config {
	return m.cfg
}

// Close releases any resources held by the manager. The koanf-backed
// manager holds none; Close exists so callers can treat config
// lifecycle uniformly with the services that do hold resources.
func (m *Manager) Close(_ context.Context) error {
	return nil
}
