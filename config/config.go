// Package config loads the session controller's on-disk configuration:
// the listen address, the data directory backing the flash config store,
// and the diagnostics HTTP port.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Store       StoreConfig       `yaml:"store"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Log         LogConfig         `yaml:"log"`
}

type ListenConfig struct {
	Port int `yaml:"port"`
}

type StoreConfig struct {
	// Path is the directory holding the flat key/value flash store
	// (startup_kernel, idle_kernel, and any host-written keys).
	Path string `yaml:"path"`
}

type DiagnosticsConfig struct {
	// Port for the read-only status/SSE HTTP surface. Zero disables it.
	Port int `yaml:"port"`
}

type WatchdogConfig struct {
	// Capacity bounds the number of simultaneously outstanding watchdogs
	// a single kernel may hold.
	Capacity int `yaml:"capacity"`
}

type LogConfig struct {
	// BufferLines bounds the in-memory core log ring buffer extracted by
	// the host Log request.
	BufferLines int `yaml:"buffer_lines"`
}

// IdleStaleAfter is how long the idle flash kernel may sit parked before
// the supervisor logs a staleness notice. Diagnostic only.
const IdleStaleAfter = 10 * time.Minute

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Listen: ListenConfig{Port: 1381},
		Store:  StoreConfig{Path: "/var/lib/artiq/store"},
		Diagnostics: DiagnosticsConfig{
			Port: 1382,
		},
		Watchdog: WatchdogConfig{Capacity: 16},
		Log: LogConfig{
			BufferLines: 1000,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
