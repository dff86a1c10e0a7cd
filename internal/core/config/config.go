package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const ConfigFileName = ".debugctl.toml"

// Config represents the orchestrator configuration.
type Config struct {
	// Listen is the address the tool-server listener binds to.
	Listen string `toml:"listen,omitempty"`

	// MetricsListen is the address the Prometheus /metrics endpoint
	// binds to. Empty disables the endpoint.
	MetricsListen string `toml:"metrics_listen,omitempty"`

	// Adapters contains per-language adapter overrides, keyed by
	// language tag (python, go, javascript, typescript, rust).
	Adapters map[string]AdapterConfig `toml:"adapters,omitempty"`

	// Timeouts configures protocol-level deadlines.
	Timeouts TimeoutConfig `toml:"timeouts,omitempty"`

	// Traces configures the tracepoint engine.
	Traces TraceConfig `toml:"traces,omitempty"`

	// Log configuration for the diagnostic ring buffer.
	Log LogConfig `toml:"log,omitempty"`
}

// AdapterConfig describes an override of how one language's adapter
// is spawned. These entries are loaded and saved, but cmd/orchestratord
// does not pass them to the session manager; adapters are spawned as
// their language plugin describes.
type AdapterConfig struct {
	// Command overrides the adapter executable.
	Command string `toml:"command,omitempty"`

	// Args overrides the adapter's arguments.
	Args []string `toml:"args,omitempty"`

	// ServerPath points at an adapter's server entry file where one
	// applies (vscode-js-debug's dapDebugServer.js).
	ServerPath string `toml:"server_path,omitempty"`

	// UsePTY wraps the adapter's stdio in a pseudo-terminal.
	UsePTY bool `toml:"use_pty"`
}

// TimeoutConfig contains protocol deadlines, in seconds.
// cmd/orchestratord passes LaunchWaitMillis and Disconnect to the
// session manager; Request and Launch are loaded and saved but not
// applied to DAP requests.
type TimeoutConfig struct {
	// Request is the default per-request timeout (default 30).
	Request int `toml:"request"`

	// Launch bounds a synchronous launch request (default 60).
	Launch int `toml:"launch"`

	// LaunchWaitMillis bounds the post-configurationDone wait for a
	// deferred launch response, in milliseconds (default 2000).
	LaunchWaitMillis int `toml:"launch_wait_millis"`

	// Disconnect bounds the disconnect request during teardown
	// (default 5).
	Disconnect int `toml:"disconnect"`
}

// TraceConfig contains tracepoint engine settings.
type TraceConfig struct {
	// BufferSize is the per-session trace ring capacity (default
	// 10000).
	BufferSize int `toml:"buffer_size"`

	// MaxVariables truncates each trace's captured locals (default
	// 100).
	MaxVariables int `toml:"max_variables"`

	// DumpDir, when set, resolves relative dump-file paths against
	// this directory.
	DumpDir string `toml:"dump_dir,omitempty"`
}

// LogConfig contains diagnostic buffer configuration.
type LogConfig struct {
	// BufferSize is the maximum number of diagnostic entries kept in
	// memory.
	BufferSize int `toml:"buffer_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:4711",
		MetricsListen: "127.0.0.1:9477",
		Adapters:      make(map[string]AdapterConfig),
		Timeouts: TimeoutConfig{
			Request:          30,
			Launch:           60,
			LaunchWaitMillis: 2000,
			Disconnect:       5,
		},
		Traces: TraceConfig{
			BufferSize:   10000,
			MaxVariables: 100,
		},
		Log: LogConfig{
			BufferSize: 10000,
		},
	}
}

// Load loads configuration from the given directory, falling back to
// defaults when no config file exists.
func Load(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", configPath, err)
	}
	return config, nil
}

// Save saves the configuration to the given directory.
func (c *Config) Save(dir string) error {
	configPath := filepath.Join(dir, ConfigFileName)

	// Owner read/write only; adapter paths can reveal local layout.
	file, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	return encoder.Encode(c)
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("config: timeouts.request must be positive, got %d", c.Timeouts.Request)
	}
	if c.Traces.BufferSize <= 0 {
		return fmt.Errorf("config: traces.buffer_size must be positive, got %d", c.Traces.BufferSize)
	}
	if c.Traces.MaxVariables <= 0 {
		return fmt.Errorf("config: traces.max_variables must be positive, got %d", c.Traces.MaxVariables)
	}
	return nil
}
