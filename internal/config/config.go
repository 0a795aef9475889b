package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete katexd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Server    ServerConfig    `yaml:"server"`
	Renderer  RendererConfig  `yaml:"renderer"`
	Pool      PoolConfig      `yaml:"pool"`
	Admin     AdminConfig     `yaml:"admin"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LogConfig       `yaml:"logging"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ListenConfig selects the bind target. SocketPath and Port are mutually
// exclusive; with neither set the server listens on DefaultSocketPath.
type ListenConfig struct {
	SocketPath string `yaml:"socket_path"`
	Port       int    `yaml:"port"`
}

type ServerConfig struct {
	MaxFrameSize    int      `yaml:"max_frame_size"`   // 0 = up to 2^31-1
	IdleTimeout     Duration `yaml:"idle_timeout"`     // 0 = never
	ReadBufferSize  int      `yaml:"read_buffer_size"` // bytes per conn.Read
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RendererConfig describes how KaTeX worker processes are launched.
type RendererConfig struct {
	Binary    string            `yaml:"binary"`     // e.g. node
	Script    string            `yaml:"script"`     // worker script speaking the pipe protocol
	KatexPath string            `yaml:"katex_path"` // passed to the script as --katex
	Args      []string          `yaml:"args"`       // extra script arguments
	Env       map[string]string `yaml:"env"`
}

type PoolConfig struct {
	MinWorkers      int      `yaml:"min_workers"`
	MaxWorkers      int      `yaml:"max_workers"`
	MaxJobs         int      `yaml:"max_jobs"`
	AllocateTimeout Duration `yaml:"allocate_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
}

// AdminConfig controls the HTTP listener for health, metrics and websocket.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Dirs     []string `yaml:"dirs"`
	Interval Duration `yaml:"interval"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := c.Listen.Validate(); err != nil {
		return err
	}

	if c.Server.MaxFrameSize < 0 {
		return fmt.Errorf("server.max_frame_size must be >= 0, got %d", c.Server.MaxFrameSize)
	}
	if c.Server.ReadBufferSize < 1 {
		return fmt.Errorf("server.read_buffer_size must be >= 1, got %d", c.Server.ReadBufferSize)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout must not be negative")
	}

	if c.Pool.MinWorkers < 1 {
		return fmt.Errorf("pool.min_workers must be >= 1, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool.max_workers (%d) must be >= pool.min_workers (%d)", c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}
	if c.Pool.MaxJobs < 0 {
		return fmt.Errorf("pool.max_jobs must be >= 0, got %d", c.Pool.MaxJobs)
	}

	if c.Renderer.Binary == "" {
		return fmt.Errorf("renderer.binary is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'text', got %q", c.Logging.Format)
	}

	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if c.WebSocket.Enabled {
		if !c.Admin.Enabled {
			return fmt.Errorf("websocket requires admin.enabled")
		}
		if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
			return fmt.Errorf("websocket.path must start with '/', got %q", c.WebSocket.Path)
		}
	}
	return nil
}
