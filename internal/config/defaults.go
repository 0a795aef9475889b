package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MaxFrameSize:    0,
			IdleTimeout:     0,
			ReadBufferSize:  32 * 1024,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Renderer: RendererConfig{
			Binary:    "node",
			Script:    "scripts/katex-worker.js",
			KatexPath: "./katex.min.js",
			Env:       map[string]string{},
		},
		Pool: PoolConfig{
			MinWorkers:      2,
			MaxWorkers:      8,
			MaxJobs:         10000,
			AllocateTimeout: Duration(30 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
		},
		Admin: AdminConfig{
			Enabled:     false,
			Address:     "127.0.0.1:9464",
			MetricsPath: "/metrics",
		},
		WebSocket: WebSocketConfig{
			Enabled:        false,
			Path:           "/ws",
			MaxMessageSize: 1 << 20,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Watch: WatchConfig{
			Enabled:  false,
			Dirs:     []string{},
			Interval: Duration(2 * time.Second),
		},
	}
}
