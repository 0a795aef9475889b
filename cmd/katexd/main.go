package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sadewadee/katexd/internal/config"
)

var version = "0.1.0-dev"

// defaultConfigPath is loaded when present and --config is not given.
const defaultConfigPath = "katexd.yaml"

// cliFlags are shared by every subcommand.
type cliFlags struct {
	configPath string
	socket     string
	port       int
	katex      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "katexd",
		Short: "KaTeX render server",
		Long: `katexd renders LaTeX math to HTML with KaTeX.

Clients send length-prefixed JSON requests over a unix socket or a
loopback TCP port and receive one length-prefixed JSON response per
request. Rendering happens in a pool of KaTeX worker processes.

Run without a subcommand to serve.

Signals:
  SIGHUP           Graceful worker reload (zero-downtime)
  SIGINT/SIGTERM   Graceful shutdown`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	bindFlags(root, flags)

	root.AddCommand(
		newServeCmd(flags),
		newRenderCmd(flags),
		newVersionCmd(),
	)
	return root
}

func bindFlags(cmd *cobra.Command, flags *cliFlags) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default ./katexd.yaml when present)")
	pf.StringVar(&flags.socket, "socket", "", "unix socket path to listen on or connect to")
	pf.IntVar(&flags.port, "port", 0, "loopback TCP port to listen on or connect to")
	pf.StringVar(&flags.katex, "katex", "", "path to the KaTeX bundle handed to workers")
}

// loadConfig reads the config file, if any, and applies command-line
// overrides. Setting --socket or --port replaces the file's listen section.
func loadConfig(cmd *cobra.Command, flags *cliFlags) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case flags.configPath != "":
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case fileExists(defaultConfigPath):
		loaded, err := config.Load(defaultConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		cfg = config.Default()
	}

	socketSet := cmd.Flags().Changed("socket")
	portSet := cmd.Flags().Changed("port")
	if socketSet || portSet {
		cfg.Listen = config.ListenConfig{}
	}
	if socketSet {
		cfg.Listen.SocketPath = flags.socket
	}
	if portSet {
		cfg.Listen.Port = flags.port
		if flags.port == 0 {
			return nil, fmt.Errorf("--port must be between 1 and 65535")
		}
	}
	if cmd.Flags().Changed("katex") {
		cfg.Renderer.KatexPath = flags.katex
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func setupLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	out, closer := resolveLogOutput(cfg.Output)

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer
}

// resolveLogOutput maps "stdout", "stderr" or a file path to a writer. The
// closer is nil for the standard streams. An unopenable file falls back to
// stderr.
func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log file %s, logging to stderr: %v\n", output, err)
		return os.Stderr, nil
	}
	return f, f
}
