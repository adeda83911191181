package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pagepilot/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type flags struct {
	configPath  string
	workspace   string
	noWorkspace bool
	ssePort     int
	startURL    string
	toursDir    string
	decisionURL string
	transport   string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "pagepilot",
		Short: "In-page assistant core served over MCP",
		Long: `pagepilot attaches an assistant to a web page: it indexes the page's
interactive elements, watches form input, forwards observations to a decision
service and applies the visual commands that come back.

The core is exposed as MCP tools over stdio, or over SSE with --sse-port.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "Path to a config file applied over the workspace config")
	fl.StringVar(&f.workspace, "workspace", "", "Workspace root (default: discovered from the working directory)")
	fl.BoolVar(&f.noWorkspace, "no-workspace", false, "Skip workspace discovery")
	fl.IntVar(&f.ssePort, "sse-port", 0, "Serve MCP over SSE on this port instead of stdio")
	fl.StringVar(&f.startURL, "url", "", "Page to open and assist (implies browser auto-start)")
	fl.StringVar(&f.toursDir, "tours", "", "Directory of tour definitions")
	fl.StringVar(&f.decisionURL, "decision-endpoint", "", "Decision service endpoint")
	fl.StringVar(&f.transport, "decision-transport", "", "Decision transport: http, stream or none")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(f.configPath, config.WorkspaceOptions{
		Disable:     f.noWorkspace,
		ExplicitDir: f.workspace,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, cmd, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg, f.verbose)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if wsDir != "" {
		logger.Info("workspace discovered", zap.String("dir", wsDir))
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	serve := a.server.Start
	if port := cfg.MCP.SSEPort; port > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", port))
		serve = func(ctx context.Context) error { return a.server.StartSSE(ctx, port) }
	} else {
		logger.Info("starting MCP stdio server")
	}

	if err := a.run(ctx, serve); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

// applyFlags overlays explicitly set command-line flags onto cfg.
func applyFlags(cfg *config.Config, cmd *cobra.Command, f flags) {
	fl := cmd.Flags()
	if fl.Changed("sse-port") {
		cfg.MCP.SSEPort = f.ssePort
	}
	if fl.Changed("url") {
		cfg.Browser.StartURL = f.startURL
		cfg.Browser.AutoStart = true
	}
	if fl.Changed("tours") {
		cfg.Tours.Dir = f.toursDir
	}
	if fl.Changed("decision-endpoint") {
		cfg.Decision.Endpoint = f.decisionURL
		if cfg.Decision.Transport == config.TransportNone {
			cfg.Decision.Transport = config.TransportHTTP
		}
	}
	if fl.Changed("decision-transport") {
		cfg.Decision.Transport = f.transport
	}
}

// newLogger builds a production zap logger. Stdio mode must keep stderr
// quiet, so logs go to the configured file or nowhere.
func newLogger(cfg config.Config, verbose bool) (*zap.Logger, error) {
	stdio := cfg.MCP.SSEPort == 0
	if stdio && cfg.Server.LogFile == "" {
		return zap.NewNop(), nil
	}

	zc := zap.NewProductionConfig()
	if cfg.Server.LogFile != "" {
		zc.OutputPaths = []string{cfg.Server.LogFile}
		zc.ErrorOutputPaths = []string{cfg.Server.LogFile}
	}
	if cfg.Server.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.Server.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Server.LogLevel, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(cfg.Server.Name), nil
}
