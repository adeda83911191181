package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".pagepilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ASSIST_"
)

// Decision transports.
const (
	TransportHTTP   = "http"
	TransportStream = "stream"
	TransportNone   = "none"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely.
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up.
	ExplicitDir string
}

// Config captures every tunable setting of the assistant server.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Browser   BrowserConfig   `yaml:"browser" envPrefix:"BROWSER_"`
	Assistant AssistantConfig `yaml:"assistant" envPrefix:"ASSISTANT_"`
	Decision  DecisionConfig  `yaml:"decision" envPrefix:"DECISION_"`
	Recorder  RecorderConfig  `yaml:"recorder" envPrefix:"RECORDER_"`
	Tours     ToursConfig     `yaml:"tours" envPrefix:"TOURS_"`
	MCP       MCPConfig       `yaml:"mcp" envPrefix:"MCP_"`
	Mangle    MangleConfig    `yaml:"mangle" envPrefix:"MANGLE_"`
}

type ServerConfig struct {
	Name     string `yaml:"name" env:"NAME"`
	Version  string `yaml:"version" env:"VERSION"`
	LogFile  string `yaml:"log_file" env:"LOG_FILE"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// BrowserConfig configures how Chrome is launched or attached and which page
// is assisted.
type BrowserConfig struct {
	// Control endpoint (e.g., ws://localhost:9222). Empty launches a local Chrome.
	DebuggerURL string `yaml:"debugger_url" env:"DEBUGGER_URL"`
	// AutoStart launches or attaches at startup.
	AutoStart bool `yaml:"auto_start" env:"AUTO_START"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless" env:"HEADLESS"`
	// StartURL is the page opened and assisted at startup.
	StartURL string `yaml:"start_url" env:"START_URL"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout" env:"NAVIGATION_TIMEOUT"`
	// Per-kind throttle (ms) for page events reported through the bridge.
	EventThrottleMs int `yaml:"event_throttle_ms" env:"EVENT_THROTTLE_MS"`
	ViewportWidth   int `yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportHeight  int `yaml:"viewport_height" env:"VIEWPORT_HEIGHT"`
}

// AssistantConfig holds the timings and limits of the assistant core.
type AssistantConfig struct {
	InputDebounce     string   `yaml:"input_debounce" env:"INPUT_DEBOUNCE"`
	MinInputLength    int      `yaml:"min_input_length" env:"MIN_INPUT_LENGTH"`
	EffectDuration    string   `yaml:"effect_duration" env:"EFFECT_DURATION"`
	CommandPacing     string   `yaml:"command_pacing" env:"COMMAND_PACING"`
	RescanDelay       string   `yaml:"rescan_delay" env:"RESCAN_DELAY"`
	ResizeDelay       string   `yaml:"resize_delay" env:"RESIZE_DELAY"`
	BusHistory        int      `yaml:"bus_history" env:"BUS_HISTORY"`
	ExecutionHistory  int      `yaml:"execution_history" env:"EXECUTION_HISTORY"`
	AutoScroll        bool     `yaml:"auto_scroll" env:"AUTO_SCROLL"`
	SensitiveKeywords []string `yaml:"sensitive_keywords" env:"SENSITIVE_KEYWORDS" envSeparator:","`
}

// DecisionConfig selects how observations reach the decision service.
type DecisionConfig struct {
	// Transport is http, stream or none.
	Transport    string            `yaml:"transport" env:"TRANSPORT"`
	Endpoint     string            `yaml:"endpoint" env:"ENDPOINT"`
	Timeout      string            `yaml:"timeout" env:"TIMEOUT"`
	Headers      map[string]string `yaml:"headers" env:"HEADERS"`
	TrackerLimit int               `yaml:"tracker_limit" env:"TRACKER_LIMIT"`
}

// RecorderConfig controls JSONL traces of bus traffic.
type RecorderConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Dir      string `yaml:"dir" env:"DIR"`
	MaxFiles int    `yaml:"max_files" env:"MAX_FILES"`
}

// ToursConfig points at the tour catalog.
type ToursConfig struct {
	Dir   string `yaml:"dir" env:"DIR"`
	Watch bool   `yaml:"watch" env:"WATCH"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort        int      `yaml:"sse_port" env:"SSE_PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable" env:"ENABLE"`
	SchemaPath      string `yaml:"schema_path" env:"SCHEMA_PATH"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules" env:"DISABLE_BUILTIN_RULES"`
	FactBufferLimit int    `yaml:"fact_buffer_limit" env:"FACT_BUFFER_LIMIT"`
}

// DefaultSensitiveKeywords lists field-name fragments that exclude a field
// from observation.
func DefaultSensitiveKeywords() []string {
	return []string{
		"password", "passwd", "pass", "pwd", "secret", "token", "otp", "pin",
		"cvv", "cvc", "card", "credit", "ssn", "iban", "رمز", "کلمه_عبور",
	}
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "pagepilot",
			Version:  "0.1.0",
			LogFile:  "pagepilot.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			EventThrottleMs:          0,
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		Assistant: AssistantConfig{
			InputDebounce:     "800ms",
			MinInputLength:    3,
			EffectDuration:    "5s",
			CommandPacing:     "200ms",
			RescanDelay:       "250ms",
			ResizeDelay:       "150ms",
			BusHistory:        100,
			ExecutionHistory:  50,
			AutoScroll:        true,
			SensitiveKeywords: DefaultSensitiveKeywords(),
		},
		Decision: DecisionConfig{
			Transport:    TransportNone,
			Timeout:      "15s",
			TrackerLimit: 256,
		},
		Recorder: RecorderConfig{
			Enabled:  false,
			Dir:      "data/traces",
			MaxFiles: 3,
		},
		Tours: ToursConfig{
			Watch: true,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overlays ASSIST_* environment variables onto cfg. Unset
// variables leave fields untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// DiscoverWorkspace walks up from startDir looking for .pagepilot/config.yaml.
// Returns the workspace root directory or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace merges, lowest precedence first:
//
//	DefaultConfig() <- .pagepilot/config.yaml <- explicit --config <- ASSIST_* env
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, wsDir, err
	}
	return cfg, wsDir, cfg.Validate()
}

// resolveWorkspacePaths resolves relative paths against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	cfg.Tours.Dir = resolve(cfg.Tours.Dir)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Decision.Transport {
	case TransportHTTP, TransportStream:
		if c.Decision.Endpoint == "" {
			return fmt.Errorf("decision.endpoint is required for the %s transport", c.Decision.Transport)
		}
		if c.Decision.Transport == TransportStream &&
			!strings.HasPrefix(c.Decision.Endpoint, "ws://") && !strings.HasPrefix(c.Decision.Endpoint, "wss://") {
			return errors.New("decision.endpoint must be a ws:// or wss:// URL for the stream transport")
		}
	case TransportNone, "":
	default:
		return fmt.Errorf("decision.transport %q is not one of http, stream, none", c.Decision.Transport)
	}
	if c.Assistant.MinInputLength < 0 {
		return errors.New("assistant.min_input_length must not be negative")
	}
	if c.MCP.SSEPort < 0 || c.MCP.SSEPort > 65535 {
		return fmt.Errorf("mcp.sse_port %d out of range", c.MCP.SSEPort)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// EventThrottle returns the bridge throttle window.
func (b BrowserConfig) EventThrottle() time.Duration {
	if b.EventThrottleMs <= 0 {
		return 0
	}
	return time.Duration(b.EventThrottleMs) * time.Millisecond
}

func (a AssistantConfig) Debounce() time.Duration {
	return parseDuration(a.InputDebounce, 800*time.Millisecond)
}

func (a AssistantConfig) Effect() time.Duration {
	return parseDuration(a.EffectDuration, 5*time.Second)
}

func (a AssistantConfig) Pacing() time.Duration {
	return parseDuration(a.CommandPacing, 200*time.Millisecond)
}

func (a AssistantConfig) Rescan() time.Duration {
	return parseDuration(a.RescanDelay, 250*time.Millisecond)
}

func (a AssistantConfig) Resize() time.Duration {
	return parseDuration(a.ResizeDelay, 150*time.Millisecond)
}

// GetSensitiveKeywords returns the configured keywords or the defaults.
func (a AssistantConfig) GetSensitiveKeywords() []string {
	if len(a.SensitiveKeywords) == 0 {
		return DefaultSensitiveKeywords()
	}
	return a.SensitiveKeywords
}

// RequestTimeout returns the per-request timeout of the decision transport.
func (d DecisionConfig) RequestTimeout() time.Duration {
	return parseDuration(d.Timeout, 15*time.Second)
}
