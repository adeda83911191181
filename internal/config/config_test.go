package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "pagepilot" {
		t.Errorf("expected server name 'pagepilot', got %q", cfg.Server.Name)
	}
	if cfg.Assistant.Debounce() != 800*time.Millisecond {
		t.Errorf("expected debounce 800ms, got %v", cfg.Assistant.Debounce())
	}
	if cfg.Assistant.MinInputLength != 3 {
		t.Errorf("expected min input length 3, got %d", cfg.Assistant.MinInputLength)
	}
	if cfg.Assistant.Effect() != 5*time.Second {
		t.Errorf("expected effect duration 5s, got %v", cfg.Assistant.Effect())
	}
	if cfg.Assistant.Pacing() != 200*time.Millisecond {
		t.Errorf("expected pacing 200ms, got %v", cfg.Assistant.Pacing())
	}
	if cfg.Assistant.Rescan() != 250*time.Millisecond || cfg.Assistant.Resize() != 150*time.Millisecond {
		t.Errorf("unexpected rescan/resize defaults: %v / %v", cfg.Assistant.Rescan(), cfg.Assistant.Resize())
	}
	if cfg.Assistant.BusHistory != 100 || cfg.Assistant.ExecutionHistory != 50 {
		t.Errorf("unexpected history defaults: %d / %d", cfg.Assistant.BusHistory, cfg.Assistant.ExecutionHistory)
	}
	if len(cfg.Assistant.SensitiveKeywords) != 16 {
		t.Errorf("expected 16 sensitive keywords, got %d", len(cfg.Assistant.SensitiveKeywords))
	}
	if cfg.Decision.Transport != TransportNone {
		t.Errorf("expected decision transport none, got %q", cfg.Decision.Transport)
	}
	if !cfg.Mangle.Enable || cfg.Mangle.FactBufferLimit != 2048 {
		t.Errorf("unexpected mangle defaults: %+v", cfg.Mangle)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil || err.Error() != "config path is required" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  name: shop-assistant
browser:
  start_url: https://shop.example/
  headless: false
assistant:
  input_debounce: 500ms
  command_pacing: 0s
  sensitive_keywords: [secret]
decision:
  transport: http
  endpoint: http://localhost:9000/decide
  headers:
    Authorization: Bearer abc
tours:
  dir: ./tours
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Name != "shop-assistant" {
		t.Errorf("server name = %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "pagepilot.log" {
		t.Errorf("defaults should survive partial YAML, log file = %q", cfg.Server.LogFile)
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected headless false")
	}
	if cfg.Assistant.Debounce() != 500*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Assistant.Debounce())
	}
	if cfg.Assistant.Pacing() != 0 {
		t.Errorf("pacing = %v", cfg.Assistant.Pacing())
	}
	if got := cfg.Assistant.GetSensitiveKeywords(); len(got) != 1 || got[0] != "secret" {
		t.Errorf("sensitive keywords = %v", got)
	}
	if cfg.Decision.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", cfg.Decision.Headers)
	}
	if cfg.Tours.Dir != "./tours" {
		t.Errorf("tours dir = %q", cfg.Tours.Dir)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "assistant:\n  input_debounce: 500ms\n")
	t.Setenv("ASSIST_ASSISTANT_INPUT_DEBOUNCE", "1s")
	t.Setenv("ASSIST_DECISION_TRANSPORT", "stream")
	t.Setenv("ASSIST_DECISION_ENDPOINT", "ws://localhost:9000/ws")
	t.Setenv("ASSIST_MCP_SSE_PORT", "8088")
	t.Setenv("ASSIST_ASSISTANT_SENSITIVE_KEYWORDS", "iban,otp")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Assistant.Debounce() != time.Second {
		t.Errorf("env should win over YAML, debounce = %v", cfg.Assistant.Debounce())
	}
	if cfg.Decision.Transport != TransportStream || cfg.Decision.Endpoint != "ws://localhost:9000/ws" {
		t.Errorf("decision = %+v", cfg.Decision)
	}
	if cfg.MCP.SSEPort != 8088 {
		t.Errorf("sse port = %d", cfg.MCP.SSEPort)
	}
	if len(cfg.Assistant.SensitiveKeywords) != 2 {
		t.Errorf("sensitive keywords = %v", cfg.Assistant.SensitiveKeywords)
	}
	if cfg.Assistant.MinInputLength != 3 {
		t.Errorf("unset env must leave defaults, min length = %d", cfg.Assistant.MinInputLength)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing name", func(c *Config) { c.Server.Name = "" }, true},
		{"http without endpoint", func(c *Config) { c.Decision.Transport = TransportHTTP }, true},
		{"http with endpoint", func(c *Config) {
			c.Decision.Transport = TransportHTTP
			c.Decision.Endpoint = "http://localhost/decide"
		}, false},
		{"stream needs websocket url", func(c *Config) {
			c.Decision.Transport = TransportStream
			c.Decision.Endpoint = "http://localhost/decide"
		}, true},
		{"stream ok", func(c *Config) {
			c.Decision.Transport = TransportStream
			c.Decision.Endpoint = "wss://decide.example/ws"
		}, false},
		{"unknown transport", func(c *Config) { c.Decision.Transport = "carrier-pigeon" }, true},
		{"negative min length", func(c *Config) { c.Assistant.MinInputLength = -1 }, true},
		{"port out of range", func(c *Config) { c.MCP.SSEPort = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	a := AssistantConfig{InputDebounce: "soon", EffectDuration: "-1s"}
	if a.Debounce() != 800*time.Millisecond {
		t.Errorf("invalid debounce should fall back, got %v", a.Debounce())
	}
	if a.Effect() != 5*time.Second {
		t.Errorf("negative effect should fall back, got %v", a.Effect())
	}
	if (BrowserConfig{}).NavigationTimeout() != 15*time.Second {
		t.Error("empty navigation timeout should fall back to 15s")
	}
	if (DecisionConfig{Timeout: "2s"}).RequestTimeout() != 2*time.Second {
		t.Error("decision timeout not parsed")
	}
	if (BrowserConfig{EventThrottleMs: 50}).EventThrottle() != 50*time.Millisecond {
		t.Error("event throttle not converted")
	}
}

func TestViewportDefaults(t *testing.T) {
	b := BrowserConfig{}
	if b.GetViewportWidth() != 1280 || b.GetViewportHeight() != 800 {
		t.Errorf("viewport defaults = %dx%d", b.GetViewportWidth(), b.GetViewportHeight())
	}
	b = BrowserConfig{ViewportWidth: 390, ViewportHeight: 844}
	if b.GetViewportWidth() != 390 || b.GetViewportHeight() != 844 {
		t.Errorf("viewport = %dx%d", b.GetViewportWidth(), b.GetViewportHeight())
	}
}
