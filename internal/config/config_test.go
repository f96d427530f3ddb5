package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.BrainMode != "auto" || cfg.BrainHTTPURL != "" {
		t.Fatalf("brain = %q/%q, want auto with no URL", cfg.BrainMode, cfg.BrainHTTPURL)
	}
	if cfg.StreamInterval != 25*time.Millisecond {
		t.Fatalf("StreamInterval = %v, want 25ms", cfg.StreamInterval)
	}
	if cfg.StoreNamespace != "@task_assistant/" {
		t.Fatalf("StoreNamespace = %q, want @task_assistant/", cfg.StoreNamespace)
	}
}

func TestLoadFileOverlayAndEnvPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "stepwise.yaml")
	body := []byte(`
bind_addr: ":7000"
session_inactivity_timeout: 10m
brain:
  mode: http
  http_url: http://brain.local
  streaming: false
  fallback_to_mock: true
store:
  url: sqlite:///tmp/stepwise.db
log:
  level: debug
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("STEPWISE_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want env value :9191", cfg.BindAddr)
	}
	if cfg.BrainMode != "http" || cfg.BrainHTTPURL != "http://brain.local" || cfg.BrainStreaming {
		t.Fatalf("brain from file = %q %q streaming=%v", cfg.BrainMode, cfg.BrainHTTPURL, cfg.BrainStreaming)
	}
	if !cfg.BrainFallback {
		t.Fatalf("BrainFallback = false, want true from file")
	}
	if cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want 10m", cfg.SessionInactivityTimeout)
	}
	if cfg.StoreURL != "sqlite:///tmp/stepwise.db" || cfg.LogLevel != "debug" {
		t.Fatalf("store/log from file = %q %q", cfg.StoreURL, cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"short inactivity": {"APP_SESSION_INACTIVITY_TIMEOUT": "1s"},
		"bad duration":     {"BRAIN_TIMEOUT": "soon"},
		"bad bool":         {"BRAIN_STREAMING": "maybe"},
		"unknown mode":     {"BRAIN_MODE": "oracle"},
		"http without url": {"BRAIN_MODE": "http"},
		"negative retries": {"BRAIN_RETRIES": "-1"},
		"missing file":     {"STEPWISE_CONFIG_FILE": "/nonexistent/stepwise.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want failure")
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"STEPWISE_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"BRAIN_MODE",
		"BRAIN_HTTP_URL",
		"BRAIN_STREAMING",
		"BRAIN_FALLBACK_MOCK",
		"BRAIN_TIMEOUT",
		"BRAIN_RETRIES",
		"STREAM_INTERVAL",
		"STORE_URL",
		"STORE_NAMESPACE",
		"LOG_LEVEL",
		"LOG_DEVELOPMENT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
