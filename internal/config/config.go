package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the task assistant service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	BrainMode      string
	BrainHTTPURL   string
	BrainStreaming bool
	BrainTimeout   time.Duration
	BrainRetries   int
	BrainFallback  bool
	StreamInterval time.Duration

	StoreURL       string
	StoreNamespace string

	LogLevel       string
	LogDevelopment bool
}

// fileConfig mirrors Config for the optional YAML file. Unset fields keep
// their defaults.
type fileConfig struct {
	BindAddr                 *string `yaml:"bind_addr"`
	ShutdownTimeout          *string `yaml:"shutdown_timeout"`
	SessionInactivityTimeout *string `yaml:"session_inactivity_timeout"`
	MetricsNamespace         *string `yaml:"metrics_namespace"`
	AllowAnyOrigin           *bool   `yaml:"allow_any_origin"`

	Brain struct {
		Mode           *string `yaml:"mode"`
		HTTPURL        *string `yaml:"http_url"`
		Streaming      *bool   `yaml:"streaming"`
		Timeout        *string `yaml:"timeout"`
		Retries        *int    `yaml:"retries"`
		FallbackToMock *bool   `yaml:"fallback_to_mock"`
		StreamInterval *string `yaml:"stream_interval"`
	} `yaml:"brain"`

	Store struct {
		URL       *string `yaml:"url"`
		Namespace *string `yaml:"namespace"`
	} `yaml:"store"`

	Log struct {
		Level       *string `yaml:"level"`
		Development *bool   `yaml:"development"`
	} `yaml:"log"`
}

// Load reads the optional YAML file named by STEPWISE_CONFIG_FILE, then
// environment variables, and applies safe defaults. Environment values win
// over the file.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		MetricsNamespace:         "stepwise",
		BrainMode:                "auto",
		BrainStreaming:           true,
		BrainTimeout:             30 * time.Second,
		BrainRetries:             2,
		StreamInterval:           25 * time.Millisecond,
		StoreNamespace:           "@task_assistant/",
		LogLevel:                 "info",
	}

	if path := stringsTrimSpace("STEPWISE_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.BrainMode = strings.ToLower(envOrDefault("BRAIN_MODE", cfg.BrainMode))
	cfg.BrainHTTPURL = envOrDefault("BRAIN_HTTP_URL", cfg.BrainHTTPURL)
	cfg.StoreURL = envOrDefault("STORE_URL", cfg.StoreURL)
	cfg.StoreNamespace = envOrDefault("STORE_NAMESPACE", cfg.StoreNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainTimeout, err = durationFromEnv("BRAIN_TIMEOUT", cfg.BrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamInterval, err = durationFromEnv("STREAM_INTERVAL", cfg.StreamInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainRetries, err = intFromEnv("BRAIN_RETRIES", cfg.BrainRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainStreaming, err = boolFromEnv("BRAIN_STREAMING", cfg.BrainStreaming)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainFallback, err = boolFromEnv("BRAIN_FALLBACK_MOCK", cfg.BrainFallback)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDevelopment, err = boolFromEnv("LOG_DEVELOPMENT", cfg.LogDevelopment)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.StreamInterval <= 0 {
		return fmt.Errorf("STREAM_INTERVAL must be positive")
	}
	if c.BrainTimeout <= 0 {
		return fmt.Errorf("BRAIN_TIMEOUT must be positive")
	}
	if c.BrainRetries < 0 {
		return fmt.Errorf("BRAIN_RETRIES must be >= 0")
	}
	switch c.BrainMode {
	case "auto", "mock":
	case "http":
		if c.BrainHTTPURL == "" {
			return fmt.Errorf("BRAIN_HTTP_URL is required when BRAIN_MODE=http")
		}
	default:
		return fmt.Errorf("BRAIN_MODE must be one of auto, mock, http")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.BrainMode, fc.Brain.Mode)
	setString(&cfg.BrainHTTPURL, fc.Brain.HTTPURL)
	setString(&cfg.StoreURL, fc.Store.URL)
	setString(&cfg.StoreNamespace, fc.Store.Namespace)
	setString(&cfg.LogLevel, fc.Log.Level)
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.Brain.Streaming != nil {
		cfg.BrainStreaming = *fc.Brain.Streaming
	}
	if fc.Brain.Retries != nil {
		cfg.BrainRetries = *fc.Brain.Retries
	}
	if fc.Brain.FallbackToMock != nil {
		cfg.BrainFallback = *fc.Brain.FallbackToMock
	}
	if fc.Log.Development != nil {
		cfg.LogDevelopment = *fc.Log.Development
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"session_inactivity_timeout", fc.SessionInactivityTimeout, &cfg.SessionInactivityTimeout},
		{"brain.timeout", fc.Brain.Timeout, &cfg.BrainTimeout},
		{"brain.stream_interval", fc.Brain.StreamInterval, &cfg.StreamInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(trimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("config file %s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src == nil {
		return
	}
	if v := trimSpace(*src); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
