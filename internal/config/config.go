package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides an empty summary.api_key.
const EnvAPIKey = "AI_SUMMARY_API_KEY"

const (
	defaultHost          = "127.0.0.1"
	defaultPort          = 8787
	defaultMaxSessions   = 16
	defaultHeartbeat     = 15 * time.Second
	defaultModel         = "gpt-3.5-turbo"
	defaultSystemPrompt  = "Summarize the key points of the following content concisely:"
	defaultTimeout       = 30 * time.Second
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultFrameInterval = 16 * time.Millisecond
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
)

// BypassMode selects how the chat-completion endpoint is reached.
type BypassMode string

const (
	BypassDirect BypassMode = "direct"
	BypassProxy  BypassMode = "proxy"
	BypassBridge BypassMode = "bridge"
)

// Valid reports whether the mode is one of the known modes.
func (m BypassMode) Valid() bool {
	switch m {
	case BypassDirect, BypassProxy, BypassBridge:
		return true
	default:
		return false
	}
}

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Summary RequestConfig `yaml:"summary"`
	Render  RenderConfig  `yaml:"render"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig defines the relay server listener.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxSessions    int           `yaml:"max_sessions"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ProxyHosts     []string      `yaml:"proxy_hosts"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// RequestConfig captures everything needed to issue one chat-completion call.
type RequestConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	BypassMode   BypassMode    `yaml:"bypass_mode"`
	ProxyURL     string        `yaml:"proxy_url"`
	Timeout      time.Duration `yaml:"timeout"`
	Stream       *bool         `yaml:"stream"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RenderConfig tunes the render coalescer.
type RenderConfig struct {
	FrameInterval time.Duration `yaml:"frame_interval"`
	Markdown      *bool         `yaml:"markdown"`
}

// LogConfig configures the zap logger and its optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads YAML configuration from disk, fills defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and the API key environment override.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.Summary.APIKey) == "" {
		if key := os.Getenv(EnvAPIKey); key != "" {
			cfg.Summary.APIKey = key
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no credentials.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = defaultMaxSessions
	}
	if c.Server.Heartbeat == 0 {
		c.Server.Heartbeat = defaultHeartbeat
	}
	c.Summary.ApplyDefaults()
	if c.Render.FrameInterval == 0 {
		c.Render.FrameInterval = defaultFrameInterval
	}
	if c.Render.Markdown == nil {
		t := true
		c.Render.Markdown = &t
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

// ApplyDefaults fills zero-valued request fields.
func (r *RequestConfig) ApplyDefaults() {
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.SystemPrompt == "" {
		r.SystemPrompt = defaultSystemPrompt
	}
	if r.BypassMode == "" {
		r.BypassMode = BypassDirect
	}
	if r.Timeout == 0 {
		r.Timeout = defaultTimeout
	}
	if r.Stream == nil {
		t := true
		r.Stream = &t
	}
	if r.RetryBackoff == 0 {
		r.RetryBackoff = defaultRetryBackoff
	}
}

// StreamEnabled reports whether the response should be streamed.
func (r RequestConfig) StreamEnabled() bool {
	return r.Stream == nil || *r.Stream
}

// MarkdownEnabled reports whether answers are rendered as markdown.
func (r RenderConfig) MarkdownEnabled() bool {
	return r.Markdown == nil || *r.Markdown
}

// Validate performs sanity checks on the static parts of the configuration.
// Endpoint and API key are checked per request by RequestConfig.Validate.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be positive, got %d", c.Server.MaxSessions)
	}
	if c.Server.Heartbeat <= 0 {
		return fmt.Errorf("server.heartbeat must be positive, got %s", c.Server.Heartbeat)
	}
	if !c.Summary.BypassMode.Valid() {
		return fmt.Errorf("summary.bypass_mode %q must be one of %q, %q or %q",
			c.Summary.BypassMode, BypassDirect, BypassProxy, BypassBridge)
	}
	if c.Summary.Timeout < 0 {
		return fmt.Errorf("summary.timeout must not be negative, got %s", c.Summary.Timeout)
	}
	if c.Summary.RetryCount < 0 {
		return fmt.Errorf("summary.retry_count must not be negative, got %d", c.Summary.RetryCount)
	}
	if c.Render.FrameInterval < 0 {
		return fmt.Errorf("render.frame_interval must not be negative, got %s", c.Render.FrameInterval)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be %q or %q", c.Log.Format, "json", "console")
	}
	return nil
}

// Validate checks the fields a request cannot be issued without.
func (r RequestConfig) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return &MissingFieldError{Field: "endpoint"}
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return &MissingFieldError{Field: "api_key"}
	}
	if r.BypassMode == BypassProxy && strings.TrimSpace(r.ProxyURL) == "" {
		return &MissingFieldError{Field: "proxy_url"}
	}
	return nil
}

// MissingFieldError reports a request setting that must be provided.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("summary.%s must be provided", e.Field)
}
