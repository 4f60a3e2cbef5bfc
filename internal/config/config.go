// Package config handles Crewline configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/crewline/config.yaml, /etc/crewline/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "crewline", "config.yaml"))
	}

	paths = append(paths, "/etc/crewline/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Crewline configuration.
type Config struct {
	Listen        ListenConfig            `yaml:"listen"`
	Anthropic     AnthropicConfig         `yaml:"anthropic"`
	Loop          LoopConfig              `yaml:"loop"`
	Confirmations ConfirmationsConfig     `yaml:"confirmations"`
	Pricing       map[string]PricingEntry `yaml:"pricing"`
	MQTT          MQTTConfig              `yaml:"mqtt"`
	EmailNotify   EmailNotifyConfig       `yaml:"email_notify"`
	DataDir       string                  `yaml:"data_dir"`
	LogLevel      string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// LoopConfig bounds the conversation loop.
type LoopConfig struct {
	// MaxContinuations caps follow-up turns per invocation (default 5).
	MaxContinuations int `yaml:"max_continuations"`
	// HistoryWindow is how many recent messages are replayed verbatim
	// into the prompt (default 10).
	HistoryWindow int `yaml:"history_window"`
	// MaxTokens is the per-turn output token limit sent to the provider.
	MaxTokens int `yaml:"max_tokens"`
}

// ConfirmationsConfig controls the human-approval workflow.
type ConfirmationsConfig struct {
	// ExpiryMinutes is how long a pending action stays approvable
	// (default 30).
	ExpiryMinutes int `yaml:"expiry_minutes"`
	// ApprovalBaseURL is the externally reachable URL prefix for
	// approval links embedded in notifications.
	ApprovalBaseURL string `yaml:"approval_base_url"`
}

// PricingEntry defines per-model token pricing in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig defines the optional broker used for pending-action
// notifications and usage telemetry.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // topic prefix (default "crewline")
}

// EmailNotifyConfig defines the optional approval-request e-mail channel.
type EmailNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPAddr string `yaml:"smtp_addr"` // host:port
	// StartTLS upgrades a plain connection (port 587). When false the
	// connection is implicit TLS from the start (port 465).
	StartTLS bool     `yaml:"starttls"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"` // approver addresses
}

// LoopDefaults applied when fields are zero.
const (
	DefaultMaxContinuations = 5
	DefaultHistoryWindow    = 10
	DefaultMaxTokens        = 4096
	DefaultExpiryMinutes    = 30
)

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so secrets can live in the
// environment ("api_key: ${ANTHROPIC_API_KEY}").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		DataDir: "data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Loop.MaxContinuations <= 0 {
		c.Loop.MaxContinuations = DefaultMaxContinuations
	}
	if c.Loop.HistoryWindow <= 0 {
		c.Loop.HistoryWindow = DefaultHistoryWindow
	}
	if c.Loop.MaxTokens <= 0 {
		c.Loop.MaxTokens = DefaultMaxTokens
	}
	if c.Confirmations.ExpiryMinutes <= 0 {
		c.Confirmations.ExpiryMinutes = DefaultExpiryMinutes
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "crewline"
	}
}

// ConfirmationExpiry returns the pending-action lifetime as a duration.
func (c *Config) ConfirmationExpiry() time.Duration {
	return time.Duration(c.Confirmations.ExpiryMinutes) * time.Minute
}
