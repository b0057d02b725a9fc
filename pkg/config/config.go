package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, immutable after load
type Config struct {
	DataDir  string `yaml:"data_dir"`
	APIAddr  string `yaml:"api_addr"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	AuthToken string `yaml:"auth_token"`

	Billing BillingConfig `yaml:"billing"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Collab  CollabConfig  `yaml:"collab"`
	Worker  WorkerConfig  `yaml:"worker"`
	Webhook WebhookConfig `yaml:"webhook"`
	LLM     LLMConfig     `yaml:"llm"`
}

// BillingConfig controls the billing service
type BillingConfig struct {
	SafetyBuffer     float64       `yaml:"safety_buffer"`     // fraction added to pre-call estimates
	PerCallCap       string        `yaml:"per_call_cap"`      // decimal string, empty = no cap
	MaxRetries       int           `yaml:"max_retries"`       // post-call charge retries
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before read_only
	RecoveryInterval time.Duration `yaml:"recovery_interval"` // quiet period before retrying normal mode
	RequestsPerMin   int           `yaml:"requests_per_minute"`
	TokensPerMin     int           `yaml:"tokens_per_minute"`
}

// SandboxConfig controls the sandbox manager
type SandboxConfig struct {
	MaxEnvironments int           `yaml:"max_environments"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// CollabConfig controls the collaboration gateway
type CollabConfig struct {
	HistoryWindow         int           `yaml:"history_window"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxQueueDepth         int           `yaml:"max_queue_depth"`
	ActivationThreshold   float64       `yaml:"activation_threshold"`
	DeactivationThreshold float64       `yaml:"deactivation_threshold"`
	OpenDuration          time.Duration `yaml:"open_duration"`
	HalfOpenMaxRequests   int           `yaml:"half_open_max_requests"`
	SampleInterval        time.Duration `yaml:"sample_interval"`
	ReconnectTokenTTL     time.Duration `yaml:"reconnect_token_ttl"`
	OpsPerSecond          float64       `yaml:"ops_per_second"`
	OpsBurst              int           `yaml:"ops_burst"`
	ConnectionsPerMin     int           `yaml:"connections_per_minute"`
	MaxCursorsPerDoc      int           `yaml:"max_cursors_per_doc"`
	PresenceGrace         time.Duration `yaml:"presence_grace"`
}

// WorkerConfig controls run-executing workers
type WorkerConfig struct {
	Count      int           `yaml:"count"`
	LeaseTTL   time.Duration `yaml:"lease_ttl"`
	PollEvery  time.Duration `yaml:"poll_interval"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// WebhookConfig controls outbound alert delivery
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
	Retries int    `yaml:"retries"`
}

// LLMConfig controls the provider gateway
type LLMConfig struct {
	Model            string              `yaml:"model"` // default model for planning and execution
	FallbackProvider string              `yaml:"fallback_provider"`
	MaxRetries       int                 `yaml:"max_retries"`
	RequestsPerSec   float64             `yaml:"requests_per_second"`
	Burst            int                 `yaml:"burst"`
	Providers        []LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig describes one upstream completion endpoint
type LLMProviderConfig struct {
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Models  []string `yaml:"models"` // model prefixes routed to this provider
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		DataDir:  "/var/lib/atelier",
		APIAddr:  ":8420",
		LogLevel: "info",
		LogJSON:  true,
		Billing: BillingConfig{
			SafetyBuffer:     0.20,
			MaxRetries:       3,
			FailureThreshold: 5,
			RecoveryInterval: 60 * time.Second,
			RequestsPerMin:   120,
			TokensPerMin:     500000,
		},
		Sandbox: SandboxConfig{
			MaxEnvironments: 64,
			IdleTTL:         15 * time.Minute,
			SweepInterval:   time.Minute,
		},
		Collab: CollabConfig{
			HistoryWindow:         200,
			MaxConnections:        2048,
			MaxQueueDepth:         4096,
			ActivationThreshold:   0.95,
			DeactivationThreshold: 0.85,
			OpenDuration:          30 * time.Second,
			HalfOpenMaxRequests:   5,
			SampleInterval:        time.Second,
			ReconnectTokenTTL:     time.Hour,
			OpsPerSecond:          10,
			OpsBurst:              50,
			ConnectionsPerMin:     10,
			MaxCursorsPerDoc:      50,
			PresenceGrace:         5 * time.Second,
		},
		Worker: WorkerConfig{
			Count:      2,
			LeaseTTL:   30 * time.Second,
			PollEvery:  time.Second,
			RunTimeout: time.Hour,
			MaxRetries: 3,
		},
		Webhook: WebhookConfig{
			Retries: 3,
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet",
			MaxRetries:     3,
			RequestsPerSec: 10,
			Burst:          20,
		},
	}
}

// Load reads a YAML config file and applies it over the defaults
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
