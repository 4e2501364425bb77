// Package config loads the runner's central Config struct
// from a JSON file, with environment-variable overrides applied after
// load. The file format and loader itself are deliberately minimal: the
// user-facing pipeline configuration file loader is a separate, thinner
// collaborator out of scope for this repository.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// HypervisorConfig configures the microVM lifecycle manager (C3/C4).
type HypervisorConfig struct {
	BinaryPath     string `json:"binary_path"`
	KernelImage    string `json:"kernel_image"`
	RuntimeDir     string `json:"runtime_dir"`
	SocketPollMS   int    `json:"socket_poll_ms"`
	APIReadySec    int    `json:"api_ready_sec"`
	StopTimeoutSec int    `json:"stop_timeout_sec"`
}

// NetworkConfig configures the per-VM network allocator (C2).
type NetworkConfig struct {
	BaseSubnet    string `json:"base_subnet"` // e.g. "10.200.0.0/16"
	ExternalIface string `json:"external_iface"`
	EnableNAT     bool   `json:"enable_nat"`
	MaxSlots      int    `json:"max_slots"`
}

// StoreConfig configures the embedded store (C1).
type StoreConfig struct {
	Path string `json:"path"`
}

// SchedulerConfig configures run/job dispatch (C9).
type SchedulerConfig struct {
	MaxConcurrent int           `json:"max_concurrent"`
	PollInterval  time.Duration `json:"poll_interval"`
	Adaptive      bool          `json:"adaptive"`
	MinConcurrent int           `json:"min_concurrent"`
	WarmPoolSize  int           `json:"warm_pool_size"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `json:"metrics_enabled"`
	TracingEndpoint string `json:"tracing_endpoint,omitempty"`
}

// AuthConfig configures the HTTP control surface's API-key auth.
type AuthConfig struct {
	APIKey        string `json:"api_key,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// SecretsConfig configures AES-256-GCM secret encryption at rest.
type SecretsConfig struct {
	MasterKeyHex  string `json:"master_key_hex,omitempty"`
	MasterKeyFile string `json:"master_key_file,omitempty"`
}

// ArtifactsConfig configures the optional S3 archiving collaborator.
type ArtifactsConfig struct {
	S3Bucket string `json:"s3_bucket,omitempty"`
	S3Region string `json:"s3_region,omitempty"`
}

// Config is the top-level, JSON-loadable configuration object.
type Config struct {
	ListenAddr    string              `json:"listen_addr"`
	LogFormat     string              `json:"log_format"`
	LogLevel      string              `json:"log_level"`
	Hypervisor    HypervisorConfig    `json:"hypervisor"`
	Network       NetworkConfig       `json:"network"`
	Store         StoreConfig         `json:"store"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Observability ObservabilityConfig `json:"observability"`
	Auth          AuthConfig          `json:"auth"`
	Secrets       SecretsConfig       `json:"secrets"`
	Artifacts     ArtifactsConfig     `json:"artifacts"`
}

// DefaultConfig returns the configuration used when no file is supplied,
// suitable for local development against a single host.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogFormat:  "text",
		LogLevel:   "info",
		Hypervisor: HypervisorConfig{
			BinaryPath:     "/usr/bin/firecracker",
			RuntimeDir:     "/var/run/ci-runner",
			SocketPollMS:   50,
			APIReadySec:    5,
			StopTimeoutSec: 10,
		},
		Network: NetworkConfig{
			BaseSubnet: "10.200.0.0/16",
			EnableNAT:  true,
			MaxSlots:   4096,
		},
		Store: StoreConfig{
			Path: "./ci-runner.db",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			PollInterval:  500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
		},
	}
}

// LoadFromFile reads and parses a JSON config file, applying it on top of
// DefaultConfig so unspecified fields keep their defaults, then applies
// environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CI_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CI_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CI_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("CI_WEBHOOK_SECRET"); v != "" {
		cfg.Auth.WebhookSecret = v
	}
}
