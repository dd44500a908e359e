package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
)

// Dispatch strategies
const (
	StrategyInline       = "inline"
	StrategyExternalJob  = "external-job"
	StrategyDurableQueue = "durable-queue"
	StrategyLog          = "log"
)

// Queue backends
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Job spawners
const (
	SpawnerKubernetes = "kubernetes"
	SpawnerProcess    = "process"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	GitHub        GitHubConfig        `toml:"github"`
	Dispatch      DispatchConfig      `toml:"dispatch"`
	Queue         QueueConfig         `toml:"queue"`
	Kubernetes    KubernetesConfig    `toml:"kubernetes"`
	Admission     AdmissionConfig     `toml:"admission"`
	Billing       BillingConfig       `toml:"billing"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`

	// Secrets are read from the environment only.
	Secrets Secrets `toml:"-"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	WorkDir      string `toml:"work_dir"`
	DashboardURL string `toml:"dashboard_url"`
	CommitName   string `toml:"commit_name"`
	CommitEmail  string `toml:"commit_email"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
}

// GitHubConfig holds code-hosting settings
type GitHubConfig struct {
	APIURL string `toml:"api_url"`
	GitURL string `toml:"git_url"`
	AppID  int64  `toml:"app_id"`
}

// DispatchConfig selects how scheduled tasks are executed
type DispatchConfig struct {
	Strategy      string `toml:"strategy"`
	Spawner       string `toml:"spawner"`
	ProcessBinary string `toml:"process_binary"`
}

// QueueConfig configures the durable queue and its workers. Concurrency
// above 1 runs that many logical workers inside one process; they share its
// store handle and agent host, so scale out with more processes when a single
// machine is the bottleneck. StaleAfter must exceed the agent timeout by
// StaleMargin, otherwise recovery requeues tasks that are still running.
type QueueConfig struct {
	Backend         string   `toml:"backend"`
	Addr            string   `toml:"addr"`
	DB              int      `toml:"db"`
	Name            string   `toml:"name"`
	Block           Duration `toml:"block"`
	StaleAfter      Duration `toml:"stale_after"`
	RecoverSchedule string   `toml:"recover_schedule"`
	Concurrency     int      `toml:"concurrency"`
}

// KubernetesConfig configures the Kubernetes job spawner
type KubernetesConfig struct {
	Namespace      string `toml:"namespace"`
	Image          string `toml:"image"`
	Kubeconfig     string `toml:"kubeconfig"`
	ServiceAccount string `toml:"service_account"`
	SecretName     string `toml:"secret_name"`
	TTLSeconds     int32  `toml:"ttl_seconds"`
}

// AdmissionConfig holds admission gates
type AdmissionConfig struct {
	RateLimit     int      `toml:"rate_limit"`
	Window        Duration `toml:"window"`
	DefaultBudget float64  `toml:"default_budget"`
}

// ModelPrice is the USD price per million tokens
type ModelPrice struct {
	Prompt     float64 `toml:"prompt"`
	Completion float64 `toml:"completion"`
}

// BillingConfig holds pricing and discount policy
type BillingConfig struct {
	CreditMultiplier          float64               `toml:"credit_multiplier"`
	OpenSourceDiscountPercent float64               `toml:"open_source_discount_percent"`
	MinContributors           int                   `toml:"min_contributors"`
	MinRecentCommits          int                   `toml:"min_recent_commits"`
	OSILicenses               []string              `toml:"osi_licenses"`
	Models                    map[string]ModelPrice `toml:"models"`
}

// AgentConfig configures the agent executor and the title model
type AgentConfig struct {
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	Timeout    Duration `toml:"timeout"`
	Model      string   `toml:"model"`
	MaxTokens  int      `toml:"max_tokens"`
	PromptsDir string   `toml:"prompts_dir"` // overrides embedded prompts file by file
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// TelemetryConfig holds tracing and metrics settings
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
	ServiceName  string `toml:"service_name"`
	MetricsAddr  string `toml:"metrics_addr"`
}

// Secrets holds credentials and deployment overrides taken from the environment
type Secrets struct {
	GitHubToken          string `env:"GITHUB_TOKEN"`
	GitHubAppID          int64  `env:"GITHUB_APP_ID"`
	GitHubPrivateKey     string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubPrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`
	AnthropicAPIKey      string `env:"ANTHROPIC_API_KEY"`
	SlackWebhookURL      string `env:"SLACK_WEBHOOK_URL"`
	RedisPassword        string `env:"REDIS_PASSWORD"`
	APIKey               string `env:"TASKPILOT_API_KEY"`
	DispatchStrategy     string `env:"TASKPILOT_DISPATCH_STRATEGY"`
	DatabasePath         string `env:"TASKPILOT_DATABASE"`
}

// Duration is a time.Duration that reads "10m" style strings from TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".taskpilot", "taskpilot.db"),
			WorkDir:      filepath.Join(home, ".taskpilot", "work"),
			DashboardURL: "https://app.pr-pilot.ai/dashboard",
			CommitName:   "PR Pilot",
			CommitEmail:  "bot@pr-pilot.ai",
			LogLevel:     "info",
			LogFormat:    "text",
		},
		GitHub: GitHubConfig{
			GitURL: "https://github.com",
		},
		Dispatch: DispatchConfig{
			Strategy: StrategyInline,
			Spawner:  SpawnerKubernetes,
		},
		Queue: QueueConfig{
			Backend:         BackendSQLite,
			Addr:            "127.0.0.1:6379",
			Name:            "taskpilot:tasks",
			Block:           Duration{5 * time.Second},
			StaleAfter:      Duration{time.Hour},
			RecoverSchedule: "*/5 * * * *",
			Concurrency:     1,
		},
		Kubernetes: KubernetesConfig{
			Namespace:  "default",
			Image:      "ghcr.io/hochfrequenz/taskpilot:latest",
			SecretName: "taskpilot",
			TTLSeconds: 3600,
		},
		Admission: AdmissionConfig{
			RateLimit:     10,
			Window:        Duration{10 * time.Minute},
			DefaultBudget: 500,
		},
		Billing: BillingConfig{
			CreditMultiplier:          2,
			OpenSourceDiscountPercent: 20,
			MinContributors:           5,
			MinRecentCommits:          10,
			OSILicenses: []string{
				"MIT", "Apache-2.0", "GPL-2.0", "GPL-3.0", "LGPL-2.1", "LGPL-3.0",
				"BSD-2-Clause", "BSD-3-Clause", "MPL-2.0", "AGPL-3.0", "EPL-2.0", "ISC",
			},
			Models: map[string]ModelPrice{
				"claude-sonnet-4-20250514": {Prompt: 3, Completion: 15},
				"claude-3-5-haiku-latest":  {Prompt: 0.8, Completion: 4},
			},
		},
		Agent: AgentConfig{
			Command:   "claude",
			Timeout:   Duration{30 * time.Minute},
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 512,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "taskpilot",
			MetricsAddr: ":9090",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.Kubernetes.Kubeconfig = ExpandPath(cfg.Kubernetes.Kubeconfig)

	return cfg, nil
}

// ApplyEnv reads secrets and overrides from the environment. A nil
// lookuper reads the process environment.
func ApplyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg.Secrets,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	s := cfg.Secrets
	if s.DispatchStrategy != "" {
		cfg.Dispatch.Strategy = s.DispatchStrategy
	}
	if s.DatabasePath != "" {
		cfg.General.DatabasePath = ExpandPath(s.DatabasePath)
	}
	if s.GitHubAppID != 0 {
		cfg.GitHub.AppID = s.GitHubAppID
	}
	if s.SlackWebhookURL != "" {
		cfg.Notifications.SlackWebhook = s.SlackWebhookURL
	}
	if s.GitHubPrivateKey == "" && s.GitHubPrivateKeyPath != "" {
		key, err := os.ReadFile(ExpandPath(s.GitHubPrivateKeyPath))
		if err != nil {
			return fmt.Errorf("reading GitHub app key: %w", err)
		}
		cfg.Secrets.GitHubPrivateKey = string(key)
	}
	return nil
}

// StaleMargin is the minimum gap between the agent timeout and the queue's
// stale_after
const StaleMargin = 5 * time.Minute

// Validate rejects deployment misconfigurations
func (c *Config) Validate() error {
	switch c.Dispatch.Strategy {
	case StrategyInline, StrategyExternalJob, StrategyDurableQueue, StrategyLog:
	default:
		return &domain.ConfigurationError{Field: "dispatch strategy", Value: c.Dispatch.Strategy}
	}
	if c.Dispatch.Strategy == StrategyExternalJob {
		switch c.Dispatch.Spawner {
		case SpawnerKubernetes, SpawnerProcess:
		default:
			return &domain.ConfigurationError{Field: "job spawner", Value: c.Dispatch.Spawner}
		}
	}
	switch c.Queue.Backend {
	case BackendRedis, BackendSQLite:
	default:
		return &domain.ConfigurationError{Field: "queue backend", Value: c.Queue.Backend}
	}
	if c.Agent.Timeout.Duration > 0 && c.Queue.StaleAfter.Duration <= c.Agent.Timeout.Duration+StaleMargin {
		return &domain.ConfigurationError{
			Field: "queue stale_after",
			Value: fmt.Sprintf("%s (agent timeout %s needs at least %s)", c.Queue.StaleAfter, c.Agent.Timeout, c.Agent.Timeout.Duration+StaleMargin),
		}
	}
	if c.Admission.RateLimit <= 0 || c.Admission.Window.Duration <= 0 {
		return &domain.ConfigurationError{Field: "rate limit", Value: fmt.Sprintf("%d per %s", c.Admission.RateLimit, c.Admission.Window)}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskpilot", "config.toml")
}
