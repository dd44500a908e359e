package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/sethvargo/go-envconfig"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Admission.RateLimit != 10 {
		t.Errorf("RateLimit = %d, want 10", cfg.Admission.RateLimit)
	}
	if cfg.Admission.Window.Duration != 10*time.Minute {
		t.Errorf("Window = %s, want 10m", cfg.Admission.Window)
	}
	if cfg.Dispatch.Strategy != StrategyInline {
		t.Errorf("Strategy = %q, want inline", cfg.Dispatch.Strategy)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Queue.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1 worker per process", cfg.Queue.Concurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Name != "taskpilot:tasks" {
		t.Errorf("Queue.Name = %q, want default", cfg.Queue.Name)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/var/lib/taskpilot.db"

[dispatch]
strategy = "durable-queue"

[queue]
backend = "redis"
stale_after = "45m"
concurrency = 4

[admission]
rate_limit = 3
window = "1h"

[billing.models.custom]
prompt = 1.5
completion = 2.5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DatabasePath != "/var/lib/taskpilot.db" {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
	if cfg.Dispatch.Strategy != StrategyDurableQueue {
		t.Errorf("Strategy = %q, want durable-queue", cfg.Dispatch.Strategy)
	}
	if cfg.Queue.StaleAfter.Duration != 45*time.Minute {
		t.Errorf("StaleAfter = %s, want 45m", cfg.Queue.StaleAfter)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Queue.Concurrency)
	}
	if cfg.Admission.RateLimit != 3 || cfg.Admission.Window.Duration != time.Hour {
		t.Errorf("admission = %d per %s, want 3 per 1h", cfg.Admission.RateLimit, cfg.Admission.Window)
	}
	if p := cfg.Billing.Models["custom"]; p.Prompt != 1.5 || p.Completion != 2.5 {
		t.Errorf("custom price = %+v", p)
	}
	// Defaults survive for untouched sections.
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[admission]\nwindow = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	lookuper := envconfig.MapLookuper(map[string]string{
		"GITHUB_TOKEN":                "ghp_test",
		"ANTHROPIC_API_KEY":           "sk-test",
		"TASKPILOT_DISPATCH_STRATEGY": "durable-queue",
		"GITHUB_APP_ID":               "77",
	})

	if err := ApplyEnv(context.Background(), cfg, lookuper); err != nil {
		t.Fatal(err)
	}

	if cfg.Secrets.GitHubToken != "ghp_test" {
		t.Errorf("GitHubToken = %q", cfg.Secrets.GitHubToken)
	}
	if cfg.Secrets.AnthropicAPIKey != "sk-test" {
		t.Errorf("AnthropicAPIKey = %q", cfg.Secrets.AnthropicAPIKey)
	}
	if cfg.Dispatch.Strategy != StrategyDurableQueue {
		t.Errorf("Strategy = %q, want durable-queue", cfg.Dispatch.Strategy)
	}
	if cfg.GitHub.AppID != 77 {
		t.Errorf("AppID = %d, want 77", cfg.GitHub.AppID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown strategy", func(c *Config) { c.Dispatch.Strategy = "celery" }, "dispatch strategy"},
		{"unknown spawner", func(c *Config) {
			c.Dispatch.Strategy = StrategyExternalJob
			c.Dispatch.Spawner = "nomad"
		}, "job spawner"},
		{"unknown backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue backend"},
		{"zero rate limit", func(c *Config) { c.Admission.RateLimit = 0 }, "rate limit"},
		{"stale_after below agent timeout", func(c *Config) { c.Queue.StaleAfter = Duration{10 * time.Minute} }, "queue stale_after"},
		{"stale_after within margin", func(c *Config) {
			c.Agent.Timeout = Duration{time.Hour}
			c.Queue.StaleAfter = Duration{time.Hour + StaleMargin}
		}, "queue stale_after"},
		{"stale_after past margin", func(c *Config) {
			c.Agent.Timeout = Duration{time.Hour}
			c.Queue.StaleAfter = Duration{2 * time.Hour}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var cerr *domain.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() = %v, want ConfigurationError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
