// Package config loads service settings from an optional YAML file, a .env
// file and environment variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/linkguard/guardian/internal/verdict"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	AI         AIConfig           `yaml:"ai"`
	Search     SearchConfig       `yaml:"search"`
	Moderation ModerationConfig   `yaml:"moderation"`
	Thresholds verdict.Thresholds `yaml:"thresholds"`
	Analysis   AnalysisConfig     `yaml:"analysis"`
	ThreatList ThreatListConfig   `yaml:"threatlist"`
	Database   DatabaseConfig     `yaml:"database"`
	Redis      RedisConfig        `yaml:"redis"`
	NATS       NATSConfig         `yaml:"nats"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Cache      CacheConfig        `yaml:"cache"`
	AIBudget   BudgetConfig       `yaml:"ai_budget"`
}

type AIConfig struct {
	Provider        string        `yaml:"provider"` // openai, anthropic or local
	Model           string        `yaml:"model"`    // empty picks the provider default
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	LocalURL        string        `yaml:"local_url"`
	BaseURL         string        `yaml:"base_url"` // overrides the hosted endpoint
}

type SearchConfig struct {
	SerpAPIKey string `yaml:"serpapi_key"`
	Results    int    `yaml:"results"`
	BaseURL    string `yaml:"base_url"`
}

type ModerationConfig struct {
	WarningsBeforeMute int           `yaml:"warnings_before_mute"`
	MuteDurationDays   int           `yaml:"mute_duration_days"`
	WarningsBeforeBan  int           `yaml:"warnings_before_ban"`
	WarningExpiryDays  int           `yaml:"warning_expiry_days"`
	MinConfidence      float64       `yaml:"min_confidence"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MutedRole          string        `yaml:"muted_role"`
	AdminRole          string        `yaml:"admin_role"`
	AdminChannels      []string      `yaml:"admin_channels"`
	SafeAdvisoryTTL    time.Duration `yaml:"safe_advisory_ttl"`
}

type AnalysisConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Deadline     time.Duration `yaml:"deadline"`
	Workers      int           `yaml:"workers"`
	// MessageWorkers bounds how many messages are processed at once.
	MessageWorkers   int      `yaml:"message_workers"`
	TrustedDomains   []string `yaml:"trusted_domains"`
	SuspiciousTLDs   []string `yaml:"suspicious_tlds"`
	MaliciousDomains []string `yaml:"malicious_domains"`
	RDAPURL          string   `yaml:"rdap_url"`
}

type ThreatListConfig struct {
	File    string        `yaml:"file"`
	Refresh time.Duration `yaml:"refresh"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

type BudgetConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		AI: AIConfig{
			Provider:    "openai",
			Temperature: 0.3,
			MaxTokens:   1000,
			Timeout:     30 * time.Second,
			LocalURL:    "http://localhost:11434",
		},
		Search: SearchConfig{Results: 5},
		Moderation: ModerationConfig{
			WarningsBeforeMute: 3,
			MuteDurationDays:   15,
			WarningsBeforeBan:  5,
			WarningExpiryDays:  90,
			MinConfidence:      0.7,
			SweepInterval:      time.Minute,
			MutedRole:          "Muted",
			AdminRole:          "Admin",
			AdminChannels:      []string{"admin-logs", "logs"},
			SafeAdvisoryTTL:    10 * time.Second,
		},
		Thresholds: verdict.DefaultThresholds(),
		Analysis: AnalysisConfig{
			CheckTimeout:   10 * time.Second,
			FetchTimeout:   10 * time.Second,
			Deadline:       60 * time.Second,
			Workers:        8,
			MessageWorkers: 16,
			TrustedDomains: []string{"google.com", "github.com", "microsoft.com", "wikipedia.org", "discord.com"},
			SuspiciousTLDs: []string{".tk", ".ml", ".ga", ".cf", ".gq"},
			RDAPURL:        "https://rdap.org/domain/",
		},
		ThreatList: ThreatListConfig{Refresh: 10 * time.Minute},
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "data/guardian.db"},
		NATS:       NATSConfig{URL: "nats://localhost:4222"},
		Metrics:    MetricsConfig{Addr: ":9102"},
		Cache:      CacheConfig{TTL: 10 * time.Minute, Size: 10_000},
		AIBudget:   BudgetConfig{Limit: 30, Window: time.Minute},
	}
}

// Load builds the configuration. An empty path or a missing file falls back
// to defaults before .env and environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.AI.Provider = strings.ToLower(getEnv("AI_PROVIDER", c.AI.Provider))
	c.AI.Model = getEnv("AI_MODEL", c.AI.Model)
	c.AI.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.AI.OpenAIAPIKey)
	c.AI.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AI.AnthropicAPIKey)
	c.AI.LocalURL = getEnv("LOCAL_LLM_URL", c.AI.LocalURL)
	c.Search.SerpAPIKey = getEnv("SERPAPI_KEY", c.Search.SerpAPIKey)
	c.ThreatList.File = getEnv("THREATLIST_FILE", c.ThreatList.File)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m := c.Moderation
	switch {
	case m.WarningsBeforeMute < 1:
		return fmt.Errorf("%w: warnings_before_mute must be at least 1", ErrInvalid)
	case m.WarningsBeforeBan != 0 && m.WarningsBeforeBan < m.WarningsBeforeMute:
		return fmt.Errorf("%w: warnings_before_ban must be 0 or >= warnings_before_mute", ErrInvalid)
	case m.MuteDurationDays < 1:
		return fmt.Errorf("%w: mute_duration_days must be at least 1", ErrInvalid)
	case m.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalid)
	case m.MinConfidence < 0 || m.MinConfidence >= 1:
		return fmt.Errorf("%w: min_confidence must be in [0,1)", ErrInvalid)
	}

	a := c.Analysis
	if a.CheckTimeout <= 0 || a.FetchTimeout <= 0 {
		return fmt.Errorf("%w: check and fetch timeouts must be positive", ErrInvalid)
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("%w: ai timeout must be positive", ErrInvalid)
	}
	// Basic checks, the page fetch and the classifier run one after another.
	if budget := a.CheckTimeout + a.FetchTimeout + c.AI.Timeout; a.Deadline <= budget {
		return fmt.Errorf("%w: analysis deadline %s must exceed check_timeout + fetch_timeout + ai.timeout (%s)",
			ErrInvalid, a.Deadline, budget)
	}
	if a.Workers < 1 || a.MessageWorkers < 1 {
		return fmt.Errorf("%w: analysis workers and message_workers must be at least 1", ErrInvalid)
	}

	switch c.AI.Provider {
	case "openai", "anthropic", "local":
	default:
		return fmt.Errorf("%w: unknown ai provider %q", ErrInvalid, c.AI.Provider)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}
	return nil
}

// MuteDuration is the length of an escalation mute.
func (m ModerationConfig) MuteDuration() time.Duration {
	return time.Duration(m.MuteDurationDays) * 24 * time.Hour
}

// WarningWindow is how far back warnings count towards escalation. Zero
// means all history.
func (m ModerationConfig) WarningWindow() time.Duration {
	return time.Duration(m.WarningExpiryDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
