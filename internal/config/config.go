// Package config provides YAML-based configuration loading for Deskhand.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Deskhand configuration, loaded from deskhand.yaml.
type Config struct {
	Platform   string           `yaml:"platform"` // slack, discord, webhook
	Database   DatabaseConfig   `yaml:"database"`
	Slack      SlackConfig      `yaml:"slack"`
	Discord    DiscordConfig    `yaml:"discord"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Digest     DigestConfig     `yaml:"digest"`
	Realtors   []RealtorConfig  `yaml:"realtors"`
}

// RealtorConfig seeds the realtor roster at migration time.
type RealtorConfig struct {
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Phone      string `yaml:"phone"`
	ChatUserID string `yaml:"chat_user_id"`
}

// DatabaseConfig selects the storage backend. Driver is "mysql" or "sqlite";
// sqlite only needs Path.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
}

// SlackConfig holds Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds the bot token and an optional channel filter.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// WebhookConfig holds the HTTP intake listener settings. ReplyURL is the
// endpoint acknowledgments are posted back to.
type WebhookConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	ReplyURL   string `yaml:"reply_url"`
}

// ClassifierConfig holds model service settings for intent classification.
type ClassifierConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Attempts   int    `yaml:"attempts"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// PipelineConfig holds orchestration tunables.
type PipelineConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	Workers             int     `yaml:"workers"`
	RecoverAfterMin     int     `yaml:"recover_after_min"`
}

// DispatcherConfig holds acknowledgment delivery tunables.
type DispatcherConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BudgetSec   int `yaml:"budget_sec"`
}

// DashboardConfig holds the operator API server settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DigestConfig schedules the daily operational digest.
type DigestConfig struct {
	Cron         string `yaml:"cron"` // 5-field cron expression, empty disables
	Conversation string `yaml:"conversation"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "deskhand.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "deskhand"
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8791"
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = "gpt-4o-mini"
	}
	if c.Classifier.Attempts == 0 {
		c.Classifier.Attempts = 3
	}
	if c.Classifier.TimeoutSec == 0 {
		c.Classifier.TimeoutSec = 30
	}
	if c.Pipeline.ConfidenceThreshold == 0 {
		c.Pipeline.ConfidenceThreshold = 0.6
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.RecoverAfterMin == 0 {
		c.Pipeline.RecoverAfterMin = 10
	}
	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 5
	}
	if c.Dispatcher.BudgetSec == 0 {
		c.Dispatcher.BudgetSec = 60
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8790
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case "webhook":
		// listen_addr is defaulted, nothing else required
	case "":
		errs = append(errs, "platform is required")
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (slack, discord, webhook)", c.Platform))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Classifier.APIKey == "" {
		errs = append(errs, "classifier.api_key is required")
	}
	if t := c.Pipeline.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Sprintf("pipeline.confidence_threshold %v is outside [0,1]", t))
	}
	if c.Classifier.Attempts < 1 {
		errs = append(errs, "classifier.attempts must be at least 1")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, "dispatcher.max_attempts must be at least 1")
	}
	if c.Dispatcher.BudgetSec < 1 {
		errs = append(errs, "dispatcher.budget_sec must be at least 1")
	}
	for i, r := range c.Realtors {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("realtors[%d].name is required", i))
		}
		if r.Email == "" {
			errs = append(errs, fmt.Sprintf("realtors[%d].email is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
