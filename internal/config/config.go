package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Vault     VaultConfig     `yaml:"vault"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
	// RatePerSecond limits tool invocations per remote address; 0 disables.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

type SandboxConfig struct {
	// Image is the default template for sandbox containers.
	Image string `yaml:"image"`
	// MaxConcurrent caps sandboxes created per provisioning attempt.
	MaxConcurrent int           `yaml:"max_concurrent"`
	CreateTimeout time.Duration `yaml:"create_timeout"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
}

type PricingConfig struct {
	// BaseCost is charged once per swarm, PerAgentCost once per requested agent.
	BaseCost     float64 `yaml:"base_cost"`
	PerAgentCost float64 `yaml:"per_agent_cost"`
	// RuntimePerMinute feeds the final usage meter at teardown.
	RuntimePerMinute float64 `yaml:"runtime_per_minute"`
	// LowBalanceAlert triggers a notification when a debit leaves less than this.
	LowBalanceAlert float64 `yaml:"low_balance_alert"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/hivegate.db",
		},
		Web: WebConfig{
			Enabled:       true,
			Port:          8080,
			RatePerSecond: 10,
			RateBurst:     20,
		},
		Sandbox: SandboxConfig{
			Image:         "hivegate-sandbox:latest",
			MaxConcurrent: 100,
			CreateTimeout: 60 * time.Second,
			ExecTimeout:   5 * time.Minute,
		},
		Pricing: PricingConfig{
			BaseCost:         3,
			PerAgentCost:     2,
			RuntimePerMinute: 0.1,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEGATE_CONFIG")
	if path == "" {
		path = "config/hivegate.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be at least 1, got %d", c.Sandbox.MaxConcurrent)
	}
	if c.Pricing.BaseCost < 0 || c.Pricing.PerAgentCost < 0 {
		return fmt.Errorf("pricing rates must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEGATE_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVEGATE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVEGATE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVEGATE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEGATE_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("HIVEGATE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HIVEGATE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
