package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mtzanidakis/synedrio/internal/debate"
	"gopkg.in/yaml.v3"
)

const (
	ProviderKindBus       = "bus"
	ProviderKindAnthropic = "anthropic"
)

type Config struct {
	Telegram  TelegramConfig            `yaml:"telegram"`
	NATS      NATSConfig                `yaml:"nats"`
	Store     StoreConfig               `yaml:"store"`
	Web       WebConfig                 `yaml:"web"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Debate    DebateConfig              `yaml:"debate"`
	Poller    PollerConfig              `yaml:"poller"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Presets   map[string][]string       `yaml:"presets"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type NATSConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
	// MaxPayload bounds a single message; agent replies can be large.
	MaxPayload int `yaml:"max_payload"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type DebateConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	FailureThreshold int           `yaml:"failure_threshold"`
	InputTimeout     time.Duration `yaml:"input_timeout"`
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
}

type PollerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Providers []string      `yaml:"providers"`
}

// ProviderConfig describes how to reach one provider. Kind "bus" talks to a
// bridge over NATS, kind "anthropic" calls the Messages API directly.
type ProviderConfig struct {
	Kind      string `yaml:"kind"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

type ScheduleConfig struct {
	Name     string        `yaml:"name"`
	Schedule string        `yaml:"schedule"`
	Debate   debate.Config `yaml:"debate"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Host:       "127.0.0.1",
			Port:       4222,
			MaxPayload: 8 << 20,
		},
		Store: StoreConfig{
			Path: "data/synedrio.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			Interval: time.Minute,
		},
		Debate: DebateConfig{
			MaxIterations:    100,
			FailureThreshold: 3,
			InputTimeout:     30 * time.Second,
			ResponseTimeout:  5 * time.Minute,
			CheckTimeout:     5 * time.Second,
		},
		Poller: PollerConfig{
			Interval: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNEDRIO_CONFIG")
	if path == "" {
		path = "config/synedrio.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
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

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNEDRIO_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SYNEDRIO_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("SYNEDRIO_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SYNEDRIO_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv("SYNEDRIO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNEDRIO_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		for name, p := range cfg.Providers {
			if p.Kind == ProviderKindAnthropic && p.APIKey == "" {
				p.APIKey = v
				cfg.Providers[name] = p
			}
		}
	}
}

func (c *Config) validate() error {
	for name, p := range c.Providers {
		switch p.Kind {
		case ProviderKindBus, ProviderKindAnthropic:
		case "":
			p.Kind = ProviderKindBus
			c.Providers[name] = p
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
	}
	if c.NATS.MaxPayload < 0 || c.NATS.MaxPayload > 64<<20 {
		return fmt.Errorf("nats.max_payload must be between 0 and 64MB")
	}
	if c.Debate.FailureThreshold < 1 {
		return fmt.Errorf("debate.failure_threshold must be at least 1")
	}
	if c.Debate.MaxIterations < 1 {
		return fmt.Errorf("debate.max_iterations must be at least 1")
	}
	return nil
}
