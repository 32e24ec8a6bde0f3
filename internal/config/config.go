package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Store      StoreConfig      `yaml:"store"`
	Web        WebConfig        `yaml:"web"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Engine     EngineConfig     `yaml:"engine"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Agents     AgentsConfig     `yaml:"agents"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Vault      VaultConfig      `yaml:"vault"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Fleet declares agents that are registered at startup and kept in
	// sync on reload, keyed by agent id.
	Fleet map[string]AgentDefinition `yaml:"fleet"`
}

// NATSConfig either embeds a server on Host:Port or, when URL is set,
// connects to an external one.
type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	URL  string `yaml:"url"`
}

// StoreConfig selects the persistence backend. Driver is one of
// "sqlite", "postgres" or "memory".
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type DispatcherConfig struct {
	Policy            string        `yaml:"policy"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	Seed              int64         `yaml:"seed"`
}

type EngineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
}

// AgentDefinition describes a config-declared agent.
type AgentDefinition struct {
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"`
	Capabilities       []string          `yaml:"capabilities"`
	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	Tags               map[string]string `yaml:"tags"`
	AutoStart          bool              `yaml:"auto_start"`
}

type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type TelemetryConfig struct {
	TraceStdout bool `yaml:"trace_stdout"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/orkestra.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Dispatcher: DispatcherConfig{
			Policy:            "least-loaded",
			PollInterval:      5 * time.Second,
			DefaultMaxRetries: 3,
		},
		Engine: EngineConfig{
			PollInterval: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: 90 * time.Second,
			ReapInterval:     30 * time.Second,
		},
		Metrics: MetricsConfig{
			Interval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ORKESTRA_CONFIG")
	if path == "" {
		path = "config/orkestra.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
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

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	for id, def := range c.Fleet {
		if def.MaxConcurrentTasks < 0 {
			return fmt.Errorf("fleet.%s.max_concurrent_tasks must not be negative", id)
		}
	}
	if c.Dispatcher.DefaultMaxRetries < 0 {
		return fmt.Errorf("dispatcher.default_max_retries must not be negative")
	}
	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORKESTRA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ORKESTRA_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("ORKESTRA_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("ORKESTRA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ORKESTRA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ORKESTRA_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ORKESTRA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ORKESTRA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ORKESTRA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ORKESTRA_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("ORKESTRA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
