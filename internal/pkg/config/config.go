package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fliq     FliqConfig     `yaml:"fliq"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Telegram TelegramConfig `yaml:"telegram"`
	Store    StoreConfig    `yaml:"store"`
	Health   HealthConfig   `yaml:"health"`
}

type FliqConfig struct {
	APIBase         string        `yaml:"api_base"`
	BaseMarketURL   string        `yaml:"base_market_url"`
	ReferralCode    string        `yaml:"referral_code"`
	FetchLimit      int           `yaml:"fetch_limit"`
	RequireApproved bool          `yaml:"require_approved"`
	Timeout         time.Duration `yaml:"timeout"`
}

type WatcherConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	ValidationInterval  time.Duration `yaml:"validation_interval"` // 0 disables periodic validation
	HeartbeatEnabled    bool          `yaml:"heartbeat_enabled"`
	HeartbeatText       string        `yaml:"heartbeat_text"`
	RemovedLogPath      string        `yaml:"removed_log_path"`
	MaxDispatchAttempts int           `yaml:"max_dispatch_attempts"` // retries before a market is skipped as poison
	DispatchWorkers     int           `yaml:"dispatch_workers"`
}

type TelegramConfig struct {
	BotToken          string `yaml:"bot_token"`
	ChatID            int64  `yaml:"chat_id"`
	MaxLinksInMessage int    `yaml:"max_links_in_message"`
	UpdateTimeout     int    `yaml:"update_timeout"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // "file", "postgres" or "redis"
	Path     string         `yaml:"path"`    // file backend: snapshot JSON path
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type HealthConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// Default returns the configuration the watcher starts with when no config
// file overrides it. Values mirror the service's historical env defaults.
func Default() *Config {
	return &Config{
		Fliq: FliqConfig{
			APIBase:         "https://auto-question.fliq.one/question",
			BaseMarketURL:   "https://www.fliq.one/#/multi-question",
			ReferralCode:    "aD6VfTQkAW",
			FetchLimit:      1000,
			RequireApproved: true,
			Timeout:         20 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval:        15 * time.Minute,
			ValidationInterval:  24 * time.Hour,
			HeartbeatEnabled:    true,
			HeartbeatText:       "CHECK no new Match Result matches",
			RemovedLogPath:      "removed_markets.log",
			MaxDispatchAttempts: 5,
			DispatchWorkers:     1,
		},
		Telegram: TelegramConfig{
			MaxLinksInMessage: 30,
			UpdateTimeout:     60,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "upcoming_match_results.json",
		},
		Health: HealthConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Load reads the YAML config at configPath (optional, "" skips the file),
// applies environment variable overrides and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from the environment. Env vars keep the
// names the deployment has always used.
func (c *Config) applyEnv() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be numeric: %w", err)
		}
		c.Telegram.ChatID = id
	}
	if v := os.Getenv("API_BASE"); v != "" {
		c.Fliq.APIBase = v
	}
	if v := os.Getenv("BASE_MARKET_URL"); v != "" {
		c.Fliq.BaseMarketURL = v
	}
	if v := os.Getenv("REFERRAL_CODE"); v != "" {
		c.Fliq.ReferralCode = v
	}
	if v := os.Getenv("MATCHES_FILE"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("REMOVED_LOG_PATH"); v != "" {
		c.Watcher.RemovedLogPath = v
	}
	if v := os.Getenv("HEARTBEAT_TEXT_NO_NEW"); v != "" {
		c.Watcher.HeartbeatText = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	var err error
	if c.Fliq.FetchLimit, err = envInt("FETCH_LIMIT", c.Fliq.FetchLimit); err != nil {
		return err
	}
	if c.Telegram.MaxLinksInMessage, err = envInt("MAX_LINKS_IN_MESSAGE", c.Telegram.MaxLinksInMessage); err != nil {
		return err
	}
	if c.Watcher.PollInterval, err = envSeconds("POLL_INTERVAL_SECONDS", c.Watcher.PollInterval); err != nil {
		return err
	}
	if c.Watcher.ValidationInterval, err = envSeconds("VALIDATION_INTERVAL_SECONDS", c.Watcher.ValidationInterval); err != nil {
		return err
	}
	if c.Fliq.Timeout, err = envSeconds("REQUEST_TIMEOUT_SECONDS", c.Fliq.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("HEARTBEAT_ENABLED"); v != "" {
		c.Watcher.HeartbeatEnabled = isTruthy(v)
	}
	if v := os.Getenv("REQUIRE_APPROVED"); v != "" {
		c.Fliq.RequireApproved = isTruthy(v)
	}
	return nil
}

// Validate checks settings the process cannot start without. Failures here
// are fatal and cause a non-zero exit at startup.
func (c *Config) Validate() error {
	if c.Fliq.APIBase == "" {
		return fmt.Errorf("fliq.api_base is required")
	}
	if c.Fliq.FetchLimit <= 0 {
		return fmt.Errorf("fliq.fetch_limit must be positive, got %d", c.Fliq.FetchLimit)
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive, got %s", c.Watcher.PollInterval)
	}
	if c.Watcher.MaxDispatchAttempts <= 0 {
		return fmt.Errorf("watcher.max_dispatch_attempts must be positive, got %d", c.Watcher.MaxDispatchAttempts)
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram.bot_token is set")
	}
	switch c.Store.Backend {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want file, postgres or redis)", c.Store.Backend)
	}
	return nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer number of seconds: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on":
		return true
	}
	return false
}
