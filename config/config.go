package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from an optional YAML
// file, then environment variables, then defaults.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Session   SessionConfig   `yaml:"session"`
	Alerts    AlertConfig     `yaml:"alerts"`

	// Schedule is a cron spec with seconds (e.g. "0 */5 * * * *"). Empty runs once.
	Schedule string   `yaml:"schedule"`
	Tickers  []string `yaml:"tickers"`
	HTTPAddr string   `yaml:"http_addr"`
	LogLevel string   `yaml:"log_level"`
}

// StoreConfig selects and configures the price store.
type StoreConfig struct {
	Driver     string   `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath string   `yaml:"sqlite_path"`
	Postgres   DBConfig `yaml:"postgres"`
	MaxConns   int      `yaml:"max_conns"`
}

// DBConfig holds PostgreSQL connection parameters.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig configures the latest-metric cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	// Relay forwards metrics published by other instances to WebSocket clients.
	Relay bool `yaml:"relay"`
}

// SchedulerConfig tunes the batch scheduler.
type SchedulerConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	FetchLimit     int           `yaml:"fetch_limit"`
	SMAWindow      int           `yaml:"sma_window"`
	RSIPeriod      int           `yaml:"rsi_period"` // 0 uses the default, -1 disables RSI
}

// SessionConfig restricts scheduled runs to exchange trading hours.
type SessionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`  // "15:04"
	Close    string   `yaml:"close"` // "15:04"
	Holidays []string `yaml:"holidays"`
}

// AlertConfig configures run-failure notifications. An empty WebhookURL logs alerts only.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default values for optional configuration fields.
const (
	DefaultDriver         = "sqlite"
	DefaultSQLitePath     = "dbs/ticker_data_1m.db"
	DefaultPostgresPort   = 5432
	DefaultSSLMode        = "prefer"
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisTTL       = 30 * time.Minute
	DefaultBatchSize      = 50
	DefaultAcquireTimeout = 30 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultFetchLimit     = 100
	DefaultSMAWindow      = 20
	DefaultRSIPeriod      = 14
	DefaultTimezone       = "America/New_York"
	DefaultSessionOpen    = "09:30"
	DefaultSessionClose   = "16:00"
	DefaultAlertTimeout   = 10 * time.Second
	DefaultHTTPAddr       = ":9095"
	DefaultLogLevel       = "info"
)

// DefaultConcurrency is twice the available hardware parallelism.
func DefaultConcurrency() int {
	return 2 * runtime.NumCPU()
}

// Load reads the YAML file at path (if it exists), applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			// Expand ${VAR} references before parsing
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// File tickers get the same normalisation as env and flag lists
	cfg.Tickers = ParseTickers(strings.Join(cfg.Tickers, ","))

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.Postgres.Host = getEnv("PG_HOST", c.Store.Postgres.Host)
	c.Store.Postgres.Name = getEnv("PG_DATABASE", c.Store.Postgres.Name)
	c.Store.Postgres.User = getEnv("PG_USER", c.Store.Postgres.User)
	c.Store.Postgres.Password = getEnv("PG_PASSWORD", c.Store.Postgres.Password)
	c.Store.Postgres.Port = getEnvInt("PG_PORT", c.Store.Postgres.Port)
	c.Store.MaxConns = getEnvInt("STORE_MAX_CONNS", c.Store.MaxConns)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Scheduler.BatchSize = getEnvInt("BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.Concurrency = getEnvInt("CONCURRENCY", c.Scheduler.Concurrency)
	c.Scheduler.SMAWindow = getEnvInt("SMA_WINDOW", c.Scheduler.SMAWindow)
	c.Scheduler.RSIPeriod = getEnvInt("RSI_PERIOD", c.Scheduler.RSIPeriod)

	if v := os.Getenv("MARKET_HOURS_ONLY"); v != "" {
		c.Session.Enabled = strings.EqualFold(v, "true")
	}
	c.Session.Timezone = getEnv("MARKET_TZ", c.Session.Timezone)
	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)

	c.Schedule = getEnv("SCHEDULE", c.Schedule)
	if v := os.Getenv("TICKERS"); v != "" {
		c.Tickers = ParseTickers(v)
	}
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultDriver
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}
	if c.Store.Postgres.Port == 0 {
		c.Store.Postgres.Port = DefaultPostgresPort
	}
	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = DefaultSSLMode
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	s := &c.Scheduler
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultConcurrency()
	}
	if s.AcquireTimeout == 0 {
		s.AcquireTimeout = DefaultAcquireTimeout
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = DefaultDrainTimeout
	}
	if s.FetchLimit == 0 {
		s.FetchLimit = DefaultFetchLimit
	}
	if s.SMAWindow == 0 {
		s.SMAWindow = DefaultSMAWindow
	}
	if s.RSIPeriod == 0 {
		s.RSIPeriod = DefaultRSIPeriod
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = DefaultTimezone
	}
	if c.Session.Open == "" {
		c.Session.Open = DefaultSessionOpen
	}
	if c.Session.Close == "" {
		c.Session.Close = DefaultSessionClose
	}
	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = DefaultAlertTimeout
	}

	// One pooled connection per worker unless configured otherwise
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = s.Concurrency
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required")
		}
	case "postgres":
		pg := c.Store.Postgres
		if pg.Host == "" || pg.Name == "" || pg.User == "" {
			return errors.New("store.postgres host, name and user are required")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.MaxConns < 1 {
		return errors.New("store.max_conns must be >= 1")
	}
	if c.Scheduler.BatchSize < 1 {
		return errors.New("scheduler.batch_size must be >= 1")
	}
	if c.Scheduler.Concurrency < 1 {
		return errors.New("scheduler.concurrency must be >= 1")
	}
	if c.Scheduler.FetchLimit < c.Scheduler.SMAWindow {
		return fmt.Errorf("scheduler.fetch_limit (%d) must be >= sma_window (%d)",
			c.Scheduler.FetchLimit, c.Scheduler.SMAWindow)
	}
	if c.Scheduler.RSIPeriod < -1 {
		return errors.New("scheduler.rsi_period must be >= 1, or -1 to disable")
	}
	if c.Session.Enabled {
		open, err1 := time.Parse("15:04", c.Session.Open)
		cl, err2 := time.Parse("15:04", c.Session.Close)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("session open/close must be HH:MM, got %q/%q", c.Session.Open, c.Session.Close)
		}
		if !cl.After(open) {
			return errors.New("session.close must be after session.open")
		}
	}
	return nil
}

// ParseTickers splits a comma-separated list, trimming, upper-casing and
// dropping empty entries.
func ParseTickers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}
