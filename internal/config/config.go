// Package config loads kleinwatch settings from a YAML or TOML file, a .env
// file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "./config/config.yaml"

type Config struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor" toml:"monitor"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	Pacing   PacingConfig   `yaml:"pacing" toml:"pacing"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Log      logger.Config  `yaml:"log" toml:"log"`
}

type TelegramConfig struct {
	Token       string `yaml:"token" toml:"token"`
	PollTimeout int    `yaml:"poll_timeout" toml:"poll_timeout"` // seconds
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MonitorConfig drives the check cycle.
type MonitorConfig struct {
	// SearchURL is the fixed feed every subscriber's default query points at.
	SearchURL string `yaml:"search_url" toml:"search_url"`
	// BaseURL resolves relative listing links.
	BaseURL  string        `yaml:"base_url" toml:"base_url"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
	// MaxNewPerCycle caps deliveries per subscriber per sweep; 0 is unlimited.
	MaxNewPerCycle      int  `yaml:"max_new_per_cycle" toml:"max_new_per_cycle"`
	MaxTestListings     int  `yaml:"max_test_listings" toml:"max_test_listings"`
	MaxListingsPerQuery int  `yaml:"max_listings_per_query" toml:"max_listings_per_query"`
	RunOnStart          bool `yaml:"run_on_start" toml:"run_on_start"`
}

type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	// RetryDelay is multiplied by the attempt number between explicit retries
	// and used as-is between delivery attempts.
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay"`
	// StatusBackoff is the base of the exponential backoff applied by the
	// transport to 429 and 5xx responses.
	StatusBackoff  time.Duration `yaml:"status_backoff" toml:"status_backoff"`
	UserAgent      string        `yaml:"user_agent" toml:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language" toml:"accept_language"`

	// RequestsPerMinute caps page fetches for the whole process; 0 is
	// unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
}

// Range is a closed interval of random delay.
type Range struct {
	Min time.Duration `yaml:"min" toml:"min"`
	Max time.Duration `yaml:"max" toml:"max"`
}

type PacingConfig struct {
	Request    Range `yaml:"request" toml:"request"`
	Listing    Range `yaml:"listing" toml:"listing"`
	Message    Range `yaml:"message" toml:"message"`
	Subscriber Range `yaml:"subscriber" toml:"subscriber"`
}

type ServerConfig struct {
	// Addr serves /metrics and /healthz; empty disables the listener.
	Addr          string        `yaml:"addr" toml:"addr"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Telegram.PollTimeout = 30
	cfg.Database.Path = "data/kleinwatch.db"

	cfg.Monitor.SearchURL = "https://www.kleinanzeigen.de/s-autos/chemnitz/c216l3869r150"
	cfg.Monitor.BaseURL = "https://www.kleinanzeigen.de"
	cfg.Monitor.Interval = 5 * time.Minute
	cfg.Monitor.MaxNewPerCycle = 0
	cfg.Monitor.MaxTestListings = 10
	cfg.Monitor.MaxListingsPerQuery = 50

	cfg.HTTP.Timeout = 20 * time.Second
	cfg.HTTP.MaxRetries = 2
	cfg.HTTP.RetryDelay = 3 * time.Second
	cfg.HTTP.StatusBackoff = time.Second
	cfg.HTTP.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	cfg.HTTP.AcceptLanguage = "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7"
	cfg.HTTP.RequestsPerMinute = 30

	cfg.Pacing.Request = Range{Min: 2 * time.Second, Max: 5 * time.Second}
	cfg.Pacing.Listing = Range{Min: time.Second, Max: 2 * time.Second}
	cfg.Pacing.Message = Range{Min: 300 * time.Millisecond, Max: time.Second}
	cfg.Pacing.Subscriber = Range{Min: time.Second, Max: 2 * time.Second}

	cfg.Server.Addr = ":9464"
	cfg.Server.ShutdownGrace = 30 * time.Second

	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults, then applies .env and environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Marshal encodes cfg in the format implied by path's extension.
func Marshal(path string, cfg *Config) ([]byte, error) {
	if isTOML(path) {
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	}
	return yaml.Marshal(cfg)
}

// loadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// Values already present in the environment win.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("TG_BOT_TOKEN", &cfg.Telegram.Token)
	str("SEARCH_URL", &cfg.Monitor.SearchURL)
	str("USER_AGENT", &cfg.HTTP.UserAgent)
	str("DATABASE_PATH", &cfg.Database.Path)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("METRICS_ADDR", &cfg.Server.Addr)

	if err := num("MAX_NEW_PER_CYCLE", &cfg.Monitor.MaxNewPerCycle); err != nil {
		return err
	}
	if err := num("MAX_TEST_LISTINGS", &cfg.Monitor.MaxTestListings); err != nil {
		return err
	}
	if err := num("MAX_LISTINGS_PER_QUERY", &cfg.Monitor.MaxListingsPerQuery); err != nil {
		return err
	}

	// Whole minutes and seconds, as the variables have always been written.
	var minutes, seconds int
	if err := num("INTERVAL_MINUTES", &minutes); err != nil {
		return err
	}
	if minutes > 0 {
		cfg.Monitor.Interval = time.Duration(minutes) * time.Minute
	}
	if err := num("REQUEST_TIMEOUT", &seconds); err != nil {
		return err
	}
	if seconds > 0 {
		cfg.HTTP.Timeout = time.Duration(seconds) * time.Second
	}
	return nil
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Monitor.SearchURL == "" {
		errs = append(errs, errors.New("monitor.search_url is required"))
	} else if _, err := url.ParseRequestURI(c.Monitor.SearchURL); err != nil {
		errs = append(errs, fmt.Errorf("monitor.search_url: %w", err))
	}
	if _, err := url.ParseRequestURI(c.Monitor.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("monitor.base_url: %w", err))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.Monitor.MaxListingsPerQuery <= 0 {
		errs = append(errs, errors.New("monitor.max_listings_per_query must be positive"))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must not be negative"))
	}
	if c.HTTP.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("http.requests_per_minute must not be negative"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	for name, r := range map[string]Range{
		"request":    c.Pacing.Request,
		"listing":    c.Pacing.Listing,
		"message":    c.Pacing.Message,
		"subscriber": c.Pacing.Subscriber,
	} {
		if r.Min < 0 || r.Max < r.Min {
			errs = append(errs, fmt.Errorf("pacing.%s: need 0 <= min <= max", name))
		}
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	return errors.Join(errs...)
}

// ValidateBot checks the settings needed to talk to Telegram.
func (c *Config) ValidateBot() error {
	if c.Telegram.Token == "" {
		return errors.New("TG_BOT_TOKEN (telegram.token) is required")
	}
	return nil
}
