// Package config provides configuration management for the delta hedger.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/retry"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultPositionInterval = "5m"
	defaultOrderInterval    = "2m"
	defaultPurgeSchedule    = "15 3 * * *"
	defaultOrderGraceDays   = 7
	defaultCallTimeout      = "15s"
	defaultVenueTimeout     = "10s"
	defaultQuoteTTL         = "2s"
	defaultInstrumentsTTL   = "10m"
	defaultAPIPort          = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig             `yaml:"environment"`
	Venue       VenueConfig                   `yaml:"venue"`
	Accounts    []AccountConfig               `yaml:"accounts"`
	Schedule    ScheduleConfig                `yaml:"schedule"`
	Storage     StorageConfig                 `yaml:"storage"`
	Cache       CacheConfig                   `yaml:"cache"`
	Notify      NotifyConfig                  `yaml:"notify"`
	API         APIConfig                     `yaml:"api"`
	Breaker     broker.CircuitBreakerSettings `yaml:"breaker"`
	Paper       PaperConfig                   `yaml:"paper"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// VenueConfig defines the derivatives venue API settings.
type VenueConfig struct {
	Provider    string       `yaml:"provider"`
	APIEndpoint string       `yaml:"api_endpoint"`
	Timeout     string       `yaml:"timeout"`
	Retry       retry.Config `yaml:"retry"`
	Testnet     bool         `yaml:"testnet"`
}

// AccountConfig is one hedged venue account.
type AccountConfig struct {
	ID           string   `yaml:"id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Currencies   []string `yaml:"currencies"`
}

// ScheduleConfig defines the reconciliation timers.
type ScheduleConfig struct {
	PositionInterval string `yaml:"position_interval"`
	OrderInterval    string `yaml:"order_interval"`
	PurgeSchedule    string `yaml:"purge_schedule"`
	CallTimeout      string `yaml:"call_timeout"`
	OrderGraceDays   int    `yaml:"order_grace_days"`
}

// StorageConfig defines the ledger backend.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // memory | postgres
	DSN           string `yaml:"dsn"`
	MaxConns      int    `yaml:"max_conns"`
	MinConns      int    `yaml:"min_conns"`
	RunMigrations bool   `yaml:"run_migrations"`
}

// CacheConfig defines the optional redis quote cache.
type CacheConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	QuoteTTL       string `yaml:"quote_ttl"`
	InstrumentsTTL string `yaml:"instruments_ttl"`
	DB             int    `yaml:"db"`
	Enabled        bool   `yaml:"enabled"`
	TLS            bool   `yaml:"tls"`
}

// NotifyConfig defines notification channels.
type NotifyConfig struct {
	TelegramToken     string   `yaml:"telegram_token"`
	TelegramChatID    string   `yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `yaml:"discord_webhook_url"`
	Events            []string `yaml:"events"`
}

// APIConfig defines the operator HTTP API.
type APIConfig struct {
	AuthToken string `yaml:"auth_token"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
}

// PaperConfig seeds the paper venue with a synthetic option chain.
type PaperConfig struct {
	Spot  map[string]float64 `yaml:"spot"`
	Weeks int                `yaml:"weeks"`
}

// Load reads and parses the configuration file from the specified path. A
// .env file next to the working directory is loaded first when present so
// ${VAR} references can be filled from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// normalize fills defaults for unset optional values.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Venue.Provider == "" {
		c.Venue.Provider = "deribit"
	}
	if c.Venue.Timeout == "" {
		c.Venue.Timeout = defaultVenueTimeout
	}
	if c.Venue.Retry == (retry.Config{}) {
		c.Venue.Retry = retry.DefaultConfig
	}
	if c.Schedule.PositionInterval == "" {
		c.Schedule.PositionInterval = defaultPositionInterval
	}
	if c.Schedule.OrderInterval == "" {
		c.Schedule.OrderInterval = defaultOrderInterval
	}
	if c.Schedule.PurgeSchedule == "" {
		c.Schedule.PurgeSchedule = defaultPurgeSchedule
	}
	if c.Schedule.OrderGraceDays == 0 {
		c.Schedule.OrderGraceDays = defaultOrderGraceDays
	}
	if c.Schedule.CallTimeout == "" {
		c.Schedule.CallTimeout = defaultCallTimeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.QuoteTTL == "" {
		c.Cache.QuoteTTL = defaultQuoteTTL
	}
	if c.Cache.InstrumentsTTL == "" {
		c.Cache.InstrumentsTTL = defaultInstrumentsTTL
	}
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.Breaker == (broker.CircuitBreakerSettings{}) {
		c.Breaker = broker.DefaultCircuitBreakerSettings
	}
	if c.Paper.Weeks == 0 {
		c.Paper.Weeks = 4
	}
	for i := range c.Accounts {
		if len(c.Accounts[i].Currencies) == 0 {
			c.Accounts[i].Currencies = []string{"BTC"}
		}
		for j, cur := range c.Accounts[i].Currencies {
			c.Accounts[i].Currencies[j] = strings.ToUpper(strings.TrimSpace(cur))
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Venue validation
	if c.Venue.Provider != "deribit" {
		return fmt.Errorf("venue.provider %q is not supported", c.Venue.Provider)
	}
	if err := positiveDuration("venue.timeout", c.Venue.Timeout); err != nil {
		return err
	}
	if c.Venue.Retry.MaxRetries < 0 {
		return fmt.Errorf("venue.retry.max_retries must be >= 0")
	}

	// Accounts validation
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if c.IsLive() && (a.ClientID == "" || a.ClientSecret == "") {
			return fmt.Errorf("accounts[%d].client_id and client_secret are required in live mode", i)
		}
	}

	// Schedule validation
	if err := positiveDuration("schedule.position_interval", c.Schedule.PositionInterval); err != nil {
		return err
	}
	if err := positiveDuration("schedule.order_interval", c.Schedule.OrderInterval); err != nil {
		return err
	}
	if err := positiveDuration("schedule.call_timeout", c.Schedule.CallTimeout); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Schedule.PurgeSchedule); err != nil {
		return fmt.Errorf("schedule.purge_schedule invalid: %w", err)
	}
	if c.Schedule.OrderGraceDays < 0 {
		return fmt.Errorf("schedule.order_grace_days must not be negative")
	}

	// Storage validation
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'postgres'")
	}
	if c.Storage.MaxConns < 0 || c.Storage.MinConns < 0 {
		return fmt.Errorf("storage.max_conns and storage.min_conns must be >= 0")
	}
	if c.Storage.MaxConns > 0 && c.Storage.MinConns > c.Storage.MaxConns {
		return fmt.Errorf("storage.min_conns (%d) must be <= storage.max_conns (%d)", c.Storage.MinConns, c.Storage.MaxConns)
	}

	// Cache validation
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	if err := positiveDuration("cache.quote_ttl", c.Cache.QuoteTTL); err != nil {
		return err
	}
	if err := positiveDuration("cache.instruments_ttl", c.Cache.InstrumentsTTL); err != nil {
		return err
	}

	// Notify validation
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("notify.telegram_token and notify.telegram_chat_id must be set together")
	}

	// API validation
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	// Breaker validation
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0,1]")
	}
	return nil
}

func positiveDuration(field, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// duration parses an already validated duration, falling back to def.
func duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsPaperTrading returns true if the hedger runs against the paper venue.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsLive returns true if orders go to the real venue.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// PositionInterval returns the position timer interval.
func (c *Config) PositionInterval() time.Duration {
	return duration(c.Schedule.PositionInterval, 5*time.Minute)
}

// OrderInterval returns the order timer interval.
func (c *Config) OrderInterval() time.Duration {
	return duration(c.Schedule.OrderInterval, 2*time.Minute)
}

// CallTimeout returns the per-call gateway deadline.
func (c *Config) CallTimeout() time.Duration {
	return duration(c.Schedule.CallTimeout, 15*time.Second)
}

// VenueTimeout returns the HTTP client timeout for venue requests.
func (c *Config) VenueTimeout() time.Duration {
	return duration(c.Venue.Timeout, 10*time.Second)
}

// QuoteTTL returns how long cached quotes stay fresh.
func (c *Config) QuoteTTL() time.Duration {
	return duration(c.Cache.QuoteTTL, 2*time.Second)
}

// InstrumentsTTL returns how long cached instrument lists stay fresh.
func (c *Config) InstrumentsTTL() time.Duration {
	return duration(c.Cache.InstrumentsTTL, 10*time.Minute)
}

// AccountIDs returns the configured account ids in file order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		ids[i] = a.ID
	}
	return ids
}
