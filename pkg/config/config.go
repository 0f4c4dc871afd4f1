package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/utils"
)

// EnvPrefix prefixes environment overrides, e.g. VIBESS_API_ADDR
const EnvPrefix = "VIBESS"

// Ledger backends
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Event publisher backends
const (
	EventsLog   = "log"
	EventsRedis = "redis"
	EventsNone  = "none"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Log         LogConfig      `mapstructure:"log"`
	Database    DatabaseConfig `mapstructure:"database"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
	Voting      VotingConfig   `mapstructure:"voting"`
	Preload     PreloadConfig  `mapstructure:"preload"`
	Events      EventsConfig   `mapstructure:"events"`
	API         APIConfig      `mapstructure:"api"`
	Scheduler   SchedConfig    `mapstructure:"scheduler"`
}

// LogConfig holds log file rotation settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Debug      bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string         `mapstructure:"url"`
	MaxConns        int32          `mapstructure:"max_conns"`
	MinConns        int32          `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration  `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration  `mapstructure:"max_conn_idle_time"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	Embedded        EmbeddedConfig `mapstructure:"embedded"`
}

// EmbeddedConfig controls the bundled PostgreSQL used for local runs
type EmbeddedConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        uint32 `mapstructure:"port"`
	DataPath    string `mapstructure:"data_path"`
	RuntimePath string `mapstructure:"runtime_path"`
}

// LedgerConfig selects the vote ledger backend
type LedgerConfig struct {
	Backend string       `mapstructure:"backend"`
	Badger  BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds embedded key-value store settings
type BadgerConfig struct {
	Path           string        `mapstructure:"path"`
	InMemory       bool          `mapstructure:"in_memory"`
	SyncWrites     bool          `mapstructure:"sync_writes"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
	GCDiscardRatio float64       `mapstructure:"gc_discard_ratio"`
}

// VotingConfig holds the voting pipeline constants
type VotingConfig struct {
	PageSize          int   `mapstructure:"page_size"`
	PrefetchThreshold int   `mapstructure:"prefetch_threshold"`
	CacheCapacity     int   `mapstructure:"cache_capacity"`
	CreditIncrement   int64 `mapstructure:"credit_increment"`
	MinTraitValue     int   `mapstructure:"min_trait_value"`
	MaxTraitValue     int   `mapstructure:"max_trait_value"`
	CompletionVotes   int64 `mapstructure:"completion_votes"` // 0 disables completion
}

// PreloadConfig holds asset preloading settings
type PreloadConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ResidentBytes string        `mapstructure:"resident_bytes"`
	MaxAssetBytes string        `mapstructure:"max_asset_bytes"`
}

// EventsConfig selects where vote events are published
type EventsConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis pub/sub settings
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Channel     string        `mapstructure:"channel"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SessionIdleTTL  time.Duration `mapstructure:"session_idle_ttl"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// SchedConfig holds scheduler related configuration
type SchedConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	CompletionSchedule string        `mapstructure:"completion_schedule"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
}

// Load reads the configuration file and environment variables. A missing
// file falls back to defaults and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Override with environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Log defaults
	v.SetDefault("log.output_path", "logs/vibess.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.debug", false)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.timeout", "5s")
	v.SetDefault("database.embedded.enabled", true)
	v.SetDefault("database.embedded.port", 5433)
	v.SetDefault("database.embedded.data_path", "data/postgres")
	v.SetDefault("database.embedded.runtime_path", "")

	// Ledger defaults
	v.SetDefault("ledger.backend", BackendPostgres)
	v.SetDefault("ledger.badger.path", "data/ledger")
	v.SetDefault("ledger.badger.in_memory", false)
	v.SetDefault("ledger.badger.sync_writes", true)
	v.SetDefault("ledger.badger.gc_interval", "5m")
	v.SetDefault("ledger.badger.gc_discard_ratio", 0.5)

	// Voting defaults
	v.SetDefault("voting.page_size", 10)
	v.SetDefault("voting.prefetch_threshold", 3)
	v.SetDefault("voting.cache_capacity", 20)
	v.SetDefault("voting.credit_increment", 1)
	v.SetDefault("voting.min_trait_value", 1)
	v.SetDefault("voting.max_trait_value", 4)
	v.SetDefault("voting.completion_votes", 0)

	// Preload defaults
	v.SetDefault("preload.enabled", true)
	v.SetDefault("preload.timeout", "10s")
	v.SetDefault("preload.max_concurrent", 4)
	v.SetDefault("preload.rate_per_second", 20.0)
	v.SetDefault("preload.burst", 10)
	v.SetDefault("preload.max_attempts", 3)
	v.SetDefault("preload.resident_bytes", "64MB")
	v.SetDefault("preload.max_asset_bytes", "8MB")

	// Events defaults
	v.SetDefault("events.backend", EventsLog)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel", "photo_vote")
	v.SetDefault("events.redis.dial_timeout", "5s")

	// API defaults
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.session_idle_ttl", "30m")
	v.SetDefault("api.allowed_origins", []string{})

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "30s")
	v.SetDefault("scheduler.completion_schedule", "@every 5m")
	v.SetDefault("scheduler.sweep_schedule", "@every 1m")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateLedger(); err != nil {
		return fmt.Errorf("ledger config: %w", err)
	}

	// Validate Database configuration
	if c.Ledger.Backend == BackendPostgres {
		if err := c.validateDatabase(); err != nil {
			return fmt.Errorf("database config: %w", err)
		}
	}

	if err := c.validateVoting(); err != nil {
		return fmt.Errorf("voting config: %w", err)
	}

	if err := c.validatePreload(); err != nil {
		return fmt.Errorf("preload config: %w", err)
	}

	if err := c.validateEvents(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	if err := c.validateAPI(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	// Validate Scheduler configuration
	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" && !c.Database.Embedded.Enabled {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min_conns must be between 0 and max_conns")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Database.Embedded.Enabled && c.Database.Embedded.Port == 0 {
		return fmt.Errorf("embedded port must be set")
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case BackendPostgres, BackendMemory:
	case BackendBadger:
		if !c.Ledger.Badger.InMemory && c.Ledger.Badger.Path == "" {
			return fmt.Errorf("badger path cannot be empty")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Ledger.Backend)
	}
	return nil
}

func (c *Config) validateVoting() error {
	v := c.Voting
	if v.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if v.PrefetchThreshold < 0 {
		return fmt.Errorf("prefetch_threshold cannot be negative")
	}
	if v.CacheCapacity < v.PageSize+v.PrefetchThreshold {
		return fmt.Errorf("cache_capacity (%d) cannot be less than page_size + prefetch_threshold (%d)",
			v.CacheCapacity, v.PageSize+v.PrefetchThreshold)
	}
	if v.CreditIncrement <= 0 {
		return fmt.Errorf("credit_increment must be positive")
	}
	if v.MinTraitValue <= 0 || v.MaxTraitValue < v.MinTraitValue {
		return fmt.Errorf("trait range [%d,%d] is invalid", v.MinTraitValue, v.MaxTraitValue)
	}
	if v.CompletionVotes < 0 {
		return fmt.Errorf("completion_votes cannot be negative")
	}
	return nil
}

func (c *Config) validatePreload() error {
	p := c.Preload
	if !p.Enabled {
		return nil
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if p.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if p.RatePerSecond <= 0 || p.Burst <= 0 {
		return fmt.Errorf("rate_per_second and burst must be positive")
	}
	if _, err := p.ResidentByteLimit(); err != nil {
		return fmt.Errorf("resident_bytes: %w", err)
	}
	if _, err := p.MaxAssetByteLimit(); err != nil {
		return fmt.Errorf("max_asset_bytes: %w", err)
	}
	return nil
}

// ResidentByteLimit parses the resident cache size
func (p PreloadConfig) ResidentByteLimit() (int64, error) {
	return utils.ParseBytes(p.ResidentBytes)
}

// MaxAssetByteLimit parses the per-asset size cap
func (p PreloadConfig) MaxAssetByteLimit() (int64, error) {
	return utils.ParseBytes(p.MaxAssetBytes)
}

func (c *Config) validateEvents() error {
	switch c.Events.Backend {
	case EventsLog, EventsNone:
	case EventsRedis:
		if c.Events.Redis.Addr == "" {
			return fmt.Errorf("redis addr cannot be empty")
		}
		if c.Events.Redis.Channel == "" {
			return fmt.Errorf("redis channel cannot be empty")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Events.Backend)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.API.SessionIdleTTL <= 0 {
		return fmt.Errorf("session_idle_ttl must be positive")
	}
	if !c.IsDevelopment() && len(c.API.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes outside development")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}

	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// LoggerConfig converts the log section into a logger configuration
func (c *Config) LoggerConfig() *utils.LogConfig {
	return &utils.LogConfig{
		Level:      c.GetLogLevel().Level().String(),
		OutputPath: c.Log.OutputPath,
		MaxSize:    c.Log.MaxSize,
		MaxAge:     c.Log.MaxAge,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
		Debug:      c.Log.Debug,
	}
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
