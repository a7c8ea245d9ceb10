// Package config loads application configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bissquit/async-dispatch/internal/dispatch"
	"github.com/bissquit/async-dispatch/internal/dispatch/post"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: DISPATCH_DATABASE__URL sets database.url.
const EnvPrefix = "DISPATCH_"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	JWT      JWTConfig      `koanf:"jwt"`
	CORS     CORSConfig     `koanf:"cors"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Senders  SendersConfig  `koanf:"senders"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig contains bearer token settings.
type JWTConfig struct {
	SecretKey     string        `koanf:"secret_key"`
	TokenDuration time.Duration `koanf:"token_duration"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DispatchConfig contains the global async transmitter settings.
type DispatchConfig struct {
	Strategy            string        `koanf:"strategy"`
	MaxMessageAtStartup int           `koanf:"max_message_at_startup"`
	TimeoutIdleGreen    time.Duration `koanf:"timeout_idle_green"`
	TimeoutIdleRed      time.Duration `koanf:"timeout_idle_red"`
	TimeoutExternal     time.Duration `koanf:"timeout_external"`
	WaitAfterExtError   time.Duration `koanf:"wait_after_ext_error"`
	WaitAfterDBErrors   time.Duration `koanf:"wait_after_db_errors"`
	TimeoutShutdown     time.Duration `koanf:"timeout_shutdown"`
	ChannelCacheTTL     time.Duration `koanf:"channel_cache_ttl"`
	StatsInterval       time.Duration `koanf:"stats_interval"`
}

// SendersConfig groups per-sender settings.
type SendersConfig struct {
	Post PostSenderConfig `koanf:"post"`
}

// PostSenderConfig contains HTTP POST sender settings.
type PostSenderConfig struct {
	UserAgent      string        `koanf:"user_agent"`
	RateLimit      float64       `koanf:"rate_limit"`
	Burst          int           `koanf:"burst"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

func defaults() map[string]any {
	d := dispatch.DefaultSettings()
	return map[string]any{
		"server.host":                "0.0.0.0",
		"server.port":                "8080",
		"server.metrics_port":        "9090",
		"server.read_timeout":        15 * time.Second,
		"server.read_header_timeout": 5 * time.Second,
		"server.write_timeout":       15 * time.Second,
		"server.idle_timeout":        60 * time.Second,

		"database.max_open_conns":    25,
		"database.max_idle_conns":    5,
		"database.conn_max_lifetime": 5 * time.Minute,
		"database.connect_timeout":   30 * time.Second,
		"database.connect_attempts":  5,

		"log.level":  "info",
		"log.format": "json",

		"jwt.token_duration": 24 * time.Hour,

		"dispatch.strategy":               d.Strategy,
		"dispatch.max_message_at_startup": d.MaxMessageAtStartup,
		"dispatch.timeout_idle_green":     d.TimeoutIdleGreen,
		"dispatch.timeout_idle_red":       d.TimeoutIdleRed,
		"dispatch.timeout_external":       d.TimeoutExternal,
		"dispatch.wait_after_ext_error":   d.WaitAfterExtError,
		"dispatch.wait_after_db_errors":   d.WaitAfterDBErrors,
		"dispatch.timeout_shutdown":       d.TimeoutShutdown,
		"dispatch.channel_cache_ttl":      d.ChannelCacheTTL,
		"dispatch.stats_interval":         15 * time.Second,

		"senders.post.user_agent":      "async-dispatch",
		"senders.post.rate_limit":      0.0,
		"senders.post.burst":           1,
		"senders.post.connect_timeout": 5 * time.Second,
	}
}

// Load reads configuration: built-in defaults, then the YAML file at path
// (skipped when path is empty), then DISPATCH_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks the configuration for values the application cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.JWT.TokenDuration <= 0 {
		errs = append(errs, errors.New("jwt.token_duration must be positive"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	d := c.Dispatch
	switch d.Strategy {
	case dispatch.StrategyNoop, dispatch.StrategyLTQ:
	default:
		errs = append(errs, fmt.Errorf("dispatch.strategy %q is unknown", d.Strategy))
	}
	if d.MaxMessageAtStartup <= 0 {
		errs = append(errs, errors.New("dispatch.max_message_at_startup must be positive"))
	}

	durations := map[string]time.Duration{
		"dispatch.timeout_idle_green":   d.TimeoutIdleGreen,
		"dispatch.timeout_idle_red":     d.TimeoutIdleRed,
		"dispatch.timeout_external":     d.TimeoutExternal,
		"dispatch.wait_after_ext_error": d.WaitAfterExtError,
		"dispatch.wait_after_db_errors": d.WaitAfterDBErrors,
		"dispatch.timeout_shutdown":     d.TimeoutShutdown,
		"dispatch.stats_interval":       d.StatsInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if d.ChannelCacheTTL < 0 {
		errs = append(errs, errors.New("dispatch.channel_cache_ttl must not be negative"))
	}

	if c.Senders.Post.RateLimit < 0 {
		errs = append(errs, errors.New("senders.post.rate_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// DispatchSettings converts the dispatch section into engine settings.
func (c *Config) DispatchSettings() dispatch.Settings {
	d := c.Dispatch
	return dispatch.Settings{
		Strategy:            d.Strategy,
		MaxMessageAtStartup: d.MaxMessageAtStartup,
		TimeoutIdleGreen:    d.TimeoutIdleGreen,
		TimeoutIdleRed:      d.TimeoutIdleRed,
		TimeoutExternal:     d.TimeoutExternal,
		WaitAfterExtError:   d.WaitAfterExtError,
		WaitAfterDBErrors:   d.WaitAfterDBErrors,
		TimeoutShutdown:     d.TimeoutShutdown,
		ChannelCacheTTL:     d.ChannelCacheTTL,
	}
}

// PostSender converts the POST sender section into sender settings.
func (c *Config) PostSender() post.Config {
	p := c.Senders.Post
	return post.Config{
		UserAgent:      p.UserAgent,
		RateLimit:      p.RateLimit,
		Burst:          p.Burst,
		ConnectTimeout: p.ConnectTimeout,
	}
}
