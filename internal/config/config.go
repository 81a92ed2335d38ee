// Package config provides Viper-based configuration loading for the jigsaw server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Results store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Operator bounds for the session parameters.
const (
	MinListenerPort  = 4000
	MaxListenerPort  = 9000
	MinDurationSecs  = 20
	MaxDurationSecs  = 300
	DefaultBatchSize = 20
)

// GameConfig holds the session parameters fixed at startup.
type GameConfig struct {
	// Capacity is the number of players per game: 1 or 2.
	Capacity int `mapstructure:"capacity"`
	// ShapeBatchSize is the number of shapes drawn per queue refill.
	ShapeBatchSize int `mapstructure:"shape_batch_size"`
	// MaxDurationSeconds is the game length announced to clients.
	MaxDurationSeconds int `mapstructure:"max_duration_seconds"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ResultsConfig selects the results store backend.
type ResultsConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ListenerConfig holds TCP acceptor settings.
type ListenerConfig struct {
	// Host is the bind address for the game listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the game listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-read timeout; zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write timeout; zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// WebSocketConfig holds the optional websocket endpoint settings.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// CheckInterval is how often the results store reachability is polled.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Addr returns the "host:port" listen address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Game      GameConfig      `mapstructure:"game"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Health    HealthConfig    `mapstructure:"health"`
	Results   ResultsConfig   `mapstructure:"results"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateListener(c.Listener); err != nil {
		errs = append(errs, err.Error())
	}
	if c.WebSocket.Enabled {
		if err := validateWebSocket(c.WebSocket); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Health.Enabled {
		if err := validatePort("health.port", c.Health.Port); err != nil {
			errs = append(errs, err.Error())
		}
		if c.Health.CheckInterval <= 0 {
			errs = append(errs, fmt.Sprintf("health.check_interval must be positive, got %s", c.Health.CheckInterval))
		}
	}
	if err := validateResults(c.Results); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Results.Driver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.Capacity != 1 && g.Capacity != 2 {
		errs = append(errs, fmt.Sprintf("game.capacity must be 1 or 2, got %d", g.Capacity))
	}
	if g.ShapeBatchSize < 1 {
		errs = append(errs, fmt.Sprintf("game.shape_batch_size must be >= 1, got %d", g.ShapeBatchSize))
	}
	if g.MaxDurationSeconds < MinDurationSecs || g.MaxDurationSeconds > MaxDurationSecs {
		errs = append(errs, fmt.Sprintf("game.max_duration_seconds must be %d-%d, got %d",
			MinDurationSecs, MaxDurationSecs, g.MaxDurationSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if l.Port < MinListenerPort || l.Port > MaxListenerPort {
		errs = append(errs, fmt.Sprintf("listener.port must be %d-%d, got %d", MinListenerPort, MaxListenerPort, l.Port))
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if err := validatePort("websocket.port", w.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func validateResults(r ResultsConfig) error {
	switch r.Driver {
	case DriverPostgres, DriverMemory:
		return nil
	case DriverSQLite:
		if r.SQLitePath == "" {
			return errors.New("results.sqlite_path must not be empty when results.driver is sqlite")
		}
		return nil
	}
	return fmt.Errorf("results.driver must be one of [postgres, sqlite, memory], got %q", r.Driver)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and JIGSAW_ environment
// overrides applied, ready for a config file or explicit Set calls.
//
// Postcondition: Returns a non-nil Viper instance.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with JIGSAW_ prefix
	v.SetEnvPrefix("JIGSAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game.capacity", 2)
	v.SetDefault("game.shape_batch_size", DefaultBatchSize)
	v.SetDefault("game.max_duration_seconds", MaxDurationSecs)

	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 4000)
	v.SetDefault("listener.read_timeout", "0s")
	v.SetDefault("listener.write_timeout", "30s")

	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 4080)
	v.SetDefault("websocket.path", "/play")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 50051)
	v.SetDefault("health.check_interval", "30s")

	v.SetDefault("results.driver", DriverPostgres)
	v.SetDefault("results.sqlite_path", "jigsaw.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "jigsaw")
	v.SetDefault("database.password", "jigsaw")
	v.SetDefault("database.name", "jigsaw")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
