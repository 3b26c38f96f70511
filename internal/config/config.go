package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hostagent/internal/logger"
)

// EnvPrefix is prepended to environment overrides, e.g. HOSTAGENT_SERVER_PORT.
const EnvPrefix = "HOSTAGENT"

// Config is the top-level TOML structure of the agent.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Network NetworkConfig `mapstructure:"network"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     logger.Config `mapstructure:"log"`
}

type ServerConfig struct {
	// Port is the initial listener started by the agent.
	Port              int           `mapstructure:"port"`
	Host              string        `mapstructure:"host"`
	Engine            string        `mapstructure:"engine"` // gin or echo
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

type StoreConfig struct {
	DSN              string `mapstructure:"dsn"`
	ReconcileOnStart bool   `mapstructure:"reconcile_on_start"`
}

type NetworkConfig struct {
	DNSUpstream string        `mapstructure:"dns_upstream"`
	DNSTimeout  time.Duration `mapstructure:"dns_timeout"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// HistoryConfig lists sink DSNs (sqlite, postgres, clickhouse, opensearch).
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a dedicated address; empty mounts it on the control API.
	Listen string `mapstructure:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "")
	v.SetDefault("server.engine", "gin")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("store.dsn", "sqlite://hostagent.db")
	v.SetDefault("store.reconcile_on_start", false)
	v.SetDefault("network.dns_upstream", "")
	v.SetDefault("network.dns_timeout", 5*time.Second)
	v.SetDefault("network.http_timeout", 10*time.Second)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Load reads path (TOML) on top of the defaults and applies HOSTAGENT_* environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// env values for slices arrive as one space separated string
	if s := v.GetStringSlice("history.sinks"); len(s) > 0 {
		c.History.Sinks = s
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	switch c.Server.Engine {
	case "gin", "echo":
	default:
		return fmt.Errorf("server.engine must be gin or echo, got %q", c.Server.Engine)
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout must not be negative")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if c.Network.DNSTimeout <= 0 || c.Network.HTTPTimeout <= 0 {
		return errors.New("network timeouts must be positive")
	}
	if up := c.Network.DNSUpstream; up != "" {
		host := up
		if h, _, err := net.SplitHostPort(up); err == nil {
			host = h
		}
		if host == "" {
			return fmt.Errorf("network.dns_upstream %q has no host", up)
		}
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return errors.New("history.enabled requires at least one entry in history.sinks")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
