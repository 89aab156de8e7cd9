// Package config loads tandem's settings.
//
// Values are layered, lowest first: built-in defaults, a config file
// (YAML or TOML), TANDEM_* environment variables and finally command-line
// flags. Nested keys map to environment variables by replacing dots with
// underscores, so sync.page_size is TANDEM_SYNC_PAGE_SIZE.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Remote drivers.
const (
	DriverSQLite   = "sqlite"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the complete tandem configuration.
type Config struct {
	// User is the acting user id.
	User string `mapstructure:"user" yaml:"user"`

	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Feed   FeedConfig   `mapstructure:"feed" yaml:"feed"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	LLM    LLMConfig    `mapstructure:"llm" yaml:"llm"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-" yaml:"-"`
}

// RemoteConfig selects and tunes the remote store.
type RemoteConfig struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`
	AuthToken    string        `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	OpTimeout    time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// SyncConfig tunes the client-side stores.
type SyncConfig struct {
	Debounce         time.Duration `mapstructure:"debounce" yaml:"debounce"`
	PageSize         int           `mapstructure:"page_size" yaml:"page_size"`
	NotificationPoll time.Duration `mapstructure:"notification_poll" yaml:"notification_poll"`
}

// FeedConfig configures the websocket change feed.
type FeedConfig struct {
	// Addr is where `tandem serve` listens.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// URL, when set, is a feed to take change events from instead of the
	// remote store's own stream.
	URL string `mapstructure:"url" yaml:"url,omitempty"`

	// Encoding is json or msgpack.
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// LogConfig controls where log output goes.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// LLMConfig configures the Claude task parser. An empty APIKey selects the
// heuristic parser.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"-"`
	Model  string `mapstructure:"model" yaml:"model"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Driver:       DriverSQLite,
			DSN:          filepath.Join(".tandem", "tandem.db"),
			PollInterval: 250 * time.Millisecond,
			OpTimeout:    10 * time.Second,
		},
		Sync: SyncConfig{
			Debounce:         300 * time.Millisecond,
			PageSize:         50,
			NotificationPoll: 30 * time.Second,
		},
		Feed: FeedConfig{
			Addr:     ":8787",
			Encoding: "json",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		LLM: LLMConfig{
			Model: "claude-sonnet-4-5",
		},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"user":      "user",
	"remote":    "remote.driver",
	"dsn":       "remote.dsn",
	"feed-url":  "feed.url",
	"addr":      "feed.addr",
	"encoding":  "feed.encoding",
	"log-file":  "log.file",
	"verbose":   "log.verbose",
	"page-size": "sync.page_size",
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist.
	File string

	// SearchPaths are directories searched for config.{yaml,toml} when File
	// is empty. Default: ./.tandem then ~/.tandem.
	SearchPaths []string

	// Flags are bound to their keys when present; only flags the user set
	// override lower layers.
	Flags *pflag.FlagSet
}

// Load builds a Config from every layer and validates it.
//
// Example:
//
//	cfg, err := config.Load(config.Options{Flags: cmd.Flags()})
//	if err != nil {
//	    return err
//	}
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "TANDEM_LLM_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		for _, dir := range searchPaths(opts.SearchPaths) {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("user", d.User)
	v.SetDefault("remote.driver", d.Remote.Driver)
	v.SetDefault("remote.dsn", d.Remote.DSN)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("remote.poll_interval", d.Remote.PollInterval)
	v.SetDefault("remote.op_timeout", d.Remote.OpTimeout)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.notification_poll", d.Sync.NotificationPoll)
	v.SetDefault("feed.addr", d.Feed.Addr)
	v.SetDefault("feed.url", d.Feed.URL)
	v.SetDefault("feed.encoding", d.Feed.Encoding)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.verbose", d.Log.Verbose)
	v.SetDefault("llm.model", d.LLM.Model)
}

func searchPaths(paths []string) []string {
	if len(paths) > 0 {
		return paths
	}
	paths = []string{".tandem"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tandem"))
	}
	return paths
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverSQLite, DriverLibSQL, DriverMemory:
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("invalid config: remote.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid config: unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Remote.Driver == DriverLibSQL && c.Remote.DSN == "" {
		return fmt.Errorf("invalid config: remote.dsn is required for libsql")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"remote.poll_interval", c.Remote.PollInterval},
		{"remote.op_timeout", c.Remote.OpTimeout},
		{"sync.debounce", c.Sync.Debounce},
		{"sync.notification_poll", c.Sync.NotificationPoll},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive (got %v)", d.key, d.d)
		}
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("invalid config: sync.page_size must be positive (got %d)", c.Sync.PageSize)
	}
	if c.Feed.Encoding != "json" && c.Feed.Encoding != "msgpack" {
		return fmt.Errorf("invalid config: feed.encoding must be json or msgpack (got %q)", c.Feed.Encoding)
	}
	return nil
}
