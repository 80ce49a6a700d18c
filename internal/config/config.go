// Package config loads shelfsync configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration.
type Config struct {
	// DBPath is the local replica's sqlite file.
	DBPath string `mapstructure:"db_path"`

	Relay RelayConfig `mapstructure:"relay"`
	Sync  SyncConfig  `mapstructure:"sync"`
}

// RelayConfig configures the `serve` command.
type RelayConfig struct {
	Addr    string `mapstructure:"addr"`
	DataDir string `mapstructure:"data_dir"`
}

// SyncConfig configures the `sync` command.
type SyncConfig struct {
	URL             string `mapstructure:"url"`
	Database        string `mapstructure:"database"`
	DialTimeoutSecs int    `mapstructure:"dial_timeout_secs"`
	Backoff         bool   `mapstructure:"backoff"`
	RetrySecs       int    `mapstructure:"retry_secs"`
	MaxRetrySecs    int    `mapstructure:"max_retry_secs"`
}

// Load reads configuration from the given file (optional) and SHELFSYNC_*
// environment variables, over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("shelfsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/shelfsync")
		if err := v.ReadInConfig(); err != nil {
			// Defaults plus env vars are a complete configuration.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SHELFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "shelfsync.db")

	v.SetDefault("relay.addr", "127.0.0.1:8044")
	v.SetDefault("relay.data_dir", "./data")

	v.SetDefault("sync.url", "")
	v.SetDefault("sync.database", "bookstore")
	v.SetDefault("sync.dial_timeout_secs", 5)
	v.SetDefault("sync.backoff", true)
	v.SetDefault("sync.retry_secs", 1)
	v.SetDefault("sync.max_retry_secs", 60)
}
