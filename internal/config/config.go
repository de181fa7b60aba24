// Package config adapts the teacher's viper+fsnotify configuration
// pattern to this proxy's knobs: the bind address, the default origin
// port, buffer sizing, connect timeout, and a maximum pause duration.
// Routing/discovery/auth
// config has no home here — this library has none of those concerns.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultBindAddress    = "127.0.0.1:0"
	DefaultOriginPort     = 80
	DefaultReadBufferSize = 32 * 1024
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxPause       = 5 * time.Minute

	// envReloadDebounce avoids rapid-fire reloads from editors that emit
	// multiple fsnotify events per save.
	envReloadDebounce = 500 * time.Millisecond
	fileWriteDelay    = 150 * time.Millisecond
)

// Config holds the proxy's tunables. relay.Init starts from DefaultConfig
// and applies BindAddress, DefaultOriginPort, ConnectTimeout and Logging;
// ReadBufferSize and MaxPauseDuration are decoded but not applied (the
// reactor's read buffer is a fixed 32 KiB and InsertPause enforces no
// ceiling). Init does not call Load, so a running Proxy is not reloaded.
type Config struct {
	BindAddress       string        `mapstructure:"bind_address"`
	DefaultOriginPort uint16        `mapstructure:"default_origin_port"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxPauseDuration  time.Duration `mapstructure:"max_pause_duration"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig mirrors internal/logger.Config's schema for file-based
// config/env loading (internal/logger.Config itself stays free of viper
// tags so that package has no config-loading dependency of its own).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	FileOutput bool   `mapstructure:"file_output"`
	PrettyLogs bool   `mapstructure:"pretty_logs"`
}

// DefaultConfig returns the configuration a host gets with no config file
// and no environment overrides present.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:       DefaultBindAddress,
		DefaultOriginPort: DefaultOriginPort,
		ReadBufferSize:    DefaultReadBufferSize,
		ConnectTimeout:    DefaultConnectTimeout,
		MaxPauseDuration:  DefaultMaxPause,
		Logging: LoggingConfig{
			Level:      "info",
			PrettyLogs: true,
		},
	}
}

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Load reads "relay.{yaml,json,...}" from "." or "./config", overlays
// RELAY_-prefixed environment variables, and watches the resolved file for
// changes, invoking onConfigChange (debounced) whenever it's rewritten.
// A missing config file is not an error — DefaultConfig's values stand.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
		if configFile := os.Getenv("RELAY_CONFIG_FILE"); configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read config file %s: %w", configFile, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	v.WatchConfig()
	if onConfigChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < envReloadDebounce {
				return
			}
			lastReload = now

			time.Sleep(fileWriteDelay)
			onConfigChange()
		})
	}

	return cfg, nil
}
