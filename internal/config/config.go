// Package config loads server settings from defaults, an optional YAML file,
// PUBLIX_ environment variables and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PUBLIX_LOG_LEVEL.
const EnvPrefix = "PUBLIX"

// Keys
const (
	KeyAddr                   = "addr"
	KeyBasePath               = "base_path"
	KeyLogLevel               = "log.level"
	KeyLogFormat              = "log.format"
	KeyDBPath                 = "db.path"
	KeySeedFile               = "seed.file"
	KeyRequestTimeout         = "registry.request_timeout"
	KeyDispatcherQueueSize    = "dispatcher.queue_size"
	KeyChannelBufferSize      = "channel.buffer_size"
	KeyChannelPingInterval    = "channel.ping_interval"
	KeyChannelMaxMessageBytes = "channel.max_message_bytes"
	KeySweepInterval          = "sweep.interval"
	KeyShutdownTimeout        = "shutdown_timeout"
	KeyAllowedOrigins         = "allowed_origins"
)

// Config is the resolved server configuration
type Config struct {
	Addr            string
	BasePath        string
	LogLevel        string
	LogFormat       string
	DBPath          string // empty keeps everything in memory
	SeedFile        string
	RequestTimeout  time.Duration
	QueueSize       int
	BufferSize      int
	PingInterval    time.Duration
	MaxMessageBytes int64
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyAddr, ":9000")
	v.SetDefault(KeyBasePath, "/")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeySeedFile, "")
	v.SetDefault(KeyRequestTimeout, 5*time.Second)
	v.SetDefault(KeyDispatcherQueueSize, 64)
	v.SetDefault(KeyChannelBufferSize, 256)
	v.SetDefault(KeyChannelPingInterval, 30*time.Second)
	v.SetDefault(KeyChannelMaxMessageBytes, 64*1024)
	v.SetDefault(KeySweepInterval, time.Minute)
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyAllowedOrigins, []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of fs whose name matches a key with dots
// replaced by dashes, e.g. --log-level for log.level.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range v.AllKeys() {
		f := fs.Lookup(strings.ReplaceAll(strings.ReplaceAll(key, ".", "-"), "_", "-"))
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	}
	return nil
}

// ReadFile reads the config file at path. An empty path looks for
// publix.yaml in the working directory and accepts its absence.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("publix")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load resolves the configuration from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:            v.GetString(KeyAddr),
		BasePath:        v.GetString(KeyBasePath),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		DBPath:          v.GetString(KeyDBPath),
		SeedFile:        v.GetString(KeySeedFile),
		RequestTimeout:  v.GetDuration(KeyRequestTimeout),
		QueueSize:       v.GetInt(KeyDispatcherQueueSize),
		BufferSize:      v.GetInt(KeyChannelBufferSize),
		PingInterval:    v.GetDuration(KeyChannelPingInterval),
		MaxMessageBytes: v.GetInt64(KeyChannelMaxMessageBytes),
		SweepInterval:   v.GetDuration(KeySweepInterval),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		AllowedOrigins:  originList(v.GetStringSlice(KeyAllowedOrigins)),
	}
	if !strings.HasPrefix(cfg.BasePath, "/") {
		cfg.BasePath = "/" + cfg.BasePath
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: addr must not be empty")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("config: %s must be positive", KeyRequestTimeout)
	case c.QueueSize <= 0:
		return fmt.Errorf("config: %s must be positive", KeyDispatcherQueueSize)
	case c.BufferSize <= 0:
		return fmt.Errorf("config: %s must be positive", KeyChannelBufferSize)
	case c.PingInterval <= 0:
		return fmt.Errorf("config: %s must be positive", KeyChannelPingInterval)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("config: %s must be positive", KeyChannelMaxMessageBytes)
	case c.SweepInterval < 0:
		return fmt.Errorf("config: %s must not be negative", KeySweepInterval)
	}
	return nil
}

// Watch reloads the config file whenever it changes and hands the new log
// level to setLevel. Other settings need a restart.
func Watch(v *viper.Viper, logger *slog.Logger, setLevel func(string) error) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString(KeyLogLevel)
		if err := setLevel(level); err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "log_level", level)
	})
	v.WatchConfig()
}

// originList accepts both a list and a single comma separated value, which
// is what an environment variable provides.
func originList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
