// Package config loads the server's ambient configuration: listen
// address, logging, metrics, shutdown timeout, default shard size, and
// the set of exports to serve.
//
// Configuration sources, highest precedence first:
//  1. CLI flags (applied by the caller after Load returns)
//  2. Environment variables (NBD_*)
//  3. YAML config file
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/nbdserver/internal/bytesize"
	"github.com/marmos91/nbdserver/pkg/export"
)

// Config is the server's full ambient configuration.
type Config struct {
	// ListenAddr is the host:port the NBD listener binds to.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`

	// ShutdownTimeout bounds how long Serve waits for in-flight
	// sessions to drain after the context is cancelled.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// DefaultShardSize is used for exports that don't set their own.
	DefaultShardSize bytesize.ByteSize `mapstructure:"default_shard_size" yaml:"default_shard_size"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Exports lists the volumes this server serves. At least one is
	// required to serve anything useful, but Load does not enforce
	// that; `nbdserver serve` does.
	Exports []ExportConfig `mapstructure:"exports" yaml:"exports"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on the /metrics HTTP server. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the host:port /metrics is served on, e.g. ":9090".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ExportConfig describes one served volume.
type ExportConfig struct {
	Name        string            `mapstructure:"name" yaml:"name" validate:"required"`
	Description string            `mapstructure:"description" yaml:"description,omitempty"`
	Driver      string            `mapstructure:"driver" yaml:"driver" validate:"oneof=raw sharded distributed"`
	Backend     string            `mapstructure:"backend" yaml:"backend" validate:"required"`
	VolumeSize  bytesize.ByteSize `mapstructure:"volume_size" yaml:"volume_size,omitempty"`
	ShardSize   bytesize.ByteSize `mapstructure:"shard_size" yaml:"shard_size,omitempty"`
	Force       bool              `mapstructure:"force" yaml:"force,omitempty"`
}

// ExportSpecs converts the configured exports into export.Spec values,
// filling in the server-wide default shard size where an export didn't
// set its own.
func (c *Config) ExportSpecs() []export.Spec {
	specs := make([]export.Spec, len(c.Exports))
	for i, e := range c.Exports {
		shardSize := uint64(e.ShardSize)
		if shardSize == 0 {
			shardSize = uint64(c.DefaultShardSize)
		}
		specs[i] = export.Spec{
			Name:        e.Name,
			Description: e.Description,
			Driver:      e.Driver,
			Backend:     e.Backend,
			VolumeSize:  uint64(e.VolumeSize),
			ShardSize:   shardSize,
			Force:       e.Force,
		}
	}
	return specs
}

// ToLoggerConfig narrows LoggingConfig down to the shape internal/logger
// expects.
func (c *Config) ToLoggerConfig() (level, format, output string) {
	return c.Logging.Level, c.Logging.Format, c.Logging.Output
}

// Load reads configuration from file, environment, and defaults.
// configPath may be empty, in which case the default XDG location is
// searched and a missing file is not an error. When no file is found,
// Load returns DefaultConfig() as is: NBD_* environment variables are
// not consulted in that case.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration, producing a user-friendly error that
// names the default path when no config file can be found at all.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at %s\n\n"+
				"create one there, or point at an existing file:\n  nbdserver serve --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories as
// needed. The file is written with owner-only permissions since backend
// connection strings may carry credentials.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks composes the custom type conversions config values
// need beyond viper's built-ins.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nbdserver")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nbdserver")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the resolved config directory to callers outside
// this package.
func GetConfigDir() string {
	return getConfigDir()
}
