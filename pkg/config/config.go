// Package config loads and validates the pmheap tool configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PMHEAP_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pmheap/internal/bytesize"
	"github.com/marmos91/pmheap/pkg/heap"
)

// Config represents the pmheap configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Pool identifies the pool file the tool operates on
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Heap carries allocator tuning: extra allocation classes on top of
	// the built-in set
	Heap HeapConfig `mapstructure:"heap" yaml:"heap"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" validate:"omitempty,hostname_port" yaml:"listen_addr"`
}

// PoolConfig identifies the pool file.
type PoolConfig struct {
	// Path of the pool file.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Size used when creating a new pool. Accepts human-readable sizes
	// like "1Gi" or "256Mi".
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`
}

// HeapConfig carries allocator tuning.
type HeapConfig struct {
	// AllocClasses registers additional run classes at boot.
	AllocClasses []AllocClassConfig `mapstructure:"alloc_classes" validate:"dive" yaml:"alloc_classes,omitempty"`
}

// AllocClassConfig describes one extra run class.
type AllocClassConfig struct {
	// ID of the class; must not collide with the built-in set.
	ID uint8 `mapstructure:"id" validate:"required" yaml:"id"`

	// UnitSize is the cell size in bytes.
	UnitSize bytesize.ByteSize `mapstructure:"unit_size" validate:"required" yaml:"unit_size"`

	// ChunksPerRun is the run extent in chunks.
	ChunksPerRun uint32 `mapstructure:"chunks_per_run" validate:"required" yaml:"chunks_per_run"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location; a missing file is fine and
// yields the defaults overlaid with environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures paths and environment binding.
func setupViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PMHEAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as the key registry: AutomaticEnv only surfaces keys
	// viper already knows about.
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("pool.path", "")
	v.SetDefault("pool.size", 0)
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	for _, ac := range cfg.Heap.AllocClasses {
		if uint64(ac.UnitSize) > uint64(ac.ChunksPerRun)*heap.ChunkSize/2 {
			return fmt.Errorf("alloc class %d: unit size %s does not fit a %d-chunk run",
				ac.ID, ac.UnitSize, ac.ChunksPerRun)
		}
	}
	return nil
}

// Save writes the configuration to the given path in YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can use human-readable sizes like "1Gi" or plain numbers.
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
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, honoring
// XDG_CONFIG_HOME with a ~/.config fallback.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pmheap")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "pmheap")
}
