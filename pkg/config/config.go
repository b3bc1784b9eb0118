// Package config loads the vmnetfs daemon's configuration: logging, an
// optional metrics listener, and the set of images to serve.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (VMNETFS_*), for keys that appear in the
//     configuration file
//  2. Configuration file (YAML)
//  3. Default values
//
// When no configuration file is found, the default values are used as they
// are and environment variables are not consulted.
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

	"github.com/cmusatyalab/vmnetfs/internal/bytesize"
)

// Config is the top-level vmnetfs daemon configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics HTTP listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Images lists every image this daemon serves.
	Images []ImageConfig `mapstructure:"images" yaml:"images"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP listener.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and exported.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address for the metrics HTTP server, e.g. ":9090".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ImageConfig describes one image this daemon demand-pages from an origin
// server into a local pristine cache.
type ImageConfig struct {
	// Name identifies the image in logs, metrics, and the pseudo-file tree.
	Name string `mapstructure:"name" yaml:"name"`

	// ChunkSize is the fixed chunk granularity in bytes.
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`

	// InitialSize is the image's starting effective size.
	InitialSize bytesize.ByteSize `mapstructure:"initial_size" yaml:"initial_size"`

	// CacheDir is the pristine cache directory for this image.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`

	// Origin configures the remote HTTP origin this image is paged from.
	Origin OriginConfig `mapstructure:"origin" yaml:"origin"`
}

// OriginConfig configures the HTTP origin an image's chunks are fetched
// from.
type OriginConfig struct {
	// URL is the origin's base URL. If the origin is segmented across
	// multiple files, this is the unsegmented prefix; ".0", ".1", ... are
	// appended per segment.
	URL string `mapstructure:"url" yaml:"url"`

	// Username and Password are optional HTTP basic-auth credentials.
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Cookie is an optional Cookie header value, e.g. for session-gated
	// origins.
	Cookie string `mapstructure:"cookie" yaml:"cookie,omitempty"`

	// FetchOffset shifts every byte range sent to the origin by this many
	// bytes, for origins that multiplex several images behind one URL.
	FetchOffset bytesize.ByteSize `mapstructure:"fetch_offset" yaml:"fetch_offset,omitempty"`

	// SegmentSize splits the origin into fixed-size segments served at
	// "{URL}.{index}", for origins that cap single-file size. Zero means
	// unsegmented.
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size,omitempty"`

	// ETag and LastModified pin the origin to a specific version; a
	// mismatch on any fetch is treated as fatal rather than retried.
	ETag         string `mapstructure:"etag" yaml:"etag,omitempty"`
	LastModified string `mapstructure:"last_modified" yaml:"last_modified,omitempty"`

	// UserAgent overrides the default request User-Agent header.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent,omitempty"`

	// RetryDelay overrides the fixed delay between fetch retries. Zero uses
	// the transport's default.
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay,omitempty"`
}

// Load reads configuration from configPath (or, if empty, from the
// default search locations and environment), applying defaults and
// validating the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stderr"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Validate checks that every configured image has the fields required to
// open it.
func Validate(cfg *Config) error {
	if len(cfg.Images) == 0 {
		return fmt.Errorf("no images configured")
	}
	seen := make(map[string]bool, len(cfg.Images))
	for _, img := range cfg.Images {
		if img.Name == "" {
			return fmt.Errorf("image missing name")
		}
		if seen[img.Name] {
			return fmt.Errorf("image %q: duplicate name", img.Name)
		}
		seen[img.Name] = true
		if img.ChunkSize == 0 {
			return fmt.Errorf("image %q: chunk_size must be nonzero", img.Name)
		}
		if img.CacheDir == "" {
			return fmt.Errorf("image %q: cache_dir is required", img.Name)
		}
		if img.Origin.URL == "" {
			return fmt.Errorf("image %q: origin.url is required", img.Name)
		}
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VMNETFS")
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
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

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
		return filepath.Join(xdg, "vmnetfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vmnetfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
