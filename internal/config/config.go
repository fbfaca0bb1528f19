// Package config provides configuration management for rcverbs.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RCVERBS_* prefix)
//  3. Configuration file (rcverbs.yaml)
//  4. Default values (lowest priority)
//
// Buffer sizes accept memory units ("8KiB", "8k", "8192").
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rcverbs/rcverbs.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rcverbs/internal/transport/rc"
	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// ErrInvalid is returned when the loaded configuration is unusable.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for rcverbs
type Config struct {
	// Device selects the verbs device and the simulated fabric behind it
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Iface holds the RC interface tunables
	Iface IfaceConfig `mapstructure:"iface" yaml:"iface"`

	// Progress configures the progress driver
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`

	// Metrics configures metric export
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DeviceConfig selects the device.
type DeviceConfig struct {
	// Name is the verbs device name (e.g., "mlx5_0")
	Name string `mapstructure:"name" yaml:"name"`

	// Port is the physical port number
	Port int `mapstructure:"port" yaml:"port"`

	// AtomicCap is the atomic capability of the simulated device
	// (hca, glob, reply-be, none)
	AtomicCap string `mapstructure:"atomic_cap" yaml:"atomic_cap"`

	// ExtAtomics enables extended (masked and 32-bit) atomics on the
	// simulated device
	ExtAtomics bool `mapstructure:"ext_atomics" yaml:"ext_atomics"`

	// MaxInlineData is the inline limit of the simulated device
	MaxInlineData string `mapstructure:"max_inline_data" yaml:"max_inline_data"`
}

// IfaceConfig mirrors rc.Config with memory-unit strings for sizes.
type IfaceConfig struct {
	SegSize      string `mapstructure:"seg_size" yaml:"seg_size"`
	RxQueueLen   int    `mapstructure:"rx_queue_len" yaml:"rx_queue_len"`
	RxMaxBatch   int    `mapstructure:"rx_max_batch" yaml:"rx_max_batch"`
	RxMaxPoll    int    `mapstructure:"rx_max_poll" yaml:"rx_max_poll"`
	RxMaxBufs    int    `mapstructure:"rx_max_bufs" yaml:"rx_max_bufs"`
	RxBufsGrow   int    `mapstructure:"rx_bufs_grow" yaml:"rx_bufs_grow"`
	TxQPLen      int    `mapstructure:"tx_qp_len" yaml:"tx_qp_len"`
	TxCQLen      int    `mapstructure:"tx_cq_len" yaml:"tx_cq_len"`
	TxMaxPoll    int    `mapstructure:"tx_max_poll" yaml:"tx_max_poll"`
	TxModeration int    `mapstructure:"tx_moderation" yaml:"tx_moderation"`
	MaxInline    string `mapstructure:"max_inline" yaml:"max_inline"`
	MaxAMHdr     string `mapstructure:"max_am_hdr" yaml:"max_am_hdr"`
}

// ProgressConfig configures the progress driver.
type ProgressConfig struct {
	// IdleRate bounds idle progress rounds per second; 0 disables pacing
	IdleRate int `mapstructure:"idle_rate" yaml:"idle_rate"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// Listen is the address of the metrics HTTP server
	Listen string `mapstructure:"listen" yaml:"listen"`

	// OTel additionally records through the global OpenTelemetry meter
	OTel bool `mapstructure:"otel" yaml:"otel"`
}

// Options holds command-line overrides
type Options struct {
	LogLevel string
	Listen   string
	Device   string
}

// Load loads configuration from file and environment
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rcverbs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rcverbs")
		v.AddConfigPath("$HOME/.rcverbs")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RCVERBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.Listen != "" {
		v.Set("metrics.listen", opts.Listen)
	}
	if opts.Device != "" {
		v.Set("device.name", opts.Device)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	d := rc.DefaultConfig()

	return &Config{
		Device: DeviceConfig{
			Name:          "mlx5_0",
			Port:          1,
			AtomicCap:     "hca",
			ExtAtomics:    true,
			MaxInlineData: "220",
		},
		Iface: IfaceConfig{
			SegSize:      humanize.IBytes(uint64(d.SegSize)),
			RxQueueLen:   d.RxQueueLen,
			RxMaxBatch:   d.RxMaxBatch,
			RxMaxPoll:    d.RxMaxPoll,
			RxMaxBufs:    d.RxMaxBufs,
			RxBufsGrow:   d.RxBufsGrow,
			TxQPLen:      d.TxQPLen,
			TxCQLen:      d.TxCQLen,
			TxMaxPoll:    d.TxMaxPoll,
			TxModeration: d.TxModeration,
			MaxInline:    fmt.Sprint(d.MaxInline),
			MaxAMHdr:     fmt.Sprint(d.MaxAMHdr),
		},
		Progress: ProgressConfig{IdleRate: 1000},
		Metrics:  MetricsConfig{Listen: ":9464"},
		LogLevel: "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Device defaults
	v.SetDefault("device.name", d.Device.Name)
	v.SetDefault("device.port", d.Device.Port)
	v.SetDefault("device.atomic_cap", d.Device.AtomicCap)
	v.SetDefault("device.ext_atomics", d.Device.ExtAtomics)
	v.SetDefault("device.max_inline_data", d.Device.MaxInlineData)

	// Interface defaults
	v.SetDefault("iface.seg_size", d.Iface.SegSize)
	v.SetDefault("iface.rx_queue_len", d.Iface.RxQueueLen)
	v.SetDefault("iface.rx_max_batch", d.Iface.RxMaxBatch)
	v.SetDefault("iface.rx_max_poll", d.Iface.RxMaxPoll)
	v.SetDefault("iface.rx_max_bufs", d.Iface.RxMaxBufs)
	v.SetDefault("iface.rx_bufs_grow", d.Iface.RxBufsGrow)
	v.SetDefault("iface.tx_qp_len", d.Iface.TxQPLen)
	v.SetDefault("iface.tx_cq_len", d.Iface.TxCQLen)
	v.SetDefault("iface.tx_max_poll", d.Iface.TxMaxPoll)
	v.SetDefault("iface.tx_moderation", d.Iface.TxModeration)
	v.SetDefault("iface.max_inline", d.Iface.MaxInline)
	v.SetDefault("iface.max_am_hdr", d.Iface.MaxAMHdr)

	v.SetDefault("progress.idle_rate", d.Progress.IdleRate)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.otel", d.Metrics.OTel)

	v.SetDefault("log_level", d.LogLevel)
}

func (c *Config) validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("%w: device.name is required", ErrInvalid)
	}

	if c.Device.Port < 1 {
		return fmt.Errorf("%w: device.port must be at least 1", ErrInvalid)
	}

	if _, err := ParseAtomicCap(c.Device.AtomicCap); err != nil {
		return err
	}

	if _, err := parseSize("device.max_inline_data", c.Device.MaxInlineData); err != nil {
		return err
	}

	if c.Progress.IdleRate < 0 {
		return fmt.Errorf("%w: progress.idle_rate must not be negative", ErrInvalid)
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}

	rcCfg, err := c.RCConfig()
	if err != nil {
		return err
	}

	if err := rcCfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// RCConfig converts the interface section to an rc.Config.
func (c *Config) RCConfig() (rc.Config, error) {
	out := rc.Config{
		RxQueueLen:   c.Iface.RxQueueLen,
		RxMaxBatch:   c.Iface.RxMaxBatch,
		RxMaxPoll:    c.Iface.RxMaxPoll,
		RxMaxBufs:    c.Iface.RxMaxBufs,
		RxBufsGrow:   c.Iface.RxBufsGrow,
		TxQPLen:      c.Iface.TxQPLen,
		TxCQLen:      c.Iface.TxCQLen,
		TxMaxPoll:    c.Iface.TxMaxPoll,
		TxModeration: c.Iface.TxModeration,
	}

	sizes := []struct {
		key string
		raw string
		dst *int
	}{
		{"iface.seg_size", c.Iface.SegSize, &out.SegSize},
		{"iface.max_inline", c.Iface.MaxInline, &out.MaxInline},
		{"iface.max_am_hdr", c.Iface.MaxAMHdr, &out.MaxAMHdr},
	}

	for _, s := range sizes {
		n, err := parseSize(s.key, s.raw)
		if err != nil {
			return rc.Config{}, err
		}

		*s.dst = n
	}

	return out, nil
}

// SimulatedOptions builds the simulated device options from the device
// section.
func (c *Config) SimulatedOptions() (*verbs.SimulatedOptions, error) {
	atomicCap, err := ParseAtomicCap(c.Device.AtomicCap)
	if err != nil {
		return nil, err
	}

	inline, err := parseSize("device.max_inline_data", c.Device.MaxInlineData)
	if err != nil {
		return nil, err
	}

	opts := verbs.DefaultSimulatedOptions()
	opts.AtomicCap = atomicCap
	opts.MaxInlineData = uint32(inline) //nolint:gosec // G115: bounded by parseSize

	if !c.Device.ExtAtomics {
		opts.ExtAtomics = verbs.ExtAtomicAttr{}
	}

	return opts, nil
}

// ParseAtomicCap maps a configuration name to an atomic capability.
func ParseAtomicCap(s string) (verbs.AtomicCap, error) {
	switch strings.ToLower(s) {
	case "hca":
		return verbs.AtomicHCA, nil
	case "glob":
		return verbs.AtomicGlob, nil
	case "reply-be", "hca_reply_be":
		return verbs.AtomicHCAReplyBE, nil
	case "none":
		return verbs.AtomicNone, nil
	default:
		return verbs.AtomicNone, fmt.Errorf("%w: unknown atomic capability %q", ErrInvalid, s)
	}
}

func parseSize(key, raw string) (int, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}

	if n > 1<<31-1 {
		return 0, fmt.Errorf("%w: %s: %s is too large", ErrInvalid, key, raw)
	}

	return int(n), nil
}

// WriteDefault writes the built-in configuration as YAML to path. An
// existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
