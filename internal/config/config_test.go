package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rcverbs/internal/transport/rc"
	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing device name",
			mutate:  func(c *Config) { c.Device.Name = "" },
			wantErr: true,
			errMsg:  "device.name is required",
		},
		{
			name:    "port zero",
			mutate:  func(c *Config) { c.Device.Port = 0 },
			wantErr: true,
			errMsg:  "device.port must be at least 1",
		},
		{
			name:    "unknown atomic capability",
			mutate:  func(c *Config) { c.Device.AtomicCap = "quantum" },
			wantErr: true,
			errMsg:  `unknown atomic capability "quantum"`,
		},
		{
			name:    "unparseable segment size",
			mutate:  func(c *Config) { c.Iface.SegSize = "lots" },
			wantErr: true,
			errMsg:  "iface.seg_size",
		},
		{
			name:    "batch larger than queue",
			mutate:  func(c *Config) { c.Iface.RxMaxBatch = c.Iface.RxQueueLen + 1 },
			wantErr: true,
			errMsg:  "rx batch",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: true,
			errMsg:  `unknown log_level "loud"`,
		},
		{
			name:    "negative idle rate",
			mutate:  func(c *Config) { c.Progress.IdleRate = -1 },
			wantErr: true,
			errMsg:  "progress.idle_rate",
		},
		{
			name:   "memory units",
			mutate: func(c *Config) { c.Iface.SegSize = "16k"; c.Iface.MaxAMHdr = "0" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRCConfig(t *testing.T) {
	cfg := Default()

	got, err := cfg.RCConfig()
	require.NoError(t, err)
	assert.Equal(t, rc.DefaultConfig(), got)

	cfg.Iface.SegSize = "16KiB"
	cfg.Iface.MaxInline = "64"

	got, err = cfg.RCConfig()
	require.NoError(t, err)
	assert.Equal(t, 16384, got.SegSize)
	assert.Equal(t, 64, got.MaxInline)
}

func TestSimulatedOptions(t *testing.T) {
	cfg := Default()
	cfg.Device.AtomicCap = "reply-be"
	cfg.Device.ExtAtomics = false
	cfg.Device.MaxInlineData = "64"

	opts, err := cfg.SimulatedOptions()
	require.NoError(t, err)
	assert.Equal(t, verbs.AtomicHCAReplyBE, opts.AtomicCap)
	assert.False(t, opts.ExtAtomics.Supported)
	assert.Equal(t, uint32(64), opts.MaxInlineData)
}

func TestParseAtomicCap(t *testing.T) {
	tests := map[string]verbs.AtomicCap{
		"hca":          verbs.AtomicHCA,
		"GLOB":         verbs.AtomicGlob,
		"reply-be":     verbs.AtomicHCAReplyBE,
		"hca_reply_be": verbs.AtomicHCAReplyBE,
		"none":         verbs.AtomicNone,
	}

	for in, want := range tests {
		got, err := ParseAtomicCap(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcverbs.yaml")
	data := []byte(`
device:
  name: mlx5_1
  atomic_cap: glob
iface:
  seg_size: 4KiB
  rx_queue_len: 128
  rx_max_batch: 32
log_level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "mlx5_1", cfg.Device.Name)
	assert.Equal(t, 1, cfg.Device.Port)
	assert.Equal(t, "glob", cfg.Device.AtomicCap)
	assert.Equal(t, "debug", cfg.LogLevel)

	rcCfg, err := cfg.RCConfig()
	require.NoError(t, err)
	assert.Equal(t, 4096, rcCfg.SegSize)
	assert.Equal(t, 128, rcCfg.RxQueueLen)
	assert.Equal(t, 32, rcCfg.RxMaxBatch)
	assert.Equal(t, rc.DefaultConfig().TxQPLen, rcCfg.TxQPLen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.Error(t, err)
}

func TestLoadEnvironmentAndOptions(t *testing.T) {
	t.Setenv("RCVERBS_IFACE_TX_MODERATION", "8")
	t.Setenv("RCVERBS_METRICS_LISTEN", ":1")

	cfg, err := Load("", Options{Listen: ":9999", Device: "mlx5_1"})
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Iface.TxModeration)
	assert.Equal(t, ":9999", cfg.Metrics.Listen)
	assert.Equal(t, "mlx5_1", cfg.Device.Name)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("RCVERBS_IFACE_TX_MODERATION", "100000")

	_, err := Load("", Options{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rcverbs.yaml")

	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path))

	cfg, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
