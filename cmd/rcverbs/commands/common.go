// Package commands implements the rcverbs subcommands.
package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rcverbs/internal/config"
	"github.com/piwi3910/rcverbs/internal/transport/rc"
	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// Globals holds the persistent flags of the root command.
type Globals struct {
	ConfigPath string
	LogLevel   string
	Debug      bool
}

// LoadConfig loads the configuration and applies its log level.
func (g *Globals) LoadConfig(opts config.Options) (*config.Config, error) {
	if opts.LogLevel == "" {
		opts.LogLevel = g.LogLevel
	}

	cfg, err := config.Load(g.ConfigPath, opts)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	if g.Debug {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)

	return cfg, nil
}

// fabric is a set of interfaces sharing one simulated backend.
type fabric struct {
	backend *verbs.SimulatedBackend
	devs    []*verbs.Device
	ifaces  []*rc.Iface
}

// openFabric opens n interfaces on the configured device. Their queue
// pairs can connect to each other.
func openFabric(cfg *config.Config, n int, opts ...rc.Option) (*fabric, error) {
	simOpts, err := cfg.SimulatedOptions()
	if err != nil {
		return nil, err
	}

	rcCfg, err := cfg.RCConfig()
	if err != nil {
		return nil, err
	}

	f := &fabric{backend: verbs.NewSimulatedBackend(simOpts)}

	for k := 0; k < n; k++ {
		dev, err := verbs.OpenDevice(f.backend, cfg.Device.Name, cfg.Device.Port)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open device %s: %w", cfg.Device.Name, err), f.Close())
		}

		f.devs = append(f.devs, dev)

		iface, err := rc.New(dev, rcCfg, opts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create interface: %w", err), f.Close())
		}

		f.ifaces = append(f.ifaces, iface)
	}

	return f, nil
}

// Close closes the interfaces, then their devices.
func (f *fabric) Close() error {
	var errs []error

	for _, iface := range f.ifaces {
		errs = append(errs, iface.Close())
	}

	for _, dev := range f.devs {
		errs = append(errs, dev.Close())
	}

	return errors.Join(errs...)
}
