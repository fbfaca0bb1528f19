package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rcverbs/internal/config"
	"github.com/piwi3910/rcverbs/internal/metrics"
	"github.com/piwi3910/rcverbs/internal/server"
	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

// NewServeCmd creates the serve command
func NewServeCmd(g *Globals) *cobra.Command {
	var (
		listen string
		ifaces int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drive interfaces and serve metrics, health and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ifaces < 1 {
				return fmt.Errorf("--ifaces must be at least 1, got %d", ifaces)
			}

			cfg, err := g.LoadConfig(config.Options{Listen: listen})
			if err != nil {
				return err
			}

			hook, err := metricHook(cfg)
			if err != nil {
				return err
			}

			nodeID := uuid.NewString()
			metrics.Init(nodeID)

			log.Info().
				Str("version", metrics.Version).
				Str("node_id", nodeID).
				Str("device", cfg.Device.Name).
				Int("ifaces", ifaces).
				Msg("Starting rcverbs")

			f, err := openFabric(cfg, ifaces, rc.WithMetrics(hook))
			if err != nil {
				return err
			}

			defer func() {
				for _, iface := range f.ifaces {
					metrics.DeleteIface(iface.ID())
				}

				if err := f.Close(); err != nil {
					log.Error().Err(err).Msg("Failed to close interfaces")
				}
			}()

			srv := server.New(server.Config{
				Listen:   cfg.Metrics.Listen,
				IdleRate: cfg.Progress.IdleRate,
			}, f.ifaces)

			// Handle graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("server error: %w", err)
			}

			log.Info().Msg("rcverbs shutdown complete")

			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from config)")
	cmd.Flags().IntVar(&ifaces, "ifaces", 1, "Number of interfaces to create")

	return cmd
}

func metricHook(cfg *config.Config) (rc.MetricHook, error) {
	if !cfg.Metrics.OTel {
		return metrics.Prometheus{}, nil
	}

	otelHook, err := metrics.NewOTel(metrics.OTelOptions{InstrumentationVersion: metrics.Version})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
	}

	return metrics.Tee(metrics.Prometheus{}, otelHook), nil
}
