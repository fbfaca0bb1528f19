package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rcverbs/internal/config"
	"github.com/piwi3910/rcverbs/internal/server"
)

// NewCapsCmd creates the caps command
func NewCapsCmd(g *Globals) *cobra.Command {
	var (
		atomicCap  string
		extAtomics bool
		device     string
	)

	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Show interface capabilities",
		Long: `Create an interface on the configured device and print what it supports.

Atomic capabilities: hca, glob, reply-be, none.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.LoadConfig(config.Options{Device: device})
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("atomic") {
				cfg.Device.AtomicCap = atomicCap
			}

			if cmd.Flags().Changed("ext-atomics") {
				cfg.Device.ExtAtomics = extAtomics
			}

			f, err := openFabric(cfg, 1)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			iface := f.ifaces[0]
			caps := server.CapsOf(iface)

			out := cmd.OutOrStdout()

			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)

			if err := enc.Encode(caps); err != nil {
				return fmt.Errorf("failed to encode capabilities: %w", err)
			}

			if err := enc.Close(); err != nil {
				return err
			}

			rcCfg := iface.Config()

			fmt.Fprintf(out, "\nSegment size:   %s\n", humanize.IBytes(uint64(rcCfg.SegSize)))
			fmt.Fprintf(out, "Receive memory: %s (%d buffers)\n",
				humanize.IBytes(uint64(rcCfg.SegSize)*uint64(rcCfg.RxQueueLen)), rcCfg.RxQueueLen)
			fmt.Fprintf(out, "Max zero copy:  %s\n", humanize.IBytes(caps.Attr.Put.MaxZcopy))

			return nil
		},
	}

	cmd.Flags().StringVar(&atomicCap, "atomic", "", "Atomic capability of the simulated device")
	cmd.Flags().BoolVar(&extAtomics, "ext-atomics", true, "Enable extended atomics on the simulated device")
	cmd.Flags().StringVar(&device, "device", "", "Device name")

	return cmd
}
