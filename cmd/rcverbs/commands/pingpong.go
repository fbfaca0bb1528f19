package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rcverbs/internal/config"
	"github.com/piwi3910/rcverbs/internal/mpool"
	"github.com/piwi3910/rcverbs/internal/progress"
	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

const (
	pingAMID = 1
	pongAMID = 2
)

// PingPongResult summarizes a ping-pong run.
type PingPongResult struct {
	RoundTrips int
	Bytes      uint64
	Elapsed    time.Duration
}

// Rate returns round trips per second.
func (r PingPongResult) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(r.RoundTrips) / r.Elapsed.Seconds()
}

// RunPingPong bounces count short active messages of size payload bytes
// from the first interface to the second and back, one in flight at a time.
func RunPingPong(ctx context.Context, ifaces [2]*rc.Iface, count, size int) (PingPongResult, error) {
	a, b := ifaces[0], ifaces[1]

	epA, err := a.CreateEndpoint()
	if err != nil {
		return PingPongResult{}, err
	}

	epB, err := b.CreateEndpoint()
	if err != nil {
		return PingPongResult{}, err
	}

	if err := epA.Connect(epB.QPN()); err != nil {
		return PingPongResult{}, err
	}

	if err := epB.Connect(epA.QPN()); err != nil {
		return PingPongResult{}, err
	}

	payload := make([]byte, size)

	var (
		sent, received int
		sendErr        error
	)

	// b echoes each ping with the same sequence number
	if err := b.SetAMHandler(pingAMID, func(_ uint8, data []byte, _ *mpool.Desc) error {
		seq, body, err := rc.SplitAMShort(data)
		if err != nil {
			return err
		}

		if err := epB.AMShort(pongAMID, seq, body); err != nil {
			sendErr = fmt.Errorf("pong %d: %w", seq, err)
		}

		return nil
	}); err != nil {
		return PingPongResult{}, err
	}

	if err := a.SetAMHandler(pongAMID, func(_ uint8, data []byte, _ *mpool.Desc) error {
		seq, _, err := rc.SplitAMShort(data)
		if err != nil {
			return err
		}

		if int(seq) != received {
			sendErr = fmt.Errorf("pong %d out of order, expected %d", seq, received)
		}

		received++

		return nil
	}); err != nil {
		return PingPongResult{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ping := func() {
		if err := epA.AMShort(pingAMID, uint64(sent), payload); err != nil {
			if errors.Is(err, rc.ErrNoResource) {
				// retried on the next round once send credits return
				return
			}

			sendErr = fmt.Errorf("ping %d: %w", sent, err)

			return
		}

		sent++
	}

	d := &progress.Driver{
		Ifaces: []*rc.Iface{a, b},
		OnRound: func(int) {
			switch {
			case sendErr != nil, received == count:
				cancel()
			case sent == received:
				ping()
			}
		},
	}

	start := time.Now()

	if count > 0 {
		ping()
	}

	if count == 0 || sendErr != nil {
		cancel()
	}

	err = d.Run(ctx)
	elapsed := time.Since(start)

	res := PingPongResult{
		RoundTrips: received,
		Bytes:      uint64(received) * uint64(size) * 2,
		Elapsed:    elapsed,
	}

	if sendErr != nil {
		return res, sendErr
	}

	if err != nil && !(errors.Is(err, context.Canceled) && received == count) {
		return res, err
	}

	return res, nil
}

// NewPingPongCmd creates the pingpong command
func NewPingPongCmd(g *Globals) *cobra.Command {
	var (
		count   int
		size    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Measure active message round trips between two interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.LoadConfig(config.Options{})
			if err != nil {
				return err
			}

			f, err := openFabric(cfg, 2)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			log.Info().Int("count", count).Int("size", size).Msg("Starting ping-pong")

			res, err := RunPingPong(ctx, [2]*rc.Iface{f.ifaces[0], f.ifaces[1]}, count, size)
			if err != nil {
				return fmt.Errorf("ping-pong failed after %d round trips: %w", res.RoundTrips, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Round trips: %s\n", humanize.Comma(int64(res.RoundTrips)))
			fmt.Fprintf(out, "Elapsed:     %s\n", res.Elapsed.Round(time.Microsecond))
			fmt.Fprintf(out, "Rate:        %s round trips/s\n", humanize.CommafWithDigits(res.Rate(), 0))

			if res.RoundTrips > 0 {
				fmt.Fprintf(out, "Latency:     %s per round trip\n", (res.Elapsed / time.Duration(res.RoundTrips)).Round(time.Nanosecond))
				fmt.Fprintf(out, "Payload:     %s/s\n", humanize.IBytes(uint64(float64(res.Bytes)/res.Elapsed.Seconds())))
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 10000, "Number of round trips")
	cmd.Flags().IntVar(&size, "size", 8, "Payload bytes per message")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long (0 for no limit)")

	return cmd
}
