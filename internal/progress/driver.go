// Package progress drives RC interfaces from a single goroutine.
package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/piwi3910/rcverbs/internal/metrics"
	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

// ErrNoIfaces is returned by Run when there is nothing to drive.
var ErrNoIfaces = errors.New("no interfaces to drive")

// Driver calls Progress on every interface in turn until the context is
// cancelled or an interface fails.
type Driver struct {
	Ifaces []*rc.Iface

	// IdleRate bounds idle rounds per second. Zero spins without pacing.
	IdleRate int

	// OnRound, if set, runs after every round with the completions the
	// round handled. It runs on the driver goroutine.
	OnRound func(completions int)
}

// Run drives the interfaces. It returns ctx.Err() on cancellation and the
// fatal error of the first interface that failed.
func (d *Driver) Run(ctx context.Context) error {
	if len(d.Ifaces) == 0 {
		return ErrNoIfaces
	}

	var limiter ratelimit.Limiter
	if d.IdleRate > 0 {
		limiter = ratelimit.New(d.IdleRate, ratelimit.WithoutSlack)
	}

	log.Debug().
		Int("ifaces", len(d.Ifaces)).
		Int("idle_rate", d.IdleRate).
		Msg("Progress driver started")

	for {
		if err := ctx.Err(); err != nil {
			log.Debug().Msg("Progress driver stopped")
			return err
		}

		total, err := d.Round()
		if err != nil {
			return err
		}

		if d.OnRound != nil {
			d.OnRound(total)
		}

		if total == 0 && limiter != nil {
			limiter.Take()
		}
	}
}

// Round progresses every interface once and returns the completions
// handled.
func (d *Driver) Round() (int, error) {
	total := 0

	for _, iface := range d.Ifaces {
		n, err := iface.Progress()
		if err != nil {
			log.Error().Err(err).Str("iface", iface.ID()).Msg("Interface progress failed")
			return total, fmt.Errorf("iface %s: %w", iface.ID(), err)
		}

		if n > 0 {
			metrics.RecordProgress(iface.ID(), n)
		}

		metrics.SetIfaceState(iface)

		total += n
	}

	return total, nil
}
