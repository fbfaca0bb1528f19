package rc

import (
	"fmt"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// pollTX handles up to TxMaxPoll send completions. Every completion
// acknowledges wr_id+1 sends on its endpoint: the signaled send and the
// unsignaled ones posted before it.
func (i *Iface) pollTX() (int, error) {
	n, err := i.backend.PollCQ(i.sendCQ, i.txWC)
	if err != nil {
		return 0, i.fail("poll_tx_cq", err)
	}

	if n == 0 {
		return 0, nil
	}

	for k := 0; k < n; k++ {
		wc := &i.txWC[k]

		if wc.Status != verbs.WCSuccess {
			return 0, i.fail("tx_completion", fmt.Errorf("%w: %s (wr_id %d, qpn 0x%x)",
				ErrCompletionStatus, wc.Status, wc.WRID, wc.QPN))
		}

		ep, ok := i.endpoints[wc.QPN]
		if !ok {
			return 0, i.fail("tx_completion", fmt.Errorf("%w: qpn 0x%x", ErrUnknownEndpoint, wc.QPN))
		}

		count := int(wc.WRID) + 1 //nolint:gosec // G115: wr_id is the unsignaled count
		ep.available += count
		ep.completionCount += uint16(count) //nolint:gosec // G115: wraps by design of the 16-bit counter
		i.tx.cqAvailable++

		i.log.Trace().
			Uint32("qpn", wc.QPN).
			Int("count", count).
			Uint16("completion_count", ep.completionCount).
			Msg("TX completion")

		i.txCompletion(ep, ep.completionCount)
	}

	i.metrics.TxCompleted(i.id, n)

	return n, nil
}
