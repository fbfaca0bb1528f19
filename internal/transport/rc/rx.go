package rc

import (
	"errors"
	"fmt"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// prepareRecvWRs fills the reusable receive work request array with up to
// limit pool descriptors and returns how many it filled.
func (i *Iface) prepareRecvWRs(limit int) int {
	if limit > len(i.rx.wrs) {
		limit = len(i.rx.wrs)
	}

	count := 0

	for count < limit {
		desc := i.rxPool.Get()
		if desc == nil {
			break
		}

		i.rx.sges[count] = verbs.SGE{Buf: desc.Buf(), LKey: desc.LKey()}
		i.rx.wrs[count] = verbs.RecvWR{
			WRID:   desc.Index(),
			SGList: i.rx.sges[count : count+1],
		}
		count++
	}

	return count
}

// postRecvAlways posts up to limit receives regardless of the batch size.
func (i *Iface) postRecvAlways(limit int) (int, error) {
	count := i.prepareRecvWRs(limit)
	if count == 0 {
		return 0, nil
	}

	if err := i.backend.PostSRQRecv(i.srq, i.rx.wrs[:count]); err != nil {
		for _, wr := range i.rx.wrs[:count] {
			if desc := i.rxPool.Lookup(wr.WRID); desc != nil {
				desc.Release()
			}
		}

		return 0, i.fail("post_srq_recv", err)
	}

	i.rx.available -= count
	i.metrics.RxPosted(i.id, count)

	return count, nil
}

// postRecv replenishes the shared receive queue. A full batch is posted
// when at least one batch of slots is free; a partial batch only when
// fill is set.
func (i *Iface) postRecv(fill bool) (int, error) {
	batch := i.cfg.RxMaxBatch

	var count int

	if i.rx.available < batch {
		if !fill {
			return 0, nil
		}

		count = i.rx.available
	} else {
		count = batch
	}

	return i.postRecvAlways(count)
}

// pollRX handles up to RxMaxPoll receive completions and replenishes the
// receive queue. It returns ErrNoProgress when the queue was empty.
func (i *Iface) pollRX() (int, error) {
	n, err := i.backend.PollCQ(i.recvCQ, i.rxWC)
	if err != nil {
		return 0, i.fail("poll_rx_cq", err)
	}

	for k := 0; k < n; k++ {
		if err := i.handleRecv(&i.rxWC[k]); err != nil {
			return 0, err
		}
	}

	if n > 0 {
		i.rx.available += n
		i.metrics.RxCompleted(i.id, n)
	}

	if _, err := i.postRecv(false); err != nil {
		return 0, err
	}

	if n == 0 {
		return 0, ErrNoProgress
	}

	return n, nil
}

func (i *Iface) handleRecv(wc *verbs.WorkCompletion) error {
	if wc.Status != verbs.WCSuccess {
		return i.fail("rx_completion", fmt.Errorf("%w: %s (wr_id %d, qpn 0x%x)",
			ErrCompletionStatus, wc.Status, wc.WRID, wc.QPN))
	}

	desc := i.rxPool.Lookup(wc.WRID)
	if desc == nil {
		return i.fail("rx_completion", fmt.Errorf("%w: wr_id %d", ErrUnknownDescriptor, wc.WRID))
	}

	buf := desc.Buf()
	if wc.ByteLen < rcHdrSize || int(wc.ByteLen) > len(buf) {
		desc.Release()
		return i.fail("rx_completion", fmt.Errorf("%w: %d bytes", ErrShortReceive, wc.ByteLen))
	}

	id := buf[0]

	i.log.Trace().
		Uint64("wr_id", wc.WRID).
		Uint32("qpn", wc.QPN).
		Uint8("am_id", id).
		Uint32("length", wc.ByteLen).
		Msg("RX completion")

	handler := i.dropAM
	if int(id) < AMIDMax {
		handler = i.amHandlers[id]
	}

	err := handler(id, buf[rcHdrSize:wc.ByteLen], desc)
	if errors.Is(err, ErrInProgress) {
		return nil
	}

	if err != nil {
		i.log.Warn().Err(err).Uint8("am_id", id).Msg("Active message handler failed")
	}

	desc.Release()

	return nil
}
