package rc

import (
	"errors"
	"fmt"

	"github.com/piwi3910/rcverbs/internal/mpool"
	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// PendingRequest is retried when its endpoint regains send resources.
// Returning ErrNoResource keeps it queued; any other result removes it.
type PendingRequest interface {
	Dispatch() error
}

// PendingFunc adapts a function to PendingRequest.
type PendingFunc func() error

func (f PendingFunc) Dispatch() error { return f() }

// txOp is a send that needs work done when it completes.
type txOp struct {
	desc *mpool.Desc
	comp func(uint64)
	size int
	sn   uint16
}

// Endpoint is one RC queue pair on an interface.
type Endpoint struct {
	iface       *Iface
	outstanding []*txOp
	pending     []PendingRequest
	atomicSGE   [1]verbs.SGE

	qp              verbs.QP
	qpn             uint32
	remoteQPN       uint32
	available       int
	unsignaled      int
	completionCount uint16
	postCount       uint16
	connected       bool
	destroyed       bool
}

// CreateEndpoint creates a queue pair on the interface queues and moves
// it to INIT. Connect must be called before sending.
func (i *Iface) CreateEndpoint() (*Endpoint, error) {
	if err := i.checkUsable(); err != nil {
		return nil, err
	}

	qp, err := i.backend.CreateQP(i.dev.PD(), i.qpInitAttr())
	if err != nil {
		return nil, fmt.Errorf("failed to create QP: %w", err)
	}

	attr, err := i.backend.QueryQP(qp)
	if err != nil {
		_ = i.backend.DestroyQP(qp)
		return nil, fmt.Errorf("failed to query QP: %w", err)
	}

	if err := i.backend.ModifyQPToInit(qp, i.dev.Port()); err != nil {
		_ = i.backend.DestroyQP(qp)
		return nil, fmt.Errorf("failed to modify QP to Init: %w", err)
	}

	ep := &Endpoint{
		iface:     i,
		qp:        qp,
		qpn:       attr.QPN,
		available: i.cfg.TxQPLen,
	}
	i.endpoints[ep.qpn] = ep

	i.log.Debug().Uint32("qpn", ep.qpn).Msg("Endpoint created")

	return ep, nil
}

// Connect moves the queue pair through RTR to RTS towards remoteQPN.
func (ep *Endpoint) Connect(remoteQPN uint32) error {
	if ep.destroyed {
		return ErrClosed
	}

	if ep.connected {
		return fmt.Errorf("%w: already connected to 0x%x", ErrBusy, ep.remoteQPN)
	}

	backend := ep.iface.backend

	if err := backend.ModifyQPToRTR(ep.qp, remoteQPN); err != nil {
		return fmt.Errorf("failed to modify QP to RTR: %w", err)
	}

	if err := backend.ModifyQPToRTS(ep.qp); err != nil {
		return fmt.Errorf("failed to modify QP to RTS: %w", err)
	}

	ep.remoteQPN = remoteQPN
	ep.connected = true

	ep.iface.log.Debug().
		Uint32("qpn", ep.qpn).
		Uint32("remote_qpn", remoteQPN).
		Msg("Endpoint connected")

	return nil
}

// Destroy releases the queue pair. Sends must be flushed first, otherwise
// ErrBusy is returned.
func (ep *Endpoint) Destroy() error {
	return ep.destroy(false)
}

func (ep *Endpoint) destroy(force bool) error {
	if ep.destroyed {
		return nil
	}

	if !force && ep.postCount != ep.completionCount {
		return fmt.Errorf("%w: %d sends outstanding", ErrBusy, ep.postCount-ep.completionCount)
	}

	i := ep.iface
	delete(i.endpoints, ep.qpn)

	ep.PendingPurge(nil)

	for _, op := range ep.outstanding {
		if op.desc != nil {
			op.desc.Release()
		}
	}

	ep.outstanding = nil
	ep.destroyed = true

	if err := i.backend.DestroyQP(ep.qp); err != nil {
		return fmt.Errorf("failed to destroy QP: %w", err)
	}

	return nil
}

// QPN returns the local queue pair number.
func (ep *Endpoint) QPN() uint32 { return ep.qpn }

// RemoteQPN returns the connected peer queue pair number.
func (ep *Endpoint) RemoteQPN() uint32 { return ep.remoteQPN }

// Available returns the remaining send credit.
func (ep *Endpoint) Available() int { return ep.available }

// CompletionCount returns the running count of completed sends.
func (ep *Endpoint) CompletionCount() uint16 { return ep.completionCount }

// Outstanding returns the number of sends not yet completed.
func (ep *Endpoint) Outstanding() int { return int(ep.postCount - ep.completionCount) }

func (ep *Endpoint) checkResources() error {
	if ep.destroyed {
		return ErrClosed
	}

	if !ep.connected {
		return ErrNotConnected
	}

	if ep.available <= 0 || ep.iface.tx.cqAvailable <= 0 {
		return ErrNoResource
	}

	return nil
}

// postSend posts wr and accounts for it. Sends carrying an op are always
// signaled; otherwise a completion is requested once TxModeration sends
// went unsignaled. The work request id is the number of unsignaled sends
// the completion will cover in addition to this one.
func (ep *Endpoint) postSend(wr *verbs.SendWR, op *txOp, kind string) error {
	i := ep.iface

	signaled := wr.SendFlags&verbs.SendSignaled != 0 || op != nil ||
		ep.unsignaled+1 >= i.cfg.TxModeration
	if signaled {
		wr.SendFlags |= verbs.SendSignaled
	}

	wr.WRID = uint64(ep.unsignaled) //nolint:gosec // G115: bounded by TxModeration

	if err := i.backend.PostSend(ep.qp, wr); err != nil {
		return i.fail("post_send", err)
	}

	ep.available--
	ep.postCount++

	if signaled {
		i.tx.cqAvailable--
		ep.unsignaled = 0
	} else {
		ep.unsignaled++
	}

	if op != nil {
		op.sn = ep.postCount
		ep.outstanding = append(ep.outstanding, op)
	}

	i.metrics.SendPosted(i.id, kind)

	return nil
}

// processTxCompletion completes every outstanding op covered by
// completionCount, then retries pending requests.
func (ep *Endpoint) processTxCompletion(completionCount uint16) {
	done := 0

	for _, op := range ep.outstanding {
		if int16(op.sn-completionCount) > 0 { //nolint:gosec // G115: serial number arithmetic
			break
		}

		ep.completeOp(op)
		done++
	}

	if done > 0 {
		left := copy(ep.outstanding, ep.outstanding[done:])
		clear(ep.outstanding[left:])
		ep.outstanding = ep.outstanding[:left]
	}

	ep.dispatchPending()
}

func (ep *Endpoint) completeOp(op *txOp) {
	if op.desc == nil {
		return
	}

	if op.comp != nil {
		op.comp(ep.iface.atomicReply.decode(op.desc.Buf(), op.size))
	}

	op.desc.Release()
}

// PendingAdd queues r until send resources are available. It refuses
// with ErrBusy when the endpoint could send right now.
func (ep *Endpoint) PendingAdd(r PendingRequest) error {
	if r == nil {
		return fmt.Errorf("%w: nil pending request", ErrInvalidArgument)
	}

	if err := ep.checkResources(); err == nil {
		return ErrBusy
	}

	ep.pending = append(ep.pending, r)

	return nil
}

// PendingPurge drops all queued requests, passing each to cb if set.
func (ep *Endpoint) PendingPurge(cb func(PendingRequest)) {
	for k, r := range ep.pending {
		if cb != nil {
			cb(r)
		}

		ep.pending[k] = nil
	}

	ep.pending = ep.pending[:0]
}

// Pending returns the number of queued requests.
func (ep *Endpoint) Pending() int { return len(ep.pending) }

func (ep *Endpoint) dispatchPending() {
	for len(ep.pending) > 0 && ep.checkResources() == nil {
		err := ep.pending[0].Dispatch()
		if errors.Is(err, ErrNoResource) {
			return
		}

		ep.pending[0] = nil
		ep.pending = ep.pending[1:]

		if err != nil && !errors.Is(err, ErrInProgress) {
			ep.iface.log.Warn().Err(err).Uint32("qpn", ep.qpn).Msg("Pending request failed")
		}
	}
}

// Flush returns nil when every send on the endpoint has completed and
// ErrInProgress otherwise. Trailing unsignaled sends get a signaled
// zero length write so that their completion is eventually reported.
func (ep *Endpoint) Flush() error {
	if ep.destroyed {
		return ErrClosed
	}

	if ep.postCount == ep.completionCount {
		return nil
	}

	if ep.unsignaled > 0 {
		if err := ep.checkResources(); err != nil {
			return err
		}

		wr := ep.iface.inlRWriteWR
		wr.SGList = nil

		if err := ep.postSend(&wr, nil, "flush"); err != nil {
			return err
		}
	}

	return ErrInProgress
}
