// Package rc implements the interface layer of a reliable-connection verbs
// transport.
//
// An Iface owns a send completion queue, a receive completion queue and a
// shared receive queue fed from a registered buffer pool. Endpoints are
// RC queue pairs attached to those queues. The interface is driven by
// calling Progress from a single loop; nothing blocks and nothing is
// locked, so callers that share an Iface between goroutines must
// serialize access themselves.
//
// Errors the transport cannot recover from are reported as *FatalError.
// The first one poisons the interface: every later Progress call returns
// it again.
package rc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rcverbs/internal/mpool"
	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// AMHandler is invoked for every received active message. payload aliases
// the receive buffer and is valid until desc is released. Returning
// ErrInProgress keeps desc with the handler, which must call
// desc.Release() later; any other result returns it to the pool.
type AMHandler func(id uint8, payload []byte, desc *mpool.Desc) error

// TxCompletionFunc processes send completions for an endpoint once its
// completion count has advanced.
type TxCompletionFunc func(ep *Endpoint, completionCount uint16)

// Option configures an Iface.
type Option func(*Iface)

// WithMetrics sets the metric hook.
func WithMetrics(m MetricHook) Option {
	return func(i *Iface) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithTxCompletion replaces the send completion processor.
func WithTxCompletion(fn TxCompletionFunc) Option {
	return func(i *Iface) {
		if fn != nil {
			i.txCompletion = fn
		}
	}
}

// WithLogger sets the parent logger.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Iface) {
		i.log = l
	}
}

// AtomicReplyMode selects how atomic replies are decoded.
type AtomicReplyMode int

const (
	AtomicReplyNone      AtomicReplyMode = iota // device has no usable atomics
	AtomicReplyHost                             // reply in host byte order
	AtomicReplyBigEndian                        // reply in big-endian
)

func (m AtomicReplyMode) String() string {
	switch m {
	case AtomicReplyHost:
		return "host"
	case AtomicReplyBigEndian:
		return "big-endian"
	default:
		return "none"
	}
}

func atomicReplyModeFor(c verbs.AtomicCap) AtomicReplyMode {
	switch c {
	case verbs.AtomicHCA, verbs.AtomicGlob:
		return AtomicReplyHost
	case verbs.AtomicHCAReplyBE:
		return AtomicReplyBigEndian
	default:
		return AtomicReplyNone
	}
}

// Iface is an RC verbs interface.
type Iface struct {
	dev          *verbs.Device
	backend      verbs.Backend
	metrics      MetricHook
	txCompletion TxCompletionFunc
	fatal        error
	log          zerolog.Logger

	rxPool        *mpool.Pool
	shortDescPool *mpool.Pool
	endpoints     map[uint32]*Endpoint

	rx struct {
		available int
		wrs       []verbs.RecvWR
		sges      []verbs.SGE
	}
	tx struct {
		cqAvailable int
	}

	rxWC []verbs.WorkCompletion
	txWC []verbs.WorkCompletion

	inlAMWR      verbs.SendWR
	inlAMSGE     [2]verbs.SGE
	amShortHdr   [rcHdrSize + 8]byte
	inlRWriteWR  verbs.SendWR
	inlRWriteSGE [1]verbs.SGE

	amHandlers [AMIDMax]AMHandler

	id            string
	attr          Attr
	cfg           Config
	maxInline     int
	shortDescSize int
	atomicReply   AtomicReplyMode
	sendCQ        verbs.CQ
	recvCQ        verbs.CQ
	srq           verbs.SRQ
	closed        bool
}

// New creates an interface on dev. It probes the inline limit with a
// throwaway queue pair and fills the shared receive queue before
// returning; if the receive pool cannot back the whole queue it fails
// with ErrNoMemory.
func New(dev *verbs.Device, cfg Config, opts ...Option) (*Iface, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	i := &Iface{
		dev:          dev,
		backend:      dev.Backend(),
		metrics:      nopMetrics{},
		txCompletion: (*Endpoint).processTxCompletion,
		log:          log.Logger,
		endpoints:    make(map[uint32]*Endpoint),
		id:           uuid.NewString(),
		cfg:          cfg,
	}

	for _, opt := range opts {
		opt(i)
	}

	i.log = i.log.With().Str("iface", i.id).Str("device", dev.Name()).Logger()

	for id := range i.amHandlers {
		i.amHandlers[id] = i.dropAM
	}

	i.rx.available = cfg.RxQueueLen
	i.rx.wrs = make([]verbs.RecvWR, cfg.RxMaxBatch)
	i.rx.sges = make([]verbs.SGE, cfg.RxMaxBatch)
	i.tx.cqAvailable = cfg.TxCQLen
	i.rxWC = make([]verbs.WorkCompletion, cfg.RxMaxPoll)
	i.txWC = make([]verbs.WorkCompletion, cfg.TxMaxPoll)

	if err := i.createQueues(); err != nil {
		return nil, errors.Join(err, i.release())
	}

	i.initInlineTemplates()

	i.shortDescSize = max(maxAtomicSize, max(cfg.MaxAMHdr, rcHdrSize))
	i.atomicReply = atomicReplyModeFor(dev.AtomicCap())

	maxInline, err := i.probeMaxInline()
	if err != nil {
		return nil, errors.Join(err, i.release())
	}

	i.maxInline = maxInline

	i.shortDescPool, err = mpool.New(dev, mpool.Config{
		Name:     "rc_verbs_short_desc",
		ElemSize: i.shortDescSize,
		Capacity: cfg.TxQPLen,
		Grow:     cfg.TxQPLen,
		Access:   verbs.AccessLocalWrite,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create short descriptor pool: %w", err), i.release())
	}

	i.attr = i.query()

	for i.rx.available > 0 {
		n, err := i.postRecv(true)
		if err != nil {
			return nil, errors.Join(err, i.release())
		}

		if n == 0 {
			i.log.Error().
				Int("available", i.rx.available).
				Int("queue_len", cfg.RxQueueLen).
				Msg("Failed to post receives")

			return nil, errors.Join(fmt.Errorf("%w: receive pool cannot fill the receive queue", ErrNoMemory), i.release())
		}
	}

	i.log.Debug().
		Int("max_inline", i.maxInline).
		Int("short_desc_size", i.shortDescSize).
		Stringer("atomic_reply", i.atomicReply).
		Msg("RC verbs interface created")

	return i, nil
}

func (i *Iface) createQueues() error {
	var err error

	i.sendCQ, err = i.backend.CreateCQ(i.dev.Context(), i.cfg.TxCQLen)
	if err != nil {
		return fmt.Errorf("failed to create send CQ: %w", err)
	}

	i.recvCQ, err = i.backend.CreateCQ(i.dev.Context(), i.cfg.RxQueueLen)
	if err != nil {
		return fmt.Errorf("failed to create recv CQ: %w", err)
	}

	i.srq, err = i.backend.CreateSRQ(i.dev.PD(), i.cfg.RxQueueLen)
	if err != nil {
		return fmt.Errorf("failed to create SRQ: %w", err)
	}

	i.rxPool, err = mpool.New(i.dev, mpool.Config{
		Name:     "rc_recv_desc",
		ElemSize: i.cfg.SegSize,
		Capacity: i.cfg.RxMaxBufs,
		Grow:     i.cfg.RxBufsGrow,
		Access:   verbs.AccessLocalWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to create receive pool: %w", err)
	}

	return nil
}

func (i *Iface) initInlineTemplates() {
	i.inlAMWR = verbs.SendWR{
		Opcode:    verbs.OpSend,
		SendFlags: verbs.SendInline,
		SGList:    i.inlAMSGE[:],
	}

	i.inlRWriteWR = verbs.SendWR{
		Opcode:    verbs.OpRDMAWrite,
		SendFlags: verbs.SendSignaled | verbs.SendInline,
		SGList:    i.inlRWriteSGE[:],
	}
}

func (i *Iface) qpInitAttr() *verbs.QPInitAttr {
	return &verbs.QPInitAttr{
		SendCQ: i.sendCQ,
		RecvCQ: i.recvCQ,
		SRQ:    i.srq,
		Type:   verbs.QPTypeRC,
		Cap: verbs.QPCap{
			MaxSendWR:     uint32(i.cfg.TxQPLen), //nolint:gosec // G115: validated positive
			MaxSendSge:    uint32(len(i.inlAMSGE)),
			MaxRecvSge:    1,
			MaxInlineData: uint32(i.cfg.MaxInline), //nolint:gosec // G115: validated non-negative
		},
	}
}

// probeMaxInline creates a queue pair only to learn the inline limit the
// device grants.
func (i *Iface) probeMaxInline() (int, error) {
	qp, err := i.backend.CreateQP(i.dev.PD(), i.qpInitAttr())
	if err != nil {
		return 0, fmt.Errorf("failed to create dummy QP: %w", err)
	}

	attr, err := i.backend.QueryQP(qp)
	destroyErr := i.backend.DestroyQP(qp)

	if err != nil {
		return 0, fmt.Errorf("failed to query dummy QP: %w", err)
	}

	if destroyErr != nil {
		return 0, fmt.Errorf("failed to destroy dummy QP: %w", destroyErr)
	}

	return int(attr.Cap.MaxInlineData), nil
}

// Close destroys all endpoints and releases the interface resources.
// Memory still held by active message handlers is released as well.
func (i *Iface) Close() error {
	if i.closed {
		return nil
	}

	i.closed = true

	var errs []error

	for _, ep := range i.endpoints {
		if err := ep.destroy(true); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, i.release())

	i.log.Debug().Msg("RC verbs interface closed")

	return errors.Join(errs...)
}

// release frees whatever New managed to create.
func (i *Iface) release() error {
	var errs []error

	if i.shortDescPool != nil {
		errs = append(errs, i.shortDescPool.Cleanup(true))
	}

	if i.srq != 0 {
		errs = append(errs, i.backend.DestroySRQ(i.srq))
		i.srq = 0
	}

	if i.recvCQ != 0 {
		errs = append(errs, i.backend.DestroyCQ(i.recvCQ))
		i.recvCQ = 0
	}

	if i.sendCQ != 0 {
		errs = append(errs, i.backend.DestroyCQ(i.sendCQ))
		i.sendCQ = 0
	}

	if i.rxPool != nil {
		errs = append(errs, i.rxPool.Cleanup(true))
	}

	return errors.Join(errs...)
}

// SetAMHandler installs h for id. A nil handler restores the default,
// which logs and drops the message.
func (i *Iface) SetAMHandler(id uint8, h AMHandler) error {
	if int(id) >= AMIDMax {
		return fmt.Errorf("%w: am id %d out of range", ErrInvalidArgument, id)
	}

	if h == nil {
		h = i.dropAM
	}

	i.amHandlers[id] = h

	return nil
}

func (i *Iface) dropAM(id uint8, payload []byte, _ *mpool.Desc) error {
	i.log.Warn().Uint8("am_id", id).Int("length", len(payload)).Msg("Dropping active message without handler")
	return nil
}

// fail records the first fatal error and returns it.
func (i *Iface) fail(op string, err error) error {
	if i.fatal == nil {
		i.fatal = &FatalError{Op: op, Err: err}
		i.log.Error().Err(err).Str("op", op).Msg("Fatal transport error")
		i.metrics.Fatal(i.id, op)
	}

	return i.fatal
}

func (i *Iface) checkUsable() error {
	if i.closed {
		return ErrClosed
	}

	return i.fatal
}

// ID returns the interface instance id.
func (i *Iface) ID() string { return i.id }

// Config returns the configuration the interface was created with.
func (i *Iface) Config() Config { return i.cfg }

// Device returns the underlying device.
func (i *Iface) Device() *verbs.Device { return i.dev }

// Err returns the fatal error that poisoned the interface, if any.
func (i *Iface) Err() error { return i.fatal }

// RxAvailable returns the number of receive slots not currently posted.
func (i *Iface) RxAvailable() int { return i.rx.available }

// TxCQAvailable returns the remaining send completion queue credit.
func (i *Iface) TxCQAvailable() int { return i.tx.cqAvailable }

// MaxInline returns the inline limit probed at creation.
func (i *Iface) MaxInline() int { return i.maxInline }

// ShortDescSize returns the short descriptor element size.
func (i *Iface) ShortDescSize() int { return i.shortDescSize }

// AtomicReply returns how atomic replies are decoded.
func (i *Iface) AtomicReply() AtomicReplyMode { return i.atomicReply }

// EndpointCount returns the number of live endpoints.
func (i *Iface) EndpointCount() int { return len(i.endpoints) }

// Endpoint returns the endpoint owning queue pair qpn.
func (i *Iface) Endpoint(qpn uint32) (*Endpoint, bool) {
	ep, ok := i.endpoints[qpn]
	return ep, ok
}
