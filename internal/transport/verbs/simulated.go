package verbs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// SimulatedOptions configures the attributes reported by SimulatedBackend.
type SimulatedOptions struct {
	AtomicCap     AtomicCap
	ExtAtomics    ExtAtomicAttr
	MaxInlineData uint32
	MaxMsgSize    uint64
	MaxQPWR       int
	MaxSGE        int
	MaxCQE        int
	MaxSRQWR      int
}

// DefaultSimulatedOptions returns attributes resembling a ConnectX-6 adapter.
func DefaultSimulatedOptions() *SimulatedOptions {
	return &SimulatedOptions{
		AtomicCap: AtomicHCA,
		ExtAtomics: ExtAtomicAttr{
			Supported:          true,
			LogMaxAtomicInline: 3,
			LogAtomicArgSizes:  4 | 8,
		},
		MaxInlineData: 220,
		MaxMsgSize:    1 << 30,
		MaxQPWR:       16384,
		MaxSGE:        30,
		MaxCQE:        4194303,
		MaxSRQWR:      32767,
	}
}

// SimulatedBackend provides an in-process fabric for testing.
//
// Connected RC queue pairs on the same backend exchange data directly:
// sends land in the peer's shared receive queue (or wait there until a
// receive is posted), RDMA and atomic operations act on memory registered
// with remote access. Completions are generated synchronously by PostSend.
type SimulatedBackend struct {
	opts        SimulatedOptions
	contexts    map[Context]*simulatedContext
	pds         map[PD]*simulatedPD
	cqs         map[CQ]*simulatedCQ
	srqs        map[SRQ]*simulatedSRQ
	qps         map[QP]*simulatedQP
	qpsByNum    map[uint32]*simulatedQP
	mrs         map[MR]*simulatedMR
	mrsByKey    map[uint32]*simulatedMR
	metrics     *verbsMetrics
	devices     []DeviceInfo
	nextHandle  uintptr
	nextAddr    uint64
	mu          sync.RWMutex
	initialized bool
}

type simulatedContext struct {
	device *DeviceInfo
}

type simulatedPD struct {
	ctx Context
}

type simulatedCQ struct {
	failNext    error
	completions []WorkCompletion
	ctx         Context
	size        int
	overrun     bool
}

type simulatedSRQ struct {
	failNext error
	posted   []RecvWR
	backlog  []simulatedMessage
	pd       PD
	maxWR    int
}

// simulatedMessage is a send that arrived before a receive was posted.
type simulatedMessage struct {
	data  []byte
	dest  uint32
	srcQP uint32
}

type simulatedQP struct {
	cap     QPCap
	pd      PD
	sendCQ  CQ
	recvCQ  CQ
	srq     SRQ
	qpType  QPType
	state   QPState
	qpNum   uint32
	destQPN uint32
	port    int
	sigAll  bool
}

type simulatedMR struct {
	buf    []byte
	pd     PD
	addr   uint64
	access int
	lkey   uint32
	rkey   uint32
}

type verbsMetrics struct {
	DevicesOpened   int64
	PDsCreated      int64
	CQsCreated      int64
	SRQsCreated     int64
	QPsCreated      int64
	MRsRegistered   int64
	MRsDeregistered int64
	SendsPosted     int64
	RecvsPosted     int64
	RDMAReads       int64
	RDMAWrites      int64
	Atomics         int64
	Completions     int64
	Errors          int64
}

// NewSimulatedBackend creates a simulated backend. A nil opts uses
// DefaultSimulatedOptions.
func NewSimulatedBackend(opts *SimulatedOptions) *SimulatedBackend {
	if opts == nil {
		opts = DefaultSimulatedOptions()
	}

	b := &SimulatedBackend{
		opts:    *opts,
		metrics: &verbsMetrics{},
	}
	b.reset()

	return b
}

func (b *SimulatedBackend) reset() {
	b.contexts = make(map[Context]*simulatedContext)
	b.pds = make(map[PD]*simulatedPD)
	b.cqs = make(map[CQ]*simulatedCQ)
	b.srqs = make(map[SRQ]*simulatedSRQ)
	b.qps = make(map[QP]*simulatedQP)
	b.qpsByNum = make(map[uint32]*simulatedQP)
	b.mrs = make(map[MR]*simulatedMR)
	b.mrsByKey = make(map[uint32]*simulatedMR)
	b.nextAddr = 0x10000
}

func (b *SimulatedBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	b.devices = []DeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000001,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x101b, // ConnectX-6
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000002,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x101b,
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.initialized = false

	return nil
}

func (b *SimulatedBackend) GetDeviceList() ([]DeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	result := make([]DeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedBackend) OpenDevice(name string) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	var device *DeviceInfo

	for i := range b.devices {
		if b.devices[i].Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	ctx := Context(b.allocHandle())
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedBackend) CloseDevice(ctx Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return ErrInvalidContext
	}

	for _, pd := range b.pds {
		if pd.ctx == ctx {
			return fmt.Errorf("%w: protection domain still allocated", ErrResourceBusy)
		}
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedBackend) QueryDevice(ctx Context) (*DeviceAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.contexts[ctx]; !ok {
		return nil, ErrInvalidContext
	}

	return &DeviceAttr{
		MaxQPWR:    b.opts.MaxQPWR,
		MaxSGE:     b.opts.MaxSGE,
		MaxCQE:     b.opts.MaxCQE,
		MaxSRQWR:   b.opts.MaxSRQWR,
		AtomicCap:  b.opts.AtomicCap,
		ExtAtomics: b.opts.ExtAtomics,
	}, nil
}

func (b *SimulatedBackend) QueryPort(ctx Context, port int) (*PortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCtx, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrInvalidContext
	}

	if port < 1 || port > simCtx.device.PhysPortCnt {
		return nil, fmt.Errorf("%w: port %d", ErrDeviceNotFound, port)
	}

	return &PortAttr{
		State:      4, // ACTIVE
		MaxMTU:     4096,
		ActiveMTU:  4096,
		MaxMsgSize: b.opts.MaxMsgSize,
		LID:        uint16(port), //nolint:gosec // G115: port bounded by PhysPortCnt
	}, nil
}

func (b *SimulatedBackend) AllocPD(ctx Context) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidContext
	}

	pd := PD(b.allocHandle())
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedBackend) DeallocPD(pd PD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return ErrInvalidPD
	}

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("%w: memory region still registered", ErrResourceBusy)
		}
	}

	for _, qp := range b.qps {
		if qp.pd == pd {
			return fmt.Errorf("%w: queue pair still exists", ErrResourceBusy)
		}
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedBackend) CreateCQ(ctx Context, cqe int) (CQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidContext
	}

	if cqe <= 0 || cqe > b.opts.MaxCQE {
		return 0, fmt.Errorf("%w: cqe %d", ErrInvalidCQ, cqe)
	}

	cq := CQ(b.allocHandle())
	b.cqs[cq] = &simulatedCQ{
		ctx:         ctx,
		size:        cqe,
		completions: make([]WorkCompletion, 0, cqe),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedBackend) DestroyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cqs[cq]; !ok {
		return ErrInvalidCQ
	}

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return fmt.Errorf("%w: queue pair still attached", ErrResourceBusy)
		}
	}

	delete(b.cqs, cq)

	return nil
}

// PollCQ copies up to len(wc) completions into wc.
func (b *SimulatedBackend) PollCQ(cq CQ, wc []WorkCompletion) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return 0, ErrInvalidCQ
	}

	if err := simCQ.failNext; err != nil {
		simCQ.failNext = nil
		atomic.AddInt64(&b.metrics.Errors, 1)

		return 0, err
	}

	if simCQ.overrun {
		return 0, ErrCQOverrun
	}

	n := copy(wc, simCQ.completions)
	simCQ.completions = append(simCQ.completions[:0], simCQ.completions[n:]...)

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return n, nil
}

func (b *SimulatedBackend) CreateSRQ(pd PD, maxWR int) (SRQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrInvalidPD
	}

	if maxWR <= 0 || maxWR > b.opts.MaxSRQWR {
		return 0, fmt.Errorf("%w: max_wr %d", ErrInvalidSRQ, maxWR)
	}

	srq := SRQ(b.allocHandle())
	b.srqs[srq] = &simulatedSRQ{pd: pd, maxWR: maxWR}
	atomic.AddInt64(&b.metrics.SRQsCreated, 1)

	return srq, nil
}

func (b *SimulatedBackend) DestroySRQ(srq SRQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.srqs[srq]; !ok {
		return ErrInvalidSRQ
	}

	for _, qp := range b.qps {
		if qp.srq == srq {
			return fmt.Errorf("%w: queue pair still attached", ErrResourceBusy)
		}
	}

	delete(b.srqs, srq)

	return nil
}

// PostSRQRecv posts all of wrs or none of them. The work requests are
// copied, so callers may reuse the slice and its scatter lists.
func (b *SimulatedBackend) PostSRQRecv(srq SRQ, wrs []RecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simSRQ, ok := b.srqs[srq]
	if !ok {
		return ErrInvalidSRQ
	}

	if err := simSRQ.failNext; err != nil {
		simSRQ.failNext = nil
		atomic.AddInt64(&b.metrics.Errors, 1)

		return err
	}

	if len(simSRQ.posted)+len(wrs) > simSRQ.maxWR {
		return ErrSRQFull
	}

	for i := range wrs {
		if len(wrs[i].SGList) == 0 {
			return fmt.Errorf("%w: receive without scatter list", ErrInvalidWR)
		}

		for _, sge := range wrs[i].SGList {
			if _, ok := b.mrsByKey[sge.LKey]; !ok {
				return fmt.Errorf("%w: lkey 0x%x", ErrInvalidMR, sge.LKey)
			}
		}
	}

	for i := range wrs {
		simSRQ.posted = append(simSRQ.posted, RecvWR{
			WRID:   wrs[i].WRID,
			SGList: append([]SGE(nil), wrs[i].SGList...),
		})
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, int64(len(wrs)))

	for len(simSRQ.backlog) > 0 && len(simSRQ.posted) > 0 {
		msg := simSRQ.backlog[0]
		simSRQ.backlog = simSRQ.backlog[1:]

		if dst, ok := b.qpsByNum[msg.dest]; ok {
			b.deliverLocked(dst, msg.data, msg.srcQP)
		}
	}

	return nil
}

func (b *SimulatedBackend) CreateQP(pd PD, attr *QPInitAttr) (QP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrInvalidPD
	}

	if attr == nil {
		return 0, fmt.Errorf("%w: missing init attributes", ErrInvalidQP)
	}

	if _, ok := b.cqs[attr.SendCQ]; !ok {
		return 0, fmt.Errorf("%w: send CQ", ErrInvalidCQ)
	}

	if _, ok := b.cqs[attr.RecvCQ]; !ok {
		return 0, fmt.Errorf("%w: receive CQ", ErrInvalidCQ)
	}

	if attr.SRQ != 0 {
		if _, ok := b.srqs[attr.SRQ]; !ok {
			return 0, ErrInvalidSRQ
		}
	}

	if int(attr.Cap.MaxSendWR) > b.opts.MaxQPWR || int(attr.Cap.MaxSendSge) > b.opts.MaxSGE {
		return 0, fmt.Errorf("%w: capabilities exceed device limits", ErrInvalidQP)
	}

	qpCap := attr.Cap
	if qpCap.MaxInlineData > b.opts.MaxInlineData {
		qpCap.MaxInlineData = b.opts.MaxInlineData
	}

	handle := b.allocHandle()
	simQP := &simulatedQP{
		pd:     pd,
		sendCQ: attr.SendCQ,
		recvCQ: attr.RecvCQ,
		srq:    attr.SRQ,
		qpType: attr.Type,
		qpNum:  uint32(handle), //nolint:gosec // G115: handles stay far below 2^32
		state:  QPStateReset,
		cap:    qpCap,
		sigAll: attr.SigAll,
	}

	qp := QP(handle)
	b.qps[qp] = simQP
	b.qpsByNum[simQP.qpNum] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedBackend) DestroyQP(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if srq, ok := b.srqs[simQP.srq]; ok {
		kept := srq.backlog[:0]
		for _, msg := range srq.backlog {
			if msg.dest != simQP.qpNum {
				kept = append(kept, msg)
			}
		}

		srq.backlog = kept
	}

	delete(b.qpsByNum, simQP.qpNum)
	delete(b.qps, qp)

	return nil
}

func (b *SimulatedBackend) ModifyQPToInit(qp QP, port int) error {
	return b.transition(qp, QPStateReset, QPStateInit, func(q *simulatedQP) {
		q.port = port
	})
}

func (b *SimulatedBackend) ModifyQPToRTR(qp QP, destQPN uint32) error {
	return b.transition(qp, QPStateInit, QPStateRTR, func(q *simulatedQP) {
		q.destQPN = destQPN
	})
}

func (b *SimulatedBackend) ModifyQPToRTS(qp QP) error {
	return b.transition(qp, QPStateRTR, QPStateRTS, nil)
}

func (b *SimulatedBackend) transition(qp QP, from, to QPState, apply func(*simulatedQP)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if simQP.state != from {
		return fmt.Errorf("%w: expected state %d, have %d", ErrQPState, from, simQP.state)
	}

	if apply != nil {
		apply(simQP)
	}

	simQP.state = to

	return nil
}

func (b *SimulatedBackend) QueryQP(qp QP) (*QPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrInvalidQP
	}

	return &QPAttr{
		State:   simQP.state,
		QPN:     simQP.qpNum,
		DestQPN: simQP.destQPN,
		PortNum: simQP.port,
		Cap:     simQP.cap,
	}, nil
}

func (b *SimulatedBackend) RegMR(pd PD, buf []byte, access int) (*MemoryRegion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return nil, ErrInvalidPD
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidMR)
	}

	handle := b.allocHandle()
	key := uint32(handle) //nolint:gosec // G115: handles stay far below 2^32
	addr := b.nextAddr

	// keep regions page aligned with a guard page between them
	b.nextAddr += (uint64(len(buf))+4095)&^4095 + 4096

	b.mrs[MR(handle)] = &simulatedMR{
		buf:    buf,
		pd:     pd,
		addr:   addr,
		access: access,
		lkey:   key,
		rkey:   key,
	}
	b.mrsByKey[key] = b.mrs[MR(handle)]
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &MemoryRegion{
		Handle: MR(handle),
		Addr:   addr,
		Length: len(buf),
		LKey:   key,
		RKey:   key,
	}, nil
}

func (b *SimulatedBackend) DeregMR(mr MR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return ErrInvalidMR
	}

	delete(b.mrsByKey, simMR.lkey)
	delete(b.mrs, mr)
	atomic.AddInt64(&b.metrics.MRsDeregistered, 1)

	return nil
}

// PostSend executes wr immediately against the connected peer. Local
// validation failures are returned as errors; remote failures surface as
// error completions on the send CQ, which are generated even for
// unsignaled requests.
func (b *SimulatedBackend) PostSend(qp QP, wr *SendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if simQP.state != QPStateRTS {
		return fmt.Errorf("%w: queue pair not ready to send", ErrQPState)
	}

	if wr == nil || len(wr.SGList) > int(simQP.cap.MaxSendSge) {
		return fmt.Errorf("%w: bad scatter list", ErrInvalidWR)
	}

	length := wr.Length()

	if wr.SendFlags&SendInline != 0 {
		if length > int(simQP.cap.MaxInlineData) {
			return fmt.Errorf("%w: %d > %d", ErrInlineTooLarge, length, simQP.cap.MaxInlineData)
		}
	} else {
		for _, sge := range wr.SGList {
			if _, ok := b.mrsByKey[sge.LKey]; !ok && len(sge.Buf) > 0 {
				return fmt.Errorf("%w: lkey 0x%x", ErrInvalidMR, sge.LKey)
			}
		}
	}

	atomic.AddInt64(&b.metrics.SendsPosted, 1)

	status := b.executeLocked(simQP, wr, length)
	if status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	if status != WCSuccess || wr.SendFlags&SendSignaled != 0 || simQP.sigAll {
		b.pushCompletionLocked(simQP.sendCQ, WorkCompletion{
			WRID:    wr.WRID,
			Status:  status,
			Opcode:  wr.Opcode.completionOpcode(),
			ByteLen: uint32(length), //nolint:gosec // G115: bounded by max message size
			QPN:     simQP.qpNum,
		})
	}

	return nil
}

func (b *SimulatedBackend) executeLocked(src *simulatedQP, wr *SendWR, length int) WCStatus {
	peer, ok := b.qpsByNum[src.destQPN]
	if !ok || peer.state < QPStateRTR {
		return WCRetryExcErr
	}

	if uint64(length) > b.opts.MaxMsgSize {
		return WCLocalLenErr
	}

	switch wr.Opcode {
	case OpSend:
		if peer.srq == 0 {
			return WCRemoteOpErr
		}

		b.deliverLocked(peer, gather(wr.SGList, length), src.qpNum)

		return WCSuccess

	case OpRDMAWrite:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)

		if length == 0 {
			return WCSuccess
		}

		target, ok := b.remoteLocked(wr.RKey, wr.RemoteAddr, length, AccessRemoteWrite)
		if !ok {
			return WCRemoteAccessErr
		}

		copy(target, gather(wr.SGList, length))

		return WCSuccess

	case OpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)

		source, ok := b.remoteLocked(wr.RKey, wr.RemoteAddr, length, AccessRemoteRead)
		if !ok {
			return WCRemoteAccessErr
		}

		for _, sge := range wr.SGList {
			source = source[copy(sge.Buf, source):]
		}

		return WCSuccess

	case OpAtomicCmpSwap, OpAtomicFetchAdd, OpMaskedAtomicCmpSwap, OpMaskedAtomicFetchAdd:
		atomic.AddInt64(&b.metrics.Atomics, 1)

		return b.atomicLocked(wr)

	default:
		return WCLocalQPOpErr
	}
}

func (b *SimulatedBackend) atomicLocked(wr *SendWR) WCStatus {
	if b.opts.AtomicCap == AtomicNone {
		return WCRemoteInvalidReqErr
	}

	size := 8
	if wr.Opcode == OpMaskedAtomicCmpSwap || wr.Opcode == OpMaskedAtomicFetchAdd {
		size = wr.AtomicSize
		if size != 4 && size != 8 {
			return WCLocalQPOpErr
		}
	}

	if len(wr.SGList) != 1 || len(wr.SGList[0].Buf) < size {
		return WCLocalLenErr
	}

	if wr.RemoteAddr%uint64(size) != 0 {
		return WCRemoteInvalidReqErr
	}

	target, ok := b.remoteLocked(wr.RKey, wr.RemoteAddr, size, AccessRemoteAtomic)
	if !ok {
		return WCRemoteAccessErr
	}

	old := readNative(target, size)
	next := old

	switch wr.Opcode {
	case OpAtomicFetchAdd, OpMaskedAtomicFetchAdd:
		next = old + wr.CompareAdd
	case OpAtomicCmpSwap:
		if old == wr.CompareAdd {
			next = wr.Swap
		}
	case OpMaskedAtomicCmpSwap:
		if (old^wr.CompareAdd)&wr.CompareMask == 0 {
			next = wr.Swap
		}
	}

	writeNative(target, size, next)

	reply := wr.SGList[0].Buf[:size]
	if b.opts.AtomicCap == AtomicHCAReplyBE {
		if size == 4 {
			binary.BigEndian.PutUint32(reply, uint32(old)) //nolint:gosec // G115: 32-bit operand
		} else {
			binary.BigEndian.PutUint64(reply, old)
		}
	} else {
		writeNative(reply, size, old)
	}

	return WCSuccess
}

func readNative(buf []byte, size int) uint64 {
	if size == 4 {
		return uint64(binary.NativeEndian.Uint32(buf))
	}

	return binary.NativeEndian.Uint64(buf)
}

func writeNative(buf []byte, size int, v uint64) {
	if size == 4 {
		binary.NativeEndian.PutUint32(buf, uint32(v)) //nolint:gosec // G115: 32-bit operand
		return
	}

	binary.NativeEndian.PutUint64(buf, v)
}

func gather(sgl []SGE, length int) []byte {
	data := make([]byte, 0, length)
	for _, sge := range sgl {
		data = append(data, sge.Buf...)
	}

	return data
}

// remoteLocked resolves an rkey/address pair to the registered bytes.
func (b *SimulatedBackend) remoteLocked(rkey uint32, addr uint64, length, access int) ([]byte, bool) {
	mr, ok := b.mrsByKey[rkey]
	if !ok || mr.access&access == 0 {
		return nil, false
	}

	if addr < mr.addr || addr+uint64(length) > mr.addr+uint64(len(mr.buf)) {
		return nil, false
	}

	off := addr - mr.addr

	return mr.buf[off : off+uint64(length)], true
}

func (b *SimulatedBackend) deliverLocked(dst *simulatedQP, data []byte, srcQP uint32) {
	srq := b.srqs[dst.srq]
	if len(srq.posted) == 0 {
		srq.backlog = append(srq.backlog, simulatedMessage{data: data, dest: dst.qpNum, srcQP: srcQP})
		return
	}

	wr := srq.posted[0]
	srq.posted = srq.posted[1:]

	status := WCSuccess
	rest := data

	for _, sge := range wr.SGList {
		rest = rest[copy(sge.Buf, rest):]
	}

	if len(rest) > 0 {
		status = WCLocalLenErr
	}

	b.pushCompletionLocked(dst.recvCQ, WorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  WCOpRecv,
		ByteLen: uint32(len(data)), //nolint:gosec // G115: bounded by max message size
		QPN:     dst.qpNum,
		SrcQP:   srcQP,
	})
}

func (b *SimulatedBackend) pushCompletionLocked(cq CQ, wc WorkCompletion) {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	if len(simCQ.completions) >= simCQ.size {
		simCQ.overrun = true
		return
	}

	simCQ.completions = append(simCQ.completions, wc)
}

func (b *SimulatedBackend) allocHandle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

// FailNextPoll makes the next PollCQ on cq return err.
func (b *SimulatedBackend) FailNextPoll(cq CQ, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return ErrInvalidCQ
	}

	simCQ.failNext = err

	return nil
}

// FailNextPostRecv makes the next PostSRQRecv on srq return err.
func (b *SimulatedBackend) FailNextPostRecv(srq SRQ, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simSRQ, ok := b.srqs[srq]
	if !ok {
		return ErrInvalidSRQ
	}

	simSRQ.failNext = err

	return nil
}

// InjectCompletion appends wc to cq as if the fabric had produced it.
func (b *SimulatedBackend) InjectCompletion(cq CQ, wc WorkCompletion) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cqs[cq]; !ok {
		return ErrInvalidCQ
	}

	b.pushCompletionLocked(cq, wc)

	return nil
}

// PostedRecvs returns the number of receives waiting on srq.
func (b *SimulatedBackend) PostedRecvs(srq SRQ) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if simSRQ, ok := b.srqs[srq]; ok {
		return len(simSRQ.posted)
	}

	return 0
}

// TakePostedRecv removes the oldest posted receive from srq without
// completing it, returning its work request id.
func (b *SimulatedBackend) TakePostedRecv(srq SRQ) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simSRQ, ok := b.srqs[srq]
	if !ok || len(simSRQ.posted) == 0 {
		return 0, false
	}

	wr := simSRQ.posted[0]
	simSRQ.posted = simSRQ.posted[1:]

	return wr.WRID, true
}

// ActiveMRs returns the number of currently registered memory regions.
func (b *SimulatedBackend) ActiveMRs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.mrs)
}

func (b *SimulatedBackend) GetMetrics() map[string]interface{} {
	b.mu.RLock()
	activeMRs, activeQPs := len(b.mrs), len(b.qps)
	b.mu.RUnlock()

	return map[string]interface{}{
		"simulated":        true,
		"devices_opened":   atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":      atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":      atomic.LoadInt64(&b.metrics.CQsCreated),
		"srqs_created":     atomic.LoadInt64(&b.metrics.SRQsCreated),
		"qps_created":      atomic.LoadInt64(&b.metrics.QPsCreated),
		"qps_active":       activeQPs,
		"mrs_registered":   atomic.LoadInt64(&b.metrics.MRsRegistered),
		"mrs_deregistered": atomic.LoadInt64(&b.metrics.MRsDeregistered),
		"mrs_active":       activeMRs,
		"sends_posted":     atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":     atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":       atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":      atomic.LoadInt64(&b.metrics.RDMAWrites),
		"atomics":          atomic.LoadInt64(&b.metrics.Atomics),
		"completions":      atomic.LoadInt64(&b.metrics.Completions),
		"errors":           atomic.LoadInt64(&b.metrics.Errors),
	}
}
