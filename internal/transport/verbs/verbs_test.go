package verbs

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simPeer struct {
	sendCQ CQ
	recvCQ CQ
	srq    SRQ
	qp     QP
	qpn    uint32
}

func newSimPeer(t *testing.T, b *SimulatedBackend, pd PD, ctx Context) *simPeer {
	t.Helper()

	sendCQ, err := b.CreateCQ(ctx, 64)
	require.NoError(t, err)
	recvCQ, err := b.CreateCQ(ctx, 64)
	require.NoError(t, err)
	srq, err := b.CreateSRQ(pd, 64)
	require.NoError(t, err)

	qp, err := b.CreateQP(pd, &QPInitAttr{
		SendCQ: sendCQ,
		RecvCQ: recvCQ,
		SRQ:    srq,
		Type:   QPTypeRC,
		Cap:    QPCap{MaxSendWR: 64, MaxSendSge: 2, MaxRecvSge: 1, MaxInlineData: 64},
	})
	require.NoError(t, err)

	attr, err := b.QueryQP(qp)
	require.NoError(t, err)

	return &simPeer{sendCQ: sendCQ, recvCQ: recvCQ, srq: srq, qp: qp, qpn: attr.QPN}
}

func connectPeers(t *testing.T, b *SimulatedBackend, a, c *simPeer) {
	t.Helper()

	for _, p := range []struct{ local, remote *simPeer }{{a, c}, {c, a}} {
		require.NoError(t, b.ModifyQPToInit(p.local.qp, 1))
		require.NoError(t, b.ModifyQPToRTR(p.local.qp, p.remote.qpn))
		require.NoError(t, b.ModifyQPToRTS(p.local.qp))
	}
}

func setupPair(t *testing.T, opts *SimulatedOptions) (*SimulatedBackend, PD, *simPeer, *simPeer) {
	t.Helper()

	b := NewSimulatedBackend(opts)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	ctx, err := b.OpenDevice("mlx5_0")
	require.NoError(t, err)
	pd, err := b.AllocPD(ctx)
	require.NoError(t, err)

	a := newSimPeer(t, b, pd, ctx)
	c := newSimPeer(t, b, pd, ctx)
	connectPeers(t, b, a, c)

	return b, pd, a, c
}

func TestNewSimulatedBackend(t *testing.T) {
	backend := NewSimulatedBackend(nil)
	require.NotNil(t, backend)

	err := backend.Init()
	require.NoError(t, err)

	// Double init should be ok
	err = backend.Init()
	require.NoError(t, err)

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox

	require.NoError(t, backend.Close())
}

func TestSimulatedBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedBackend(nil)

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSimulatedBackendOpenDeviceNotFound(t *testing.T) {
	backend := NewSimulatedBackend(nil)
	require.NoError(t, backend.Init())

	defer backend.Close()

	_, err := backend.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedBackendQueryAttributes(t *testing.T) {
	opts := DefaultSimulatedOptions()
	opts.AtomicCap = AtomicHCAReplyBE
	opts.MaxMsgSize = 1 << 20

	backend := NewSimulatedBackend(opts)
	require.NoError(t, backend.Init())

	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_1")
	require.NoError(t, err)

	attr, err := backend.QueryDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, AtomicHCAReplyBE, attr.AtomicCap)
	assert.True(t, attr.ExtAtomics.Supported)

	port, err := backend.QueryPort(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), port.MaxMsgSize)

	_, err = backend.QueryPort(ctx, 2)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedBackendInlineClamped(t *testing.T) {
	b, _, a, _ := setupPair(t, nil)

	attr, err := b.QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, uint32(64), attr.Cap.MaxInlineData)

	opts := DefaultSimulatedOptions()
	opts.MaxInlineData = 32
	b2, _, a2, _ := setupPair(t, opts)

	attr, err = b2.QueryQP(a2.qp)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), attr.Cap.MaxInlineData)
}

func TestSimulatedBackendQPStateMachine(t *testing.T) {
	b := NewSimulatedBackend(nil)
	require.NoError(t, b.Init())

	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, _ := b.AllocPD(ctx)
	p := newSimPeer(t, b, pd, ctx)

	err := b.ModifyQPToRTS(p.qp)
	assert.ErrorIs(t, err, ErrQPState)

	err = b.PostSend(p.qp, &SendWR{Opcode: OpSend})
	assert.ErrorIs(t, err, ErrQPState)
}

func TestSimulatedBackendSendRecv(t *testing.T) {
	b, pd, a, c := setupPair(t, nil)

	buf := make([]byte, 32)
	mr, err := b.RegMR(pd, buf, AccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, b.PostSRQRecv(c.srq, []RecvWR{{WRID: 7, SGList: []SGE{{Buf: buf, LKey: mr.LKey}}}}))
	assert.Equal(t, 1, b.PostedRecvs(c.srq))

	err = b.PostSend(a.qp, &SendWR{
		WRID:      3,
		Opcode:    OpSend,
		SendFlags: SendSignaled | SendInline,
		SGList:    []SGE{{Buf: []byte{0x05}}, {Buf: []byte("hello")}},
	})
	require.NoError(t, err)

	wc := make([]WorkCompletion, 4)

	n, err := b.PollCQ(c.recvCQ, wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(7), wc[0].WRID)
	assert.Equal(t, WCSuccess, wc[0].Status)
	assert.Equal(t, uint32(6), wc[0].ByteLen)
	assert.Equal(t, c.qpn, wc[0].QPN)
	assert.Equal(t, a.qpn, wc[0].SrcQP)
	assert.Equal(t, []byte("\x05hello"), buf[:6])

	n, err = b.PollCQ(a.sendCQ, wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(3), wc[0].WRID)
	assert.Equal(t, a.qpn, wc[0].QPN)
	assert.Equal(t, WCOpSend, wc[0].Opcode)
}

func TestSimulatedBackendBacklogDeliveredOnPost(t *testing.T) {
	b, pd, a, c := setupPair(t, nil)

	err := b.PostSend(a.qp, &SendWR{Opcode: OpSend, SendFlags: SendInline, SGList: []SGE{{Buf: []byte("x")}}})
	require.NoError(t, err)

	wc := make([]WorkCompletion, 4)

	n, err := b.PollCQ(c.recvCQ, wc)
	require.NoError(t, err)
	assert.Zero(t, n)

	// unsignaled success produces no send completion
	n, err = b.PollCQ(a.sendCQ, wc)
	require.NoError(t, err)
	assert.Zero(t, n)

	buf := make([]byte, 8)
	mr, err := b.RegMR(pd, buf, AccessLocalWrite)
	require.NoError(t, err)
	require.NoError(t, b.PostSRQRecv(c.srq, []RecvWR{{WRID: 1, SGList: []SGE{{Buf: buf, LKey: mr.LKey}}}}))

	n, err = b.PollCQ(c.recvCQ, wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('x'), buf[0])
	assert.Zero(t, b.PostedRecvs(c.srq))
}

func TestSimulatedBackendRecvTooSmall(t *testing.T) {
	b, pd, a, c := setupPair(t, nil)

	buf := make([]byte, 2)
	mr, err := b.RegMR(pd, buf, AccessLocalWrite)
	require.NoError(t, err)
	require.NoError(t, b.PostSRQRecv(c.srq, []RecvWR{{WRID: 1, SGList: []SGE{{Buf: buf, LKey: mr.LKey}}}}))

	require.NoError(t, b.PostSend(a.qp, &SendWR{Opcode: OpSend, SendFlags: SendInline, SGList: []SGE{{Buf: []byte("toolong")}}}))

	wc := make([]WorkCompletion, 1)
	n, err := b.PollCQ(c.recvCQ, wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, WCLocalLenErr, wc[0].Status)
	assert.Equal(t, "local length error", wc[0].Status.String())
}

func TestSimulatedBackendInlineTooLarge(t *testing.T) {
	b, _, a, _ := setupPair(t, nil)

	err := b.PostSend(a.qp, &SendWR{
		Opcode:    OpSend,
		SendFlags: SendInline,
		SGList:    []SGE{{Buf: make([]byte, 65)}},
	})
	assert.ErrorIs(t, err, ErrInlineTooLarge)
}

func TestSimulatedBackendPostRecvValidation(t *testing.T) {
	b, _, _, c := setupPair(t, nil)

	err := b.PostSRQRecv(c.srq, []RecvWR{{WRID: 1, SGList: []SGE{{Buf: make([]byte, 4), LKey: 0xdead}}}})
	assert.ErrorIs(t, err, ErrInvalidMR)

	err = b.PostSRQRecv(c.srq, []RecvWR{{WRID: 1}})
	assert.ErrorIs(t, err, ErrInvalidWR)
}

func TestSimulatedBackendRDMAWriteRead(t *testing.T) {
	b, pd, a, _ := setupPair(t, nil)

	remote := make([]byte, 64)
	rmr, err := b.RegMR(pd, remote, AccessRemoteWrite|AccessRemoteRead)
	require.NoError(t, err)

	err = b.PostSend(a.qp, &SendWR{
		Opcode:     OpRDMAWrite,
		SendFlags:  SendSignaled | SendInline,
		SGList:     []SGE{{Buf: []byte("abcd")}},
		RemoteAddr: rmr.Addr + 8,
		RKey:       rmr.RKey,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), remote[8:12])

	local := make([]byte, 4)
	lmr, err := b.RegMR(pd, local, AccessLocalWrite)
	require.NoError(t, err)

	err = b.PostSend(a.qp, &SendWR{
		Opcode:     OpRDMARead,
		SendFlags:  SendSignaled,
		SGList:     []SGE{{Buf: local, LKey: lmr.LKey}},
		RemoteAddr: rmr.Addr + 8,
		RKey:       rmr.RKey,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), local)

	// out of bounds write fails remotely and always completes
	err = b.PostSend(a.qp, &SendWR{
		Opcode:     OpRDMAWrite,
		SendFlags:  SendInline,
		SGList:     []SGE{{Buf: []byte("abcd")}},
		RemoteAddr: rmr.Addr + 62,
		RKey:       rmr.RKey,
	})
	require.NoError(t, err)

	wc := make([]WorkCompletion, 8)
	n, err := b.PollCQ(a.sendCQ, wc)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, WCOpRDMAWrite, wc[0].Opcode)
	assert.Equal(t, WCOpRDMARead, wc[1].Opcode)
	assert.Equal(t, WCRemoteAccessErr, wc[2].Status)
}

func TestSimulatedBackendAtomics(t *testing.T) {
	tests := []struct {
		name  string
		cap   AtomicCap
		wr    SendWR
		init  uint64
		size  int
		after uint64
	}{
		{
			name:  "fetch add host order",
			cap:   AtomicHCA,
			wr:    SendWR{Opcode: OpAtomicFetchAdd, CompareAdd: 5},
			init:  10,
			size:  8,
			after: 15,
		},
		{
			name:  "compare swap hit",
			cap:   AtomicGlob,
			wr:    SendWR{Opcode: OpAtomicCmpSwap, CompareAdd: 10, Swap: 99},
			init:  10,
			size:  8,
			after: 99,
		},
		{
			name:  "compare swap miss",
			cap:   AtomicHCA,
			wr:    SendWR{Opcode: OpAtomicCmpSwap, CompareAdd: 11, Swap: 99},
			init:  10,
			size:  8,
			after: 10,
		},
		{
			name:  "masked swap 32",
			cap:   AtomicHCA,
			wr:    SendWR{Opcode: OpMaskedAtomicCmpSwap, Swap: 7, AtomicSize: 4},
			init:  3,
			size:  4,
			after: 7,
		},
		{
			name:  "masked fetch add 32 wraps",
			cap:   AtomicHCAReplyBE,
			wr:    SendWR{Opcode: OpMaskedAtomicFetchAdd, CompareAdd: 1, AtomicSize: 4},
			init:  0xffffffff,
			size:  4,
			after: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultSimulatedOptions()
			opts.AtomicCap = tt.cap
			b, pd, a, _ := setupPair(t, opts)

			remote := make([]byte, 16)
			writeNative(remote, tt.size, tt.init)
			rmr, err := b.RegMR(pd, remote, AccessRemoteAtomic)
			require.NoError(t, err)

			reply := make([]byte, 8)
			lmr, err := b.RegMR(pd, reply, AccessLocalWrite)
			require.NoError(t, err)

			wr := tt.wr
			wr.SendFlags = SendSignaled
			wr.SGList = []SGE{{Buf: reply, LKey: lmr.LKey}}
			wr.RemoteAddr = rmr.Addr
			wr.RKey = rmr.RKey

			require.NoError(t, b.PostSend(a.qp, &wr))
			assert.Equal(t, tt.after, readNative(remote, tt.size))

			var old uint64
			switch {
			case tt.cap == AtomicHCAReplyBE && tt.size == 4:
				old = uint64(binary.BigEndian.Uint32(reply))
			case tt.cap == AtomicHCAReplyBE:
				old = binary.BigEndian.Uint64(reply)
			default:
				old = readNative(reply, tt.size)
			}

			assert.Equal(t, tt.init, old)
		})
	}
}

func TestSimulatedBackendAtomicMisaligned(t *testing.T) {
	b, pd, a, _ := setupPair(t, nil)

	remote := make([]byte, 16)
	rmr, _ := b.RegMR(pd, remote, AccessRemoteAtomic)
	reply := make([]byte, 8)
	lmr, _ := b.RegMR(pd, reply, AccessLocalWrite)

	err := b.PostSend(a.qp, &SendWR{
		Opcode:     OpAtomicFetchAdd,
		SGList:     []SGE{{Buf: reply, LKey: lmr.LKey}},
		RemoteAddr: rmr.Addr + 4,
		RKey:       rmr.RKey,
	})
	require.NoError(t, err)

	wc := make([]WorkCompletion, 1)
	n, _ := b.PollCQ(a.sendCQ, wc)
	require.Equal(t, 1, n)
	assert.Equal(t, WCRemoteInvalidReqErr, wc[0].Status)
}

func TestSimulatedBackendCQOverrun(t *testing.T) {
	b := NewSimulatedBackend(nil)
	require.NoError(t, b.Init())

	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	cq, err := b.CreateCQ(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, b.InjectCompletion(cq, WorkCompletion{WRID: 1}))
	require.NoError(t, b.InjectCompletion(cq, WorkCompletion{WRID: 2}))

	_, err = b.PollCQ(cq, make([]WorkCompletion, 4))
	assert.ErrorIs(t, err, ErrCQOverrun)
}

func TestSimulatedBackendFailureInjection(t *testing.T) {
	b, pd, _, c := setupPair(t, nil)
	boom := errors.New("boom")

	require.NoError(t, b.FailNextPoll(c.recvCQ, boom))
	_, err := b.PollCQ(c.recvCQ, make([]WorkCompletion, 1))
	assert.ErrorIs(t, err, boom)

	_, err = b.PollCQ(c.recvCQ, make([]WorkCompletion, 1))
	assert.NoError(t, err)

	buf := make([]byte, 8)
	mr, _ := b.RegMR(pd, buf, AccessLocalWrite)

	require.NoError(t, b.FailNextPostRecv(c.srq, boom))
	err = b.PostSRQRecv(c.srq, []RecvWR{{SGList: []SGE{{Buf: buf, LKey: mr.LKey}}}})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.PostedRecvs(c.srq))
}

func TestSimulatedBackendDestroyBusy(t *testing.T) {
	b, pd, a, _ := setupPair(t, nil)

	err := b.DestroyCQ(a.sendCQ)
	assert.ErrorIs(t, err, ErrResourceBusy)

	err = b.DestroySRQ(a.srq)
	assert.ErrorIs(t, err, ErrResourceBusy)

	err = b.DeallocPD(pd)
	assert.ErrorIs(t, err, ErrResourceBusy)

	require.NoError(t, b.DestroyQP(a.qp))
	assert.NoError(t, b.DestroyCQ(a.sendCQ))
	assert.NoError(t, b.DestroySRQ(a.srq))
}

func TestSimulatedBackendMRAccounting(t *testing.T) {
	b, pd, _, _ := setupPair(t, nil)

	mr, err := b.RegMR(pd, make([]byte, 10), AccessLocalWrite)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ActiveMRs())
	assert.Zero(t, mr.Addr%4096)

	_, err = b.RegMR(pd, nil, AccessLocalWrite)
	assert.ErrorIs(t, err, ErrInvalidMR)

	require.NoError(t, b.DeregMR(mr.Handle))
	assert.Zero(t, b.ActiveMRs())
	assert.ErrorIs(t, b.DeregMR(mr.Handle), ErrInvalidMR)

	metrics := b.GetMetrics()
	assert.Equal(t, int64(1), metrics["mrs_registered"])
	assert.Equal(t, 0, metrics["mrs_active"])
}

func TestOpenDevice(t *testing.T) {
	backend := NewSimulatedBackend(nil)

	dev, err := OpenDevice(backend, "mlx5_0", 1)
	require.NoError(t, err)
	assert.Equal(t, "mlx5_0", dev.Name())
	assert.Equal(t, AtomicHCA, dev.AtomicCap())
	assert.Equal(t, uint64(1<<30), dev.PortAttr().MaxMsgSize)
	assert.NotZero(t, dev.PD())

	mr, err := dev.RegisterMemory(make([]byte, 64), AccessLocalWrite)
	require.NoError(t, err)

	// PD busy while memory is registered
	assert.ErrorIs(t, dev.Close(), ErrResourceBusy)

	require.NoError(t, dev.DeregisterMemory(mr.Handle))
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
}

func TestOpenDeviceBadPort(t *testing.T) {
	_, err := OpenDevice(NewSimulatedBackend(nil), "mlx5_0", 3)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = OpenDevice(NewSimulatedBackend(nil), "mlx9_0", 1)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
