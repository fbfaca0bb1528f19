// Package verbs provides the fabric abstraction consumed by the RC transport.
//
// It describes the small subset of the verbs object model the transport
// needs:
// - devices, protection domains and memory registration
// - completion queues, shared receive queues and reliable-connection QPs
// - send/receive work requests and work completions
//
// Two things live here. Backend is the opaque capability the transport is
// written against, and SimulatedBackend is a software fabric that
// implements it in process, delivering sends between connected QPs, so the
// transport can be developed and tested without hardware.
package verbs

import (
	"errors"
	"fmt"
)

// Verbs errors.
var (
	ErrNotInitialized   = errors.New("verbs not initialized")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrInvalidContext   = errors.New("invalid device context")
	ErrInvalidPD        = errors.New("invalid protection domain")
	ErrInvalidCQ        = errors.New("invalid completion queue")
	ErrInvalidSRQ       = errors.New("invalid shared receive queue")
	ErrInvalidQP        = errors.New("invalid queue pair")
	ErrInvalidMR        = errors.New("invalid memory region")
	ErrInvalidWR        = errors.New("invalid work request")
	ErrQPState          = errors.New("queue pair in wrong state")
	ErrCQOverrun        = errors.New("completion queue overrun")
	ErrSRQFull          = errors.New("shared receive queue full")
	ErrInlineTooLarge   = errors.New("inline data exceeds queue pair limit")
	ErrResourceBusy     = errors.New("resource still in use")
	ErrAtomicNotAligned = errors.New("atomic target not naturally aligned")
)

// Backend defines the verbs operations the transport relies on.
// Implementations must never block in PollCQ.
type Backend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (Context, error)
	CloseDevice(ctx Context) error
	QueryDevice(ctx Context) (*DeviceAttr, error)
	QueryPort(ctx Context, port int) (*PortAttr, error)

	// Protection Domain
	AllocPD(ctx Context) (PD, error)
	DeallocPD(pd PD) error

	// Completion Queue
	CreateCQ(ctx Context, cqe int) (CQ, error)
	DestroyCQ(cq CQ) error
	PollCQ(cq CQ, wc []WorkCompletion) (int, error)

	// Shared Receive Queue
	CreateSRQ(pd PD, maxWR int) (SRQ, error)
	DestroySRQ(srq SRQ) error
	PostSRQRecv(srq SRQ, wrs []RecvWR) error

	// Queue Pair
	CreateQP(pd PD, attr *QPInitAttr) (QP, error)
	DestroyQP(qp QP) error
	ModifyQPToInit(qp QP, port int) error
	ModifyQPToRTR(qp QP, destQPN uint32) error
	ModifyQPToRTS(qp QP) error
	QueryQP(qp QP) (*QPAttr, error)

	// Memory Registration
	RegMR(pd PD, buf []byte, access int) (*MemoryRegion, error)
	DeregMR(mr MR) error

	// Work Requests
	PostSend(qp QP, wr *SendWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type Context uintptr
type PD uintptr
type CQ uintptr
type SRQ uintptr
type QP uintptr
type MR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = iota // Reliable Connection
	QPTypeUC               // Unreliable Connection
	QPTypeUD               // Unreliable Datagram
)

// QPState is the queue pair state machine position.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

// Memory region access flags.
const (
	AccessLocalWrite   = 1 << 0
	AccessRemoteWrite  = 1 << 1
	AccessRemoteRead   = 1 << 2
	AccessRemoteAtomic = 1 << 3
)

// AtomicCap describes how the device executes atomic operations.
type AtomicCap int

const (
	AtomicNone       AtomicCap = iota // no atomic support
	AtomicHCA                         // atomic within this adapter
	AtomicGlob                        // atomic with respect to the host too
	AtomicHCAReplyBE                  // atomic within adapter, replies in big-endian
)

// String returns the verbs name of the capability.
func (c AtomicCap) String() string {
	switch c {
	case AtomicNone:
		return "none"
	case AtomicHCA:
		return "hca"
	case AtomicGlob:
		return "glob"
	case AtomicHCAReplyBE:
		return "hca_reply_be"
	default:
		return fmt.Sprintf("atomic_cap(%d)", int(c))
	}
}

// WCStatus is the work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCFatalErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:             "success",
	WCLocalLenErr:         "local length error",
	WCLocalQPOpErr:        "local QP operation error",
	WCLocalProtErr:        "local protection error",
	WCWRFlushErr:          "WR flushed",
	WCBadRespErr:          "bad response error",
	WCLocalAccessErr:      "local access error",
	WCRemoteInvalidReqErr: "invalid request error",
	WCRemoteAccessErr:     "remote access error",
	WCRemoteOpErr:         "remote operation error",
	WCRetryExcErr:         "transport retry counter exceeded",
	WCRnrRetryExcErr:      "RNR retry counter exceeded",
	WCFatalErr:            "fatal error",
	WCGeneralErr:          "general error",
}

// String mirrors ibv_wc_status_str.
func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("unknown status %d", int(s))
}

// WCOpcode is the work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpMaskedCompSwap
	WCOpMaskedFetchAdd
	WCOpRecv
)

// Opcode is the send work request opcode.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRDMARead
	OpAtomicCmpSwap
	OpAtomicFetchAdd
	OpMaskedAtomicCmpSwap
	OpMaskedAtomicFetchAdd
)

// IsAtomic reports whether the opcode targets remote memory atomically.
func (o Opcode) IsAtomic() bool {
	return o >= OpAtomicCmpSwap
}

func (o Opcode) completionOpcode() WCOpcode {
	switch o {
	case OpRDMAWrite:
		return WCOpRDMAWrite
	case OpRDMARead:
		return WCOpRDMARead
	case OpAtomicCmpSwap:
		return WCOpCompSwap
	case OpAtomicFetchAdd:
		return WCOpFetchAdd
	case OpMaskedAtomicCmpSwap:
		return WCOpMaskedCompSwap
	case OpMaskedAtomicFetchAdd:
		return WCOpMaskedFetchAdd
	default:
		return WCOpSend
	}
}

// Send flags.
const (
	SendSignaled = 1 << 0
	SendInline   = 1 << 1
	SendFence    = 1 << 2
)

// DeviceInfo contains device identification.
type DeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
}

// ExtAtomicAttr describes extended (masked, variable size) atomic support.
type ExtAtomicAttr struct {
	Supported bool
	// LogMaxAtomicInline is log2 of the largest atomic argument the device
	// can handle inline.
	LogMaxAtomicInline uint32
	// LogAtomicArgSizes is a bitmask of supported argument sizes in bytes.
	LogAtomicArgSizes uint64
}

// DeviceAttr contains the device attributes the transport queries.
type DeviceAttr struct {
	MaxQPWR    int
	MaxSGE     int
	MaxCQE     int
	MaxSRQWR   int
	AtomicCap  AtomicCap
	ExtAtomics ExtAtomicAttr
}

// PortAttr contains port attributes.
type PortAttr struct {
	State      int
	MaxMTU     int
	ActiveMTU  int
	MaxMsgSize uint64
	LID        uint16
}

// QPCap contains queue pair capabilities.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// QPInitAttr is passed to CreateQP.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	SRQ    SRQ
	Type   QPType
	Cap    QPCap
	// SigAll requests a completion for every send regardless of flags.
	SigAll bool
}

// QPAttr contains queue pair attributes.
type QPAttr struct {
	State   QPState
	QPN     uint32
	DestQPN uint32
	PortNum int
	Cap     QPCap
}

// MemoryRegion describes a registered buffer. Addr is the registered
// address of Buf[0] as seen by remote peers.
type MemoryRegion struct {
	Handle MR
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// SGE represents a scatter/gather entry. Inline sends ignore LKey.
type SGE struct {
	Buf  []byte
	LKey uint32
}

// SendWR represents a send work request.
type SendWR struct {
	SGList     []SGE
	WRID       uint64
	Opcode     Opcode
	SendFlags  int
	RemoteAddr uint64
	RKey       uint32

	// Atomic operands. Masked atomics use AtomicSize (4 or 8) and treat
	// CompareMask == 0 as an unconditional swap.
	CompareAdd  uint64
	Swap        uint64
	CompareMask uint64
	AtomicSize  int
}

// Length returns the total byte count described by the scatter list.
func (wr *SendWR) Length() int {
	n := 0
	for i := range wr.SGList {
		n += len(wr.SGList[i].Buf)
	}

	return n
}

// RecvWR represents a receive work request.
type RecvWR struct {
	SGList []SGE
	WRID   uint64
}

// WorkCompletion represents a work completion entry.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	QPN       uint32
	SrcQP     uint32
}
