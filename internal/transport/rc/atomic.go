package rc

import (
	"encoding/binary"
	"fmt"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

func (m AtomicReplyMode) decode(buf []byte, size int) uint64 {
	switch {
	case m == AtomicReplyBigEndian && size == 4:
		return uint64(binary.BigEndian.Uint32(buf))
	case m == AtomicReplyBigEndian:
		return binary.BigEndian.Uint64(buf)
	case size == 4:
		return uint64(binary.NativeEndian.Uint32(buf))
	default:
		return binary.NativeEndian.Uint64(buf)
	}
}

type atomicOp struct {
	flag       CapFlags
	opcode     verbs.Opcode
	size       int
	compareAdd uint64
	swap       uint64
	mask       uint64
}

func (ep *Endpoint) postAtomic(op atomicOp, remoteAddr uint64, rkey uint32, comp func(uint64)) error {
	i := ep.iface

	if err := i.checkUsable(); err != nil {
		return err
	}

	if i.atomicReply == AtomicReplyNone {
		return ErrAtomicHandlerUnresolved
	}

	if !i.attr.Flags.Has(op.flag) {
		return fmt.Errorf("%w: %s", ErrUnsupported, op.flag)
	}

	if remoteAddr%uint64(op.size) != 0 { //nolint:gosec // G115: size is 4 or 8
		return fmt.Errorf("%w: remote address 0x%x not aligned to %d", ErrInvalidArgument, remoteAddr, op.size)
	}

	if err := ep.checkResources(); err != nil {
		return err
	}

	desc := i.shortDescPool.Get()
	if desc == nil {
		return ErrNoResource
	}

	ep.atomicSGE[0] = verbs.SGE{Buf: desc.Buf()[:op.size], LKey: desc.LKey()}

	wr := verbs.SendWR{
		Opcode:      op.opcode,
		SGList:      ep.atomicSGE[:],
		RemoteAddr:  remoteAddr,
		RKey:        rkey,
		CompareAdd:  op.compareAdd,
		Swap:        op.swap,
		CompareMask: op.mask,
		AtomicSize:  op.size,
	}

	err := ep.postSend(&wr, &txOp{desc: desc, comp: comp, size: op.size}, "atomic")
	ep.atomicSGE[0] = verbs.SGE{}

	if err != nil {
		desc.Release()
		return err
	}

	return nil
}

func wrap32(comp func(uint32)) func(uint64) {
	if comp == nil {
		return nil
	}

	return func(v uint64) { comp(uint32(v)) } //nolint:gosec // G115: 32-bit reply
}

// AtomicAdd64 adds add to the 64-bit word at remoteAddr.
func (ep *Endpoint) AtomicAdd64(add, remoteAddr uint64, rkey uint32) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicAdd64,
		opcode:     verbs.OpAtomicFetchAdd,
		size:       8,
		compareAdd: add,
	}, remoteAddr, rkey, nil)
}

// AtomicFAdd64 adds add to the 64-bit word at remoteAddr and reports the
// previous value to comp once the operation completes.
func (ep *Endpoint) AtomicFAdd64(add, remoteAddr uint64, rkey uint32, comp func(old uint64)) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicFAdd64,
		opcode:     verbs.OpAtomicFetchAdd,
		size:       8,
		compareAdd: add,
	}, remoteAddr, rkey, comp)
}

// AtomicSwap64 stores swap and reports the previous value.
func (ep *Endpoint) AtomicSwap64(swap, remoteAddr uint64, rkey uint32, comp func(old uint64)) error {
	return ep.postAtomic(atomicOp{
		flag:   CapAtomicSwap64,
		opcode: verbs.OpMaskedAtomicCmpSwap,
		size:   8,
		swap:   swap,
	}, remoteAddr, rkey, comp)
}

// AtomicCSwap64 stores swap if the word equals compare and reports the
// previous value.
func (ep *Endpoint) AtomicCSwap64(compare, swap, remoteAddr uint64, rkey uint32, comp func(old uint64)) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicCSwap64,
		opcode:     verbs.OpAtomicCmpSwap,
		size:       8,
		compareAdd: compare,
		swap:       swap,
	}, remoteAddr, rkey, comp)
}

// AtomicAdd32 adds add to the 32-bit word at remoteAddr.
func (ep *Endpoint) AtomicAdd32(add uint32, remoteAddr uint64, rkey uint32) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicAdd32,
		opcode:     verbs.OpMaskedAtomicFetchAdd,
		size:       4,
		compareAdd: uint64(add),
	}, remoteAddr, rkey, nil)
}

func (ep *Endpoint) AtomicFAdd32(add uint32, remoteAddr uint64, rkey uint32, comp func(old uint32)) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicFAdd32,
		opcode:     verbs.OpMaskedAtomicFetchAdd,
		size:       4,
		compareAdd: uint64(add),
	}, remoteAddr, rkey, wrap32(comp))
}

func (ep *Endpoint) AtomicSwap32(swap uint32, remoteAddr uint64, rkey uint32, comp func(old uint32)) error {
	return ep.postAtomic(atomicOp{
		flag:   CapAtomicSwap32,
		opcode: verbs.OpMaskedAtomicCmpSwap,
		size:   4,
		swap:   uint64(swap),
	}, remoteAddr, rkey, wrap32(comp))
}

func (ep *Endpoint) AtomicCSwap32(compare, swap uint32, remoteAddr uint64, rkey uint32, comp func(old uint32)) error {
	return ep.postAtomic(atomicOp{
		flag:       CapAtomicCSwap32,
		opcode:     verbs.OpMaskedAtomicCmpSwap,
		size:       4,
		compareAdd: uint64(compare),
		swap:       uint64(swap),
		mask:       0xffffffff,
	}, remoteAddr, rkey, wrap32(comp))
}
