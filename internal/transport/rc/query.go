package rc

import (
	"encoding/json"
	"math/bits"
	"strings"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

const (
	// rcHdrSize is the transport header carried by every active message:
	// the one byte AM id.
	rcHdrSize = 1

	// maxAtomicSize is the largest atomic operand.
	maxAtomicSize = 8

	// overheadSeconds is the estimated software overhead per operation.
	overheadSeconds = 75e-9

	// AMIDMax is the number of active message ids.
	AMIDMax = 32
)

// CapFlags is a set of interface capabilities.
type CapFlags uint64

const (
	CapAMShort CapFlags = 1 << iota
	CapAMBcopy
	CapAMZcopy
	CapPutShort
	CapPutBcopy
	CapPutZcopy
	CapGetBcopy
	CapGetZcopy
	CapAtomicAdd32
	CapAtomicAdd64
	CapAtomicFAdd32
	CapAtomicFAdd64
	CapAtomicSwap32
	CapAtomicSwap64
	CapAtomicCSwap32
	CapAtomicCSwap64
	CapPending
	CapConnectToEP
	CapAMCBSync
)

var capNames = []struct {
	flag CapFlags
	name string
}{
	{CapAMShort, "am_short"},
	{CapAMBcopy, "am_bcopy"},
	{CapAMZcopy, "am_zcopy"},
	{CapPutShort, "put_short"},
	{CapPutBcopy, "put_bcopy"},
	{CapPutZcopy, "put_zcopy"},
	{CapGetBcopy, "get_bcopy"},
	{CapGetZcopy, "get_zcopy"},
	{CapAtomicAdd32, "atomic_add32"},
	{CapAtomicAdd64, "atomic_add64"},
	{CapAtomicFAdd32, "atomic_fadd32"},
	{CapAtomicFAdd64, "atomic_fadd64"},
	{CapAtomicSwap32, "atomic_swap32"},
	{CapAtomicSwap64, "atomic_swap64"},
	{CapAtomicCSwap32, "atomic_cswap32"},
	{CapAtomicCSwap64, "atomic_cswap64"},
	{CapPending, "pending"},
	{CapConnectToEP, "connect_to_ep"},
	{CapAMCBSync, "am_cb_sync"},
}

// Has reports whether all of want are set.
func (f CapFlags) Has(want CapFlags) bool { return f&want == want }

// Names returns the flag names in definition order.
func (f CapFlags) Names() []string {
	var names []string

	for _, c := range capNames {
		if f&c.flag != 0 {
			names = append(names, c.name)
		}
	}

	return names
}

func (f CapFlags) String() string { return strings.Join(f.Names(), "|") }

// MarshalYAML renders the set as a list of names.
func (f CapFlags) MarshalYAML() (interface{}, error) { return f.Names(), nil }

// MarshalJSON renders the set as a list of names.
func (f CapFlags) MarshalJSON() ([]byte, error) {
	names := f.Names()
	if names == nil {
		names = []string{}
	}

	return json.Marshal(names)
}

const atomicFlags = CapAtomicAdd32 | CapAtomicAdd64 | CapAtomicFAdd32 | CapAtomicFAdd64 |
	CapAtomicSwap32 | CapAtomicSwap64 | CapAtomicCSwap32 | CapAtomicCSwap64

// PutCap holds PUT size limits.
type PutCap struct {
	MaxShort int    `yaml:"max_short" json:"max_short"`
	MaxBcopy int    `yaml:"max_bcopy" json:"max_bcopy"`
	MaxZcopy uint64 `yaml:"max_zcopy" json:"max_zcopy"`
}

// GetCap holds GET size limits.
type GetCap struct {
	MaxBcopy int    `yaml:"max_bcopy" json:"max_bcopy"`
	MaxZcopy uint64 `yaml:"max_zcopy" json:"max_zcopy"`
}

// AMCap holds active message size limits.
type AMCap struct {
	MaxShort int `yaml:"max_short" json:"max_short"`
	MaxBcopy int `yaml:"max_bcopy" json:"max_bcopy"`
	MaxZcopy int `yaml:"max_zcopy" json:"max_zcopy"`
	MaxHdr   int `yaml:"max_hdr" json:"max_hdr"`
}

// Attr is the capability report of an interface.
type Attr struct {
	Put      PutCap   `yaml:"put" json:"put"`
	Get      GetCap   `yaml:"get" json:"get"`
	AM       AMCap    `yaml:"am" json:"am"`
	Flags    CapFlags `yaml:"flags" json:"flags"`
	Overhead float64  `yaml:"overhead" json:"overhead"`
}

// Query returns the interface capabilities.
func (i *Iface) Query() Attr {
	return i.attr
}

func (i *Iface) query() Attr {
	devAttr := i.dev.Attr()
	portAttr := i.dev.PortAttr()

	attr := Attr{
		Put: PutCap{
			MaxShort: i.maxInline,
			MaxBcopy: i.cfg.SegSize,
			MaxZcopy: portAttr.MaxMsgSize,
		},
		Get: GetCap{
			MaxBcopy: i.cfg.SegSize,
			MaxZcopy: portAttr.MaxMsgSize,
		},
		AM: AMCap{
			MaxShort: i.maxInline - rcHdrSize,
			MaxBcopy: i.cfg.SegSize - rcHdrSize,
			MaxZcopy: i.cfg.SegSize - rcHdrSize,
			MaxHdr:   i.shortDescSize - rcHdrSize,
		},
		Flags: CapAMShort | CapAMBcopy | CapPutShort | CapPutBcopy | CapPutZcopy |
			CapGetBcopy | CapGetZcopy | CapPending | CapConnectToEP | CapAMCBSync,
		Overhead: overheadSeconds,
	}

	if i.cfg.MaxAMHdr > 0 {
		attr.Flags |= CapAMZcopy
	}

	attr.Flags |= atomicCaps(&devAttr)

	return attr
}

// atomicCaps returns the atomic operations the device can execute. The
// device needs at least one kind of atomics; 32-bit and 64-bit swap are
// only available through extended atomics.
func atomicCaps(attr *verbs.DeviceAttr) CapFlags {
	switch attr.AtomicCap {
	case verbs.AtomicHCA, verbs.AtomicGlob, verbs.AtomicHCAReplyBE:
	default:
		return 0
	}

	flags := CapAtomicAdd64 | CapAtomicFAdd64 | CapAtomicCSwap64

	if extAtomicSupported(attr, 4) {
		flags |= CapAtomicAdd32 | CapAtomicFAdd32 | CapAtomicSwap32 | CapAtomicCSwap32
	}

	if extAtomicSupported(attr, 8) {
		flags |= CapAtomicSwap64
	}

	return flags
}

func extAtomicSupported(attr *verbs.DeviceAttr, size int) bool {
	ext := attr.ExtAtomics
	if !ext.Supported {
		return false
	}

	log2 := uint32(bits.Len(uint(size)) - 1) //nolint:gosec // G115: size is 4 or 8

	return ext.LogMaxAtomicInline >= log2 && ext.LogAtomicArgSizes&uint64(size) != 0 //nolint:gosec // G115: size is 4 or 8
}
