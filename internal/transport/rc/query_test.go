package rc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

func TestQuerySizes(t *testing.T) {
	iface := newTestIface(t, verbs.NewSimulatedBackend(nil), testConfig())
	attr := iface.Query()

	assert.Equal(t, 64, iface.MaxInline())
	assert.Equal(t, 64, attr.Put.MaxShort)
	assert.Equal(t, 256, attr.Put.MaxBcopy)
	assert.Equal(t, uint64(1<<30), attr.Put.MaxZcopy)
	assert.Equal(t, 256, attr.Get.MaxBcopy)
	assert.Equal(t, uint64(1<<30), attr.Get.MaxZcopy)
	assert.Equal(t, 63, attr.AM.MaxShort)
	assert.Equal(t, 255, attr.AM.MaxBcopy)
	assert.Equal(t, 255, attr.AM.MaxZcopy)
	assert.Equal(t, 127, attr.AM.MaxHdr)
	assert.InDelta(t, 75e-9, attr.Overhead, 1e-15)

	assert.True(t, attr.Flags.Has(CapAMShort|CapAMBcopy|CapAMZcopy|CapPutShort|CapPutBcopy|
		CapPutZcopy|CapGetBcopy|CapGetZcopy|CapPending|CapConnectToEP|CapAMCBSync))
}

func TestQueryInlineLimitedByDevice(t *testing.T) {
	opts := verbs.DefaultSimulatedOptions()
	opts.MaxInlineData = 32

	iface := newTestIface(t, verbs.NewSimulatedBackend(opts), testConfig())
	attr := iface.Query()

	assert.Equal(t, 32, attr.Put.MaxShort)
	assert.Equal(t, 31, attr.AM.MaxShort)
}

func TestQueryNoZeroCopyAMWithoutHeaderRoom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAMHdr = 0

	iface := newTestIface(t, verbs.NewSimulatedBackend(nil), cfg)
	attr := iface.Query()

	assert.False(t, attr.Flags.Has(CapAMZcopy))
	assert.True(t, attr.Flags.Has(CapAMBcopy))
	assert.Equal(t, 7, attr.AM.MaxHdr)
}

func TestQueryAtomicFlags(t *testing.T) {
	base := CapAtomicAdd64 | CapAtomicFAdd64 | CapAtomicCSwap64
	ext32 := CapAtomicAdd32 | CapAtomicFAdd32 | CapAtomicSwap32 | CapAtomicCSwap32

	tests := []struct {
		name string
		cap  verbs.AtomicCap
		ext  verbs.ExtAtomicAttr
		want CapFlags
	}{
		{
			name: "hca with full extended atomics",
			cap:  verbs.AtomicHCA,
			ext:  verbs.ExtAtomicAttr{Supported: true, LogMaxAtomicInline: 3, LogAtomicArgSizes: 4 | 8},
			want: base | ext32 | CapAtomicSwap64,
		},
		{
			name: "glob without extended atomics",
			cap:  verbs.AtomicGlob,
			ext:  verbs.ExtAtomicAttr{LogMaxAtomicInline: 3, LogAtomicArgSizes: 4 | 8},
			want: base,
		},
		{
			name: "reply be with 4 byte inline limit",
			cap:  verbs.AtomicHCAReplyBE,
			ext:  verbs.ExtAtomicAttr{Supported: true, LogMaxAtomicInline: 2, LogAtomicArgSizes: 4 | 8},
			want: base | ext32,
		},
		{
			name: "only 8 byte arguments",
			cap:  verbs.AtomicHCA,
			ext:  verbs.ExtAtomicAttr{Supported: true, LogMaxAtomicInline: 3, LogAtomicArgSizes: 8},
			want: base | CapAtomicSwap64,
		},
		{
			name: "no atomic mechanism",
			cap:  verbs.AtomicNone,
			ext:  verbs.ExtAtomicAttr{Supported: true, LogMaxAtomicInline: 3, LogAtomicArgSizes: 4 | 8},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := verbs.DefaultSimulatedOptions()
			opts.AtomicCap = tt.cap
			opts.ExtAtomics = tt.ext

			iface := newTestIface(t, verbs.NewSimulatedBackend(opts), testConfig())
			assert.Equal(t, tt.want, iface.Query().Flags&atomicFlags, "got %s", iface.Query().Flags&atomicFlags)
		})
	}
}

func TestExtAtomicSupported(t *testing.T) {
	attr := &verbs.DeviceAttr{ExtAtomics: verbs.ExtAtomicAttr{Supported: true, LogMaxAtomicInline: 2, LogAtomicArgSizes: 4}}

	assert.True(t, extAtomicSupported(attr, 4))
	assert.False(t, extAtomicSupported(attr, 8))

	attr.ExtAtomics.Supported = false
	assert.False(t, extAtomicSupported(attr, 4))
}

func TestCapFlagsYAML(t *testing.T) {
	out, err := yaml.Marshal(Attr{Flags: CapAMShort | CapAtomicSwap64})
	assert.NoError(t, err)
	assert.Contains(t, string(out), "- am_short")
	assert.Contains(t, string(out), "- atomic_swap64")
	assert.Equal(t, "am_short|atomic_swap64", (CapAMShort | CapAtomicSwap64).String())
}

func TestCapFlagsJSON(t *testing.T) {
	out, err := json.Marshal(Attr{Flags: CapPutShort | CapPending})
	assert.NoError(t, err)
	assert.Contains(t, string(out), `"flags":["put_short","pending"]`)

	out, err = json.Marshal(CapFlags(0))
	assert.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}
