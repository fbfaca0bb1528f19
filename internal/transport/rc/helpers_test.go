package rc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

func testConfig() Config {
	return Config{
		SegSize:      256,
		RxQueueLen:   16,
		RxMaxBatch:   4,
		RxMaxPoll:    8,
		RxBufsGrow:   8,
		TxQPLen:      16,
		TxCQLen:      64,
		TxMaxPoll:    8,
		TxModeration: 4,
		MaxInline:    64,
		MaxAMHdr:     128,
	}
}

func newTestDevice(t *testing.T, backend *verbs.SimulatedBackend) *verbs.Device {
	t.Helper()

	dev, err := verbs.OpenDevice(backend, "mlx5_0", 1)
	require.NoError(t, err)

	return dev
}

func newTestIface(t *testing.T, backend *verbs.SimulatedBackend, cfg Config, opts ...Option) *Iface {
	t.Helper()

	dev := newTestDevice(t, backend)

	iface, err := New(dev, cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = iface.Close()
		_ = dev.Close()
	})

	return iface
}

type testPair struct {
	backend *verbs.SimulatedBackend
	a, b    *Iface
	epA     *Endpoint
	epB     *Endpoint
}

func newTestPair(t *testing.T, opts *verbs.SimulatedOptions, cfg Config) *testPair {
	t.Helper()

	backend := verbs.NewSimulatedBackend(opts)
	p := &testPair{
		backend: backend,
		a:       newTestIface(t, backend, cfg),
		b:       newTestIface(t, backend, cfg),
	}

	var err error

	p.epA, err = p.a.CreateEndpoint()
	require.NoError(t, err)
	p.epB, err = p.b.CreateEndpoint()
	require.NoError(t, err)

	require.NoError(t, p.epA.Connect(p.epB.QPN()))
	require.NoError(t, p.epB.Connect(p.epA.QPN()))

	return p
}

// takePosted pulls n posted receives back out of the shared receive queue
// as if they had been consumed, and returns their descriptors to the pool.
func takePosted(t *testing.T, backend *verbs.SimulatedBackend, i *Iface, n int) {
	t.Helper()

	for k := 0; k < n; k++ {
		id, ok := backend.TakePostedRecv(i.srq)
		require.True(t, ok)

		desc := i.rxPool.Lookup(id)
		require.NotNil(t, desc)
		desc.Release()
	}

	i.rx.available += n
}

type recordingMetrics struct {
	mu          sync.Mutex
	rxPosted    int
	rxCompleted int
	txCompleted int
	sends       map[string]int
	fatal       []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{sends: make(map[string]int)}
}

func (m *recordingMetrics) RxPosted(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxPosted += n
}

func (m *recordingMetrics) RxCompleted(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxCompleted += n
}

func (m *recordingMetrics) TxCompleted(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCompleted += n
}

func (m *recordingMetrics) SendPosted(_, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[op]++
}

func (m *recordingMetrics) Fatal(_, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatal = append(m.fatal, op)
}
