package verbs

import (
	"fmt"
	"sync"
)

// Device is an opened device port with its protection domain. It caches
// the device and port attributes queried at open time.
type Device struct {
	backend  Backend
	attr     DeviceAttr
	portAttr PortAttr
	name     string
	port     int
	ctx      Context
	pd       PD
	mu       sync.Mutex
	closed   bool
}

// OpenDevice initializes backend if needed, opens the named device and
// allocates a protection domain on it.
func OpenDevice(backend Backend, name string, port int) (*Device, error) {
	if backend == nil {
		backend = NewSimulatedBackend(nil)
	}

	err := backend.Init()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verbs backend: %w", err)
	}

	ctx, err := backend.OpenDevice(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	d := &Device{backend: backend, name: name, port: port, ctx: ctx}

	attr, err := backend.QueryDevice(ctx)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	d.attr = *attr

	portAttr, err := backend.QueryPort(ctx, port)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("failed to query port %d: %w", port, err)
	}

	d.portAttr = *portAttr

	pd, err := backend.AllocPD(ctx)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("failed to allocate PD: %w", err)
	}

	d.pd = pd

	return d, nil
}

// Close releases the protection domain and device context. The backend
// itself stays initialized since other devices may share it.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	if err := d.backend.DeallocPD(d.pd); err != nil {
		return fmt.Errorf("failed to deallocate PD: %w", err)
	}

	if err := d.backend.CloseDevice(d.ctx); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}

	d.closed = true

	return nil
}

func (d *Device) Backend() Backend { return d.backend }

func (d *Device) Name() string { return d.name }

func (d *Device) Port() int { return d.port }

func (d *Device) Context() Context { return d.ctx }

func (d *Device) PD() PD { return d.pd }

func (d *Device) Attr() DeviceAttr { return d.attr }

func (d *Device) PortAttr() PortAttr { return d.portAttr }

func (d *Device) AtomicCap() AtomicCap { return d.attr.AtomicCap }

// RegisterMemory registers buf in the device protection domain.
func (d *Device) RegisterMemory(buf []byte, access int) (*MemoryRegion, error) {
	return d.backend.RegMR(d.pd, buf, access)
}

// DeregisterMemory deregisters a memory region.
func (d *Device) DeregisterMemory(mr MR) error {
	return d.backend.DeregMR(mr)
}
