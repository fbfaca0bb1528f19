// Package mpool provides fixed-size pools of registered memory descriptors.
//
// A pool grows lazily in chunks. Each chunk is one contiguous allocation
// registered with the fabric once, then carved into elements. Get never
// blocks and never registers memory on the hot path unless the pool has to
// grow; when the pool is at capacity it returns nil and the caller backs
// off.
package mpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rcverbs/internal/transport/verbs"
)

// Pool errors.
var (
	ErrInvalidConfig = errors.New("invalid memory pool configuration")
	ErrLeak          = errors.New("memory pool elements still in use")
	ErrClosed        = errors.New("memory pool closed")
)

// Registrar registers pool chunks with the fabric. *verbs.Device
// implements it.
type Registrar interface {
	RegisterMemory(buf []byte, access int) (*verbs.MemoryRegion, error)
	DeregisterMemory(mr verbs.MR) error
}

// Config describes a pool.
type Config struct {
	Name     string
	ElemSize int
	// Capacity bounds the number of elements. Zero means unbounded.
	Capacity int
	// Grow is the number of elements added per registered chunk.
	Grow   int
	Access int
}

// Desc is one pool element. Its index is stable for the lifetime of the
// pool and is what work requests carry as their id.
type Desc struct {
	pool  *Pool
	buf   []byte
	addr  uint64
	index uint64
	lkey  uint32
	inUse bool
}

// Buf returns the element memory.
func (d *Desc) Buf() []byte { return d.buf }

// Index returns the element's pool index.
func (d *Desc) Index() uint64 { return d.index }

// LKey returns the local key of the chunk the element lives in.
func (d *Desc) LKey() uint32 { return d.lkey }

// Addr returns the registered address of Buf()[0].
func (d *Desc) Addr() uint64 { return d.addr }

// Release returns the element to its pool.
func (d *Desc) Release() { d.pool.Put(d) }

// Pool is a registered descriptor pool. It is safe for concurrent use.
type Pool struct {
	reg    Registrar
	cfg    Config
	descs  []*Desc
	free   []*Desc
	chunks []*verbs.MemoryRegion
	inUse  int
	mu     sync.Mutex
	closed bool
}

// New creates an empty pool. No memory is registered until the first Get.
func New(reg Registrar, cfg Config) (*Pool, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registrar", ErrInvalidConfig)
	}

	if cfg.ElemSize <= 0 {
		return nil, fmt.Errorf("%w: element size %d", ErrInvalidConfig, cfg.ElemSize)
	}

	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidConfig, cfg.Capacity)
	}

	if cfg.Grow <= 0 {
		cfg.Grow = 1
	}

	if cfg.Capacity > 0 && cfg.Grow > cfg.Capacity {
		cfg.Grow = cfg.Capacity
	}

	return &Pool{reg: reg, cfg: cfg}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// ElemSize returns the element size in bytes.
func (p *Pool) ElemSize() int { return p.cfg.ElemSize }

// Get returns a free element or nil when the pool is exhausted or closed.
func (p *Pool) Get() *Desc {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	if len(p.free) == 0 {
		if err := p.growLocked(); err != nil {
			log.Debug().Err(err).Str("pool", p.cfg.Name).Msg("Memory pool cannot grow")
			return nil
		}
	}

	d := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	d.inUse = true
	p.inUse++

	return d
}

func (p *Pool) growLocked() error {
	count := p.cfg.Grow
	if p.cfg.Capacity > 0 {
		if left := p.cfg.Capacity - len(p.descs); left < count {
			count = left
		}
	}

	if count <= 0 {
		return fmt.Errorf("%w: %d elements allocated", errExhausted, len(p.descs))
	}

	chunk := make([]byte, count*p.cfg.ElemSize)

	mr, err := p.reg.RegisterMemory(chunk, p.cfg.Access)
	if err != nil {
		return fmt.Errorf("failed to register chunk: %w", err)
	}

	p.chunks = append(p.chunks, mr)

	for i := 0; i < count; i++ {
		off := i * p.cfg.ElemSize
		d := &Desc{
			pool:  p,
			buf:   chunk[off : off+p.cfg.ElemSize : off+p.cfg.ElemSize],
			addr:  mr.Addr + uint64(off), //nolint:gosec // G115: offset is non-negative
			index: uint64(len(p.descs)),
			lkey:  mr.LKey,
		}
		p.descs = append(p.descs, d)
		p.free = append(p.free, d)
	}

	log.Debug().
		Str("pool", p.cfg.Name).
		Int("elements", count).
		Int("total", len(p.descs)).
		Msg("Memory pool grew")

	return nil
}

var errExhausted = errors.New("pool at capacity")

// Put returns d to the pool. Releasing a free element is ignored.
func (p *Pool) Put(d *Desc) {
	if d == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !d.inUse {
		return
	}

	d.inUse = false
	p.inUse--

	if p.closed {
		return
	}

	p.free = append(p.free, d)
}

// Lookup returns the in-use element with the given index, or nil.
func (p *Pool) Lookup(index uint64) *Desc {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index >= uint64(len(p.descs)) {
		return nil
	}

	d := p.descs[index]
	if !d.inUse {
		return nil
	}

	return d
}

// InUse returns the number of elements handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUse
}

// Total returns the number of elements allocated so far.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.descs)
}

// Chunks returns the number of registered chunks.
func (p *Pool) Chunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.chunks)
}

// Cleanup deregisters all chunks and closes the pool. Without force it
// refuses to release memory that is still handed out and returns ErrLeak.
func (p *Pool) Cleanup(force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	if p.inUse > 0 {
		if !force {
			return fmt.Errorf("%w: %s has %d", ErrLeak, p.cfg.Name, p.inUse)
		}

		log.Debug().
			Str("pool", p.cfg.Name).
			Int("in_use", p.inUse).
			Msg("Releasing memory pool with outstanding elements")
	}

	var errs []error

	for _, mr := range p.chunks {
		if err := p.reg.DeregisterMemory(mr.Handle); err != nil {
			errs = append(errs, err)
		}
	}

	p.chunks = nil
	p.free = nil
	p.closed = true

	return errors.Join(errs...)
}
