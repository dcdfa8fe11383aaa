package cm

import (
	"sync"

	"github.com/unkn0wn-root/copymachine/internal/mathutil"
)

// Buffer is a fixed-size segment handed out by a BufferPool.
type Buffer struct {
	Data   []byte
	colour int
}

// Colour is the free list the buffer was taken from.
func (b *Buffer) Colour() int { return b.colour }

// BufferPool is a bounded pool of equally sized buffers split into colours.
// Get prefers the requested colour and falls back to any other. A buffer is
// zero filled before it is handed out, and returned to its colour under the
// pool lock.
type BufferPool struct {
	mu      sync.Mutex
	size    int
	total   int
	free    [][]*Buffer
	nfree   int
	waiters map[int]func()
	nextW   int
}

// NewBufferPool allocates count buffers of size bytes (rounded up to a power
// of two) spread over colours free lists.
func NewBufferPool(count, size, colours int) *BufferPool {
	if colours <= 0 {
		colours = 1
	}
	size = mathutil.NextPowerOf2(size)
	p := &BufferPool{
		size:    size,
		total:   count,
		free:    make([][]*Buffer, colours),
		nfree:   count,
		waiters: make(map[int]func()),
	}
	for i := 0; i < count; i++ {
		c := i % colours
		p.free[c] = append(p.free[c], &Buffer{Data: make([]byte, size), colour: c})
	}
	return p
}

// BufSize returns the size of every buffer.
func (p *BufferPool) BufSize() int { return p.size }

func (p *BufferPool) colour(c int) int {
	if c < 0 {
		c = -c
	}
	return c % len(p.free)
}

// Get returns a zero filled buffer or ErrNoBuffers.
func (p *BufferPool) Get(colour int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nfree == 0 {
		return nil, ErrNoBuffers
	}
	c := p.colour(colour)
	for i := 0; i < len(p.free); i++ {
		list := p.free[(c+i)%len(p.free)]
		if n := len(list); n > 0 {
			b := list[n-1]
			p.free[(c+i)%len(p.free)] = list[:n-1]
			p.nfree--
			clear(b.Data)
			b.colour = c
			return b, nil
		}
	}
	return nil, ErrNoBuffers
}

// Put returns b to the colour free list and runs the release callbacks
// outside the lock.
func (p *BufferPool) Put(colour int, b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	if p.nfree >= p.total {
		p.mu.Unlock()
		panic("cm: buffer returned twice")
	}
	c := p.colour(colour)
	b.colour = c
	p.free[c] = append(p.free[c], b)
	p.nfree++
	cbs := make([]func(), 0, len(p.waiters))
	for _, fn := range p.waiters {
		cbs = append(cbs, fn)
	}
	p.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
}

// Free returns the number of available buffers.
func (p *BufferPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// OnRelease registers fn to run after every Put. The returned function
// unregisters it.
func (p *BufferPool) OnRelease(fn func()) func() {
	p.mu.Lock()
	id := p.nextW
	p.nextW++
	p.waiters[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}
}
