// Package common holds small utilities shared across the transport and
// application layers.
package common

import "sync"

// BufferPool recycles byte slices to reduce allocation pressure on the
// packet assembly and datagram reassembly paths.
type BufferPool struct {
	defaultSize int
	pool        sync.Pool
}

// NewBufferPool creates a pool whose recycled buffers have at least
// defaultSize capacity.
func NewBufferPool(defaultSize int) *BufferPool {
	p := &BufferPool{defaultSize: defaultSize}
	p.pool.New = func() any {
		buf := make([]byte, defaultSize)
		return &buf
	}
	return p
}

// Get returns a buffer of the pool's default size.
func (p *BufferPool) Get() []byte {
	return p.GetSize(p.defaultSize)
}

// GetSize returns a buffer of exactly size bytes. Buffers larger than the
// pooled capacity are allocated directly and may still be returned via Put.
func (p *BufferPool) GetSize(size int) []byte {
	buf := *(p.pool.Get().(*[]byte))
	if cap(buf) < size {
		p.Put(buf)
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns a buffer to the pool. The caller must not touch buf afterward.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// DefaultSize returns the size Get hands out.
func (p *BufferPool) DefaultSize() int {
	return p.defaultSize
}
