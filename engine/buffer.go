package engine

import (
	"sync"
)

// DefaultBufferSize is the default size of byte buffers allocated for file transfers.
// Each full buffer written becomes one range in the job's checkpoint, so this is
// also the granularity at which interrupted transfers resume.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool manages reusable byte buffers to minimize GC overhead during
// multi-terabyte transfers.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of the buffers handed out by the pool.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a reusable byte buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused. Buffers of
// another size are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) < bp.size {
		return
	}
	*b = (*b)[:bp.size]
	bp.pool.Put(b)
}
