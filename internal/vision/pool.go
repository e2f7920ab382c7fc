package vision

import (
	"sync"
	"sync/atomic"
)

// TensorPool reuses float32 scratch buffers for preprocessed tensors to keep
// per-frame allocations off the GC. Gets and puts are counted so tests can
// verify that every borrowed buffer is returned.
type TensorPool struct {
	pool sync.Pool
	gets atomic.Int64
	puts atomic.Int64
}

// Buffers larger than this are dropped instead of pooled.
const maxPooledTensor = 1 << 20

// NewTensorPool creates an empty pool.
func NewTensorPool() *TensorPool {
	p := &TensorPool{}
	p.pool.New = func() interface{} {
		buf := make([]float32, 0)
		return &buf
	}
	return p
}

// Get returns a buffer with length size. The buffer contents are undefined.
func (p *TensorPool) Get(size int) []float32 {
	p.gets.Add(1)
	ptr := p.pool.Get().(*[]float32)
	buf := *ptr
	if cap(buf) < size {
		return make([]float32, size)
	}
	return buf[:size]
}

// Put returns a buffer to the pool. Oversized buffers are left to the GC.
func (p *TensorPool) Put(buf []float32) {
	p.puts.Add(1)
	if cap(buf) == 0 || cap(buf) > maxPooledTensor {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Outstanding returns gets minus puts; zero means every buffer was returned.
func (p *TensorPool) Outstanding() int64 {
	return p.gets.Load() - p.puts.Load()
}
