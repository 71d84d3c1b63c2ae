package audio

import "sync"

// slicePool recycles sample scratch buffers between frames.
type slicePool[T int16 | float32] struct {
	pool sync.Pool
}

func (p *slicePool[T]) acquire(size int) []T {
	if size <= 0 {
		return nil
	}
	if v, ok := p.pool.Get().([]T); ok && cap(v) >= size {
		return v[:size]
	}
	return make([]T, size)
}

func (p *slicePool[T]) release(buf []T) {
	if cap(buf) == 0 {
		return
	}
	p.pool.Put(buf[:0])
}

var (
	int16Pool   slicePool[int16]
	float32Pool slicePool[float32]
)

// AcquireInt16 returns a scratch int16 slice of length size.
func AcquireInt16(size int) []int16 { return int16Pool.acquire(size) }

// ReleaseInt16 returns buf to the pool. buf must not be used afterwards.
func ReleaseInt16(buf []int16) { int16Pool.release(buf) }

// AcquireFloat32 returns a scratch float32 slice of length size.
func AcquireFloat32(size int) []float32 { return float32Pool.acquire(size) }

// ReleaseFloat32 returns buf to the pool.
func ReleaseFloat32(buf []float32) { float32Pool.release(buf) }
