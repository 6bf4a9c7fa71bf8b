package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
)

// ScratchPool manages reusable scratch storages bucketed by power-of-two byte
// capacity. A nil *ScratchPool is valid and always allocates.
type ScratchPool struct {
	perBucket int
	mu        sync.Mutex
	buckets   map[int]chan *Storage
	closed    atomic.Bool
}

// NewScratchPool constructs a pool retaining up to perBucket idle storages per
// capacity class.
func NewScratchPool(perBucket int) *ScratchPool {
	if perBucket < 0 {
		perBucket = 0
	}
	return &ScratchPool{
		perBucket: perBucket,
		buckets:   make(map[int]chan *Storage),
	}
}

// Acquire returns a zeroed one-dimensional buffer of count elements and the
// function that hands its storage back. The release function is idempotent and
// must not be called while the buffer may still be read or written.
func (p *ScratchPool) Acquire(dtype dtypes.DType, count int) (*Buffer, func()) {
	size := count * elementSize(dtype)
	if p == nil || p.closed.Load() || size == 0 {
		return New(dtype, count), func() {}
	}
	class := capacityClass(size)
	bucket := p.bucket(class)

	var storage *Storage
	select {
	case storage = <-bucket:
		clear(storage.data)
	default:
		storage = NewStorage(class)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(storage) })
	}
	return View(storage, dtype, 0, []int{count}), release
}

// Close drops all idle storages and makes further acquisitions allocate.
func (p *ScratchPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for class, bucket := range p.buckets {
		for drained := false; !drained; {
			select {
			case <-bucket:
			default:
				drained = true
			}
		}
		delete(p.buckets, class)
	}
}

// Idle returns the number of storages currently held by the pool.
func (p *ScratchPool) Idle() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

func (p *ScratchPool) release(storage *Storage) {
	if p.closed.Load() || storage.Len() != capacityClass(storage.Len()) {
		return
	}
	select {
	case p.bucket(storage.Len()) <- storage:
	default:
	}
}

func (p *ScratchPool) bucket(class int) chan *Storage {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[class]
	if !ok {
		b = make(chan *Storage, p.perBucket)
		p.buckets[class] = b
	}
	return b
}

func capacityClass(size int) int {
	if size <= 64 {
		return 64
	}
	return 1 << bits.Len(uint(size-1))
}
