// Package buffer provides the host buffers handed to collective operations.
//
// A Buffer is a typed view over a Storage: it records the storage identity, the
// element offset into it, the dimensions, optional strides, the element kind and
// where the memory lives. Two buffers alias when they share a Storage, which is
// what the collective layer uses to detect rank-ordered slices of a single
// allocation.
package buffer

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
)

// Device identifies where a buffer's memory resides.
type Device int

const (
	// Host memory is addressable by the communication engine.
	Host Device = iota
	// Accelerator memory is not supported by the engine.
	Accelerator
)

func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return "device"
	}
}

// Storage is a backing allocation shared by one or more buffers.
type Storage struct {
	id   uuid.UUID
	data []byte
}

// NewStorage allocates size bytes. The allocation is 8-byte aligned so any
// supported element kind can be viewed in place.
func NewStorage(size int) *Storage {
	if size < 0 {
		exceptions.Panicf("buffer.NewStorage: negative size %d", size)
	}
	s := &Storage{id: uuid.New()}
	if size == 0 {
		s.data = []byte{}
		return s
	}
	words := make([]uint64, (size+7)/8)
	s.data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return s
}

// ID returns the storage identity.
func (s *Storage) ID() uuid.UUID {
	return s.id
}

// Len returns the allocation size in bytes.
func (s *Storage) Len() int {
	return len(s.data)
}

// Buffer is a typed view over a Storage.
type Buffer struct {
	storage *Storage
	offset  int
	dims    []int
	strides []int
	dtype   dtypes.DType
	device  Device
	sparse  bool
}

// Option customises a view created by View or New.
type Option func(*Buffer)

// OnDevice marks the buffer as residing on the given device.
func OnDevice(device Device) Option {
	return func(b *Buffer) { b.device = device }
}

// Sparse marks the buffer as a sparse (non-dense) representation.
func Sparse() Option {
	return func(b *Buffer) { b.sparse = true }
}

// WithStrides sets explicit element strides, one per dimension.
func WithStrides(strides ...int) Option {
	return func(b *Buffer) { b.strides = append([]int(nil), strides...) }
}

// New allocates a fresh buffer of the given kind and dimensions. No dimensions
// means a scalar.
func New(dtype dtypes.DType, dims ...int) *Buffer {
	count := product(dims)
	storage := NewStorage(count * elementSize(dtype))
	return View(storage, dtype, 0, dims)
}

// View creates a buffer over an existing storage starting at the given element
// offset.
func View(storage *Storage, dtype dtypes.DType, offset int, dims []int, opts ...Option) *Buffer {
	if storage == nil {
		exceptions.Panicf("buffer.View: nil storage")
	}
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("buffer.View: negative dimension in %v", dims)
		}
	}
	b := &Buffer{
		storage: storage,
		offset:  offset,
		dims:    append([]int(nil), dims...),
		dtype:   dtype,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.strides != nil && len(b.strides) != len(b.dims) {
		exceptions.Panicf("buffer.View: %d strides for %d dimensions", len(b.strides), len(b.dims))
	}
	size := elementSize(dtype)
	if offset < 0 || (offset+b.extent())*size > storage.Len() {
		exceptions.Panicf("buffer.View: view [%d:+%d] out of range for storage of %d bytes (dtype %s)",
			offset, b.extent(), storage.Len(), dtype)
	}
	return b
}

// FromSlice allocates a buffer holding a copy of values. Without dims the buffer
// is one-dimensional.
func FromSlice[T dtypes.Supported](values []T, dims ...int) *Buffer {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	if product(dims) != len(values) {
		exceptions.Panicf("buffer.FromSlice: %d values do not fill dimensions %v", len(values), dims)
	}
	b := New(dtypes.FromGenericsType[T](), dims...)
	if len(values) > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(values[0])))
		copy(b.Bytes(), raw)
	}
	return b
}

// ToSlice returns a copy of the buffer's elements.
func ToSlice[T dtypes.Supported](b *Buffer) []T {
	if want := dtypes.FromGenericsType[T](); b.dtype != want {
		exceptions.Panicf("buffer.ToSlice: buffer holds %s, requested %s", b.dtype, want)
	}
	out := make([]T, b.NumElements())
	if len(out) > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(out)*int(unsafe.Sizeof(out[0])))
		copy(raw, b.Bytes())
	}
	return out
}

// NumElements returns the number of elements in the view.
func (b *Buffer) NumElements() int {
	return product(b.dims)
}

// Dims returns a copy of the dimensions.
func (b *Buffer) Dims() []int {
	return append([]int(nil), b.dims...)
}

// LeadingDim returns the extent of the first dimension; a scalar has a leading
// dimension of 1.
func (b *Buffer) LeadingDim() int {
	if len(b.dims) == 0 {
		return 1
	}
	return b.dims[0]
}

// DType returns the element kind.
func (b *Buffer) DType() dtypes.DType {
	return b.dtype
}

// ElementSize returns the size of one element in bytes.
func (b *Buffer) ElementSize() int {
	return elementSize(b.dtype)
}

// Storage returns the backing allocation.
func (b *Buffer) Storage() *Storage {
	return b.storage
}

// StorageOffset returns the element offset of the view into its storage.
func (b *Buffer) StorageOffset() int {
	return b.offset
}

// Device reports where the buffer resides.
func (b *Buffer) Device() Device {
	return b.device
}

// IsSparse reports whether the buffer is a sparse representation.
func (b *Buffer) IsSparse() bool {
	return b.sparse
}

// IsContiguous reports whether elements are laid out densely in row-major order.
func (b *Buffer) IsContiguous() bool {
	if b.strides == nil {
		return true
	}
	expected := 1
	for i := len(b.dims) - 1; i >= 0; i-- {
		if b.dims[i] != 1 && b.strides[i] != expected {
			return false
		}
		expected *= b.dims[i]
	}
	return true
}

// AliasOf reports whether both buffers share the same storage.
func (b *Buffer) AliasOf(other *Buffer) bool {
	return other != nil && b.storage == other.storage
}

// Bytes returns the raw data region of a contiguous buffer.
func (b *Buffer) Bytes() []byte {
	if !b.IsContiguous() {
		exceptions.Panicf("buffer.Bytes: buffer %s is not contiguous", b)
	}
	size := b.ElementSize()
	start := b.offset * size
	return b.storage.data[start : start+b.NumElements()*size : start+b.NumElements()*size]
}

// Span returns a one-dimensional view of count elements starting where b
// starts, on the same storage.
func (b *Buffer) Span(count int) *Buffer {
	return View(b.storage, b.dtype, b.offset, []int{count})
}

// Slice returns the rows [begin, end) along the leading dimension.
func (b *Buffer) Slice(begin, end int) *Buffer {
	if !b.IsContiguous() {
		exceptions.Panicf("buffer.Slice: buffer %s is not contiguous", b)
	}
	lead := b.LeadingDim()
	if begin < 0 || end < begin || end > lead {
		exceptions.Panicf("buffer.Slice: [%d:%d] out of range for leading dimension %d", begin, end, lead)
	}
	row := 1
	if lead > 0 {
		row = b.NumElements() / lead
	}
	dims := b.Dims()
	if len(dims) == 0 {
		dims = []int{end - begin}
	} else {
		dims[0] = end - begin
	}
	return View(b.storage, b.dtype, b.offset+begin*row, dims)
}

// SplitWithSizes splits the flattened buffer into consecutive one-dimensional
// views with the given element counts.
func (b *Buffer) SplitWithSizes(sizes []int) []*Buffer {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != b.NumElements() {
		exceptions.Panicf("buffer.SplitWithSizes: sizes sum to %d, buffer has %d elements", total, b.NumElements())
	}
	parts := make([]*Buffer, len(sizes))
	offset := b.offset
	for i, s := range sizes {
		parts[i] = View(b.storage, b.dtype, offset, []int{s})
		offset += s
	}
	return parts
}

// CopyFrom copies src into b. Both must hold the same number of elements of the
// same kind.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if b.NumElements() != src.NumElements() {
		return fmt.Errorf("buffer copy: inconsistent count: %d vs %d", b.NumElements(), src.NumElements())
	}
	if b.dtype != src.dtype {
		return fmt.Errorf("buffer copy: inconsistent type: %s vs %s", b.dtype, src.dtype)
	}
	copy(b.Bytes(), src.Bytes())
	return nil
}

func (b *Buffer) String() string {
	var sb strings.Builder
	sb.WriteString(b.dtype.String())
	sb.WriteString("[")
	for i, d := range b.dims {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", d)
	}
	fmt.Fprintf(&sb, "]@%s+%d", b.storage.id.String()[:8], b.offset)
	if b.device != Host {
		sb.WriteString(" on ")
		sb.WriteString(b.device.String())
	}
	return sb.String()
}

// extent is the number of storage elements spanned by the view.
func (b *Buffer) extent() int {
	if b.strides == nil {
		return b.NumElements()
	}
	if b.NumElements() == 0 {
		return 0
	}
	last := 0
	for i, d := range b.dims {
		last += (d - 1) * b.strides[i]
	}
	return last + 1
}

func elementSize(dtype dtypes.DType) int {
	return int(dtype.Memory())
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
