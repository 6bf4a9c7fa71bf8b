package collective

import "github.com/rocketbitz/collective-go/buffer"

// Layout describes a rank-ordered list of buffers.
type Layout struct {
	// IsFlat reports whether the non-empty buffers are consecutive slices of
	// one storage, in rank order, starting at Anchor.
	IsFlat bool
	// TotalLength is the sum of all element counts.
	TotalLength int64
	// Anchor is the first non-empty buffer, or the first buffer when all are
	// empty.
	Anchor *buffer.Buffer
	// Lengths holds each rank's element count.
	Lengths []int
}

func analyzeLayout(buffers []*buffer.Buffer) Layout {
	layout := Layout{IsFlat: true, Lengths: make([]int, len(buffers))}
	if len(buffers) == 0 {
		return layout
	}
	anchor := buffers[0]
	anchorLen := anchor.NumElements()
	var offset int64
	for i, b := range buffers {
		n := b.NumElements()
		// A leading run of empty buffers does not pin the anchor.
		if anchorLen == 0 && n != 0 {
			anchor = b
			anchorLen = n
		}
		layout.Lengths[i] = n
		if layout.IsFlat && n != 0 &&
			(!b.AliasOf(anchor) || int64(b.StorageOffset()) != int64(anchor.StorageOffset())+offset) {
			layout.IsFlat = false
		}
		offset += int64(n)
	}
	layout.TotalLength = offset
	layout.Anchor = anchor
	return layout
}

// stage returns the single region the engine should read or write: the
// anchor's storage spanning TotalLength elements when flat, otherwise a scratch
// buffer of TotalLength elements of the anchor's type. The returned function
// hands a scratch buffer back to the pool.
func (l Layout) stage(pool *buffer.ScratchPool) (*buffer.Buffer, func()) {
	if l.IsFlat {
		return l.Anchor.Span(int(l.TotalLength)), func() {}
	}
	return pool.Acquire(l.Anchor.DType(), int(l.TotalLength))
}

// packInto copies each buffer into its slice of flat.
func packInto(flat *buffer.Buffer, buffers []*buffer.Buffer, lengths []int) {
	for i, part := range flat.SplitWithSizes(lengths) {
		copy(part.Bytes(), buffers[i].Bytes())
	}
}

// unpackFrom copies each slice of flat out into its buffer.
func unpackFrom(flat *buffer.Buffer, buffers []*buffer.Buffer, lengths []int) {
	for i, part := range flat.SplitWithSizes(lengths) {
		copy(buffers[i].Bytes(), part.Bytes())
	}
}
