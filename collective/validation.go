package collective

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine"
)

// ReduceOp selects the reduction applied by AllReduce and Reduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProduct
	ReduceMin
	ReduceMax
	ReduceBAnd
	ReduceBOr
	ReduceBXor
	ReduceAvg
)

var reduceOpNames = map[ReduceOp]string{
	ReduceSum:     "sum",
	ReduceProduct: "product",
	ReduceMin:     "min",
	ReduceMax:     "max",
	ReduceBAnd:    "band",
	ReduceBOr:     "bor",
	ReduceBXor:    "bxor",
	ReduceAvg:     "avg",
}

func (op ReduceOp) String() string {
	if name, ok := reduceOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("reduce_op(%d)", int(op))
}

var engineReductions = map[ReduceOp]engine.Reduction{
	ReduceMin:     engine.ReductionMin,
	ReduceMax:     engine.ReductionMax,
	ReduceSum:     engine.ReductionSum,
	ReduceProduct: engine.ReductionProd,
}

var engineDatatypes = map[dtypes.DType]engine.Datatype{
	dtypes.Int8:     engine.DtInt8,
	dtypes.Uint8:    engine.DtUint8,
	dtypes.Float64:  engine.DtDouble,
	dtypes.Float16:  engine.DtFloat16,
	dtypes.BFloat16: engine.DtBFloat16,
	dtypes.Float32:  engine.DtFloat,
	dtypes.Int32:    engine.DtInt32,
	dtypes.Int64:    engine.DtInt64,
}

func mapReduceOp(op ReduceOp) (engine.Reduction, error) {
	r, ok := engineReductions[op]
	if !ok {
		return 0, invalidf("reduce operation %s is not supported", op)
	}
	return r, nil
}

func mapDatatype(dtype dtypes.DType) (engine.Datatype, error) {
	dt, ok := engineDatatypes[dtype]
	if !ok {
		return 0, invalidf("element type %s is not supported", dtype)
	}
	return dt, nil
}

func checkBuffer(b *buffer.Buffer) error {
	switch {
	case b == nil:
		return invalidf("buffer is nil")
	case !b.IsContiguous():
		return invalidf("buffer %s has to be contiguous", b)
	case b.IsSparse():
		return invalidf("buffer %s has to be dense", b)
	case b.Device() != buffer.Host:
		return invalidf("buffer %s resides on %s and the engine only supports host buffers", b, b.Device())
	case b.NumElements() < 0:
		return invalidf("buffer element count should be non-negative")
	}
	return nil
}

func checkSingleBuffer(buffers []*buffer.Buffer) error {
	if len(buffers) != 1 {
		return invalidf("%s backend does not support buffer count %d", BackendName, len(buffers))
	}
	return checkBuffer(buffers[0])
}

// checkSameType requires every buffer to carry ref's element type and to pass
// the single-buffer checks.
func checkSameType(ref *buffer.Buffer, buffers []*buffer.Buffer) error {
	for _, b := range buffers {
		if b == nil {
			return invalidf("buffer is nil")
		}
		if b.DType() != ref.DType() {
			return invalidf("buffers are not equal in data type: %s vs %s", b.DType(), ref.DType())
		}
		if err := checkBuffer(b); err != nil {
			return err
		}
	}
	return nil
}

func checkSameSizeAndType(ref *buffer.Buffer, buffers []*buffer.Buffer) error {
	for _, b := range buffers {
		if b == nil {
			return invalidf("buffer is nil")
		}
		if b.NumElements() != ref.NumElements() || b.DType() != ref.DType() {
			return invalidf("buffers are not equal in size or data type")
		}
		if err := checkBuffer(b); err != nil {
			return err
		}
	}
	return nil
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return invalidf("unexpected rank %d for group of size %d", rank, size)
	}
	return nil
}

// checkSplitSizes validates split sizes along b's leading dimension. No splits
// means an equal split, which requires the leading dimension to divide evenly.
func checkSplitSizes(splits []int, b *buffer.Buffer, size int) error {
	lead := b.LeadingDim()
	if len(splits) == 0 {
		if lead%size != 0 {
			return invalidf("leading dimension %d does not divide equally across group size %d", lead, size)
		}
		return nil
	}
	if len(splits) != size {
		return invalidf("number of splits %d not equal to group size %d", len(splits), size)
	}
	sum := 0
	for _, s := range splits {
		sum += s
	}
	if sum != lead {
		return invalidf("split sizes sum to %d, leading dimension is %d", sum, lead)
	}
	return nil
}
