package collective

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRank(t *testing.T) {
	require.NoError(t, checkRank(0, 4))
	require.NoError(t, checkRank(3, 4))
	require.ErrorIs(t, checkRank(4, 4), ErrValidation)
	require.ErrorIs(t, checkRank(-1, 4), ErrValidation)
}

func TestCheckSplitSizes(t *testing.T) {
	b := buffer.New(dtypes.Float32, 6, 2)

	require.NoError(t, checkSplitSizes(nil, b, 3))
	require.NoError(t, checkSplitSizes([]int{1, 0, 5}, b, 3))
	require.NoError(t, checkSplitSizes([]int{0, 6}, b, 2))

	err := checkSplitSizes(nil, b, 4)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "does not divide equally")

	err = checkSplitSizes([]int{3, 3}, b, 3)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "not equal to group size")

	err = checkSplitSizes([]int{1, 1, 1}, b, 3)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "sum to 3")
}

func TestMapDatatype(t *testing.T) {
	want := map[dtypes.DType]engine.Datatype{
		dtypes.Int8:     engine.DtInt8,
		dtypes.Uint8:    engine.DtUint8,
		dtypes.Int32:    engine.DtInt32,
		dtypes.Int64:    engine.DtInt64,
		dtypes.Float16:  engine.DtFloat16,
		dtypes.BFloat16: engine.DtBFloat16,
		dtypes.Float32:  engine.DtFloat,
		dtypes.Float64:  engine.DtDouble,
	}
	for dtype, dt := range want {
		got, err := mapDatatype(dtype)
		require.NoError(t, err, dtype.String())
		assert.Equal(t, dt, got, dtype.String())
	}

	for _, dtype := range []dtypes.DType{dtypes.Bool, dtypes.Int16, dtypes.Uint32, dtypes.Complex64} {
		_, err := mapDatatype(dtype)
		assert.ErrorIs(t, err, ErrValidation, dtype.String())
	}
}

func TestMapReduceOp(t *testing.T) {
	want := map[ReduceOp]engine.Reduction{
		ReduceSum:     engine.ReductionSum,
		ReduceProduct: engine.ReductionProd,
		ReduceMin:     engine.ReductionMin,
		ReduceMax:     engine.ReductionMax,
	}
	for op, r := range want {
		got, err := mapReduceOp(op)
		require.NoError(t, err, op.String())
		assert.Equal(t, r, got, op.String())
	}

	for _, op := range []ReduceOp{ReduceBAnd, ReduceBOr, ReduceBXor, ReduceAvg, ReduceOp(42)} {
		_, err := mapReduceOp(op)
		assert.ErrorIs(t, err, ErrValidation, op.String())
	}
	assert.Equal(t, "reduce_op(42)", ReduceOp(42).String())
}

func TestCheckBuffer(t *testing.T) {
	storage := buffer.NewStorage(64)
	cases := []struct {
		name   string
		buf    *buffer.Buffer
		reason string
	}{
		{name: "nil", reason: "nil"},
		{
			name:   "strided",
			buf:    buffer.View(storage, dtypes.Float32, 0, []int{2, 2}, buffer.WithStrides(1, 2)),
			reason: "contiguous",
		},
		{
			name:   "sparse",
			buf:    buffer.View(storage, dtypes.Float32, 0, []int{4}, buffer.Sparse()),
			reason: "dense",
		},
		{
			name:   "accelerator",
			buf:    buffer.View(storage, dtypes.Float32, 0, []int{4}, buffer.OnDevice(buffer.Accelerator)),
			reason: "host",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkBuffer(tc.buf)
			require.ErrorIs(t, err, ErrValidation)
			require.Contains(t, err.Error(), tc.reason)
		})
	}

	require.NoError(t, checkBuffer(buffer.New(dtypes.Float32, 0)))
	require.NoError(t, checkBuffer(buffer.New(dtypes.Float32)))
}

func TestCheckSingleBuffer(t *testing.T) {
	require.NoError(t, checkSingleBuffer([]*buffer.Buffer{buffer.New(dtypes.Int32, 3)}))
	require.ErrorIs(t, checkSingleBuffer(nil), ErrValidation)
	require.ErrorIs(t, checkSingleBuffer([]*buffer.Buffer{buffer.New(dtypes.Int32, 1), buffer.New(dtypes.Int32, 1)}), ErrValidation)
}

func TestCheckSameSizeAndType(t *testing.T) {
	ref := buffer.New(dtypes.Int32, 4)
	require.NoError(t, checkSameSizeAndType(ref, []*buffer.Buffer{buffer.New(dtypes.Int32, 4), buffer.New(dtypes.Int32, 2, 2)}))
	require.ErrorIs(t, checkSameSizeAndType(ref, []*buffer.Buffer{buffer.New(dtypes.Int32, 3)}), ErrValidation)
	require.ErrorIs(t, checkSameSizeAndType(ref, []*buffer.Buffer{buffer.New(dtypes.Int64, 4)}), ErrValidation)
	require.ErrorIs(t, checkSameSizeAndType(ref, []*buffer.Buffer{nil}), ErrValidation)
}

func TestCheckSameType(t *testing.T) {
	ref := buffer.New(dtypes.Float32, 4)
	require.NoError(t, checkSameType(ref, []*buffer.Buffer{buffer.New(dtypes.Float32, 1), buffer.New(dtypes.Float32, 0)}))
	require.ErrorIs(t, checkSameType(ref, []*buffer.Buffer{buffer.New(dtypes.Float64, 4)}), ErrValidation)
}

func TestValidationErrorNamesOperation(t *testing.T) {
	err := withOp("gather", invalidf("bad root %d", 7))
	require.EqualError(t, err, "collective gather: bad root 7")

	// An operation already recorded is kept.
	err = withOp("scatter", err)
	require.EqualError(t, err, "collective gather: bad root 7")
}
