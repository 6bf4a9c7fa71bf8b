//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/collective"
	"github.com/rocketbitz/collective-go/engine/local"
)

const worldSize = 4

// startGroups joins worldSize ranks into one group each and returns them
// indexed by rank.
func startGroups(t *testing.T, opts local.Options) []*collective.Group {
	t.Helper()
	world, err := local.NewWorld(worldSize, opts)
	require.NoError(t, err)
	store := collective.NewMemoryStore()

	groups := make([]*collective.Group, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for r := 0; r < worldSize; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rt := collective.NewRuntime(world.Environment(rank))
			t.Cleanup(func() { _ = rt.Shutdown() })
			groups[rank], errs[rank] = collective.New(context.Background(), rt, store, -1, -1,
				collective.Config{Name: t.Name(), Timeout: 10 * time.Second})
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

func everyRank(t *testing.T, groups []*collective.Group, fn func(rank int, g *collective.Group) error) {
	t.Helper()
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for r, g := range groups {
		wg.Add(1)
		go func(rank int, g *collective.Group) {
			defer wg.Done()
			errs[rank] = fn(rank, g)
		}(r, g)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func wait(w *collective.Work, err error) error {
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Wait()
}

func TestCollectiveSequenceEndToEnd(t *testing.T) {
	groups := startGroups(t, local.Options{})
	for r, g := range groups {
		require.Equal(t, r, g.Rank())
		require.Equal(t, worldSize, g.Size())
	}

	gathered := make([][]int64, worldSize)
	everyRank(t, groups, func(rank int, g *collective.Group) error {
		// Broadcast a seed from the last rank.
		seed := buffer.New(dtypes.Int64, 1)
		if rank == worldSize-1 {
			seed = buffer.FromSlice([]int64{7})
		}
		if err := wait(g.Broadcast([]*buffer.Buffer{seed}, collective.BroadcastOptions{RootRank: worldSize - 1})); err != nil {
			return err
		}

		// Every rank contributes seed+rank; the sum is 4*7+6.
		value := buffer.FromSlice([]int64{buffer.ToSlice[int64](seed)[0] + int64(rank)})
		if err := wait(g.AllReduce([]*buffer.Buffer{value}, collective.AllReduceOptions{})); err != nil {
			return err
		}
		if got := buffer.ToSlice[int64](value)[0]; got != 34 {
			return fmt.Errorf("allreduce: got %d", got)
		}

		// Each rank contributes rank+1 elements; the vector allgather cannot
		// use a single region.
		contribution := make([]int64, rank+1)
		for i := range contribution {
			contribution[i] = int64(rank)
		}
		outs := make([]*buffer.Buffer, worldSize)
		for src := range outs {
			outs[src] = buffer.New(dtypes.Int64, src+1)
		}
		if err := wait(g.AllGather([][]*buffer.Buffer{outs}, []*buffer.Buffer{buffer.FromSlice(contribution)}, collective.AllGatherOptions{})); err != nil {
			return err
		}
		for _, out := range outs {
			gathered[rank] = append(gathered[rank], buffer.ToSlice[int64](out)...)
		}
		return wait(g.Barrier(collective.BarrierOptions{}))
	})

	want := []int64{0, 1, 1, 2, 2, 2, 3, 3, 3, 3}
	for r := range gathered {
		require.Equal(t, want, gathered[r], "rank %d", r)
	}
	for r, g := range groups {
		stats := g.Stats()
		require.EqualValues(t, 4, stats.Submitted, "rank %d", r)
		require.EqualValues(t, 4, stats.Completed, "rank %d", r)
		require.Zero(t, stats.Failed, "rank %d", r)
	}
}

func TestOutstandingWorksCompleteInAnyWaitOrder(t *testing.T) {
	groups := startGroups(t, local.Options{})
	const ops = 5
	results := make([][][]float32, worldSize)
	everyRank(t, groups, func(rank int, g *collective.Group) error {
		bufs := make([]*buffer.Buffer, ops)
		works := make([]*collective.Work, ops)
		for i := range bufs {
			bufs[i] = buffer.FromSlice([]float32{float32(rank * i)})
			w, err := g.AllReduce([]*buffer.Buffer{bufs[i]}, collective.AllReduceOptions{ReduceOp: collective.ReduceMax})
			if err != nil {
				return err
			}
			works[i] = w
		}
		for i := ops - 1; i >= 0; i-- {
			if err := works[i].Wait(); err != nil {
				return err
			}
			works[i].Close()
		}
		for _, b := range bufs {
			results[rank] = append(results[rank], buffer.ToSlice[float32](b))
		}
		return nil
	})
	for r := range results {
		for i, got := range results[r] {
			require.Equal(t, []float32{float32((worldSize - 1) * i)}, got, "rank %d op %d", r, i)
		}
	}
}

func TestHalfPrecisionAllReduce(t *testing.T) {
	groups := startGroups(t, local.Options{})
	halves := make([]*buffer.Buffer, worldSize)
	brains := make([]*buffer.Buffer, worldSize)
	everyRank(t, groups, func(rank int, g *collective.Group) error {
		halves[rank] = buffer.FromSlice([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(float32(rank))})
		brains[rank] = buffer.FromSlice([]bfloat16.BFloat16{bfloat16.FromFloat32(1), bfloat16.FromFloat32(float32(rank))})
		if err := wait(g.AllReduce([]*buffer.Buffer{halves[rank]}, collective.AllReduceOptions{})); err != nil {
			return err
		}
		return wait(g.AllReduce([]*buffer.Buffer{brains[rank]}, collective.AllReduceOptions{ReduceOp: collective.ReduceMax}))
	})
	for r := 0; r < worldSize; r++ {
		h := buffer.ToSlice[float16.Float16](halves[r])
		require.Equal(t, float32(2), h[0].Float32(), "rank %d", r)
		require.Equal(t, float32(6), h[1].Float32(), "rank %d", r)
		b := buffer.ToSlice[bfloat16.BFloat16](brains[r])
		require.Equal(t, float32(1), b[0].Float32(), "rank %d", r)
		require.Equal(t, float32(3), b[1].Float32(), "rank %d", r)
	}
}

func TestScatterGatherRoundTrip(t *testing.T) {
	groups := startGroups(t, local.Options{})
	const root = 2
	rows := make([]*buffer.Buffer, worldSize)
	for r := range rows {
		rows[r] = buffer.FromSlice([]int32{int32(r), int32(r * r), int32(-r)})
	}
	back := make([]*buffer.Buffer, worldSize)
	for r := range back {
		back[r] = buffer.New(dtypes.Int32, 3)
	}

	everyRank(t, groups, func(rank int, g *collective.Group) error {
		var in [][]*buffer.Buffer
		var out [][]*buffer.Buffer
		if rank == root {
			in = [][]*buffer.Buffer{rows}
			out = [][]*buffer.Buffer{back}
		}
		mine := buffer.New(dtypes.Int32, 3)
		if err := wait(g.Scatter([]*buffer.Buffer{mine}, in, collective.ScatterOptions{RootRank: root})); err != nil {
			return err
		}
		return wait(g.Gather(out, []*buffer.Buffer{mine}, collective.GatherOptions{RootRank: root}))
	})
	for r := range rows {
		require.Equal(t, buffer.ToSlice[int32](rows[r]), buffer.ToSlice[int32](back[r]), "row %d", r)
	}
}

func TestAllToAllBaseRaggedEndToEnd(t *testing.T) {
	groups := startGroups(t, local.Options{})
	outputs := make([]*buffer.Buffer, worldSize)
	everyRank(t, groups, func(rank int, g *collective.Group) error {
		// Rank r sends dst+1 rows to dst and so receives rank+1 rows from
		// every source.
		inSplits := make([]int, worldSize)
		outSplits := make([]int, worldSize)
		var values []int32
		for dst := 0; dst < worldSize; dst++ {
			inSplits[dst] = dst + 1
			outSplits[dst] = rank + 1
			for i := 0; i <= dst; i++ {
				values = append(values, int32(rank*10+dst), int32(i))
			}
		}
		input := buffer.FromSlice(values, len(values)/2, 2)
		outputs[rank] = buffer.New(dtypes.Int32, worldSize*(rank+1), 2)
		return wait(g.AllToAllBase(outputs[rank], input, outSplits, inSplits, collective.AllToAllOptions{}))
	})

	for rank, out := range outputs {
		got := buffer.ToSlice[int32](out)
		var want []int32
		for src := 0; src < worldSize; src++ {
			for i := 0; i <= rank; i++ {
				want = append(want, int32(src*10+rank), int32(i))
			}
		}
		require.Equal(t, want, got, "rank %d", rank)
	}
}

func TestEngineFailureSurfacesOnEveryRank(t *testing.T) {
	groups := startGroups(t, local.Options{
		SubmitHook: func(rank int, op string) error {
			if rank == 1 && op == "barrier" {
				return fmt.Errorf("rank %d unreachable", rank)
			}
			return nil
		},
	})

	_, err := groups[1].Barrier(collective.BarrierOptions{})
	require.ErrorIs(t, err, collective.ErrEngine)
	require.Contains(t, err.Error(), "unreachable")

	// A rejected submission does not consume a slot, so the group stays usable.
	everyRank(t, groups, func(rank int, g *collective.Group) error {
		return wait(g.AllReduce([]*buffer.Buffer{buffer.FromSlice([]int32{1})}, collective.AllReduceOptions{}))
	})
	require.EqualValues(t, 1, groups[1].Stats().Failed)
}
