package collective

import (
	"fmt"

	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine"
)

// BroadcastOptions configures Broadcast.
type BroadcastOptions struct {
	RootRank int
}

// AllReduceOptions configures AllReduce.
type AllReduceOptions struct {
	ReduceOp ReduceOp
}

// ReduceOptions configures Reduce.
type ReduceOptions struct {
	ReduceOp ReduceOp
	RootRank int
}

// AllGatherOptions configures AllGather.
type AllGatherOptions struct{}

// GatherOptions configures Gather.
type GatherOptions struct {
	RootRank int
}

// ScatterOptions configures Scatter.
type ScatterOptions struct {
	RootRank int
}

// AllToAllOptions configures AllToAllBase and AllToAll.
type AllToAllOptions struct{}

// BarrierOptions configures Barrier.
type BarrierOptions struct{}

// Broadcast copies the root's buffer into every rank's buffer.
func (g *Group) Broadcast(buffers []*buffer.Buffer, opts BroadcastOptions) (*Work, error) {
	if err := checkSingleBuffer(buffers); err != nil {
		return nil, g.reject(KindBroadcast, err)
	}
	if err := checkRank(opts.RootRank, g.size); err != nil {
		return nil, g.reject(KindBroadcast, err)
	}
	b := buffers[0]
	dt, err := mapDatatype(b.DType())
	if err != nil {
		return nil, g.reject(KindBroadcast, err)
	}
	n := b.NumElements()
	return g.issue(&submission{
		kind:  KindBroadcast,
		label: fmt.Sprintf("bcast::sz:%d", n),
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.Broadcast(b.Bytes(), n, dt, opts.RootRank)
		},
		owned:  buffers,
		result: buffers,
	})
}

// AllReduce reduces every rank's buffer in place.
func (g *Group) AllReduce(buffers []*buffer.Buffer, opts AllReduceOptions) (*Work, error) {
	if err := checkSingleBuffer(buffers); err != nil {
		return nil, g.reject(KindAllReduce, err)
	}
	b := buffers[0]
	dt, err := mapDatatype(b.DType())
	if err != nil {
		return nil, g.reject(KindAllReduce, err)
	}
	op, err := mapReduceOp(opts.ReduceOp)
	if err != nil {
		return nil, g.reject(KindAllReduce, err)
	}
	n := b.NumElements()
	return g.issue(&submission{
		kind:  KindAllReduce,
		label: fmt.Sprintf("allreduce::sz:%d", n),
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.AllReduce(b.Bytes(), b.Bytes(), n, dt, op)
		},
		owned:  buffers,
		result: buffers,
	})
}

// Reduce reduces every rank's buffer into the root's buffer. Only the root's
// buffer is meaningful after completion.
func (g *Group) Reduce(buffers []*buffer.Buffer, opts ReduceOptions) (*Work, error) {
	if err := checkSingleBuffer(buffers); err != nil {
		return nil, g.reject(KindReduce, err)
	}
	if err := checkRank(opts.RootRank, g.size); err != nil {
		return nil, g.reject(KindReduce, err)
	}
	b := buffers[0]
	dt, err := mapDatatype(b.DType())
	if err != nil {
		return nil, g.reject(KindReduce, err)
	}
	op, err := mapReduceOp(opts.ReduceOp)
	if err != nil {
		return nil, g.reject(KindReduce, err)
	}
	n := b.NumElements()
	return g.issue(&submission{
		kind:  KindReduce,
		label: fmt.Sprintf("reduce::sz:%d", n),
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.Reduce(b.Bytes(), b.Bytes(), n, dt, op, opts.RootRank)
		},
		owned:  buffers,
		result: buffers,
	})
}

// AllGather collects every rank's input into outputs[0][rank] on all ranks.
func (g *Group) AllGather(outputs [][]*buffer.Buffer, inputs []*buffer.Buffer, _ AllGatherOptions) (*Work, error) {
	if err := checkSingleBuffer(inputs); err != nil {
		return nil, g.reject(KindAllGather, err)
	}
	if len(outputs) != 1 {
		return nil, g.reject(KindAllGather, invalidf("multi-device collective is not supported"))
	}
	if len(outputs[0]) != g.size {
		return nil, g.reject(KindAllGather,
			invalidf("number of output buffers %d should equal the group size %d", len(outputs[0]), g.size))
	}
	in := inputs[0]
	if err := checkSameType(in, outputs[0]); err != nil {
		return nil, g.reject(KindAllGather, err)
	}
	dt, err := mapDatatype(in.DType())
	if err != nil {
		return nil, g.reject(KindAllGather, err)
	}

	layout := analyzeLayout(outputs[0])
	if in.NumElements() != layout.Lengths[g.rank] {
		return nil, g.reject(KindAllGather,
			invalidf("send count %d and recv count %d don't match", in.NumElements(), layout.Lengths[g.rank]))
	}

	var recv [][]byte
	var owned []*buffer.Buffer
	if layout.IsFlat {
		flat, _ := layout.stage(g.pool)
		recv = [][]byte{flat.Bytes()}
		owned = []*buffer.Buffer{flat, in}
	} else {
		recv = make([][]byte, len(outputs[0]))
		for i, out := range outputs[0] {
			recv[i] = out.Bytes()
		}
		owned = append(append(owned, outputs[0]...), in)
	}
	attr := &engine.CollAttr{VectorBuf: !layout.IsFlat}
	n := in.NumElements()
	return g.issue(&submission{
		kind:  KindAllGather,
		label: fmt.Sprintf("allgather::sz:%d", n),
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.AllGatherv(in.Bytes(), n, recv, layout.Lengths, dt, attr)
		},
		owned:  owned,
		result: outputs[0],
	})
}

// Gather collects every rank's input into the root's outputs[0]. Non-root
// ranks pass no outputs. It runs as an irregular all-to-all in which only the
// root receives.
func (g *Group) Gather(outputs [][]*buffer.Buffer, inputs []*buffer.Buffer, opts GatherOptions) (*Work, error) {
	if err := checkSingleBuffer(inputs); err != nil {
		return nil, g.reject(KindGather, err)
	}
	if err := checkRank(opts.RootRank, g.size); err != nil {
		return nil, g.reject(KindGather, err)
	}
	in := inputs[0]
	isRoot := g.rank == opts.RootRank
	if !isRoot {
		if len(outputs) != 0 {
			return nil, g.reject(KindGather, invalidf("number of output lists should be 0 for non-root"))
		}
	} else {
		if len(outputs) != 1 {
			return nil, g.reject(KindGather, invalidf("multi-device collective is not supported"))
		}
		if len(outputs[0]) != g.size {
			return nil, g.reject(KindGather,
				invalidf("number of output buffers %d should equal the group size %d", len(outputs[0]), g.size))
		}
		if err := checkSameType(in, outputs[0]); err != nil {
			return nil, g.reject(KindGather, err)
		}
	}
	dt, err := mapDatatype(in.DType())
	if err != nil {
		return nil, g.reject(KindGather, err)
	}

	sendCounts := make([]int, g.size)
	recvCounts := make([]int, g.size)
	sendCounts[opts.RootRank] = in.NumElements()

	sub := &submission{kind: KindGather, label: fmt.Sprintf("gather::sz:%d", in.NumElements())}
	var flatOut *buffer.Buffer
	if isRoot {
		layout := analyzeLayout(outputs[0])
		recvCounts = layout.Lengths
		if sendCounts[g.rank] != recvCounts[g.rank] {
			return nil, g.reject(KindGather,
				invalidf("send count %d and recv count %d don't match", sendCounts[g.rank], recvCounts[g.rank]))
		}
		var release func()
		flatOut, release = layout.stage(g.pool)
		sub.releases = []func(){release}
		sub.owned = []*buffer.Buffer{flatOut, in}
		sub.result = outputs[0]
		if !layout.IsFlat {
			sub.copyOut = func() { unpackFrom(flatOut, outputs[0], recvCounts) }
		}
	} else {
		flatOut = buffer.New(in.DType(), 0)
		sub.owned = []*buffer.Buffer{in}
	}
	sub.call = func(c engine.Communicator) (engine.Request, error) {
		return c.AllToAllv(in.Bytes(), sendCounts, flatOut.Bytes(), recvCounts, dt)
	}
	return g.issue(sub)
}

// Scatter distributes the root's inputs[0][r] into rank r's output. Non-root
// ranks pass no inputs.
func (g *Group) Scatter(outputs []*buffer.Buffer, inputs [][]*buffer.Buffer, opts ScatterOptions) (*Work, error) {
	if err := checkSingleBuffer(outputs); err != nil {
		return nil, g.reject(KindScatter, err)
	}
	if err := checkRank(opts.RootRank, g.size); err != nil {
		return nil, g.reject(KindScatter, err)
	}
	out := outputs[0]
	isRoot := g.rank == opts.RootRank
	if !isRoot {
		if len(inputs) != 0 {
			return nil, g.reject(KindScatter, invalidf("number of input lists should be 0 for non-root"))
		}
	} else {
		if len(inputs) != 1 {
			return nil, g.reject(KindScatter, invalidf("multi-device collective is not supported"))
		}
		if len(inputs[0]) != g.size {
			return nil, g.reject(KindScatter,
				invalidf("number of input buffers %d should equal the group size %d", len(inputs[0]), g.size))
		}
		if err := checkSameType(out, inputs[0]); err != nil {
			return nil, g.reject(KindScatter, err)
		}
	}
	dt, err := mapDatatype(out.DType())
	if err != nil {
		return nil, g.reject(KindScatter, err)
	}

	sendCounts := make([]int, g.size)
	recvCounts := make([]int, g.size)
	recvCounts[opts.RootRank] = out.NumElements()

	sub := &submission{
		kind:   KindScatter,
		label:  fmt.Sprintf("scatter::sz:%d", out.NumElements()),
		owned:  []*buffer.Buffer{out},
		result: outputs,
	}
	var flatIn *buffer.Buffer
	if isRoot {
		layout := analyzeLayout(inputs[0])
		sendCounts = layout.Lengths
		if recvCounts[g.rank] != sendCounts[g.rank] {
			return nil, g.reject(KindScatter,
				invalidf("send count %d and recv count %d don't match", sendCounts[g.rank], recvCounts[g.rank]))
		}
		var release func()
		flatIn, release = layout.stage(g.pool)
		sub.releases = []func(){release}
		if !layout.IsFlat {
			packInto(flatIn, inputs[0], sendCounts)
			g.staged(KindScatter, directionPack, bytesKV("bytes", len(flatIn.Bytes())))
			sub.packed = true
		}
		sub.owned = append(sub.owned, flatIn)
	} else {
		flatIn = buffer.New(out.DType(), 0)
	}
	sub.call = func(c engine.Communicator) (engine.Request, error) {
		return c.AllToAllv(flatIn.Bytes(), sendCounts, out.Bytes(), recvCounts, dt)
	}
	return g.issue(sub)
}

// AllToAllBase exchanges slices of one input buffer for slices of one output
// buffer. Empty split lists mean an equal split of the leading dimension.
func (g *Group) AllToAllBase(output, input *buffer.Buffer, outputSplits, inputSplits []int, _ AllToAllOptions) (*Work, error) {
	if err := checkBuffer(input); err != nil {
		return nil, g.reject(KindAllToAllBase, err)
	}
	if err := checkBuffer(output); err != nil {
		return nil, g.reject(KindAllToAllBase, err)
	}
	dt, err := mapDatatype(output.DType())
	if err != nil {
		return nil, g.reject(KindAllToAllBase, err)
	}

	sub := &submission{
		kind:   KindAllToAllBase,
		label:  fmt.Sprintf("alltoall_base::sz:%d", (input.NumElements()+output.NumElements())/(2*g.size)),
		owned:  []*buffer.Buffer{input, output},
		result: []*buffer.Buffer{output},
	}

	if len(outputSplits) == 0 && len(inputSplits) == 0 {
		if output.NumElements() != input.NumElements() || output.DType() != input.DType() {
			return nil, g.reject(KindAllToAllBase, invalidf("buffers are not equal in size or data type"))
		}
		if output.LeadingDim()%g.size != 0 {
			return nil, g.reject(KindAllToAllBase,
				invalidf("leading dimension %d does not divide equally across group size %d", output.LeadingDim(), g.size))
		}
		count := output.NumElements() / g.size
		sub.call = func(c engine.Communicator) (engine.Request, error) {
			return c.AllToAll(input.Bytes(), output.Bytes(), count, dt)
		}
		return g.issue(sub)
	}

	if input.DType() != output.DType() {
		return nil, g.reject(KindAllToAllBase,
			invalidf("buffers are not equal in data type: %s vs %s", input.DType(), output.DType()))
	}
	if err := checkSplitSizes(inputSplits, input, g.size); err != nil {
		return nil, g.reject(KindAllToAllBase, err)
	}
	if err := checkSplitSizes(outputSplits, output, g.size); err != nil {
		return nil, g.reject(KindAllToAllBase, err)
	}
	sendCounts := splitCounts(inputSplits, input, g.size)
	recvCounts := splitCounts(outputSplits, output, g.size)
	sub.call = func(c engine.Communicator) (engine.Request, error) {
		return c.AllToAllv(input.Bytes(), sendCounts, output.Bytes(), recvCounts, dt)
	}
	return g.issue(sub)
}

// splitCounts converts split sizes along the leading dimension into element
// counts. An empty split list divides the elements equally; the explicit
// flag matters because a buffer may hold no elements at all.
func splitCounts(splits []int, b *buffer.Buffer, size int) []int {
	equal := len(splits) == 0
	unit := b.NumElements()
	if unit != 0 {
		if equal {
			unit /= size
		} else {
			unit /= b.LeadingDim()
		}
	}
	counts := make([]int, size)
	for i := range counts {
		if equal {
			counts[i] = unit
		} else {
			counts[i] = splits[i] * unit
		}
	}
	return counts
}

// AllToAll sends inputs[r] to rank r and receives rank r's contribution into
// outputs[r]. Non-flat inputs are packed before submission; non-flat outputs
// make the call wait for completion and copy the result out before returning.
func (g *Group) AllToAll(outputs, inputs []*buffer.Buffer, _ AllToAllOptions) (*Work, error) {
	if len(inputs) != g.size {
		return nil, g.reject(KindAllToAll,
			invalidf("number of input buffers %d is not equal to group size %d", len(inputs), g.size))
	}
	if len(outputs) != g.size {
		return nil, g.reject(KindAllToAll,
			invalidf("number of output buffers %d is not equal to group size %d", len(outputs), g.size))
	}
	if outputs[0] == nil || inputs[0] == nil {
		return nil, g.reject(KindAllToAll, invalidf("buffer is nil"))
	}
	if err := checkSameType(outputs[0], inputs); err != nil {
		return nil, g.reject(KindAllToAll, err)
	}
	if err := checkSameType(inputs[0], outputs); err != nil {
		return nil, g.reject(KindAllToAll, err)
	}
	dt, err := mapDatatype(outputs[0].DType())
	if err != nil {
		return nil, g.reject(KindAllToAll, err)
	}

	inLayout := analyzeLayout(inputs)
	outLayout := analyzeLayout(outputs)
	flatIn, releaseIn := inLayout.stage(g.pool)
	flatOut, releaseOut := outLayout.stage(g.pool)
	if !inLayout.IsFlat {
		packInto(flatIn, inputs, inLayout.Lengths)
		g.staged(KindAllToAll, directionPack, bytesKV("bytes", len(flatIn.Bytes())))
	}

	sub := &submission{
		kind:     KindAllToAll,
		label:    fmt.Sprintf("alltoall::sz:%d", (inLayout.TotalLength+outLayout.TotalLength)/int64(2*g.size)),
		owned:    []*buffer.Buffer{flatOut, flatIn},
		releases: []func(){releaseIn, releaseOut},
		result:   outputs,
		packed:   !inLayout.IsFlat,
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.AllToAllv(flatIn.Bytes(), inLayout.Lengths, flatOut.Bytes(), outLayout.Lengths, dt)
		},
	}
	if !outLayout.IsFlat {
		sub.copyOut = func() { unpackFrom(flatOut, outputs, outLayout.Lengths) }
	}
	return g.issue(sub)
}

// Barrier blocks until every rank has entered it and returns a completed Work.
func (g *Group) Barrier(_ BarrierOptions) (*Work, error) {
	return g.issue(&submission{
		kind:     KindBarrier,
		label:    "barrier",
		blocking: true,
		call: func(c engine.Communicator) (engine.Request, error) {
			return c.Barrier()
		},
	})
}
