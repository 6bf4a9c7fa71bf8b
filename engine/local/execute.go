package local

import (
	"fmt"

	"github.com/rocketbitz/collective-go/engine"
)

type opKind int

const (
	opBroadcast opKind = iota
	opAllReduce
	opReduce
	opAllGatherv
	opAllToAll
	opAllToAllv
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opBroadcast:
		return "broadcast"
	case opAllReduce:
		return "allreduce"
	case opReduce:
		return "reduce"
	case opAllGatherv:
		return "allgatherv"
	case opAllToAll:
		return "alltoall"
	case opAllToAllv:
		return "alltoallv"
	case opBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// contribution is one rank's half of a collective.
type contribution struct {
	kind       opKind
	rank       int
	send       []byte
	recv       [][]byte
	count      int
	sendCounts []int
	recvCounts []int
	dtype      engine.Datatype
	op         engine.Reduction
	root       int
	vector     bool

	req *request
}

// validate checks the arguments that a single rank can check on its own.
func (c *contribution) validate(size int) (engine.Errno, error) {
	if c.kind == opBarrier {
		return engine.Success, nil
	}
	esz := c.dtype.Size()
	if esz == 0 {
		return engine.ErrUnsupportedType, fmt.Errorf("datatype %s", c.dtype)
	}
	switch c.kind {
	case opBroadcast, opReduce:
		if c.root < 0 || c.root >= size {
			return engine.ErrInvalidArgument, fmt.Errorf("root %d outside communicator of %d", c.root, size)
		}
	}
	switch c.kind {
	case opAllReduce, opReduce:
		if c.op < engine.ReductionSum || c.op > engine.ReductionMax {
			return engine.ErrInvalidArgument, fmt.Errorf("reduction %s", c.op)
		}
	}
	if c.count < 0 {
		return engine.ErrInvalidArgument, fmt.Errorf("negative count %d", c.count)
	}

	switch c.kind {
	case opBroadcast:
		return checkLen("buffer", c.recv[0], c.count*esz)
	case opAllReduce:
		if errno, err := checkLen("send", c.send, c.count*esz); err != nil {
			return errno, err
		}
		return checkLen("recv", c.recv[0], c.count*esz)
	case opReduce:
		if errno, err := checkLen("send", c.send, c.count*esz); err != nil {
			return errno, err
		}
		if c.rank == c.root {
			return checkLen("recv", c.recv[0], c.count*esz)
		}
	case opAllGatherv:
		if len(c.recvCounts) != size {
			return engine.ErrInvalidArgument, fmt.Errorf("%d receive counts for %d ranks", len(c.recvCounts), size)
		}
		if errno, err := checkLen("send", c.send, c.count*esz); err != nil {
			return errno, err
		}
		if c.vector {
			if len(c.recv) != size {
				return engine.ErrInvalidArgument, fmt.Errorf("%d receive buffers for %d ranks", len(c.recv), size)
			}
			for i, n := range c.recvCounts {
				if n < 0 {
					return engine.ErrInvalidArgument, fmt.Errorf("negative receive count %d for rank %d", n, i)
				}
				if errno, err := checkLen(fmt.Sprintf("recv[%d]", i), c.recv[i], n*esz); err != nil {
					return errno, err
				}
			}
			return engine.Success, nil
		}
		total, err := sumCounts(c.recvCounts)
		if err != nil {
			return engine.ErrInvalidArgument, err
		}
		if len(c.recv) != 1 {
			return engine.ErrInvalidArgument, fmt.Errorf("flat receive expects one buffer, got %d", len(c.recv))
		}
		return checkLen("recv", c.recv[0], total*esz)
	case opAllToAll:
		if errno, err := checkLen("send", c.send, c.count*size*esz); err != nil {
			return errno, err
		}
		return checkLen("recv", c.recv[0], c.count*size*esz)
	case opAllToAllv:
		if len(c.sendCounts) != size || len(c.recvCounts) != size {
			return engine.ErrInvalidArgument, fmt.Errorf("count vectors of length %d/%d for %d ranks",
				len(c.sendCounts), len(c.recvCounts), size)
		}
		sendTotal, err := sumCounts(c.sendCounts)
		if err != nil {
			return engine.ErrInvalidArgument, err
		}
		recvTotal, err := sumCounts(c.recvCounts)
		if err != nil {
			return engine.ErrInvalidArgument, err
		}
		if errno, err := checkLen("send", c.send, sendTotal*esz); err != nil {
			return errno, err
		}
		return checkLen("recv", c.recv[0], recvTotal*esz)
	}
	return engine.Success, nil
}

func checkLen(name string, b []byte, want int) (engine.Errno, error) {
	if len(b) < want {
		return engine.ErrTruncated, fmt.Errorf("%s holds %d bytes, need %d", name, len(b), want)
	}
	return engine.Success, nil
}

func sumCounts(counts []int) (int, error) {
	total := 0
	for i, n := range counts {
		if n < 0 {
			return 0, fmt.Errorf("negative count %d at index %d", n, i)
		}
		total += n
	}
	return total, nil
}

// execute runs one matched collective and completes every rank's request.
func (w *World) execute(parts []*contribution) {
	defer w.executed.Add(1)
	if detail := mismatch(parts); detail != "" {
		for _, p := range parts {
			p.req.complete(engine.OperationError{Op: p.kind.String(), Rank: p.rank, Errno: engine.ErrMismatch, Detail: detail})
		}
		return
	}

	var err error
	switch parts[0].kind {
	case opBroadcast:
		runBroadcast(parts)
	case opAllReduce, opReduce:
		err = runReduce(parts)
	case opAllGatherv:
		runAllGatherv(parts)
	case opAllToAll:
		runAllToAll(parts)
	case opAllToAllv:
		runAllToAllv(parts)
	case opBarrier:
	}
	for _, p := range parts {
		if err != nil {
			p.req.complete(engine.OperationError{Op: p.kind.String(), Rank: p.rank, Errno: engine.ErrInternal, Detail: err.Error()})
			continue
		}
		p.req.complete(nil)
	}
}

// mismatch reports why the contributions cannot form one collective, or "" if
// they agree.
func mismatch(parts []*contribution) string {
	first := parts[0]
	for _, p := range parts[1:] {
		if p.kind != first.kind {
			return fmt.Sprintf("rank %d issued %s, rank %d issued %s", first.rank, first.kind, p.rank, p.kind)
		}
		if first.kind == opBarrier {
			continue
		}
		if p.dtype != first.dtype {
			return fmt.Sprintf("rank %d uses %s, rank %d uses %s", first.rank, first.dtype, p.rank, p.dtype)
		}
		switch first.kind {
		case opBroadcast, opReduce:
			if p.root != first.root {
				return fmt.Sprintf("rank %d uses root %d, rank %d uses root %d", first.rank, first.root, p.rank, p.root)
			}
		}
		switch first.kind {
		case opAllReduce, opReduce:
			if p.op != first.op {
				return fmt.Sprintf("rank %d reduces with %s, rank %d with %s", first.rank, first.op, p.rank, p.op)
			}
		}
		switch first.kind {
		case opBroadcast, opAllReduce, opReduce, opAllToAll:
			if p.count != first.count {
				return fmt.Sprintf("rank %d count %d, rank %d count %d", first.rank, first.count, p.rank, p.count)
			}
		}
	}
	switch first.kind {
	case opAllGatherv:
		for _, dst := range parts {
			for src, n := range dst.recvCounts {
				if n != parts[src].count {
					return fmt.Sprintf("rank %d expects %d elements from rank %d, which sends %d",
						dst.rank, n, src, parts[src].count)
				}
			}
		}
	case opAllToAllv:
		for _, dst := range parts {
			for src, n := range dst.recvCounts {
				if sent := parts[src].sendCounts[dst.rank]; n != sent {
					return fmt.Sprintf("rank %d expects %d elements from rank %d, which sends %d",
						dst.rank, n, src, sent)
				}
			}
		}
	}
	return ""
}

func runBroadcast(parts []*contribution) {
	root := parts[0].root
	n := parts[0].count * parts[0].dtype.Size()
	src := snapshot(parts[root].recv[0][:n])
	for _, p := range parts {
		copy(p.recv[0][:n], src)
	}
}

func runReduce(parts []*contribution) error {
	first := parts[0]
	n := first.count * first.dtype.Size()
	srcs := make([][]byte, len(parts))
	for i, p := range parts {
		srcs[i] = snapshot(p.send[:n])
	}
	result := alignedBytes(n)
	if err := reduceInto(result, srcs, first.count, first.dtype, first.op); err != nil {
		return err
	}
	for _, p := range parts {
		if p.kind == opReduce && p.rank != p.root {
			continue
		}
		copy(p.recv[0][:n], result)
	}
	return nil
}

func runAllGatherv(parts []*contribution) {
	esz := parts[0].dtype.Size()
	srcs := make([][]byte, len(parts))
	for i, p := range parts {
		srcs[i] = snapshot(p.send[:p.count*esz])
	}
	for _, p := range parts {
		if p.vector {
			for src, data := range srcs {
				copy(p.recv[src], data)
			}
			continue
		}
		off := 0
		for _, data := range srcs {
			off += copy(p.recv[0][off:], data)
		}
	}
}

func runAllToAll(parts []*contribution) {
	size := len(parts)
	block := parts[0].count * parts[0].dtype.Size()
	srcs := make([][]byte, size)
	for i, p := range parts {
		srcs[i] = snapshot(p.send[:block*size])
	}
	for _, dst := range parts {
		for src, data := range srcs {
			copy(dst.recv[0][src*block:(src+1)*block], data[dst.rank*block:(dst.rank+1)*block])
		}
	}
}

func runAllToAllv(parts []*contribution) {
	esz := parts[0].dtype.Size()
	size := len(parts)
	srcs := make([][]byte, size)
	sendOffsets := make([][]int, size)
	for i, p := range parts {
		sendOffsets[i] = prefixOffsets(p.sendCounts, esz)
		srcs[i] = snapshot(p.send[:sendOffsets[i][size]])
	}
	for _, dst := range parts {
		recvOffsets := prefixOffsets(dst.recvCounts, esz)
		for src := range parts {
			from := sendOffsets[src][dst.rank]
			to := sendOffsets[src][dst.rank+1]
			copy(dst.recv[0][recvOffsets[src]:recvOffsets[src+1]], srcs[src][from:to])
		}
	}
}

// prefixOffsets returns byte offsets with len(counts)+1 entries.
func prefixOffsets(counts []int, esz int) []int {
	offsets := make([]int, len(counts)+1)
	for i, n := range counts {
		offsets[i+1] = offsets[i] + n*esz
	}
	return offsets
}

// snapshot copies b so that aliased send and receive regions do not observe
// partial writes.
func snapshot(b []byte) []byte {
	out := alignedBytes(len(b))
	copy(out, b)
	return out
}
