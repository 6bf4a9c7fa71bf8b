// Package engine defines the boundary of the communication engine that the
// collective layer submits to.
//
// The engine is a black box: it creates communicators, reports rank and size,
// and accepts collective submissions that return a Request. Requests can be
// polled with Test or awaited with Wait; there is no cancellation. The engine
// makes no reentrancy promises, so callers serialise every call into a
// communicator or request.
package engine

import "fmt"

// Datatype is the engine's element kind.
type Datatype int

const (
	DtInt8 Datatype = iota + 1
	DtUint8
	DtInt32
	DtInt64
	DtFloat16
	DtBFloat16
	DtFloat
	DtDouble
)

var datatypeSizes = map[Datatype]int{
	DtInt8:     1,
	DtUint8:    1,
	DtInt32:    4,
	DtInt64:    8,
	DtFloat16:  2,
	DtBFloat16: 2,
	DtFloat:    4,
	DtDouble:   8,
}

var datatypeNames = map[Datatype]string{
	DtInt8:     "int8",
	DtUint8:    "uint8",
	DtInt32:    "int32",
	DtInt64:    "int64",
	DtFloat16:  "float16",
	DtBFloat16: "bfloat16",
	DtFloat:    "float",
	DtDouble:   "double",
}

// Size returns the element size in bytes, or 0 for an unknown datatype.
func (d Datatype) Size() int {
	return datatypeSizes[d]
}

func (d Datatype) String() string {
	if name, ok := datatypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("datatype(%d)", int(d))
}

// Reduction is the engine's reduction operator.
type Reduction int

const (
	ReductionSum Reduction = iota + 1
	ReductionProd
	ReductionMin
	ReductionMax
)

func (r Reduction) String() string {
	switch r {
	case ReductionSum:
		return "sum"
	case ReductionProd:
		return "prod"
	case ReductionMin:
		return "min"
	case ReductionMax:
		return "max"
	default:
		return fmt.Sprintf("reduction(%d)", int(r))
	}
}

// CollAttr carries per-call attributes.
type CollAttr struct {
	// VectorBuf selects vectorised receive buffers for AllGatherv: recv holds
	// one buffer per rank instead of a single flat region.
	VectorBuf bool
}

// Request tracks an in-flight collective.
type Request interface {
	// Test polls the request without blocking. It reports true once the request
	// has completed, together with its terminal error.
	Test() (bool, error)
	// Wait blocks until the request completes locally.
	Wait() error
}

// Communicator submits collectives among a fixed set of ranks. Counts are in
// elements of the given Datatype; buffers are raw host memory.
type Communicator interface {
	Rank() int
	Size() int

	Broadcast(buf []byte, count int, dt Datatype, root int) (Request, error)
	AllReduce(send, recv []byte, count int, dt Datatype, op Reduction) (Request, error)
	Reduce(send, recv []byte, count int, dt Datatype, op Reduction, root int) (Request, error)
	// AllGatherv gathers sendCount elements from every rank. recv holds one
	// flat region, or one region per rank when attr.VectorBuf is set.
	AllGatherv(send []byte, sendCount int, recv [][]byte, recvCounts []int, dt Datatype, attr *CollAttr) (Request, error)
	AllToAll(send, recv []byte, count int, dt Datatype) (Request, error)
	AllToAllv(send []byte, sendCounts []int, recv []byte, recvCounts []int, dt Datatype) (Request, error)
	Barrier() (Request, error)

	// Close destroys the communicator.
	Close() error
}

// Environment is the engine's communicator factory.
type Environment interface {
	CreateCommunicator() (Communicator, error)
}
