// Package local implements the engine contract inside one Go process.
//
// A World stands in for a job of N ranks. Each rank obtains its communicators
// from World.Environment(rank); the k-th communicator created by every rank
// belongs to the same group. Collectives are matched across ranks by their
// per-communicator sequence number, exactly as a real engine relies on every
// rank issuing collectives in the same order. Once every rank has submitted,
// the operation executes on its own goroutine and completes all requests.
package local

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/collective-go/engine"
)

// Options configures a World.
type Options struct {
	// SubmitHook is consulted before each submission; a non-nil error fails
	// the submission synchronously.
	SubmitHook func(rank int, op string) error
}

// World is an in-process job of a fixed number of ranks.
type World struct {
	size int
	opts Options

	mu      sync.Mutex
	created []int
	slots   map[slotKey]*pending

	executed atomic.Uint64
}

type slotKey struct {
	comm int
	seq  uint64
}

type pending struct {
	parts   []*contribution
	arrived int
}

// NewWorld creates a World of size ranks.
func NewWorld(size int, opts Options) (*World, error) {
	if size <= 0 {
		return nil, fmt.Errorf("local engine: world size must be positive, got %d", size)
	}
	return &World{
		size:    size,
		opts:    opts,
		created: make([]int, size),
		slots:   make(map[slotKey]*pending),
	}, nil
}

// Size returns the number of ranks.
func (w *World) Size() int {
	return w.size
}

// Executed returns the number of collectives that have run to completion or
// failure.
func (w *World) Executed() uint64 {
	return w.executed.Load()
}

// Environment returns the communicator factory for one rank.
func (w *World) Environment(rank int) engine.Environment {
	return &environment{world: w, rank: rank}
}

type environment struct {
	world *World
	rank  int
}

func (e *environment) CreateCommunicator() (engine.Communicator, error) {
	w := e.world
	if e.rank < 0 || e.rank >= w.size {
		return nil, engine.OperationError{Op: "create_communicator", Rank: e.rank, Errno: engine.ErrInvalidArgument,
			Detail: fmt.Sprintf("rank outside world of %d", w.size)}
	}
	w.mu.Lock()
	id := w.created[e.rank]
	w.created[e.rank]++
	w.mu.Unlock()
	return &communicator{world: w, rank: e.rank, id: id}, nil
}

type communicator struct {
	world  *World
	rank   int
	id     int
	seq    uint64
	closed atomic.Bool
}

func (c *communicator) Rank() int { return c.rank }
func (c *communicator) Size() int { return c.world.size }

func (c *communicator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return engine.ErrClosed.WithOp("close")
	}
	return nil
}

func (c *communicator) Broadcast(buf []byte, count int, dt engine.Datatype, root int) (engine.Request, error) {
	return c.submit(&contribution{kind: opBroadcast, recv: [][]byte{buf}, count: count, dtype: dt, root: root})
}

func (c *communicator) AllReduce(send, recv []byte, count int, dt engine.Datatype, op engine.Reduction) (engine.Request, error) {
	return c.submit(&contribution{kind: opAllReduce, send: send, recv: [][]byte{recv}, count: count, dtype: dt, op: op})
}

func (c *communicator) Reduce(send, recv []byte, count int, dt engine.Datatype, op engine.Reduction, root int) (engine.Request, error) {
	return c.submit(&contribution{kind: opReduce, send: send, recv: [][]byte{recv}, count: count, dtype: dt, op: op, root: root})
}

func (c *communicator) AllGatherv(send []byte, sendCount int, recv [][]byte, recvCounts []int, dt engine.Datatype, attr *engine.CollAttr) (engine.Request, error) {
	vector := attr != nil && attr.VectorBuf
	return c.submit(&contribution{kind: opAllGatherv, send: send, count: sendCount, recv: recv,
		recvCounts: recvCounts, dtype: dt, vector: vector})
}

func (c *communicator) AllToAll(send, recv []byte, count int, dt engine.Datatype) (engine.Request, error) {
	return c.submit(&contribution{kind: opAllToAll, send: send, recv: [][]byte{recv}, count: count, dtype: dt})
}

func (c *communicator) AllToAllv(send []byte, sendCounts []int, recv []byte, recvCounts []int, dt engine.Datatype) (engine.Request, error) {
	return c.submit(&contribution{kind: opAllToAllv, send: send, sendCounts: sendCounts, recv: [][]byte{recv},
		recvCounts: recvCounts, dtype: dt})
}

func (c *communicator) Barrier() (engine.Request, error) {
	return c.submit(&contribution{kind: opBarrier})
}

func (c *communicator) submit(part *contribution) (engine.Request, error) {
	op := part.kind.String()
	if c.closed.Load() {
		return nil, engine.OperationError{Op: op, Rank: c.rank, Errno: engine.ErrClosed}
	}
	if hook := c.world.opts.SubmitHook; hook != nil {
		if err := hook(c.rank, op); err != nil {
			var opErr engine.OperationError
			if errors.As(err, &opErr) {
				return nil, err
			}
			return nil, engine.OperationError{Op: op, Rank: c.rank, Errno: engine.ErrInternal, Detail: err.Error()}
		}
	}
	part.rank = c.rank
	if errno, err := part.validate(c.world.size); err != nil {
		return nil, engine.OperationError{Op: op, Rank: c.rank, Errno: errno, Detail: err.Error()}
	}
	part.req = newRequest()

	w := c.world
	w.mu.Lock()
	key := slotKey{comm: c.id, seq: c.seq}
	c.seq++
	slot, ok := w.slots[key]
	if !ok {
		slot = &pending{parts: make([]*contribution, w.size)}
		w.slots[key] = slot
	}
	slot.parts[c.rank] = part
	slot.arrived++
	ready := slot.arrived == w.size
	if ready {
		delete(w.slots, key)
	}
	w.mu.Unlock()

	if ready {
		go w.execute(slot.parts)
	}
	return part.req, nil
}

type request struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

func (r *request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *request) Wait() error {
	<-r.done
	return r.err
}
