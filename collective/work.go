package collective

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine"
)

// Kind identifies the collective tracked by a Work.
type Kind int

const (
	KindBroadcast Kind = iota
	KindAllReduce
	KindReduce
	KindAllGather
	KindGather
	KindScatter
	KindAllToAllBase
	KindAllToAll
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindAllReduce:
		return "allreduce"
	case KindReduce:
		return "reduce"
	case KindAllGather:
		return "allgather"
	case KindGather:
		return "gather"
	case KindScatter:
		return "scatter"
	case KindAllToAllBase:
		return "alltoall_base"
	case KindAllToAll:
		return "alltoall"
	case KindBarrier:
		return "barrier"
	default:
		return "collective"
	}
}

const (
	stateIssued int32 = iota
	stateCompleted
)

// abortExitCode mirrors the status of a process terminated by SIGABRT.
const abortExitCode = 134

// Work tracks one submitted collective until its completion is observed.
//
// While a Work is Issued the engine may still read or write the buffers it
// owns, so they stay referenced until Test or Wait observes completion. A
// Work must not be closed or dropped while Issued; doing so terminates the
// process.
type Work struct {
	rt    *Runtime
	group *Group
	kind  Kind
	label string
	id    uuid.UUID

	state atomic.Int32

	mu       sync.Mutex
	request  engine.Request
	owned    []*buffer.Buffer
	releases []func()
	result   []*buffer.Buffer
	err      error
	span     Span
}

func newWork(g *Group, sub *submission, req engine.Request, span Span) *Work {
	w := &Work{
		rt:       g.rt,
		group:    g,
		kind:     sub.kind,
		label:    sub.label,
		id:       uuid.New(),
		request:  req,
		owned:    sub.owned,
		releases: sub.releases,
		result:   sub.result,
		span:     span,
	}
	runtime.SetFinalizer(w, finalizeWork)
	return w
}

// completedWork returns a Work that is already Completed.
func completedWork(g *Group, sub *submission, span Span, err error) *Work {
	w := &Work{
		rt:       g.rt,
		group:    g,
		kind:     sub.kind,
		label:    sub.label,
		id:       uuid.New(),
		releases: sub.releases,
		result:   sub.result,
		span:     span,
	}
	w.finish(err)
	return w
}

// Test polls for completion without blocking. It reports true once the Work
// is Completed, together with the engine error if the collective failed. An
// engine error completes the Work. If the engine lock is busy Test reports
// false rather than waiting for it.
func (w *Work) Test() (bool, error) {
	if w.state.Load() == stateCompleted {
		return true, w.err
	}
	if !w.mu.TryLock() {
		return false, nil
	}
	defer w.mu.Unlock()
	if w.request == nil {
		return true, w.err
	}

	var done bool
	var reqErr error
	ran, _ := w.rt.tryEngine(func() error {
		done, reqErr = w.request.Test()
		return nil
	})
	if !ran {
		return false, nil
	}
	// An engine error is terminal even if the request was not marked done.
	if !done && reqErr == nil {
		return false, nil
	}
	w.finish(wrapEngine(w.kind.String(), "test", reqErr))
	return true, w.err
}

// Wait blocks until the collective completes locally. Once completed, further
// calls return immediately without touching the engine.
func (w *Work) Wait() error {
	if w.state.Load() == stateCompleted {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.request == nil {
		return w.err
	}
	err := w.rt.withEngine(w.request.Wait)
	w.finish(wrapEngine(w.kind.String(), "wait", err))
	return w.err
}

// IsCompleted polls once and reports whether the Work is Completed.
func (w *Work) IsCompleted() bool {
	done, _ := w.Test()
	return done
}

// IsSuccess reports whether the collective completed without error. Calling it
// while the Work is Issued panics with a *MisuseError.
func (w *Work) IsSuccess() bool {
	if w.state.Load() != stateCompleted {
		panic(&MisuseError{Label: w.label, Reason: "IsSuccess called before the work has completed"})
	}
	return w.err == nil
}

// Close ends the caller's use of the Work. Closing an Issued Work terminates
// the process, since the engine may still access the buffers it owns.
func (w *Work) Close() {
	if w.state.Load() != stateCompleted {
		abort(w.label)
	}
	runtime.SetFinalizer(w, nil)
}

// Label returns the debug label, for example "allreduce::sz:4".
func (w *Work) Label() string { return w.label }

// Kind returns the collective kind.
func (w *Work) Kind() Kind { return w.kind }

// ID returns the unique identity of this Work.
func (w *Work) ID() uuid.UUID { return w.id }

// Result returns the buffers holding the operation's output, or nil while
// the Work is Issued.
func (w *Work) Result() []*buffer.Buffer {
	if w.state.Load() != stateCompleted {
		return nil
	}
	return w.result
}

func (w *Work) String() string {
	state := "issued"
	if w.state.Load() == stateCompleted {
		state = "completed"
	}
	return fmt.Sprintf("work(%s %s)", w.label, state)
}

// finish moves the Work to Completed. Callers hold w.mu or own w exclusively.
func (w *Work) finish(err error) {
	w.request = nil
	w.err = err
	for _, release := range w.releases {
		release()
	}
	w.releases = nil
	w.owned = nil
	w.state.Store(stateCompleted)
	if w.span != nil {
		w.span.End(err)
	}
	if w.group != nil {
		w.group.completed(w.kind, w.label, err)
	}
	runtime.SetFinalizer(w, nil)
}

func finalizeWork(w *Work) {
	if w.state.Load() != stateCompleted {
		abort(w.label)
	}
}

func abort(label string) {
	fmt.Fprintf(os.Stderr, "collective: attempted destruction of work %q before it has completed, terminating the program.\n", label)
	os.Exit(abortExitCode)
}
