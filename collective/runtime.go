package collective

import (
	"sync"

	"github.com/rocketbitz/collective-go/engine"
	"github.com/rocketbitz/collective-go/internal/exithook"
)

// Runtime owns the process-wide communicator and the lock that serialises
// every call into the engine. One Runtime per process is the norm; tests
// that simulate several ranks in one process create one per rank.
type Runtime struct {
	env    engine.Environment
	logger StructuredLogger

	once    sync.Once
	initErr error

	mu         sync.Mutex
	comm       engine.Communicator
	shutdown   bool
	unregister func()
}

// RuntimeOption customises NewRuntime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger logs runtime lifecycle events.
func WithRuntimeLogger(logger StructuredLogger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = logger }
}

// NewRuntime binds a runtime to an engine environment. Nothing is created
// until EnsureInitialized.
func NewRuntime(env engine.Environment, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{env: env}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// RunExitHooks shuts down every initialized Runtime that has not been shut
// down yet. Programs that leave main without calling Shutdown can defer it.
func RunExitHooks() {
	exithook.Run()
}

// Exit runs the exit hooks and terminates the process with code. Use it
// instead of os.Exit or log.Fatal so the engine is torn down.
func Exit(code int) {
	exithook.Exit(code)
}

// EnsureInitialized creates the process-wide communicator exactly once and
// registers Shutdown to run at process exit. It is safe for concurrent use;
// every caller observes the outcome of the first attempt.
func (rt *Runtime) EnsureInitialized() error {
	rt.once.Do(func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		comm, err := rt.env.CreateCommunicator()
		if err != nil {
			rt.initErr = wrapEngine("init", "create_communicator", err)
			return
		}
		rt.comm = comm
		rt.unregister = exithook.Register(func() { _ = rt.Shutdown() })
		rt.log("init", "rank", comm.Rank(), "size", comm.Size())
	})
	return rt.initErr
}

// Shutdown destroys the process-wide communicator. It is idempotent.
func (rt *Runtime) Shutdown() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.shutdown {
		return nil
	}
	rt.shutdown = true
	if rt.unregister != nil {
		rt.unregister()
	}
	if rt.comm == nil {
		return nil
	}
	err := rt.comm.Close()
	rt.comm = nil
	rt.log("shutdown")
	return wrapEngine("shutdown", "close_communicator", err)
}

// Rank returns the engine-reported rank, or -1 before initialization.
func (rt *Runtime) Rank() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.comm == nil {
		return -1
	}
	return rt.comm.Rank()
}

// Size returns the engine-reported size, or -1 before initialization.
func (rt *Runtime) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.comm == nil {
		return -1
	}
	return rt.comm.Size()
}

// withEngine runs fn under the engine lock.
func (rt *Runtime) withEngine(fn func() error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return fn()
}

// tryEngine runs fn under the engine lock if the lock is free, reporting
// whether fn ran.
func (rt *Runtime) tryEngine(fn func() error) (bool, error) {
	if !rt.mu.TryLock() {
		return false, nil
	}
	defer rt.mu.Unlock()
	return true, fn()
}

func (rt *Runtime) createCommunicator() (engine.Communicator, error) {
	var comm engine.Communicator
	err := rt.withEngine(func() error {
		if rt.shutdown {
			return ErrClosed
		}
		var err error
		comm, err = rt.env.CreateCommunicator()
		return err
	})
	return comm, err
}

func (rt *Runtime) log(event string, keyvals ...any) {
	if rt.logger == nil {
		return
	}
	rt.logger.Debugw("collective runtime", append([]any{"event", event}, keyvals...)...)
}
