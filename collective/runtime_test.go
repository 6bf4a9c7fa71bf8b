package collective

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/rocketbitz/collective-go/engine"
	"github.com/rocketbitz/collective-go/engine/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRuntimeReportsMinusOneBeforeInit(t *testing.T) {
	world, err := local.NewWorld(2, local.Options{})
	require.NoError(t, err)
	rt := NewRuntime(world.Environment(1))
	require.Equal(t, -1, rt.Rank())
	require.Equal(t, -1, rt.Size())

	require.NoError(t, rt.EnsureInitialized())
	require.Equal(t, 1, rt.Rank())
	require.Equal(t, 2, rt.Size())

	require.NoError(t, rt.Shutdown())
	require.Equal(t, -1, rt.Rank())
	require.Equal(t, -1, rt.Size())
}

func TestRuntimeConcurrentInitCreatesOneCommunicator(t *testing.T) {
	world, err := local.NewWorld(1, local.Options{})
	require.NoError(t, err)
	env := &countingEnvironment{Environment: world.Environment(0)}
	rt := NewRuntime(env)
	defer rt.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rt.EnsureInitialized())
		}()
	}
	wg.Wait()
	require.Equal(t, 1, env.created)
}

func TestRuntimeInitFailureIsSticky(t *testing.T) {
	world, err := local.NewWorld(2, local.Options{})
	require.NoError(t, err)
	env := &countingEnvironment{Environment: world.Environment(5)}
	rt := NewRuntime(env)

	err = rt.EnsureInitialized()
	require.ErrorIs(t, err, ErrEngine)
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
	require.Equal(t, err, rt.EnsureInitialized())
	require.Equal(t, 1, env.created)
	require.Equal(t, -1, rt.Rank())
	require.NoError(t, rt.Shutdown())
}

func TestRuntimeShutdownIsIdempotent(t *testing.T) {
	world, err := local.NewWorld(1, local.Options{})
	require.NoError(t, err)
	logger, logs := newObservedLogger()
	rt := NewRuntime(world.Environment(0), WithRuntimeLogger(logger))
	require.NoError(t, rt.EnsureInitialized())

	require.NoError(t, rt.Shutdown())
	require.NoError(t, rt.Shutdown())
	require.Equal(t, 1, logs.FilterField(zap.String("event", "shutdown")).Len())
	require.Equal(t, 1, logs.FilterField(zap.String("event", "init")).Len())

	_, err = rt.createCommunicator()
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunExitHooksShutsDownLeakedRuntime(t *testing.T) {
	world, err := local.NewWorld(1, local.Options{})
	require.NoError(t, err)
	logger, logs := newObservedLogger()
	rt := NewRuntime(world.Environment(0), WithRuntimeLogger(logger))
	require.NoError(t, rt.EnsureInitialized())
	require.Equal(t, 0, rt.Rank())

	RunExitHooks()
	require.Equal(t, -1, rt.Rank())
	require.Equal(t, 1, logs.FilterField(zap.String("event", "shutdown")).Len())

	// Shutdown after the hooks ran is a no-op, and the hook does not run twice.
	require.NoError(t, rt.Shutdown())
	RunExitHooks()
	require.Equal(t, 1, logs.FilterField(zap.String("event", "shutdown")).Len())
}

// stderrLogger writes runtime events where a parent process can read them.
type stderrLogger struct{}

func (stderrLogger) Debugw(msg string, keyvals ...any) {
	fmt.Fprintln(os.Stderr, append([]any{msg}, keyvals...)...)
}

const exitChildEnv = "COLLECTIVE_RUNTIME_EXIT_CHILD"

func TestExitRunsHooksBeforeTerminating(t *testing.T) {
	if os.Getenv(exitChildEnv) == "1" {
		world, err := local.NewWorld(1, local.Options{})
		require.NoError(t, err)
		rt := NewRuntime(world.Environment(0), WithRuntimeLogger(stderrLogger{}))
		require.NoError(t, rt.EnsureInitialized())
		Exit(3)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitRunsHooksBeforeTerminating$")
	cmd.Env = append(os.Environ(), exitChildEnv+"=1")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "child should exit with an error, got %v", err)
	require.Equal(t, 3, exitErr.ExitCode())
	require.Contains(t, stderr.String(), "event shutdown")
}

type countingEnvironment struct {
	engine.Environment
	mu      sync.Mutex
	created int
}

func (e *countingEnvironment) CreateCommunicator() (engine.Communicator, error) {
	e.mu.Lock()
	e.created++
	e.mu.Unlock()
	return e.Environment.CreateCommunicator()
}
