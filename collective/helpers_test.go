package collective

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/collective-go/buffer"
	"github.com/rocketbitz/collective-go/engine/local"
	"github.com/stretchr/testify/require"
)

type testCluster struct {
	world  *local.World
	groups []*Group
}

// newTestCluster starts size ranks in this process, each with its own
// Runtime, and joins them into one group through a shared MemoryStore.
func newTestCluster(t *testing.T, size int, worldOpts local.Options, configure func(rank int, cfg *Config)) *testCluster {
	t.Helper()
	world, err := local.NewWorld(size, worldOpts)
	require.NoError(t, err)

	store := NewMemoryStore()
	groups := make([]*Group, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rt := NewRuntime(world.Environment(r))
			cfg := Config{Name: t.Name(), Timeout: 5 * time.Second, ScratchPool: buffer.NewScratchPool(2)}
			if configure != nil {
				configure(r, &cfg)
			}
			groups[r], errs[r] = New(context.Background(), rt, store, r, size, cfg)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
			_ = g.rt.Shutdown()
		}
	})
	return &testCluster{world: world, groups: groups}
}

// onEveryRank runs fn concurrently on every rank and returns the per-rank errors.
func (c *testCluster) onEveryRank(fn func(rank int, g *Group) error) []error {
	errs := make([]error, len(c.groups))
	var wg sync.WaitGroup
	for r, g := range c.groups {
		wg.Add(1)
		go func(r int, g *Group) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[r] = fmt.Errorf("rank %d panicked: %v", r, p)
				}
			}()
			errs[r] = fn(r, g)
		}(r, g)
	}
	wg.Wait()
	return errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

// submitAndWait issues a collective and waits for it.
func submitAndWait(w *Work, err error) error {
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Wait()
}
