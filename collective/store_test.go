package collective

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetBlocksUntilSet(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	go func() {
		value, err := store.Get(ctx, "answer")
		if err == nil {
			got <- value
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "answer", []byte("42")))
	require.Equal(t, []byte("42"), <-got)
}

func TestMemoryStoreWaitHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "a", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.Wait(ctx, "a", "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, store.Set(context.Background(), "b", []byte("x")))
	require.NoError(t, store.Wait(context.Background(), "a", "b"))
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, store.Set(context.Background(), "k", value))
	value[0] = 'z'

	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}
