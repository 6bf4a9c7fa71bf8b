// Package exithook runs registered teardown functions before the process
// exits, either through Exit or on SIGINT/SIGTERM.
package exithook

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	mu      sync.Mutex
	hooks   = map[uint64]func(){}
	nextID  uint64
	trapped sync.Once
)

// Register adds fn to the hooks run at exit and returns a function that
// removes it again. Hooks run in reverse registration order.
func Register(fn func()) (unregister func()) {
	trapped.Do(trap)
	mu.Lock()
	id := nextID
	nextID++
	hooks[id] = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		delete(hooks, id)
		mu.Unlock()
	}
}

// Run executes and clears every registered hook.
func Run() {
	mu.Lock()
	pending := hooks
	last := nextID
	hooks = map[uint64]func(){}
	mu.Unlock()

	for id := last; id > 0; id-- {
		if fn, ok := pending[id-1]; ok {
			fn()
		}
	}
}

// Exit runs the hooks and terminates the process with code.
func Exit(code int) {
	Run()
	os.Exit(code)
}

func trap() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		Run()
		signal.Stop(c)
		if s, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		os.Exit(1)
	}()
}
