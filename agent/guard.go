package agent

import (
	"sync"

	"golang.org/x/sys/unix"
)

// reentrancyGuard stops a shimmed call from recursing into capture logic
// when it itself triggers another shimmed call (send() logging through a
// socket that is itself intercepted, for instance). Go has no thread-local
// storage, so the guard is keyed on the calling thread's kernel id instead,
// which needs no setup and carries no per-thread constructor.
type reentrancyGuard struct {
	mu   sync.Mutex
	tids map[int]struct{}
}

func newReentrancyGuard() *reentrancyGuard {
	return &reentrancyGuard{tids: map[int]struct{}{}}
}

// Enter reports whether the calling thread may proceed into capture logic.
// false means this thread is already inside a shimmed call; the caller must
// fall straight through to the real libc/TLS function without observing
// anything.
func (g *reentrancyGuard) Enter() bool {
	tid := unix.Gettid()
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.tids[tid]; busy {
		return false
	}
	g.tids[tid] = struct{}{}
	return true
}

// Leave releases the calling thread's guard. Must be called exactly once
// per successful Enter, typically via defer.
func (g *reentrancyGuard) Leave() {
	tid := unix.Gettid()
	g.mu.Lock()
	delete(g.tids, tid)
	g.mu.Unlock()
}
