// Package portutil hands out host ports for workload worker endpoints.
package portutil

import (
	"fmt"
	"net"
	"sync"
)

// Allocator assigns ports from a range starting at Start, skipping ports that are
// already held or that cannot be bound on the host.
type Allocator struct {
	mu     sync.Mutex
	start  int
	size   int
	held   map[int]bool
	canUse func(port int) bool
}

// NewAllocator returns an allocator over [start, start+size).
func NewAllocator(start, size int) *Allocator {
	return &Allocator{start: start, size: size, held: make(map[int]bool), canUse: canBind}
}

// Acquire reserves the lowest free port.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.start; p < a.start+a.size; p++ {
		if a.held[p] {
			continue
		}
		if a.canUse != nil && !a.canUse(p) {
			continue
		}
		a.held[p] = true
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.start, a.start+a.size-1)
}

// Reserve marks port as held, used when restoring workloads after a restart.
func (a *Allocator) Reserve(port int) {
	a.mu.Lock()
	a.held[port] = true
	a.mu.Unlock()
}

// Release returns port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.held, port)
	a.mu.Unlock()
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// NewUncheckedAllocator is NewAllocator without the host bind check.
func NewUncheckedAllocator(start, size int) *Allocator {
	return &Allocator{start: start, size: size, held: make(map[int]bool)}
}
