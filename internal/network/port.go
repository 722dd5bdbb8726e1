// Package network hands out the external host port each server listens on.
package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// DefaultBasePort is the first port handed out, the game's default port.
const DefaultBasePort = 25565

// ErrNoFreePort is returned when every port in the range is taken.
var ErrNoFreePort = errors.New("no free port")

// PortAllocator picks the lowest free port at or above a base port. Ports
// held by existing servers are passed in by the caller; ports handed out
// but not yet persisted are reserved here until Release.
type PortAllocator struct {
	base   int
	limit  int
	isFree func(port int) bool

	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator returns an allocator for [base, 65535]. When checkHost
// is set, a candidate must also be bindable on this machine.
func NewPortAllocator(base int, checkHost bool) *PortAllocator {
	if base <= 0 {
		base = DefaultBasePort
	}
	a := &PortAllocator{
		base:     base,
		limit:    65535,
		reserved: make(map[int]struct{}),
	}
	if checkHost {
		a.isFree = portFree
	}
	return a
}

// Allocate reserves and returns the first port at or above the base that is
// not in used and not already reserved.
func (a *PortAllocator) Allocate(used []int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}

	for port := a.base; port <= a.limit; port++ {
		if _, ok := taken[port]; ok {
			continue
		}
		if _, ok := a.reserved[port]; ok {
			continue
		}
		if a.isFree != nil && !a.isFree(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("allocate port from %d: %w", a.base, ErrNoFreePort)
}

// Release drops reservations, once the ports are persisted or abandoned.
func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.reserved, p)
	}
}

// portFree reports whether the OS lets us bind the port.
func portFree(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
