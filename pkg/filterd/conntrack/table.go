// Package conntrack tracks the upstream TCP sockets the forwarder has
// opened to the metadata endpoint. The packet classifier consults it to
// tell the proxy's own flows apart from tenant flows.
package conntrack

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Table is a set of raw socket descriptors. An entry is added before the
// socket's connect is initiated — hence before the kernel can emit its
// first SYN — and removed when the connection is dropped. Lookups ask the
// kernel for each descriptor's current local endpoint rather than caching
// it, because an unbound socket has no local port until connect assigns one.
type Table struct {
	mu  sync.Mutex
	fds []int
}

func NewTable() *Table {
	return &Table{}
}

// Insert adds a socket descriptor. Descriptors are unique while open, so
// duplicates cannot occur.
func (t *Table) Insert(fd int) {
	t.mu.Lock()
	t.fds = append(t.fds, fd)
	t.mu.Unlock()
}

// Remove takes a descriptor out of the table. The socket may already be
// closed; removing an untracked descriptor is an invariant violation and
// panics.
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.fds {
		if f == fd {
			last := len(t.fds) - 1
			t.fds[i] = t.fds[last]
			t.fds = t.fds[:last]
			return
		}
	}
	panic("conntrack: removing untracked socket")
}

// Owns reports whether one of the tracked sockets currently has the local
// endpoint ip:port. A getsockname failure on an individual descriptor is
// not fatal; the peer may have reset the connection while we were asking.
func (t *Table) Owns(ip net.IP, port uint16) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fd := range t.fds {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			continue
		}
		sin, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		if sin.Port == int(port) && net.IP(sin.Addr[:]).Equal(ip4) {
			return true
		}
	}
	return false
}

// Len returns the number of tracked sockets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fds)
}
