package conntrack

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// boundSocket creates a TCP socket bound to 127.0.0.1 on an ephemeral port
// and returns the descriptor and the port the kernel picked.
func boundSocket(t *testing.T) (int, uint16) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, uint16(sa.(*unix.SockaddrInet4).Port)
}

func TestOwns(t *testing.T) {
	tbl := NewTable()
	fd, port := boundSocket(t)

	assert.False(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port))
	tbl.Insert(fd)
	assert.True(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port))
	assert.False(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port+1))
	assert.False(t, tbl.Owns(net.IPv4(127, 0, 0, 2), port))

	tbl.Remove(fd)
	assert.False(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port))
	assert.Equal(t, 0, tbl.Len())
}

func TestOwnsSurvivesClosedSocket(t *testing.T) {
	tbl := NewTable()
	fd1, port1 := boundSocket(t)
	fd2, port2 := boundSocket(t)
	tbl.Insert(fd1)
	tbl.Insert(fd2)

	// Closing a tracked socket before it is removed mimics a peer RST
	// racing the lookup: the dead entry must be skipped, not break the
	// scan.
	require.NoError(t, unix.Close(fd1))
	assert.False(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port1))
	assert.True(t, tbl.Owns(net.IPv4(127, 0, 0, 1), port2))

	tbl.Remove(fd1)
	tbl.Remove(fd2)
}

func TestRemoveUntrackedPanics(t *testing.T) {
	tbl := NewTable()
	assert.Panics(t, func() { tbl.Remove(42) })
}
