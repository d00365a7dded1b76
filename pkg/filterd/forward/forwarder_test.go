package forward

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/filterd/conntrack"
)

// startEcho runs a stand-in metadata endpoint that records whether the
// conntrack table owned the peer's endpoint at accept time, then echoes one
// request and closes.
func startEcho(t *testing.T, table *conntrack.Table, owned chan<- bool) string {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			peer := conn.RemoteAddr().(*net.TCPAddr)
			owned <- table.Owns(peer.IP, uint16(peer.Port))
			go func() {
				defer conn.Close()
				buf, err := io.ReadAll(conn)
				if err == nil {
					_, _ = conn.Write(append([]byte("echo:"), buf...))
				}
			}()
		}
	}()
	return l.Addr().String()
}

func startForwarder(t *testing.T, table *conntrack.Table, target string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "imds.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	t.Cleanup(cancel)
	fwd := NewForwarder(table, target)
	go func() { _ = fwd.Serve(ctx, l) }()
	return sockPath
}

func TestForwardRoundTrip(t *testing.T) {
	table := conntrack.NewTable()
	owned := make(chan bool, 1)
	target := startEcho(t, table, owned)
	sockPath := startForwarder(t, table, target)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "echo:GET / HTTP/1.0\r\n\r\n", string(reply))

	// The upstream endpoint must already have been in the table when the
	// endpoint accepted, i.e. before any payload flowed.
	assert.True(t, <-owned)

	// Once the connection has fully drained, the table entry is gone.
	require.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestForwardUpstreamConnectFailure(t *testing.T) {
	table := conntrack.NewTable()
	// A listener that's closed right away gives a connect that fails
	// with RST.
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	target := l.Addr().String()
	require.NoError(t, l.Close())

	sockPath := startForwarder(t, table, target)
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	// The client is dropped without any data.
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestForwardServerClosesFirst(t *testing.T) {
	table := conntrack.NewTable()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("hello"))
			_ = conn.Close()
		}
	}()

	sockPath := startForwarder(t, table, l.Addr().String())
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply))
	require.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 10*time.Millisecond)
}
