package identd

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"
)

func startServer(t *testing.T, lookup CredLookup) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "imds-ident.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	t.Cleanup(cancel)
	go func() { _ = NewServer(lookup).Serve(ctx, l) }()
	return sockPath
}

func query(t *testing.T, sockPath string, req []byte) (string, error) {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(req)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := io.ReadAll(conn)
	return string(reply), err
}

func TestIdentResponse(t *testing.T) {
	var gotLocal, gotRemote *net.TCPAddr
	sockPath := startServer(t, func(local, remote *net.TCPAddr) (uint32, []uint32, error) {
		gotLocal, gotRemote = local, remote
		return 1000, []uint32{1000, 20}, nil
	})

	// 192.168.0.1:1234 -> 192.168.0.2:80
	req := []byte{0xC0, 0xA8, 0x00, 0x01, 0x04, 0xD2, 0xC0, 0xA8, 0x00, 0x02, 0x00, 0x50}
	reply, err := query(t, sockPath, req)
	require.NoError(t, err)
	assert.Equal(t, "1000\n1000,20\n", reply)
	assert.Equal(t, "192.168.0.1:1234", gotLocal.String())
	assert.Equal(t, "192.168.0.2:80", gotRemote.String())
}

func TestIdentSingleGroup(t *testing.T) {
	sockPath := startServer(t, func(_, _ *net.TCPAddr) (uint32, []uint32, error) {
		return 0, []uint32{0}, nil
	})
	reply, err := query(t, sockPath, make([]byte, 12))
	require.NoError(t, err)
	assert.Equal(t, "0\n0\n", reply)
}

func TestIdentLookupFailureClosesSilently(t *testing.T) {
	sockPath := startServer(t, func(_, _ *net.TCPAddr) (uint32, []uint32, error) {
		return 0, nil, errors.New("no such connection")
	})
	reply, err := query(t, sockPath, make([]byte, 12))
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestIdentShortQueryClosesSilently(t *testing.T) {
	called := false
	sockPath := startServer(t, func(_, _ *net.TCPAddr) (uint32, []uint32, error) {
		called = true
		return 0, []uint32{0}, nil
	})
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.False(t, called)
	_ = conn.Close()
}

func TestIdentEmptyGroupVectorClosesSilently(t *testing.T) {
	sockPath := startServer(t, func(_, _ *net.TCPAddr) (uint32, []uint32, error) {
		return 1000, nil, nil
	})
	reply, err := query(t, sockPath, make([]byte, 12))
	require.NoError(t, err)
	assert.Empty(t, reply)
}
