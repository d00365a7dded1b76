// Package forward accepts proxy connections on a unix-domain socket and
// splices each one to a fresh TCP connection to the metadata endpoint. The
// interesting part is ordering: the upstream socket is entered into the
// conntrack table before its connect is initiated, so the packet classifier
// already knows the flow when the SYN surfaces on the host tunnel.
package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/filterd/conntrack"
)

// bufLen buffers up to 4kB at once in each direction.
const bufLen = 4096

type Forwarder struct {
	table  *conntrack.Table
	target string
}

func NewForwarder(table *conntrack.Table, target string) *Forwarder {
	return &Forwarder{table: table, target: target}
}

// Serve accepts until the listener fails or the context is done. Each
// accepted connection gets its own goroutine.
func (f *Forwarder) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go f.handle(ctx, conn.(halfCloser))
	}
}

// halfCloser is the subset of *net.TCPConn / *net.UnixConn the pumps need.
type halfCloser interface {
	net.Conn
	CloseWrite() error
	CloseRead() error
}

func (f *Forwarder) handle(ctx context.Context, client halfCloser) {
	// The Control hook runs after socket creation and before connect(2),
	// which is exactly the window in which the descriptor must enter the
	// table.
	upstreamFD := -1
	d := net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return rc.Control(func(fd uintptr) {
				upstreamFD = int(fd)
				f.table.Insert(upstreamFD)
			})
		},
	}
	uc, err := d.DialContext(ctx, "tcp4", f.target)
	if err != nil {
		// A failed connect drops the client outright. The dialer has
		// already closed the socket, so the table entry is stale the
		// moment we get here; take it out before anything can reuse
		// the descriptor number.
		if upstreamFD != -1 {
			f.table.Remove(upstreamFD)
		}
		_ = client.Close()
		dlog.Debugf(ctx, "upstream connect failed: %v", err)
		return
	}
	upstream := uc.(*net.TCPConn)

	var once sync.Once
	drop := func() {
		once.Do(func() {
			f.table.Remove(upstreamFD)
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, client, upstream, drop)
	go pump(&wg, upstream, client, drop)
	wg.Wait()
	drop()
}

// pump copies src to dst until EOF or error. EOF half-closes dst so the
// peer sees a FIN; any error tears the whole connection down immediately.
func pump(wg *sync.WaitGroup, src, dst halfCloser, drop func()) {
	defer wg.Done()
	buf := make([]byte, bufLen)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				drop()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Orderly shutdown of this direction; pass the
				// FIN along and let the other pump drain.
				_ = dst.CloseWrite()
			} else {
				drop()
			}
			return
		}
	}
}
