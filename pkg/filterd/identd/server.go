// Package identd answers "which local user owns this TCP connection". The
// proxy sends a 12-byte 4-tuple over a unix-domain socket and gets back the
// owner's uid and group list as two lines of decimal text.
package identd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/iputil"
)

// maxGroups bounds the group vector; NGROUPS_MAX on Linux.
const maxGroups = 65536

// CredLookup resolves the credentials owning the TCP socket whose local
// endpoint is local and whose remote endpoint is remote, as seen by the
// kernel this daemon runs under.
type CredLookup func(local, remote *net.TCPAddr) (uid uint32, gids []uint32, err error)

type Server struct {
	lookup CredLookup
}

func NewServer(lookup CredLookup) *Server {
	return &Server{lookup: lookup}
}

// Serve accepts queries until the listener fails or the context is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
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
		go s.handle(ctx, conn)
	}
}

// handle reads one query and writes one response. Anything unexpected —
// short read, unknown endpoint, dead socket — closes the connection without
// a response; the caller may simply have lost a race against a close.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req [12]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		dlog.Debugf(ctx, "ident: short query: %v", err)
		return
	}

	// The query carries the tuple as the connection's owner sees it:
	// first its local endpoint, then its remote one. Both that socket
	// and this daemon live in the host stack, so the tuple is queried
	// verbatim.
	srcIP, srcPort := iputil.AddrPort(req[0:6])
	dstIP, dstPort := iputil.AddrPort(req[6:12])
	uid, gids, err := s.lookup(
		&net.TCPAddr{IP: srcIP, Port: int(srcPort)},
		&net.TCPAddr{IP: dstIP, Port: int(dstPort)},
	)
	if err != nil {
		dlog.Debugf(ctx, "ident: lookup %s:%d <-> %s:%d: %v", srcIP, srcPort, dstIP, dstPort, err)
		return
	}
	if len(gids) == 0 || len(gids) > maxGroups {
		dlog.Debugf(ctx, "ident: implausible group vector (%d entries)", len(gids))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", uid)
	for i, g := range gids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(g), 10))
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(conn, b.String())
}
