// Package identity queries the filter daemon's identity service for the
// owner of an incoming TCP connection.
package identity

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/datawire/imds-filter/pkg/iputil"
)

// Owner asks the identity service at socketPath who owns the peer of conn.
// The query carries our remote tuple first: what we see as remote is the
// queried socket's local endpoint, and vice versa.
func Owner(ctx context.Context, conn *net.TCPConn, socketPath string) (uint32, []uint32, error) {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0, nil, fmt.Errorf("connection is not TCP")
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0, nil, fmt.Errorf("connection is not TCP")
	}

	var req [12]byte
	if !iputil.PutAddrPort(req[0:6], remote.IP, uint16(remote.Port)) ||
		!iputil.PutAddrPort(req[6:12], local.IP, uint16(local.Port)) {
		return 0, nil, fmt.Errorf("connection is not IPv4")
	}

	var d net.Dialer
	ic, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return 0, nil, fmt.Errorf("dial identity service: %w", err)
	}
	defer ic.Close()

	if _, err := ic.Write(req[:]); err != nil {
		return 0, nil, fmt.Errorf("write identity query: %w", err)
	}
	return readReply(bufio.NewReader(ic))
}

func readReply(r *bufio.Reader) (uint32, []uint32, error) {
	uidLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read uid: %w", err)
	}
	uid, err := strconv.ParseUint(strings.TrimSuffix(uidLine, "\n"), 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("parse uid %q: %w", uidLine, err)
	}

	gidLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read gids: %w", err)
	}
	var gids []uint32
	for _, f := range strings.Split(strings.TrimSuffix(gidLine, "\n"), ",") {
		g, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("parse gid %q: %w", f, err)
		}
		gids = append(gids, uint32(g))
	}
	if len(gids) == 0 {
		return 0, nil, fmt.Errorf("no gids in identity reply")
	}
	return uint32(uid), gids, nil
}
