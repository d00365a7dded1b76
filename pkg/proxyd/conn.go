package proxyd

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/proxyd/httpfilter"
	"github.com/datawire/imds-filter/pkg/proxyd/identity"
	"github.com/datawire/imds-filter/pkg/proxyd/policy"
)

// Proxy holds everything a connection handler needs. Nothing here is
// mutated after startup, so handlers share it freely.
type Proxy struct {
	rules         *policy.RuleSet
	identSocket   string
	forwardSocket string

	// owner is identity.Owner, swappable in tests.
	owner func(ctx context.Context, conn *net.TCPConn, socketPath string) (uint32, []uint32, error)
}

func NewProxy(rules *policy.RuleSet, identSocket, forwardSocket string) *Proxy {
	return &Proxy{
		rules:         rules,
		identSocket:   identSocket,
		forwardSocket: forwardSocket,
		owner:         identity.Owner,
	}
}

// handle serves one client connection: identify the caller, normalize the
// request, check policy, then either relay to the metadata service or
// answer 403. Parse and identity failures drop the connection without a
// response; an attacker learns nothing from the failure mode.
func (p *Proxy) handle(ctx context.Context, conn *net.TCPConn) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Errorf(ctx, "%+v", perr)
		}
		_ = conn.Close()
	}()

	uid, gids, err := p.owner(ctx, conn, p.identSocket)
	if err != nil {
		dlog.Debugf(ctx, "identity lookup failed: %v", err)
		return
	}

	req, err := httpfilter.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		dlog.Debugf(ctx, "request rejected: %v", err)
		return
	}

	allowed := p.rules.Check(req.Path, uid, gids)
	verdict := "DENY"
	if allowed {
		verdict = "ALLOW"
	}
	dlog.Infof(ctx, "%s uid %d %s", verdict, uid, req.Path)

	if !allowed {
		_, _ = io.WriteString(conn, "HTTP/1.0 403 Forbidden\r\n\r\n")
		return
	}

	var d net.Dialer
	upstream, err := d.DialContext(ctx, "unix", p.forwardSocket)
	if err != nil {
		dlog.Errorf(ctx, "connect to forwarder: %v", err)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(upstream, req.Render()); err != nil {
		dlog.Debugf(ctx, "write upstream request: %v", err)
		return
	}
	// The upstream response is relayed verbatim until EOF.
	if _, err := io.Copy(conn, upstream); err != nil {
		dlog.Debugf(ctx, "relay response: %v", err)
	}
}
