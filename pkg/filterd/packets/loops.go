package packets

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/datawire/dlib/dlog"
)

// OutboundLoop reads packets from the host-side tunnel and dispatches them:
// the proxy's own flows go out the external interface as Ethernet frames,
// everything else is injected into the compartment-side tunnel. Any error
// on a tunnel or the external interface is fatal and stops the daemon;
// unparseable packets are dropped silently.
func (c *Classifier) OutboundLoop(ctx context.Context, hostTun io.Reader, compTun io.Writer, nic FrameWriter) error {
	buf := make([]byte, etherHeaderLen+maxPacket)
	for ctx.Err() == nil {
		n, err := hostTun.Read(buf[etherHeaderLen:])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("unexpected EOF from tunnel device")
			}
			return fmt.Errorf("read from tunnel device: %w", err)
		}
		pkt := buf[etherHeaderLen : etherHeaderLen+n]
		switch c.decide(pkt) {
		case actionDrop:
			dlog.Tracef(ctx, "dropping unclassifiable %d byte packet", n)
		case actionNIC:
			copy(buf[0:etherHeaderLen], c.header[:])
			if err := nic.WriteFrame(buf[:etherHeaderLen+n]); err != nil {
				return fmt.Errorf("write frame to external interface: %w", err)
			}
		case actionCompartment:
			if _, err := compTun.Write(pkt); err != nil {
				return fmt.Errorf("write packet into compartment tunnel: %w", err)
			}
		}
	}
	return nil
}

// InboundLoop copies packets from the compartment-side tunnel back to the
// host-side tunnel unconditionally.
func InboundLoop(ctx context.Context, compTun io.Reader, hostTun io.Writer) error {
	buf := make([]byte, maxPacket)
	for ctx.Err() == nil {
		n, err := compTun.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("unexpected EOF from tunnel device")
			}
			return fmt.Errorf("read from tunnel device: %w", err)
		}
		if _, err := hostTun.Write(buf[:n]); err != nil {
			return fmt.Errorf("write packet into tunnel: %w", err)
		}
	}
	return nil
}
