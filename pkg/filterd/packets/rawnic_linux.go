package packets

import (
	"fmt"
	"net"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// NICWriter sends raw Ethernet frames on the external interface through an
// AF_PACKET socket.
type NICWriter struct {
	conn *packet.Conn
	addr *packet.Addr
}

func NewNICWriter(ifName string, gwMAC net.HardwareAddr) (*NICWriter, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifName, err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("raw socket on %s: %w", ifName, err)
	}
	return &NICWriter{conn: conn, addr: &packet.Addr{HardwareAddr: gwMAC}}, nil
}

func (w *NICWriter) WriteFrame(frame []byte) error {
	_, err := w.conn.WriteTo(frame, w.addr)
	return err
}

func (w *NICWriter) Close() error {
	return w.conn.Close()
}
