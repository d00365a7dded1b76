// Package packets moves IPv4 packets between the tunnel pair and the real
// NIC. The outbound loop is the heart of the filter: it decides, per
// packet, whether a flow belongs to the proxy's own upstream fetches (send
// it out the external interface as an Ethernet frame) or to some other
// local process (divert it into the compartment).
package packets

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// maxPacket is the largest possible IPv4 packet.
const maxPacket = 65535

// etherHeaderLen is the space reserved in front of every read so that an
// Ethernet header can be prepended without copying the payload.
const etherHeaderLen = 14

// Owner answers "does one of our upstream sockets hold this local
// endpoint". Implemented by conntrack.Table.
type Owner interface {
	Owns(ip net.IP, port uint16) bool
}

// FrameWriter sends a complete Ethernet frame on the external interface.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

type action int

const (
	// actionDrop: not an IPv4/TCP packet we can classify; read the next
	// one. Only TCP to the metadata service is of interest, so this is a
	// silent drop.
	actionDrop action = iota
	// actionNIC: one of our own upstream flows; frame it and send it out
	// the real interface.
	actionNIC
	// actionCompartment: tenant traffic; divert into the compartment.
	actionCompartment
)

// Classifier decides the fate of packets surfacing on the host-side tunnel.
type Classifier struct {
	table   Owner
	dstIP   net.IP
	dstPort uint16

	// Prestaged Ethernet header: destination gateway MAC, source
	// interface MAC, EtherType IPv4.
	header [etherHeaderLen]byte
}

func NewClassifier(table Owner, dstIP net.IP, dstPort uint16, srcMAC, gwMAC net.HardwareAddr) *Classifier {
	c := &Classifier{table: table, dstIP: dstIP.To4(), dstPort: dstPort}
	copy(c.header[0:6], gwMAC)
	copy(c.header[6:12], srcMAC)
	c.header[12] = 0x08
	c.header[13] = 0x00
	return c
}

// decide classifies a single IP packet as read from the host tunnel.
func (c *Classifier) decide(pkt []byte) action {
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip4, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || ip4.Version != 4 || ip4.Protocol != layers.IPProtocolTCP {
		return actionDrop
	}
	tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return actionDrop
	}

	// The upstream socket was entered into the table before its connect
	// was initiated, so by the time its SYN surfaces here the flow is
	// already classifiable as ours.
	if c.table.Owns(ip4.SrcIP, uint16(tcp.SrcPort)) &&
		ip4.DstIP.Equal(c.dstIP) && uint16(tcp.DstPort) == c.dstPort {
		return actionNIC
	}
	return actionCompartment
}
