// Package routing discovers how this host reaches the metadata endpoint:
// the route, the interface and source address it implies, and the two MAC
// addresses needed to hand-build Ethernet frames to the gateway.
package routing

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoRoute means no IPv4 route covers the metadata address.
	ErrNoRoute = errors.New("no route to metadata service")
	// ErrNoGateway means the best route is not a gateway route.
	ErrNoGateway = errors.New("route to metadata service has no gateway")
	// ErrAddressFamilyMismatch means the best route mixes address families.
	ErrAddressFamilyMismatch = errors.New("IPv4 route carries non-IPv4 addresses")
	// ErrMACNotFound means a required link-layer address could not be
	// resolved. The gateway must already be in the neighbor cache; this
	// daemon does not ARP on its own.
	ErrMACNotFound = errors.New("MAC address not found")
)

// Route is the immutable result of the startup probe.
type Route struct {
	SrcIP   net.IP
	GwIP    net.IP
	IfName  string
	IfIndex int
	SrcMAC  net.HardwareAddr
	GwMAC   net.HardwareAddr
}

func (r *Route) String() string {
	return fmt.Sprintf("via %s dev %s src %s (%s -> %s)", r.GwIP, r.IfName, r.SrcIP, r.SrcMAC, r.GwMAC)
}
