package routing

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/datawire/dlib/dlog"
)

// Discover dumps the IPv4 routing table, picks the most specific route to
// metadataIP, and resolves the interface and MAC addresses that route
// implies. The netlink dump re-reads into a grown buffer when the kernel
// table changes size mid-dump, so no retry loop is needed here.
func Discover(ctx context.Context, metadataIP net.IP) (*Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("route dump: %w", err)
	}
	best, err := selectBest(routes, metadataIP)
	if err != nil {
		return nil, err
	}

	link, err := netlink.LinkByIndex(best.LinkIndex)
	if err != nil {
		return nil, fmt.Errorf("link for route (index %d): %w", best.LinkIndex, err)
	}
	attrs := link.Attrs()

	srcIP := best.Src
	if srcIP == nil {
		// The route has no preferred source; fall back to the first
		// IPv4 address configured on the interface.
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("address list for %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IP.To4() != nil {
				srcIP = a.IP.To4()
				break
			}
		}
	}
	if srcIP == nil || srcIP.To4() == nil {
		return nil, fmt.Errorf("%w: no IPv4 source address on %s", ErrAddressFamilyMismatch, attrs.Name)
	}

	// Our own MAC comes from the link; the Linux neighbor table doesn't
	// list the host's own addresses.
	srcMAC := attrs.HardwareAddr
	if !validMAC(srcMAC) {
		return nil, fmt.Errorf("%w: interface %s", ErrMACNotFound, attrs.Name)
	}
	gwMAC, err := neighborMAC(best.LinkIndex, best.Gw)
	if err != nil {
		return nil, err
	}

	r := &Route{
		SrcIP:   srcIP.To4(),
		GwIP:    best.Gw.To4(),
		IfName:  attrs.Name,
		IfIndex: best.LinkIndex,
		SrcMAC:  srcMAC,
		GwMAC:   gwMAC,
	}
	dlog.Infof(ctx, "metadata service reachable %s", r)
	return r, nil
}

// selectBest picks the route with the numerically largest netmask among the
// routes covering ip. Ties go to the route seen last.
func selectBest(routes []netlink.Route, ip net.IP) (*netlink.Route, error) {
	var best *netlink.Route
	bestOnes := -1
	for i := range routes {
		r := &routes[i]
		ones := 0
		if r.Dst != nil {
			if r.Dst.IP.To4() == nil {
				continue
			}
			if !r.Dst.Contains(ip) {
				continue
			}
			ones, _ = r.Dst.Mask.Size()
		}
		if ones >= bestOnes {
			bestOnes = ones
			best = r
		}
	}
	if best == nil {
		return nil, ErrNoRoute
	}
	if best.Gw == nil {
		return nil, ErrNoGateway
	}
	if best.Gw.To4() == nil || (best.Src != nil && best.Src.To4() == nil) {
		return nil, ErrAddressFamilyMismatch
	}
	return best, nil
}

// neighborMAC looks ip up in the neighbor (ARP) cache of the given link.
func neighborMAC(linkIndex int, ip net.IP) (net.HardwareAddr, error) {
	neighs, err := netlink.NeighList(linkIndex, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("neighbor dump: %w", err)
	}
	for _, n := range neighs {
		if n.IP.Equal(ip) && validMAC(n.HardwareAddr) {
			return n.HardwareAddr, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMACNotFound, ip)
}

func validMAC(mac net.HardwareAddr) bool {
	return len(mac) == 6 && !bytes.Equal(mac, make([]byte, 6))
}
