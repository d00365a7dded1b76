package netcomp

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"

	"github.com/datawire/dlib/dlog"
)

const (
	// HostTunName is the host-side tunnel; traffic routed to the
	// metadata address surfaces here.
	HostTunName = "imds-tun"
	// CompTunName is the compartment-side tunnel.
	CompTunName = "imds-tunout"
)

// TunnelPair holds both tunnel descriptors for the daemon's lifetime.
type TunnelPair struct {
	Host *Device // imds-tun, in the host namespace
	Comp *Device // imds-tunout, moved into the compartment
}

// SetupTunnels creates the pair, moves imds-tunout into the compartment,
// and assigns the opposing point-to-point addresses: srcIP->metadataIP on
// the host side and metadataIP->srcIP on the compartment side.
func SetupTunnels(ctx context.Context, comp *Compartment, srcIP, metadataIP net.IP) (*TunnelPair, error) {
	tp := &TunnelPair{}
	var err error
	if tp.Host, err = openTun(HostTunName); err != nil {
		return nil, err
	}
	if tp.Comp, err = openTun(CompTunName); err != nil {
		_ = tp.Host.Close()
		return nil, err
	}

	if err = tp.configure(ctx, comp, srcIP, metadataIP); err != nil {
		_ = tp.Comp.Close()
		_ = tp.Host.Close()
		return nil, err
	}
	dlog.Infof(ctx, "tunnel pair up: %s %s -> %s, %s %s -> %s (in %q)",
		HostTunName, srcIP, metadataIP, CompTunName, metadataIP, srcIP, comp.Name)
	return tp, nil
}

func (tp *TunnelPair) configure(ctx context.Context, comp *Compartment, srcIP, metadataIP net.IP) error {
	outLink, err := netlink.LinkByName(CompTunName)
	if err != nil {
		return fmt.Errorf("link %s: %w", CompTunName, err)
	}
	if err = netlink.LinkSetNsFd(outLink, comp.Fd()); err != nil {
		return fmt.Errorf("move %s into %q: %w", CompTunName, comp.Name, err)
	}

	inLink, err := netlink.LinkByName(HostTunName)
	if err != nil {
		return fmt.Errorf("link %s: %w", HostTunName, err)
	}
	if err = netlink.AddrAdd(inLink, pointToPoint(srcIP, metadataIP)); err != nil {
		return fmt.Errorf("address %s: %w", HostTunName, err)
	}
	if err = netlink.LinkSetUp(inLink); err != nil {
		return fmt.Errorf("up %s: %w", HostTunName, err)
	}

	// The compartment side must be configured from inside the
	// compartment; netlink talks to the current thread's namespace.
	return comp.InDo(func() error {
		link, err := netlink.LinkByName(CompTunName)
		if err != nil {
			return fmt.Errorf("link %s in %q: %w", CompTunName, comp.Name, err)
		}
		if err = netlink.AddrAdd(link, pointToPoint(metadataIP, srcIP)); err != nil {
			return fmt.Errorf("address %s in %q: %w", CompTunName, comp.Name, err)
		}
		if err = netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("up %s in %q: %w", CompTunName, comp.Name, err)
		}
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return fmt.Errorf("link lo in %q: %w", comp.Name, err)
		}
		return netlink.LinkSetUp(lo)
	})
}

// Teardown closes both descriptors, which removes the interfaces. Errors
// are collected and reported to the caller for logging, never propagated
// as a failure.
func (tp *TunnelPair) Teardown() error {
	var result error
	if err := tp.Comp.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", CompTunName, err))
	}
	if err := tp.Host.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", HostTunName, err))
	}
	return result
}

func pointToPoint(local, peer net.IP) *netlink.Addr {
	host := net.CIDRMask(32, 32)
	return &netlink.Addr{
		IPNet: &net.IPNet{IP: local, Mask: host},
		Peer:  &net.IPNet{IP: peer, Mask: host},
	}
}
