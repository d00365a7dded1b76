// Package iputil holds the small IPv4 conversions shared by the wire
// formats and the packet classifier. Everything in this repository is
// IPv4-only; these helpers make that explicit at the type level.
package iputil

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IP4ToA returns the 4-byte representation of ip, or false if ip is not an
// IPv4 address.
func IP4ToA(ip net.IP) ([4]byte, bool) {
	var a [4]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return a, false
	}
	copy(a[:], ip4)
	return a, true
}

// MustIP4 parses s as an IPv4 address and panics if it isn't one. It is
// intended for compile-time constants such as the metadata endpoint address.
func MustIP4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		panic(fmt.Sprintf("not an IPv4 address: %q", s))
	}
	return ip.To4()
}

// PutAddrPort writes ip:port into b in network byte order as
// [ip 4][port 2]. It returns false if ip is not IPv4 or b is too short.
func PutAddrPort(b []byte, ip net.IP, port uint16) bool {
	ip4 := ip.To4()
	if ip4 == nil || len(b) < 6 {
		return false
	}
	copy(b[0:4], ip4)
	binary.BigEndian.PutUint16(b[4:6], port)
	return true
}

// AddrPort reads an [ip 4][port 2] pair in network byte order from b.
func AddrPort(b []byte) (net.IP, uint16) {
	ip := make(net.IP, 4)
	copy(ip, b[0:4])
	return ip, binary.BigEndian.Uint16(b[4:6])
}
