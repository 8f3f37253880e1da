// Package meshnet provides the address and prefix primitives shared by the
// mesh daemon's core: a 32-bit host-byte-order address and a (address,
// length) prefix, plus the wire-format helpers used at the protocol and
// kernel edges.
package meshnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Addr is an IPv4 address held in host byte order. All of pkg/radix,
// pkg/model and pkg/reconcile work exclusively in this representation;
// conversion to network byte order happens only in pkg/marp and pkg/kernel.
type Addr uint32

// String returns the address in dotted-decimal form.
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// ParseAddr parses a dotted-decimal IPv4 address into host byte order.
func ParseAddr(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("meshnet: invalid address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("meshnet: %q is not an IPv4 address", s)
	}
	return Addr(binary.BigEndian.Uint32(ip4)), nil
}

// AddrFromNetwork converts a network-byte-order 4-byte slice into an Addr.
func AddrFromNetwork(b []byte) Addr {
	return Addr(binary.BigEndian.Uint32(b))
}

// ToNetwork renders the address as 4 bytes in network byte order, the form
// expected by routing-socket sockaddrs and wire packets.
func (a Addr) ToNetwork() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

// IP returns the address as a net.IP (4-byte form).
func (a Addr) IP() net.IP {
	b := a.ToNetwork()
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// Prefix is a (network address, prefix length) pair. Length 32 denotes a
// host route; length 0 is the catch-all.
type Prefix struct {
	Addr Addr
	Len  uint8
}

// NewPrefix normalizes addr against a /len mask and returns the prefix.
func NewPrefix(addr Addr, length uint8) Prefix {
	return Prefix{Addr: addr & Addr(MaskFromLen(length)), Len: length}
}

// MaskFromLen returns the contiguous netmask for a prefix length in 0..32.
func MaskFromLen(length uint8) uint32 {
	if length == 0 {
		return 0
	}
	if length >= 32 {
		return 0xFFFFFFFF
	}
	return ^uint32(0) << (32 - length)
}

// LenFromMask returns the prefix length of a contiguous netmask, and false
// if the mask is not a valid contiguous (high-bits-first) netmask.
func LenFromMask(mask uint32) (uint8, bool) {
	length := popcount(mask)
	if MaskFromLen(length) != mask {
		return 0, false
	}
	return length, true
}

func popcount(v uint32) uint8 {
	var n uint8
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// Mask returns this prefix's netmask in host byte order.
func (p Prefix) Mask() Addr {
	return Addr(MaskFromLen(p.Len))
}

// Contains reports whether addr falls within this prefix's network.
func (p Prefix) Contains(addr Addr) bool {
	return addr&p.Mask() == p.Addr
}

// String renders the prefix as "a.b.c.d/n".
func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Len)
}

// Host returns the /32 prefix naming a single address, used as the key
// shape for the tunnels map (keyed by outer_remote at prefix 32).
func Host(addr Addr) Prefix {
	return Prefix{Addr: addr, Len: 32}
}
