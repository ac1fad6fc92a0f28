package main

import "net/netip"

// ipToAddr converts the big-endian-ordered uint32 IPv4 representation
// used throughout internal/flowtable and internal/slowpath into a
// netip.Addr for display in introspection responses and logs.
func ipToAddr(ip uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

func addrToIP4(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
