package peers

import "net"

// AddrInfo describes a peer's network address plus the overlay
// destination address it has been observed using (spec.md §3 "Peer
// table"). IPVersion 0 marks "no address recorded"; such entries are
// skipped by TopDestinations per spec.md §4.E. Connections accepted by
// Listener always carry version 4 or 6.
type AddrInfo struct {
	IPVersion uint8 // 0, 4, or 6
	IP        net.IP
	Port      uint16

	Destination [8]byte
	DestBits    uint8
}

func (a AddrInfo) sameIP(b AddrInfo) bool {
	if a.IPVersion == 0 || b.IPVersion == 0 {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// NormalizeIP converts an IPv4-mapped IPv6 address to plain IPv4, per
// spec.md §4.E step 2 ("sometimes an incoming IPv4 connection is recorded
// as an IPv6 connection; we want to record it as an IPv4 connection").
func NormalizeIP(ip net.IP) (net.IP, uint8) {
	if v4 := ip.To4(); v4 != nil {
		return v4, 4
	}
	return ip, 6
}

// AddrInfoFromTCP builds an AddrInfo from a dialed/accepted TCP address.
func AddrInfoFromTCP(addr *net.TCPAddr) AddrInfo {
	ip, version := NormalizeIP(addr.IP)
	return AddrInfo{IPVersion: version, IP: ip, Port: uint16(addr.Port)}
}

func isLoopback(ip net.IP) bool {
	return ip.IsLoopback()
}
