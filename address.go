package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/nictuku/nettools"
)

// Family is an address family. Each DHT instance serves exactly one.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

const (
	v4AddrLen        = 4 + 2
	v6AddrLen        = 16 + 2
	v4nodeContactLen = keyLen + v4AddrLen
	v6nodeContactLen = keyLen + v6AddrLen
)

var errBogon = errors.New("bogon address")

func (f Family) String() string {
	if f == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

func (f Family) network() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

func (f Family) addrLen() int {
	if f == IPv6 {
		return v6AddrLen
	}
	return v4AddrLen
}

func (f Family) nodeContactLen() int {
	if f == IPv6 {
		return v6nodeContactLen
	}
	return v4nodeContactLen
}

// maxPacketSize is the largest datagram we emit for the family.
func (f Family) maxPacketSize() int {
	if f == IPv6 {
		return 1200
	}
	return 1400
}

// headerLen approximates IP+UDP header overhead for byte accounting.
func (f Family) headerLen() int {
	if f == IPv6 {
		return 40 + 8
	}
	return 20 + 8
}

func (f Family) anyAddr() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// familyOf returns the family of a, treating v4-mapped v6 addresses as v4.
func familyOf(a netip.Addr) Family {
	if a.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

func (f Family) matches(a netip.Addr) bool {
	return a.IsValid() && familyOf(a) == f
}

func familyFromNetwork(network string) Family {
	if network == "udp6" {
		return IPv6
	}
	return IPv4
}

// isBogon reports addresses that can never be a useful remote DHT endpoint.
func isBogon(ap netip.AddrPort) bool {
	if ap.Port() == 0 {
		return true
	}
	a := ap.Addr().Unmap()
	return !a.IsValid() ||
		a.IsLoopback() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified()
}

// acceptablePeer is !isBogon, relaxed to let loopback and private
// addresses through when allowLocal is set.
func acceptablePeer(ap netip.AddrPort, allowLocal bool) bool {
	if !allowLocal {
		return !isBogon(ap)
	}
	a := ap.Addr().Unmap()
	return ap.Port() != 0 && a.IsValid() && !a.IsUnspecified() && !a.IsMulticast()
}

// isGlobalUnicast reports addresses that are routable on the public internet.
func isGlobalUnicast(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsGlobalUnicast() && !a.IsPrivate()
}

// isLocalAddr reports addresses that belong to a local or private network.
func isLocalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsUnspecified()
}

// packAddress returns the compact representation of ap: 4 or 16 IP bytes
// followed by the big-endian port.
func packAddress(ap netip.AddrPort) []byte {
	a := ap.Addr().Unmap()
	b := make([]byte, 0, v6AddrLen)
	b = append(b, a.AsSlice()...)
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

// unpackAddress is the inverse of packAddress.
func unpackAddress(b []byte) (netip.AddrPort, error) {
	var a netip.Addr
	switch len(b) {
	case v4AddrLen:
		a = netip.AddrFrom4([4]byte(b[:4]))
	case v6AddrLen:
		a = netip.AddrFrom16([16]byte(b[:16]))
	default:
		return netip.AddrPort{}, fmt.Errorf("compact address: bad length %d", len(b))
	}
	return netip.AddrPortFrom(a, binary.BigEndian.Uint16(b[len(b)-2:])), nil
}

// NodeInfo is a node ID together with its UDP address, as found in the nodes
// and nodes6 lists.
type NodeInfo struct {
	ID   Key
	Addr netip.AddrPort
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%x@%v", n.ID[:4], n.Addr)
}

// packNodes concatenates the compact node entries of the given family,
// skipping entries of the other family.
func packNodes(f Family, nodes []NodeInfo) string {
	b := make([]byte, 0, len(nodes)*f.nodeContactLen())
	for _, n := range nodes {
		if !f.matches(n.Addr.Addr()) {
			continue
		}
		b = append(b, n.ID[:]...)
		b = append(b, packAddress(n.Addr)...)
	}
	return string(b)
}

// parseNodesString splits a "nodes" or "nodes6" value into its fixed length
// contacts.
func parseNodesString(f Family, nodes string) ([]NodeInfo, error) {
	l := f.nodeContactLen()
	if len(nodes)%l != 0 {
		return nil, fmt.Errorf("nodes string length %d is not a multiple of %d", len(nodes), l)
	}
	ret := make([]NodeInfo, 0, len(nodes)/l)
	for i := 0; i < len(nodes); i += l {
		var n NodeInfo
		copy(n.ID[:], nodes[i:i+keyLen])
		ap, err := unpackAddress([]byte(nodes[i+keyLen : i+l]))
		if err != nil {
			return nil, err
		}
		n.Addr = ap
		ret = append(ret, n)
	}
	return ret, nil
}

// addrPortFromUDP converts a *net.UDPAddr, unmapping v4-in-v6 addresses.
func addrPortFromUDP(a *net.UDPAddr) netip.AddrPort {
	ap := a.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// DecodePeerAddress transforms the binary-encoded host:port address into a
// human-readable format. So, "abcdef" becomes 97.98.99.100:25958. IPv6
// addresses are 18 bytes long. Malformed input gives "".
func DecodePeerAddress(x string) string {
	if len(x) == v4AddrLen {
		return nettools.BinaryToDottedPort(x)
	}
	ap, err := unpackAddress([]byte(x))
	if err != nil {
		return ""
	}
	return ap.String()
}

// EncodePeerAddress is the inverse of DecodePeerAddress.
func EncodePeerAddress(hostPort string) string {
	if ap, err := netip.ParseAddrPort(hostPort); err == nil && familyOf(ap.Addr()) == IPv6 {
		return string(packAddress(ap))
	}
	return nettools.DottedPortToBinary(hostPort)
}
