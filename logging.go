package dht

import "net/netip"

// IndexingListener lets a program watch the get_peers requests a node
// receives, for indexing or logging. The peers it returns are added to the
// reply.
type IndexingListener interface {
	IncomingPeersRequest(ih InfoHash, from netip.Addr, id Key) []netip.AddrPort
}

// IncomingMessageListener sees every message a DHT instance receives, after
// the routing table was updated.
type IncomingMessageListener func(d *DHT, m *Message)
