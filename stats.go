package dht

import (
	"expvar"
	"fmt"
	"net/netip"
	"time"
)

// Stats is a snapshot of a DHT instance. Counters are read without
// synchronization and may be slightly out of date.
type Stats struct {
	Family              Family
	Status              DHTStatus
	ID                  Key
	Servers             int
	ReachableServers    int
	ExternalAddr        netip.AddrPort
	RoutingTableEntries int
	Buckets             int
	ActiveTasks         int
	QueuedTasks         int
	ActiveCalls         int
	QueuedCalls         int
	InfoHashes          int
	EstimatedNodes      int64
	Uptime              time.Duration

	// Process-wide packet counters.
	PacketsSent     int64
	PacketsReceived int64
	DroppedPackets  int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%v %v servers:%d/%d ext:%v entries:%d buckets:%d tasks:%d+%d calls:%d+%d infohashes:%d estimate:%d sent:%d recv:%d dropped:%d",
		s.Family, s.Status, s.ReachableServers, s.Servers, s.ExternalAddr, s.RoutingTableEntries, s.Buckets,
		s.ActiveTasks, s.QueuedTasks, s.ActiveCalls, s.QueuedCalls, s.InfoHashes, s.EstimatedNodes,
		s.PacketsSent, s.PacketsReceived, s.DroppedPackets)
}

// StatsListener receives a Stats snapshot on every maintenance tick.
type StatsListener func(Stats)

var (
	totalRecv                    = expvar.NewInt("totalRecv")
	totalRecvBytes               = expvar.NewInt("totalRecvBytes")
	totalSent                    = expvar.NewInt("totalSent")
	totalSentBytes               = expvar.NewInt("totalSentBytes")
	totalDroppedPackets          = expvar.NewInt("totalDroppedPackets")
	totalJunkPackets             = expvar.NewInt("totalJunkPackets")
	totalPacketsFromBlockedHosts = expvar.NewInt("totalPacketsFromBlockedHosts")
	totalRecoveredPanics         = expvar.NewInt("totalRecoveredPanics")
	totalRecvPing                = expvar.NewInt("totalRecvPing")
	totalRecvFindNode            = expvar.NewInt("totalRecvFindNode")
	totalRecvGetPeers            = expvar.NewInt("totalRecvGetPeers")
	totalRecvAnnouncePeer        = expvar.NewInt("totalRecvAnnouncePeer")
	totalRecvUnknown             = expvar.NewInt("totalRecvUnknown")
	totalRecvErrors              = expvar.NewInt("totalRecvErrors")
	totalInvalidTokens           = expvar.NewInt("totalInvalidTokens")
	totalSelfLoops               = expvar.NewInt("totalSelfLoops")
)
