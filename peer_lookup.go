package dht

import (
	"expvar"
	"net/netip"
	"slices"
)

// PeerHandler receives the peers a lookup found, as they arrive. It runs
// with the task locked and must not call back into it.
type PeerHandler func(from NodeInfo, peers []netip.AddrPort)

// peerLookup iterates get_peers towards an info-hash, collecting peers and
// the tokens needed to announce.
type peerLookup struct {
	noSeeds bool
	scrape  bool
	handler PeerHandler
	// targetPeers ends the lookup early once that many peers were found.
	// Zero means no limit.
	targetPeers int

	peers              map[netip.AddrPort]bool
	announceCandidates map[Key]candidate
	seedFilter         *bloomFilter
	peerFilter         *bloomFilter
}

func newPeerLookup(ih InfoHash, srv *rpcServer, table *routingTable, noSeeds, scrape bool, h PeerHandler) *Task {
	return newTask(ih, srv, table, &peerLookup{
		noSeeds:            noSeeds,
		scrape:             scrape,
		handler:            h,
		peers:              make(map[netip.AddrPort]bool),
		announceCandidates: make(map[Key]candidate),
	})
}

func (l *peerLookup) kind() string { return "peer_lookup" }

func (l *peerLookup) request(t *Task, to candidate) *Message {
	m := newRequest(MethodGetPeers, to.addr)
	m.InfoHash = t.target
	m.NoSeed = l.noSeeds
	m.Scrape = l.scrape
	return m
}

func (l *peerLookup) handleResponse(t *Task, c *rpcCall, rsp *Message) {
	totalRecvGetPeersReply.Add(1)
	from := NodeInfo{ID: rsp.ID, Addr: c.destination()}
	addReturnedNodes(t, from.Addr, familyNodes(t.srv.family, rsp))
	if rsp.Token != "" {
		l.announceCandidates[rsp.ID] = candidate{id: rsp.ID, hasID: true, addr: from.Addr, token: rsp.Token}
	}
	var fresh []netip.AddrPort
	for _, p := range rsp.Values {
		if !acceptablePeer(p, t.srv.allowLocal) || l.peers[p] {
			continue
		}
		l.peers[p] = true
		fresh = append(fresh, p)
	}
	if len(fresh) > 0 {
		totalPeers.Add(int64(len(fresh)))
		if l.handler != nil {
			l.handler(from, fresh)
		}
	}
	if b, ok := bloomFromBytes(rsp.BFsd); ok {
		if l.seedFilter == nil {
			l.seedFilter = new(bloomFilter)
		}
		l.seedFilter.merge(b)
	}
	if b, ok := bloomFromBytes(rsp.BFpe); ok {
		if l.peerFilter == nil {
			l.peerFilter = new(bloomFilter)
		}
		l.peerFilter.merge(b)
	}
}

func (l *peerLookup) handleTimeout(t *Task, c *rpcCall) {}

func (l *peerLookup) isDone(t *Task) bool {
	if l.targetPeers > 0 && len(l.peers) >= l.targetPeers {
		return true
	}
	return t.lookupStable()
}

func (l *peerLookup) maxInFlight(t *Task) int {
	return maxConcurrentRequests
}

// Peers returns every peer a lookup found so far.
func (t *Task) Peers() []netip.AddrPort {
	l, ok := t.strategy.(*peerLookup)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]netip.AddrPort, 0, len(l.peers))
	for p := range l.peers {
		ret = append(ret, p)
	}
	return ret
}

// announceCandidates returns the K nodes nearest to the info-hash that gave a
// token, closest first.
func (t *Task) announceCandidates() []candidate {
	l, ok := t.strategy.(*peerLookup)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]candidate, 0, len(l.announceCandidates))
	for _, c := range l.announceCandidates {
		ret = append(ret, c)
	}
	slices.SortFunc(ret, func(a, b candidate) int {
		return a.id.Distance(t.target).Compare(b.id.Distance(t.target))
	})
	if len(ret) > t.k {
		ret = ret[:t.k]
	}
	return ret
}

// ScrapeEstimates returns the estimated number of seeds and peers from the
// merged BEP-33 filters. Both are zero when nobody sent filters.
func (t *Task) ScrapeEstimates() (seeds, peers float64) {
	l, ok := t.strategy.(*peerLookup)
	if !ok {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.seedFilter != nil {
		seeds = l.seedFilter.estimatedSize()
	}
	if l.peerFilter != nil {
		peers = l.peerFilter.estimatedSize()
	}
	return seeds, peers
}

var (
	totalRecvGetPeersReply = expvar.NewInt("totalRecvGetPeersReply")
	totalPeers             = expvar.NewInt("totalPeers")
)
