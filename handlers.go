package dht

import (
	"net/netip"

	log "github.com/golang/glog"
)

const invalidTokenMsg = "Invalid Token; tokens expire after 5 minutes; only valid for the IP/port to which it was issued; only valid for the infohash for which it was issued"

// handleRequest answers a request after the routing table saw its sender.
func (d *DHT) handleRequest(srv *rpcServer, req *Message) {
	switch req.Method {
	case MethodPing:
		totalRecvPing.Add(1)
		srv.sendMessage(newResponse(req), nil)
	case MethodFindNode:
		totalRecvFindNode.Add(1)
		d.replyFindNode(srv, req)
	case MethodGetPeers:
		totalRecvGetPeers.Add(1)
		d.replyGetPeers(srv, req)
	case MethodAnnouncePeer:
		totalRecvAnnouncePeer.Add(1)
		d.replyAnnouncePeer(srv, req)
	default:
		totalRecvUnknown.Add(1)
		if req.hasTarget {
			d.replyFindNode(srv, req)
			return
		}
		srv.sendError(req.MTID, req.Origin, ErrCodeMethodUnknown, "method unknown: "+req.methodName)
	}
}

// closestNodes returns up to max nodes of family f near target. Nodes of the
// other family come from the sibling table, except for requests from local
// addresses.
func (d *DHT) closestNodes(f Family, target Key, max int, origin netip.AddrPort) []NodeInfo {
	table := d.table
	if f != d.family {
		sib := d.sibling
		if sib == nil || isLocalAddr(origin.Addr()) {
			return nil
		}
		table = sib.table
	}
	entries := table.findClosest(target, max)
	ret := make([]NodeInfo, len(entries))
	for i := range entries {
		ret[i] = entries[i].nodeInfo()
	}
	return ret
}

func (d *DHT) replyFindNode(srv *rpcServer, req *Message) {
	target := req.lookupTarget()
	if log.V(4) {
		log.Infof("DHT: find_node from %x@%v, target %x", req.ID[:4], req.Origin, target[:4])
	}
	rsp := newResponse(req)
	if req.wants4(d.family) {
		rsp.Nodes = d.closestNodes(IPv4, target, d.table.k, req.Origin)
	}
	if req.wants6(d.family) {
		rsp.Nodes6 = d.closestNodes(IPv6, target, d.table.k, req.Origin)
	}
	srv.sendMessage(rsp, nil)
}

func (d *DHT) replyGetPeers(srv *rpcServer, req *Message) {
	ih := req.InfoHash
	if log.V(4) {
		log.Infof("DHT: get_peers from %x@%v for %v", req.ID[:4], req.Origin, ih)
	}
	var peerFilter, seedFilter *bloomFilter
	if req.Scrape {
		peerFilter = d.peers.createScrapeFilter(ih, false)
		seedFilter = d.peers.createScrapeFilter(ih, true)
	}
	v6 := d.family == IPv6
	heavy := peerFilter != nil

	// Scrape filters take up a lot of room.
	maxValues := maxPeerValues
	if heavy {
		if v6 {
			maxValues = 15
		} else {
			maxValues = 30
		}
	}
	rsp := newResponse(req)
	rsp.Values = d.peers.peerContacts(ih, maxValues, d.family, req.NoSeed)
	if indexer := d.indexingListener(); indexer != nil {
		for _, p := range indexer.IncomingPeersRequest(ih, req.Origin.Addr(), req.ID) {
			if d.family.matches(p.Addr()) {
				rsp.Values = append(rsp.Values, p)
			}
		}
	}
	if d.peers.insertForKeyAllowed(ih) {
		rsp.Token = d.peers.genToken(req.Origin, ih)
	}
	if req.wants4(d.family) && !(heavy && v6) {
		rsp.Nodes = d.closestNodes(IPv4, ih, d.table.k, req.Origin)
	}
	if req.wants6(d.family) && !(heavy && !v6) {
		max := d.table.k
		if heavy && v6 {
			max = min(5, max)
		}
		rsp.Nodes6 = d.closestNodes(IPv6, ih, max, req.Origin)
	}
	if peerFilter != nil {
		rsp.BFpe = peerFilter[:]
	}
	if seedFilter != nil {
		rsp.BFsd = seedFilter[:]
	}
	srv.sendMessage(rsp, nil)
}

func (d *DHT) replyAnnouncePeer(srv *rpcServer, req *Message) {
	ih := req.InfoHash
	if !d.peers.checkToken(req.Token, req.Origin, ih) {
		totalInvalidTokens.Add(1)
		log.V(3).Infof("DHT: announce_peer from %v with invalid token", req.Origin)
		srv.sendError(req.MTID, req.Origin, ErrCodeProtocol, invalidTokenMsg)
		return
	}
	port := req.Port
	if req.ImpliedPort {
		port = int(req.Origin.Port())
	}
	peer := netip.AddrPortFrom(req.Origin.Addr().Unmap(), uint16(port))
	d.peers.addContact(ih, peer, req.Seed)
	log.V(3).Infof("DHT: %v announced %v", peer, ih)
	srv.sendMessage(newResponse(req), nil)
}

func (d *DHT) handleError(srv *rpcServer, m *Message) {
	totalRecvErrors.Add(1)
	log.V(2).Infof("DHT: error [%d] from %v: %q version:%q", m.ErrCode, m.Origin, m.ErrMsg, m.Version)
}
