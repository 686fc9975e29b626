package dht

import (
	"expvar"
	"net/netip"
)

// nodeLookup iterates find_node towards a key.
type nodeLookup struct {
	// bootstrap lookups are the ones seeded from the routers.
	bootstrap bool
}

// newNodeLookup returns a task that finds the nodes closest to target.
func newNodeLookup(target Key, srv *rpcServer, table *routingTable, bootstrap bool) *Task {
	return newTask(target, srv, table, &nodeLookup{bootstrap: bootstrap})
}

func (l *nodeLookup) kind() string {
	if l.bootstrap {
		return "bootstrap"
	}
	return "node_lookup"
}

func (l *nodeLookup) request(t *Task, to candidate) *Message {
	m := newRequest(MethodFindNode, to.addr)
	m.Target = t.target
	m.hasTarget = true
	return m
}

// handleResponse queues the returned nodes of our family.
func (l *nodeLookup) handleResponse(t *Task, c *rpcCall, rsp *Message) {
	addReturnedNodes(t, c.destination(), familyNodes(t.srv.family, rsp))
	totalRecvFindNodeReply.Add(1)
}

func (l *nodeLookup) handleTimeout(t *Task, c *rpcCall) {}

func (l *nodeLookup) isDone(t *Task) bool {
	return t.lookupStable()
}

func (l *nodeLookup) maxInFlight(t *Task) int {
	return maxConcurrentRequests
}

// familyNodes picks the node list matching f out of a response.
func familyNodes(f Family, rsp *Message) []NodeInfo {
	if f == IPv6 {
		return rsp.Nodes6
	}
	return rsp.Nodes
}

// addReturnedNodes pushes nodes learned from the node at from into the todo
// queue. A node listing its own address is ignored; that's a cheap way to
// attract traffic.
func addReturnedNodes(t *Task, from netip.AddrPort, nodes []NodeInfo) {
	for _, n := range nodes {
		if n.Addr == from {
			totalSelfPromotions.Add(1)
			continue
		}
		if !t.addCandidateLocked(candidate{id: n.ID, hasID: true, addr: n.Addr}) {
			totalFindNodeDupes.Add(1)
		}
	}
}

var (
	totalSelfPromotions    = expvar.NewInt("totalSelfPromotions")
	totalFindNodeDupes     = expvar.NewInt("totalFindNodeDupes")
	totalRecvFindNodeReply = expvar.NewInt("totalRecvFindNodeReply")
)
