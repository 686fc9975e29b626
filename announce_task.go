package dht

// announceTask sends announce_peer to the nodes that gave a peer lookup
// their token. It has to run on the server the lookup ran on, since tokens
// are bound to our address.
type announceTask struct {
	port        int
	seed        bool
	impliedPort bool
}

// newAnnounceTask announces port for ih. With impliedPort, receivers use the
// source port of the request instead.
func newAnnounceTask(ih InfoHash, srv *rpcServer, table *routingTable, candidates []candidate, port int, seed, impliedPort bool) *Task {
	t := newTask(ih, srv, table, &announceTask{port: port, seed: seed, impliedPort: impliedPort})
	t.mu.Lock()
	for _, c := range candidates {
		t.addCandidateLocked(c)
	}
	t.mu.Unlock()
	return t
}

func (a *announceTask) kind() string { return "announce" }

func (a *announceTask) request(t *Task, to candidate) *Message {
	m := newRequest(MethodAnnouncePeer, to.addr)
	m.InfoHash = t.target
	m.Token = to.token
	m.Port = a.port
	m.ImpliedPort = a.impliedPort
	m.Seed = a.seed
	return m
}

func (a *announceTask) handleResponse(t *Task, c *rpcCall, rsp *Message) {}

func (a *announceTask) handleTimeout(t *Task, c *rpcCall) {}

// isDone once K nodes acknowledged.
func (a *announceTask) isDone(t *Task) bool {
	return t.responses >= t.k
}

func (a *announceTask) maxInFlight(t *Task) int {
	return t.k
}
