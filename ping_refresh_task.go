package dht

import (
	"math"
)

// pingRefreshTask pings the entries of a bucket that we are unsure about.
type pingRefreshTask struct {
	cleanOnTimeout bool
}

// newPingRefreshTask pings the questionable entries given, or every entry
// when cleanOnTimeout is set. With cleanOnTimeout, entries that don't answer
// are evicted immediately.
func newPingRefreshTask(srv *rpcServer, table *routingTable, p Prefix, entries []KBucketEntry, cleanOnTimeout bool) *Task {
	t := newTask(p.key, srv, table, &pingRefreshTask{cleanOnTimeout: cleanOnTimeout})
	t.closest.max = math.MaxInt32
	now := srv.clk.Now()
	t.mu.Lock()
	for _, e := range entries {
		if !cleanOnTimeout && !e.isQuestionable(now) {
			continue
		}
		t.addCandidateLocked(candidate{id: e.ID, hasID: true, addr: e.Addr})
	}
	t.mu.Unlock()
	t.SetInfo(p.String())
	return t
}

func (p *pingRefreshTask) kind() string { return "ping_refresh" }

func (p *pingRefreshTask) request(t *Task, to candidate) *Message {
	if !p.cleanOnTimeout && t.table != nil {
		// It may have answered someone else meanwhile.
		if e, ok := t.table.entry(to.id); ok && e.isGood(t.srv.clk.Now()) {
			return nil
		}
	}
	return newRequest(MethodPing, to.addr)
}

func (p *pingRefreshTask) handleResponse(t *Task, c *rpcCall, rsp *Message) {}

func (p *pingRefreshTask) handleTimeout(t *Task, c *rpcCall) {
	if p.cleanOnTimeout && c.expectedID != nil && t.table != nil {
		t.table.removeIfBad(*c.expectedID, true)
	}
}

func (p *pingRefreshTask) isDone(t *Task) bool { return false }

func (p *pingRefreshTask) maxInFlight(t *Task) int {
	return maxConcurrentRequests
}
