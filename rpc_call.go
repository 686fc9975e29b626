package dht

import (
	"expvar"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type callState int

const (
	callUnsent callState = iota
	callQueued
	callSent
	callStalled
	callResponded
	callTimedOut
	callErrored
)

func (s callState) terminal() bool {
	return s == callResponded || s == callTimedOut || s == callErrored
}

func (s callState) String() string {
	switch s {
	case callUnsent:
		return "unsent"
	case callQueued:
		return "queued"
	case callSent:
		return "sent"
	case callStalled:
		return "stalled"
	case callResponded:
		return "responded"
	case callTimedOut:
		return "timedout"
	case callErrored:
		return "errored"
	}
	return "?"
}

// rpcCallListener observes a call. Callbacks run with the call locked, in the
// order sent, stalled, then exactly one of response or timeout. An error
// reply ends the call through onTimeout. They must not call back into the
// call.
type rpcCallListener interface {
	onStall(c *rpcCall)
	onResponse(c *rpcCall, rsp *Message)
	onTimeout(c *rpcCall)
}

// callFuncs adapts plain functions to rpcCallListener. Nil members are
// skipped.
type callFuncs struct {
	stall    func(c *rpcCall)
	response func(c *rpcCall, rsp *Message)
	timeout  func(c *rpcCall)
}

func (f callFuncs) onStall(c *rpcCall) {
	if f.stall != nil {
		f.stall(c)
	}
}

func (f callFuncs) onResponse(c *rpcCall, rsp *Message) {
	if f.response != nil {
		f.response(c, rsp)
	}
}

func (f callFuncs) onTimeout(c *rpcCall) {
	if f.timeout != nil {
		f.timeout(c)
	}
}

// rpcCall is one outgoing request and its wait for an answer.
type rpcCall struct {
	req *Message
	// expectedID is the node we think lives at the destination. Nil for
	// bootstrap seeds and other addresses we have no ID for.
	expectedID *Key

	mu           sync.Mutex
	clk          clock.Clock
	srv          *rpcServer
	state        callState
	listeners    []rpcCallListener
	sentTime     time.Time
	responseTime time.Time
	stalled      bool
	timer        *clock.Timer
	rsp          *Message
}

func newRPCCall(req *Message, expectedID *Key) *rpcCall {
	return &rpcCall{req: req, expectedID: expectedID}
}

func (c *rpcCall) destination() netip.AddrPort {
	return c.req.Destination
}

func (c *rpcCall) mtid() string {
	return c.req.MTID
}

func (c *rpcCall) addListener(l rpcCallListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *rpcCall) getState() callState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *rpcCall) isStalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// awaitingResponse is true from the moment the request hits the wire until
// the call ends.
func (c *rpcCall) awaitingResponse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == callSent || c.state == callStalled
}

func (c *rpcCall) response() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rsp
}

// RTT is the round trip time of an answered call, or -1.
func (c *rpcCall) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callResponded {
		return -1
	}
	return c.responseTime.Sub(c.sentTime)
}

func (c *rpcCall) setQueued(srv *rpcServer) {
	c.mu.Lock()
	c.srv = srv
	c.clk = srv.clk
	if c.state == callUnsent {
		c.state = callQueued
	}
	c.mu.Unlock()
}

// sent is called once the request was handed to the socket. It arms the
// stall timer.
func (c *rpcCall) sent(srv *rpcServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() || c.state == callSent || c.state == callStalled {
		return
	}
	c.srv = srv
	c.clk = srv.clk
	c.state = callSent
	c.sentTime = c.clk.Now()
	c.timer = c.clk.AfterFunc(srv.timeouts.stallTimeout(), c.checkStall)
}

// checkStall fires at the stall timeout, and again at the hard timeout for
// stalled calls.
func (c *rpcCall) checkStall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	remaining := rpcCallTimeoutMax - c.clk.Since(c.sentTime)
	if remaining > 0 && !c.stalled {
		c.stalled = true
		c.state = callStalled
		totalStalls.Add(1)
		for _, l := range c.listeners {
			l.onStall(c)
		}
		c.timer = c.clk.AfterFunc(remaining, c.checkStall)
		return
	}
	c.timeoutLocked()
}

// timeoutLocked ends the call. The server hears first so that the routing
// table already counts the failure when listeners run.
func (c *rpcCall) timeoutLocked() {
	totalTimeouts.Add(1)
	c.failLocked(callTimedOut)
}

func (c *rpcCall) failLocked(s callState) {
	c.state = s
	if c.srv != nil {
		c.srv.onCallTimeout(c)
	}
	for _, l := range c.listeners {
		l.onTimeout(c)
	}
}

// sendFailed ends a call whose request could not be sent.
func (c *rpcCall) sendFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timeoutLocked()
}

// cancel ends the call as timed out without waiting, for server shutdown.
func (c *rpcCall) cancel() {
	c.sendFailed()
}

// deliver hands a matched response to the call. It returns false if the call
// had already ended.
func (c *rpcCall) deliver(rsp *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = callResponded
	c.rsp = rsp
	if c.clk != nil {
		c.responseTime = c.clk.Now()
	}
	rsp.call = c
	if c.srv != nil {
		c.srv.timeouts.update(c.responseTime.Sub(c.sentTime))
	}
	for _, l := range c.listeners {
		l.onResponse(c, rsp)
	}
	return true
}

// errorReceived ends the call on a KRPC error reply. It returns false if the
// call had already ended.
func (c *rpcCall) errorReceived(m *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.rsp = m
	m.call = c
	totalErrorReplies.Add(1)
	c.failLocked(callErrored)
	return true
}

// matchesExpectedID reports whether rsp came from the node the call was
// addressed to. Calls without an expected ID accept any sender.
func (c *rpcCall) matchesExpectedID(rsp *Message) bool {
	return c.expectedID == nil || *c.expectedID == rsp.ID
}

var (
	totalStalls       = expvar.NewInt("totalStalls")
	totalTimeouts     = expvar.NewInt("totalTimeouts")
	totalErrorReplies = expvar.NewInt("totalErrorReplies")
)
