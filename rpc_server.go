package dht

import (
	"crypto/rand"
	"errors"
	"expvar"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
)

const (
	maxActiveCalls      = 256
	strayResponseUptime = 2 * time.Minute
	reachabilityTimeout = 60 * time.Second
	originPairsSize     = 64
	consensusMinEntries = 20
)

// ErrServerStopped is returned when a stopped server is asked to do work.
var ErrServerStopped = errors.New("rpc server stopped")

// zeroMTID answers messages too broken to have a transaction ID.
const zeroMTID = "\x00\x00\x00\x00"

type serverState int32

const (
	serverInitial serverState = iota
	serverRunning
	serverStopped
)

// messageHandler is the DHT side of a server. incomingMessage sees every
// request and error, and every response after it was matched to its call.
type messageHandler interface {
	incomingMessage(srv *rpcServer, m *Message)
	callTimedOut(srv *rpcServer, c *rpcCall)
}

// rpcServer multiplexes calls over one UDP endpoint.
type rpcServer struct {
	handler    messageHandler
	family     Family
	bindAddr   netip.Addr
	port       int
	id         Key
	allowLocal bool

	sched    *scheduler
	clk      clock.Clock
	throttle *spamThrottle
	sock     *socketHandler
	timeouts *timeoutFilter

	// calls maps MTIDs to the calls awaiting a response.
	calls    sync.Map
	numCalls atomic.Int32

	queueMu   sync.Mutex
	callQueue []*rpcCall

	state     atomic.Int32
	startTime time.Time

	mu             sync.Mutex
	originPairs    *lru.Cache
	originCounts   map[netip.AddrPort]int
	consensus      netip.AddrPort
	reachable      bool
	lastRecvCount  int64
	lastRecvChange time.Time
}

func newRPCServer(h messageHandler, f Family, bind netip.Addr, port int, id Key, sched *scheduler, throttle *spamThrottle, allowLocal bool) *rpcServer {
	s := &rpcServer{
		handler:      h,
		family:       f,
		bindAddr:     bind,
		port:         port,
		id:           id,
		allowLocal:   allowLocal,
		sched:        sched,
		clk:          sched.clk,
		throttle:     throttle,
		timeouts:     newTimeoutFilter(),
		originPairs:  lru.New(originPairsSize),
		originCounts: make(map[netip.AddrPort]int),
	}
	s.originPairs.OnEvicted = func(_ lru.Key, v interface{}) {
		s.dropOriginCount(v.(netip.AddrPort))
	}
	return s
}

func (s *rpcServer) String() string {
	return fmt.Sprintf("%v %x@%v", s.family, s.id[:4], netip.AddrPortFrom(s.bindAddr, uint16(s.port)))
}

// start binds the socket and begins reading.
func (s *rpcServer) start() error {
	conn, err := listen(s.family.network(), netip.AddrPortFrom(s.bindAddr, uint16(s.port)))
	if err != nil {
		return fmt.Errorf("dht: bind %v:%d: %w", s.bindAddr, s.port, err)
	}
	s.sock = newSocketHandler(conn, s.family, s, s.sched, s.throttle)
	s.port = int(s.sock.local.Port())
	now := s.clk.Now()
	s.mu.Lock()
	s.startTime = now
	s.lastRecvChange = now
	// Give a fresh server the benefit of the doubt until the first
	// reachability check.
	s.reachable = true
	s.mu.Unlock()
	s.state.Store(int32(serverRunning))
	s.sock.start()
	log.Infof("DHT: started server %v", s)
	return nil
}

func (s *rpcServer) isRunning() bool {
	return serverState(s.state.Load()) == serverRunning
}

// stop closes the socket and ends every pending call.
func (s *rpcServer) stop() error {
	if serverState(s.state.Swap(int32(serverStopped))) != serverRunning {
		return nil
	}
	err := s.sock.close()
	s.sock.wait()
	s.calls.Range(func(k, v interface{}) bool {
		v.(*rpcCall).cancel()
		return true
	})
	s.queueMu.Lock()
	q := s.callQueue
	s.callQueue = nil
	s.queueMu.Unlock()
	for _, c := range q {
		c.cancel()
	}
	log.Infof("DHT: stopped server %v", s)
	return err
}

func (s *rpcServer) localAddr() netip.AddrPort {
	if s.sock == nil {
		return netip.AddrPortFrom(s.bindAddr, uint16(s.port))
	}
	return s.sock.local
}

func (s *rpcServer) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return s.clk.Since(s.startTime)
}

func (s *rpcServer) numActiveCalls() int {
	return int(s.numCalls.Load())
}

func (s *rpcServer) numQueuedCalls() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.callQueue)
}

// hasCallCapacity reports whether a new call would go out without queueing.
func (s *rpcServer) hasCallCapacity() bool {
	return s.numActiveCalls() < maxActiveCalls && s.numQueuedCalls() == 0
}

func (s *rpcServer) methodForMTID(mtid string) Method {
	if v, ok := s.calls.Load(mtid); ok {
		return v.(*rpcCall).req.Method
	}
	return MethodUnknown
}

func randomMTID() string {
	var b [mtidLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("dht: crypto/rand failed: " + err.Error())
	}
	return string(b[:])
}

// doCall sends the call's request, or queues it while maxActiveCalls calls
// are in flight.
func (s *rpcServer) doCall(c *rpcCall) {
	if !s.isRunning() {
		c.setQueued(s)
		c.sendFailed()
		return
	}
	c.setQueued(s)
	if !s.reserveSlot() {
		s.queueMu.Lock()
		s.callQueue = append(s.callQueue, c)
		s.queueMu.Unlock()
		// A slot may have freed up between the check and the append.
		s.doQueuedCalls()
		return
	}
	s.dispatch(c)
}

// reserveSlot takes one of the maxActiveCalls slots.
func (s *rpcServer) reserveSlot() bool {
	for {
		n := s.numCalls.Load()
		if n >= maxActiveCalls {
			return false
		}
		if s.numCalls.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *rpcServer) releaseSlot() {
	s.numCalls.Add(-1)
}

func (s *rpcServer) doQueuedCalls() {
	for {
		if !s.reserveSlot() {
			return
		}
		s.queueMu.Lock()
		if len(s.callQueue) == 0 {
			s.queueMu.Unlock()
			s.releaseSlot()
			return
		}
		c := s.callQueue[0]
		s.callQueue[0] = nil
		s.callQueue = s.callQueue[1:]
		s.queueMu.Unlock()
		s.dispatch(c)
	}
}

// dispatch assigns a unique MTID to a call holding a slot and sends it.
func (s *rpcServer) dispatch(c *rpcCall) {
	for {
		mtid := randomMTID()
		if _, loaded := s.calls.LoadOrStore(mtid, c); !loaded {
			c.req.MTID = mtid
			break
		}
	}
	s.sendMessage(c.req, c)
}

// onCallTimeout frees the slot of a call that ended without a response.
func (s *rpcServer) onCallTimeout(c *rpcCall) {
	if c.req.MTID != "" && s.calls.CompareAndDelete(c.req.MTID, c) {
		s.releaseSlot()
	}
	if s.handler != nil {
		s.handler.callTimedOut(s, c)
	}
	s.sched.execute(s.doQueuedCalls)
}

// decorate fills in the fields every outgoing message carries.
func (s *rpcServer) decorate(m *Message) {
	if m.Type != MsgError && m.ID == (Key{}) {
		m.ID = s.id
	}
	if m.Version == "" {
		m.Version = clientVersion
	}
	if m.Type == MsgResponse && !m.PublicIP.IsValid() {
		m.PublicIP = m.Destination
	}
}

// sendMessage queues m for transmission. call is nil for responses and
// errors.
func (s *rpcServer) sendMessage(m *Message, call *rpcCall) {
	s.decorate(m)
	m.srv = s
	b, err := m.Encode()
	if err != nil {
		log.Errorf("DHT: %v", err)
		if call != nil {
			call.sendFailed()
		}
		return
	}
	if len(b) > s.family.maxPacketSize() {
		log.V(3).Infof("DHT: sending oversized %v (%d bytes) to %v", m, len(b), m.Destination)
	}
	if s.sock == nil {
		if call != nil {
			call.sendFailed()
		}
		return
	}
	countSent(m)
	s.sock.fillPipe(&enqueuedSend{data: b, dest: m.Destination, call: call})
}

func (s *rpcServer) sendError(mtid string, dest netip.AddrPort, code int, msg string) {
	s.sendMessage(newErrorMessage(mtid, dest, code, msg), nil)
}

// handlePacket decodes a datagram and routes it. Runs on a worker.
func (s *rpcServer) handlePacket(b []byte, from netip.AddrPort) {
	if from.Port() == 0 || !s.isRunning() {
		return
	}
	m, err := decodeMessage(b, s.methodForMTID)
	if err != nil {
		totalDecodeErrors.Add(1)
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			pe = protocolErrorf("%v", err)
		}
		log.V(3).Infof("DHT: %v from %v: %q", pe, from, b)
		if m == nil || m.MTID == "" {
			s.sendError(zeroMTID, from, ErrCodeProtocol, pe.Msg)
		} else if m.Type != MsgError {
			s.sendError(m.MTID, from, pe.Code, pe.Msg)
		}
		return
	}
	m.Origin = from
	m.srv = s

	switch m.Type {
	case MsgResponse:
		v, ok := s.calls.Load(m.MTID)
		if !ok {
			if s.uptime() > strayResponseUptime {
				totalStrayResponses.Add(1)
				s.sendError(m.MTID, from, ErrCodeProtocol,
					"received a response message whose transaction ID did not match a pending request or transaction expired")
			}
			return
		}
		c := v.(*rpcCall)
		if c.destination() != from {
			// MTID matches, but the sender is someone else.
			totalSpoofedResponses.Add(1)
			log.Errorf("DHT: response for %v came from %v: dropping", c.destination(), from)
			return
		}
		if !s.calls.CompareAndDelete(m.MTID, c) {
			return
		}
		s.releaseSlot()
		if m.PublicIP.IsValid() {
			s.updatePublicIPConsensus(from.Addr(), m.PublicIP)
		}
		c.deliver(m)
		s.doQueuedCalls()
		s.handler.incomingMessage(s, m)
	case MsgError:
		if v, ok := s.calls.Load(m.MTID); ok {
			c := v.(*rpcCall)
			if c.destination() != from {
				totalSpoofedResponses.Add(1)
				log.V(3).Infof("DHT: error for %v came from %v: dropping", c.destination(), from)
				return
			}
			// Frees the slot and starts queued calls.
			c.errorReceived(m)
		}
		s.handler.incomingMessage(s, m)
	case MsgRequest:
		s.handler.incomingMessage(s, m)
	}
}

func (s *rpcServer) dropOriginCount(addr netip.AddrPort) {
	s.originCounts[addr]--
	if s.originCounts[addr] <= 0 {
		delete(s.originCounts, addr)
	}
}

// updatePublicIPConsensus records what source says our address is, and
// recomputes the majority once enough sources have reported.
func (s *rpcServer) updatePublicIPConsensus(source netip.Addr, addr netip.AddrPort) {
	if !s.allowLocal && !isGlobalUnicast(addr.Addr()) {
		return
	}
	if !s.family.matches(addr.Addr()) {
		return
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.originPairs.Get(source); ok {
		if old.(netip.AddrPort) == addr {
			return
		}
		s.dropOriginCount(old.(netip.AddrPort))
	}
	s.originPairs.Add(source, addr)
	s.originCounts[addr]++
	if s.originPairs.Len() < consensusMinEntries {
		return
	}
	var best netip.AddrPort
	bestCount := 0
	for a, n := range s.originCounts {
		if n > bestCount || (n == bestCount && a.Compare(best) < 0) {
			best, bestCount = a, n
		}
	}
	// Ties keep the current address.
	if s.consensus.IsValid() && s.originCounts[s.consensus] == bestCount {
		best = s.consensus
	}
	if best != s.consensus {
		log.Infof("DHT: %v external address is now %v (%d of %d sources)", s.family, best, bestCount, s.originPairs.Len())
		s.consensus = best
	}
}

// consensusExternalAddress is the address most peers see us at, if known.
func (s *rpcServer) consensusExternalAddress() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consensus
}

// checkReachability marks the server unreachable when nothing arrived for
// reachabilityTimeout.
func (s *rpcServer) checkReachability() {
	if s.sock == nil {
		return
	}
	n := s.sock.received.Load()
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n != s.lastRecvCount {
		s.lastRecvCount = n
		s.lastRecvChange = now
		s.reachable = true
		return
	}
	if now.Sub(s.lastRecvChange) > reachabilityTimeout {
		s.reachable = false
	}
}

func (s *rpcServer) isReachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

func countSent(m *Message) {
	if m.Type != MsgRequest {
		return
	}
	switch m.Method {
	case MethodPing:
		totalSentPing.Add(1)
	case MethodFindNode:
		totalSentFindNode.Add(1)
	case MethodGetPeers:
		totalSentGetPeers.Add(1)
	case MethodAnnouncePeer:
		totalSentAnnouncePeer.Add(1)
	}
}

var (
	totalDecodeErrors     = expvar.NewInt("totalDecodeErrors")
	totalSpoofedResponses = expvar.NewInt("totalSpoofedResponses")
	totalStrayResponses   = expvar.NewInt("totalStrayResponses")
	totalSentPing         = expvar.NewInt("totalSentPing")
	totalSentGetPeers     = expvar.NewInt("totalSentGetPeers")
	totalSentFindNode     = expvar.NewInt("totalSentFindNode")
	totalSentAnnouncePeer = expvar.NewInt("totalSentAnnouncePeer")
)
