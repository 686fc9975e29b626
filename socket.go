package dht

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/golang/glog"
)

const (
	receiveBufferSize   = 5 * 1024
	receiveBufferBlocks = 128
	writeDeadline       = 50 * time.Millisecond
	writeRetryDelay     = 20 * time.Millisecond
)

// Writer slot states.
const (
	writeIdle int32 = iota
	writeWriting
	writeAwaitingWritable
	writeClosed
)

// packetHandler consumes datagrams that made it past the junk filter and the
// throttle.
type packetHandler interface {
	handlePacket(b []byte, from netip.AddrPort)
}

// enqueuedSend is an encoded message waiting in the write pipeline.
type enqueuedSend struct {
	data []byte
	dest netip.AddrPort
	call *rpcCall
}

// pipeline is the FIFO of pending writes. Many goroutines push; only the
// holder of the writer slot pops.
type pipeline struct {
	mu    sync.Mutex
	items []*enqueuedSend
}

func (p *pipeline) push(e *enqueuedSend) {
	p.mu.Lock()
	p.items = append(p.items, e)
	p.mu.Unlock()
}

func (p *pipeline) pushFront(e *enqueuedSend) {
	p.mu.Lock()
	p.items = append([]*enqueuedSend{e}, p.items...)
	p.mu.Unlock()
}

func (p *pipeline) pop() (*enqueuedSend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil, false
	}
	e := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return e, true
}

func (p *pipeline) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pipeline) drainAll() []*enqueuedSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.items
	p.items = nil
	return items
}

// socketHandler owns the UDP endpoint of one server.
type socketHandler struct {
	conn     *net.UDPConn
	local    netip.AddrPort
	family   Family
	handler  packetHandler
	sched    *scheduler
	throttle *spamThrottle
	arena    *arena

	pipe       pipeline
	writeState atomic.Int32

	// received counts datagrams that passed the junk filter.
	received atomic.Int64
	done     chan struct{}
}

func listen(network string, addr netip.AddrPort) (*net.UDPConn, error) {
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func newSocketHandler(conn *net.UDPConn, f Family, h packetHandler, sched *scheduler, throttle *spamThrottle) *socketHandler {
	s := &socketHandler{
		conn:     conn,
		local:    addrPortFromUDP(conn.LocalAddr().(*net.UDPAddr)),
		family:   f,
		handler:  h,
		sched:    sched,
		throttle: throttle,
		arena:    newArena(receiveBufferSize, receiveBufferBlocks),
		done:     make(chan struct{}),
	}
	return s
}

func (s *socketHandler) start() {
	go s.readFromSocket()
}

// isJunk implements the cheap checks done before anything else looks at a
// datagram.
func isJunk(b []byte, from netip.AddrPort) bool {
	return len(b) < minPacketSize || b[0] != 'd' || from.Port() == 0
}

func (s *socketHandler) readFromSocket() {
	defer close(s.done)
	scratch := make([]byte, receiveBufferSize)
	for {
		b, ok := s.arena.Pop()
		if !ok {
			// Every buffer is waiting for a worker. Drain and drop.
			if _, _, err := s.conn.ReadFromUDPAddrPort(scratch); err != nil && s.closed() {
				return
			}
			totalDroppedPackets.Add(1)
			continue
		}
		n, from, err := s.conn.ReadFromUDPAddrPort(b)
		if err != nil {
			s.arena.Push(b)
			if s.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.V(3).Infof("DHT: readFromSocket error: %v", err)
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		p := b[:n]
		if isJunk(p, from) {
			totalJunkPackets.Add(1)
			s.arena.Push(b)
			continue
		}
		if s.throttle != nil && !s.throttle.checkBlock(from.Addr()) {
			s.arena.Push(b)
			continue
		}
		s.received.Add(1)
		totalRecv.Add(1)
		totalRecvBytes.Add(int64(n + s.family.headerLen()))
		if !s.sched.execute(func() {
			defer s.arena.Push(p)
			s.handler.handlePacket(p, from)
		}) {
			s.arena.Push(b)
		}
	}
}

// fillPipe queues e and makes sure a writer picks it up.
func (s *socketHandler) fillPipe(e *enqueuedSend) {
	if s.closed() {
		if e.call != nil {
			e.call.sendFailed()
		}
		return
	}
	s.pipe.push(e)
	if !s.sched.execute(s.writeEvent) {
		s.writeEvent()
	}
}

// writeEvent drains the pipeline if no other goroutine holds the writer slot.
// After releasing the slot the pipeline is checked again, so an item pushed
// between the last pop and the release isn't stranded.
func (s *socketHandler) writeEvent() {
	for {
		if !s.writeState.CompareAndSwap(writeIdle, writeWriting) {
			return
		}
		s.drain()
		if !s.writeState.CompareAndSwap(writeWriting, writeIdle) {
			// Closed, or waiting for the kernel buffer to free up.
			return
		}
		if s.pipe.len() == 0 {
			return
		}
	}
}

func isTransientWriteError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN)
}

func (s *socketHandler) drain() {
	for {
		e, ok := s.pipe.pop()
		if !ok {
			return
		}
		if e.call != nil {
			e.call.sent(s.srv())
		}
		// Socket deadlines use the wall clock even when timers are mocked.
		s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		n, err := s.conn.WriteToUDPAddrPort(e.data, e.dest)
		if err == nil && n == 0 {
			err = syscall.EAGAIN
		}
		switch {
		case err == nil:
			totalSent.Add(1)
			totalSentBytes.Add(int64(n + s.family.headerLen()))
		case isTransientWriteError(err):
			s.pipe.pushFront(e)
			if s.writeState.CompareAndSwap(writeWriting, writeAwaitingWritable) {
				time.AfterFunc(writeRetryDelay, func() {
					if s.writeState.CompareAndSwap(writeAwaitingWritable, writeIdle) {
						s.writeEvent()
					}
				})
			}
			return
		default:
			log.V(3).Infof("DHT: failed to write to %v: %v", e.dest, err)
			if e.call != nil {
				e.call.sendFailed()
			}
			if s.closed() {
				return
			}
		}
	}
}

// srv returns the server owning this socket, if the handler is one.
func (s *socketHandler) srv() *rpcServer {
	srv, _ := s.handler.(*rpcServer)
	return srv
}

func (s *socketHandler) closed() bool {
	return s.writeState.Load() == writeClosed
}

// close shuts the endpoint down. Queued requests fail.
func (s *socketHandler) close() error {
	if s.writeState.Swap(writeClosed) == writeClosed {
		return nil
	}
	err := s.conn.Close()
	for _, e := range s.pipe.drainAll() {
		if e.call != nil {
			e.call.sendFailed()
		}
	}
	return err
}

// wait blocks until the read goroutine is gone.
func (s *socketHandler) wait() {
	<-s.done
}
