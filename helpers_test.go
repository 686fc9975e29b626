package dht

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var loopback = netip.MustParseAddr("127.0.0.1")

// freePort returns a UDP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// testConfig describes a node on loopback that never talks to the routers.
func testConfig(t *testing.T, clk clock.Clock) *Config {
	cfg := NewConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.AllowLocalAddresses = true
	cfg.NoRouterBootstrap = true
	cfg.RateLimit = -1
	cfg.ClientPerMinuteLimit = 1 << 20
	cfg.Clock = clk
	return cfg
}

func newTestNode(t *testing.T, clk clock.Clock) *DHT {
	t.Helper()
	d, err := New(testConfig(t, clk))
	require.NoError(t, err)
	return d
}

func startTestNode(t *testing.T, clk clock.Clock) *DHT {
	t.Helper()
	d := newTestNode(t, clk)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	return d
}

func nodeAddr(d *DHT) string {
	return fmt.Sprintf("127.0.0.1:%d", d.Port())
}

// connect makes from ping to and waits until to is a good entry of from.
func connect(t *testing.T, from, to *DHT) {
	t.Helper()
	require.NoError(t, from.AddNode(nodeAddr(to)))
	require.Eventually(t, func() bool {
		e, ok := from.table.entry(to.ID())
		return ok && e.isGood(from.clk.Now())
	}, waitTimeout, 5*time.Millisecond, "%v never answered %v", to.ID(), from.ID())
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	done := make(chan struct{})
	task.AddListener(func(*Task) { close(done) })
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("%v did not finish", task)
	}
}

// keyWithBit returns the key whose only set bit is bit i, counted from the
// most significant bit. Its distance to the zero key is 2^(159-i).
func keyWithBit(i int) Key {
	var k Key
	k.setBit(i, true)
	return k
}

func newTestScheduler(t *testing.T, clk clock.Clock) *scheduler {
	s := newScheduler(clk)
	s.acquire()
	t.Cleanup(func() { s.release() })
	return s
}

// testHandler records what a bare rpcServer receives.
type testHandler struct {
	// reply answers every request with an empty response.
	reply bool

	mu       sync.Mutex
	msgs     []*Message
	timeouts int
}

func (h *testHandler) incomingMessage(srv *rpcServer, m *Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	if h.reply && m.Type == MsgRequest {
		srv.sendMessage(newResponse(m), nil)
	}
}

func (h *testHandler) callTimedOut(srv *rpcServer, c *rpcCall) {
	h.mu.Lock()
	h.timeouts++
	h.mu.Unlock()
}

func (h *testHandler) numMessages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func startTestServer(t *testing.T, sched *scheduler, h messageHandler, throttle *spamThrottle) *rpcServer {
	t.Helper()
	srv := newRPCServer(h, IPv4, loopback, 0, RandomKey(), sched, throttle, true)
	require.NoError(t, srv.start())
	t.Cleanup(func() { srv.stop() })
	return srv
}

// silentPeer is a bound socket that never reads, so calls to it only end by
// timing out.
func silentPeer(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return addrPortFromUDP(conn.LocalAddr().(*net.UDPAddr))
}

// rawPeer is a plain UDP socket for sending hand made datagrams.
func rawPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *net.UDPConn) *Message {
	t.Helper()
	buf := make([]byte, maxUDPPacketSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	m, err := decodeMessage(buf[:n], nil)
	require.NoError(t, err)
	return m
}
