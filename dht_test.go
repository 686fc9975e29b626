package dht

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNodeWithID starts a node whose root ID is id.
func startNodeWithID(t *testing.T, clk clock.Clock, id Key) *DHT {
	t.Helper()
	d := newTestNode(t, clk)
	d.rootID = id
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	return d
}

func firstServer(t *testing.T, d *DHT) *rpcServer {
	t.Helper()
	srvs := d.servers.servers()
	require.NotEmpty(t, srvs)
	return srvs[0]
}

func TestPingAndPublicIP(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)

	publicIP := make(chan netip.AddrPort, 1)
	a.AddIncomingMessageListener(func(_ *DHT, m *Message) {
		if m.Type == MsgResponse && m.ID == b.ID() {
			select {
			case publicIP <- m.PublicIP:
			default:
			}
		}
	})
	connect(t, a, b)

	select {
	case ip := <-publicIP:
		assert.Equal(t, netip.MustParseAddrPort(nodeAddr(a)), ip)
	case <-time.After(waitTimeout):
		t.Fatal("no response seen")
	}
	// b learned about a from the request, but never heard it answer.
	require.Eventually(t, func() bool {
		_, ok := b.table.entry(a.ID())
		return ok
	}, waitTimeout, time.Millisecond)
	e, _ := b.table.entry(a.ID())
	assert.False(t, e.isGood(clk.Now()))

	s := a.Stats()
	assert.Equal(t, Running, s.Status)
	assert.Equal(t, 1, s.RoutingTableEntries)
	assert.Equal(t, 1, s.Servers)
	assert.Equal(t, 1, s.ReachableServers)

	var buf bytes.Buffer
	a.PrintDiagnostics(&buf)
	assert.Contains(t, buf.String(), "Routing table: 1 entries")
}

func TestFindNode(t *testing.T) {
	clk := clock.NewMock()
	a := startNodeWithID(t, clk, Key{})
	e1 := startNodeWithID(t, clk, keyWithBit(9))
	e2 := startNodeWithID(t, clk, keyWithBit(19))
	e3 := startNodeWithID(t, clk, keyWithBit(24))
	connect(t, a, e1)
	connect(t, e1, e2)
	connect(t, e1, e3)

	task, err := a.FindNode(Key{})
	require.NoError(t, err)
	waitTask(t, task)

	var ids []Key
	for _, n := range task.ClosestNodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []Key{e3.ID(), e2.ID(), e1.ID()}, ids)
	for _, e := range []*DHT{e1, e2, e3} {
		entry, ok := a.table.entry(e.ID())
		require.True(t, ok, "%v not in the table", e.ID())
		assert.True(t, entry.isGood(clk.Now()))
	}
	assert.Positive(t, a.estimator.estimate())
}

func TestGetPeersAndAnnounce(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	c := startTestNode(t, clk)
	connect(t, a, b)
	connect(t, c, b)
	ih := RandomKey()

	lookup, err := a.GetPeers(ih, false, false, nil)
	require.NoError(t, err)
	waitTask(t, lookup)
	assert.Empty(t, lookup.Peers())
	require.Len(t, lookup.announceCandidates(), 1)

	announce, err := a.Announce(lookup, 6881, false)
	require.NoError(t, err)
	waitTask(t, announce)
	implied, err := a.Announce(lookup, 0, true)
	require.NoError(t, err)
	waitTask(t, implied)
	assert.Equal(t, 2, b.peers.count(ih))

	var mu sync.Mutex
	var handled []netip.AddrPort
	found, err := c.GetPeers(ih, false, false, func(from NodeInfo, peers []netip.AddrPort) {
		assert.Equal(t, b.ID(), from.ID)
		mu.Lock()
		handled = append(handled, peers...)
		mu.Unlock()
	})
	require.NoError(t, err)
	waitTask(t, found)

	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort(nodeAddr(a)),
	}
	assert.ElementsMatch(t, want, found.Peers())
	mu.Lock()
	assert.ElementsMatch(t, want, handled)
	mu.Unlock()

	// noseed leaves the seed out.
	noSeeds, err := c.GetPeers(ih, false, true, nil)
	require.NoError(t, err)
	waitTask(t, noSeeds)
	assert.Equal(t, want[:1], noSeeds.Peers())
}

func TestPeersRequest(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	ih := RandomKey()
	require.True(t, b.peers.addContact(ih, netip.MustParseAddrPort("10.1.2.3:6881"), false))

	a.PeersRequest(ih, false)
	select {
	case res := <-a.PeersRequestResults:
		require.Contains(t, res, ih)
		var got []string
		for _, p := range res[ih] {
			got = append(got, DecodePeerAddress(p))
		}
		assert.Equal(t, []string{"10.1.2.3:6881"}, got)
	case <-time.After(waitTimeout):
		t.Fatal("no results")
	}
}

func TestPeersRequestAnnounces(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	ih := RandomKey()

	a.PeersRequest(ih, true)
	require.Eventually(t, func() bool { return b.peers.count(ih) == 1 }, waitTimeout, time.Millisecond)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort(nodeAddr(a))}, b.peers.peerContacts(ih, 10, IPv4, false))
	assert.True(t, a.peers.hasLocalDownload(ih))
}

func TestAnnounceWithInvalidToken(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	ih := RandomKey()

	errs := make(chan *Message, 1)
	a.AddIncomingMessageListener(func(_ *DHT, m *Message) {
		if m.Type == MsgError {
			select {
			case errs <- m:
			default:
			}
		}
	})
	before := totalInvalidTokens.Value()
	bAddr := netip.MustParseAddrPort(nodeAddr(b))
	bogus := []candidate{{id: b.ID(), hasID: true, addr: bAddr, token: "abcd"}}
	task := newAnnounceTask(ih, firstServer(t, a), a.table, bogus, 6881, false, false)
	a.tasks.add(task)

	select {
	case m := <-errs:
		assert.Equal(t, ErrCodeProtocol, m.ErrCode)
		assert.Equal(t, invalidTokenMsg, m.ErrMsg)
	case <-time.After(waitTimeout):
		t.Fatal("no error reply")
	}
	assert.Equal(t, before+1, totalInvalidTokens.Value())
	assert.Zero(t, b.peers.count(ih))
}

func TestScrape(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	ih := RandomKey()
	for i := 1; i <= 20; i++ {
		require.True(t, b.peers.addContact(ih, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 6881), false))
	}
	for i := 1; i <= 5; i++ {
		require.True(t, b.peers.addContact(ih, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}), 6881), true))
	}

	task, err := a.GetPeers(ih, true, false, nil)
	require.NoError(t, err)
	waitTask(t, task)
	seeds, peers := task.ScrapeEstimates()
	assert.InDelta(t, 5, seeds, 1.5)
	assert.InDelta(t, 20, peers, 3)
	assert.Len(t, task.Peers(), 25)
}

func TestUnknownMethod(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	peer := rawPeer(t)
	dest := netip.MustParseAddrPort(nodeAddr(a))
	id, target := RandomKey(), b.ID()

	withTarget := fmt.Sprintf("d1:ad2:id20:%s6:target20:%se1:q4:vote1:t2:aa1:y1:qe", id[:], target[:])
	_, err := peer.WriteToUDPAddrPort([]byte(withTarget), dest)
	require.NoError(t, err)
	m := readMessage(t, peer)
	assert.Equal(t, MsgResponse, m.Type)
	assert.Equal(t, a.ID(), m.ID)
	require.Len(t, m.Nodes, 1)
	assert.Equal(t, b.ID(), m.Nodes[0].ID)

	bare := fmt.Sprintf("d1:ad2:id20:%se1:q4:vote1:t2:bb1:y1:qe", id[:])
	_, err = peer.WriteToUDPAddrPort([]byte(bare), dest)
	require.NoError(t, err)
	m = readMessage(t, peer)
	assert.Equal(t, MsgError, m.Type)
	assert.Equal(t, ErrCodeMethodUnknown, m.ErrCode)
	assert.Equal(t, "bb", m.MTID)
}

func TestBootstrapIsRateLimited(t *testing.T) {
	clk := clock.NewMock()
	d := startTestNode(t, clk)
	bootstrapped := func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return !d.lastBootstrap.IsZero() && !d.bootstrapping
	}
	require.Eventually(t, bootstrapped, waitTimeout, time.Millisecond)

	before := totalTasks.Value()
	d.bootstrap()
	d.bootstrap()
	assert.Equal(t, before, totalTasks.Value())

	d.mu.Lock()
	d.lastBootstrap = clk.Now().Add(-bootstrapMinInterval)
	d.mu.Unlock()
	d.bootstrap()
	d.bootstrap()
	assert.Equal(t, before+1, totalTasks.Value())
}

func TestLifecycle(t *testing.T) {
	clk := clock.NewMock()
	d := newTestNode(t, clk)
	var mu sync.Mutex
	var seen []DHTStatus
	d.AddStatusListener(func(_, s DHTStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	_, err := d.FindNode(RandomKey())
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = d.GetPeers(RandomKey(), false, false, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, d.AddNode("127.0.0.1:1"), ErrNotRunning)
	assert.Equal(t, Stopped, d.Status())

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrAlreadyRunning)
	assert.Equal(t, Running, d.Status())
	assert.Error(t, d.AddNode("0.0.0.0:1"))
	assert.Error(t, d.AddNode("not an address"))

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.Equal(t, Stopped, d.Status())

	mu.Lock()
	assert.Equal(t, []DHTStatus{Initializing, Running, Stopped}, seen)
	mu.Unlock()

	// A stopped node can start again.
	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
}

func TestRunReturnsOnStop(t *testing.T) {
	d := newTestNode(t, clock.NewMock())
	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	require.Eventually(t, func() bool { return d.Status() == Running }, waitTimeout, time.Millisecond)
	require.NoError(t, d.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}

func TestRoutingTablePersistence(t *testing.T) {
	clk := clock.NewMock()
	b := startTestNode(t, clk)
	path := filepath.Join(t.TempDir(), "table")

	cfg := testConfig(t, clk)
	cfg.TableCachePath = path
	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Stop() })
	connect(t, a, b)
	require.NoError(t, a.saveTable())
	require.NoError(t, a.Stop())
	assert.FileExists(t, path+".ipv4")

	cfg2 := testConfig(t, clk)
	cfg2.TableCachePath = path
	a2, err := New(cfg2)
	require.NoError(t, err)
	require.NoError(t, a2.Start())
	t.Cleanup(func() { a2.Stop() })
	assert.Equal(t, a.ID(), a2.ID())

	// The restored entry gets verified with a ping.
	require.Eventually(t, func() bool {
		e, ok := a2.table.entry(b.ID())
		return ok && e.isGood(clk.Now())
	}, waitTimeout, time.Millisecond)
}

func TestDual(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig(t, clk)
	d, err := NewDual(cfg)
	require.NoError(t, err)
	assert.Same(t, d.V6, d.V4.sibling)
	assert.Same(t, d.V4, d.V6.sibling)
	assert.Same(t, d.V6, d.Get(IPv6))
	assert.Same(t, d.V4, d.Get(IPv4))
	assert.Equal(t, IPv4, d.V4.Family())
	assert.Equal(t, IPv6, d.V6.Family())
	assert.Equal(t, "", d.V6.cfg.Address, "an IPv4 bind address is dropped for IPv6")
	assert.Same(t, d.V4.sched, d.V6.sched)

	// IPv6 may be unavailable; the IPv4 node has to come up regardless.
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	assert.Equal(t, Running, d.V4.Status())
	require.NoError(t, d.Stop())
	assert.Equal(t, Stopped, d.V4.Status())
	assert.Equal(t, Stopped, d.V6.Status())
}

func TestNewRejectsBadProto(t *testing.T) {
	cfg := NewConfig()
	cfg.UDPProto = "tcp"
	_, err := New(cfg)
	assert.Error(t, err)
}

// Requires Internet access and can be flaky if the routers or the network are
// slow.
func TestDHTLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("TestDHTLarge requires internet access and can be flaky. Skipping in short mode.")
	}
	if _, err := net.LookupHost("router.bittorrent.com"); err != nil {
		t.Skipf("no DNS: %v", err)
	}
	d, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	deadline := time.Now().Add(30 * time.Second)
	for d.table.numEntries() == 0 {
		if time.Now().After(deadline) {
			t.Skip("No external DHT node could be contacted.")
		}
		time.Sleep(time.Second)
	}
	t.Logf("Contacted %d DHT nodes.", d.table.numEntries())

	ih, err := DecodeInfoHash("d1c5676ae7ac98e8b19f63565905105e3c4c37a2")
	require.NoError(t, err)
	task, err := d.GetPeers(ih, false, false, nil)
	require.NoError(t, err)
	done := make(chan struct{})
	task.AddListener(func(*Task) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatal("peer lookup timed out")
	}
	for _, p := range task.Peers() {
		t.Logf("peer found: %v", p)
	}
	t.Log(d.Stats())
}

type fixedIndexer struct {
	mu   sync.Mutex
	seen []InfoHash
	add  []netip.AddrPort
}

func (f *fixedIndexer) IncomingPeersRequest(ih InfoHash, from netip.Addr, id Key) []netip.AddrPort {
	f.mu.Lock()
	f.seen = append(f.seen, ih)
	f.mu.Unlock()
	return f.add
}

func TestIndexingListener(t *testing.T) {
	clk := clock.NewMock()
	a := startTestNode(t, clk)
	b := startTestNode(t, clk)
	connect(t, a, b)
	idx := &fixedIndexer{add: []netip.AddrPort{
		netip.MustParseAddrPort("10.9.9.9:1"),
		netip.MustParseAddrPort("[2001:db8::1]:1"),
	}}
	b.SetIndexingListener(idx)
	ih := RandomKey()

	task, err := a.GetPeers(ih, false, false, nil)
	require.NoError(t, err)
	waitTask(t, task)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.9.9.9:1")}, task.Peers(), "only peers of the node's family")
	idx.mu.Lock()
	assert.Equal(t, []InfoHash{ih}, idx.seen)
	idx.mu.Unlock()
}

func TestNewDHTNode(t *testing.T) {
	d, err := NewDHTNode(6881, 7, true)
	require.NoError(t, err)
	assert.Equal(t, 7, d.cfg.NumTargetPeers)
	assert.Equal(t, "dht-routing-table.ipv4", d.tablePath())
	assert.Equal(t, 6881, d.Port())
}
