// Mainline DHT node, for tracker-less peer information exchange between
// BitTorrent clients. Implements BEP-5 (the DHT protocol) and BEP-33 (DHT
// scrapes), with IPv6 support via BEP-32 style nodes6 / want.

package dht

// Summary from the bittorrent DHT protocol specification:
//
// Message types:
//  - query
//  - response
//  - error
//
// RPCs:
//      ping:
//         see if node is reachable and save it on routing table.
//      find_node:
//	       run when DHT node count drops, or every X minutes. Just to ensure
//	       our DHT routing table is still useful.
//      get_peers:
//	       the real deal. Iteratively queries DHT nodes and find new sources
//	       for a particular infohash.
//	announce_peer:
//         announce that the peer associated with this node is downloading a
//         torrent.
//
// Reference:
//     http://www.bittorrent.org/beps/bep_0005.html
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	"go.uber.org/multierr"
)

const (
	// Below this many entries the routers are asked for help.
	bootstrapMinPeers    = 10
	bootstrapMinInterval = 4 * time.Minute
	updateInterval       = time.Second
	selfLookupInterval   = 30 * time.Minute
	randomLookupInterval = 15 * time.Minute
	livenessPingInterval = 10 * time.Second
	bindCheckInterval    = 10 * time.Second
	peerExpireInterval   = time.Minute
	routerResolveTimeout = 5 * time.Second
)

var (
	// ErrNotRunning is returned by operations that need a started DHT.
	ErrNotRunning = errors.New("dht: not running")
	// ErrNoServer means no RPC server is bound and reachable.
	ErrNoServer = errors.New("dht: no active server")
	// ErrAlreadyRunning is returned by Start on a started DHT.
	ErrAlreadyRunning = errors.New("dht: already running")
)

// DHTStatus is the lifecycle state of a DHT instance.
type DHTStatus int

const (
	Stopped DHTStatus = iota
	Initializing
	Running
)

func (s DHTStatus) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	}
	return "stopped"
}

// StatusListener is told about status changes.
type StatusListener func(old, new DHTStatus)

// DHT is a node of one address family. It should be created by New, or by
// NewDual to run both families. It provides DHT features to a torrent client,
// such as finding new peers for torrent downloads without requiring a
// tracker.
type DHT struct {
	cfg    *Config
	family Family
	clk    clock.Clock

	sched     *scheduler
	throttle  *spamThrottle
	table     *routingTable
	peers     *peerStore
	tasks     *taskManager
	estimator *populationEstimator
	servers   *serverManager
	rootID    Key

	// sibling is the DHT of the other family, set by NewDual before start.
	// It is only used to answer find_node and get_peers with nodes of both
	// families.
	sibling *DHT

	mu              sync.Mutex
	status          DHTStatus
	stopping        bool
	indexer         IndexingListener
	statusListeners []StatusListener
	statsListeners  []StatsListener
	msgListeners    []IncomingMessageListener
	jobs            []*periodicJob
	bootstrapping   bool
	lastBootstrap   time.Time
	lastSelfLookup  time.Time
	stopped         chan struct{}

	// Public channels:
	PeersRequestResults chan map[InfoHash][]string // key = infohash, v = slice of peers.
}

// New creates a DHT node. If cfg is nil, NewConfig() is used. The node does
// nothing until Start or Run is called.
func New(cfg *Config) (*DHT, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	return newDHT(cfg, newScheduler(cfg.clock()))
}

func newDHT(cfg *Config, sched *scheduler) (*DHT, error) {
	if cfg.UDPProto != "udp4" && cfg.UDPProto != "udp6" {
		return nil, fmt.Errorf("dht: unsupported UDPProto %q", cfg.UDPProto)
	}
	c := *cfg
	cfg = &c
	clk := sched.clk
	f := cfg.family()
	d := &DHT{
		cfg:                 cfg,
		family:              f,
		clk:                 clk,
		sched:               sched,
		throttle:            newSpamThrottle(cfg, clk),
		table:               newRoutingTable(f, kNodes, cfg.RelaxedSplitDepth, clk),
		peers:               newPeerStore(cfg.MaxInfoHashes, cfg.MaxInfoHashPeers, clk),
		tasks:               newTaskManager(),
		estimator:           newPopulationEstimator(),
		rootID:              RandomKey(),
		stopped:             make(chan struct{}),
		PeersRequestResults: make(chan map[InfoHash][]string, 1),
	}
	d.table.allowLocal = cfg.AllowLocalAddresses
	d.peers.allowLocal = cfg.AllowLocalAddresses
	d.servers = newServerManager(d)
	return d, nil
}

func (d *DHT) tablePath() string {
	if d.cfg.TableCachePath == "" {
		return ""
	}
	return d.cfg.TableCachePath + "." + strings.ToLower(d.family.String())
}

// Start binds the servers, loads the routing table and starts bootstrap and
// maintenance. It returns once the node is running.
func (d *DHT) Start() error {
	d.mu.Lock()
	if d.status != Stopped {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.stopped = make(chan struct{})
	d.lastBootstrap = time.Time{}
	d.mu.Unlock()
	d.setStatus(Initializing)

	d.sched.acquire()
	loaded := d.loadTable()
	d.table.registerID(d.rootID)
	d.servers.refresh()
	if d.servers.numServers() == 0 {
		err := multierr.Append(fmt.Errorf("dht: %v: %w", d.family, ErrNoServer), d.sched.release())
		d.setStatus(Stopped)
		return err
	}
	log.Infof("DHT: starting %v node %v on port %d", d.family, d.rootID, d.Port())

	jobs := []*periodicJob{
		d.sched.scheduleWithFixedDelay(updateInterval, updateInterval, d.update),
		d.sched.scheduleWithFixedDelay(peerExpireInterval, peerExpireInterval, d.peers.expire),
		d.sched.scheduleWithFixedDelay(livenessPingInterval, livenessPingInterval, d.livenessPing),
		d.sched.scheduleWithFixedDelay(randomLookupInterval, randomLookupInterval, d.randomLookup),
		d.sched.scheduleWithFixedDelay(bindCheckInterval, bindCheckInterval, d.servers.doBindChecks),
	}
	d.mu.Lock()
	d.jobs = jobs
	d.mu.Unlock()
	d.setStatus(Running)

	if loaded {
		d.pingLoadedBuckets()
	}
	d.sched.execute(d.bootstrap)
	return nil
}

// Run starts the node and blocks until Stop is called.
func (d *DHT) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	<-stopped
	return nil
}

// Stop the DHT node. The routing table is saved unless the node is in
// survival mode.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if d.status == Stopped || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	jobs := d.jobs
	d.jobs = nil
	stopped := d.stopped
	d.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	d.tasks.killAll()
	var err error
	if !d.table.survivalMode(bootstrapMinPeers) {
		err = d.saveTable()
	}
	err = multierr.Append(err, d.servers.stopAll())
	err = multierr.Append(err, d.sched.release())
	d.setStatus(Stopped)
	d.mu.Lock()
	d.stopping = false
	d.mu.Unlock()
	close(stopped)
	log.Infof("DHT: %v node stopped", d.family)
	log.Flush()
	return err
}

func (d *DHT) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status != Stopped
}

// Status returns the lifecycle state.
func (d *DHT) Status() DHTStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *DHT) setStatus(s DHTStatus) {
	d.mu.Lock()
	old := d.status
	d.status = s
	listeners := append([]StatusListener(nil), d.statusListeners...)
	d.mu.Unlock()
	if old == s {
		return
	}
	for _, l := range listeners {
		l(old, s)
	}
}

// AddStatusListener registers l for status changes.
func (d *DHT) AddStatusListener(l StatusListener) {
	d.mu.Lock()
	d.statusListeners = append(d.statusListeners, l)
	d.mu.Unlock()
}

// AddStatsListener registers l to receive a Stats snapshot every second.
func (d *DHT) AddStatsListener(l StatsListener) {
	d.mu.Lock()
	d.statsListeners = append(d.statsListeners, l)
	d.mu.Unlock()
}

// AddIncomingMessageListener registers l to see every received message.
func (d *DHT) AddIncomingMessageListener(l IncomingMessageListener) {
	d.mu.Lock()
	d.msgListeners = append(d.msgListeners, l)
	d.mu.Unlock()
}

// SetIndexingListener installs the get_peers hook. nil removes it.
func (d *DHT) SetIndexingListener(l IndexingListener) {
	d.mu.Lock()
	d.indexer = l
	d.mu.Unlock()
}

func (d *DHT) indexingListener() IndexingListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexer
}

// ID is the root node ID. The first server uses it as is; further servers
// derive theirs from it.
func (d *DHT) ID() Key {
	return d.rootID
}

// Family returns the address family this node serves.
func (d *DHT) Family() Family {
	return d.family
}

// Port returns the UDP port of the first bound server, or the configured
// port before any server is bound.
func (d *DHT) Port() int {
	if srvs := d.servers.servers(); len(srvs) > 0 {
		return int(srvs[0].localAddr().Port())
	}
	return d.cfg.port()
}

// loadTable restores the persisted routing table, if any. It reports whether
// entries were loaded.
func (d *DHT) loadTable() bool {
	path := d.tablePath()
	if path == "" {
		return false
	}
	root, entries, err := loadTable(path, d.family)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		if !errors.Is(err, ErrTruncatedTable) {
			log.Warningf("DHT: %v", err)
			return false
		}
		log.Warningf("DHT: %v; keeping %d entries", err, len(entries))
	}
	if root != (Key{}) {
		d.rootID = root
	}
	d.table.registerID(d.rootID)
	for _, e := range entries {
		d.table.insertLoaded(e)
	}
	log.Infof("DHT: loaded %d %v routing table entries from %v", d.table.numEntries(), d.family, path)
	return d.table.numEntries() > 0
}

func (d *DHT) saveTable() error {
	path := d.tablePath()
	if path == "" {
		return nil
	}
	return saveTable(path, d.rootID, d.table)
}

// pingLoadedBuckets verifies the entries of a restored table.
func (d *DHT) pingLoadedBuckets() {
	for _, te := range d.table.snapshot() {
		entries := te.bucket.Entries()
		if len(entries) == 0 {
			continue
		}
		srv := d.servers.randomActiveServer()
		if srv == nil {
			return
		}
		d.tasks.add(newPingRefreshTask(srv, d.table, te.prefix, entries, true))
	}
}

func (d *DHT) serverStarted(srv *rpcServer) {
	d.table.registerID(srv.id)
}

func (d *DHT) serverStopped(srv *rpcServer) {
	if srv.id != d.rootID {
		d.table.unregisterID(srv.id)
	}
	d.tasks.killTasksOn(srv)
}

// incomingMessage implements messageHandler.
func (d *DHT) incomingMessage(srv *rpcServer, m *Message) {
	if !d.isRunning() {
		return
	}
	if m.Type != MsgError {
		if d.table.isLocalID(m.ID) {
			// Talking to ourselves, e.g. through a router that lists us.
			totalSelfLoops.Add(1)
			if m.Type == MsgRequest {
				return
			}
		} else {
			d.received(m)
		}
	}
	d.mu.Lock()
	listeners := d.msgListeners
	d.mu.Unlock()
	for _, l := range listeners {
		l(d, m)
	}
	switch m.Type {
	case MsgRequest:
		d.handleRequest(srv, m)
	case MsgError:
		d.handleError(srv, m)
	}
}

// received updates the routing table with the sender of m.
func (d *DHT) received(m *Message) {
	o := observation{id: m.ID, addr: m.Origin, now: d.clk.Now()}
	if m.Type == MsgResponse {
		c := m.call
		if c != nil && !c.matchesExpectedID(m) {
			// Whoever answered isn't the node we asked. The entry we had is
			// stale or lying either way.
			log.V(3).Infof("DHT: %v answered with ID %x, expected %x", m.Origin, m.ID[:4], c.expectedID[:4])
			d.table.onTimeout(*c.expectedID)
			return
		}
		o.responded = true
		if c != nil {
			o.rtt = c.RTT()
		}
	}
	d.table.insertOrUpdate(o)
}

// callTimedOut implements messageHandler.
func (d *DHT) callTimedOut(srv *rpcServer, c *rpcCall) {
	if c.expectedID != nil && d.isRunning() {
		d.table.onTimeout(*c.expectedID)
	}
}

// resolveRouters looks up the configured router addresses of our family.
func (d *DHT) resolveRouters() []netip.AddrPort {
	ctx, cancel := context.WithTimeout(context.Background(), routerResolveTimeout)
	defer cancel()
	network := "ip4"
	if d.family == IPv6 {
		network = "ip6"
	}
	var ret []netip.AddrPort
	for _, hp := range strings.Split(d.cfg.DHTRouters, ",") {
		hp = strings.TrimSpace(hp)
		if hp == "" {
			continue
		}
		host, port, err := net.SplitHostPort(hp)
		if err != nil {
			log.Warningf("DHT: bad router address %q: %v", hp, err)
			continue
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			log.Warningf("DHT: bad router port %q", hp)
			continue
		}
		ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
		if err != nil {
			log.V(2).Infof("DHT: resolving router %v: %v", host, err)
			continue
		}
		for _, ip := range ips {
			ret = append(ret, netip.AddrPortFrom(ip.Unmap(), uint16(p)))
		}
	}
	return ret
}

// bootstrap runs a lookup of our own ID, seeded from the routers when the
// table is nearly empty. Calls within bootstrapMinInterval of the previous
// one do nothing.
func (d *DHT) bootstrap() {
	if !d.isRunning() {
		return
	}
	now := d.clk.Now()
	d.mu.Lock()
	if d.bootstrapping || (!d.lastBootstrap.IsZero() && now.Sub(d.lastBootstrap) < bootstrapMinInterval) {
		d.mu.Unlock()
		return
	}
	d.bootstrapping = true
	d.lastBootstrap = now
	d.mu.Unlock()

	srv := d.servers.randomActiveServer()
	if srv == nil {
		d.mu.Lock()
		d.bootstrapping = false
		d.mu.Unlock()
		return
	}
	t := d.newLookup(srv, srv.id, true)
	if d.table.numEntries() < bootstrapMinPeers && !d.cfg.NoRouterBootstrap {
		routers := d.resolveRouters()
		log.V(1).Infof("DHT: %v bootstrapping from %d router addresses", d.family, len(routers))
		for _, a := range routers {
			t.addSeed(a)
		}
	}
	t.AddListener(func(t *Task) {
		d.mu.Lock()
		d.bootstrapping = false
		d.lastSelfLookup = d.clk.Now()
		d.mu.Unlock()
		if d.table.numEntries() > bootstrapMinPeers {
			d.fillBuckets()
		}
	})
	d.tasks.addPriority(t)
}

// newLookup returns a node lookup seeded from the routing table.
func (d *DHT) newLookup(srv *rpcServer, target Key, bootstrap bool) *Task {
	t := newNodeLookup(target, srv, d.table, bootstrap)
	t.addCandidates(d.seedNodes(target))
	t.AddListener(d.estimator.lookupFinished)
	return t
}

func (d *DHT) seedNodes(target Key) []NodeInfo {
	entries := d.table.findClosestUsable(target, d.table.k)
	ret := make([]NodeInfo, len(entries))
	for i := range entries {
		ret[i] = entries[i].nodeInfo()
	}
	return ret
}

// fillBuckets looks up a random key in every bucket with room.
func (d *DHT) fillBuckets() {
	for _, p := range d.table.nonFullBuckets() {
		srv := d.servers.randomActiveServer()
		if srv == nil {
			return
		}
		t := d.newLookup(srv, p.RandomKey(), false)
		t.SetInfo("fill " + p.String())
		d.tasks.add(t)
	}
}

// update is the once a second maintenance tick.
func (d *DHT) update() {
	if !d.isRunning() {
		return
	}
	d.servers.refresh()
	now := d.clk.Now()
	for _, c := range d.table.doBucketChecks(now) {
		srv := d.servers.randomActiveServer()
		if srv == nil {
			break
		}
		if len(c.questionable) > 0 {
			d.tasks.add(newPingRefreshTask(srv, d.table, c.prefix, c.questionable, false))
		}
		if !c.bucket.isFull() {
			t := d.newLookup(srv, c.prefix.RandomKey(), false)
			t.SetInfo("refresh " + c.prefix.String())
			d.tasks.add(t)
		}
	}
	d.mu.Lock()
	selfLookupDue := now.Sub(d.lastSelfLookup) > selfLookupInterval
	d.mu.Unlock()
	if d.table.numEntries() < bootstrapMinPeers || selfLookupDue {
		d.bootstrap()
	}
	d.tasks.updateAll()

	d.mu.Lock()
	listeners := d.statsListeners
	d.mu.Unlock()
	if len(listeners) > 0 {
		s := d.Stats()
		for _, l := range listeners {
			l(s)
		}
	}
}

// livenessPing pings a random entry from every server that has nothing in
// flight, so that idle servers keep getting traffic.
func (d *DHT) livenessPing() {
	if !d.isRunning() {
		return
	}
	for _, srv := range d.servers.servers() {
		if !srv.isRunning() || srv.numActiveCalls() > 0 {
			continue
		}
		e, ok := d.table.randomEntry()
		if !ok {
			return
		}
		id := e.ID
		srv.doCall(newRPCCall(newRequest(MethodPing, e.Addr), &id))
	}
}

// randomLookup keeps the table warm and saves it.
func (d *DHT) randomLookup() {
	if !d.isRunning() {
		return
	}
	for _, srv := range d.servers.activeServers() {
		t := d.newLookup(srv, RandomKey(), false)
		t.SetInfo("random")
		d.tasks.add(t)
	}
	if d.table.survivalMode(bootstrapMinPeers) {
		return
	}
	if err := d.saveTable(); err != nil {
		log.Warningf("DHT: %v", err)
	}
}

// FindNode starts a lookup for the nodes closest to target.
func (d *DHT) FindNode(target Key) (*Task, error) {
	if !d.isRunning() {
		return nil, ErrNotRunning
	}
	srv := d.servers.randomActiveServer()
	if srv == nil {
		return nil, ErrNoServer
	}
	t := d.newLookup(srv, target, false)
	d.tasks.add(t)
	return t, nil
}

// GetPeers starts a peer lookup for ih. h, if not nil, receives the peers as
// they are found; it must not block.
func (d *DHT) GetPeers(ih InfoHash, scrape, noSeeds bool, h PeerHandler) (*Task, error) {
	return d.getPeers(ih, scrape, noSeeds, 0, h)
}

func (d *DHT) getPeers(ih InfoHash, scrape, noSeeds bool, targetPeers int, h PeerHandler) (*Task, error) {
	if !d.isRunning() {
		return nil, ErrNotRunning
	}
	srv := d.servers.randomActiveServer()
	if srv == nil {
		return nil, ErrNoServer
	}
	t := newPeerLookup(ih, srv, d.table, noSeeds, scrape, h)
	t.strategy.(*peerLookup).targetPeers = targetPeers
	t.addCandidates(d.seedNodes(ih))
	d.tasks.add(t)
	return t, nil
}

// Announce announces us as a peer on port for the info-hash of a finished
// peer lookup, to the closest nodes that gave it a token. Port 0 lets the
// receivers use the source port of our requests.
func (d *DHT) Announce(lookup *Task, port int, seed bool) (*Task, error) {
	if _, ok := lookup.strategy.(*peerLookup); !ok {
		return nil, fmt.Errorf("dht: announce needs a peer lookup, got %s", lookup.strategy.kind())
	}
	if !d.isRunning() {
		return nil, ErrNotRunning
	}
	// Tokens are only valid for the address they were issued to.
	srv := lookup.srv
	if !srv.isRunning() {
		return nil, ErrNoServer
	}
	implied := port == 0
	if implied {
		port = int(srv.localAddr().Port())
	}
	t := newAnnounceTask(lookup.target, srv, d.table, lookup.announceCandidates(), port, seed, implied)
	d.tasks.add(t)
	return t, nil
}

// PeersRequest asks the DHT to search for more peers for the infoHash
// provided. announce should be true if the connected peer is actively
// downloading this infohash, which is normally the case - unless this DHT node
// is just a router that doesn't downloads torrents. Results arrive on
// PeersRequestResults, in the compact binary form DecodePeerAddress
// understands.
func (d *DHT) PeersRequest(ih InfoHash, announce bool) {
	log.V(1).Infof("DHT: torrent client asking more peers for %v", ih)
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	target := 0
	if !announce {
		target = d.cfg.NumTargetPeers
	} else {
		d.peers.addLocalDownload(ih)
	}
	t, err := d.getPeers(ih, false, false, target, func(from NodeInfo, peers []netip.AddrPort) {
		contacts := make([]string, len(peers))
		for i, p := range peers {
			contacts[i] = string(packAddress(p))
		}
		result := map[InfoHash][]string{ih: contacts}
		// Runs with the task locked, so the channel send can't happen here.
		go func() {
			select {
			case d.PeersRequestResults <- result:
			case <-stopped:
			}
		}()
	})
	if err != nil {
		log.V(1).Infof("DHT: PeersRequest %v: %v", ih, err)
		return
	}
	if announce {
		t.AddListener(func(t *Task) {
			if _, err := d.Announce(t, 0, false); err != nil {
				log.V(1).Infof("DHT: announce %v: %v", ih, err)
			}
		})
	}
}

// AddNode informs the DHT of a new node it should add to its routing table.
// addr is a string containing the target node's "host:port" UDP address. The
// node gets pinged and is added once it answers.
func (d *DHT) AddNode(addr string) error {
	if !d.isRunning() {
		return ErrNotRunning
	}
	ua, err := net.ResolveUDPAddr(d.family.network(), addr)
	if err != nil {
		return fmt.Errorf("dht: AddNode %q: %w", addr, err)
	}
	ap := addrPortFromUDP(ua)
	if !d.table.acceptable(ap) {
		return fmt.Errorf("dht: AddNode %q: %w", addr, errBogon)
	}
	srv := d.servers.randomActiveServer()
	if srv == nil {
		return ErrNoServer
	}
	srv.doCall(newRPCCall(newRequest(MethodPing, ap), nil))
	return nil
}

// Stats returns a snapshot of the node's state.
func (d *DHT) Stats() Stats {
	s := Stats{
		Family:              d.family,
		Status:              d.Status(),
		ID:                  d.rootID,
		RoutingTableEntries: d.table.numEntries(),
		Buckets:             d.table.numBuckets(),
		ActiveTasks:         d.tasks.numActive(),
		QueuedTasks:         d.tasks.numQueued(),
		InfoHashes:          d.peers.numInfoHashes(),
		EstimatedNodes:      d.estimator.estimate(),
		PacketsSent:         totalSent.Value(),
		PacketsReceived:     totalRecv.Value(),
		DroppedPackets:      totalDroppedPackets.Value(),
	}
	for _, srv := range d.servers.servers() {
		s.Servers++
		if srv.isReachable() {
			s.ReachableServers++
		}
		s.ActiveCalls += srv.numActiveCalls()
		s.QueuedCalls += srv.numQueuedCalls()
		if u := srv.uptime(); u > s.Uptime {
			s.Uptime = u
		}
		if ext := srv.consensusExternalAddress(); ext.IsValid() && !s.ExternalAddr.IsValid() {
			s.ExternalAddr = ext
		}
	}
	return s
}

// PrintDiagnostics writes a human readable dump of the node's state.
func (d *DHT) PrintDiagnostics(w io.Writer) {
	fmt.Fprintf(w, "# %v DHT %v: %v\n", d.family, d.rootID, d.Status())
	fmt.Fprintf(w, "# Servers\n")
	d.servers.printDiagnostics(w)
	fmt.Fprintf(w, "# Routing table: %d entries in %d buckets\n", d.table.numEntries(), d.table.numBuckets())
	now := d.clk.Now()
	for _, te := range d.table.snapshot() {
		entries := te.bucket.Entries()
		good := 0
		for i := range entries {
			if entries[i].isGood(now) {
				good++
			}
		}
		fmt.Fprintf(w, "  %v: %d entries (%d good), %d replacements\n", te.prefix, len(entries), good, len(te.bucket.Replacements()))
	}
	d.tasks.printDiagnostics(w)
	fmt.Fprintf(w, "# Estimated DHT size: %d\n", d.estimator.estimate())
	fmt.Fprintf(w, "# Peer database: %d info-hashes\n", d.peers.numInfoHashes())
}
