package dht

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sync"

	log "github.com/golang/glog"
	"github.com/jackpal/gateway"
	"go.uber.org/multierr"
)

// Destinations used to ask the kernel which source address the default route
// has. Nothing is sent to them.
var routeProbes = map[Family]string{
	IPv4: "8.8.8.8:53",
	IPv6: "[2001:4860:4860::8888]:53",
}

// serverManager keeps the RPC servers of one DHT instance bound: a single
// server on the default route, or one per global address when multi-homing.
type serverManager struct {
	d *DHT

	mu sync.Mutex
	// Slot i holds the server whose ID is derived with index i. Free slots
	// are nil.
	slots []*rpcServer

	// interfaceAddrs lists the local addresses of a family.
	interfaceAddrs func(f Family) ([]netip.Addr, error)
}

func newServerManager(d *DHT) *serverManager {
	return &serverManager{d: d, interfaceAddrs: localAddrs}
}

// localAddrs returns the unicast addresses of the host's interfaces.
func localAddrs(f Family) ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ret []netip.Addr
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if f.matches(ip) {
			ret = append(ret, ip)
		}
	}
	return ret, nil
}

// defaultRouteAddr guesses the source address of outgoing traffic.
func defaultRouteAddr(f Family) (netip.Addr, bool) {
	if f == IPv4 {
		if ip, err := gateway.DiscoverInterface(); err == nil {
			if a, ok := netip.AddrFromSlice(ip); ok && f.matches(a) {
				return a.Unmap(), true
			}
		}
	}
	// Connecting a UDP socket sends nothing; it only picks a route.
	conn, err := net.Dial(f.network(), routeProbes[f])
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	a := addrPortFromUDP(ua).Addr()
	return a, f.matches(a)
}

// servers returns the bound servers.
func (m *serverManager) servers() []*rpcServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*rpcServer, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil {
			ret = append(ret, s)
		}
	}
	return ret
}

func (m *serverManager) numServers() int {
	return len(m.servers())
}

// activeServers are the running, reachable servers.
func (m *serverManager) activeServers() []*rpcServer {
	var ret []*rpcServer
	for _, s := range m.servers() {
		if s.isRunning() && s.isReachable() {
			ret = append(ret, s)
		}
	}
	return ret
}

// randomActiveServer returns nil when no server is usable.
func (m *serverManager) randomActiveServer() *rpcServer {
	active := m.activeServers()
	if len(active) == 0 {
		return nil
	}
	return active[rand.Intn(len(active))]
}

// refresh brings the set of servers in line with the local addresses and
// updates their reachability.
func (m *serverManager) refresh() {
	m.reap()
	if m.d.cfg.AllowMultiHoming {
		m.refreshMultiHome()
	} else {
		m.refreshSingleHome()
	}
	for _, s := range m.servers() {
		s.checkReachability()
	}
}

// reap forgets servers that stopped on their own.
func (m *serverManager) reap() {
	for _, s := range m.servers() {
		if !s.isRunning() {
			m.stopServer(s)
		}
	}
}

func (m *serverManager) configuredAddr() (netip.Addr, bool) {
	if m.d.cfg.Address == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(m.d.cfg.Address)
	if err != nil || !m.d.family.matches(a) {
		log.Warningf("DHT: ignoring %v bind address %q", m.d.family, m.d.cfg.Address)
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func (m *serverManager) refreshSingleHome() {
	f := m.d.family
	current := m.servers()
	if len(current) == 0 {
		bind, ok := m.configuredAddr()
		if !ok {
			bind = f.anyAddr()
			if a, ok := defaultRouteAddr(f); ok && isGlobalUnicast(a) {
				bind = a
			}
		}
		m.startServer(bind)
		return
	}
	// A wildcard server moves to the external address once it's known to be
	// one of ours.
	srv := current[0]
	if !srv.bindAddr.IsUnspecified() || m.d.cfg.Address != "" {
		return
	}
	ext := srv.consensusExternalAddress()
	if !ext.IsValid() || !isGlobalUnicast(ext.Addr()) {
		return
	}
	addrs, err := m.interfaceAddrs(f)
	if err != nil {
		return
	}
	for _, a := range addrs {
		if a == ext.Addr() {
			log.Infof("DHT: rebinding %v to external address %v", srv, a)
			m.stopServer(srv)
			m.startServer(a)
			return
		}
	}
}

func (m *serverManager) refreshMultiHome() {
	f := m.d.family
	var wanted []netip.Addr
	if a, ok := m.configuredAddr(); ok {
		wanted = []netip.Addr{a}
	} else {
		addrs, err := m.interfaceAddrs(f)
		if err != nil {
			log.Warningf("DHT: listing %v addresses: %v", f, err)
			return
		}
		for _, a := range addrs {
			if isGlobalUnicast(a) || (m.d.cfg.AllowLocalAddresses && !a.IsUnspecified()) {
				wanted = append(wanted, a)
			}
		}
	}
	bound := make(map[netip.Addr]*rpcServer)
	for _, s := range m.servers() {
		bound[s.bindAddr] = s
	}
	for _, a := range wanted {
		if _, ok := bound[a]; !ok {
			m.startServer(a)
		}
		delete(bound, a)
	}
	for _, s := range bound {
		m.stopServer(s)
	}
}

// doBindChecks stops servers whose address went away.
func (m *serverManager) doBindChecks() {
	addrs, err := m.interfaceAddrs(m.d.family)
	if err != nil {
		return
	}
	present := make(map[netip.Addr]bool, len(addrs))
	for _, a := range addrs {
		present[a] = true
	}
	for _, s := range m.servers() {
		if s.bindAddr.IsUnspecified() || present[s.bindAddr] {
			continue
		}
		log.Infof("DHT: address of %v disappeared", s)
		m.stopServer(s)
	}
}

// startServer binds a new server to addr. Failures are logged and retried on
// the next refresh.
func (m *serverManager) startServer(addr netip.Addr) *rpcServer {
	d := m.d
	m.mu.Lock()
	idx := 0
	for idx < len(m.slots) && m.slots[idx] != nil {
		idx++
	}
	m.mu.Unlock()
	srv := newRPCServer(d, d.family, addr, d.cfg.port(), DeriveKey(d.rootID, addr, idx), d.sched, d.throttle, d.cfg.AllowLocalAddresses)
	if err := srv.start(); err != nil {
		log.Warningf("DHT: %v", err)
		return nil
	}
	m.mu.Lock()
	for len(m.slots) <= idx {
		m.slots = append(m.slots, nil)
	}
	m.slots[idx] = srv
	m.mu.Unlock()
	d.serverStarted(srv)
	return srv
}

func (m *serverManager) stopServer(srv *rpcServer) error {
	m.mu.Lock()
	for i, s := range m.slots {
		if s == srv {
			m.slots[i] = nil
		}
	}
	m.mu.Unlock()
	err := srv.stop()
	m.d.serverStopped(srv)
	return err
}

// stopAll unbinds every server.
func (m *serverManager) stopAll() error {
	var err error
	for _, s := range m.servers() {
		err = multierr.Append(err, m.stopServer(s))
	}
	return err
}

func (m *serverManager) printDiagnostics(w io.Writer) {
	for _, s := range m.servers() {
		fmt.Fprintf(w, "  %v local:%v ext:%v reachable:%v calls:%d queued:%d uptime:%v\n",
			s, s.localAddr(), s.consensusExternalAddress(), s.isReachable(),
			s.numActiveCalls(), s.numQueuedCalls(), s.uptime())
	}
}
