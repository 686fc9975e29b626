package dht

import (
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// spamThrottle drops packets from hosts that send more than their share, and
// caps the packets per second the whole node processes.
type spamThrottle struct {
	clk clock.Clock

	mu      sync.Mutex
	clients *lru.Cache[netip.Addr, *rate.Limiter]
	limit   rate.Limit
	burst   int

	// global is nil when rate limiting is disabled.
	global *rate.Limiter
}

func newSpamThrottle(cfg *Config, clk clock.Clock) *spamThrottle {
	tracked := cfg.ThrottlerTrackedClients
	if tracked <= 0 {
		tracked = 1000
	}
	clients, err := lru.New[netip.Addr, *rate.Limiter](tracked)
	if err != nil {
		panic(err)
	}
	perMinute := cfg.ClientPerMinuteLimit
	if perMinute <= 0 {
		perMinute = 50
	}
	t := &spamThrottle{
		clk:     clk,
		clients: clients,
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
	}
	if cfg.RateLimit < 0 {
		log.Warning("rate limiting disabled")
	} else if cfg.RateLimit > 0 {
		r := cfg.RateLimit
		if r < 10 {
			// Less than 10 leads to rounding problems.
			r = 10
		}
		t.global = rate.NewLimiter(rate.Limit(r), int(r))
	}
	return t
}

// checkBlock returns false if the packet from ip must be dropped.
func (t *spamThrottle) checkBlock(ip netip.Addr) bool {
	now := t.clk.Now()
	ip = ip.Unmap()
	t.mu.Lock()
	l, ok := t.clients.Get(ip)
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.clients.Add(ip, l)
	}
	allowed := l.AllowN(now, 1)
	t.mu.Unlock()
	if !allowed {
		totalPacketsFromBlockedHosts.Add(1)
		return false
	}
	if t.global != nil && !t.global.AllowN(now, 1) {
		totalDroppedPackets.Add(1)
		return false
	}
	return true
}

// tracked is the number of hosts with throttle state.
func (t *spamThrottle) tracked() int {
	return t.clients.Len()
}
