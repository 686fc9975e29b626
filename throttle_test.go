package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestSpamThrottle(t *testing.T) {
	clk := clock.NewMock()
	th := newSpamThrottle(&Config{ClientPerMinuteLimit: 2, ThrottlerTrackedClients: 10, RateLimit: -1}, clk)
	a := netip.MustParseAddr("1.2.3.4")
	b := netip.MustParseAddr("5.6.7.8")

	assert.True(t, th.checkBlock(a))
	assert.True(t, th.checkBlock(a))
	assert.False(t, th.checkBlock(a), "burst exhausted")
	assert.True(t, th.checkBlock(b), "other hosts are unaffected")
	// v4-mapped addresses share the state of the plain address.
	assert.False(t, th.checkBlock(netip.MustParseAddr("::ffff:1.2.3.4")))

	clk.Add(30 * time.Second)
	assert.True(t, th.checkBlock(a))
	assert.False(t, th.checkBlock(a))
	assert.Equal(t, 2, th.tracked())
}

func TestSpamThrottleTracksBoundedClients(t *testing.T) {
	th := newSpamThrottle(&Config{ClientPerMinuteLimit: 1, ThrottlerTrackedClients: 3, RateLimit: -1}, clock.NewMock())
	for i := 0; i < 10; i++ {
		th.checkBlock(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}))
	}
	assert.Equal(t, 3, th.tracked())
}

func TestGlobalRateLimit(t *testing.T) {
	clk := clock.NewMock()
	th := newSpamThrottle(&Config{ClientPerMinuteLimit: 1000, ThrottlerTrackedClients: 100, RateLimit: 10}, clk)
	allowed := 0
	for i := 0; i < 50; i++ {
		if th.checkBlock(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)})) {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
	clk.Add(time.Second)
	assert.True(t, th.checkBlock(netip.MustParseAddr("10.0.1.1")))
}
