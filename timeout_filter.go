package dht

import (
	"slices"
	"sync"
	"time"
)

const (
	rpcCallTimeoutMax = 10 * time.Second
	rpcCallTimeoutMin = 100 * time.Millisecond

	timeoutFilterSamples    = 64
	timeoutFilterMinSamples = 8
	timeoutFilterQuantile   = 0.9
)

// timeoutFilter keeps the most recent round trip times of a server and
// derives the stall timeout from their 90th percentile.
type timeoutFilter struct {
	mu      sync.Mutex
	samples [timeoutFilterSamples]time.Duration
	n       int
	next    int
	stall   time.Duration
}

func newTimeoutFilter() *timeoutFilter {
	return &timeoutFilter{stall: rpcCallTimeoutMax}
}

func (f *timeoutFilter) update(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[f.next] = rtt
	f.next = (f.next + 1) % timeoutFilterSamples
	if f.n < timeoutFilterSamples {
		f.n++
	}
	if f.n < timeoutFilterMinSamples {
		return
	}
	s := make([]time.Duration, f.n)
	copy(s, f.samples[:f.n])
	slices.Sort(s)
	q := s[int(float64(f.n-1)*timeoutFilterQuantile)]
	f.stall = max(rpcCallTimeoutMin, min(q, rpcCallTimeoutMax))
}

// stallTimeout is the delay after which an unanswered call is considered
// stalled.
func (f *timeoutFilter) stallTimeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stall
}
