package dht

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

const (
	// Kademlia bucket size.
	kNodes = 8
	// An entry is good while it answered within this interval.
	bucketRefreshInterval = 15 * time.Minute
	// Entries with this many failed queries in a row are no longer good.
	maxGoodFailures = 3
	// Entries with this many failed queries in a row are bad.
	nBad = 5
)

// KBucketEntry is a routing table contact.
type KBucketEntry struct {
	ID            Key
	Addr          netip.AddrPort
	FirstSeen     time.Time
	LastSeen      time.Time
	LastResponded time.Time
	FailedQueries int
	// verified is set once the node answered one of our requests. Entries
	// loaded from disk or learned from incoming requests start unverified.
	verified bool
	rtt      time.Duration
}

func (e *KBucketEntry) String() string {
	return fmt.Sprintf("%x@%v failed:%d verified:%v", e.ID[:4], e.Addr, e.FailedQueries, e.verified)
}

func (e *KBucketEntry) isBad() bool {
	return e.FailedQueries >= nBad
}

func (e *KBucketEntry) isGood(now time.Time) bool {
	return e.verified && !e.LastResponded.IsZero() &&
		now.Sub(e.LastResponded) < bucketRefreshInterval &&
		e.FailedQueries < maxGoodFailures
}

func (e *KBucketEntry) isQuestionable(now time.Time) bool {
	return !e.isBad() && !e.isGood(now)
}

func (e *KBucketEntry) nodeInfo() NodeInfo {
	return NodeInfo{ID: e.ID, Addr: e.Addr}
}

// observation is what a message tells us about its sender.
type observation struct {
	id        Key
	addr      netip.AddrPort
	now       time.Time
	responded bool
	rtt       time.Duration
}

// apply refreshes e with o. Only responses reset the failure count.
func (e *KBucketEntry) apply(o observation) {
	if o.now.After(e.LastSeen) {
		e.LastSeen = o.now
	}
	if o.responded {
		e.LastResponded = o.now
		e.FailedQueries = 0
		e.verified = true
		if o.rtt > 0 {
			e.rtt = o.rtt
		}
	}
}

func newEntry(o observation) *KBucketEntry {
	e := &KBucketEntry{ID: o.id, Addr: o.addr, FirstSeen: o.now}
	e.apply(o)
	return e
}

type insertResult int

const (
	resultRefreshed insertResult = iota
	resultInserted
	resultCached
	resultNeedSplit
	resultRejected
	resultRetired
)

// KBucket holds up to k main entries and k replacements, all sharing prefix.
type KBucket struct {
	prefix Prefix
	k      int

	mu sync.Mutex
	// entries is ordered oldest first; replacements newest last.
	entries      []*KBucketEntry
	replacements []*KBucketEntry
	lastRefresh  time.Time
	// retired is set when the bucket was split away. Inserts that find a
	// retired bucket look it up again.
	retired bool
}

func newKBucket(p Prefix, k int, now time.Time) *KBucket {
	return &KBucket{prefix: p, k: k, lastRefresh: now}
}

func findEntry(list []*KBucketEntry, id Key) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func findEntryByAddr(list []*KBucketEntry, addr netip.AddrPort) int {
	for i, e := range list {
		if e.Addr == addr {
			return i
		}
	}
	return -1
}

// insertOrRefresh admits o to the main entries when there is room or a bad
// entry to evict. A full bucket asks the table to split it.
func (b *KBucket) insertOrRefresh(o observation) insertResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return resultRetired
	}
	if o.responded {
		b.lastRefresh = o.now
	}
	if i := findEntry(b.entries, o.id); i >= 0 {
		e := b.entries[i]
		if e.Addr != o.addr {
			if !e.isBad() {
				// Someone else claims this ID.
				return resultRejected
			}
			b.entries[i] = newEntry(o)
			return resultInserted
		}
		e.apply(o)
		return resultRefreshed
	}
	if i := findEntryByAddr(b.entries, o.addr); i >= 0 {
		// The node at this address changed its ID.
		if !b.entries[i].isBad() {
			return resultRejected
		}
		b.removeLocked(i)
	}
	if i := findEntry(b.replacements, o.id); i >= 0 {
		r := b.replacements[i]
		if r.Addr != o.addr {
			return resultRejected
		}
		r.apply(o)
		if len(b.entries) < b.k && o.responded {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			b.entries = append(b.entries, r)
			return resultInserted
		}
		return resultRefreshed
	}
	if len(b.entries) < b.k {
		b.entries = append(b.entries, newEntry(o))
		return resultInserted
	}
	for i, e := range b.entries {
		if e.isBad() {
			b.entries[i] = newEntry(o)
			return resultInserted
		}
	}
	return resultNeedSplit
}

// addReplacement puts o into the replacement cache, evicting the oldest
// replacement when full.
func (b *KBucket) addReplacement(o observation) insertResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return resultRetired
	}
	if i := findEntry(b.replacements, o.id); i >= 0 {
		b.replacements[i].apply(o)
		return resultRefreshed
	}
	if findEntryByAddr(b.replacements, o.addr) >= 0 {
		return resultRejected
	}
	if len(b.replacements) >= b.k {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, newEntry(o))
	return resultCached
}

// removeLocked drops main entry i.
func (b *KBucket) removeLocked(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// promoteLocked moves the most recently verified replacement into the main
// entries, falling back to the newest one.
func (b *KBucket) promoteLocked() bool {
	if len(b.replacements) == 0 {
		return false
	}
	best := len(b.replacements) - 1
	for i, r := range b.replacements {
		if r.verified && r.LastResponded.After(b.replacements[best].LastResponded) {
			best = i
		}
	}
	r := b.replacements[best]
	b.replacements = append(b.replacements[:best], b.replacements[best+1:]...)
	b.entries = append(b.entries, r)
	return true
}

// onTimeout counts a failed query against id. A main entry that turns bad is
// swapped for a replacement if one is available; otherwise it stays until
// an admission evicts it.
func (b *KBucket) onTimeout(id Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := findEntry(b.entries, id); i >= 0 {
		e := b.entries[i]
		e.FailedQueries++
		if e.isBad() && len(b.replacements) > 0 {
			b.removeLocked(i)
			b.promoteLocked()
		}
		return
	}
	if i := findEntry(b.replacements, id); i >= 0 {
		r := b.replacements[i]
		r.FailedQueries++
		if r.isBad() {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
		}
	}
}

// removeIfBad evicts a bad main entry right away, promoting a replacement.
// With force the entry goes even if it isn't bad yet.
func (b *KBucket) removeIfBad(id Key, force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := findEntry(b.entries, id)
	if i < 0 || !(force || b.entries[i].isBad()) {
		return false
	}
	b.removeLocked(i)
	b.promoteLocked()
	return true
}

// insertLoaded adds a persisted entry without refreshing anything.
func (b *KBucket) insertLoaded(e *KBucketEntry) insertResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return resultRetired
	}
	if findEntry(b.entries, e.ID) >= 0 || findEntry(b.replacements, e.ID) >= 0 {
		return resultRefreshed
	}
	if len(b.entries) < b.k {
		b.entries = append(b.entries, e)
		return resultInserted
	}
	return resultNeedSplit
}

func (b *KBucket) addLoadedReplacement(e *KBucketEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replacements) < b.k && findEntry(b.replacements, e.ID) < 0 {
		b.replacements = append(b.replacements, e)
	}
}

// Entries returns copies of the main entries.
func (b *KBucket) Entries() []KBucketEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyEntries(b.entries)
}

// Replacements returns copies of the replacement entries.
func (b *KBucket) Replacements() []KBucketEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyEntries(b.replacements)
}

func copyEntries(list []*KBucketEntry) []KBucketEntry {
	ret := make([]KBucketEntry, len(list))
	for i, e := range list {
		ret[i] = *e
	}
	return ret
}

func (b *KBucket) numEntries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *KBucket) isFull() bool {
	return b.numEntries() >= b.k
}

func (b *KBucket) needsRefresh(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefresh) > bucketRefreshInterval
}

func (b *KBucket) markRefreshed(now time.Time) {
	b.mu.Lock()
	b.lastRefresh = now
	b.mu.Unlock()
}

// split retires b and returns its two halves, redistributing the entries by
// the bit that follows the prefix.
func (b *KBucket) split(now time.Time) (*KBucket, *KBucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p0, p1 := b.prefix.split()
	b0, b1 := newKBucket(p0, b.k, now), newKBucket(p1, b.k, now)
	b0.lastRefresh, b1.lastRefresh = b.lastRefresh, b.lastRefresh
	for _, e := range b.entries {
		if p0.Matches(e.ID) {
			b0.entries = append(b0.entries, e)
		} else {
			b1.entries = append(b1.entries, e)
		}
	}
	for _, r := range b.replacements {
		if p0.Matches(r.ID) {
			b0.replacements = append(b0.replacements, r)
		} else {
			b1.replacements = append(b1.replacements, r)
		}
	}
	b.retired = true
	b.entries, b.replacements = nil, nil
	return b0, b1
}
