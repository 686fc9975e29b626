package dht

import (
	"expvar"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
)

const (
	// The table isn't saved before being online this long, or while it is
	// smaller than a bootstrap would fix.
	survivalModeDuration = 10 * time.Minute
)

// routingTableEntry is one bucket of the table with the prefix it covers.
type routingTableEntry struct {
	prefix Prefix
	bucket *KBucket
}

// routingTable is the k-bucket table of one address family. The ordered list
// of buckets is replaced as a whole on splits, so readers work on a snapshot
// without locking; each bucket guards its own entries.
type routingTable struct {
	family            Family
	k                 int
	relaxedSplitDepth int
	allowLocal        bool
	clk               clock.Clock
	startTime         time.Time

	// mu serializes splits and local ID changes.
	mu       sync.Mutex
	table    atomic.Pointer[[]routingTableEntry]
	localIDs atomic.Pointer[[]Key]
}

func newRoutingTable(f Family, k, relaxedSplitDepth int, clk clock.Clock) *routingTable {
	if k <= 0 {
		k = kNodes
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &routingTable{
		family:            f,
		k:                 k,
		relaxedSplitDepth: relaxedSplitDepth,
		clk:               clk,
		startTime:         clk.Now(),
	}
	t := []routingTableEntry{{prefix: rootPrefix, bucket: newKBucket(rootPrefix, k, clk.Now())}}
	r.table.Store(&t)
	ids := []Key{}
	r.localIDs.Store(&ids)
	return r
}

func (r *routingTable) snapshot() []routingTableEntry {
	return *r.table.Load()
}

// registerID adds the ID of a server to the set of local IDs. Buckets
// covering a local ID are home buckets and may always split.
func (r *routingTable) registerID(id Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.localIDs.Load()
	for _, x := range old {
		if x == id {
			return
		}
	}
	ids := append(append([]Key{}, old...), id)
	r.localIDs.Store(&ids)
}

func (r *routingTable) unregisterID(id Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.localIDs.Load()
	ids := make([]Key, 0, len(old))
	for _, x := range old {
		if x != id {
			ids = append(ids, x)
		}
	}
	r.localIDs.Store(&ids)
}

func (r *routingTable) isLocalID(id Key) bool {
	for _, x := range *r.localIDs.Load() {
		if x == id {
			return true
		}
	}
	return false
}

func (r *routingTable) isHome(p Prefix) bool {
	for _, x := range *r.localIDs.Load() {
		if p.Matches(x) {
			return true
		}
	}
	return false
}

// entryFor returns the bucket whose prefix covers id.
func entryFor(t []routingTableEntry, id Key) routingTableEntry {
	i := sort.Search(len(t), func(i int) bool {
		return id.Less(t[i].prefix.key)
	})
	// Prefixes cover the whole keyspace in order, so the last bucket that
	// starts at or below id contains it.
	return t[i-1]
}

func (r *routingTable) bucketFor(id Key) *KBucket {
	return entryFor(r.snapshot(), id).bucket
}

func (r *routingTable) canSplit(p Prefix) bool {
	return p.depth < keyBits-1 && (r.isHome(p) || p.depth < r.relaxedSplitDepth)
}

// split replaces b with its two halves. It is a no-op if b was already split
// by someone else.
func (r *routingTable) split(b *KBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	idx := -1
	for i, e := range old {
		if e.bucket == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	b0, b1 := b.split(r.clk.Now())
	t := make([]routingTableEntry, 0, len(old)+1)
	t = append(t, old[:idx]...)
	t = append(t, routingTableEntry{b0.prefix, b0}, routingTableEntry{b1.prefix, b1})
	t = append(t, old[idx+1:]...)
	r.table.Store(&t)
	log.V(4).Infof("DHT: %v split bucket %v, %d buckets", r.family, b.prefix, len(t))
}

// acceptable reports whether addr may be stored in the table.
func (r *routingTable) acceptable(addr netip.AddrPort) bool {
	if !r.family.matches(addr.Addr()) {
		return false
	}
	return acceptablePeer(addr, r.allowLocal)
}

// insertOrUpdate records an observation of a node. A full bucket splits when
// the split rule allows it; otherwise the node lands in the replacement cache.
func (r *routingTable) insertOrUpdate(o observation) insertResult {
	if r.isLocalID(o.id) || !r.acceptable(o.addr) {
		return resultRejected
	}
	o.addr = netip.AddrPortFrom(o.addr.Addr().Unmap(), o.addr.Port())
	for {
		e := entryFor(r.snapshot(), o.id)
		res := e.bucket.insertOrRefresh(o)
		switch res {
		case resultRetired:
			continue
		case resultNeedSplit:
			if r.canSplit(e.prefix) {
				r.split(e.bucket)
				continue
			}
			res = e.bucket.addReplacement(o)
			if res == resultRetired {
				continue
			}
		case resultInserted:
			totalNodesReached.Add(1)
		}
		return res
	}
}

// insertLoaded puts a persisted entry back, unverified.
func (r *routingTable) insertLoaded(e *KBucketEntry) {
	if r.isLocalID(e.ID) || !r.acceptable(e.Addr) {
		return
	}
	e.verified = false
	for {
		te := entryFor(r.snapshot(), e.ID)
		switch te.bucket.insertLoaded(e) {
		case resultRetired:
			continue
		case resultNeedSplit:
			if r.canSplit(te.prefix) {
				r.split(te.bucket)
				continue
			}
			te.bucket.addLoadedReplacement(e)
		}
		return
	}
}

// onTimeout counts a failed call against the node it was addressed to.
func (r *routingTable) onTimeout(id Key) {
	r.bucketFor(id).onTimeout(id)
}

func (r *routingTable) removeIfBad(id Key, force bool) bool {
	return r.bucketFor(id).removeIfBad(id, force)
}

// entry returns a copy of the main entry for id.
func (r *routingTable) entry(id Key) (KBucketEntry, bool) {
	for _, e := range r.bucketFor(id).Entries() {
		if e.ID == id {
			return e, true
		}
	}
	return KBucketEntry{}, false
}

func (r *routingTable) numEntries() int {
	n := 0
	for _, e := range r.snapshot() {
		n += e.bucket.numEntries()
	}
	return n
}

func (r *routingTable) numBuckets() int {
	return len(r.snapshot())
}

// allEntries returns the main entries of every bucket.
func (r *routingTable) allEntries() []KBucketEntry {
	var ret []KBucketEntry
	for _, e := range r.snapshot() {
		ret = append(ret, e.bucket.Entries()...)
	}
	return ret
}

// randomEntry picks a main entry that isn't bad, or returns false.
func (r *routingTable) randomEntry() (KBucketEntry, bool) {
	t := r.snapshot()
	for _, i := range rand.Perm(len(t)) {
		entries := t[i].bucket.Entries()
		for _, j := range rand.Perm(len(entries)) {
			if !entries[j].isBad() {
				return entries[j], true
			}
		}
	}
	return KBucketEntry{}, false
}

// bucketCheck is a bucket due for maintenance.
type bucketCheck struct {
	prefix       Prefix
	bucket       *KBucket
	questionable []KBucketEntry
}

// doBucketChecks returns the buckets not refreshed within
// bucketRefreshInterval, marking them refreshed so that each is handed out
// once per interval.
func (r *routingTable) doBucketChecks(now time.Time) []bucketCheck {
	var ret []bucketCheck
	for _, e := range r.snapshot() {
		if !e.bucket.needsRefresh(now) {
			continue
		}
		c := bucketCheck{prefix: e.prefix, bucket: e.bucket}
		for _, x := range e.bucket.Entries() {
			if x.isQuestionable(now) {
				c.questionable = append(c.questionable, x)
			}
		}
		e.bucket.markRefreshed(now)
		ret = append(ret, c)
	}
	return ret
}

// nonFullBuckets lists the prefixes of buckets with room, for filling.
func (r *routingTable) nonFullBuckets() []Prefix {
	var ret []Prefix
	for _, e := range r.snapshot() {
		if !e.bucket.isFull() {
			ret = append(ret, e.prefix)
		}
	}
	return ret
}

// survivalMode is true while the table must not overwrite a saved one.
func (r *routingTable) survivalMode(minEntries int) bool {
	return r.clk.Since(r.startTime) < survivalModeDuration || r.numEntries() < minEntries
}

var (
	totalNodesReached = expvar.NewInt("totalNodesReached")
)
