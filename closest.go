package dht

import (
	"slices"
	"time"
)

// entryFilter selects table entries for a closest-nodes search.
type entryFilter func(e *KBucketEntry, now time.Time) bool

// goodEntries is used for the nodes we hand out in replies.
func goodEntries(e *KBucketEntry, now time.Time) bool {
	return e.isGood(now)
}

// usableEntries is used to seed lookups: anything not known to be dead.
func usableEntries(e *KBucketEntry, now time.Time) bool {
	return !e.isBad()
}

// kClosestNodesSearch collects the table entries nearest to target.
type kClosestNodesSearch struct {
	target  Key
	max     int
	table   *routingTable
	filter  entryFilter
	entries []KBucketEntry
}

func newKClosestNodesSearch(target Key, max int, table *routingTable) *kClosestNodesSearch {
	return &kClosestNodesSearch{target: target, max: max, table: table, filter: goodEntries}
}

// fill walks the buckets in order of distance to the target. Buckets never
// overlap, so once max entries are collected no later bucket can hold a
// closer one.
func (s *kClosestNodesSearch) fill() {
	t := s.table.snapshot()
	order := make([]int, len(t))
	for i := range order {
		order[i] = i
	}
	dist := make([]Key, len(t))
	for i, e := range t {
		dist[i] = e.prefix.distanceTo(s.target)
	}
	slices.SortFunc(order, func(a, b int) int {
		return dist[a].Compare(dist[b])
	})
	now := s.table.clk.Now()
	for _, i := range order {
		if len(s.entries) >= s.max {
			break
		}
		for _, e := range t[i].bucket.Entries() {
			if s.filter(&e, now) {
				s.entries = append(s.entries, e)
			}
		}
	}
	slices.SortFunc(s.entries, func(a, b KBucketEntry) int {
		return a.ID.Distance(s.target).Compare(b.ID.Distance(s.target))
	})
	if len(s.entries) > s.max {
		s.entries = s.entries[:s.max]
	}
}

func (s *kClosestNodesSearch) nodes() []NodeInfo {
	ret := make([]NodeInfo, len(s.entries))
	for i, e := range s.entries {
		ret[i] = e.nodeInfo()
	}
	return ret
}

// findClosest returns up to max good entries nearest to target.
func (r *routingTable) findClosest(target Key, max int) []KBucketEntry {
	s := newKClosestNodesSearch(target, max, r)
	s.fill()
	return s.entries
}

// findClosestUsable is findClosest for lookup seeding, where questionable
// entries are worth a try.
func (r *routingTable) findClosestUsable(target Key, max int) []KBucketEntry {
	s := newKClosestNodesSearch(target, max, r)
	s.filter = usableEntries
	s.fill()
	return s.entries
}
