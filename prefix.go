package dht

import (
	"fmt"
)

// Prefix is a key whose bits past depth are zero. The routing table is a set
// of non-overlapping prefixes covering the whole keyspace.
type Prefix struct {
	key   Key
	depth int
}

func newPrefix(k Key, depth int) Prefix {
	if depth < 0 {
		depth = 0
	}
	if depth > keyBits {
		depth = keyBits
	}
	for i := depth; i < keyBits; i++ {
		if i%8 == 0 && i+8 <= keyBits {
			for j := i / 8; j < keyLen; j++ {
				k[j] = 0
			}
			break
		}
		k.setBit(i, false)
	}
	return Prefix{key: k, depth: depth}
}

// rootPrefix covers the whole keyspace.
var rootPrefix = Prefix{}

func (p Prefix) Depth() int { return p.depth }

// Matches reports whether k starts with p.
func (p Prefix) Matches(k Key) bool {
	return commonBits(p.key, k) >= p.depth
}

// split returns the two children of p, the 0 branch first.
func (p Prefix) split() (zero, one Prefix) {
	zero = Prefix{key: p.key, depth: p.depth + 1}
	k := p.key
	k.setBit(p.depth, true)
	one = Prefix{key: k, depth: p.depth + 1}
	return zero, one
}

// RandomKey returns a random key that starts with p.
func (p Prefix) RandomKey() Key {
	k := RandomKey()
	for i := 0; i < p.depth; i++ {
		k.setBit(i, p.key.BitAt(i))
	}
	return k
}

// distanceTo is the XOR of target and the prefix truncated to its depth.
// Because table prefixes don't overlap, ordering buckets by this value orders
// every entry of one bucket before every entry of the next.
func (p Prefix) distanceTo(target Key) Key {
	return target.Prefix(p.depth).key.Distance(p.key)
}

func (p Prefix) String() string {
	if p.depth == 0 {
		return "/0"
	}
	s := make([]byte, 0, p.depth)
	for i := 0; i < p.depth && i < 24; i++ {
		if p.key.BitAt(i) {
			s = append(s, '1')
		} else {
			s = append(s, '0')
		}
	}
	if p.depth > 24 {
		s = append(s, "..."...)
	}
	return fmt.Sprintf("%s/%d", s, p.depth)
}
