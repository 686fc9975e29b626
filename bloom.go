package dht

import (
	"crypto/sha1"
	"math"
	"net/netip"
)

const bloomBits = bloomSize * 8

// bloomFilter is the BEP-33 scrape filter: 2048 bits, two hash functions
// taken from the SHA-1 of the raw IP address bytes.
type bloomFilter [bloomSize]byte

func (b *bloomFilter) insert(ip netip.Addr) {
	raw := ip.Unmap().AsSlice()
	h := sha1.Sum(raw)
	idx1 := (int(h[0]) | int(h[1])<<8) % bloomBits
	idx2 := (int(h[2]) | int(h[3])<<8) % bloomBits
	b[idx1/8] |= 1 << uint(idx1%8)
	b[idx2/8] |= 1 << uint(idx2%8)
}

func (b *bloomFilter) merge(o *bloomFilter) {
	for i := range b {
		b[i] |= o[i]
	}
}

func (b *bloomFilter) zeroBits() int {
	n := 0
	for _, x := range b {
		for i := 0; i < 8; i++ {
			if x&(1<<uint(i)) == 0 {
				n++
			}
		}
	}
	return n
}

// estimatedSize inverts the fill ratio into the number of distinct inserted
// addresses.
func (b *bloomFilter) estimatedSize() float64 {
	c := b.zeroBits()
	if c > bloomBits-1 {
		c = bloomBits - 1
	}
	if c == 0 {
		c = 1
	}
	const m = float64(bloomBits)
	return math.Log(float64(c)/m) / (2 * math.Log(1-1/m))
}

func bloomFromBytes(p []byte) (*bloomFilter, bool) {
	if len(p) != bloomSize {
		return nil, false
	}
	var b bloomFilter
	copy(b[:], p)
	return &b, true
}
