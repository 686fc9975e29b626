package dht

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomEstimate(t *testing.T) {
	var b bloomFilter
	assert.Equal(t, bloomBits, b.zeroBits())
	for i := 0; i < 256; i++ {
		b.insert(netip.AddrFrom4([4]byte{192, 168, 0, byte(i)}))
	}
	assert.InEpsilon(t, 256, b.estimatedSize(), 0.15)

	// Inserting the same addresses again changes nothing.
	before := b
	b.insert(netip.AddrFrom4([4]byte{192, 168, 0, 7}))
	assert.Equal(t, before, b)
}

func TestBloomMerge(t *testing.T) {
	var a, b bloomFilter
	for i := 0; i < 50; i++ {
		a.insert(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}))
		b.insert(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}))
	}
	a.merge(&b)
	assert.InEpsilon(t, 100, a.estimatedSize(), 0.15)

	_, ok := bloomFromBytes(make([]byte, 10))
	assert.False(t, ok)
	c, ok := bloomFromBytes(a[:])
	assert.True(t, ok)
	assert.Equal(t, a, *c)
}

func TestBloomMappedAddress(t *testing.T) {
	var a, b bloomFilter
	a.insert(netip.MustParseAddr("1.2.3.4"))
	b.insert(netip.MustParseAddr("::ffff:1.2.3.4"))
	assert.Equal(t, a, b)
}
