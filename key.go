package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/netip"
)

const (
	keyLen  = 20
	keyBits = keyLen * 8
)

// ErrInvalidKey is returned when a key of the wrong length is decoded.
var ErrInvalidKey = errors.New("invalid key length")

// Key is a 160-bit identifier: either a node ID or a torrent info-hash. The
// distance between two keys is their XOR.
type Key [keyLen]byte

// InfoHash identifies a torrent. It lives in the same keyspace as node IDs.
type InfoHash = Key

// KeyFromBytes copies b into a Key. b must be exactly 20 bytes long.
func KeyFromBytes(b []byte) (k Key, err error) {
	if len(b) != keyLen {
		return k, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func keyFromString(s string) (k Key, err error) {
	return KeyFromBytes([]byte(s))
}

// DecodeInfoHash transforms a hex-encoded 40-character string into a binary
// infohash.
func DecodeInfoHash(x string) (ih InfoHash, err error) {
	h, err := hex.DecodeString(x)
	if err != nil {
		return ih, fmt.Errorf("DecodeInfoHash: %w", err)
	}
	if len(h) != keyLen {
		return ih, fmt.Errorf("DecodeInfoHash: expected InfoHash len=20, got %d", len(h))
	}
	copy(ih[:], h)
	return ih, nil
}

// RandomKey returns a uniformly random key.
func RandomKey() (k Key) {
	if _, err := rand.Read(k[:]); err != nil {
		panic("dht: crypto/rand failed: " + err.Error())
	}
	return k
}

// DeriveKey computes the node ID a server bound to ip uses. Index 0 is the
// persisted root ID itself so that the primary server keeps its identity
// across restarts; every further server hashes the root together with its bind
// address and index.
func DeriveKey(root Key, ip netip.Addr, index int) Key {
	if index == 0 {
		return root
	}
	h := sha1.New()
	h.Write(root[:])
	b, _ := ip.MarshalBinary()
	h.Write(b)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Distance returns the XOR of k and o.
func (k Key) Distance(o Key) (d Key) {
	for i := range k {
		d[i] = k[i] ^ o[i]
	}
	return d
}

// Compare orders keys lexicographically, which for distances is numeric order.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k[:], o[:])
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// CloserTo reports whether k is strictly closer to target than o.
func (k Key) CloserTo(target, o Key) bool {
	return k.Distance(target).Less(o.Distance(target))
}

// BitAt returns bit i, counted from the most significant bit.
func (k Key) BitAt(i int) bool {
	return k[i/8]&(0x80>>uint(i%8)) != 0
}

func (k *Key) setBit(i int, v bool) {
	if v {
		k[i/8] |= 0x80 >> uint(i%8)
	} else {
		k[i/8] &^= 0x80 >> uint(i%8)
	}
}

// Prefix returns the prefix made of the first n bits of k.
func (k Key) Prefix(n int) Prefix {
	return newPrefix(k, n)
}

// commonBits returns the number of leading bits shared by k and o.
func commonBits(k, o Key) int {
	i := 0
	for ; i < keyLen; i++ {
		if k[i] != o[i] {
			break
		}
	}
	if i == keyLen {
		return keyBits
	}
	xor := k[i] ^ o[i]
	j := 0
	for (xor & 0x80) == 0 {
		xor <<= 1
		j++
	}
	return 8*i + j
}

// approxFloat maps a key to [0, 1) using its most significant 64 bits. It is
// used for statistics only.
func (k Key) approxFloat() float64 {
	return float64(binary.BigEndian.Uint64(k[:8])) / math.Exp2(64)
}
