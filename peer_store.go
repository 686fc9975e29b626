package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"expvar"
	mrand "math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	peerAnnounceTimeout = 30 * time.Minute
	tokenTimeout        = 5 * time.Minute
	tokenLen            = 8
	secretLen           = 20
	maxPeerValues       = 50
)

// peerItem is one announced peer of an info-hash.
type peerItem struct {
	addr     netip.AddrPort
	seed     bool
	inserted time.Time
}

// peerContactsSet holds the peers of one info-hash in insertion order, so that
// the oldest announcement is evicted first once the set is full.
type peerContactsSet struct {
	items []peerItem
}

// put adds or refreshes a peer. It returns true if the peer is new.
func (p *peerContactsSet) put(it peerItem, max int) bool {
	for i, x := range p.items {
		if x.addr == it.addr {
			p.items = append(p.items[:i], p.items[i+1:]...)
			p.items = append(p.items, it)
			return false
		}
	}
	if max > 0 && len(p.items) >= max {
		p.items = p.items[len(p.items)-max+1:]
	}
	p.items = append(p.items, it)
	return true
}

func (p *peerContactsSet) expire(cutoff time.Time) {
	i := 0
	for _, x := range p.items {
		if x.inserted.After(cutoff) {
			p.items[i] = x
			i++
		}
	}
	p.items = p.items[:i]
}

// sample returns up to max random peers of family f. Further calls return a
// different selection when there are more peers than max.
func (p *peerContactsSet) sample(max int, f Family, noSeeds bool) []netip.AddrPort {
	ret := make([]netip.AddrPort, 0, min(max, len(p.items)))
	for _, i := range mrand.Perm(len(p.items)) {
		if len(ret) >= max {
			break
		}
		it := p.items[i]
		if !f.matches(it.addr.Addr()) || (noSeeds && it.seed) {
			continue
		}
		ret = append(ret, it.addr)
	}
	return ret
}

// Size is the number of contacts known for an infohash.
func (p *peerContactsSet) Size() int {
	return len(p.items)
}

func (p *peerContactsSet) seeds() int {
	n := 0
	for _, x := range p.items {
		if x.seed {
			n++
		}
	}
	return n
}

// peerStore is the timed in-memory peer database together with the secrets
// the announce tokens are minted with.
type peerStore struct {
	mu  sync.Mutex
	clk clock.Clock

	// cache of peers for infohashes. Each key is an infohash and the
	// values are peerContactsSet.
	infoHashPeers *lru.Cache[InfoHash, *peerContactsSet]
	// infoHashes for which we are peers.
	localActiveDownloads map[InfoHash]bool
	maxInfoHashes        int
	maxInfoHashPeers     int
	// allowLocal lets loopback and private peers in.
	allowLocal bool

	secrets      [2][secretLen]byte // current, previous
	lastRotation time.Time
}

func newPeerStore(maxInfoHashes, maxInfoHashPeers int, clk clock.Clock) *peerStore {
	if clk == nil {
		clk = clock.New()
	}
	if maxInfoHashes <= 0 {
		maxInfoHashes = 1
	}
	c, err := lru.New[InfoHash, *peerContactsSet](maxInfoHashes)
	if err != nil {
		// Only returned for non-positive sizes.
		panic(err)
	}
	h := &peerStore{
		clk:                  clk,
		infoHashPeers:        c,
		localActiveDownloads: make(map[InfoHash]bool),
		maxInfoHashes:        maxInfoHashes,
		maxInfoHashPeers:     maxInfoHashPeers,
		lastRotation:         clk.Now(),
	}
	h.secrets[0] = newTokenSecret()
	h.secrets[1] = newTokenSecret()
	return h
}

func newTokenSecret() (s [secretLen]byte) {
	if _, err := rand.Read(s[:]); err != nil {
		log.Warningf("DHT: failed to generate random token secret: %v", err)
	}
	return s
}

// count shows the number of known peers for the given infohash.
func (h *peerStore) count(ih InfoHash) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.infoHashPeers.Peek(ih)
	if !ok {
		return 0
	}
	return peers.Size()
}

// numInfoHashes is the number of info-hashes with at least one stored peer.
func (h *peerStore) numInfoHashes() int {
	return h.infoHashPeers.Len()
}

// insertForKeyAllowed reports whether an announce for ih could be stored. Once
// the database is full only known info-hashes accept new peers, and get_peers
// replies for other hashes carry no token.
func (h *peerStore) insertForKeyAllowed(ih InfoHash) bool {
	return h.infoHashPeers.Contains(ih) || h.infoHashPeers.Len() < h.maxInfoHashes
}

// addContact stores addr as a peer for ih. Returns true if the contact was
// added, false otherwise (e.g: already present, or invalid).
func (h *peerStore) addContact(ih InfoHash, addr netip.AddrPort, seed bool) bool {
	if !acceptablePeer(addr, h.allowLocal) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.infoHashPeers.Get(ih)
	if !ok {
		if h.infoHashPeers.Len() >= h.maxInfoHashes {
			totalDroppedAnnounces.Add(1)
			return false
		}
		peers = &peerContactsSet{}
		h.infoHashPeers.Add(ih, peers)
	}
	it := peerItem{addr: addr, seed: seed, inserted: h.clk.Now()}
	return peers.put(it, h.maxInfoHashPeers)
}

// peerContacts returns up to max random peers of family f for ih.
func (h *peerStore) peerContacts(ih InfoHash, max int, f Family, noSeeds bool) []netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.infoHashPeers.Get(ih)
	if !ok {
		return nil
	}
	return peers.sample(max, f, noSeeds)
}

// expire drops peers announced longer than peerAnnounceTimeout ago and
// info-hashes left without peers.
func (h *peerStore) expire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clk.Now().Add(-peerAnnounceTimeout)
	for _, ih := range h.infoHashPeers.Keys() {
		peers, ok := h.infoHashPeers.Peek(ih)
		if !ok {
			continue
		}
		peers.expire(cutoff)
		if peers.Size() == 0 {
			h.infoHashPeers.Remove(ih)
		}
	}
}

// createScrapeFilter builds the BEP-33 filter of the peers (seeds false) or
// seeds (seeds true) stored for ih. It returns nil when nothing is stored.
func (h *peerStore) createScrapeFilter(ih InfoHash, seeds bool) *bloomFilter {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.infoHashPeers.Peek(ih)
	if !ok || peers.Size() == 0 {
		return nil
	}
	b := new(bloomFilter)
	for _, it := range peers.items {
		if it.seed == seeds {
			b.insert(it.addr.Addr())
		}
	}
	return b
}

func (h *peerStore) addLocalDownload(ih InfoHash) {
	h.mu.Lock()
	h.localActiveDownloads[ih] = true
	h.mu.Unlock()
}

func (h *peerStore) hasLocalDownload(ih InfoHash) bool {
	h.mu.Lock()
	_, ok := h.localActiveDownloads[ih]
	h.mu.Unlock()
	log.V(3).Infof("hasLocalDownload for %v: %v", ih, ok)
	return ok
}

// rotateSecrets replaces the previous secret when tokenTimeout has elapsed.
// Rotation is lazy, so it happens on the first token operation after the
// deadline. Must be called with h.mu held.
func (h *peerStore) rotateSecrets() {
	now := h.clk.Now()
	elapsed := now.Sub(h.lastRotation)
	if elapsed < tokenTimeout {
		return
	}
	if elapsed >= 2*tokenTimeout {
		// Both secrets are stale.
		h.secrets[1] = newTokenSecret()
	} else {
		h.secrets[1] = h.secrets[0]
	}
	h.secrets[0] = newTokenSecret()
	h.lastRotation = now
}

func computeToken(secret [secretLen]byte, addr netip.AddrPort, ih InfoHash) string {
	m := hmac.New(sha1.New, secret[:])
	m.Write(addr.Addr().Unmap().AsSlice())
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], addr.Port())
	m.Write(port[:])
	m.Write(ih[:])
	return string(m.Sum(nil)[:tokenLen])
}

// genToken mints the announce token for a peer at addr asking about ih.
func (h *peerStore) genToken(addr netip.AddrPort, ih InfoHash) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotateSecrets()
	return computeToken(h.secrets[0], addr, ih)
}

// checkToken accepts tokens minted under the current or the previous secret.
func (h *peerStore) checkToken(token string, addr netip.AddrPort, ih InfoHash) bool {
	if len(token) != tokenLen {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotateSecrets()
	for _, s := range h.secrets {
		if hmac.Equal([]byte(computeToken(s, addr, ih)), []byte(token)) {
			return true
		}
	}
	return false
}

var (
	totalDroppedAnnounces = expvar.NewInt("totalDroppedAnnounces")
)
