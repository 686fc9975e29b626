package dht

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message, method Method) *Message {
	t.Helper()
	b, err := m.Encode()
	require.NoError(t, err)
	got, err := decodeMessage(b, func(string) Method { return method })
	require.NoError(t, err)
	return got
}

func TestKRPCRequests(t *testing.T) {
	id, target := RandomKey(), RandomKey()
	dest := netip.MustParseAddrPort("1.2.3.4:6881")

	fn := newRequest(MethodFindNode, dest)
	fn.MTID, fn.ID, fn.Target = "\x01\x02\x03\x04\x05\x06", id, target
	fn.Want4, fn.Want6, fn.wantSpecified = true, true, true
	got := roundTrip(t, fn, MethodUnknown)
	assert.Equal(t, MsgRequest, got.Type)
	assert.Equal(t, MethodFindNode, got.Method)
	assert.Equal(t, fn.MTID, got.MTID)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, target, got.Target)
	assert.True(t, got.wants4(IPv6))
	assert.True(t, got.wants6(IPv4))
	assert.Equal(t, target, got.lookupTarget())

	gp := newRequest(MethodGetPeers, dest)
	gp.MTID, gp.ID, gp.InfoHash = "aa", id, target
	gp.NoSeed, gp.Scrape = true, true
	got = roundTrip(t, gp, MethodUnknown)
	assert.Equal(t, MethodGetPeers, got.Method)
	assert.Equal(t, target, got.InfoHash)
	assert.True(t, got.NoSeed)
	assert.True(t, got.Scrape)
	// Without a want list, senders get their own family.
	assert.True(t, got.wants4(IPv4))
	assert.False(t, got.wants6(IPv4))

	ap := newRequest(MethodAnnouncePeer, dest)
	ap.MTID, ap.ID, ap.InfoHash = "bb", id, target
	ap.Port, ap.Token, ap.Seed, ap.ImpliedPort = 6881, "tokentok", true, true
	got = roundTrip(t, ap, MethodUnknown)
	assert.Equal(t, MethodAnnouncePeer, got.Method)
	assert.Equal(t, 6881, got.Port)
	assert.Equal(t, "tokentok", got.Token)
	assert.True(t, got.Seed)
	assert.True(t, got.ImpliedPort)
}

func TestKRPCResponse(t *testing.T) {
	req := &Message{Type: MsgRequest, Method: MethodGetPeers, MTID: "xy", Origin: netip.MustParseAddrPort("1.2.3.4:6881")}
	rsp := newResponse(req)
	rsp.ID = RandomKey()
	rsp.PublicIP = req.Origin
	rsp.Token = "secret!!"
	rsp.Nodes = []NodeInfo{{ID: RandomKey(), Addr: netip.MustParseAddrPort("5.6.7.8:1000")}}
	rsp.Nodes6 = []NodeInfo{{ID: RandomKey(), Addr: netip.MustParseAddrPort("[2001:db8::2]:2000")}}
	rsp.Values = []netip.AddrPort{netip.MustParseAddrPort("9.9.9.9:9999"), netip.MustParseAddrPort("[2001:db8::3]:3000")}
	var bf bloomFilter
	bf.insert(netip.MustParseAddr("9.9.9.9"))
	rsp.BFpe = bf[:]

	got := roundTrip(t, rsp, MethodGetPeers)
	assert.Equal(t, MsgResponse, got.Type)
	assert.Equal(t, MethodGetPeers, got.Method)
	assert.Equal(t, "xy", got.MTID)
	assert.Equal(t, rsp.ID, got.ID)
	assert.Equal(t, req.Origin, got.PublicIP)
	assert.Equal(t, "secret!!", got.Token)
	assert.Equal(t, rsp.Nodes, got.Nodes)
	assert.Equal(t, rsp.Nodes6, got.Nodes6)
	assert.Equal(t, rsp.Values, got.Values)
	assert.Equal(t, rsp.BFpe, got.BFpe)
	assert.Nil(t, got.BFsd)
}

func TestKRPCError(t *testing.T) {
	e := newErrorMessage("zz", netip.MustParseAddrPort("1.2.3.4:1"), ErrCodeProtocol, invalidTokenMsg)
	got := roundTrip(t, e, MethodUnknown)
	assert.Equal(t, MsgError, got.Type)
	assert.Equal(t, ErrCodeProtocol, got.ErrCode)
	assert.Equal(t, invalidTokenMsg, got.ErrMsg)
}

func TestKRPCUnknownMethod(t *testing.T) {
	target := RandomKey()
	m := &Message{Type: MsgRequest, Method: MethodUnknown, methodName: "vote", MTID: "aa", ID: RandomKey(), Target: target, hasTarget: true}
	got := roundTrip(t, m, MethodUnknown)
	assert.Equal(t, MethodUnknown, got.Method)
	assert.Equal(t, "vote", got.methodName)
	assert.True(t, got.hasTarget)
	assert.Equal(t, target, got.Target)
}

func TestKRPCMalformed(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		hasMTID bool
	}{
		{"not bencode", "dxxxxxxxxxxxxxxx", false},
		{"list", "l1:ae", false},
		{"no mtid", "d1:y1:qe", false},
		{"bad type", "d1:t2:aa1:y1:xe", true},
		{"no args", "d1:q4:ping1:t2:aa1:y1:qe", true},
		{"short id", "d1:ad2:id3:abce1:q4:ping1:t2:aa1:y1:qe", true},
		{"find_node without target", "d1:ad2:id20:aaaaaaaaaaaaaaaaaaaae1:q9:find_node1:t2:aa1:y1:qe", true},
		{"announce without token", "d1:ad2:id20:aaaaaaaaaaaaaaaaaaaa9:info_hash20:bbbbbbbbbbbbbbbbbbbb4:porti1ee1:q13:announce_peer1:t2:aa1:y1:qe", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := decodeMessage([]byte(tc.in), nil)
			require.Error(t, err)
			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, ErrCodeProtocol, pe.Code)
			if tc.hasMTID {
				assert.Equal(t, "aa", m.MTID)
			}
		})
	}
}

func TestKRPCCompactNodesOfWrongLengthAreDropped(t *testing.T) {
	in := "d1:rd2:id20:aaaaaaaaaaaaaaaaaaaa5:nodes3:abce1:t2:aa1:y1:re"
	m, err := decodeMessage([]byte(in), nil)
	require.NoError(t, err)
	assert.Empty(t, m.Nodes)
}

func TestIsJunk(t *testing.T) {
	from := netip.MustParseAddrPort("1.2.3.4:6881")
	assert.True(t, isJunk([]byte("d1:ae"), from))
	assert.True(t, isJunk([]byte("l1:aaaaaaaaaaaaaaae"), from))
	assert.True(t, isJunk([]byte("d1:t2:aa1:y1:qe"), netip.MustParseAddrPort("1.2.3.4:0")))
	assert.False(t, isJunk([]byte("d1:t2:aa1:y1:qe"), from))
}
