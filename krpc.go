package dht

import (
	"bytes"
	"fmt"
	"net/netip"

	log "github.com/golang/glog"
	bencode "github.com/jackpal/bencode-go"
)

// MsgType is the "y" key of a KRPC message.
type MsgType int

const (
	MsgRequest MsgType = iota
	MsgResponse
	MsgError
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "q"
	case MsgResponse:
		return "r"
	case MsgError:
		return "e"
	}
	return "?"
}

// Method is the RPC a request invokes, or the RPC a response answers.
type Method int

const (
	MethodUnknown Method = iota
	MethodPing
	MethodFindNode
	MethodGetPeers
	MethodAnnouncePeer
)

var methodNames = map[Method]string{
	MethodPing:         "ping",
	MethodFindNode:     "find_node",
	MethodGetPeers:     "get_peers",
	MethodAnnouncePeer: "announce_peer",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

func methodFromName(s string) Method {
	for m, name := range methodNames {
		if name == s {
			return m
		}
	}
	return MethodUnknown
}

// KRPC error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// ProtocolError is a malformed or unacceptable message. Code is the error code
// replied to the sender.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: ErrCodeProtocol, Msg: fmt.Sprintf(format, args...)}
}

const (
	mtidLen = 6
	// Once in a while I get a few bigger ones, but meh.
	maxUDPPacketSize = 4096
	// The shortest conceivable DHT message.
	minPacketSize = 10
	// Version string sent in the "v" key.
	clientVersion = "ND\x00\x01"
	bloomSize     = 256
)

// Message is one KRPC message. The fields in use depend on Type and Method;
// unused fields stay at their zero values.
type Message struct {
	Type    MsgType
	Method  Method
	MTID    string
	ID      Key
	Version string
	// PublicIP is the "ip" key of responses: for outgoing messages the address
	// we observed for the receiver, for incoming ones the address the sender
	// observed for us.
	PublicIP netip.AddrPort

	// Request arguments.
	Target        Key
	InfoHash      InfoHash
	Want4, Want6  bool
	wantSpecified bool
	NoSeed        bool
	Scrape        bool
	Port          int
	ImpliedPort   bool
	Seed          bool
	hasTarget     bool
	methodName    string

	// Token is an argument of announce_peer and a value of get_peers replies.
	Token string

	// Response values.
	Nodes  []NodeInfo
	Nodes6 []NodeInfo
	Values []netip.AddrPort
	BFsd   []byte
	BFpe   []byte

	// Error values.
	ErrCode int
	ErrMsg  string

	// Origin is the remote address of an incoming message, Destination the
	// remote address of an outgoing one.
	Origin      netip.AddrPort
	Destination netip.AddrPort

	srv  *rpcServer
	call *rpcCall
}

func (m *Message) String() string {
	return fmt.Sprintf("%v:%v mtid:%x id:%x v:%q", m.Type, m.Method, m.MTID, m.ID[:4], m.Version)
}

// wants4 reports whether the sender asked for IPv4 nodes. Without a want list,
// senders get nodes of the family they talk to us on.
func (m *Message) wants4(f Family) bool {
	if !m.wantSpecified {
		return f == IPv4
	}
	return m.Want4
}

func (m *Message) wants6(f Family) bool {
	if !m.wantSpecified {
		return f == IPv6
	}
	return m.Want6
}

// lookupTarget is the key the closest-node search of a request is about.
func (m *Message) lookupTarget() Key {
	if m.Method == MethodGetPeers || m.Method == MethodAnnouncePeer {
		return m.InfoHash
	}
	return m.Target
}

func newRequest(method Method, dest netip.AddrPort) *Message {
	return &Message{Type: MsgRequest, Method: method, Destination: dest}
}

func newResponse(req *Message) *Message {
	return &Message{
		Type:        MsgResponse,
		Method:      req.Method,
		MTID:        req.MTID,
		Destination: req.Origin,
	}
}

func newErrorMessage(mtid string, dest netip.AddrPort, code int, msg string) *Message {
	return &Message{
		Type:        MsgError,
		MTID:        mtid,
		Destination: dest,
		ErrCode:     code,
		ErrMsg:      msg,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (m *Message) wantList() []interface{} {
	w := make([]interface{}, 0, 2)
	if m.Want4 {
		w = append(w, "n4")
	}
	if m.Want6 {
		w = append(w, "n6")
	}
	return w
}

func (m *Message) arguments() map[string]interface{} {
	a := map[string]interface{}{"id": string(m.ID[:])}
	switch m.Method {
	case MethodFindNode:
		a["target"] = string(m.Target[:])
		if m.wantSpecified {
			a["want"] = m.wantList()
		}
	case MethodGetPeers:
		a["info_hash"] = string(m.InfoHash[:])
		if m.wantSpecified {
			a["want"] = m.wantList()
		}
		if m.NoSeed {
			a["noseed"] = 1
		}
		if m.Scrape {
			a["scrape"] = 1
		}
	case MethodAnnouncePeer:
		a["info_hash"] = string(m.InfoHash[:])
		a["port"] = m.Port
		a["token"] = m.Token
		if m.Seed {
			a["seed"] = 1
		}
		if m.ImpliedPort {
			a["implied_port"] = 1
		}
	case MethodUnknown:
		if m.hasTarget {
			a["target"] = string(m.Target[:])
		}
	}
	return a
}

func (m *Message) returnValues() map[string]interface{} {
	r := map[string]interface{}{"id": string(m.ID[:])}
	if len(m.Nodes) > 0 {
		r["nodes"] = packNodes(IPv4, m.Nodes)
	}
	if len(m.Nodes6) > 0 {
		r["nodes6"] = packNodes(IPv6, m.Nodes6)
	}
	if m.Token != "" {
		r["token"] = m.Token
	}
	if len(m.Values) > 0 {
		v := make([]interface{}, 0, len(m.Values))
		for _, p := range m.Values {
			v = append(v, string(packAddress(p)))
		}
		r["values"] = v
	}
	if len(m.BFsd) > 0 {
		r["BFsd"] = string(m.BFsd)
	}
	if len(m.BFpe) > 0 {
		r["BFpe"] = string(m.BFpe)
	}
	return r
}

// Encode bencodes the message.
func (m *Message) Encode() ([]byte, error) {
	base := map[string]interface{}{
		"t": m.MTID,
		"y": m.Type.String(),
	}
	if m.Version != "" {
		base["v"] = m.Version
	}
	switch m.Type {
	case MsgRequest:
		name := methodNames[m.Method]
		if m.Method == MethodUnknown {
			name = m.methodName
		}
		base["q"] = name
		base["a"] = m.arguments()
	case MsgResponse:
		base["r"] = m.returnValues()
		if m.PublicIP.IsValid() {
			base["ip"] = string(packAddress(m.PublicIP))
		}
	case MsgError:
		base["e"] = []interface{}{m.ErrCode, m.ErrMsg}
	}
	var b bytes.Buffer
	if err := bencode.Marshal(&b, base); err != nil {
		return nil, fmt.Errorf("bencode %v: %w", m, err)
	}
	return b.Bytes(), nil
}

// decodeBencode parses raw bytes into a top-level dictionary. The decoder can
// be fragile on hostile input, so panics are turned into errors.
func decodeBencode(b []byte) (dict map[string]interface{}, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("bencode decoder panic: %v", x)
		}
	}()
	v, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("top level value is %T, not a dictionary", v)
	}
	return dict, nil
}

func dictString(d map[string]interface{}, k string) (string, bool) {
	s, ok := d[k].(string)
	return s, ok
}

func dictInt(d map[string]interface{}, k string) (int64, bool) {
	i, ok := d[k].(int64)
	return i, ok
}

func dictKey(d map[string]interface{}, k string) (Key, bool) {
	s, ok := dictString(d, k)
	if !ok {
		return Key{}, false
	}
	key, err := keyFromString(s)
	return key, err == nil
}

// decodeMessage parses a datagram. Responses don't name their method, so
// methodOf maps the transaction ID to the method of the matching request. When
// the dictionary could be read but the message is invalid, the returned
// message carries the MTID (if any) alongside a *ProtocolError.
func decodeMessage(b []byte, methodOf func(mtid string) Method) (*Message, error) {
	d, err := decodeBencode(b)
	if err != nil {
		return nil, protocolErrorf("invalid bencoding: %v", err)
	}
	m := &Message{}
	mtid, ok := dictString(d, "t")
	if !ok {
		return m, protocolErrorf("missing transaction ID")
	}
	m.MTID = mtid
	m.Version, _ = dictString(d, "v")
	y, _ := dictString(d, "y")
	switch y {
	case "q":
		m.Type = MsgRequest
		err = m.parseRequest(d)
	case "r":
		m.Type = MsgResponse
		if methodOf != nil {
			m.Method = methodOf(mtid)
		}
		err = m.parseResponse(d)
	case "e":
		m.Type = MsgError
		err = m.parseError(d)
	default:
		err = protocolErrorf("unknown message type %q", y)
	}
	if err != nil {
		return m, err
	}
	return m, nil
}

func (m *Message) parseRequest(d map[string]interface{}) error {
	q, ok := dictString(d, "q")
	if !ok {
		return protocolErrorf("request without method")
	}
	m.Method = methodFromName(q)
	m.methodName = q
	a, ok := d["a"].(map[string]interface{})
	if !ok {
		return protocolErrorf("request without arguments")
	}
	if m.ID, ok = dictKey(a, "id"); !ok {
		return protocolErrorf("missing or invalid id")
	}
	if w, ok := a["want"].([]interface{}); ok {
		m.wantSpecified = true
		for _, x := range w {
			switch x {
			case "n4":
				m.Want4 = true
			case "n6":
				m.Want6 = true
			}
		}
	}
	switch m.Method {
	case MethodPing:
	case MethodFindNode:
		if m.Target, ok = dictKey(a, "target"); !ok {
			return protocolErrorf("find_node: missing or invalid target")
		}
		m.hasTarget = true
	case MethodGetPeers:
		if m.InfoHash, ok = dictKey(a, "info_hash"); !ok {
			return protocolErrorf("get_peers: missing or invalid info_hash")
		}
		n, _ := dictInt(a, "noseed")
		m.NoSeed = n != 0
		s, _ := dictInt(a, "scrape")
		m.Scrape = s != 0
	case MethodAnnouncePeer:
		if m.InfoHash, ok = dictKey(a, "info_hash"); !ok {
			return protocolErrorf("announce_peer: missing or invalid info_hash")
		}
		port, ok := dictInt(a, "port")
		implied, _ := dictInt(a, "implied_port")
		m.ImpliedPort = implied != 0
		if !m.ImpliedPort && (!ok || port < 1 || port > 65535) {
			return protocolErrorf("announce_peer: invalid port")
		}
		m.Port = int(port)
		if m.Token, ok = dictString(a, "token"); !ok {
			return protocolErrorf("announce_peer: missing token")
		}
		seed, _ := dictInt(a, "seed")
		m.Seed = seed != 0
	default:
		// Unknown methods are answered like find_node when they name a
		// target, for forward compatibility.
		if t, ok := dictKey(a, "target"); ok {
			m.Target, m.hasTarget = t, true
		} else if ih, ok := dictKey(a, "info_hash"); ok {
			m.Target, m.hasTarget = ih, true
		}
	}
	return nil
}

func (m *Message) parseResponse(d map[string]interface{}) error {
	r, ok := d["r"].(map[string]interface{})
	if !ok {
		return protocolErrorf("response without return values")
	}
	if m.ID, ok = dictKey(r, "id"); !ok {
		return protocolErrorf("missing or invalid id")
	}
	if ip, ok := dictString(d, "ip"); ok {
		if ap, err := unpackAddress([]byte(ip)); err == nil {
			m.PublicIP = ap
		}
	}
	if s, ok := dictString(r, "nodes"); ok {
		nodes, err := parseNodesString(IPv4, s)
		if err != nil {
			log.V(3).Infof("DHT: dropping nodes from %x: %v", m.ID[:4], err)
		}
		m.Nodes = nodes
	}
	if s, ok := dictString(r, "nodes6"); ok {
		nodes, err := parseNodesString(IPv6, s)
		if err != nil {
			log.V(3).Infof("DHT: dropping nodes6 from %x: %v", m.ID[:4], err)
		}
		m.Nodes6 = nodes
	}
	m.Token, _ = dictString(r, "token")
	if values, ok := r["values"].([]interface{}); ok {
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if ap, err := unpackAddress([]byte(s)); err == nil {
				m.Values = append(m.Values, ap)
			}
		}
	}
	if s, ok := dictString(r, "BFsd"); ok && len(s) == bloomSize {
		m.BFsd = []byte(s)
	}
	if s, ok := dictString(r, "BFpe"); ok && len(s) == bloomSize {
		m.BFpe = []byte(s)
	}
	return nil
}

func (m *Message) parseError(d map[string]interface{}) error {
	e, ok := d["e"].([]interface{})
	if !ok || len(e) < 2 {
		return protocolErrorf("malformed error message")
	}
	code, ok := e[0].(int64)
	if !ok {
		return protocolErrorf("malformed error code")
	}
	m.ErrCode = int(code)
	m.ErrMsg, _ = e[1].(string)
	return nil
}
