package dht

import (
	"flag"

	"github.com/benbjohnson/clock"
)

const defaultPort = 49001

// Config for the DHT Node. Use NewConfig to create a configuration with default values.
type Config struct {
	// IP Address to listen on. If left blank, one is chosen automatically.
	Address string
	// UDP port the DHT node should listen on. Values outside [1, 65535]
	// select the default port 49001.
	Port int
	// Network protocol of this instance: "udp4" or "udp6". Use NewDual to run
	// both.
	UDPProto string
	// Bind one server per globally routable address instead of a single
	// server on the default route.
	AllowMultiHoming bool
	// Don't use the well-known routers to bootstrap the routing table.
	NoRouterBootstrap bool
	// Path of the routing table cache. A family suffix is appended; empty
	// disables persistence.
	TableCachePath string
	// Comma separated host:port addresses of the routers used to bootstrap
	// the DHT network.
	DHTRouters string
	// Number of peers for a torrent after which PeersRequest stops asking
	// the network.
	NumTargetPeers int
	// Maximum packets per second to be processed. Beyond this limit they are
	// silently dropped. Set to -1 to disable rate limiting.
	RateLimit int64
	// Maximum number of info-hashes the peer database tracks.
	MaxInfoHashes int
	// Maximum number of peers stored per info-hash.
	MaxInfoHashPeers int
	// How many requests per minute a single host may send before its
	// packets are dropped.
	ClientPerMinuteLimit int
	// Number of hosts the spam throttle keeps state for.
	ThrottlerTrackedClients int
	// Buckets shallower than this split even when they don't contain our
	// own ID.
	RelaxedSplitDepth int
	// Accept loopback and private peers. Meant for tests and private
	// networks.
	AllowLocalAddresses bool

	// Clock drives every timer. Tests replace it with a mock.
	Clock clock.Clock
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		Address:                 "",
		Port:                    defaultPort,
		UDPProto:                "udp4",
		DHTRouters:              "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881",
		NumTargetPeers:          5,
		RateLimit:               100,
		MaxInfoHashes:           16384,
		MaxInfoHashPeers:        2048,
		ClientPerMinuteLimit:    50,
		ThrottlerTrackedClients: 1000,
		RelaxedSplitDepth:       4,
	}
}

// RegisterFlags binds the configuration fields to command line flags. If c is
// nil, DefaultConfig is registered.
func RegisterFlags(c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	flag.StringVar(&c.Address, "dhtAddress", c.Address,
		"IP Address to listen on. If left blank, one is chosen automatically.")
	flag.IntVar(&c.Port, "dhtPort", c.Port,
		"UDP port to listen on.")
	flag.StringVar(&c.UDPProto, "dhtProto", c.UDPProto,
		"Network protocol: udp4 or udp6.")
	flag.BoolVar(&c.AllowMultiHoming, "dhtMultiHoming", c.AllowMultiHoming,
		"Bind one DHT server per globally routable address.")
	flag.BoolVar(&c.NoRouterBootstrap, "dhtNoRouters", c.NoRouterBootstrap,
		"Don't bootstrap from the well-known DHT routers.")
	flag.StringVar(&c.TableCachePath, "dhtTableCache", c.TableCachePath,
		"Where to persist the routing table. Empty disables persistence.")
	flag.StringVar(&c.DHTRouters, "routers", c.DHTRouters,
		"Comma separated addresses of DHT routers used to bootstrap the DHT network.")
	flag.IntVar(&c.NumTargetPeers, "numTargetPeers", c.NumTargetPeers,
		"Stop asking the network for peers of a torrent once this many are known.")
	flag.Int64Var(&c.RateLimit, "rateLimit", c.RateLimit,
		"Maximum packets per second to be processed. Beyond this limit they are silently dropped. Set to -1 to disable rate limiting.")
	flag.IntVar(&c.MaxInfoHashes, "maxInfoHashes", c.MaxInfoHashes,
		"Limit the number of infohashes for which we store peers.")
	flag.IntVar(&c.MaxInfoHashPeers, "maxInfoHashPeers", c.MaxInfoHashPeers,
		"Limit the number of peers stored per infohash.")
	flag.IntVar(&c.ClientPerMinuteLimit, "clientPerMinuteLimit", c.ClientPerMinuteLimit,
		"Maximum number of requests a single host may send per minute.")
	flag.IntVar(&c.ThrottlerTrackedClients, "throttlerTrackedClients", c.ThrottlerTrackedClients,
		"Number of hosts the spam throttle tracks.")
	flag.IntVar(&c.RelaxedSplitDepth, "relaxedSplitDepth", c.RelaxedSplitDepth,
		"Buckets shallower than this always split when full.")
}

// DefaultConfig is the configuration RegisterFlags(nil) binds to.
var DefaultConfig = NewConfig()

func (c *Config) port() int {
	if c.Port < 1 || c.Port > 65535 {
		return defaultPort
	}
	return c.Port
}

func (c *Config) family() Family {
	return familyFromNetwork(c.UDPProto)
}

func (c *Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}
