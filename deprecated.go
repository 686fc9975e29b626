package dht

// DoDHT has been deprecated. Please use Run instead.
func (d *DHT) DoDHT() {
	d.Run()
}

// NewDHTNode has been deprecated. Please use New and NewConfig instead.
// storeEnabled persists the routing table under the working directory.
func NewDHTNode(port, numTargetPeers int, storeEnabled bool) (node *DHT, err error) {
	cfg := NewConfig()
	if storeEnabled {
		cfg.TableCachePath = "dht-routing-table"
	}
	cfg.Port = port
	cfg.NumTargetPeers = numTargetPeers
	return New(cfg)
}
