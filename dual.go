package dht

import (
	"net/netip"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Dual runs an IPv4 and an IPv6 node side by side. They share one scheduler
// and answer find_node and get_peers with nodes of both families.
type Dual struct {
	V4 *DHT
	V6 *DHT
}

// NewDual creates both nodes from cfg. cfg.UDPProto is ignored.
func NewDual(cfg *Config) (*Dual, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	sched := newScheduler(cfg.clock())
	c4, c6 := *cfg, *cfg
	c4.UDPProto, c6.UDPProto = "udp4", "udp6"
	if cfg.Address != "" {
		// An address only fits one of the families.
		if a, err := netip.ParseAddr(cfg.Address); err == nil && familyOf(a) == IPv6 {
			c4.Address = ""
		} else {
			c6.Address = ""
		}
	}
	v4, err := newDHT(&c4, sched)
	if err != nil {
		return nil, err
	}
	v6, err := newDHT(&c6, sched)
	if err != nil {
		return nil, err
	}
	v4.sibling, v6.sibling = v6, v4
	return &Dual{V4: v4, V6: v6}, nil
}

// Start starts both nodes. It fails only if neither family could bind.
func (d *Dual) Start() error {
	var g errgroup.Group
	errs := make([]error, 2)
	for i, n := range d.nodes() {
		g.Go(func() error {
			errs[i] = n.Start()
			return nil
		})
	}
	g.Wait()
	if errs[0] != nil && errs[1] != nil {
		return multierr.Combine(errs...)
	}
	return nil
}

// Stop stops both nodes.
func (d *Dual) Stop() error {
	var err error
	for _, n := range d.nodes() {
		err = multierr.Append(err, n.Stop())
	}
	return err
}

func (d *Dual) nodes() []*DHT {
	return []*DHT{d.V4, d.V6}
}

// Get returns the node of family f.
func (d *Dual) Get(f Family) *DHT {
	if f == IPv6 {
		return d.V6
	}
	return d.V4
}
