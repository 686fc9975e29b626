package dht

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPort(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, defaultPort, c.port())
	for _, p := range []int{0, -1, 65536, 100000} {
		c.Port = p
		assert.Equal(t, defaultPort, c.port(), "port %d", p)
	}
	c.Port = 6881
	assert.Equal(t, 6881, c.port())
}

func TestConfigFamily(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, IPv4, c.family())
	c.UDPProto = "udp6"
	assert.Equal(t, IPv6, c.family())

	c.UDPProto = "tcp"
	_, err := New(c)
	assert.Error(t, err)
}

func TestRegisterFlags(t *testing.T) {
	old := flag.CommandLine
	defer func() { flag.CommandLine = old }()
	flag.CommandLine = flag.NewFlagSet("test", flag.ContinueOnError)

	c := NewConfig()
	RegisterFlags(c)
	require.NoError(t, flag.CommandLine.Parse([]string{"-dhtPort=6881", "-dhtProto=udp6", "-rateLimit=-1", "-dhtNoRouters"}))
	assert.Equal(t, 6881, c.Port)
	assert.Equal(t, "udp6", c.UDPProto)
	assert.Equal(t, int64(-1), c.RateLimit)
	assert.True(t, c.NoRouterBootstrap)
}
