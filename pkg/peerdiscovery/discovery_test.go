package peerdiscovery

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSDiscoverer_RejectsEmptyRendezvous(t *testing.T) {
	d := NewDNSDiscoverer(6881, "10.0.0.1")
	_, err := d.Discover(context.Background(), "")
	require.Error(t, err)
}

func TestStaticDiscoverer_ReturnsConfiguredPeers(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	d := StaticDiscoverer{Peers: []PeerAddr{{AddrPort: addr}}}
	peers, err := d.Discover(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, peers, 1)
	assert.Equal(t, addr, peers[0].AddrPort)
}
