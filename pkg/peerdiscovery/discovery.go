// Package peerdiscovery supplies the orchestrator with a minimal interface
// for turning a bootstrap/rendezvous name into candidate peer addresses.
// The core does not implement a DHT or relay transport — it only consumes
// this interface — so the concrete implementation here is intentionally
// shallow (DNS-based); anything richer is an external collaborator's job.
package peerdiscovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// PeerAddr is a discovered candidate address.
type PeerAddr struct {
	AddrPort netip.AddrPort
}

// Discoverer resolves a rendezvous name into candidate peer addresses.
type Discoverer interface {
	Discover(ctx context.Context, rendezvous string) ([]PeerAddr, error)
}

// DNSDiscoverer resolves peers via a headless-service-style DNS name that
// returns one A/AAAA record per peer, skipping the caller's own address.
type DNSDiscoverer struct {
	Resolver *net.Resolver
	Port     uint16
	SelfIP   string
}

// NewDNSDiscoverer builds a DNSDiscoverer using the system resolver.
func NewDNSDiscoverer(port uint16, selfIP string) *DNSDiscoverer {
	return &DNSDiscoverer{Resolver: &net.Resolver{}, Port: port, SelfIP: selfIP}
}

// Discover looks up rendezvous and returns every peer address found other
// than SelfIP.
func (d *DNSDiscoverer) Discover(ctx context.Context, rendezvous string) ([]PeerAddr, error) {
	if rendezvous == "" {
		return nil, dlerr.New(dlerr.KindInvalidURL, "DNSDiscoverer.Discover", fmt.Errorf("rendezvous name not configured"))
	}

	ips, err := d.Resolver.LookupIPAddr(ctx, rendezvous)
	if err != nil {
		if ctx.Err() != nil {
			return nil, dlerr.New(dlerr.KindTimeout, "DNSDiscoverer.Discover", ctx.Err())
		}
		return nil, dlerr.New(dlerr.KindNetworkError, "DNSDiscoverer.Discover", err)
	}

	peers := make([]PeerAddr, 0, len(ips))
	for _, ip := range ips {
		ipStr := ip.IP.String()
		if ipStr == d.SelfIP {
			continue
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			continue
		}
		peers = append(peers, PeerAddr{AddrPort: netip.AddrPortFrom(addr, d.Port)})
	}
	return peers, nil
}

// StaticDiscoverer returns a fixed, pre-configured peer list — useful for
// tests and for nodes seeded entirely from a bootstrap config.
type StaticDiscoverer struct {
	Peers []PeerAddr
}

// Discover returns the configured peer list unconditionally.
func (s StaticDiscoverer) Discover(_ context.Context, _ string) ([]PeerAddr, error) {
	return s.Peers, nil
}
