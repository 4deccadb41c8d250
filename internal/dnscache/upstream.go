package dnscache

import (
	"context"
	"fmt"
	"net"
)

// Upstream is the real resolver behind the cache. The default
// implementation delegates to the operating system.
type Upstream interface {
	// Lookup resolves hostname to one address. family is 4, 6 or 0 (either).
	Lookup(ctx context.Context, hostname string, family int) (address string, respFamily int, err error)

	// Resolve4 returns all IPv4 addresses.
	Resolve4(ctx context.Context, hostname string) ([]string, error)

	// Resolve6 returns all IPv6 addresses.
	Resolve6(ctx context.Context, hostname string) ([]string, error)
}

// OSResolver resolves through net.Resolver.
type OSResolver struct {
	resolver *net.Resolver
}

// NewOSResolver returns an Upstream using the default OS resolver.
func NewOSResolver() *OSResolver {
	return &OSResolver{resolver: net.DefaultResolver}
}

// Lookup implements Upstream.
func (r *OSResolver) Lookup(ctx context.Context, hostname string, family int) (string, int, error) {
	network := "ip"
	switch family {
	case 4:
		network = "ip4"
	case 6:
		network = "ip6"
	}
	ips, err := r.resolver.LookupIP(ctx, network, hostname)
	if err != nil {
		return "", 0, err
	}
	if len(ips) == 0 {
		return "", 0, fmt.Errorf("no addresses for %s", hostname)
	}
	ip := ips[0]
	respFamily := 6
	if ip.To4() != nil {
		respFamily = 4
	}
	return ip.String(), respFamily, nil
}

// Resolve4 implements Upstream.
func (r *OSResolver) Resolve4(ctx context.Context, hostname string) ([]string, error) {
	return r.lookupFamily(ctx, "ip4", hostname)
}

// Resolve6 implements Upstream.
func (r *OSResolver) Resolve6(ctx context.Context, hostname string) ([]string, error) {
	return r.lookupFamily(ctx, "ip6", hostname)
}

func (r *OSResolver) lookupFamily(ctx context.Context, network, hostname string) ([]string, error) {
	ips, err := r.resolver.LookupIP(ctx, network, hostname)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(ips))
	for _, ip := range ips {
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no addresses for %s", hostname)
	}
	return addresses, nil
}
