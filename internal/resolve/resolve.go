// Package resolve turns probe target hostnames into numeric addresses,
// memoizing successful resolutions per (hostname, IP version) so
// repeated probes to the same name do not re-query the system resolver.
package resolve

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoAddress means no address of an acceptable IP version exists for
// the hostname.
var ErrNoAddress = errors.New("no address of an acceptable IP version")

// LookupFunc resolves host to addresses on the given network ("ip4" or
// "ip6"). Swappable for tests.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

func systemLookup(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, network, host)
}

type key struct {
	host    string
	version int
}

// Cache memoizes hostname resolution. The zero value is not usable; use
// New. Safe for concurrent use, including Clear while resolutions are in
// flight.
type Cache struct {
	mu      sync.Mutex
	entries map[key]netip.Addr
	lookup  LookupFunc
}

// New returns a cache backed by the system resolver.
func New() *Cache {
	return NewWithLookup(systemLookup)
}

// NewWithLookup returns a cache backed by a custom lookup function.
func NewWithLookup(fn LookupFunc) *Cache {
	return &Cache{
		entries: make(map[key]netip.Addr),
		lookup:  fn,
	}
}

// Resolve returns an address for host constrained to the requested IP
// version: 4, 6, or 0 for either, tried in the fixed order IPv4 then
// IPv6. Literal addresses are returned unchanged and never cached; a
// literal that does not match an explicitly requested version fails.
// The returned version is always 4 or 6.
func (c *Cache) Resolve(ctx context.Context, host string, version int) (netip.Addr, int, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		v := 4
		if addr.Is6() {
			v = 6
		}
		if version != 0 && version != v {
			return netip.Addr{}, 0, errors.Wrapf(ErrNoAddress, "literal %s is not IPv%d", host, version)
		}
		return addr, v, nil
	}

	versions := []int{version}
	if version == 0 {
		versions = []int{4, 6}
	}

	c.mu.Lock()
	for _, v := range versions {
		if addr, ok := c.entries[key{host, v}]; ok {
			c.mu.Unlock()
			return addr, v, nil
		}
	}
	lookup := c.lookup
	c.mu.Unlock()

	for _, v := range versions {
		network := "ip4"
		if v == 6 {
			network = "ip6"
		}
		addrs, err := lookup(ctx, network, host)
		if err != nil || len(addrs) == 0 {
			continue
		}
		addr := addrs[0].Unmap()

		c.mu.Lock()
		c.entries[key{host, v}] = addr
		c.mu.Unlock()
		return addr, v, nil
	}
	return netip.Addr{}, 0, errors.Wrapf(ErrNoAddress, "resolving %s", host)
}

// Clear discards every cached entry. Resolutions already handed out are
// unaffected; future calls re-query.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[key]netip.Addr)
	c.mu.Unlock()
}
