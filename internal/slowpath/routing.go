package slowpath

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tcp-acceleration-service/tas-sub000/internal/taserr"
)

// routeCacheSize bounds the route LRU; one-hop routing (spec.md §4.7)
// never needs more entries than there are distinct remote subnets a
// connection has dialed, so a modest bound keeps memory flat without a
// TTL policy route changes would otherwise require invalidating.
const routeCacheSize = 1024

// Route is the single-hop routing result: the connection either stays
// on the local subnet (gateway is the zero address) or is forwarded to
// gateway, both reachable directly off the service's one interface.
type Route struct {
	Gateway netip.Addr // zero value: destination is on-link
}

// RouteTable holds the local prefix and default gateway the service
// was configured with (spec.md §6's --ip-addr) and memoizes resolved
// routes in a bounded LRU (DOMAIN STACK: github.com/hashicorp/golang-lru/v2).
type RouteTable struct {
	local   netip.Prefix
	gateway netip.Addr

	cache *lru.Cache[netip.Addr, Route]
}

// NewRouteTable constructs a RouteTable for the given local prefix and
// default gateway (gateway may be the zero Addr if none is configured,
// meaning off-subnet destinations fail resolution).
func NewRouteTable(local netip.Prefix, gateway netip.Addr) (*RouteTable, error) {
	c, err := lru.New[netip.Addr, Route](routeCacheSize)
	if err != nil {
		return nil, taserr.Wrap(taserr.KindFatal, err, "slowpath: route cache init")
	}
	return &RouteTable{local: local, gateway: gateway, cache: c}, nil
}

// Resolve returns the next-hop address to ARP-resolve for dst: dst
// itself when on-link, else the configured gateway.
func (r *RouteTable) Resolve(dst netip.Addr) (Route, error) {
	if rt, ok := r.cache.Get(dst); ok {
		return rt, nil
	}

	var rt Route
	if r.local.Contains(dst) {
		rt = Route{}
	} else {
		if !r.gateway.IsValid() {
			return Route{}, taserr.New(taserr.KindResourceExhaustion,
				"slowpath: no route to off-subnet destination",
				taserr.WithField("dst", dst.String()))
		}
		rt = Route{Gateway: r.gateway}
	}

	r.cache.Add(dst, rt)
	return rt, nil
}

// NextHop returns the address ARP should resolve for dst per rt.
func (rt Route) NextHop(dst netip.Addr) netip.Addr {
	if rt.Gateway.IsValid() {
		return rt.Gateway
	}
	return dst
}
