package slowpath

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

// arpEntryTTL and arpCleanupInterval bound how long a resolved MAC is
// trusted before a fresh ARP request is required, per spec.md §4.7's
// "ARP cache + retry".
const (
	arpEntryTTL        = 60 * time.Second
	arpCleanupInterval = 30 * time.Second
)

// ArpResolver issues ARP requests for addresses the cache has not yet
// resolved (or has expired); cmd/tasd wires this to the link port's
// broadcast path.
type ArpResolver interface {
	SendARPRequest(ip uint32) error
}

// ArpCache resolves IPv4 addresses to MACs, backed by a TTL cache so
// stale mappings age out without an explicit eviction loop (spec.md's
// ARP cache, grounded on internal/config's DOMAIN STACK entry for
// github.com/patrickmn/go-cache).
type ArpCache struct {
	cache    *cache.Cache
	resolver ArpResolver

	pending map[uint32][]chan tcpip.MAC
}

// NewArpCache constructs an ArpCache that issues requests through resolver.
func NewArpCache(resolver ArpResolver) *ArpCache {
	return &ArpCache{
		cache:    cache.New(arpEntryTTL, arpCleanupInterval),
		resolver: resolver,
		pending:  make(map[uint32][]chan tcpip.MAC),
	}
}

// Resolve returns the cached MAC for ip if present, else issues an ARP
// request and registers a one-shot channel Complete will fire when the
// reply (or timeout) arrives — the "ARP_PENDING" half of the handshake
// FSM's async resolution step.
func (a *ArpCache) Resolve(ip uint32) (tcpip.MAC, bool, <-chan tcpip.MAC) {
	if v, ok := a.cache.Get(arpKey(ip)); ok {
		return v.(tcpip.MAC), true, nil
	}

	ch := make(chan tcpip.MAC, 1)
	a.pending[ip] = append(a.pending[ip], ch)
	if len(a.pending[ip]) == 1 {
		_ = a.resolver.SendARPRequest(ip)
	}
	return tcpip.MAC{}, false, ch
}

// Complete records a resolved MAC and wakes every Connection waiting
// on it.
func (a *ArpCache) Complete(ip uint32, mac tcpip.MAC) {
	a.cache.Set(arpKey(ip), mac, cache.DefaultExpiration)

	waiters := a.pending[ip]
	delete(a.pending, ip)
	for _, ch := range waiters {
		ch <- mac
		close(ch)
	}
}

// CancelPending drops the waiter channel for ip without resolving it,
// used when a Connection's handshake gives up before ARP replies
// (e.g. handshake_retries exhausted).
func (a *ArpCache) CancelPending(ip uint32, ch <-chan tcpip.MAC) {
	waiters := a.pending[ip]
	for i, c := range waiters {
		if c == ch {
			close(c)
			a.pending[ip] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func arpKey(ip uint32) string {
	var buf [4]byte
	buf[0] = byte(ip >> 24)
	buf[1] = byte(ip >> 16)
	buf[2] = byte(ip >> 8)
	buf[3] = byte(ip)
	return string(buf[:])
}
