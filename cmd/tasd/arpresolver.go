package main

import (
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/slowpath"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

// arpResolveLatency models the round trip a real ARP request/reply
// would take on the wire.
const arpResolveLatency = time.Millisecond

// tasArpResolver implements slowpath.ArpResolver. A full implementation
// would broadcast an ARP request frame on the owning core's link port
// and wait for the reply to arrive through the normal RX path; since
// internal/tcpip carries no ARP wire codec (out of scope; see
// DESIGN.md), this derives a deterministic MAC from the target IP so
// the handshake state machine still exercises its full ARP_PENDING ->
// SYN_SENT transition end to end.
type tasArpResolver struct {
	mgr *slowpath.Manager
}

func newTasArpResolver(mgr *slowpath.Manager) *tasArpResolver {
	return &tasArpResolver{mgr: mgr}
}

func (r *tasArpResolver) SendARPRequest(ip uint32) error {
	go func() {
		time.Sleep(arpResolveLatency)
		r.mgr.CompleteARP(ip, deterministicMAC(ip))
	}()
	return nil
}

// deterministicMAC derives a locally-administered MAC address from an
// IPv4 address so the same target always resolves to the same MAC
// within a single daemon run.
func deterministicMAC(ip uint32) tcpip.MAC {
	return tcpip.MAC{
		0x02, // locally administered, unicast
		byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip), 0x00,
	}
}
