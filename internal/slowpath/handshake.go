package slowpath

import (
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

// ConnStatus is a Connection's handshake lifecycle state (spec.md §3).
type ConnStatus int

const (
	StatusSynWait ConnStatus = iota
	StatusArpPending
	StatusSynSent
	StatusRegSynAck
	StatusOpen
	StatusClosed
	StatusFailed
)

func (s ConnStatus) String() string {
	switch s {
	case StatusSynWait:
		return "SYN_WAIT"
	case StatusArpPending:
		return "ARP_PENDING"
	case StatusSynSent:
		return "SYN_SENT"
	case StatusRegSynAck:
		return "REG_SYNACK"
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// initialRetryTimeout and maxRetryTimeout bound the handshake's
// exponential backoff (spec.md: "timeout 10 ms with exponential
// backoff up to handshake_retries").
const (
	initialRetryTimeout = 10 * time.Millisecond
	maxRetryTimeout     = 1280 * time.Millisecond
)

// Connection mirrors a Flow during setup (spec.md §3).
type Connection struct {
	FlowID                uint32
	Tuple                 flowtable.FourTuple
	RemoteMAC             tcpip.MAC
	RemoteSeq, LocalSeq   uint32
	SynTS                 uint32
	WindowScale           uint8
	RemoteWindowScale     uint8

	Status ConnStatus
	CC     *CCState

	core int

	attempt   int
	timeoutAt time.Time
	arpWait   <-chan tcpip.MAC
	arpIP     uint32
}

// Listener owns a port, accepting one connection at a time off a FIFO
// backlog of handshakes the slow path has already completed.
type Listener struct {
	Port       uint16
	Reuseport  bool
	BacklogCap int

	pendingAck map[flowtable.FourTuple]*Connection // SYN-ACK sent, awaiting final ACK
	backlog    []*Connection                       // 3-way handshake complete, awaiting Accept
}

func newListener(port uint16, reuseport bool, backlogCap int) *Listener {
	return &Listener{
		Port:       port,
		Reuseport:  reuseport,
		BacklogCap: backlogCap,
		pendingAck: make(map[flowtable.FourTuple]*Connection),
	}
}
