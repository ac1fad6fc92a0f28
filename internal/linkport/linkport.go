// Package linkport abstracts the burst-oriented NIC interface the
// dataplane polls every iteration (spec.md §4.4, §4.9): receive a
// burst of frames into caller-owned buffers, send a burst of frames,
// and toggle the handful of NIC knobs the fast path cares about
// (interrupt moderation, RSS redirection, checksum offload).
package linkport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("linkport: port closed")

// Port is the burst RX/TX surface a dataplane core polls. A concrete
// implementation owns one RX/TX queue pair (bound to one RSS bucket,
// hence one core) and never blocks: RecvBurst returns immediately with
// whatever is available, up to max frames.
type Port interface {
	// RecvBurst copies up to len(bufs) frames into bufs, returning the
	// number received. A returned count of 0 is not an error.
	RecvBurst(ctx context.Context, bufs [][]byte) (n int, err error)

	// SendBurst enqueues frames for transmission, returning the number
	// accepted before the TX ring filled up.
	SendBurst(ctx context.Context, frames [][]byte) (n int, err error)

	// SetInterrupts toggles NIC interrupt delivery for this queue pair;
	// the poll loop disables interrupts while busy-polling and
	// re-enables them before blocking (spec.md §4.4's adaptive idle
	// behavior).
	SetInterrupts(enabled bool) error

	// MTU returns the maximum transmission unit in bytes.
	MTU() int

	// ChecksumOffload reports whether the NIC computes IPv4/TCP
	// checksums in hardware; when false the dataplane must compute
	// them in software (internal/tcpip.InternetChecksum).
	ChecksumOffload() bool

	// RSSRedirect reprograms the RSS indirection table entry for a
	// flow's hash bucket to point at this queue, used when flow
	// affinity must move (e.g. core rebalancing).
	RSSRedirect(hash uint32, queue int) error

	Close() error
}

// Mock is an in-memory loopback Port for tests and the non-DPDK
// development build: frames written via Inject appear on RecvBurst,
// and frames sent via SendBurst are captured for inspection.
type Mock struct {
	mu   sync.Mutex
	rx   [][]byte
	tx   [][]byte
	ints bool
	mtu  int
	csum bool

	// DropNext, when > 0, causes RecvBurst to silently discard that
	// many queued frames before returning any — used to exercise the
	// dataplane's loss/retransmit paths without a real lossy link.
	DropNext int
}

// NewMock constructs a Mock with a 1500-byte MTU and checksum offload
// enabled, matching a typical virtio-net/ixgbe default.
func NewMock() *Mock {
	return &Mock{mtu: 1500, csum: true}
}

// Inject queues a frame as if received from the wire.
func (m *Mock) Inject(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.rx = append(m.rx, cp)
}

// Sent returns and clears the frames captured by SendBurst.
func (m *Mock) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tx
	m.tx = nil
	return out
}

func (m *Mock) RecvBurst(_ context.Context, bufs [][]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.DropNext > 0 && len(m.rx) > 0 {
		m.rx = m.rx[1:]
		m.DropNext--
	}

	count := 0
	for count < len(bufs) && len(m.rx) > 0 {
		frame := m.rx[0]
		m.rx = m.rx[1:]
		copy(bufs[count], frame)
		bufs[count] = bufs[count][:len(frame)]
		count++
	}
	return count, nil
}

func (m *Mock) SendBurst(_ context.Context, frames [][]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		cp := make([]byte, len(f))
		copy(cp, f)
		m.tx = append(m.tx, cp)
	}
	return len(frames), nil
}

func (m *Mock) SetInterrupts(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ints = enabled
	return nil
}

func (m *Mock) MTU() int { return m.mtu }

func (m *Mock) ChecksumOffload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.csum
}

// SetChecksumOffload lets a test simulate a NIC without hardware
// checksum support.
func (m *Mock) SetChecksumOffload(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.csum = v
}

func (m *Mock) RSSRedirect(_ uint32, _ int) error { return nil }

func (m *Mock) Close() error { return nil }
