//go:build linux

package linkport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// RawSocket implements Port over an AF_PACKET socket bound to one
// interface, for integration tests that need a real link rather than
// the in-memory Mock. It has no RSS queue selection of its own (a
// single AF_PACKET socket sees the whole interface), so RSSRedirect is
// a no-op and ChecksumOffload always reports false: frames it hands to
// the dataplane always carry software-computed checksums.
type RawSocket struct {
	mu     sync.Mutex
	fd     int
	ifName string
	mtu    int
	closed bool
}

// NewRawSocket opens an AF_PACKET/SOCK_RAW socket bound to ifName.
// Requires CAP_NET_RAW.
func NewRawSocket(ifName string) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("linkport: open AF_PACKET socket: %w", err)
	}

	iface, err := ifaceByName(ifName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("linkport: bind to %s: %w", ifName, err)
	}

	return &RawSocket{fd: fd, ifName: ifName, mtu: iface.mtu}, nil
}

func htons(v int) uint16 {
	return uint16(v>>8) | uint16(v<<8)
}

type ifaceInfo struct {
	index int
	mtu   int
}

func ifaceByName(name string) (ifaceInfo, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ifaceInfo{}, fmt.Errorf("linkport: lookup interface %s: %w", name, err)
	}
	return ifaceInfo{index: iface.Index, mtu: iface.MTU}, nil
}

func (r *RawSocket) RecvBurst(ctx context.Context, bufs [][]byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	n := 0
	for n < len(bufs) {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		m, _, err := unix.Recvfrom(r.fd, bufs[n], unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return n, fmt.Errorf("linkport: recvfrom: %w", err)
		}
		bufs[n] = bufs[n][:m]
		n++
	}
	return n, nil
}

func (r *RawSocket) SendBurst(ctx context.Context, frames [][]byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, f := range frames {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := unix.Send(r.fd, f, 0); err != nil {
			return n, fmt.Errorf("linkport: send: %w", err)
		}
		n++
	}
	return n, nil
}

// SetInterrupts is a no-op on AF_PACKET: there is no per-queue
// interrupt knob to toggle without NIC-specific ethtool ioctls, which
// this port intentionally does not perform.
func (r *RawSocket) SetInterrupts(_ bool) error { return nil }

func (r *RawSocket) MTU() int { return r.mtu }

func (r *RawSocket) ChecksumOffload() bool { return false }

func (r *RawSocket) RSSRedirect(_ uint32, _ int) error { return nil }

func (r *RawSocket) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}
