package slowpath

import (
	"context"
	"log/slog"
	"time"
)

// TxHooks transmits the wire-level packets the handshake FSM decides to
// send; cmd/tasd implements this over the link port's shared-memory
// kernel-tx queue (nicif_poll's transmit half).
type TxHooks interface {
	SendSyn(conn *Connection) error
	SendSynAck(conn *Connection) error
	SendAck(conn *Connection) error
}

// Loop is the single-threaded slow-path event loop (spec.md §4.7): one
// goroutine cycling nicif_poll / cc_poll / tcp_poll / util_timeout_poll
// in order, matching internal/dataplane.Core.Run's fast-path structure
// but over the handshake/CC state this package owns instead of ring
// buffers.
type Loop struct {
	mgr    *Manager
	tx     TxHooks
	logger *slog.Logger

	tickInterval time.Duration
}

// NewLoop constructs a Loop.
func NewLoop(mgr *Manager, tx TxHooks, tickInterval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{mgr: mgr, tx: tx, tickInterval: tickInterval, logger: logger}
}

// Run drives the event loop until ctx is cancelled, ticking at
// tickInterval the way internal/dataplane.Core.Run polls its fast-path
// steps every iteration rather than blocking indefinitely on one source.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l.pollOnce(now)
		}
	}
}

// pollOnce runs one full cycle of the slow-path's poll steps.
func (l *Loop) pollOnce(now time.Time) {
	l.nicifPoll()
	l.ccPoll(now)
	l.tcpPoll(now)
}

// nicifPoll drains completed ARP resolutions, sending the queued SYN
// for every connection that just left ARP_PENDING.
func (l *Loop) nicifPoll() {
	for _, conn := range l.mgr.PollARP() {
		if err := l.tx.SendSyn(conn); err != nil && l.logger != nil {
			l.logger.Warn("send syn after arp resolve failed", slog.Any("error", err), slog.Uint64("flow_id", uint64(conn.FlowID)))
		}
	}
}

// ccPoll runs one congestion-control tick across every open connection.
func (l *Loop) ccPoll(now time.Time) {
	l.mgr.TickCC(now)
}

// tcpPoll retries timed-out SYNs per the handshake's exponential
// backoff (spec.md: "timeout 10ms ... up to handshake_retries").
func (l *Loop) tcpPoll(now time.Time) {
	for _, conn := range l.mgr.PollTimeouts(now) {
		if err := l.tx.SendSyn(conn); err != nil && l.logger != nil {
			l.logger.Warn("retransmit syn failed", slog.Any("error", err), slog.Uint64("flow_id", uint64(conn.FlowID)))
		}
	}
}
