package slowpath

import "time"

// retransmitState tracks one flow's consecutive stalled-CC-tick count
// for the retransmit monitor (spec.md §4.7: "each CC tick, if tx_sent>0
// and no ACKs since last tick, increment cnt_tx_pending; at
// cc_rexmit_ints and 2*rtt elapsed, request a retransmit").
type retransmitState struct {
	pendingTicks int
	stalledSince time.Time
}

// RetransmitMonitor watches every open connection's per-tick ack
// progress and asks the fast path to replay a flow's unacked tail once
// it looks stalled for long enough to rule out ordinary RTT jitter.
type RetransmitMonitor struct {
	cfg   SlowpathRetransmitConfig
	state map[uint32]*retransmitState
}

// SlowpathRetransmitConfig is the subset of config.SlowpathConfig the
// monitor needs, kept as its own type so it doesn't have to import
// internal/config for one int.
type SlowpathRetransmitConfig struct {
	RexmitInts int
}

// NewRetransmitMonitor constructs a RetransmitMonitor.
func NewRetransmitMonitor(cfg SlowpathRetransmitConfig) *RetransmitMonitor {
	return &RetransmitMonitor{cfg: cfg, state: make(map[uint32]*retransmitState)}
}

// Observe folds one CC tick's counters into the monitor, returning true
// if this flow should have nicif_connection_retransmit called on it
// this tick. now is the tick's wall-clock time; rtt is the flow's
// current RTT estimate.
func (m *RetransmitMonitor) Observe(flowID uint32, txSent uint32, newAcks uint64, rtt time.Duration, now time.Time) bool {
	st, ok := m.state[flowID]
	if !ok {
		st = &retransmitState{}
		m.state[flowID] = st
	}

	if txSent == 0 || newAcks > 0 {
		st.pendingTicks = 0
		st.stalledSince = time.Time{}
		return false
	}

	if st.pendingTicks == 0 {
		st.stalledSince = now
	}
	st.pendingTicks++

	if st.pendingTicks < m.cfg.RexmitInts {
		return false
	}
	if rtt > 0 && now.Sub(st.stalledSince) < 2*rtt {
		return false
	}

	st.pendingTicks = 0
	st.stalledSince = time.Time{}
	return true
}

// Forget drops a flow's retransmit-monitor state, called when the
// connection closes.
func (m *RetransmitMonitor) Forget(flowID uint32) {
	delete(m.state, flowID)
}
