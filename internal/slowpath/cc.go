// Package slowpath implements the single-threaded control-plane event
// loop (spec.md §4.7-§4.8): the TCP handshake state machine, ARP cache
// with retry, one-hop routing, the four congestion-control algorithms,
// the retransmit monitor, and the per-application control channel.
package slowpath

import (
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/config"
)

// Deltas are the per-tick counters read from a Flow/Connection: each
// CC algorithm starts from the same {drops, acks, ack bytes, ECN
// bytes, rtt} snapshot before branching (spec.md §4.7).
type Deltas struct {
	Drops    uint64
	Acks     uint64
	AckBytes uint64
	ECNBytes uint64
	RTT      time.Duration // most recent RTT sample this tick, if any
}

// CCState holds one connection's congestion-control substate. Rather
// than a tagged union over four payload types, the fields each
// algorithm needs are kept inline and Tick dispatches on Algorithm —
// the Go equivalent of the "tagged variant inline" design (spec.md §9
// CC algorithm dispatch), since Go has no sum types.
type CCState struct {
	Algorithm config.CCAlgorithm
	cfg       config.CCConfig

	rate      uint32 // current pacing rate, kbps
	window    uint32 // DCTCP-win's congestion window, bytes
	slowStart bool
	rttEst    time.Duration

	// DCTCP-rate sample buffering: accumulate deltas across ticks until
	// enough acks have landed to recompute, per spec.md's "buffer
	// samples until acks >= minpkts".
	bufAcks     uint64
	bufAckBytes uint64
	bufDrops    uint64
	bufECNBytes uint64
	bufInterval time.Duration

	// TIMELY
	rttDiffEWMA   float64
	haiStreak     int
}

// NewCCState constructs the initial congestion-control state for a
// connection, seeded from the SYN-ACK RTT sample per spec.md's
// handshake description ("On SYN-ACK ... initialize CC").
func NewCCState(cfg config.CCConfig, initialRTT time.Duration) *CCState {
	s := &CCState{
		Algorithm: cfg.Algorithm,
		cfg:       cfg,
		rttEst:    initialRTT,
		slowStart: true,
	}
	switch cfg.Algorithm {
	case config.CCDCTCPWin:
		s.window = flowstateMSS
		s.rate = cfg.Rate
		if s.rate == 0 {
			s.rate = cfg.MinRate
		}
	case config.CCDCTCPRate, config.CCTimely:
		s.rate = cfg.Rate
		if s.rate == 0 {
			s.rate = cfg.MinRate
		}
	case config.CCConstRate:
		s.rate = cfg.Rate
		s.slowStart = false
	}
	return s
}

// flowstateMSS mirrors flowstate.MSS without importing internal/flowstate,
// which would pull the spinlock/fast-path types into the slow path for
// a single constant.
const flowstateMSS = 1448

// Tick runs one congestion-control recomputation and returns the new
// pacing rate in kbps, ready for nicif_connection_setrate. txLen bounds
// DCTCP-win's window (spec.md: "clamp [MSS, tx_len]").
func (s *CCState) Tick(d Deltas, txLen uint32) uint32 {
	if d.RTT > 0 {
		s.rttEst = d.RTT
	}

	switch s.Algorithm {
	case config.CCDCTCPWin:
		s.tickDCTCPWin(d, txLen)
	case config.CCDCTCPRate:
		s.tickDCTCPRate(d)
	case config.CCTimely:
		s.tickTimely(d)
	case config.CCConstRate:
		// Fixed rate; only rtt_est (already updated above) changes.
	}

	if s.rate < s.cfg.MinRate {
		s.rate = s.cfg.MinRate
	}
	return s.rate
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// tickDCTCPWin implements the DCTCP-win branch: slow-start doubles the
// window by ackb until the first drop/ECN mark; congestion avoidance
// halves on drop, else EWMA-updates the ECN fraction alpha and shrinks
// the window by (1-alpha/2) with an additive-increase term, then
// reprices the pacing rate from the window and an RTT floor derived
// from the configured link bandwidth.
func (s *CCState) tickDCTCPWin(d Deltas, txLen uint32) {
	if s.slowStart {
		if d.Drops > 0 || d.ECNBytes > 0 {
			s.slowStart = false
		} else {
			s.window += uint32(d.AckBytes)
		}
	}
	if !s.slowStart {
		if d.Drops > 0 {
			s.window /= 2
		} else {
			var ecnFrac float64
			if d.AckBytes+d.ECNBytes > 0 {
				ecnFrac = float64(d.ECNBytes) / float64(d.AckBytes+d.ECNBytes)
			}
			// alpha stored implicitly via cfg.Alpha as the EWMA weight;
			// cfg.Weight is the window-shrink EWMA weight per spec.md.
			alpha := s.cfg.Weight*s.cfg.Alpha + (1-s.cfg.Weight)*ecnFrac
			s.cfg.Alpha = alpha
			s.window = uint32(float64(s.window) * (1 - alpha/2))
			if s.window > 0 {
				s.window += flowstateMSS * uint32(d.AckBytes) / s.window
			}
		}
	}

	s.window = clampU32(s.window, flowstateMSS, txLen)

	rttUs := uint32(s.rttEst.Microseconds())
	if rttUs == 0 {
		rttUs = 1
	}
	linkFloor := uint32(0)
	if s.cfg.LinkBW > 0 {
		linkFloor = uint32(uint64(s.window) * 8 * 1000 / s.cfg.LinkBW)
	}
	effRTT := rttUs
	if linkFloor > effRTT {
		effRTT = linkFloor
	}
	s.rate = uint32(uint64(s.window) * 8 * 1000 / uint64(effRTT))
}

// tickDCTCPRate implements the DCTCP-rate branch: samples are buffered
// until at least minpkts acks have accumulated, then slow-start
// doubles the rate, congestion avoidance halves on drops or applies a
// multiplicative decrease on ECN, else increases (additive, or
// multiplicative-increase/multiplicative-decrease between ticks with
// no signal), capped at 1.2x the interval's measured throughput.
func (s *CCState) tickDCTCPRate(d Deltas) {
	s.bufAcks += d.Acks
	s.bufAckBytes += d.AckBytes
	s.bufDrops += d.Drops
	s.bufECNBytes += d.ECNBytes
	s.bufInterval += s.rttEst

	if s.bufAcks < uint64(s.cfg.MinPkts) {
		return
	}

	switch {
	case s.slowStart:
		if s.bufDrops > 0 || s.bufECNBytes > 0 {
			s.slowStart = false
		} else {
			s.rate *= 2
		}
	case s.bufDrops > 0:
		s.rate /= 2
	case s.bufECNBytes > 0:
		s.rate = uint32(float64(s.rate) * (1 - s.cfg.Alpha/2))
	default:
		s.rate += uint32(float64(s.rate) * s.cfg.Beta)
	}

	if s.bufInterval > 0 {
		measuredKbps := uint32(s.bufAckBytes * 8 * 1000 / uint64(s.bufInterval.Microseconds()+1))
		rateCap := uint32(float64(measuredKbps) * 1.2)
		if rateCap > 0 && s.rate > rateCap {
			s.rate = rateCap
		}
	}

	s.bufAcks, s.bufAckBytes, s.bufDrops, s.bufECNBytes, s.bufInterval = 0, 0, 0, 0, 0
}

// tickTimely implements the TIMELY branch: an RTT-gradient congestion
// controller. rtt_diff is EWMA-smoothed with cfg.Alpha; below TLow the
// rate grows additively, above THigh it backs off multiplicatively
// proportional to how far over THigh the RTT sits, and in between the
// normalized gradient of the EWMA decides between hyperactive increase
// (five consecutive non-positive gradients) and a gradient-scaled
// decrease. A single step never more than halves the rate.
func (s *CCState) tickTimely(d Deltas) {
	if d.RTT == 0 {
		return
	}

	prevRate := s.rate
	rttDiff := float64(d.RTT) - float64(s.rttEst)
	s.rttDiffEWMA = (1-s.cfg.Alpha)*s.rttDiffEWMA + s.cfg.Alpha*rttDiff

	tLow := float64(s.cfg.TLow)
	tHigh := float64(s.cfg.THigh)
	rtt := float64(d.RTT.Microseconds())

	if s.slowStart {
		if rtt > (tLow+tHigh)/2 {
			s.slowStart = false
		} else {
			s.rate *= 2
			return
		}
	}

	switch {
	case rtt < tLow:
		s.haiStreak = 0
		s.rate += uint32(float64(flowstateMSS))
	case rtt > tHigh:
		s.haiStreak = 0
		s.rate -= uint32(float64(s.rate) * s.cfg.Beta * (1 - tHigh/rtt))
	default:
		normGrad := s.rttDiffEWMA / tLow
		if normGrad <= 0 {
			s.haiStreak++
			if s.haiStreak >= 5 {
				s.rate += uint32(float64(flowstateMSS) * 2)
			}
		} else {
			s.haiStreak = 0
			s.rate -= uint32(float64(s.rate) * s.cfg.Beta * normGrad)
		}
	}

	if prevRate > 0 && s.rate < prevRate/2 {
		s.rate = prevRate / 2
	}
}
