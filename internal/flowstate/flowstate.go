// Package flowstate implements the per-flow fixed-size state record
// (spec.md §3 Flow/FlowState) and the per-flow fast-path packet
// processing algorithm (spec.md §4.5): in-order delivery with a single
// out-of-order interval, ACK acceptance and dup-ACK detection,
// retransmit recovery, and the bump path used to apply application
// buffer-production/consumption notifications.
package flowstate

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpseq"
)

// MSS is the maximum segment size assumed throughout the fast path:
// 1460 minus 12 bytes for the TCP timestamp option (spec.md glossary).
const MSS = 1448

// StatusFlag is a bit in FlowState's status word.
type StatusFlag uint32

const (
	StatusSlowPath StatusFlag = 1 << iota
	StatusECN
	StatusTXFIN
	StatusRXFIN
)

// SpinLock is a test-and-set spinlock. Correctness depends on never
// suspending (blocking on a channel or syscall) while held — per
// spec.md §9, it guards the entire per-packet fast path and
// fast_flows_bump.
type SpinLock struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() {
	s.locked.Store(false)
}

// Flow is the per-flow fast-path record. A *Flow is mutated by exactly
// one fast-path core at a time (RSS-steered) and by the slow path only
// after it has set StatusSlowPath, per spec.md §5.
type Flow struct {
	FlowID    uint32
	Tuple     flowtable.FourTuple
	FlowGroup uint32

	Lock SpinLock

	status atomic.Uint32 // StatusFlag bits; read lock-free for the early SLOWPATH check

	RxBase, TxBase uint64
	RxLen, TxLen   uint32

	RxNextSeq     uint32
	RxNextPos     uint32
	RxAvail       uint32
	RxRemoteAvail uint32
	RxOOOStart    uint32
	RxOOOLen      uint32

	TxNextSeq uint32
	TxNextPos uint32
	TxSent    uint32
	TxAvail   uint32
	TxNextTS  uint32
	TxRate    uint32 // kbps
	RTTEst    uint32 // microseconds
	TxWindowScale uint8

	CntTxDrops    uint64
	CntRxAcks     uint64
	CntRxAckBytes uint64
	CntRxECNBytes uint64
	RxDupAckCnt   uint32

	Opaque uint64
	DBID   uint32

	lastBumpSeq uint32
	bumpSeqInit bool
}

// Status returns the current status flags, without taking Lock — used
// for the fast path's early "is this flow latched to the slow path"
// check (spec.md §4.5).
func (f *Flow) Status() StatusFlag { return StatusFlag(f.status.Load()) }

// SetStatus sets flags in the status word. Callers mutating flow state
// otherwise must hold Lock; SetStatus itself is atomic so the fast path
// can observe StatusSlowPath without contending on Lock.
func (f *Flow) SetStatus(flags StatusFlag) {
	for {
		old := f.status.Load()
		if f.status.CompareAndSwap(old, old|uint32(flags)) {
			return
		}
	}
}

// HasStatus reports whether all of flags are set.
func (f *Flow) HasStatus(flags StatusFlag) bool {
	return StatusFlag(f.status.Load())&flags == flags
}

// fastPathAllowedFlags is the set of TCP flags the fast path handles
// directly; anything else (besides a lone SYN) is routed to the slow
// path, per spec.md §4.5.
const (
	FlagFIN = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

const fastPathAllowedFlags = FlagACK | FlagPSH | FlagECE | FlagCWR | FlagFIN

// Packet is a parsed TCP segment handed to Process.
type Packet struct {
	Flags       uint8
	Seq         uint32
	Ack         uint32
	Wnd         uint16
	TSVal       uint32
	TSEcr       uint32
	Payload     []byte
}

// QManSet mirrors a qman_set call (spec.md §4.6): which flags to apply
// and with what values.
type QManSet struct {
	Rate     uint32
	AddAvail uint32
	MaxChunk uint32
	SetRate  bool
	SetMaxChunk bool
	AddAvailFlag bool
	SetAvailFlag bool
}

// Result is everything the dataplane context needs to act on after
// Process returns.
type Result struct {
	SlowPath    bool
	TriggerAck  bool
	Fin         bool
	RxBump      uint32
	TxBump      uint32
	RxPosSnapshot uint32
	QMan        *QManSet
}

func satSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Process runs the per-flow fast-path algorithm of spec.md §4.5 for one
// incoming segment. The caller must have already matched pkt to f via
// the flow table; Process takes f.Lock for its duration.
func (f *Flow) Process(pkt Packet, now time.Duration) Result {
	if f.HasStatus(StatusSlowPath) {
		return Result{SlowPath: true}
	}

	if pkt.Flags&^fastPathAllowedFlags != 0 {
		if pkt.Flags == FlagSYN {
			// SYN-only: non-permanent, consult slow path without
			// latching SLOWPATH.
			return Result{SlowPath: true}
		}
		return Result{SlowPath: true}
	}

	f.Lock.Lock()
	defer f.Lock.Unlock()

	oldAvail := minU32(f.TxAvail, satSub(f.RxRemoteAvail, f.TxSent))

	var triggerAck bool
	payload := pkt.Payload
	seq := pkt.Seq

	if pkt.Flags&FlagACK != 0 {
		lowerExclusive := f.TxNextSeq - f.TxSent
		dist := tcpseq.Distance(lowerExclusive, pkt.Ack) // ack - lowerExclusive
		if dist >= 0 && uint32(dist) <= f.TxSent {
			txBumpFromAck := uint32(dist)
			f.TxSent -= txBumpFromAck
			f.CntRxAcks++
			f.CntRxAckBytes += uint64(txBumpFromAck)
			if txBumpFromAck == 0 && len(payload) == 0 {
				f.RxDupAckCnt++
				if f.RxDupAckCnt == 3 {
					f.resetRetransmitLocked()
					return Result{}
				}
			} else {
				f.RxDupAckCnt = 0
			}
		}
	}

	// tcp_trim_rxbuf: drop entirely-outside-window segments, trim
	// partial overlap at front/back.
	seq, payload, dropped := trimToWindow(seq, payload, f.RxNextSeq, f.RxAvail)
	if dropped {
		return Result{}
	}

	var rxBump uint32
	fin := false

	if seq != f.RxNextSeq {
		triggerAck = true
		if len(payload) > 0 {
			f.placeOOO(seq, uint32(len(payload)))
		}
	} else if len(payload) > 0 {
		n := uint32(len(payload))
		f.RxNextPos = (f.RxNextPos + n) % maxU32(f.RxLen, 1)
		f.RxNextSeq += n
		f.RxAvail = satSub(f.RxAvail, n)
		rxBump += n
		triggerAck = true

		// Absorb an OOO interval that has become contiguous.
		if f.RxOOOLen > 0 {
			if f.RxOOOStart == f.RxNextSeq {
				f.RxNextSeq += f.RxOOOLen
				f.RxNextPos = (f.RxNextPos + f.RxOOOLen) % maxU32(f.RxLen, 1)
				f.RxAvail = satSub(f.RxAvail, f.RxOOOLen)
				rxBump += f.RxOOOLen
				f.RxOOOStart, f.RxOOOLen = 0, 0
			} else if tcpseq.LessOrEqual(f.RxOOOStart+f.RxOOOLen, f.RxNextSeq) {
				// Subsumed by the in-order write already accounted for.
				f.RxOOOStart, f.RxOOOLen = 0, 0
			}
		}
	}

	f.TxNextTS = pkt.TSVal
	if pkt.Flags&FlagACK != 0 && pkt.TSEcr != 0 {
		rtt := uint32(now.Microseconds()) - pkt.TSEcr
		if rtt < 100_000 {
			if f.RTTEst == 0 {
				f.RTTEst = rtt
			} else {
				f.RTTEst = (7*f.RTTEst + rtt) / 8
			}
		}
	}

	f.RxRemoteAvail = uint32(pkt.Wnd) << f.TxWindowScale

	if pkt.Flags&FlagFIN != 0 && !f.HasStatus(StatusRXFIN) {
		f.SetStatus(StatusRXFIN)
		f.RxNextSeq++
		triggerAck = true
		fin = true
	}

	result := Result{TriggerAck: triggerAck, Fin: fin, RxBump: rxBump}
	if rxBump != 0 || fin {
		result.RxPosSnapshot = f.RxNextPos
	}

	newAvail := minU32(f.TxAvail, satSub(f.RxRemoteAvail, f.TxSent))
	if newAvail > oldAvail {
		result.QMan = &QManSet{
			Rate:         f.TxRate,
			AddAvail:     newAvail - oldAvail,
			MaxChunk:     MSS,
			SetRate:      true,
			SetMaxChunk:  true,
			AddAvailFlag: true,
		}
	}

	return result
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// placeOOO attempts to place an out-of-order segment into the single
// OOO interval, creating it if none exists, extending it if the new
// segment abuts either end, and dropping it otherwise. Caller holds
// f.Lock.
func (f *Flow) placeOOO(seq, length uint32) {
	if f.RxOOOLen == 0 {
		f.RxOOOStart = seq
		f.RxOOOLen = length
		return
	}
	if seq+length == f.RxOOOStart {
		f.RxOOOStart = seq
		f.RxOOOLen += length
		return
	}
	if seq == f.RxOOOStart+f.RxOOOLen {
		f.RxOOOLen += length
		return
	}
	// Overlaps or is disjoint in a way the single-interval model cannot
	// represent: dropped.
}

// trimToWindow implements tcp_trim_rxbuf: it drops a segment entirely
// outside [rxNextSeq, rxNextSeq+rxAvail), and trims the overlapping
// front/back otherwise.
func trimToWindow(seq uint32, payload []byte, rxNextSeq, rxAvail uint32) (uint32, []byte, bool) {
	length := uint32(len(payload))
	end := seq + length

	// Entirely before the window (already received).
	if tcpseq.LessOrEqual(end, rxNextSeq) && length > 0 {
		return seq, nil, true
	}
	// Entirely at/after the window's far edge.
	if rxAvail == 0 && seq != rxNextSeq {
		return seq, nil, true
	}
	if tcpseq.LessOrEqual(rxNextSeq+rxAvail, seq) && length > 0 {
		return seq, nil, true
	}

	frontTrim := uint32(0)
	if tcpseq.LessThan(seq, rxNextSeq) {
		frontTrim = rxNextSeq - seq
		if frontTrim > length {
			frontTrim = length
		}
	}
	backTrim := uint32(0)
	newEnd := seq + length
	windowEnd := rxNextSeq + rxAvail
	if tcpseq.LessThan(windowEnd, newEnd) {
		backTrim = newEnd - windowEnd
		if backTrim > length-frontTrim {
			backTrim = length - frontTrim
		}
	}

	trimmed := payload[frontTrim : length-backTrim]
	return seq + frontTrim, trimmed, false
}

// resetRetransmitLocked is the third-duplicate-ACK path; it is
// equivalent to Retransmit but the caller already holds f.Lock.
func (f *Flow) resetRetransmitLocked() {
	f.doRetransmit()
}

// Retransmit implements retransmit(flow_id) (spec.md §4.5): rewinds the
// TX cursor back to the last acknowledged byte, halves the rate on the
// first drop in the current control interval, and returns the number
// of bytes recovered so the caller can re-arm the queue manager with
// ADD_AVAIL for that count.
//
// Grounded on original_source/tas/fast/fast_flows.c's
// flow_reset_retransmit: that function does not touch rx_remote_avail,
// only tx_next_seq/tx_next_pos/tx_sent/tx_rate/cnt_tx_drops/rx_dupack_cnt.
func (f *Flow) Retransmit() QManSet {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	recovered := f.doRetransmit()
	return QManSet{AddAvail: recovered, AddAvailFlag: true}
}

func (f *Flow) doRetransmit() uint32 {
	f.RxDupAckCnt = 0

	recovered := f.TxSent
	f.TxNextSeq -= f.TxSent
	if f.TxNextPos >= f.TxSent {
		f.TxNextPos -= f.TxSent
	} else {
		x := f.TxSent - f.TxNextPos
		f.TxNextPos = f.TxLen - x
	}
	f.TxSent = 0

	if f.CntTxDrops == 0 {
		f.TxRate /= 2
	}
	f.CntTxDrops++

	f.TxAvail += recovered
	return recovered
}

// BumpFlags mirrors the flags carried on a connupdate (spec.md §4.4,
// §4.5): FLTXDONE marks that the application has no more bytes to
// produce on this flow.
type BumpFlags uint32

const (
	BumpFlagTXDone BumpFlags = 1 << iota
)

// Bump implements fast_flows_bump (spec.md §4.5): applies an
// application-side rx/tx buffer notification, discarding stale/
// reordered updates via bumpSeq (64K-sequence wrap tolerance), and
// either emits an immediate window-update ACK (flow-control reopen
// deadlock breaker) or notifies the queue manager of new tx_avail.
func (f *Flow) Bump(bumpSeq uint32, rxBump, txBump uint32, flags BumpFlags) Result {
	f.Lock.Lock()
	defer f.Lock.Unlock()

	if f.bumpSeqInit {
		// bump_seq is a 16-bit wrapping counter in the wire format;
		// reject anything that looks like it arrived out of order
		// beyond the tolerance window.
		if !tcpseq.InWindow(bumpSeq, f.lastBumpSeq, 1<<16) {
			return Result{}
		}
	}
	f.lastBumpSeq = bumpSeq
	f.bumpSeqInit = true

	if f.HasStatus(StatusTXFIN) {
		txBump = 0
	} else if flags&BumpFlagTXDone != 0 && txBump == 0 {
		// FLTXDONE without a dummy byte is rejected.
		return Result{}
	}

	rxWasZero := f.RxAvail == 0
	f.TxAvail += txBump
	f.RxAvail += rxBump

	reopened := rxWasZero && f.RxAvail > 0

	if reopened && txBump == 0 {
		return Result{TriggerAck: true}
	}
	if txBump > 0 {
		return Result{QMan: &QManSet{
			Rate:         f.TxRate,
			AddAvail:     txBump,
			MaxChunk:     MSS,
			SetRate:      true,
			SetMaxChunk:  true,
			AddAvailFlag: true,
		}}
	}
	return Result{}
}
