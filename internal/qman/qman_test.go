package qman

import "testing"

// TestS6RoundRobinAndAlternation reproduces spec.md §8 scenario S6: two
// VMs each holding one rate-limited flow at the same rate, and two
// flows without a rate; alternating Poll calls must cycle the VMs at
// the outer level and interleave paced/unpaced work at the inner
// level.
func TestS6RoundRobinAndAlternation(t *testing.T) {
	m := New(1 << 20) // quantum large enough that DC never starves a pass

	// vm0: one paced flow (rate>0) and one unpaced flow (rate==0).
	m.Set(0, 10, 1000, 100000, 1500, SetRate|SetMaxChunk|SetAvail)
	m.Set(0, 11, 0, 100000, 1500, SetMaxChunk|SetAvail)

	// vm1: same shape.
	m.Set(1, 20, 1000, 100000, 1500, SetRate|SetMaxChunk|SetAvail)
	m.Set(1, 21, 0, 100000, 1500, SetMaxChunk|SetAvail)

	order := m.VMOrder()
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("expected initial ring [0,1], got %v", order)
	}

	var vmSeq []uint64
	seen := map[uint32]bool{}
	for i := 0; i < 8; i++ {
		grants := m.Poll(1, uint32(i*10))
		if len(grants) == 0 {
			t.Fatalf("pass %d: expected a grant", i)
		}
		vmSeq = append(vmSeq, grants[0].VMID)
		seen[grants[0].FlowID] = true
	}

	for i := 0; i < len(vmSeq); i++ {
		want := uint64(i % 2)
		if vmSeq[i] != want {
			t.Fatalf("pass %d: vm = %d, want %d (round-robin cycle)", i, vmSeq[i], want)
		}
	}

	for _, fid := range []uint32{10, 11, 20, 21} {
		if !seen[fid] {
			t.Fatalf("flow %d never received a grant across passes", fid)
		}
	}
}

// TestPacerRateBound reproduces property 6: over any interval of
// length T (virtual microseconds), bytes granted to a rate-limited
// flow must not exceed R·T/8000 + max_chunk.
func TestPacerRateBound(t *testing.T) {
	const rate = uint32(2000) // kbps
	const maxChunk = uint32(1500)

	m := New(1 << 20)
	m.Set(0, 1, rate, 1<<30, maxChunk, SetRate|SetMaxChunk|SetAvail)

	var total uint64
	var now uint32
	const steps = 2000
	for i := 0; i < steps; i++ {
		grants := m.Poll(4, now)
		for _, g := range grants {
			total += uint64(g.Bytes)
		}
		now += 50
	}

	bound := uint64(rate)*uint64(now)/8000 + uint64(maxChunk)
	if total > bound {
		t.Fatalf("granted %d bytes over T=%d us, exceeds bound %d (rate=%d kbps)", total, now, bound, rate)
	}
}

// TestSetAddAvailAccumulates checks ADD_AVAIL accumulates rather than
// replacing, and reactivates a drained queue.
func TestSetAddAvailAccumulates(t *testing.T) {
	m := New(1000)
	m.Set(0, 1, 0, 100, 1500, SetMaxChunk|SetAvail)

	grants := m.Poll(10, 0)
	if len(grants) != 1 || grants[0].Bytes != 100 {
		t.Fatalf("expected single grant of 100 bytes, got %+v", grants)
	}

	// Queue drained; adding more avail must reactivate it.
	m.Set(0, 1, 0, 50, 1500, AddAvail)
	grants = m.Poll(10, 0)
	if len(grants) != 1 || grants[0].Bytes != 50 {
		t.Fatalf("expected reactivated grant of 50 bytes, got %+v", grants)
	}
}

// TestNextTSNoActiveVMs checks qman_next_ts's -1 sentinel.
func TestNextTSNoActiveVMs(t *testing.T) {
	m := New(1000)
	if ts := m.NextTS(0); ts != -1 {
		t.Fatalf("expected -1 with no active VMs, got %d", ts)
	}
}

// TestMaxChunkCapsGrant verifies queue_fire never grants more than
// max_chunk in a single fire even when avail and DC both exceed it.
func TestMaxChunkCapsGrant(t *testing.T) {
	m := New(1 << 20)
	m.Set(0, 1, 0, 10000, 1500, SetMaxChunk|SetAvail)

	grants := m.Poll(1, 0)
	if len(grants) != 1 || grants[0].Bytes != 1500 {
		t.Fatalf("expected single 1500-byte grant capped by max_chunk, got %+v", grants)
	}
}
