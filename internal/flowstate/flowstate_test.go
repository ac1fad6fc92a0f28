package flowstate

import "testing"

func newTestFlow(rxLen, txLen uint32, rate uint32, rtt uint32) *Flow {
	return &Flow{
		RxLen:  rxLen,
		TxLen:  txLen,
		TxRate: rate,
		RTTEst: rtt,
	}
}

// TestS1SmallTxBump reproduces spec.md §8 scenario S1.
func TestS1SmallTxBump(t *testing.T) {
	f := newTestFlow(1024, 1024, 10000, 18)

	res := f.Bump(0, 0, 32, 0)

	if res.TriggerAck {
		t.Fatal("S1: no segment/ack expected from bump alone")
	}
	if f.TxAvail != 32 {
		t.Fatalf("S1: tx_avail = %d, want 32", f.TxAvail)
	}
	if res.QMan == nil {
		t.Fatal("S1: expected a qman_set call")
	}
	q := res.QMan
	if q.Rate != 10000 || q.AddAvail != 32 || q.MaxChunk != MSS || !q.SetRate || !q.SetMaxChunk || !q.AddAvailFlag {
		t.Fatalf("S1: qman_set = %+v", q)
	}
}

// TestS2FCReopenNoTxData reproduces spec.md §8 scenario S2.
func TestS2FCReopenNoTxData(t *testing.T) {
	f := newTestFlow(1024, 1024, 10000, 18)
	f.RxAvail = 0
	f.TxAvail = 0

	res := f.Bump(0, 1024, 0, 0)

	if !res.TriggerAck {
		t.Fatal("S2: expected a window-update ACK")
	}
	if f.RxAvail != 1024 {
		t.Fatalf("S2: rx_avail = %d, want 1024", f.RxAvail)
	}
	if res.QMan != nil {
		t.Fatalf("S2: no qman call expected, got %+v", res.QMan)
	}
}

// TestS3FCReopenDeadlock reproduces spec.md §8 scenario S3.
func TestS3FCReopenDeadlock(t *testing.T) {
	f := newTestFlow(1024, 1024, 10000, 18)
	f.RxAvail = 0
	f.RxRemoteAvail = 0
	f.TxAvail = 32

	res := f.Bump(0, 1024, 0, 0)

	if !res.TriggerAck {
		t.Fatal("S3: expected a window-update ACK to break the deadlock")
	}
}

// TestS4Retransmit reproduces spec.md §8 scenario S4.
func TestS4Retransmit(t *testing.T) {
	f := newTestFlow(1024, 1024, 10000, 18)
	f.TxSent = 128
	f.TxNextPos = 128
	f.TxNextSeq = 129
	f.RxRemoteAvail = 896

	q := f.Retransmit()

	if f.TxSent != 0 {
		t.Fatalf("tx_sent = %d, want 0", f.TxSent)
	}
	if f.TxNextPos != 0 {
		t.Fatalf("tx_next_pos = %d, want 0", f.TxNextPos)
	}
	if f.TxNextSeq != 1 {
		t.Fatalf("tx_next_seq = %d, want 1", f.TxNextSeq)
	}
	if f.TxAvail != 128 {
		t.Fatalf("tx_avail = %d, want 128 (+=128 from 0)", f.TxAvail)
	}
	if f.TxRate != 5000 {
		t.Fatalf("tx_rate = %d, want 5000 (halved)", f.TxRate)
	}
	if f.CntTxDrops != 1 {
		t.Fatalf("cnt_tx_drops = %d, want 1", f.CntTxDrops)
	}
	if q.AddAvail != 128 || !q.AddAvailFlag {
		t.Fatalf("qman_set = %+v, want ADD_AVAIL=128", q)
	}
}

func TestThirdDupAckTriggersRetransmit(t *testing.T) {
	f := newTestFlow(1024, 1024, 10000, 18)
	f.TxNextSeq = 100
	f.TxSent = 50
	f.TxRate = 8000

	ack := Packet{Flags: FlagACK, Ack: 50, Wnd: 1024}
	for i := 0; i < 2; i++ {
		f.Process(ack, 0)
	}
	if f.RxDupAckCnt != 2 {
		t.Fatalf("dup ack count = %d, want 2", f.RxDupAckCnt)
	}
	f.Process(ack, 0)
	if f.TxRate != 4000 {
		t.Fatalf("expected retransmit to halve rate, got %d", f.TxRate)
	}
}

func TestSlowPathFlagsRouteAway(t *testing.T) {
	f := newTestFlow(1024, 1024, 1000, 0)
	res := f.Process(Packet{Flags: FlagSYN}, 0)
	if !res.SlowPath {
		t.Fatal("lone SYN should route to slow path")
	}
	res = f.Process(Packet{Flags: FlagSYN | FlagACK}, 0)
	if !res.SlowPath {
		t.Fatal("SYN+ACK should route to slow path")
	}
}

func TestInOrderPayloadAdvancesState(t *testing.T) {
	f := newTestFlow(4096, 4096, 1000, 0)
	f.RxAvail = 4096
	f.RxNextSeq = 1000

	res := f.Process(Packet{Flags: FlagACK | FlagPSH, Seq: 1000, Wnd: 1024, Payload: make([]byte, 200)}, 0)
	if !res.TriggerAck {
		t.Fatal("expected ack trigger")
	}
	if f.RxNextSeq != 1200 {
		t.Fatalf("rx_next_seq = %d, want 1200", f.RxNextSeq)
	}
	if res.RxBump != 200 {
		t.Fatalf("rx_bump = %d, want 200", res.RxBump)
	}
}

func TestOutOfOrderThenFillGap(t *testing.T) {
	f := newTestFlow(4096, 4096, 1000, 0)
	f.RxAvail = 4096
	f.RxNextSeq = 1000

	// Arrives out of order: bytes [1200, 1300).
	res := f.Process(Packet{Flags: FlagACK | FlagPSH, Seq: 1200, Wnd: 1024, Payload: make([]byte, 100)}, 0)
	if !res.TriggerAck {
		t.Fatal("OOO segment should still trigger an ack")
	}
	if f.RxOOOLen != 100 || f.RxOOOStart != 1200 {
		t.Fatalf("ooo = start=%d len=%d", f.RxOOOStart, f.RxOOOLen)
	}

	// Fill the gap [1000,1200).
	res = f.Process(Packet{Flags: FlagACK | FlagPSH, Seq: 1000, Wnd: 1024, Payload: make([]byte, 200)}, 0)
	if f.RxNextSeq != 1300 {
		t.Fatalf("rx_next_seq after absorbing OOO = %d, want 1300", f.RxNextSeq)
	}
	if f.RxOOOLen != 0 {
		t.Fatalf("ooo interval should be cleared, len=%d", f.RxOOOLen)
	}
	if res.RxBump != 300 {
		t.Fatalf("rx_bump = %d, want 300 (200 direct + 100 absorbed)", res.RxBump)
	}
}
