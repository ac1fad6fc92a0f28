package dataplane

import (
	"context"
	"testing"
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/appif"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowstate"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/linkport"
	"github.com/tcp-acceleration-service/tas-sub000/internal/qman"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

type tupleMap map[uint32]flowtable.FourTuple

func (t tupleMap) Tuple(flowID uint32) (flowtable.FourTuple, bool) {
	tup, ok := t[flowID]
	return tup, ok
}

func newTestCore(t *testing.T) (*Core, *linkport.Mock, *flowstate.Flow) {
	t.Helper()

	tuple := flowtable.FourTuple{
		LocalIP: 0x0A000001, RemoteIP: 0x0A000002,
		LocalPort: 80, RemotePort: 4000,
	}
	tuples := tupleMap{1: tuple}
	table := flowtable.New(64, tuples)
	if err := table.Insert(tuple, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	port := linkport.NewMock()
	qm := qman.New(64 * int64(flowstate.MSS))
	clock := time.Duration(0)
	core := NewCore(0, port, table, qm, func() time.Duration { return clock })

	f := &flowstate.Flow{FlowID: 1, Tuple: tuple, RxLen: 65536, RxAvail: 65536, TxLen: 65536}
	core.Flows[1] = f

	return core, port, f
}

func buildDataFrame(tuple flowtable.FourTuple, seq, ack uint32, payload []byte) []byte {
	frame := make([]byte, tcpip.EthernetHeaderSize+tcpip.IPv4HeaderSize+tcpip.TCPHeaderSize+len(payload))
	tcpip.MarshalEthernetHeader(frame, tcpip.EthernetHeader{EtherType: tcpip.EtherTypeIPv4})
	tcpip.MarshalIPv4Header(frame[tcpip.EthernetHeaderSize:], tcpip.IPv4Header{
		TTL: 64, Proto: tcpip.ProtoTCP,
		Src: tuple.RemoteIP, Dst: tuple.LocalIP,
		TotalLen: uint16(tcpip.IPv4HeaderSize + tcpip.TCPHeaderSize + len(payload)),
	}, true)
	tcpStart := tcpip.EthernetHeaderSize + tcpip.IPv4HeaderSize
	copy(frame[tcpStart+tcpip.TCPHeaderSize:], payload)
	tcpip.MarshalTCPHeader(frame[tcpStart:], tcpip.TCPHeader{
		SrcPort: tuple.RemotePort, DstPort: tuple.LocalPort,
		Seq: seq, Ack: ack, Flags: tcpip.TCPFlagPSH | tcpip.TCPFlagACK, Window: 4096,
	}, tcpip.PseudoHeader{}, nil, true)
	return frame
}

func TestPollRXAdvancesFlowOnMatchedFrame(t *testing.T) {
	core, port, f := newTestCore(t)
	f.RxNextSeq = 1000

	frame := buildDataFrame(f.Tuple, 1000, 1, []byte("hello"))
	port.Inject(frame)

	ctx := context.Background()
	if !core.pollRX(ctx) {
		t.Fatal("expected pollRX to report work done")
	}

	if f.RxNextSeq != 1005 {
		t.Fatalf("RxNextSeq = %d, want 1005", f.RxNextSeq)
	}
}

func TestPollRXUnmatchedFrameIsDropped(t *testing.T) {
	core, port, f := newTestCore(t)
	rxBefore := f.RxNextSeq

	other := flowtable.FourTuple{LocalIP: 9, RemoteIP: 10, LocalPort: 1, RemotePort: 2}
	port.Inject(buildDataFrame(other, 0, 0, []byte("x")))

	ctx := context.Background()
	if !core.pollRX(ctx) {
		t.Fatal("expected pollRX to report work done (a frame was received, even if unmatched)")
	}
	if f.RxNextSeq != rxBefore {
		t.Fatal("unmatched frame must not mutate an unrelated flow")
	}
}

func TestPollQManEmitsDataSegmentAndFlushTXSendsIt(t *testing.T) {
	core, port, f := newTestCore(t)
	f.TxAvail = 1000
	f.TxLen = 65536
	f.TxRate = 1_000_000

	core.QMan.Set(0, f.FlowID, f.TxRate, f.TxAvail, flowstate.MSS,
		qman.SetRate|qman.SetMaxChunk|qman.SetAvail)

	if !core.pollQMan() {
		t.Fatal("expected a grant to be produced")
	}
	if len(core.txArray) != 1 {
		t.Fatalf("txArray len = %d, want 1", len(core.txArray))
	}
	if f.TxSent == 0 {
		t.Fatal("expected TxSent to advance")
	}

	ctx := context.Background()
	if !core.flushTX(ctx) {
		t.Fatal("expected flushTX to report work done")
	}
	if len(port.Sent()) != 1 {
		t.Fatal("expected one frame sent to the port")
	}
	if len(core.txArray) != 0 {
		t.Fatal("expected txArray drained after flush")
	}
}

func TestPollQManFwdRearmsLocalQueueManager(t *testing.T) {
	core, _, _ := newTestCore(t)

	fwdFlow := &flowstate.Flow{FlowID: 2, TxRate: 500, TxAvail: 200}
	core.Forwarded <- ForwardedFlow{Flow: fwdFlow}

	if !core.pollQManFwd() {
		t.Fatal("expected pollQManFwd to report work done")
	}
	if _, ok := core.Flows[2]; !ok {
		t.Fatal("forwarded flow should be adopted into Flows")
	}

	grants := core.QMan.Poll(QueueBatch, 0)
	if len(grants) != 1 || grants[0].FlowID != 2 {
		t.Fatalf("expected a grant for the forwarded flow, got %+v", grants)
	}
}

func TestPollKernelConnRetranInvokesRetransmit(t *testing.T) {
	core, _, f := newTestCore(t)
	f.TxSent = 500
	f.TxNextSeq = 2000
	f.TxNextPos = 500

	core.KernelTX <- appif.KTX{Type: appif.KTXConnRetran, FlowID: f.FlowID}

	if !core.pollKernel() {
		t.Fatal("expected pollKernel to report work done")
	}
	if f.TxSent != 0 {
		t.Fatalf("TxSent = %d, want 0 after retransmit", f.TxSent)
	}
	if f.TxNextSeq != 1500 {
		t.Fatalf("TxNextSeq = %d, want 1500", f.TxNextSeq)
	}
}

func TestPollQueuesEvictsIdleAppAfterMaxNullRounds(t *testing.T) {
	core, _, _ := newTestCore(t)
	ctx := appif.NewContext(appif.Response{}, 0)
	core.AddApp(ctx)

	for i := 0; i < MaxNullRounds; i++ {
		if core.pollQueues() {
			t.Fatalf("round %d: expected no work from an idle app", i)
		}
	}
	if len(core.apps) != 0 {
		t.Fatalf("expected idle app context evicted after %d null rounds, apps = %d", MaxNullRounds, len(core.apps))
	}
}

func TestArxCacheFlushDrainsPending(t *testing.T) {
	core, _, _ := newTestCore(t)
	if core.arxCacheFlush() {
		t.Fatal("expected no work with empty pending ARX buffer")
	}

	core.pendingARX = append(core.pendingARX, PendingARX{Entry: appif.ARX{Type: appif.ARXConnUpdate}})
	if !core.arxCacheFlush() {
		t.Fatal("expected work reported with a pending ARX entry")
	}
	if len(core.pendingARX) != 0 {
		t.Fatal("expected pendingARX drained")
	}
}

func TestPollOnceRunsAllStepsInOrderWithoutPanicking(t *testing.T) {
	core, port, f := newTestCore(t)
	f.RxNextSeq = 1000
	port.Inject(buildDataFrame(f.Tuple, 1000, 1, []byte("payload")))

	res := core.PollOnce(context.Background())
	if !res.DidWork {
		t.Fatal("expected PollOnce to report work done with a pending frame")
	}
}
