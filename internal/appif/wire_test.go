package appif

import "testing"

func TestAppOutConnOpenRoundTrip(t *testing.T) {
	e := AppOut{
		Type:       AppOutConnOpen,
		Opaque:     0xdeadbeef,
		RemoteIP:   0x0A000001,
		Flags:      1,
		RemotePort: 443,
	}
	buf := e.Marshal()
	if len(buf) != AppOutSize {
		t.Fatalf("size = %d, want %d", len(buf), AppOutSize)
	}
	got := UnmarshalAppOut(buf)
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestAppOutConnCloseRoundTrip(t *testing.T) {
	e := AppOut{
		Type:       AppOutConnClose,
		Opaque:     1,
		RemoteIP:   2,
		LocalIP:    3,
		RemotePort: 4,
		LocalPort:  5,
		Flags:      AppOutCloseReset,
	}
	got := UnmarshalAppOut(e.Marshal())
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestAppInConnOpenedRoundTrip(t *testing.T) {
	e := AppIn{
		Type:      AppInConnOpened,
		Opaque:    42,
		RxOff:     0x1000,
		TxOff:     0x2000,
		RxLen:     4096,
		TxLen:     8192,
		Status:    0,
		SeqRx:     100,
		SeqTx:     200,
		FlowID:    7,
		LocalIP:   0x0A000001,
		LocalPort: 8080,
		FnCore:    3,
	}
	buf := e.Marshal()
	if len(buf) != AppInSize {
		t.Fatalf("size = %d, want %d", len(buf), AppInSize)
	}
	got := UnmarshalAppIn(buf)
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestAppInStatusRoundTrip(t *testing.T) {
	e := AppIn{Type: AppInStatusConnClose, Opaque: 9, Status: -5}
	got := UnmarshalAppIn(e.Marshal())
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestKRXPacketRoundTrip(t *testing.T) {
	e := KRX{Type: KRXPacket, Addr: 0x1234, Len: 1500, FnCore: 2, FlowGroup: 9}
	buf := e.Marshal()
	if len(buf) != KRXSize {
		t.Fatalf("size = %d, want %d", len(buf), KRXSize)
	}
	got := UnmarshalKRX(buf)
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestKTXVariantsRoundTrip(t *testing.T) {
	pkt := KTX{Type: KTXPacket, Addr: 0x5555, Len: 64}
	if got := UnmarshalKTX(pkt.Marshal()); got != pkt {
		t.Fatalf("packet: got %+v, want %+v", got, pkt)
	}
	retran := KTX{Type: KTXConnRetran, FlowID: 17}
	if got := UnmarshalKTX(retran.Marshal()); got != retran {
		t.Fatalf("connretran: got %+v, want %+v", got, retran)
	}
}

func TestARXConnUpdateRoundTrip(t *testing.T) {
	e := ARX{Type: ARXConnUpdate, Opaque: 99, RxBump: 100, RxPos: 200, TxBump: 300, Flags: ARXFlagRxDone}
	buf := e.Marshal()
	if len(buf) != ARXSize {
		t.Fatalf("size = %d, want %d", len(buf), ARXSize)
	}
	got := UnmarshalARX(buf)
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestATXConnUpdateRoundTrip(t *testing.T) {
	e := ATX{Type: ATXConnUpdate, RxBump: 1, TxBump: 2, FlowID: 3, BumpSeq: 4, Flags: ATXFlagTxDone}
	buf := e.Marshal()
	if len(buf) != ATXSize {
		t.Fatalf("size = %d, want %d", len(buf), ATXSize)
	}
	got := UnmarshalATX(buf)
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
}

func TestRegistryRegisterGetUnregister(t *testing.T) {
	reg := NewRegistry()
	ctx := NewContext(Response{AppOutLen: 64, AppInLen: 64, FlexnicDBID: 1}, 5)
	reg.Register(ctx)

	got, ok := reg.Get(ctx.ID)
	if !ok || got != ctx {
		t.Fatalf("expected to find registered context")
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected 1 registered context")
	}

	reg.Unregister(ctx.ID)
	if _, ok := reg.Get(ctx.ID); ok {
		t.Fatal("context should be gone after Unregister")
	}
}
