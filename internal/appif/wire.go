// Package appif implements the application interface: the Unix-socket
// handshake an application performs once at startup (control.go), the
// per-core shared-memory command queues it exchanges with the
// dataplane afterward (wire.go), and the resulting per-app/per-core
// context bookkeeping (perapp.go) — spec.md §4.9, §4.10.
package appif

import "encoding/binary"

// Each queue entry below is a fixed-size struct with its type
// discriminant in the last byte, matching the wire layout the
// dataplane and applications share over the SPSC rings in
// internal/shmring. Only the fields relevant to Type are meaningful;
// callers zero-value the rest.

// AppOutType discriminates kernel_appout entries (app -> kernel).
type AppOutType uint8

const (
	AppOutInvalid AppOutType = iota
	AppOutConnOpen
	AppOutConnClose
	AppOutConnMove
	AppOutListenOpen
	AppOutListenClose
	AppOutAcceptConn
	AppOutReqScale
)

const AppOutCloseReset uint32 = 0x1
const AppOutListenReuseport uint8 = 0x1

// AppOutSize is the wire size of one kernel_appout entry.
const AppOutSize = 64

// AppOut is an app -> kernel control-queue entry.
type AppOut struct {
	Type AppOutType

	Opaque      uint64
	ListenOpaque uint64 // AcceptConn only
	ConnOpaque   uint64 // AcceptConn only
	RemoteIP    uint32
	LocalIP     uint32
	RemotePort  uint16
	LocalPort   uint16
	Flags       uint32
	DBID        uint16
	Backlog     uint32
	ListenFlags uint8
	NumCores    uint32
}

// Marshal encodes e into a 64-byte buffer.
func (e AppOut) Marshal() [AppOutSize]byte {
	var buf [AppOutSize]byte
	switch e.Type {
	case AppOutConnOpen:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.RemoteIP)
		binary.BigEndian.PutUint32(buf[12:16], e.Flags)
		binary.BigEndian.PutUint16(buf[16:18], e.RemotePort)
	case AppOutConnClose:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.RemoteIP)
		binary.BigEndian.PutUint32(buf[12:16], e.LocalIP)
		binary.BigEndian.PutUint16(buf[16:18], e.RemotePort)
		binary.BigEndian.PutUint16(buf[18:20], e.LocalPort)
		binary.BigEndian.PutUint32(buf[20:24], e.Flags)
	case AppOutConnMove:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.RemoteIP)
		binary.BigEndian.PutUint32(buf[12:16], e.LocalIP)
		binary.BigEndian.PutUint16(buf[16:18], e.RemotePort)
		binary.BigEndian.PutUint16(buf[18:20], e.LocalPort)
		binary.BigEndian.PutUint16(buf[20:22], e.DBID)
	case AppOutListenOpen:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.Backlog)
		binary.BigEndian.PutUint16(buf[12:14], e.LocalPort)
		buf[14] = e.ListenFlags
	case AppOutListenClose:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint16(buf[8:10], e.LocalPort)
	case AppOutAcceptConn:
		binary.BigEndian.PutUint64(buf[0:8], e.ListenOpaque)
		binary.BigEndian.PutUint64(buf[8:16], e.ConnOpaque)
		binary.BigEndian.PutUint16(buf[16:18], e.LocalPort)
	case AppOutReqScale:
		binary.BigEndian.PutUint32(buf[0:4], e.NumCores)
	}
	buf[AppOutSize-1] = byte(e.Type)
	return buf
}

// UnmarshalAppOut decodes a 64-byte buffer into an AppOut.
func UnmarshalAppOut(buf [AppOutSize]byte) AppOut {
	e := AppOut{Type: AppOutType(buf[AppOutSize-1])}
	switch e.Type {
	case AppOutConnOpen:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RemoteIP = binary.BigEndian.Uint32(buf[8:12])
		e.Flags = binary.BigEndian.Uint32(buf[12:16])
		e.RemotePort = binary.BigEndian.Uint16(buf[16:18])
	case AppOutConnClose:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RemoteIP = binary.BigEndian.Uint32(buf[8:12])
		e.LocalIP = binary.BigEndian.Uint32(buf[12:16])
		e.RemotePort = binary.BigEndian.Uint16(buf[16:18])
		e.LocalPort = binary.BigEndian.Uint16(buf[18:20])
		e.Flags = binary.BigEndian.Uint32(buf[20:24])
	case AppOutConnMove:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RemoteIP = binary.BigEndian.Uint32(buf[8:12])
		e.LocalIP = binary.BigEndian.Uint32(buf[12:16])
		e.RemotePort = binary.BigEndian.Uint16(buf[16:18])
		e.LocalPort = binary.BigEndian.Uint16(buf[18:20])
		e.DBID = binary.BigEndian.Uint16(buf[20:22])
	case AppOutListenOpen:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.Backlog = binary.BigEndian.Uint32(buf[8:12])
		e.LocalPort = binary.BigEndian.Uint16(buf[12:14])
		e.ListenFlags = buf[14]
	case AppOutListenClose:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.LocalPort = binary.BigEndian.Uint16(buf[8:10])
	case AppOutAcceptConn:
		e.ListenOpaque = binary.BigEndian.Uint64(buf[0:8])
		e.ConnOpaque = binary.BigEndian.Uint64(buf[8:16])
		e.LocalPort = binary.BigEndian.Uint16(buf[16:18])
	case AppOutReqScale:
		e.NumCores = binary.BigEndian.Uint32(buf[0:4])
	}
	return e
}

// AppInType discriminates kernel_appin entries (kernel -> app).
type AppInType uint8

const (
	AppInInvalid AppInType = iota
	AppInStatusConnClose
	AppInStatusConnMove
	AppInStatusListenOpen
	AppInStatusListenClose
	AppInStatusReqScale
	AppInConnOpened
	AppInListenNewConn
	AppInAcceptedConn
)

// AppInSize is the wire size of one kernel_appin entry.
const AppInSize = 64

// AppIn is a kernel -> app control-queue entry.
type AppIn struct {
	Type AppInType

	Opaque     uint64
	Status     int32
	RxOff      uint64
	TxOff      uint64
	RxLen      uint32
	TxLen      uint32
	SeqRx      uint32
	SeqTx      uint32
	FlowID     uint32
	LocalIP    uint32
	RemoteIP   uint32
	LocalPort  uint16
	RemotePort uint16
	FnCore     uint16
}

// Marshal encodes e into a 64-byte buffer.
func (e AppIn) Marshal() [AppInSize]byte {
	var buf [AppInSize]byte
	switch e.Type {
	case AppInStatusConnClose, AppInStatusConnMove, AppInStatusListenOpen, AppInStatusListenClose, AppInStatusReqScale:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], uint32(e.Status))
	case AppInConnOpened:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint64(buf[8:16], e.RxOff)
		binary.BigEndian.PutUint64(buf[16:24], e.TxOff)
		binary.BigEndian.PutUint32(buf[24:28], e.RxLen)
		binary.BigEndian.PutUint32(buf[28:32], e.TxLen)
		binary.BigEndian.PutUint32(buf[32:36], uint32(e.Status))
		binary.BigEndian.PutUint32(buf[36:40], e.SeqRx)
		binary.BigEndian.PutUint32(buf[40:44], e.SeqTx)
		binary.BigEndian.PutUint32(buf[44:48], e.FlowID)
		binary.BigEndian.PutUint32(buf[48:52], e.LocalIP)
		binary.BigEndian.PutUint16(buf[52:54], e.LocalPort)
		binary.BigEndian.PutUint16(buf[54:56], e.FnCore)
	case AppInListenNewConn:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.RemoteIP)
		binary.BigEndian.PutUint16(buf[12:14], e.RemotePort)
	case AppInAcceptedConn:
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint64(buf[8:16], e.RxOff)
		binary.BigEndian.PutUint64(buf[16:24], e.TxOff)
		binary.BigEndian.PutUint32(buf[24:28], e.RxLen)
		binary.BigEndian.PutUint32(buf[28:32], e.TxLen)
		binary.BigEndian.PutUint32(buf[32:36], uint32(e.Status))
		binary.BigEndian.PutUint32(buf[36:40], e.SeqRx)
		binary.BigEndian.PutUint32(buf[40:44], e.SeqTx)
		binary.BigEndian.PutUint32(buf[44:48], e.FlowID)
		binary.BigEndian.PutUint32(buf[48:52], e.LocalIP)
		binary.BigEndian.PutUint32(buf[52:56], e.RemoteIP)
		binary.BigEndian.PutUint16(buf[56:58], e.RemotePort)
		binary.BigEndian.PutUint16(buf[58:60], e.FnCore)
	}
	buf[AppInSize-1] = byte(e.Type)
	return buf
}

// UnmarshalAppIn decodes a 64-byte buffer into an AppIn.
func UnmarshalAppIn(buf [AppInSize]byte) AppIn {
	e := AppIn{Type: AppInType(buf[AppInSize-1])}
	switch e.Type {
	case AppInStatusConnClose, AppInStatusConnMove, AppInStatusListenOpen, AppInStatusListenClose, AppInStatusReqScale:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.Status = int32(binary.BigEndian.Uint32(buf[8:12]))
	case AppInConnOpened:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RxOff = binary.BigEndian.Uint64(buf[8:16])
		e.TxOff = binary.BigEndian.Uint64(buf[16:24])
		e.RxLen = binary.BigEndian.Uint32(buf[24:28])
		e.TxLen = binary.BigEndian.Uint32(buf[28:32])
		e.Status = int32(binary.BigEndian.Uint32(buf[32:36]))
		e.SeqRx = binary.BigEndian.Uint32(buf[36:40])
		e.SeqTx = binary.BigEndian.Uint32(buf[40:44])
		e.FlowID = binary.BigEndian.Uint32(buf[44:48])
		e.LocalIP = binary.BigEndian.Uint32(buf[48:52])
		e.LocalPort = binary.BigEndian.Uint16(buf[52:54])
		e.FnCore = binary.BigEndian.Uint16(buf[54:56])
	case AppInListenNewConn:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RemoteIP = binary.BigEndian.Uint32(buf[8:12])
		e.RemotePort = binary.BigEndian.Uint16(buf[12:14])
	case AppInAcceptedConn:
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RxOff = binary.BigEndian.Uint64(buf[8:16])
		e.TxOff = binary.BigEndian.Uint64(buf[16:24])
		e.RxLen = binary.BigEndian.Uint32(buf[24:28])
		e.TxLen = binary.BigEndian.Uint32(buf[28:32])
		e.Status = int32(binary.BigEndian.Uint32(buf[32:36]))
		e.SeqRx = binary.BigEndian.Uint32(buf[36:40])
		e.SeqTx = binary.BigEndian.Uint32(buf[40:44])
		e.FlowID = binary.BigEndian.Uint32(buf[44:48])
		e.LocalIP = binary.BigEndian.Uint32(buf[48:52])
		e.RemoteIP = binary.BigEndian.Uint32(buf[52:56])
		e.RemotePort = binary.BigEndian.Uint16(buf[56:58])
		e.FnCore = binary.BigEndian.Uint16(buf[58:60])
	}
	return e
}

// KRXType discriminates flextcp_pl_krx entries (kernel RX queue: slow
// path handing a packet or redirect up to an app's fast-path core).
type KRXType uint8

const (
	KRXInvalid KRXType = iota
	KRXPacket
)

const KRXSize = 64

type KRX struct {
	Type      KRXType
	Addr      uint64
	Len       uint16
	FnCore    uint16
	FlowGroup uint16
}

func (e KRX) Marshal() [KRXSize]byte {
	var buf [KRXSize]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Addr)
	if e.Type == KRXPacket {
		binary.BigEndian.PutUint16(buf[8:10], e.Len)
		binary.BigEndian.PutUint16(buf[10:12], e.FnCore)
		binary.BigEndian.PutUint16(buf[12:14], e.FlowGroup)
	}
	buf[KRXSize-1] = byte(e.Type)
	return buf
}

func UnmarshalKRX(buf [KRXSize]byte) KRX {
	e := KRX{Type: KRXType(buf[KRXSize-1]), Addr: binary.BigEndian.Uint64(buf[0:8])}
	if e.Type == KRXPacket {
		e.Len = binary.BigEndian.Uint16(buf[8:10])
		e.FnCore = binary.BigEndian.Uint16(buf[10:12])
		e.FlowGroup = binary.BigEndian.Uint16(buf[12:14])
	}
	return e
}

// KTXType discriminates flextcp_pl_ktx entries (kernel TX queue).
type KTXType uint8

const (
	KTXInvalid KTXType = iota
	KTXPacket
	KTXConnRetran
	KTXPacketNoTS
)

const KTXSize = 64

type KTX struct {
	Type   KTXType
	Addr   uint64 // Packet, PacketNoTS
	Len    uint16 // Packet, PacketNoTS
	FlowID uint32 // ConnRetran
}

func (e KTX) Marshal() [KTXSize]byte {
	var buf [KTXSize]byte
	switch e.Type {
	case KTXPacket, KTXPacketNoTS:
		binary.BigEndian.PutUint64(buf[0:8], e.Addr)
		binary.BigEndian.PutUint16(buf[8:10], e.Len)
	case KTXConnRetran:
		binary.BigEndian.PutUint32(buf[0:4], e.FlowID)
	}
	buf[KTXSize-1] = byte(e.Type)
	return buf
}

func UnmarshalKTX(buf [KTXSize]byte) KTX {
	e := KTX{Type: KTXType(buf[KTXSize-1])}
	switch e.Type {
	case KTXPacket, KTXPacketNoTS:
		e.Addr = binary.BigEndian.Uint64(buf[0:8])
		e.Len = binary.BigEndian.Uint16(buf[8:10])
	case KTXConnRetran:
		e.FlowID = binary.BigEndian.Uint32(buf[0:4])
	}
	return e
}

// ARXType discriminates flextcp_pl_arx entries (app RX queue: the
// dataplane notifying the app of a flow's buffer/window update).
type ARXType uint8

const (
	ARXInvalid    ARXType = iota
	ARXConnUpdate
)

// ARXFlagRxDone mirrors FLEXTCP_PL_ARX_FLRXDONE (1, coincidentally
// aliasing the type constant in the source layout).
const ARXFlagRxDone uint8 = 0x1

const ARXSize = 32

type ARX struct {
	Type    ARXType
	Opaque  uint64
	RxBump  uint32
	RxPos   uint32
	TxBump  uint32
	Flags   uint8
}

func (e ARX) Marshal() [ARXSize]byte {
	var buf [ARXSize]byte
	if e.Type == ARXConnUpdate {
		binary.BigEndian.PutUint64(buf[0:8], e.Opaque)
		binary.BigEndian.PutUint32(buf[8:12], e.RxBump)
		binary.BigEndian.PutUint32(buf[12:16], e.RxPos)
		binary.BigEndian.PutUint32(buf[16:20], e.TxBump)
		buf[20] = e.Flags
	}
	buf[ARXSize-1] = byte(e.Type)
	return buf
}

func UnmarshalARX(buf [ARXSize]byte) ARX {
	e := ARX{Type: ARXType(buf[ARXSize-1])}
	if e.Type == ARXConnUpdate {
		e.Opaque = binary.BigEndian.Uint64(buf[0:8])
		e.RxBump = binary.BigEndian.Uint32(buf[8:12])
		e.RxPos = binary.BigEndian.Uint32(buf[12:16])
		e.TxBump = binary.BigEndian.Uint32(buf[16:20])
		e.Flags = buf[20]
	}
	return e
}

// ATXType discriminates flextcp_pl_atx entries (app TX queue: the app
// telling the dataplane it consumed/produced buffer bytes).
type ATXType uint8

const (
	ATXInvalid    ATXType = iota
	ATXConnUpdate
)

// ATXFlagTxDone mirrors FLEXTCP_PL_ATX_FLTXDONE.
const ATXFlagTxDone uint8 = 0x1

const ATXSize = 16

type ATX struct {
	Type    ATXType
	RxBump  uint32
	TxBump  uint32
	FlowID  uint32
	BumpSeq uint16
	Flags   uint8
}

func (e ATX) Marshal() [ATXSize]byte {
	var buf [ATXSize]byte
	if e.Type == ATXConnUpdate {
		binary.BigEndian.PutUint32(buf[0:4], e.RxBump)
		binary.BigEndian.PutUint32(buf[4:8], e.TxBump)
		binary.BigEndian.PutUint32(buf[8:12], e.FlowID)
		binary.BigEndian.PutUint16(buf[12:14], e.BumpSeq)
		buf[14] = e.Flags
	}
	buf[ATXSize-1] = byte(e.Type)
	return buf
}

func UnmarshalATX(buf [ATXSize]byte) ATX {
	e := ATX{Type: ATXType(buf[ATXSize-1])}
	if e.Type == ATXConnUpdate {
		e.RxBump = binary.BigEndian.Uint32(buf[0:4])
		e.TxBump = binary.BigEndian.Uint32(buf[4:8])
		e.FlowID = binary.BigEndian.Uint32(buf[8:12])
		e.BumpSeq = binary.BigEndian.Uint16(buf[12:14])
		e.Flags = buf[14]
	}
	return e
}
