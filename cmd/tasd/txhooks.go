package main

import (
	"context"

	"github.com/tcp-acceleration-service/tas-sub000/internal/slowpath"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

// tasTxHooks builds and transmits the three handshake frames
// (SPEC_FULL.md §4.7) a slowpath.Loop needs to drive: SYN for an
// active open, SYN-ACK for a passive open's reply, and the final ACK
// that completes an active open. Each is sent on the link port of the
// core the connection's tuple hashes to, matching nicif_poll's use of
// the same per-core burst path the fast path's own data segments use.
type tasTxHooks struct {
	dp *tasDataplane
}

func newTasTxHooks(dp *tasDataplane) *tasTxHooks {
	return &tasTxHooks{dp: dp}
}

func (h *tasTxHooks) SendSyn(conn *slowpath.Connection) error {
	return h.send(conn, tcpip.TCPFlagSYN, conn.LocalSeq, 0)
}

func (h *tasTxHooks) SendSynAck(conn *slowpath.Connection) error {
	return h.send(conn, tcpip.TCPFlagSYN|tcpip.TCPFlagACK, conn.LocalSeq, conn.RemoteSeq+1)
}

func (h *tasTxHooks) SendAck(conn *slowpath.Connection) error {
	return h.send(conn, tcpip.TCPFlagACK, conn.LocalSeq+1, conn.RemoteSeq+1)
}

func (h *tasTxHooks) send(conn *slowpath.Connection, flags uint8, seq, ack uint32) error {
	core := h.dp.CoreForFlow(conn.Tuple)
	if core < 0 || core >= len(h.dp.cores) {
		return nil
	}
	port := h.dp.cores[core].Port

	frame := make([]byte, tcpip.EthernetHeaderSize+tcpip.IPv4HeaderSize+tcpip.TCPHeaderSize)
	if _, err := tcpip.MarshalEthernetHeader(frame, tcpip.EthernetHeader{EtherType: tcpip.EtherTypeIPv4}); err != nil {
		return err
	}
	offload := port.ChecksumOffload()
	if _, err := tcpip.MarshalIPv4Header(frame[tcpip.EthernetHeaderSize:], tcpip.IPv4Header{
		TTL: 64, Proto: tcpip.ProtoTCP,
		Src: conn.Tuple.LocalIP, Dst: conn.Tuple.RemoteIP,
		TotalLen: uint16(tcpip.IPv4HeaderSize + tcpip.TCPHeaderSize),
	}, offload); err != nil {
		return err
	}
	pseudo := tcpip.PseudoHeader{Src: conn.Tuple.LocalIP, Dst: conn.Tuple.RemoteIP, Proto: tcpip.ProtoTCP, TCPLen: tcpip.TCPHeaderSize}
	if _, err := tcpip.MarshalTCPHeader(frame[tcpip.EthernetHeaderSize+tcpip.IPv4HeaderSize:], tcpip.TCPHeader{
		SrcPort: conn.Tuple.LocalPort, DstPort: conn.Tuple.RemotePort,
		Seq: seq, Ack: ack, Flags: flags, Window: 65535,
	}, pseudo, nil, offload); err != nil {
		return err
	}

	_, err := port.SendBurst(context.Background(), [][]byte{frame})
	return err
}

var _ slowpath.TxHooks = (*tasTxHooks)(nil)
