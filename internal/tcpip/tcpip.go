// Package tcpip implements the wire formats the dataplane parses and
// builds on every packet: Ethernet, IPv4, and TCP headers, plus the
// Internet checksum with an optional hardware-offload bypass.
//
// Header layout:
//
//	Ethernet (14) | IPv4 (20, no options) | TCP (20, no options) | payload
package tcpip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	EthernetHeaderSize = 14
	IPv4HeaderSize      = 20
	TCPHeaderSize       = 20

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806

	ProtoTCP uint8 = 6
)

var (
	ErrShortBuffer   = errors.New("tcpip: buffer too short for header")
	ErrNotIPv4       = errors.New("tcpip: not an IPv4 packet")
	ErrNotTCP        = errors.New("tcpip: IP payload is not TCP")
	ErrOptionsNotSupported = errors.New("tcpip: header options not supported")
)

// MAC is a 6-byte Ethernet address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EthernetHeader is a parsed 802.3 Ethernet header (no VLAN tag).
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

// MarshalEthernetHeader encodes h into buf (must be >= 14 bytes).
func MarshalEthernetHeader(buf []byte, h EthernetHeader) (int, error) {
	if len(buf) < EthernetHeaderSize {
		return 0, ErrShortBuffer
	}
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], h.EtherType)
	return EthernetHeaderSize, nil
}

// UnmarshalEthernetHeader parses an Ethernet header from buf.
func UnmarshalEthernetHeader(buf []byte) (EthernetHeader, error) {
	if len(buf) < EthernetHeaderSize {
		return EthernetHeader{}, ErrShortBuffer
	}
	var h EthernetHeader
	copy(h.Dst[:], buf[0:6])
	copy(h.Src[:], buf[6:12])
	h.EtherType = binary.BigEndian.Uint16(buf[12:14])
	return h, nil
}

// IPv4Header is a parsed IPv4 header with no options.
type IPv4Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint8 // top 3 bits of the flags/fragoffset word
	FragOff  uint16
	TTL      uint8
	Proto    uint8
	Checksum uint16
	Src      uint32
	Dst      uint32
}

// MarshalIPv4Header encodes h into buf (must be >= 20 bytes). If
// checksumOffload is false the header checksum is computed and
// written; if true, the checksum field is left as h.Checksum
// (typically zero) for the NIC to fill in.
func MarshalIPv4Header(buf []byte, h IPv4Header, checksumOffload bool) (int, error) {
	if len(buf) < IPv4HeaderSize {
		return 0, ErrShortBuffer
	}
	buf[0] = 0x45 // version=4, IHL=5 (20 bytes, no options)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Flags)<<13|h.FragOff)
	buf[8] = h.TTL
	buf[9] = h.Proto
	binary.BigEndian.PutUint16(buf[10:12], 0)
	binary.BigEndian.PutUint32(buf[12:16], h.Src)
	binary.BigEndian.PutUint32(buf[16:20], h.Dst)

	if checksumOffload {
		binary.BigEndian.PutUint16(buf[10:12], h.Checksum)
	} else {
		binary.BigEndian.PutUint16(buf[10:12], InternetChecksum(buf[:IPv4HeaderSize]))
	}
	return IPv4HeaderSize, nil
}

// UnmarshalIPv4Header parses an IPv4 header from buf. Options (IHL>5)
// are rejected: the dataplane never needs to parse them.
func UnmarshalIPv4Header(buf []byte) (IPv4Header, error) {
	if len(buf) < IPv4HeaderSize {
		return IPv4Header{}, ErrShortBuffer
	}
	if buf[0]>>4 != 4 {
		return IPv4Header{}, ErrNotIPv4
	}
	if buf[0]&0x0f != 5 {
		return IPv4Header{}, ErrOptionsNotSupported
	}
	flagsFrag := binary.BigEndian.Uint16(buf[6:8])
	return IPv4Header{
		TOS:      buf[1],
		TotalLen: binary.BigEndian.Uint16(buf[2:4]),
		ID:       binary.BigEndian.Uint16(buf[4:6]),
		Flags:    uint8(flagsFrag >> 13),
		FragOff:  flagsFrag & 0x1fff,
		TTL:      buf[8],
		Proto:    buf[9],
		Checksum: binary.BigEndian.Uint16(buf[10:12]),
		Src:      binary.BigEndian.Uint32(buf[12:16]),
		Dst:      binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// TCPHeader is a parsed TCP header with no options.
type TCPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8 // low 6 bits: URG ACK PSH RST SYN FIN (bit5..bit0)
	Window   uint16
	Checksum uint16
	Urgent   uint16
}

const (
	TCPFlagFIN uint8 = 1 << 0
	TCPFlagSYN uint8 = 1 << 1
	TCPFlagRST uint8 = 1 << 2
	TCPFlagPSH uint8 = 1 << 3
	TCPFlagACK uint8 = 1 << 4
	TCPFlagURG uint8 = 1 << 5
)

// MarshalTCPHeader encodes h into buf (must be >= 20 bytes), computing
// the checksum over the IPv4 pseudo-header + header + payload unless
// checksumOffload is set.
func MarshalTCPHeader(buf []byte, h TCPHeader, pseudo PseudoHeader, payload []byte, checksumOffload bool) (int, error) {
	if len(buf) < TCPHeaderSize {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4 // data offset = 5 words (20 bytes), no options
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)

	if checksumOffload {
		binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	} else {
		binary.BigEndian.PutUint16(buf[16:18], tcpChecksum(pseudo, buf[:TCPHeaderSize], payload))
	}
	return TCPHeaderSize, nil
}

// UnmarshalTCPHeader parses a TCP header from buf. Options (data
// offset > 5) are skipped over but not decoded: the dataplane only
// consults the fixed fields.
func UnmarshalTCPHeader(buf []byte) (TCPHeader, int, error) {
	if len(buf) < TCPHeaderSize {
		return TCPHeader{}, 0, ErrShortBuffer
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < TCPHeaderSize || dataOffset > len(buf) {
		return TCPHeader{}, 0, ErrShortBuffer
	}
	h := TCPHeader{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Seq:      binary.BigEndian.Uint32(buf[4:8]),
		Ack:      binary.BigEndian.Uint32(buf[8:12]),
		Flags:    buf[13],
		Window:   binary.BigEndian.Uint16(buf[14:16]),
		Checksum: binary.BigEndian.Uint16(buf[16:18]),
		Urgent:   binary.BigEndian.Uint16(buf[18:20]),
	}
	return h, dataOffset, nil
}

// PseudoHeader is the IPv4 pseudo-header TCP checksums over.
type PseudoHeader struct {
	Src, Dst uint32
	Proto    uint8
	TCPLen   uint16
}

func tcpChecksum(p PseudoHeader, header, payload []byte) uint16 {
	var sum uint32
	sum += p.Src >> 16
	sum += p.Src & 0xffff
	sum += p.Dst >> 16
	sum += p.Dst & 0xffff
	sum += uint32(p.Proto)
	sum += uint32(p.TCPLen)
	sum = checksumAccumulate(sum, header)
	sum = checksumAccumulate(sum, payload)
	return foldChecksum(sum)
}

// InternetChecksum computes the RFC 1071 one's-complement checksum
// used for the IPv4 header.
func InternetChecksum(buf []byte) uint16 {
	return foldChecksum(checksumAccumulate(0, buf))
}

func checksumAccumulate(sum uint32, buf []byte) uint32 {
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
