package appif

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// SocketPath is the abstract-namespace Unix socket address the
// dataplane listens on for the once-per-app handshake (leading NUL
// puts it in Linux's abstract namespace, invisible in the filesystem).
const SocketPath = "\x00flexnic_os"

// MaxQueuedHandshakes bounds the listen backlog for handshake
// connections.
const MaxQueuedHandshakes = 8

// Request is what an application sends once at startup.
type Request struct {
	RxQLen uint32
	TxQLen uint32
}

const requestSize = 8

func (r Request) marshal() []byte {
	buf := make([]byte, requestSize)
	binary.BigEndian.PutUint32(buf[0:4], r.RxQLen)
	binary.BigEndian.PutUint32(buf[4:8], r.TxQLen)
	return buf
}

func unmarshalRequest(buf []byte) (Request, error) {
	if len(buf) < requestSize {
		return Request{}, fmt.Errorf("appif: handshake request too short: %d bytes", len(buf))
	}
	return Request{
		RxQLen: binary.BigEndian.Uint32(buf[0:4]),
		TxQLen: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// QueuePair is one (rx queue offset, tx queue offset) pair for a
// fast-path core the application is being handed access to.
type QueuePair struct {
	RxQOff uint64
	TxQOff uint64
}

// Response is what the dataplane sends back, granting shared-memory
// queue offsets and one core's worth of rings per QueuePair entry.
type Response struct {
	AppOutOff    uint64
	AppInOff     uint64
	AppOutLen    uint32
	AppInLen     uint32
	Status       uint32
	FlexnicDBID  uint16
	FlexnicQSNum uint16
	Queues       []QueuePair
}

func (r Response) marshal() []byte {
	buf := make([]byte, 28+16*len(r.Queues))
	binary.BigEndian.PutUint64(buf[0:8], r.AppOutOff)
	binary.BigEndian.PutUint64(buf[8:16], r.AppInOff)
	binary.BigEndian.PutUint32(buf[16:20], r.AppOutLen)
	binary.BigEndian.PutUint32(buf[20:24], r.AppInLen)
	binary.BigEndian.PutUint32(buf[24:28], r.Status)
	off := 28
	for _, q := range r.Queues {
		binary.BigEndian.PutUint64(buf[off:off+8], q.RxQOff)
		binary.BigEndian.PutUint64(buf[off+8:off+16], q.TxQOff)
		off += 16
	}
	return buf
}

func unmarshalResponse(buf []byte) (Response, error) {
	if len(buf) < 28 {
		return Response{}, fmt.Errorf("appif: handshake response too short: %d bytes", len(buf))
	}
	r := Response{
		AppOutOff: binary.BigEndian.Uint64(buf[0:8]),
		AppInOff:  binary.BigEndian.Uint64(buf[8:16]),
		AppOutLen: binary.BigEndian.Uint32(buf[16:20]),
		AppInLen:  binary.BigEndian.Uint32(buf[20:24]),
		Status:    binary.BigEndian.Uint32(buf[24:28]),
	}
	for off := 28; off+16 <= len(buf); off += 16 {
		r.Queues = append(r.Queues, QueuePair{
			RxQOff: binary.BigEndian.Uint64(buf[off : off+8]),
			TxQOff: binary.BigEndian.Uint64(buf[off+8 : off+16]),
		})
	}
	return r, nil
}

// Listener accepts the dataplane side of the handshake.
type Listener struct {
	ln *net.UnixListener
}

// Listen opens the abstract-namespace control socket.
func Listen() (*Listener, error) {
	addr := &net.UnixAddr{Name: SocketPath, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("appif: listen on control socket: %w", err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for one application handshake connection.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("appif: accept handshake: %w", err)
	}
	return &Conn{uc: uc}, nil
}

// Conn is one application's handshake connection. It carries a single
// request/response exchange; the daemon closes it once the response and
// the memory-map file descriptor have been sent.
type Conn struct {
	uc *net.UnixConn
}

// ReadRequest reads the fixed-size handshake request.
func (c *Conn) ReadRequest() (Request, error) {
	buf := make([]byte, requestSize)
	if _, err := c.uc.Read(buf); err != nil {
		return Request{}, fmt.Errorf("appif: read handshake request: %w", err)
	}
	return unmarshalRequest(buf)
}

// SendResponse writes the response along with the shared-memory
// region's file descriptor via SCM_RIGHTS so the application can mmap
// it directly (no copy through the control socket).
func (c *Conn) SendResponse(resp Response, memFD int) error {
	rights := unix.UnixRights(memFD)
	if _, _, err := c.uc.WriteMsgUnix(resp.marshal(), rights, nil); err != nil {
		return fmt.Errorf("appif: send handshake response: %w", err)
	}
	return nil
}

func (c *Conn) Close() error { return c.uc.Close() }

// Dial performs the application side of the handshake: connect,
// send the request, and read back the response plus the shared-memory
// fd extracted from ancillary data.
func Dial(req Request) (Response, int, error) {
	addr := &net.UnixAddr{Name: SocketPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return Response{}, -1, fmt.Errorf("appif: dial control socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(req.marshal()); err != nil {
		return Response{}, -1, fmt.Errorf("appif: send handshake request: %w", err)
	}

	buf := make([]byte, 1024)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Response{}, -1, fmt.Errorf("appif: read handshake response: %w", err)
	}

	resp, err := unmarshalResponse(buf[:n])
	if err != nil {
		return Response{}, -1, err
	}

	memFD, err := extractFD(oob[:oobn])
	if err != nil {
		return Response{}, -1, err
	}
	return resp, memFD, nil
}

func extractFD(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("appif: parse control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("appif: no file descriptor in handshake response")
}

// fdFromConn recovers the raw descriptor backing a net.Conn. Nothing in
// the daemon calls it: the handshake passes a freshly created memory-map
// fd via SendResponse.
func fdFromConn(conn net.Conn) (int, error) {
	fd, err := netfd.GetFdFromConn(conn)
	if err != nil {
		return -1, fmt.Errorf("appif: recover fd from conn: %w", err)
	}
	return int(fd), nil
}
