package slowpath

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/config"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowstate"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/taserr"
	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpip"
)

// firstEphemeralPort and lastEphemeralPort bound locally-allocated
// source ports for actively-opened connections.
const (
	firstEphemeralPort = 32768
	lastEphemeralPort  = 60999
)

// EventFunc is a handshake-lifecycle notification the Manager emits for
// internal/server's EventSource to fan out over WatchEvents.
type EventFunc func(eventType string, flowID uint32, detail string)

// Manager owns every in-flight Connection, every Listener, the ARP
// cache, and the route table — the slow path's complete stateful
// protocol surface (spec.md §4.7-§4.8), driven by an event loop that
// calls its Poll* methods.
type Manager struct {
	mu sync.Mutex

	dp     Dataplane
	arp    *ArpCache
	routes *RouteTable
	cfg    config.SlowpathConfig
	ccCfg  config.CCConfig
	logger *slog.Logger
	now    func() time.Time
	onEvent EventFunc

	localIP uint32

	nextFlowID    uint32
	nextEphemeral uint16

	byTuple map[flowtable.FourTuple]*Connection
	byFlow  map[uint32]*Connection

	listeners map[uint16]*Listener

	ccPrev    map[uint32]FlowCounters
	retransmitMon *RetransmitMonitor
}

// NewManager constructs a Manager. now defaults to time.Now; tests
// supply a controllable clock.
func NewManager(dp Dataplane, arp *ArpCache, routes *RouteTable, cfg config.SlowpathConfig, ccCfg config.CCConfig, localIP uint32, logger *slog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		dp:            dp,
		arp:           arp,
		routes:        routes,
		cfg:           cfg,
		ccCfg:         ccCfg,
		logger:        logger,
		now:           now,
		localIP:       localIP,
		nextEphemeral: firstEphemeralPort,
		byTuple:       make(map[flowtable.FourTuple]*Connection),
		byFlow:        make(map[uint32]*Connection),
		listeners:     make(map[uint16]*Listener),
		ccPrev:        make(map[uint32]FlowCounters),
		retransmitMon: NewRetransmitMonitor(SlowpathRetransmitConfig{RexmitInts: cfg.CCRexmitInts}),
	}
}

// OnEvent registers a callback invoked on every handshake-lifecycle
// transition, so cmd/tasd can bridge it to internal/server's EventSource.
func (m *Manager) OnEvent(fn EventFunc) { m.onEvent = fn }

func (m *Manager) emit(eventType string, flowID uint32, detail string) {
	if m.logger != nil {
		m.logger.Debug("handshake event", slog.String("type", eventType), slog.Uint64("flow_id", uint64(flowID)), slog.String("detail", detail))
	}
	if m.onEvent != nil {
		m.onEvent(eventType, flowID, detail)
	}
}

func (m *Manager) allocFlowID() uint32 {
	m.nextFlowID++
	return m.nextFlowID
}

func (m *Manager) allocEphemeralPort() uint16 {
	port := m.nextEphemeral
	if m.nextEphemeral == lastEphemeralPort {
		m.nextEphemeral = firstEphemeralPort
	} else {
		m.nextEphemeral++
	}
	return port
}

// -------------------------------------------------------------------------
// Active open: open(remote_ip, port)
// -------------------------------------------------------------------------

// Open begins an active connection attempt, per spec.md's handshake
// state machine: allocate a Connection, resolve a route, then ARP the
// next hop. The connection transitions toward SYN_SENT as the event
// loop's PollARP call observes the resolution complete.
func (m *Manager) Open(remoteIP uint32, remotePort uint16) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	localPort := m.allocEphemeralPort()
	tuple := flowtable.FourTuple{
		LocalIP: m.localIP, RemoteIP: remoteIP,
		LocalPort: localPort, RemotePort: remotePort,
	}

	conn := &Connection{
		Tuple:  tuple,
		Status: StatusSynWait,
		SynTS:  uint32(m.now().UnixMicro()),
	}
	m.byTuple[tuple] = conn

	if err := m.resolveAndArp(conn); err != nil {
		conn.Status = StatusFailed
		delete(m.byTuple, tuple)
		return nil, err
	}

	m.emit("CONN_OPENING", 0, ipToAddr(remoteIP).String())
	return conn, nil
}

func (m *Manager) resolveAndArp(conn *Connection) error {
	dst := ipToAddr(conn.Tuple.RemoteIP)
	route, err := m.routes.Resolve(dst)
	if err != nil {
		return err
	}
	nextHop := route.NextHop(dst)

	mac, ok, wait := m.arp.Resolve(addrToIP4(nextHop))
	if ok {
		conn.RemoteMAC = mac
		m.armSynSent(conn)
		return nil
	}

	conn.Status = StatusArpPending
	conn.arpIP = addrToIP4(nextHop)
	conn.arpWait = wait
	return nil
}

// armSynSent transitions a Connection to SYN_SENT and (re)arms its
// retry timeout; the caller is responsible for actually transmitting
// the SYN (cmd/tasd's event loop does so via the link port once this
// returns).
func (m *Manager) armSynSent(conn *Connection) {
	conn.Status = StatusSynSent
	conn.timeoutAt = m.now().Add(backoff(conn.attempt))
	m.emit("SYN_SENT", conn.FlowID, "")
}

func backoff(attempt int) time.Duration {
	d := initialRetryTimeout
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxRetryTimeout {
			return maxRetryTimeout
		}
	}
	return d
}

// CompleteARP resolves ip to mac, waking every Connection blocked on it.
// cmd/tasd's ArpResolver implementation calls this once a reply
// arrives, serialized through Manager's lock the same way every other
// ArpCache access is (ArpCache itself holds no lock of its own).
func (m *Manager) CompleteARP(ip uint32, mac tcpip.MAC) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arp.Complete(ip, mac)
}

// PollARP advances every ARP_PENDING connection whose resolution has
// completed, moving it into SYN_SENT. Returns the connections that
// transitioned this call, so the caller can transmit their SYNs.
func (m *Manager) PollARP() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*Connection
	for _, conn := range m.byTuple {
		if conn.Status != StatusArpPending {
			continue
		}
		select {
		case mac, ok := <-conn.arpWait:
			if !ok {
				continue
			}
			conn.RemoteMAC = mac
			m.armSynSent(conn)
			ready = append(ready, conn)
		default:
		}
	}
	return ready
}

// PollTimeouts retries or fails every connection whose retry deadline
// has passed, per the exponential-backoff handshake_retries budget.
// Returns connections that should have their SYN retransmitted.
func (m *Manager) PollTimeouts(now time.Time) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retry []*Connection
	for tuple, conn := range m.byTuple {
		if conn.Status != StatusSynSent || now.Before(conn.timeoutAt) {
			continue
		}
		conn.attempt++
		if conn.attempt > m.cfg.HandshakeRetries {
			conn.Status = StatusFailed
			delete(m.byTuple, tuple)
			m.emit("CONN_FAILED", conn.FlowID, "handshake retries exhausted")
			continue
		}
		conn.timeoutAt = now.Add(backoff(conn.attempt))
		retry = append(retry, conn)
	}
	return retry
}

// HandleSynAck completes an active open: parses the peer's initial
// sequence number, timestamp, and window scale, installs the flow on
// the fast path, and initializes congestion control (spec.md: "On
// SYN-ACK, parse timestamp+WS, initialize CC, call
// nicif_connection_add, transition to OPEN, send ACK").
func (m *Manager) HandleSynAck(tuple flowtable.FourTuple, remoteSeq uint32, tsval uint32, remoteWS uint8) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byTuple[tuple]
	if !ok || conn.Status != StatusSynSent {
		return nil, taserr.New(taserr.KindProtocolViolation, "slowpath: SYN-ACK for unknown/non-SYN_SENT connection")
	}

	conn.RemoteSeq = remoteSeq
	conn.RemoteWindowScale = remoteWS
	conn.Status = StatusRegSynAck

	rtt := time.Duration(uint32(m.now().UnixMicro())-conn.SynTS) * time.Microsecond
	if err := m.installFlow(conn, rtt); err != nil {
		conn.Status = StatusFailed
		delete(m.byTuple, tuple)
		return nil, err
	}

	conn.Status = StatusOpen
	m.emit("CONN_OPENED", conn.FlowID, "")
	return conn, nil
}

// installFlow performs nicif_connection_add: assigns a flow_id,
// inserts the tuple into the shared flow hash table, installs the
// fast-path Flow record on its RSS-steered core, and seeds CC state.
func (m *Manager) installFlow(conn *Connection, rtt time.Duration) error {
	flowID := m.allocFlowID()
	if err := m.dp.InsertFlow(conn.Tuple, flowID); err != nil {
		return err
	}

	conn.FlowID = flowID
	conn.core = m.dp.CoreForFlow(conn.Tuple)
	conn.CC = NewCCState(m.ccCfg, rtt)

	f := &flowstate.Flow{
		FlowID: flowID,
		Tuple:  conn.Tuple,
		RTTEst: uint32(rtt.Microseconds()),
		TxRate: conn.CC.Tick(Deltas{}, flowstateMSS),
	}
	m.dp.AddFlow(conn.core, f)
	m.byFlow[flowID] = conn

	return nil
}

// -------------------------------------------------------------------------
// Passive open: listen / accept
// -------------------------------------------------------------------------

// Listen claims port, accepting connections one or more backlogged
// SYNs at a time. backlog <= 0 uses the configured default.
func (m *Manager) Listen(port uint16, reuseport bool, backlog int) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[port]; exists {
		return nil, taserr.New(taserr.KindResourceExhaustion, "slowpath: port already in use",
			taserr.WithField("port", port))
	}
	if backlog <= 0 {
		backlog = m.cfg.ListenBacklog
	}

	ln := newListener(port, reuseport, backlog)
	m.listeners[port] = ln
	return ln, nil
}

// ListListeners returns every active listener (internal/server's
// ListenerSource).
func (m *Manager) ListListeners() []*Listener {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Listener, 0, len(m.listeners))
	for _, ln := range m.listeners {
		out = append(out, ln)
	}
	return out
}

// HandleSyn validates tuple's uniqueness against the owning listener's
// backlog, reserves a slot, and reports the SYN-ACK parameters the
// caller should transmit.
func (m *Manager) HandleSyn(tuple flowtable.FourTuple, remoteSeq uint32) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ln, ok := m.listeners[tuple.LocalPort]
	if !ok {
		return nil, taserr.New(taserr.KindProtocolViolation, "slowpath: SYN for unlistened port",
			taserr.WithField("port", tuple.LocalPort))
	}
	if _, dup := ln.pendingAck[tuple]; dup {
		return nil, taserr.New(taserr.KindProtocolViolation, "slowpath: duplicate SYN", taserr.WithField("tuple", tuple))
	}
	if len(ln.pendingAck)+len(ln.backlog) >= ln.BacklogCap {
		return nil, taserr.New(taserr.KindResourceExhaustion, "slowpath: listen backlog full",
			taserr.WithField("port", tuple.LocalPort))
	}

	conn := &Connection{
		Tuple:     tuple,
		RemoteSeq: remoteSeq,
		LocalSeq:  uint32(m.now().UnixMicro()),
		Status:    StatusRegSynAck,
	}
	ln.pendingAck[tuple] = conn
	m.byTuple[tuple] = conn

	return conn, nil
}

// HandleFinalAck completes the passive three-way handshake: the peer's
// ACK of our SYN-ACK installs the flow and queues the connection for
// Accept (spec.md: "accept pairs a waiting Connection with the next
// backlog slot, completes the 3-way handshake" — here the final ACK
// itself finishes the handshake, and Accept dequeues an
// already-completed connection, matching ordinary TCP accept()
// semantics; see DESIGN.md's Open Question resolution).
func (m *Manager) HandleFinalAck(tuple flowtable.FourTuple, tsval uint32, remoteWS uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ln, ok := m.listeners[tuple.LocalPort]
	if !ok {
		return taserr.New(taserr.KindProtocolViolation, "slowpath: final ACK for unlistened port")
	}
	conn, ok := ln.pendingAck[tuple]
	if !ok {
		return taserr.New(taserr.KindProtocolViolation, "slowpath: final ACK without pending SYN-ACK")
	}
	delete(ln.pendingAck, tuple)

	conn.RemoteWindowScale = remoteWS
	rtt := time.Duration(uint32(m.now().UnixMicro())-conn.LocalSeq) * time.Microsecond
	if err := m.installFlow(conn, rtt); err != nil {
		delete(m.byTuple, tuple)
		return err
	}

	conn.Status = StatusOpen
	ln.backlog = append(ln.backlog, conn)
	m.emit("LISTEN_NEWCONN", conn.FlowID, "")
	return nil
}

// Accept dequeues the next fully-handshaken connection for ln.
func (m *Manager) Accept(ln *Listener) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ln.backlog) == 0 {
		return nil, false
	}
	conn := ln.backlog[0]
	ln.backlog = ln.backlog[1:]
	m.emit("ACCEPTED_CONN", conn.FlowID, "")
	return conn, true
}

// -------------------------------------------------------------------------
// Introspection (internal/server.FlowSource/StatusSource)
// -------------------------------------------------------------------------

// ListFlows returns every open connection, for internal/server's FlowSource.
func (m *Manager) ListFlows() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Connection, 0, len(m.byFlow))
	for _, c := range m.byFlow {
		out = append(out, c)
	}
	return out
}

// GetFlow looks up one open connection by flow_id.
func (m *Manager) GetFlow(flowID uint32) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byFlow[flowID]
	return c, ok
}

// Close tears down an open connection: it stops being listed, and its
// CC/retransmit-monitor bookkeeping is forgotten. The fast-path flow
// record itself is torn down by cmd/tasd's Dataplane implementation.
func (m *Manager) Close(flowID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byFlow[flowID]
	if !ok {
		return
	}
	conn.Status = StatusClosed
	delete(m.byFlow, flowID)
	delete(m.byTuple, conn.Tuple)
	delete(m.ccPrev, flowID)
	m.retransmitMon.Forget(flowID)
	m.emit("CONN_CLOSED", flowID, "")
}

// TickCC runs one congestion-control recomputation pass over every open
// connection (spec.md §4.7's cc_poll): for each flow, it reads the
// fast path's counters since the last tick, feeds the delta into the
// flow's CCState, reprices its pacer, and checks the retransmit monitor.
func (m *Manager) TickCC(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for flowID, conn := range m.byFlow {
		if conn.Status != StatusOpen {
			continue
		}
		snap, ok := m.dp.FlowSnapshot(conn.core, flowID)
		if !ok {
			continue
		}
		prev := m.ccPrev[flowID]

		deltas := Deltas{
			Drops:    snap.CntTxDrops - prev.CntTxDrops,
			Acks:     snap.CntRxAcks - prev.CntRxAcks,
			AckBytes: snap.CntRxAckBytes - prev.CntRxAckBytes,
			ECNBytes: snap.CntRxECNBytes - prev.CntRxECNBytes,
		}
		if snap.RTTEstUs > 0 {
			deltas.RTT = time.Duration(snap.RTTEstUs) * time.Microsecond
		}
		m.ccPrev[flowID] = snap

		newRate := conn.CC.Tick(deltas, snap.TxLen)
		m.dp.SetRate(conn.core, flowID, newRate)

		if m.retransmitMon.Observe(flowID, snap.TxSent, deltas.Acks, conn.CC.rttEst, now) {
			m.dp.Retransmit(conn.core, flowID)
		}
	}
}

// ipToAddr converts a big-endian-ordered uint32 IPv4 address (flowtable's
// and flowstate's representation) to a netip.Addr for route/ARP lookups.
func ipToAddr(ip uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

// addrToIP4 converts a netip.Addr back to the uint32 representation
// ArpCache/RouteTable keys use.
func addrToIP4(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
