package main

import (
	"context"
	"sync"
	"time"

	"github.com/tcp-acceleration-service/tas-sub000/internal/appif"
	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
	"github.com/tcp-acceleration-service/tas-sub000/internal/slowpath"
	appversion "github.com/tcp-acceleration-service/tas-sub000/internal/version"
)

// flowSource adapts slowpath.Manager to server.FlowSource.
type flowSource struct {
	mgr *slowpath.Manager
	dp  *tasDataplane
}

func snapshotConn(c *slowpath.Connection, dp *tasDataplane) server.FlowSnapshot {
	core, _ := dp.owner.Load(c.FlowID)
	coreID, _ := core.(int)
	return server.FlowSnapshot{
		FlowID:     c.FlowID,
		Core:       coreID,
		LocalIP:    ipToAddr(c.Tuple.LocalIP).String(),
		RemoteIP:   ipToAddr(c.Tuple.RemoteIP).String(),
		LocalPort:  c.Tuple.LocalPort,
		RemotePort: c.Tuple.RemotePort,
	}
}

func (s flowSource) ListFlows(ctx context.Context) []server.FlowSnapshot {
	conns := s.mgr.ListFlows()
	out := make([]server.FlowSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, snapshotConn(c, s.dp))
	}
	return out
}

func (s flowSource) GetFlow(ctx context.Context, flowID uint32) (server.FlowSnapshot, bool) {
	c, ok := s.mgr.GetFlow(flowID)
	if !ok {
		return server.FlowSnapshot{}, false
	}
	return snapshotConn(c, s.dp), true
}

// appSource adapts an appif.Registry to server.AppSource.
type appSource struct {
	reg *appif.Registry
}

func (s appSource) ListApps(ctx context.Context) []server.AppSnapshot {
	ctxs := s.reg.List()
	out := make([]server.AppSnapshot, 0, len(ctxs))
	for _, c := range ctxs {
		out = append(out, server.AppSnapshot{
			ID:        c.ID.String(),
			DBID:      c.DBID,
			NumQueues: len(c.Queues),
		})
	}
	return out
}

// listenerSource adapts slowpath.Manager to server.ListenerSource.
type listenerSource struct {
	mgr *slowpath.Manager
}

func (s listenerSource) ListListeners(ctx context.Context) []server.ListenerSnapshot {
	lns := s.mgr.ListListeners()
	out := make([]server.ListenerSnapshot, 0, len(lns))
	for _, ln := range lns {
		out = append(out, server.ListenerSnapshot{
			Port:      ln.Port,
			Backlog:   ln.BacklogCap,
			Reuseport: ln.Reuseport,
		})
	}
	return out
}

// statusSource adapts daemon-wide state to server.StatusSource.
type statusSource struct {
	mgr     *slowpath.Manager
	reg     *appif.Registry
	cores   int
	started time.Time
}

func (s statusSource) Status(ctx context.Context) server.StatusSnapshot {
	return server.StatusSnapshot{
		Version:      appversion.Version,
		CoresRunning: s.cores,
		FlowsTotal:   len(s.mgr.ListFlows()),
		AppsTotal:    len(s.reg.List()),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	}
}

// eventBroadcaster fans handshake-lifecycle events out to every active
// WatchEvents subscriber, bridging slowpath.Manager.OnEvent to
// server.EventSource.
type eventBroadcaster struct {
	mu   sync.Mutex
	subs map[chan server.Event]struct{}
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{subs: make(map[chan server.Event]struct{})}
}

// publish is registered as the slowpath.Manager's EventFunc.
func (b *eventBroadcaster) publish(eventType string, flowID uint32, detail string) {
	ev := server.Event{Type: eventType, FlowID: flowID, Detail: detail, Timestamp: time.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default: // a slow subscriber misses events rather than blocking the handshake FSM
		}
	}
}

// Subscribe implements server.EventSource.
func (b *eventBroadcaster) Subscribe() (<-chan server.Event, func()) {
	ch := make(chan server.Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}
