// Package server implements the tasd introspection/control RPC
// (SPEC_FULL.md §4.10): a read-mostly operational surface separate from
// the binary app control channel (§4.8), used by tasctl to query flow,
// listener, and application state and to stream state-transition events.
//
// Built on connectrpc.com/connect with a custom JSON codec over plain Go
// structs rather than protoc-generated message types — connect's
// Req/Res type parameters are unconstrained generics, so this is a
// supported use of the library (see DESIGN.md).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
)

// ServiceName is the introspection RPC's service name, used to build
// procedure paths on both the server (this package) and client
// (cmd/tasctl) sides.
const ServiceName = "tas.v1.IntrospectionService"

// ProcedurePath returns the full RPC path for one introspection method,
// e.g. ProcedurePath("ListFlows") == "/tas.v1.IntrospectionService/ListFlows".
func ProcedurePath(method string) string {
	return "/" + ServiceName + "/" + method
}

// -------------------------------------------------------------------------
// Wire types
// -------------------------------------------------------------------------

// FlowSnapshot is one flow-table entry as surfaced over the introspection
// API; a plain-struct analogue of what a protoc-generated BfdSession-style
// message would carry for this domain.
type FlowSnapshot struct {
	FlowID     uint32 `json:"flow_id"`
	Core       int    `json:"core"`
	LocalIP    string `json:"local_ip"`
	RemoteIP   string `json:"remote_ip"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
	TxRateKbps uint32 `json:"tx_rate_kbps"`
	RxNextSeq  uint32 `json:"rx_next_seq"`
	TxNextSeq  uint32 `json:"tx_next_seq"`
}

// AppSnapshot is one registered application context.
type AppSnapshot struct {
	ID        string `json:"id"`
	DBID      uint16 `json:"db_id"`
	NumQueues int    `json:"num_queues"`
}

// ListenerSnapshot is one slow-path listener.
type ListenerSnapshot struct {
	Port     uint16 `json:"port"`
	Backlog  int    `json:"backlog"`
	Reuseport bool  `json:"reuseport"`
}

// StatusSnapshot is the daemon-wide health summary.
type StatusSnapshot struct {
	Version      string `json:"version"`
	CoresRunning int    `json:"cores_running"`
	FlowsTotal   int    `json:"flows_total"`
	AppsTotal    int    `json:"apps_total"`
	Uptime       string `json:"uptime"`
}

// Event is one state-transition notification streamed by WatchEvents.
type Event struct {
	Type      string    `json:"type"`
	FlowID    uint32    `json:"flow_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type (
	ListFlowsRequest  struct{}
	ListFlowsResponse struct {
		Flows []FlowSnapshot `json:"flows"`
	}

	GetFlowRequest struct {
		FlowID uint32 `json:"flow_id"`
	}
	GetFlowResponse struct {
		Flow FlowSnapshot `json:"flow"`
	}

	ListAppsRequest  struct{}
	ListAppsResponse struct {
		Apps []AppSnapshot `json:"apps"`
	}

	ListListenersRequest  struct{}
	ListListenersResponse struct {
		Listeners []ListenerSnapshot `json:"listeners"`
	}

	StatusRequest  struct{}
	StatusResponse struct {
		Status StatusSnapshot `json:"status"`
	}

	WatchEventsRequest struct {
		IncludeCurrent bool `json:"include_current"`
	}
)

// -------------------------------------------------------------------------
// Data sources — implemented by cmd/tasd's wiring over the live dataplane
// and slow path, so this package never imports internal/dataplane or
// internal/slowpath directly and stays a thin RPC adapter.
// -------------------------------------------------------------------------

// FlowSource answers flow-table queries.
type FlowSource interface {
	ListFlows(ctx context.Context) []FlowSnapshot
	GetFlow(ctx context.Context, flowID uint32) (FlowSnapshot, bool)
}

// AppSource answers application-registry queries.
type AppSource interface {
	ListApps(ctx context.Context) []AppSnapshot
}

// ListenerSource answers listener-table queries.
type ListenerSource interface {
	ListListeners(ctx context.Context) []ListenerSnapshot
}

// StatusSource answers the daemon-wide status query.
type StatusSource interface {
	Status(ctx context.Context) StatusSnapshot
}

// EventSource publishes state-transition events for WatchEvents to fan
// out to subscribers.
type EventSource interface {
	Subscribe() (events <-chan Event, unsubscribe func())
}

// ErrUnknownFlow indicates GetFlow was called with a flow_id not present
// in the flow table.
var ErrUnknownFlow = fmt.Errorf("server: unknown flow_id")

// Sources bundles every data source the introspection server reads from.
type Sources struct {
	Flows     FlowSource
	Apps      AppSource
	Listeners ListenerSource
	Status    StatusSource
	Events    EventSource
}

// Server implements the introspection/control RPC handlers. Each RPC
// delegates to the Sources bundle rather than holding domain state
// itself, keeping the RPC adapter thin the way BFDServer delegated to
// bfd.Manager.
type Server struct {
	src    Sources
	logger *slog.Logger
}

// New constructs a Server and returns a mux with every introspection
// procedure registered, ready to be mounted under an HTTP server (see
// cmd/tasd's newIntrospectionServer).
func New(src Sources, logger *slog.Logger, opts ...connect.HandlerOption) *http.ServeMux {
	s := &Server{
		src:    src,
		logger: logger.With(slog.String("component", "server")),
	}

	allOpts := append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(connect.NewUnaryHandler(ProcedurePath("ListFlows"), s.ListFlows, allOpts...))
	mux.Handle(connect.NewUnaryHandler(ProcedurePath("GetFlow"), s.GetFlow, allOpts...))
	mux.Handle(connect.NewUnaryHandler(ProcedurePath("ListApps"), s.ListApps, allOpts...))
	mux.Handle(connect.NewUnaryHandler(ProcedurePath("ListListeners"), s.ListListeners, allOpts...))
	mux.Handle(connect.NewUnaryHandler(ProcedurePath("Status"), s.Status, allOpts...))
	mux.Handle(connect.NewServerStreamHandler(ProcedurePath("WatchEvents"), s.WatchEvents, allOpts...))

	return mux
}

// ListFlows returns every flow currently tracked across all fast-path
// cores.
func (s *Server) ListFlows(ctx context.Context, req *connect.Request[ListFlowsRequest]) (*connect.Response[ListFlowsResponse], error) {
	s.logger.DebugContext(ctx, "ListFlows called")
	flows := s.src.Flows.ListFlows(ctx)
	return connect.NewResponse(&ListFlowsResponse{Flows: flows}), nil
}

// GetFlow returns a single flow by flow_id.
func (s *Server) GetFlow(ctx context.Context, req *connect.Request[GetFlowRequest]) (*connect.Response[GetFlowResponse], error) {
	flow, ok := s.src.Flows.GetFlow(ctx, req.Msg.FlowID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("flow_id %d: %w", req.Msg.FlowID, ErrUnknownFlow))
	}
	return connect.NewResponse(&GetFlowResponse{Flow: flow}), nil
}

// ListApps returns every registered application context.
func (s *Server) ListApps(ctx context.Context, req *connect.Request[ListAppsRequest]) (*connect.Response[ListAppsResponse], error) {
	return connect.NewResponse(&ListAppsResponse{Apps: s.src.Apps.ListApps(ctx)}), nil
}

// ListListeners returns every slow-path listener.
func (s *Server) ListListeners(ctx context.Context, req *connect.Request[ListListenersRequest]) (*connect.Response[ListListenersResponse], error) {
	return connect.NewResponse(&ListListenersResponse{Listeners: s.src.Listeners.ListListeners(ctx)}), nil
}

// Status returns a daemon-wide health summary.
func (s *Server) Status(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	return connect.NewResponse(&StatusResponse{Status: s.src.Status.Status(ctx)}), nil
}

// WatchEvents streams flow/app state-transition events (server-side
// streaming), optionally prefaced by the current flow set.
func (s *Server) WatchEvents(
	ctx context.Context,
	req *connect.Request[WatchEventsRequest],
	stream *connect.ServerStream[Event],
) error {
	if req.Msg.IncludeCurrent {
		for _, f := range s.src.Flows.ListFlows(ctx) {
			ev := Event{Type: "FLOW_PRESENT", FlowID: f.FlowID, Timestamp: time.Now()}
			if err := stream.Send(&ev); err != nil {
				return fmt.Errorf("server: send current-flow event: %w", err)
			}
		}
	}

	events, unsubscribe := s.src.Events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: watch events: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				return fmt.Errorf("server: send event: %w", err)
			}
		}
	}
}
