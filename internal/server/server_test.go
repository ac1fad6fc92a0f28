package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
)

// fakeFlowSource, fakeAppSource, fakeListenerSource, and fakeStatusSource
// stand in for the live dataplane/slowpath adapters cmd/tasd constructs.
type fakeFlowSource struct {
	flows map[uint32]server.FlowSnapshot
}

func (f *fakeFlowSource) ListFlows(context.Context) []server.FlowSnapshot {
	out := make([]server.FlowSnapshot, 0, len(f.flows))
	for _, fs := range f.flows {
		out = append(out, fs)
	}
	return out
}

func (f *fakeFlowSource) GetFlow(_ context.Context, flowID uint32) (server.FlowSnapshot, bool) {
	fs, ok := f.flows[flowID]
	return fs, ok
}

type fakeAppSource struct{ apps []server.AppSnapshot }

func (f *fakeAppSource) ListApps(context.Context) []server.AppSnapshot { return f.apps }

type fakeListenerSource struct{ listeners []server.ListenerSnapshot }

func (f *fakeListenerSource) ListListeners(context.Context) []server.ListenerSnapshot {
	return f.listeners
}

type fakeStatusSource struct{ status server.StatusSnapshot }

func (f *fakeStatusSource) Status(context.Context) server.StatusSnapshot { return f.status }

type fakeEventSource struct {
	mu   sync.Mutex
	subs []chan server.Event
}

func (f *fakeEventSource) Subscribe() (<-chan server.Event, func()) {
	ch := make(chan server.Event, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (f *fakeEventSource) publish(ev server.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func setupTestServer(t *testing.T, src server.Sources, opts ...connect.HandlerOption) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	mux := server.New(src, logger, opts...)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSources() (server.Sources, *fakeFlowSource, *fakeEventSource) {
	flows := &fakeFlowSource{flows: map[uint32]server.FlowSnapshot{
		1: {FlowID: 1, Core: 0, LocalIP: "10.0.0.1", RemoteIP: "10.0.0.2", LocalPort: 80, RemotePort: 4000},
	}}
	events := &fakeEventSource{}
	src := server.Sources{
		Flows:     flows,
		Apps:      &fakeAppSource{apps: []server.AppSnapshot{{ID: "app-1", DBID: 1, NumQueues: 4}}},
		Listeners: &fakeListenerSource{listeners: []server.ListenerSnapshot{{Port: 80, Backlog: 16}}},
		Status:    &fakeStatusSource{status: server.StatusSnapshot{Version: "test", CoresRunning: 2}},
		Events:    events,
	}
	return src, flows, events
}

func TestListFlows(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	srv := setupTestServer(t, src)

	client := connect.NewClient[server.ListFlowsRequest, server.ListFlowsResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListFlows"), server.ClientCodecOption())

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&server.ListFlowsRequest{}))
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if len(resp.Msg.Flows) != 1 || resp.Msg.Flows[0].FlowID != 1 {
		t.Errorf("ListFlows = %+v, want one flow with flow_id 1", resp.Msg.Flows)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	srv := setupTestServer(t, src)

	client := connect.NewClient[server.GetFlowRequest, server.GetFlowResponse](
		srv.Client(), srv.URL+server.ProcedurePath("GetFlow"), server.ClientCodecOption())

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&server.GetFlowRequest{FlowID: 99}))
	if err == nil {
		t.Fatal("expected error for unknown flow_id, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeNotFound {
		t.Errorf("code = %s, want NotFound", connectErr.Code())
	}
	if !errors.Is(connectErr, server.ErrUnknownFlow) {
		t.Errorf("error does not wrap ErrUnknownFlow: %v", connectErr)
	}
}

func TestGetFlowFound(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	srv := setupTestServer(t, src)

	client := connect.NewClient[server.GetFlowRequest, server.GetFlowResponse](
		srv.Client(), srv.URL+server.ProcedurePath("GetFlow"), server.ClientCodecOption())

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&server.GetFlowRequest{FlowID: 1}))
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if resp.Msg.Flow.LocalIP != "10.0.0.1" {
		t.Errorf("Flow.LocalIP = %q, want 10.0.0.1", resp.Msg.Flow.LocalIP)
	}
}

func TestListAppsAndListeners(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	srv := setupTestServer(t, src)

	appsClient := connect.NewClient[server.ListAppsRequest, server.ListAppsResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListApps"), server.ClientCodecOption())
	appsResp, err := appsClient.CallUnary(context.Background(), connect.NewRequest(&server.ListAppsRequest{}))
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(appsResp.Msg.Apps) != 1 || appsResp.Msg.Apps[0].ID != "app-1" {
		t.Errorf("ListApps = %+v, want one app", appsResp.Msg.Apps)
	}

	lnClient := connect.NewClient[server.ListListenersRequest, server.ListListenersResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListListeners"), server.ClientCodecOption())
	lnResp, err := lnClient.CallUnary(context.Background(), connect.NewRequest(&server.ListListenersRequest{}))
	if err != nil {
		t.Fatalf("ListListeners: %v", err)
	}
	if len(lnResp.Msg.Listeners) != 1 || lnResp.Msg.Listeners[0].Port != 80 {
		t.Errorf("ListListeners = %+v, want one listener on port 80", lnResp.Msg.Listeners)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	srv := setupTestServer(t, src)

	client := connect.NewClient[server.StatusRequest, server.StatusResponse](
		srv.Client(), srv.URL+server.ProcedurePath("Status"), server.ClientCodecOption())

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&server.StatusRequest{}))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.Msg.Status.Version != "test" || resp.Msg.Status.CoresRunning != 2 {
		t.Errorf("Status = %+v, want version=test cores_running=2", resp.Msg.Status)
	}
}

func TestWatchEventsIncludesCurrentThenStreams(t *testing.T) {
	t.Parallel()

	src, _, events := newTestSources()
	srv := setupTestServer(t, src)

	client := connect.NewClient[server.WatchEventsRequest, server.Event](
		srv.Client(), srv.URL+server.ProcedurePath("WatchEvents"), server.ClientCodecOption())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.CallServerStream(ctx, connect.NewRequest(&server.WatchEventsRequest{IncludeCurrent: true}))
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("expected current-flow event, stream ended: %v", stream.Err())
	}
	if got := stream.Msg().Type; got != "FLOW_PRESENT" {
		t.Errorf("first event type = %q, want FLOW_PRESENT", got)
	}

	// Give the server a moment to reach the Subscribe call before publishing.
	time.Sleep(20 * time.Millisecond)
	events.publish(server.Event{Type: "RETRANSMIT", FlowID: 1, Timestamp: time.Now()})

	if !stream.Receive() {
		t.Fatalf("expected published event, stream ended: %v", stream.Err())
	}
	if got := stream.Msg().Type; got != "RETRANSMIT" {
		t.Errorf("second event type = %q, want RETRANSMIT", got)
	}
}

// panicFlowSource panics on ListFlows to exercise RecoveryInterceptor.
type panicFlowSource struct{}

func (panicFlowSource) ListFlows(context.Context) []server.FlowSnapshot {
	panic("intentional test panic")
}

func (panicFlowSource) GetFlow(context.Context, uint32) (server.FlowSnapshot, bool) {
	return server.FlowSnapshot{}, false
}

func TestRecoveryInterceptorRecoversPanic(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	src.Flows = panicFlowSource{}

	logger := slog.New(slog.DiscardHandler)
	srv := setupTestServer(t, src, server.RecoveryInterceptorOption(logger))

	client := connect.NewClient[server.ListFlowsRequest, server.ListFlowsResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListFlows"), server.ClientCodecOption())

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&server.ListFlowsRequest{}))
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", connectErr.Code())
	}
	if !errors.Is(connectErr, server.ErrPanicRecovered) {
		t.Errorf("error does not wrap ErrPanicRecovered: %v", connectErr)
	}
}
