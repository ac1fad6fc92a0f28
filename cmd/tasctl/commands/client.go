package commands

import (
	"context"

	"connectrpc.com/connect"

	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
)

// introspectionClient is a thin wrapper over connect.Client per RPC
// method. internal/server has no protoc-generated service client (see
// DESIGN.md's "Dropped teacher dependencies" entry for
// google.golang.org/protobuf), so each procedure gets its own
// connect.NewClient instance using the same plain-struct JSON codec
// the server registers handlers with (server.ClientCodecOption).
type introspectionClient struct {
	listFlows     *connect.Client[server.ListFlowsRequest, server.ListFlowsResponse]
	getFlow       *connect.Client[server.GetFlowRequest, server.GetFlowResponse]
	listApps      *connect.Client[server.ListAppsRequest, server.ListAppsResponse]
	listListeners *connect.Client[server.ListListenersRequest, server.ListListenersResponse]
	status        *connect.Client[server.StatusRequest, server.StatusResponse]
	watchEvents   *connect.Client[server.WatchEventsRequest, server.Event]
}

func newIntrospectionClient(httpClient connect.HTTPClient, baseURL string) *introspectionClient {
	opt := server.ClientCodecOption()
	return &introspectionClient{
		listFlows:     connect.NewClient[server.ListFlowsRequest, server.ListFlowsResponse](httpClient, baseURL+server.ProcedurePath("ListFlows"), opt),
		getFlow:       connect.NewClient[server.GetFlowRequest, server.GetFlowResponse](httpClient, baseURL+server.ProcedurePath("GetFlow"), opt),
		listApps:      connect.NewClient[server.ListAppsRequest, server.ListAppsResponse](httpClient, baseURL+server.ProcedurePath("ListApps"), opt),
		listListeners: connect.NewClient[server.ListListenersRequest, server.ListListenersResponse](httpClient, baseURL+server.ProcedurePath("ListListeners"), opt),
		status:        connect.NewClient[server.StatusRequest, server.StatusResponse](httpClient, baseURL+server.ProcedurePath("Status"), opt),
		watchEvents:   connect.NewClient[server.WatchEventsRequest, server.Event](httpClient, baseURL+server.ProcedurePath("WatchEvents"), opt),
	}
}

func (c *introspectionClient) ListFlows(ctx context.Context) ([]server.FlowSnapshot, error) {
	resp, err := c.listFlows.CallUnary(ctx, connect.NewRequest(&server.ListFlowsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Flows, nil
}

func (c *introspectionClient) GetFlow(ctx context.Context, flowID uint32) (server.FlowSnapshot, error) {
	resp, err := c.getFlow.CallUnary(ctx, connect.NewRequest(&server.GetFlowRequest{FlowID: flowID}))
	if err != nil {
		return server.FlowSnapshot{}, err
	}
	return resp.Msg.Flow, nil
}

func (c *introspectionClient) ListApps(ctx context.Context) ([]server.AppSnapshot, error) {
	resp, err := c.listApps.CallUnary(ctx, connect.NewRequest(&server.ListAppsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Apps, nil
}

func (c *introspectionClient) ListListeners(ctx context.Context) ([]server.ListenerSnapshot, error) {
	resp, err := c.listListeners.CallUnary(ctx, connect.NewRequest(&server.ListListenersRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Listeners, nil
}

func (c *introspectionClient) Status(ctx context.Context) (server.StatusSnapshot, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&server.StatusRequest{}))
	if err != nil {
		return server.StatusSnapshot{}, err
	}
	return resp.Msg.Status, nil
}

func (c *introspectionClient) WatchEvents(ctx context.Context, includeCurrent bool) (*connect.ServerStreamForClient[server.Event], error) {
	return c.watchEvents.CallServerStream(ctx, connect.NewRequest(&server.WatchEventsRequest{IncludeCurrent: includeCurrent}))
}
