package server_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"connectrpc.com/connect"

	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
)

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	logger := slog.New(slog.DiscardHandler)
	srv := setupTestServer(t, src, server.LoggingInterceptorOption(logger))

	client := connect.NewClient[server.ListFlowsRequest, server.ListFlowsResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListFlows"), server.ClientCodecOption())

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&server.ListFlowsRequest{}))
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestLoggingInterceptorError(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	logger := slog.New(slog.DiscardHandler)
	srv := setupTestServer(t, src, server.LoggingInterceptorOption(logger))

	client := connect.NewClient[server.GetFlowRequest, server.GetFlowResponse](
		srv.Client(), srv.URL+server.ProcedurePath("GetFlow"), server.ClientCodecOption())

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&server.GetFlowRequest{FlowID: 99999}))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeNotFound {
		t.Errorf("code = %s, want NotFound", connectErr.Code())
	}
}

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	src, _, _ := newTestSources()
	logger := slog.New(slog.DiscardHandler)
	srv := setupTestServer(t, src,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	client := connect.NewClient[server.ListFlowsRequest, server.ListFlowsResponse](
		srv.Client(), srv.URL+server.ProcedurePath("ListFlows"), server.ClientCodecOption())

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&server.ListFlowsRequest{}))
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}
