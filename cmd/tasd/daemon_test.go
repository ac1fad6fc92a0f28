package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tcp-acceleration-service/tas-sub000/internal/config"
	"github.com/tcp-acceleration-service/tas-sub000/internal/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Fastpath.IPAddr = "10.0.0.1/24"
	cfg.Fastpath.KNIName = "" // force linkport.Mock in test environments with no real NIC
	cfg.Fastpath.CoresMax = 2
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config failed validation: %v", err)
	}
	return cfg
}

// TestBuildDaemonStateWiresEverything proves that every collaborator
// buildDaemonState assembles satisfies the interface it was built
// against, and that the resulting components are non-nil and usable —
// the static half of the wiring guarantee.
func TestBuildDaemonStateWiresEverything(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	reg := prometheus.NewRegistry()
	st, err := buildDaemonState(testConfig(t), metrics.NewCollector(reg), logger)
	if err != nil {
		t.Fatalf("buildDaemonState: %v", err)
	}
	defer st.appSrv.Close()

	if len(st.cores) != 2 {
		t.Fatalf("len(cores) = %d, want 2", len(st.cores))
	}
	if st.mgr == nil || st.loop == nil || st.dp == nil || st.appReg == nil {
		t.Fatal("buildDaemonState left a component nil")
	}
}

// TestDaemonHandshakeEndToEnd drives a full active-open handshake
// through the exact components cmd/tasd wires together — Manager.Open,
// the asynchronous ARP resolver, PollARP, and HandleSynAck — and
// confirms the resulting flow is both installed on its RSS-steered
// fast-path core and visible through the introspection FlowSource,
// proving the slow-path-to-fast-path data flow actually executes
// rather than merely type-checking against the collaborator
// interfaces.
func TestDaemonHandshakeEndToEnd(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	reg := prometheus.NewRegistry()
	st, err := buildDaemonState(testConfig(t), metrics.NewCollector(reg), logger)
	if err != nil {
		t.Fatalf("buildDaemonState: %v", err)
	}
	defer st.appSrv.Close()

	const remoteIP = 0x0A000002 // 10.0.0.2, on-link
	const remotePort = 443

	conn, err := st.mgr.Open(remoteIP, remotePort)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	resolved := false
	for time.Now().Before(deadline) {
		if ready := st.mgr.PollARP(); len(ready) > 0 {
			resolved = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !resolved {
		t.Fatal("ARP never resolved within the deadline")
	}

	if _, err := st.mgr.HandleSynAck(conn.Tuple, 1000, 0, 7); err != nil {
		t.Fatalf("HandleSynAck: %v", err)
	}

	flows := st.mgr.ListFlows()
	if len(flows) != 1 {
		t.Fatalf("ListFlows() returned %d flows, want 1", len(flows))
	}
	flowID := flows[0].FlowID

	core := st.dp.CoreForFlow(conn.Tuple)
	if _, ok := st.cores[core].Flows[flowID]; !ok {
		t.Fatalf("flow %d not installed on RSS-steered core %d", flowID, core)
	}

	src := flowSource{mgr: st.mgr, dp: st.dp}
	snap, ok := src.GetFlow(context.Background(), flowID)
	if !ok {
		t.Fatalf("flowSource.GetFlow(%d) = not found", flowID)
	}
	if snap.RemoteIP != "10.0.0.2" || snap.RemotePort != remotePort {
		t.Fatalf("flow snapshot = %+v, want remote 10.0.0.2:%d", snap, remotePort)
	}

	st.mgr.Close(flowID)
	if _, ok := st.dp.flow(flowID); ok {
		t.Fatal("Close did not propagate to tasDataplane.removeFlow via the CONN_CLOSED event hook")
	}
}
