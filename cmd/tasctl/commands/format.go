package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatFlows(flows []server.FlowSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(flows)
	case formatTable:
		return formatFlowsTable(flows), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatFlow(flow server.FlowSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(flow)
	case formatTable:
		return formatFlowDetail(flow), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatApps(apps []server.AppSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(apps)
	case formatTable:
		return formatAppsTable(apps), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatListeners(lns []server.ListenerSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(lns)
	case formatTable:
		return formatListenersTable(lns), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatus(status server.StatusSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(status)
	case formatTable:
		return formatStatusDetail(status), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatEvent(event server.Event, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatFlowsTable(flows []server.FlowSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLOW_ID\tCORE\tLOCAL\tREMOTE\tTX_RATE_KBPS\tRX_NEXT_SEQ\tTX_NEXT_SEQ")

	for _, f := range flows {
		fmt.Fprintf(w, "%d\t%d\t%s:%d\t%s:%d\t%d\t%d\t%d\n",
			f.FlowID, f.Core, f.LocalIP, f.LocalPort, f.RemoteIP, f.RemotePort,
			f.TxRateKbps, f.RxNextSeq, f.TxNextSeq)
	}

	w.Flush()
	return buf.String()
}

func formatFlowDetail(f server.FlowSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Flow ID:\t%d\n", f.FlowID)
	fmt.Fprintf(w, "Core:\t%d\n", f.Core)
	fmt.Fprintf(w, "Local:\t%s:%d\n", f.LocalIP, f.LocalPort)
	fmt.Fprintf(w, "Remote:\t%s:%d\n", f.RemoteIP, f.RemotePort)
	fmt.Fprintf(w, "TX Rate:\t%d kbps\n", f.TxRateKbps)
	fmt.Fprintf(w, "RX Next Seq:\t%d\n", f.RxNextSeq)
	fmt.Fprintf(w, "TX Next Seq:\t%d\n", f.TxNextSeq)

	w.Flush()
	return buf.String()
}

func formatAppsTable(apps []server.AppSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDB_ID\tNUM_QUEUES")

	for _, a := range apps {
		fmt.Fprintf(w, "%s\t%d\t%d\n", a.ID, a.DBID, a.NumQueues)
	}

	w.Flush()
	return buf.String()
}

func formatListenersTable(lns []server.ListenerSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tBACKLOG\tREUSEPORT")

	for _, l := range lns {
		fmt.Fprintf(w, "%d\t%d\t%t\n", l.Port, l.Backlog, l.Reuseport)
	}

	w.Flush()
	return buf.String()
}

func formatStatusDetail(s server.StatusSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Version:\t%s\n", s.Version)
	fmt.Fprintf(w, "Cores Running:\t%d\n", s.CoresRunning)
	fmt.Fprintf(w, "Flows Total:\t%d\n", s.FlowsTotal)
	fmt.Fprintf(w, "Apps Total:\t%d\n", s.AppsTotal)
	fmt.Fprintf(w, "Uptime:\t%s\n", s.Uptime)

	w.Flush()
	return buf.String()
}

func formatEventTable(e server.Event) string {
	return fmt.Sprintf("[%s] %s  flow_id=%d  detail=%s",
		e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Type, e.FlowID, e.Detail)
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}
