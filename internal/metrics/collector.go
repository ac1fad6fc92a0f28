// Package metrics implements the tasd Prometheus metrics surface
// (SPEC_FULL.md's AMBIENT STACK "Metrics" section): one Collector per
// subsystem, registered against a caller-supplied prometheus.Registerer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tas"

// Label names shared across the dataplane/slowpath subsystems.
const (
	labelCore    = "core"
	labelFlowID  = "flow_id"
	labelCC      = "cc"
	labelEventT  = "event_type"
)

// Collector holds all tasd Prometheus metrics, covering the fast-path
// dataplane (§4.4-§4.6) and the slow path (§4.7-§4.8).
type Collector struct {
	// DataplanePollsTotal counts PollOnce iterations per core, labeled by
	// whether the round did any work, for busy/idle ratio dashboards.
	DataplanePollsTotal *prometheus.CounterVec

	// DataplaneKRXDrops counts admin-queue entries dropped because the
	// per-core kernel-rx queue to the slow path was full (spec.md §9
	// Open Question ii; see DESIGN.md's resolution).
	DataplaneKRXDrops *prometheus.CounterVec

	// DataplaneGrantBytes counts bytes granted by the queue manager's
	// Poll, labeled by core.
	DataplaneGrantBytes *prometheus.CounterVec

	// FlowsActive tracks the number of flow-table entries currently in
	// use, labeled by core.
	FlowsActive *prometheus.GaugeVec

	// SlowpathHandshakeTotal counts handshake FSM transitions, labeled by
	// the resulting state, per spec.md §4.7's open/listen/accept FSM.
	SlowpathHandshakeTotal *prometheus.CounterVec

	// SlowpathRetransmitsTotal counts retransmit-monitor-triggered
	// CONNRETRAN admin entries.
	SlowpathRetransmitsTotal prometheus.Counter

	// SlowpathCCRate tracks the current pacing rate (kbps) the active CC
	// algorithm last computed for a connection, labeled by algorithm.
	SlowpathCCRate *prometheus.GaugeVec

	// AppsRegistered tracks the number of live application contexts
	// registered with the dataplane (internal/appif.Registry).
	AppsRegistered prometheus.Gauge
}

// NewCollector creates a Collector with every tasd metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DataplanePollsTotal,
		c.DataplaneKRXDrops,
		c.DataplaneGrantBytes,
		c.FlowsActive,
		c.SlowpathHandshakeTotal,
		c.SlowpathRetransmitsTotal,
		c.SlowpathCCRate,
		c.AppsRegistered,
	)

	return c
}

func newMetrics() *Collector {
	coreLabels := []string{labelCore}

	return &Collector{
		DataplanePollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataplane",
			Name:      "polls_total",
			Help:      "Total PollOnce iterations per fast-path core, labeled did_work=true|false.",
		}, []string{labelCore, "did_work"}),

		DataplaneKRXDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataplane",
			Name:      "krx_drops_total",
			Help:      "Total admin-queue entries dropped because the per-core kernel-rx queue was full.",
		}, coreLabels),

		DataplaneGrantBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataplane",
			Name:      "grant_bytes_total",
			Help:      "Total bytes granted by the queue manager's Poll, per core.",
		}, coreLabels),

		FlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataplane",
			Name:      "flows_active",
			Help:      "Number of flow-table entries currently in use, per core.",
		}, coreLabels),

		SlowpathHandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slowpath",
			Name:      "handshake_transitions_total",
			Help:      "Total handshake FSM transitions, labeled by the resulting state.",
		}, []string{"state"}),

		SlowpathRetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slowpath",
			Name:      "retransmits_total",
			Help:      "Total CONNRETRAN admin entries issued by the retransmit monitor.",
		}),

		SlowpathCCRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slowpath",
			Name:      "cc_rate_kbps",
			Help:      "Current pacing rate in kbps last computed by the active CC algorithm tick, per flow.",
		}, []string{labelFlowID, labelCC}),

		AppsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "appif",
			Name:      "apps_registered",
			Help:      "Number of live application contexts registered with the dataplane.",
		}),
	}
}

// -------------------------------------------------------------------------
// Dataplane
// -------------------------------------------------------------------------

// RecordPoll increments the per-core poll counter, labeled by whether
// the round reported work done.
func (c *Collector) RecordPoll(core int, didWork bool) {
	c.DataplanePollsTotal.WithLabelValues(coreLabel(core), boolLabel(didWork)).Inc()
}

// IncKRXDrops increments the per-core admin-queue drop counter.
func (c *Collector) IncKRXDrops(core int) {
	c.DataplaneKRXDrops.WithLabelValues(coreLabel(core)).Inc()
}

// AddGrantBytes adds n granted bytes to the per-core counter.
func (c *Collector) AddGrantBytes(core int, n uint32) {
	c.DataplaneGrantBytes.WithLabelValues(coreLabel(core)).Add(float64(n))
}

// SetFlowsActive sets the active flow-table entry gauge for a core.
func (c *Collector) SetFlowsActive(core int, n int) {
	c.FlowsActive.WithLabelValues(coreLabel(core)).Set(float64(n))
}

// -------------------------------------------------------------------------
// Slow path
// -------------------------------------------------------------------------

// RecordHandshakeTransition increments the handshake transition counter
// for the resulting state name.
func (c *Collector) RecordHandshakeTransition(state string) {
	c.SlowpathHandshakeTotal.WithLabelValues(state).Inc()
}

// IncRetransmits increments the retransmit-monitor counter.
func (c *Collector) IncRetransmits() {
	c.SlowpathRetransmitsTotal.Inc()
}

// SetCCRate records the pacing rate last computed for a flow.
func (c *Collector) SetCCRate(flowID uint32, algorithm string, rateKbps uint32) {
	c.SlowpathCCRate.WithLabelValues(flowIDLabel(flowID), algorithm).Set(float64(rateKbps))
}

// SetAppsRegistered sets the registered-application-context gauge.
func (c *Collector) SetAppsRegistered(n int) {
	c.AppsRegistered.Set(float64(n))
}

func coreLabel(core int) string {
	return strconv.Itoa(core)
}

func flowIDLabel(flowID uint32) string {
	return strconv.FormatUint(uint64(flowID), 10)
}

func boolLabel(b bool) string {
	return strconv.FormatBool(b)
}
