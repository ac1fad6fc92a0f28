package main

import (
	"sync"

	"github.com/tcp-acceleration-service/tas-sub000/internal/appif"
	"github.com/tcp-acceleration-service/tas-sub000/internal/dataplane"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowstate"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/slowpath"
)

// tasDataplane bridges the slow path's Dataplane interface and the flow
// table's TupleSource interface onto a live slice of *dataplane.Core.
// It never holds fast-path state itself beyond the lookup maps needed
// to cross from a flow_id back to a core/tuple/flow pointer — the
// actual flow record lives on its owning core, mutated under
// flowstate.Flow.Lock the same way nicif_connection_setrate would
// reach across cores in the original design.
type tasDataplane struct {
	cores []*dataplane.Core

	tuples sync.Map // uint32 flowID -> flowtable.FourTuple
	flows  sync.Map // uint32 flowID -> *flowstate.Flow
	owner  sync.Map // uint32 flowID -> int core index
}

func newTasDataplane() *tasDataplane {
	return &tasDataplane{}
}

// setCores finishes construction once the per-core Tables (which need
// this tasDataplane as their TupleSource) have been built.
func (d *tasDataplane) setCores(cores []*dataplane.Core) {
	d.cores = cores
}

// Tuple implements flowtable.TupleSource.
func (d *tasDataplane) Tuple(flowID uint32) (flowtable.FourTuple, bool) {
	v, ok := d.tuples.Load(flowID)
	if !ok {
		return flowtable.FourTuple{}, false
	}
	return v.(flowtable.FourTuple), true
}

// CoreForFlow implements slowpath.Dataplane: RSS steering is modeled
// as tuple-hash-mod-cores, matching the indirection table a real NIC
// would be programmed with.
func (d *tasDataplane) CoreForFlow(tuple flowtable.FourTuple) int {
	return int(tuple.Hash() % uint32(len(d.cores)))
}

// InsertFlow implements slowpath.Dataplane.
func (d *tasDataplane) InsertFlow(tuple flowtable.FourTuple, flowID uint32) error {
	core := d.CoreForFlow(tuple)
	if err := d.cores[core].Table.Insert(tuple, flowID); err != nil {
		return err
	}
	d.tuples.Store(flowID, tuple)
	d.owner.Store(flowID, core)
	return nil
}

// AddFlow implements slowpath.Dataplane by pushing onto the owning
// core's Forwarded ring, the same cross-goroutine-safe path a real RSS
// steering change would use to hand a flow to a new core.
func (d *tasDataplane) AddFlow(core int, f *flowstate.Flow) {
	d.flows.Store(f.FlowID, f)
	d.cores[core].Forwarded <- dataplane.ForwardedFlow{Flow: f}
}

// SetRate implements slowpath.Dataplane by taking the flow's spinlock,
// the primitive flowstate.Flow documents as safe for cross-goroutine
// slow-path mutation.
func (d *tasDataplane) SetRate(core int, flowID uint32, rateKbps uint32) {
	f, ok := d.flow(flowID)
	if !ok {
		return
	}
	f.Lock.Lock()
	f.TxRate = rateKbps
	f.Lock.Unlock()
}

// Retransmit implements slowpath.Dataplane by posting a KTXConnRetran
// admin command onto the owning core's KernelTX queue, drained by that
// core's own pollKernel step.
func (d *tasDataplane) Retransmit(core int, flowID uint32) {
	if core < 0 || core >= len(d.cores) {
		return
	}
	d.cores[core].KernelTX <- appif.KTX{Type: appif.KTXConnRetran, FlowID: flowID}
}

// FlowSnapshot implements slowpath.Dataplane.
func (d *tasDataplane) FlowSnapshot(core int, flowID uint32) (slowpath.FlowCounters, bool) {
	f, ok := d.flow(flowID)
	if !ok {
		return slowpath.FlowCounters{}, false
	}
	f.Lock.Lock()
	defer f.Lock.Unlock()
	return slowpath.FlowCounters{
		CntTxDrops:    f.CntTxDrops,
		CntRxAcks:     f.CntRxAcks,
		CntRxAckBytes: f.CntRxAckBytes,
		CntRxECNBytes: f.CntRxECNBytes,
		RTTEstUs:      f.RTTEst,
		TxSent:        f.TxSent,
		TxLen:         f.TxLen,
	}, true
}

func (d *tasDataplane) flow(flowID uint32) (*flowstate.Flow, bool) {
	v, ok := d.flows.Load(flowID)
	if !ok {
		return nil, false
	}
	return v.(*flowstate.Flow), true
}

// removeFlow drops every bookkeeping entry for a closed flow.
func (d *tasDataplane) removeFlow(flowID uint32) {
	d.tuples.Delete(flowID)
	d.flows.Delete(flowID)
	d.owner.Delete(flowID)
}
