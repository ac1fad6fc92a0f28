package slowpath

import (
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowstate"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
)

// Dataplane is the slow path's view of the fast-path cores: enough to
// install a new flow (nicif_connection_add), reprice it
// (nicif_connection_setrate), and trigger a retransmit
// (nicif_connection_retransmit), without this package importing
// internal/dataplane directly. cmd/tasd implements this over its live
// *dataplane.Core slice and the shared flow table.
type Dataplane interface {
	// CoreForFlow returns the RSS-sharded core index tuple will be
	// steered to.
	CoreForFlow(tuple flowtable.FourTuple) int

	// InsertFlow adds tuple to the shared flow hash table.
	InsertFlow(tuple flowtable.FourTuple, flowID uint32) error

	// AddFlow installs f's fast-path state on core (nicif_connection_add's
	// flow-state half).
	AddFlow(core int, f *flowstate.Flow)

	// SetRate reprices a flow's pacer entry (nicif_connection_setrate).
	SetRate(core int, flowID uint32, rateKbps uint32)

	// Retransmit requests the owning core replay a flow's unacked tail
	// (nicif_connection_retransmit).
	Retransmit(core int, flowID uint32)

	// FlowSnapshot reads a flow's counters for a CC tick and the
	// retransmit monitor; ok is false if the flow no longer exists.
	FlowSnapshot(core int, flowID uint32) (FlowCounters, bool)
}

// FlowCounters is the subset of flowstate.Flow a CC tick or the
// retransmit monitor reads.
type FlowCounters struct {
	CntTxDrops    uint64
	CntRxAcks     uint64
	CntRxAckBytes uint64
	CntRxECNBytes uint64
	RTTEstUs      uint32
	TxSent        uint32
	TxLen         uint32
}
