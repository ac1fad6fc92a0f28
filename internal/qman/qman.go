// Package qman implements the two-level hierarchical queue manager
// (pacer) described in spec.md §4.6: an outer ring of VMs served by
// deficit round robin, and per VM a rate-limited priority queue
// ("skiplist" in the source terminology — here a virtual-time-ordered
// min-heap, see DESIGN.md) interleaved with a no-limit FIFO list.
package qman

import (
	"container/heap"
	"container/list"
	"sync"

	"github.com/tcp-acceleration-service/tas-sub000/internal/tcpseq"
)

// SetFlags mirrors qman_set's flag bits (spec.md §4.6).
type SetFlags uint8

const (
	SetRate SetFlags = 1 << iota
	SetMaxChunk
	SetAvail
	AddAvail
)

// Grant is one (flow_id, bytes) grant emitted by Poll.
type Grant struct {
	VMID   uint64
	FlowID uint32
	Bytes  uint32
}

type queueKind int

const (
	queueNone queueKind = iota
	querySkiplist
	queueNolimit
)

type flowQueue struct {
	flowID   uint32
	nextTS   uint32
	rate     uint32 // kbps; 0 means unlimited (nolimit list)
	avail    uint32
	maxChunk uint32
	on       queueKind

	heapIndex int           // for container/heap
	listElem  *list.Element // for the nolimit FIFO
}

// vmHeap is a min-heap of *flowQueue ordered by nextTS (virtual time),
// relative to a moving ts_virtual origin via tcpseq.LessThan so 32-bit
// wraparound is handled the way the rest of the fast path handles
// sequence numbers.
type vmHeap []*flowQueue

func (h vmHeap) Len() int { return len(h) }
func (h vmHeap) Less(i, j int) bool {
	return tcpseq.LessThan(h[i].nextTS, h[j].nextTS)
}
func (h vmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *vmHeap) Push(x any) {
	fq := x.(*flowQueue)
	fq.heapIndex = len(*h)
	*h = append(*h, fq)
}
func (h *vmHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// VM is one tenant sharing a pacer slice (spec.md glossary).
type VM struct {
	id       uint64
	dc       int64 // deficit counter, bytes remaining this pass
	quantum  int64
	skipFirst bool // alternation flag between skiplist/nolimit

	skiplist vmHeap
	nolimit  list.List

	queues map[uint32]*flowQueue
}

func newVM(id uint64, quantum int64) *VM {
	return &VM{id: id, quantum: quantum, dc: quantum, queues: make(map[uint32]*flowQueue)}
}

func (v *VM) hasWork() bool {
	return len(v.skiplist) > 0 || v.nolimit.Len() > 0
}

// Manager is the per-dataplane-core queue manager.
type Manager struct {
	mu         sync.Mutex
	vms        map[uint64]*VM
	activeRing []uint64
	tsVirtual  uint32
	quantum    int64
}

// New constructs a Manager. quantum is DC/QUANTUM = BATCH·MSS in bytes.
func New(quantum int64) *Manager {
	return &Manager{vms: make(map[uint64]*VM), quantum: quantum}
}

func (m *Manager) vm(vmID uint64) *VM {
	vm, ok := m.vms[vmID]
	if !ok {
		vm = newVM(vmID, m.quantum)
		m.vms[vmID] = vm
	}
	return vm
}

func (m *Manager) activate(vm *VM, fq *flowQueue) {
	if fq.rate == 0 {
		fq.on = queueNolimit
		fq.listElem = vm.nolimit.PushBack(fq)
	} else {
		fq.on = querySkiplist
		heap.Push(&vm.skiplist, fq)
	}
	if !m.vmInRing(vm.id) {
		m.activeRing = append(m.activeRing, vm.id)
	}
}

func (m *Manager) vmInRing(id uint64) bool {
	for _, v := range m.activeRing {
		if v == id {
			return true
		}
	}
	return false
}

// Set implements qman_set(id, rate, avail, max_chunk, flags). SET_RATE
// and SET_MAXCHUNK overwrite; SET_AVAIL replaces, ADD_AVAIL accumulates;
// if avail becomes positive and the queue is not currently on any list,
// it is activated (nolimit if rate==0, else skiplist).
func (m *Manager) Set(vmID uint64, flowID uint32, rate, avail, maxChunk uint32, flags SetFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.vm(vmID)
	fq, ok := v.queues[flowID]
	if !ok {
		fq = &flowQueue{flowID: flowID}
		v.queues[flowID] = fq
	}

	if flags&SetRate != 0 {
		fq.rate = rate
	}
	if flags&SetMaxChunk != 0 {
		fq.maxChunk = maxChunk
	}
	if flags&SetAvail != 0 {
		fq.avail = avail
	} else if flags&AddAvail != 0 {
		fq.avail += avail
	}

	if fq.avail > 0 && fq.on == queueNone {
		fq.nextTS = m.tsVirtual
		m.activate(v, fq)
	}
}

// Poll implements qman_poll(batch): serve VMs in the active ring head
// first, alternating poll_skiplist/poll_nolimit within each VM's turn
// per its alternation flag, up to batch grants total. Each VM in the
// ring at entry gets at most one turn per call.
func (m *Manager) Poll(batch int, nowVirtual uint32) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	var grants []Grant

	for turns := len(m.activeRing); turns > 0 && len(m.activeRing) > 0 && len(grants) < batch; turns-- {
		vmID := m.activeRing[0]
		m.activeRing = m.activeRing[1:]
		v := m.vms[vmID]

		order := [2]queueKind{querySkiplist, queueNolimit}
		if !v.skipFirst {
			order = [2]queueKind{queueNolimit, querySkiplist}
		}
		v.skipFirst = !v.skipFirst

		for _, kind := range order {
			if v.dc <= 0 || len(grants) >= batch {
				break
			}
			switch kind {
			case querySkiplist:
				m.pollSkiplist(v, nowVirtual, &grants, batch)
			case queueNolimit:
				m.pollNolimit(v, &grants, batch)
			}
		}

		v.dc += v.quantum
		if v.hasWork() && !m.vmInRing(vmID) {
			m.activeRing = append(m.activeRing, vmID)
		}
	}

	return grants
}

func (m *Manager) pollSkiplist(v *VM, nowVirtual uint32, grants *[]Grant, batch int) {
	maxVTS := nowVirtual
	for {
		if len(v.skiplist) == 0 {
			m.tsVirtual = maxVTS
			return
		}
		head := v.skiplist[0]
		if tcpseq.LessThan(maxVTS, head.nextTS) {
			m.tsVirtual = maxVTS
			return
		}
		if v.dc <= 0 || len(*grants) >= batch {
			return
		}
		heap.Pop(&v.skiplist)
		head.on = queueNone
		m.tsVirtual = head.nextTS
		m.queueFire(v, head, grants)
	}
}

func (m *Manager) pollNolimit(v *VM, grants *[]Grant, batch int) {
	for v.nolimit.Len() > 0 && v.dc > 0 && len(*grants) < batch {
		e := v.nolimit.Front()
		fq := e.Value.(*flowQueue)
		v.nolimit.Remove(e)
		fq.on = queueNone
		fq.listElem = nil
		m.queueFire(v, fq, grants)
	}
}

// queueFire implements queue_fire: bytes = min(avail, max_chunk, DC);
// decrement avail and DC; if rate>0 set next_ts; if avail remains,
// re-activate on the appropriate list; emit the grant.
func (m *Manager) queueFire(v *VM, fq *flowQueue, grants *[]Grant) {
	bytes := fq.avail
	if fq.maxChunk < bytes {
		bytes = fq.maxChunk
	}
	if uint32(v.dc) < bytes {
		bytes = uint32(v.dc)
	}

	fq.avail -= bytes
	if fq.rate > 0 {
		fq.nextTS = m.tsVirtual + bytes*8*1_000_000/fq.rate
	}
	v.dc -= int64(bytes)

	if fq.avail > 0 {
		m.activate(v, fq)
	}

	*grants = append(*grants, Grant{VMID: v.id, FlowID: fq.flowID, Bytes: bytes})
}

// NextTS implements qman_next_ts(now): -1 if no active VMs; 0 if the
// head VM has nolimit work or a skiplist head at or before now_virtual;
// else the microsecond horizon until the head VM's skiplist head fires.
func (m *Manager) NextTS(nowVirtual uint32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.activeRing) == 0 {
		return -1
	}
	v := m.vms[m.activeRing[0]]
	if v.nolimit.Len() > 0 {
		return 0
	}
	if len(v.skiplist) > 0 && !tcpseq.LessThan(nowVirtual, v.skiplist[0].nextTS) {
		return 0
	}
	if len(v.skiplist) == 0 {
		return -1
	}
	return int64(tcpseq.Distance(nowVirtual, v.skiplist[0].nextTS))
}

// VMOrder returns the current active-ring order of VM ids, for tests
// asserting round-robin fairness (spec.md §8 scenario S6).
func (m *Manager) VMOrder() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.activeRing))
	copy(out, m.activeRing)
	return out
}
