// Package flowtable implements the cuckoo-style open-addressed flow hash
// table (a.k.a. flowht) mapping a TCP 4-tuple to a flow_id, with bounded
// displacement within a fixed neighborhood and a lockless-read protocol
// (valid bit + hash compare + tuple compare) so a fast-path core can look
// a flow up without ever blocking on the slow path's concurrent inserts.
package flowtable

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/tcp-acceleration-service/tas-sub000/internal/taserr"
)

// Neighborhood is N in spec.md §4.3: the number of contiguous slots from
// a key's home that a lookup scans, and the bound within which an
// inserted entry's displacement from home must fall.
const Neighborhood = 4

// extendWindow is how far insert searches past the neighborhood for an
// empty slot to hopscotch an entry into, per spec.md §4.3 ("extend the
// window by 4N").
const extendWindow = 4 * Neighborhood

const (
	validBit       = uint32(1) << 31
	dispShift      = 24
	dispMask       = uint32(0x7F) << dispShift // 7 bits, max displacement 127
	flowIDMask     = uint32(1)<<dispShift - 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FourTuple identifies a flow.
type FourTuple struct {
	LocalIP, RemoteIP     uint32
	LocalPort, RemotePort uint16
}

// Hash returns the CRC32C hash of the tuple over
// (local_port | remote_port<<16, local_ip | remote_ip<<32), per
// spec.md §4.3.
func (t FourTuple) Hash() uint32 {
	var buf [12]byte
	ports := uint32(t.LocalPort) | uint32(t.RemotePort)<<16
	buf[0] = byte(ports)
	buf[1] = byte(ports >> 8)
	buf[2] = byte(ports >> 16)
	buf[3] = byte(ports >> 24)
	buf[4] = byte(t.LocalIP)
	buf[5] = byte(t.LocalIP >> 8)
	buf[6] = byte(t.LocalIP >> 16)
	buf[7] = byte(t.LocalIP >> 24)
	buf[8] = byte(t.RemoteIP)
	buf[9] = byte(t.RemoteIP >> 8)
	buf[10] = byte(t.RemoteIP >> 16)
	buf[11] = byte(t.RemoteIP >> 24)
	return crc32.Checksum(buf[:], crcTable)
}

// TupleSource resolves a flow_id back to its 4-tuple, so Lookup can do
// the final tuple-compare step without the flow table owning flow
// state itself (flow state lives in internal/flowstate).
type TupleSource interface {
	Tuple(flowID uint32) (FourTuple, bool)
}

type slot struct {
	hash atomic.Uint32
	word atomic.Uint32
}

// Table is the cuckoo/hopscotch flow hash table. The zero value is not
// usable; construct with New.
type Table struct {
	slots  []slot
	tuples TupleSource
}

// New constructs a Table with capacity entries (spec.md §6:
// FLOWHT_ENTRIES = FLOWST_NUM·2) and a TupleSource used to disambiguate
// hash collisions during lookup.
func New(entries int, tuples TupleSource) *Table {
	return &Table{slots: make([]slot, entries), tuples: tuples}
}

func (t *Table) home(hash uint32) int {
	return int(hash) % len(t.slots)
}

func wordValid(w uint32) bool       { return w&validBit != 0 }
func wordDisplacement(w uint32) int { return int((w & dispMask) >> dispShift) }
func wordFlowID(w uint32) uint32    { return w & flowIDMask }
func makeWord(displacement int, flowID uint32) uint32 {
	return validBit | (uint32(displacement)<<dispShift)&dispMask | (flowID & flowIDMask)
}

// Insert maps tuple to flowID. It returns a *taserr.Error with
// KindResourceExhaustion (FlowTableFull) if no slot within the
// extended hopscotch window can be freed for it.
func (t *Table) Insert(tuple FourTuple, flowID uint32) error {
	n := len(t.slots)
	hash := tuple.Hash()
	home := t.home(hash)

	// Fast path: an empty slot already within the neighborhood.
	for d := 0; d < Neighborhood; d++ {
		idx := (home + d) % n
		if !wordValid(t.slots[idx].word.Load()) {
			t.publish(idx, hash, d, flowID)
			return nil
		}
	}

	// Find any empty slot within the extended window.
	freeIdx := -1
	for d := Neighborhood; d < Neighborhood+extendWindow && d < n; d++ {
		idx := (home + d) % n
		if !wordValid(t.slots[idx].word.Load()) {
			freeIdx = idx
			break
		}
	}
	if freeIdx == -1 {
		return taserr.New(taserr.KindResourceExhaustion, "flowtable: full",
			taserr.WithField("home", home))
	}

	// Hopscotch: repeatedly pull the free slot closer to home by
	// relocating some entry within Neighborhood-1 slots before it whose
	// own home still reaches the free slot within the neighborhood
	// bound.
	for {
		dist := (freeIdx - home + n) % n
		if dist < Neighborhood {
			t.publish(freeIdx, hash, dist, flowID)
			return nil
		}

		moved := false
		for back := 1; back < Neighborhood; back++ {
			cand := (freeIdx - back + n) % n
			w := t.slots[cand].word.Load()
			if !wordValid(w) {
				continue
			}
			candHash := t.slots[cand].hash.Load()
			candHome := t.home(candHash)
			newDisp := (freeIdx - candHome + n) % n
			if newDisp < Neighborhood {
				// Relocate: publish destination before clearing source
				// (publication ordering per spec.md §4.3).
				candFlowID := wordFlowID(w)
				t.slots[freeIdx].hash.Store(candHash)
				t.slots[freeIdx].word.Store(makeWord(newDisp, candFlowID))
				t.slots[cand].word.Store(0)
				freeIdx = cand
				moved = true
				break
			}
		}
		if !moved {
			return taserr.New(taserr.KindResourceExhaustion, "flowtable: full (no hopscotch path)",
				taserr.WithField("home", home))
		}
	}
}

func (t *Table) publish(idx int, hash uint32, displacement int, flowID uint32) {
	t.slots[idx].hash.Store(hash)
	t.slots[idx].word.Store(makeWord(displacement, flowID))
}

// Lookup scans the neighborhood for tuple and returns its flow_id. At
// most one match ever exists (Insert guarantees 4-tuple uniqueness).
// The read order (flow_id/valid word, then hash, then the tuple itself)
// matches spec.md §4.3's lockless-read barrier discipline.
func (t *Table) Lookup(tuple FourTuple) (uint32, bool) {
	n := len(t.slots)
	hash := tuple.Hash()
	home := t.home(hash)

	for d := 0; d < Neighborhood; d++ {
		idx := (home + d) % n
		w := t.slots[idx].word.Load()
		if !wordValid(w) {
			continue
		}
		h := t.slots[idx].hash.Load()
		if h != hash {
			continue
		}
		flowID := wordFlowID(w)
		if t.tuples != nil {
			got, ok := t.tuples.Tuple(flowID)
			if !ok || got != tuple {
				continue
			}
		}
		return flowID, true
	}
	return 0, false
}

// Remove clears the VALID bit for tuple's entry, if present. No
// reshuffle is required: stale displacement is harmless because Lookup
// always hash-checks before trusting a slot.
func (t *Table) Remove(tuple FourTuple) bool {
	n := len(t.slots)
	hash := tuple.Hash()
	home := t.home(hash)

	for d := 0; d < Neighborhood; d++ {
		idx := (home + d) % n
		w := t.slots[idx].word.Load()
		if !wordValid(w) || t.slots[idx].hash.Load() != hash {
			continue
		}
		flowID := wordFlowID(w)
		if t.tuples != nil {
			got, ok := t.tuples.Tuple(flowID)
			if !ok || got != tuple {
				continue
			}
		}
		t.slots[idx].word.Store(w &^ validBit)
		return true
	}
	return false
}
