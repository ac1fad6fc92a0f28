// Package packetmem implements the first-fit free-list allocator that
// carves a single contiguous DMA-visible region into variable-length
// extents for per-flow rx/tx buffers and per-context admin queues,
// merging adjacent free extents back together on free.
package packetmem

import (
	"container/list"
	"sync"

	"github.com/tcp-acceleration-service/tas-sub000/internal/taserr"
)

// Handle identifies an outstanding allocation.
type Handle struct {
	Base uint64
	Len  uint64
}

type extent struct {
	base uint64
	len  uint64
}

// Allocator is a first-fit free-list allocator over a fixed-size region
// [0, size). It is safe for concurrent use.
type Allocator struct {
	mu    sync.Mutex
	size  uint64
	free  *list.List // ordered by base, ascending; elements are *extent
	inUse map[uint64]uint64 // base -> len, for Free's bookkeeping
}

// New constructs an Allocator over a region of the given size, starting
// as one large free extent spanning the whole region.
func New(size uint64) *Allocator {
	a := &Allocator{
		size:  size,
		free:  list.New(),
		inUse: make(map[uint64]uint64),
	}
	a.free.PushBack(&extent{base: 0, len: size})
	return a
}

// Alloc returns a Handle to a len-byte extent, first-fit: the first
// free node large enough is used, exactly consumed if it matches len,
// otherwise split (the allocation takes the front of the node, the
// remainder stays free at the same position in the ordered list).
func (a *Allocator) Alloc(length uint64) (Handle, error) {
	if length == 0 {
		return Handle{}, taserr.New(taserr.KindConfig, "packetmem: zero-length allocation")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for e := a.free.Front(); e != nil; e = e.Next() {
		ext := e.Value.(*extent)
		if ext.len < length {
			continue
		}
		base := ext.base
		if ext.len == length {
			a.free.Remove(e)
		} else {
			ext.base += length
			ext.len -= length
		}
		a.inUse[base] = length
		return Handle{Base: base, Len: length}, nil
	}

	return Handle{}, taserr.New(taserr.KindResourceExhaustion, "packetmem: no space",
		taserr.WithField("requested", length))
}

// Free returns h's extent to the free list, re-inserted in base order
// and merged with an adjacent left or right neighbor if contiguous.
func (a *Allocator) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	storedLen, ok := a.inUse[h.Base]
	if !ok || storedLen != h.Len {
		return taserr.New(taserr.KindFatal, "packetmem: free of unknown handle",
			taserr.WithField("base", h.Base), taserr.WithField("len", h.Len))
	}
	delete(a.inUse, h.Base)

	// Find insertion point keeping the list ordered by base.
	var insertBefore *list.Element
	for e := a.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*extent).base > h.Base {
			insertBefore = e
			break
		}
	}

	newExt := &extent{base: h.Base, len: h.Len}
	var node *list.Element
	if insertBefore != nil {
		node = a.free.InsertBefore(newExt, insertBefore)
	} else {
		node = a.free.PushBack(newExt)
	}

	// Merge with the right neighbor if adjacent.
	if next := node.Next(); next != nil {
		n := next.Value.(*extent)
		if newExt.base+newExt.len == n.base {
			newExt.len += n.len
			a.free.Remove(next)
		}
	}
	// Merge with the left neighbor if adjacent.
	if prev := node.Prev(); prev != nil {
		p := prev.Value.(*extent)
		if p.base+p.len == newExt.base {
			p.len += newExt.len
			a.free.Remove(node)
		}
	}

	return nil
}

// FreeNodeCount returns the number of disjoint free extents, used by
// tests to check the round-trip invariant (after freeing every
// outstanding handle, exactly one node should remain, spanning the
// whole region).
func (a *Allocator) FreeNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}

// WholeRegionFree reports whether the free list consists of exactly one
// node spanning [0, size).
func (a *Allocator) WholeRegionFree() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free.Len() != 1 {
		return false
	}
	e := a.free.Front().Value.(*extent)
	return e.base == 0 && e.len == a.size
}
