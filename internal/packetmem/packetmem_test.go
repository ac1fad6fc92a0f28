package packetmem

import (
	"math/rand/v2"
	"testing"
)

func TestAllocFreeBasic(t *testing.T) {
	a := New(1024)
	h1, err := a.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Base != 0 || h1.Len != 256 {
		t.Fatalf("h1 = %+v", h1)
	}

	h2, err := a.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Base != 256 {
		t.Fatalf("h2.Base = %d, want 256", h2.Base)
	}

	if err := a.Free(h1); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h2); err != nil {
		t.Fatal(err)
	}
	if !a.WholeRegionFree() {
		t.Fatal("region should be fully coalesced after freeing both handles")
	}
}

func TestNoSpace(t *testing.T) {
	a := New(100)
	if _, err := a.Alloc(50); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(51); err == nil {
		t.Fatal("expected NoSpace error")
	}
}

// TestRoundTripProperty is property 2 from spec.md §8: for any sequence
// of alloc/free that respects capacity, after freeing all outstanding
// handles the free list contains exactly one node spanning the original
// region.
func TestRoundTripProperty(t *testing.T) {
	const regionSize = 4096
	rng := rand.New(rand.NewPCG(7, 9))

	for trial := 0; trial < 50; trial++ {
		a := New(regionSize)
		var outstanding []Handle
		used := uint64(0)

		for i := 0; i < 200; i++ {
			if len(outstanding) > 0 && rng.IntN(2) == 0 {
				idx := rng.IntN(len(outstanding))
				h := outstanding[idx]
				if err := a.Free(h); err != nil {
					t.Fatal(err)
				}
				used -= h.Len
				outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
				continue
			}
			length := uint64(1 + rng.IntN(200))
			if used+length > regionSize {
				continue
			}
			h, err := a.Alloc(length)
			if err != nil {
				continue
			}
			used += length
			outstanding = append(outstanding, h)
		}

		for _, h := range outstanding {
			if err := a.Free(h); err != nil {
				t.Fatal(err)
			}
		}

		if !a.WholeRegionFree() {
			t.Fatalf("trial %d: region not fully coalesced, free nodes = %d", trial, a.FreeNodeCount())
		}
	}
}
