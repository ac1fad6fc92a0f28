package shmring

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestEmptyFullInvariants(t *testing.T) {
	r := New(make([]byte, 16))
	if !r.Empty() {
		t.Fatal("new ring should be empty")
	}
	if r.FreeBytes() != 16 {
		t.Fatalf("free = %d, want 16", r.FreeBytes())
	}

	if err := r.Push(bytes.Repeat([]byte{0xAA}, 16)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !r.Full() {
		t.Fatal("ring should be full")
	}
	if r.FreeBytes() != 0 {
		t.Fatalf("free = %d, want 0", r.FreeBytes())
	}

	if err := r.Push([]byte{1}); err == nil {
		t.Fatal("push into full ring should fail")
	}
}

func TestPushPopWraparound(t *testing.T) {
	r := New(make([]byte, 8))
	// Force write_pos near the end so a subsequent push wraps.
	if err := r.Push([]byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := r.Pop(out, 4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", out)
	}
	// write_pos is at 6, read_pos at 4, free = 8-6+4 = 6.
	if err := r.Push([]byte{7, 8, 9, 10}); err != nil {
		t.Fatalf("wrapping push: %v", err)
	}
	out2 := make([]byte, 6)
	if err := r.Pop(out2, 6); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out2, []byte{5, 6, 7, 8, 9, 10}) {
		t.Fatalf("got %v", out2)
	}
}

// TestSPSCRoundTrip is property 1 from spec.md §8: alternating
// push(s)/pop(n) with n ≤ |s| preserves byte order, and
// free_bytes + used_bytes == ring_size always holds.
func TestSPSCRoundTrip(t *testing.T) {
	const ringSize = 64
	r := New(make([]byte, ringSize))

	var sent, received bytes.Buffer
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		if r.FreeBytes()+r.UsedBytes() != ringSize {
			t.Fatalf("free+used = %d, want %d", r.FreeBytes()+r.UsedBytes(), ringSize)
		}

		if r.FreeBytes() > 0 && rng.IntN(2) == 0 {
			n := 1 + rng.IntN(min(r.FreeBytes(), 10))
			chunk := make([]byte, n)
			for j := range chunk {
				chunk[j] = byte(rng.IntN(256))
			}
			if err := r.Push(chunk); err != nil {
				t.Fatalf("push: %v", err)
			}
			sent.Write(chunk)
		} else if r.UsedBytes() > 0 {
			n := 1 + rng.IntN(min(r.UsedBytes(), 10))
			out := make([]byte, n)
			if err := r.Pop(out, n); err != nil {
				t.Fatalf("pop: %v", err)
			}
			received.Write(out)
		}
	}

	// Drain whatever remains.
	for r.UsedBytes() > 0 {
		out := make([]byte, r.UsedBytes())
		if err := r.Pop(out, len(out)); err != nil {
			t.Fatal(err)
		}
		received.Write(out)
	}

	if !bytes.Equal(sent.Bytes(), received.Bytes()) {
		t.Fatalf("byte stream mismatch: sent %d bytes, received %d bytes", sent.Len(), received.Len())
	}
}

func TestReadDoesNotAdvance(t *testing.T) {
	r := New(make([]byte, 8))
	if err := r.Push([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 3)
	if err := r.Read(out, 3); err != nil {
		t.Fatal(err)
	}
	if r.UsedBytes() != 3 {
		t.Fatalf("read should not advance read_pos, used = %d", r.UsedBytes())
	}
}
