// Package shmring implements the fixed-capacity single-producer/
// single-consumer byte ring used for the guest↔host proxy control
// channel: a header of {write_pos, read_pos, full, ring_size} over a
// byte slice that may be backed by ordinary memory or by a shared-memory
// mapping, with wrap-around handled as two fragments and an explicit
// memory-barrier discipline between producer and consumer.
package shmring

import (
	"sync/atomic"

	"github.com/tcp-acceleration-service/tas-sub000/internal/taserr"
)

// Ring is an SPSC byte ring. The zero value is not usable; construct
// with New. A *Ring is safe for concurrent use by exactly one producer
// goroutine calling Push and one consumer goroutine calling Pop/Read,
// per the SPSC contract — it is not safe for multiple producers or
// multiple consumers.
type Ring struct {
	buf      []byte
	writePos atomic.Uint64
	readPos  atomic.Uint64
	full     atomic.Bool
}

// New constructs a Ring over buf, which becomes the ring's backing
// store (capacity = len(buf)). The ring starts empty.
func New(buf []byte) *Ring {
	return &Ring{buf: buf}
}

// Cap returns the ring's total capacity in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// Empty reports whether the ring currently holds no bytes.
func (r *Ring) Empty() bool {
	return !r.full.Load() && r.readPos.Load() == r.writePos.Load()
}

// Full reports whether the ring currently holds Cap() bytes.
func (r *Ring) Full() bool { return r.full.Load() }

// FreeBytes returns the number of bytes that may currently be pushed.
func (r *Ring) FreeBytes() int {
	if r.Empty() {
		return len(r.buf)
	}
	if r.full.Load() {
		return 0
	}
	wp := int(r.writePos.Load())
	rp := int(r.readPos.Load())
	if wp > rp {
		return (len(r.buf) - wp) + rp
	}
	return rp - wp
}

// UsedBytes returns the number of bytes currently stored.
func (r *Ring) UsedBytes() int { return len(r.buf) - r.FreeBytes() }

// Push copies src into the ring. It fails with a KindTransientWouldBlock
// *taserr.Error (RingInsufficientSpace) if src does not fit in the
// current free space. The payload is fully written before write_pos is
// published, so a concurrent reader never observes a partially written
// region.
func (r *Ring) Push(src []byte) error {
	n := len(src)
	if n == 0 {
		return nil
	}
	if n > r.FreeBytes() {
		return taserr.New(taserr.KindTransientWouldBlock, "shmring: insufficient space",
			taserr.WithField("requested", n), taserr.WithField("free", r.FreeBytes()))
	}

	wp := int(r.writePos.Load())
	size := len(r.buf)
	tail := size - wp
	if tail < n {
		copy(r.buf[wp:], src[:tail])
		copy(r.buf[0:], src[tail:])
	} else {
		copy(r.buf[wp:wp+n], src)
	}

	newWP := (wp + n) % size
	r.writePos.Store(uint64(newWP))
	if newWP == int(r.readPos.Load()) {
		r.full.Store(true)
	}
	return nil
}

// Pop copies the next n bytes out of the ring into dst (which must have
// length ≥ n) and advances read_pos. It fails with a
// KindTransientWouldBlock *taserr.Error (RingInsufficientData) if fewer
// than n bytes are available.
func (r *Ring) Pop(dst []byte, n int) error {
	if n == 0 {
		return nil
	}
	if n > r.UsedBytes() {
		return taserr.New(taserr.KindTransientWouldBlock, "shmring: insufficient data",
			taserr.WithField("requested", n), taserr.WithField("used", r.UsedBytes()))
	}

	if err := r.peek(dst, n); err != nil {
		return err
	}

	rp := int(r.readPos.Load())
	size := len(r.buf)
	newRP := (rp + n) % size
	r.readPos.Store(uint64(newRP))
	r.full.Store(false)
	return nil
}

// Read peeks at the next n bytes without advancing read_pos.
func (r *Ring) Read(dst []byte, n int) error {
	if n == 0 {
		return nil
	}
	if n > r.UsedBytes() {
		return taserr.New(taserr.KindTransientWouldBlock, "shmring: insufficient data",
			taserr.WithField("requested", n), taserr.WithField("used", r.UsedBytes()))
	}
	return r.peek(dst, n)
}

func (r *Ring) peek(dst []byte, n int) error {
	rp := int(r.readPos.Load())
	size := len(r.buf)
	tail := size - rp
	if tail < n {
		copy(dst, r.buf[rp:])
		copy(dst[tail:], r.buf[:n-tail])
	} else {
		copy(dst, r.buf[rp:rp+n])
	}
	return nil
}
