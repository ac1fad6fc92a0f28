// Package tcpseq implements wrapping TCP sequence-number arithmetic:
// comparisons that treat the 32-bit sequence space as circular, the way
// RFC 793 (and tas/fast/tcp_common.h's NBASE-relative macros) require.
package tcpseq

// LessThan reports whether a is before b in the wrapping sequence
// space, i.e. a < b when both are taken relative to some common origin
// with the usual 2^31 ambiguity resolved by signed-difference
// comparison.
func LessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

// LessOrEqual reports whether a is before or equal to b in the wrapping
// sequence space.
func LessOrEqual(a, b uint32) bool {
	return int32(a-b) <= 0
}

// InWindow reports whether seq lies in the half-open circular interval
// [start, start+length).
func InWindow(seq, start uint32, length uint32) bool {
	if length == 0 {
		return false
	}
	return seq-start < length
}

// Distance returns the signed distance from a to b (b - a) in the
// wrapping sequence space, positive when b is ahead of a.
func Distance(a, b uint32) int32 {
	return int32(b - a)
}

// Add returns seq+n in the wrapping sequence space.
func Add(seq uint32, n uint32) uint32 {
	return seq + n
}
