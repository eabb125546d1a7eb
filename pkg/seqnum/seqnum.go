// Package seqnum implements RFC-1982 style serial number arithmetic over the
// 32-bit sequence number space used by the Styx wire protocol.
//
// Naive integer comparison breaks near wraparound: a sequence number that
// has wrapped past 2^32 must still compare as "later" than one that hasn't.
// Value and Size give every ordering check in pkg/transfer, pkg/handshake
// and pkg/teardown a single, tested place to get that right.
package seqnum

// Value is a position in the 32-bit sequence number space.
type Value uint32

// Size is a distance between two Values, also taken modulo 2^32.
type Size uint32

// Add returns v advanced by delta sequence positions.
func (v Value) Add(delta Size) Value {
	return Value(uint32(v) + uint32(delta))
}

// Sub returns the number of positions w lies behind v (v - w).
func (v Value) Sub(w Value) Size {
	return Size(uint32(v) - uint32(w))
}

// LessThan reports whether v precedes w using serial-number comparison:
// v < w iff (w - v) mod 2^32 lies in the open lower half of the space.
func (v Value) LessThan(w Value) bool {
	return int32(uint32(w)-uint32(v)) > 0
}

// LessThanEq reports whether v precedes or equals w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange reports whether v lies in [lo, hi) using serial-number comparison.
func (v Value) InRange(lo, hi Value) bool {
	return lo.LessThanEq(v) && v.LessThan(hi)
}

// Max returns the later of a and b.
func Max(a, b Value) Value {
	if a.LessThan(b) {
		return b
	}
	return a
}
