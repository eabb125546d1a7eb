// Package segment implements the Styx wire format: a fixed 9-byte header
// (sequence number, ack number, flags) followed by zero or more payload
// bytes. There is no magic number, no version, and no checksum; the
// datagram substrate is assumed to deliver whole segments or nothing.
package segment

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/0xReLogic/styx/pkg/seqnum"
)

// Flag bits. Reserved bits (anything outside this mask) must be zero on
// emit and are rejected on receipt.
const (
	SYN uint8 = 1 << 0
	ACK uint8 = 1 << 1
	FIN uint8 = 1 << 2

	knownFlagsMask = SYN | ACK | FIN
)

// HeaderLen is the fixed size, in bytes, of every segment's header.
const HeaderLen = 9

// ErrMalformed is returned by Decode when the input is too short to hold a
// header, or when it sets a reserved flag bit.
var ErrMalformed = errors.New("malformed segment")

// Segment is the atomic wire unit exchanged between two Styx endpoints.
type Segment struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Payload []byte
}

// HasFlag reports whether every bit in flag is set in s.Flags.
func (s Segment) HasFlag(flag uint8) bool {
	return s.Flags&flag == flag
}

// Len returns the number of sequence positions s occupies: len(Payload)
// for a data segment, or 1 for a bare SYN/FIN with no payload, matching
// classical TCP semantics.
func (s Segment) Len() seqnum.Size {
	if n := len(s.Payload); n > 0 {
		return seqnum.Size(n)
	}
	if s.HasFlag(SYN) || s.HasFlag(FIN) {
		return 1
	}
	return 0
}

// Encode serializes s into a freshly allocated byte slice. It never fails:
// big-endian Seq (4B), big-endian Ack (4B), Flags (1B), then the payload
// verbatim.
func Encode(s Segment) []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.Seq))
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Ack))
	buf[8] = s.Flags
	copy(buf[HeaderLen:], s.Payload)
	return buf
}

// Decode parses b into a Segment. It fails with ErrMalformed if b is
// shorter than HeaderLen or sets any reserved flag bit. Trailing bytes past
// the header are copied as the payload; there is no length field.
func Decode(b []byte) (Segment, error) {
	if len(b) < HeaderLen {
		return Segment{}, errors.Wrapf(ErrMalformed, "got %d bytes, need at least %d", len(b), HeaderLen)
	}
	flags := b[8]
	if flags&^knownFlagsMask != 0 {
		return Segment{}, errors.Wrapf(ErrMalformed, "reserved flag bits set: %#02x", flags)
	}
	s := Segment{
		Seq:   seqnum.Value(binary.BigEndian.Uint32(b[0:4])),
		Ack:   seqnum.Value(binary.BigEndian.Uint32(b[4:8])),
		Flags: flags,
	}
	if n := len(b) - HeaderLen; n > 0 {
		s.Payload = make([]byte, n)
		copy(s.Payload, b[HeaderLen:])
	}
	return s, nil
}
