// Package transfer implements the Styx reliable transfer engine: a
// Go-Back-N sender with a single retransmission timer rooted at snd_una,
// and a cumulative receiver that never buffers out-of-order segments.
//
// The outstanding-segment buffer is a plain slice ordered by sequence
// number: Go-Back-N never removes from the middle, and the buffer's
// sequence set is always exactly [snd_una, snd_nxt).
package transfer

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
)

// MaxPayloadSize bounds a single data segment's payload so it fits well
// within MaxDatagramSize alongside the 9-byte header.
const MaxPayloadSize = 512

// ErrAbortedByPeerFIN is returned by Sender.Send when the peer's FIN
// arrives mid-transfer: further data acceptance stops and any buffered
// sender data is discarded. The caller (pkg/styxsocket) is responsible
// for then driving the passive close sequence with the returned FIN
// segment.
type ErrAbortedByPeerFIN struct {
	FIN segment.Segment
}

func (e *ErrAbortedByPeerFIN) Error() string {
	return "aborted: peer FIN received mid-transfer"
}

type outstanding struct {
	seg    segment.Segment
	endSeq seqnum.Value
}

// Sender is a Go-Back-N sender for one connection. It is not safe for
// concurrent use; the engine is single-threaded per connection.
type Sender struct {
	ep         *datagram.Endpoint
	window     uint32
	rto        time.Duration
	poll       time.Duration
	singlePoll time.Duration

	base seqnum.Value // snd_una: lowest unacknowledged sequence number
	next seqnum.Value // snd_nxt: next sequence number to assign

	buffer []outstanding

	timerRunning bool
	timerStart   time.Time
}

// NewSender creates a Sender whose first data byte will carry sequence
// number iss (the connection's snd_nxt as established by the handshake).
// poll is the short ack-poll quantum used while the window is pipelining;
// singlePoll is the longer quantum used when exactly one segment is in
// flight and there is nothing left to admit, where tight polling buys
// nothing.
func NewSender(ep *datagram.Endpoint, iss seqnum.Value, window uint32, rto, poll, singlePoll time.Duration) *Sender {
	return &Sender{
		ep:         ep,
		window:     window,
		rto:        rto,
		poll:       poll,
		singlePoll: singlePoll,
		base:       iss,
		next:       iss,
	}
}

// Base returns snd_una, the lowest unacknowledged sequence number.
func (s *Sender) Base() seqnum.Value { return s.base }

// Next returns snd_nxt, the next sequence number to be assigned.
func (s *Sender) Next() seqnum.Value { return s.next }

// BufferedSeqs returns the set of sequence numbers currently buffered
// unacknowledged, for invariant checks and tests.
func (s *Sender) BufferedSeqs() []seqnum.Value {
	out := make([]seqnum.Value, 0, len(s.buffer))
	for _, o := range s.buffer {
		out = append(out, o.seg.Seq)
	}
	return out
}

func (s *Sender) startTimerIfIdle() {
	if !s.timerRunning {
		s.timerRunning = true
		s.timerStart = time.Now()
	}
}

func (s *Sender) restartTimer() {
	s.timerRunning = true
	s.timerStart = time.Now()
}

func (s *Sender) clearTimer() {
	s.timerRunning = false
}

func (s *Sender) timerExpired() bool {
	return s.timerRunning && time.Since(s.timerStart) > s.rto
}

// chunk splits data into segments no larger than MaxPayloadSize each.
func chunk(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > MaxPayloadSize {
			n = MaxPayloadSize
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Send reliably delivers data to the peer as one or more segments,
// admitting new segments into flight while the window allows, retransmitting
// on RTO expiry, and advancing the window base on cumulative ACKs. It
// blocks until every byte has been acknowledged.
//
// The window bounds the count of outstanding segments in the buffer, not
// a byte range, which keeps byte-accurate sequencing compatible with a
// segment-counted window.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	queued := chunk(data)

	for len(queued) > 0 || len(s.buffer) > 0 {
		// (i) admit new segments while the window allows and data remains.
		for uint32(len(s.buffer)) < s.window && len(queued) > 0 {
			payload := queued[0]
			queued = queued[1:]
			seg := segment.Segment{Seq: s.next, Flags: 0, Payload: payload}
			end := s.next.Add(seqnum.Size(len(payload)))
			if len(payload) == 0 {
				// A zero-length data segment carries no sequence advance
				// and is never meaningfully retransmitted; skip emitting
				// it entirely rather than stalling the window on it.
				continue
			}
			if err := s.ep.Send(segment.Encode(seg)); err != nil {
				return err
			}
			s.buffer = append(s.buffer, outstanding{seg: seg, endSeq: end})
			s.next = end
			s.startTimerIfIdle()
			dlog.Debugf(ctx, "sent seq=%d len=%d", seg.Seq, len(payload))
		}

		// (ii) service the retransmission timer.
		if s.timerExpired() {
			dlog.Debugf(ctx, "RTO expired at base=%d, retransmitting %d segment(s)", s.base, len(s.buffer))
			for _, o := range s.buffer {
				if s.base.LessThanEq(o.seg.Seq) {
					if err := s.ep.Send(segment.Encode(o.seg)); err != nil {
						return err
					}
				}
			}
			s.restartTimer()
		}

		// (iii) poll for an incoming ACK (or abort on peer FIN).
		quantum := s.poll
		if len(queued) == 0 && len(s.buffer) == 1 {
			quantum = s.singlePoll
			if quantum > s.rto {
				quantum = s.rto
			}
		}
		buf := make([]byte, datagram.MaxDatagramSize)
		n, _, err := s.ep.Recv(buf, quantum)
		if err != nil {
			if datagram.IsTimeout(err) {
				continue
			}
			return err
		}
		seg, err := segment.Decode(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "dropping malformed segment: %v", err)
			continue
		}
		if seg.HasFlag(segment.FIN) {
			s.buffer = nil
			return &ErrAbortedByPeerFIN{FIN: seg}
		}
		if !seg.HasFlag(segment.ACK) {
			continue
		}
		s.onReceivedAck(ctx, seg.Ack)
	}
	return nil
}

// onReceivedAck advances base by the highest cumulative ack seen so far:
// a running maximum, never a set-membership check. An ack behind the
// current base is a duplicate and is ignored.
func (s *Sender) onReceivedAck(ctx context.Context, ack seqnum.Value) {
	if ack.LessThan(s.base) {
		return // duplicate
	}
	newBase := seqnum.Max(s.base, ack)
	if newBase == s.base {
		return
	}
	s.base = newBase

	kept := s.buffer[:0]
	for _, o := range s.buffer {
		if o.endSeq.LessThanEq(s.base) {
			continue // fully acknowledged, drop from the buffer
		}
		kept = append(kept, o)
	}
	s.buffer = kept

	dlog.Debugf(ctx, "ack advanced base to %d, %d segment(s) outstanding", s.base, len(s.buffer))
	if s.base == s.next {
		s.clearTimer()
	} else {
		s.restartTimer()
	}
}

