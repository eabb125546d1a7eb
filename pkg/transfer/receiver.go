package transfer

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
)

// Receiver is the cumulative-ack counterpart of Sender. It tracks only
// rcv_nxt: an out-of-order or duplicate segment is dropped and re-acked
// with the same rcv_nxt, never buffered. This is the minimal Go-Back-N
// receiver: no SACK, no reassembly window.
type Receiver struct {
	rcvNxt    seqnum.Value
	malformed uint64
}

// NewReceiver creates a Receiver expecting its first byte at irs (the
// connection's rcv_nxt as established by the handshake).
func NewReceiver(irs seqnum.Value) *Receiver {
	return &Receiver{rcvNxt: irs}
}

// Next returns rcv_nxt, the next sequence number expected.
func (r *Receiver) Next() seqnum.Value { return r.rcvNxt }

// MalformedCount returns how many undecodable segments have been dropped.
func (r *Receiver) MalformedCount() uint64 { return r.malformed }

// Accept applies an incoming data segment. If seg.Seq matches rcv_nxt
// exactly, the segment is in order: its payload is returned for delivery
// and rcv_nxt advances past it. Anything else, ahead of rcv_nxt (a gap)
// or behind it (a duplicate), is dropped, and the ack returned still
// carries the unchanged rcv_nxt, which is what re-triggers the sender's
// Go-Back-N retransmission of the gap.
func (r *Receiver) Accept(seg segment.Segment) (payload []byte, ack segment.Segment, delivered bool) {
	ack = segment.Segment{Ack: r.rcvNxt, Flags: segment.ACK}
	if seg.Seq != r.rcvNxt {
		return nil, ack, false
	}
	r.rcvNxt = r.rcvNxt.Add(seg.Len())
	ack.Ack = r.rcvNxt
	return seg.Payload, ack, true
}

// Recv blocks (respecting deadline, zero meaning indefinitely) for the
// next in-order data segment, acking every data segment it sees along the
// way, including out-of-order or duplicate ones (stray SYNs and bare ACKs
// are skipped without an ack), so the sender's timer-driven
// resend always gets a fresh cumulative ack to work from. It reports the
// delivered payload, or fin set to the peer's FIN segment if that arrived
// instead of data (the caller drives teardown from there; Recv does not
// ack the FIN itself).
func (r *Receiver) Recv(ctx context.Context, ep *datagram.Endpoint, deadline time.Duration) (payload []byte, fin *segment.Segment, err error) {
	buf := make([]byte, datagram.MaxDatagramSize)
	for {
		n, _, recvErr := ep.Recv(buf, deadline)
		if recvErr != nil {
			return nil, nil, recvErr
		}
		seg, decodeErr := segment.Decode(buf[:n])
		if decodeErr != nil {
			// Drop, count, and re-emit the last cumulative ack so the
			// sender still learns where the in-order stream stands.
			r.malformed++
			dlog.Debugf(ctx, "dropping malformed segment: %v", decodeErr)
			dup := segment.Segment{Ack: r.rcvNxt, Flags: segment.ACK}
			if sendErr := ep.Send(segment.Encode(dup)); sendErr != nil {
				return nil, nil, sendErr
			}
			continue
		}
		if seg.HasFlag(segment.FIN) {
			f := seg
			return nil, &f, nil
		}
		if seg.HasFlag(segment.SYN) {
			dlog.Debugf(ctx, "dropping unexpected SYN during data transfer")
			continue
		}
		if seg.HasFlag(segment.ACK) && len(seg.Payload) == 0 {
			// A bare ACK carries no data and consumes no sequence slot;
			// it is never delivered.
			continue
		}

		data, ack, delivered := r.Accept(seg)
		if sendErr := ep.Send(segment.Encode(ack)); sendErr != nil {
			return nil, nil, sendErr
		}
		if !delivered {
			dlog.Debugf(ctx, "dropped out-of-order/duplicate segment seq=%d, rcv_nxt=%d", seg.Seq, r.rcvNxt)
			continue
		}
		return data, nil, nil
	}
}
