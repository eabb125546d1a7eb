// Package handshake drives the Styx three-way handshake: active open
// (client) and passive open (server), each bounded by a handshake timeout
// and reporting styxerr.HandshakeFailed on timeout or a mismatched ack, and
// styxerr.ProtocolViolation when a segment of the wrong kind arrives.
package handshake

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
	"github.com/0xReLogic/styx/pkg/styxerr"
)

// Result carries what a completed handshake establishes for the rest of
// the connection: the sequence numbers the transfer engine starts from.
type Result struct {
	// ISS is this side's snd_nxt after the handshake: its initial sequence
	// number plus the one position its SYN consumed.
	ISS seqnum.Value
	// IRS is this side's rcv_nxt after the handshake: the peer's initial
	// sequence number plus the one position the peer's SYN consumed.
	IRS seqnum.Value
}

func randomISN() seqnum.Value {
	return seqnum.Value(rand.Uint32())
}

func recvOne(ep *datagram.Endpoint, deadline time.Duration) (segment.Segment, *net.UDPAddr, error) {
	buf := make([]byte, datagram.MaxDatagramSize)
	n, src, err := ep.Recv(buf, deadline)
	if err != nil {
		if datagram.IsTimeout(err) {
			return segment.Segment{}, nil, styxerr.Wrap(styxerr.HandshakeFailed, err, "timed out waiting for handshake segment")
		}
		return segment.Segment{}, nil, styxerr.Wrap(styxerr.TransportIOError, err, "recv during handshake")
	}
	seg, err := segment.Decode(buf[:n])
	if err != nil {
		return segment.Segment{}, nil, styxerr.Wrap(styxerr.MalformedSegment, err, "malformed handshake segment")
	}
	return seg, src, nil
}

// ActiveOpen performs the client side of the three-way handshake over ep,
// which must already target the server's listening address. It sends SYN,
// awaits SYN+ACK acking iss+1, locks the endpoint onto the SYN+ACK's
// source (the server's per-connection port), and replies with the final
// ACK.
func ActiveOpen(ctx context.Context, ep *datagram.Endpoint, timeout time.Duration) (Result, error) {
	iss := randomISN()
	syn := segment.Segment{Seq: iss, Flags: segment.SYN}
	dlog.Debugf(ctx, "handshake: sending SYN seq=%d", iss)
	if err := ep.Send(segment.Encode(syn)); err != nil {
		return Result{}, styxerr.Wrap(styxerr.TransportIOError, err, "send SYN")
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, styxerr.New(styxerr.HandshakeFailed, "handshake timed out awaiting SYN+ACK")
		}
		seg, src, err := recvOne(ep, remaining)
		if err != nil {
			if styxerr.Is(err, styxerr.MalformedSegment) {
				continue
			}
			return Result{}, err
		}
		if !seg.HasFlag(segment.SYN) || !seg.HasFlag(segment.ACK) {
			return Result{}, styxerr.New(styxerr.ProtocolViolation, "non-SYN+ACK segment received in SYN_SENT")
		}
		if seg.Ack != iss.Add(1) {
			return Result{}, styxerr.New(styxerr.HandshakeFailed, "SYN+ACK acked the wrong sequence number")
		}
		irs := seg.Seq
		// The SYN+ACK came from the server's per-connection socket; all
		// further traffic, starting with the final ACK, goes there.
		ep.LockPeer(src)
		ack := segment.Segment{Seq: iss.Add(1), Ack: irs.Add(1), Flags: segment.ACK}
		if err := ep.Send(segment.Encode(ack)); err != nil {
			return Result{}, styxerr.Wrap(styxerr.TransportIOError, err, "send final ACK")
		}
		dlog.Debugf(ctx, "handshake: established, iss=%d irs=%d", iss, irs)
		return Result{ISS: iss.Add(1), IRS: irs.Add(1)}, nil
	}
}

// PassiveOpen performs the server side of the three-way handshake on a
// per-connection endpoint already dedicated to one peer (the caller
// demultiplexes the SYN onto it via datagram.Endpoint.CloneConnectedTo
// before calling this). Given the peer's SYN as firstSeg, it replies
// SYN+ACK and awaits the final ACK acking iss+1.
func PassiveOpen(ctx context.Context, ep *datagram.Endpoint, firstSeg segment.Segment, timeout time.Duration) (Result, error) {
	if !firstSeg.HasFlag(segment.SYN) {
		return Result{}, styxerr.New(styxerr.ProtocolViolation, "PassiveOpen called without an initial SYN")
	}
	irs := firstSeg.Seq
	iss := randomISN()

	synAck := segment.Segment{Seq: iss, Ack: irs.Add(1), Flags: segment.SYN | segment.ACK}
	dlog.Debugf(ctx, "handshake: sending SYN+ACK seq=%d ack=%d", iss, irs.Add(1))
	if err := ep.Send(segment.Encode(synAck)); err != nil {
		return Result{}, styxerr.Wrap(styxerr.TransportIOError, err, "send SYN+ACK")
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, styxerr.New(styxerr.HandshakeFailed, "handshake timed out awaiting final ACK")
		}
		seg, _, err := recvOne(ep, remaining)
		if err != nil {
			if styxerr.Is(err, styxerr.MalformedSegment) {
				continue
			}
			return Result{}, err
		}
		if seg.HasFlag(segment.SYN) {
			// Retransmitted SYN: peer never saw our SYN+ACK. Resend it.
			dlog.Debugf(ctx, "handshake: re-sending SYN+ACK after duplicate SYN")
			if err := ep.Send(segment.Encode(synAck)); err != nil {
				return Result{}, styxerr.Wrap(styxerr.TransportIOError, err, "resend SYN+ACK")
			}
			continue
		}
		if !seg.HasFlag(segment.ACK) {
			return Result{}, styxerr.New(styxerr.ProtocolViolation, "non-ACK segment received in SYN_RECEIVED")
		}
		if seg.Ack != iss.Add(1) {
			return Result{}, styxerr.New(styxerr.HandshakeFailed, "final ACK acked the wrong sequence number")
		}
		dlog.Debugf(ctx, "handshake: established, iss=%d irs=%d", iss, irs)
		return Result{ISS: iss.Add(1), IRS: irs.Add(1)}, nil
	}
}
