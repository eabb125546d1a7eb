// Package teardown drives the Styx four-way close: active close (FIN,
// await ACK, await peer FIN, ACK, TIME_WAIT linger) and passive close
// (given the already-received peer FIN: ACK, CLOSE_WAIT, local FIN, await
// ACK). Both report styxerr.TeardownFailed when the awaited segment does
// not arrive within the timeout; an ACK whose ack number does not cover
// the local FIN is ignored while waiting, not reported as a failure.
// Multiple failures are aggregated with hashicorp/go-multierror so a close
// can report both a protocol failure and a socket error.
package teardown

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
	"github.com/0xReLogic/styx/pkg/styxerr"
)

func recvOne(ep *datagram.Endpoint, deadline time.Duration) (segment.Segment, error) {
	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := ep.Recv(buf, deadline)
	if err != nil {
		if datagram.IsTimeout(err) {
			return segment.Segment{}, styxerr.Wrap(styxerr.TeardownFailed, err, "timed out waiting for teardown segment")
		}
		return segment.Segment{}, styxerr.Wrap(styxerr.TransportIOError, err, "recv during teardown")
	}
	seg, err := segment.Decode(buf[:n])
	if err != nil {
		return segment.Segment{}, styxerr.Wrap(styxerr.MalformedSegment, err, "malformed teardown segment")
	}
	return seg, nil
}

// ActiveClose drives the initiator's half of the four-way close starting
// from ESTABLISHED: it sends FIN at sendSeq, awaits the ACK for it, then
// awaits the peer's own FIN and acks it, returning once the TIME_WAIT
// linger has elapsed.
func ActiveClose(ctx context.Context, ep *datagram.Endpoint, sendSeq seqnum.Value, timeout, timeWait time.Duration) error {
	fin := segment.Segment{Seq: sendSeq, Flags: segment.FIN}
	dlog.Debugf(ctx, "teardown: active close sending FIN seq=%d", sendSeq)
	if err := ep.Send(segment.Encode(fin)); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "send FIN")
	}

	finAcked := sendSeq.Add(1)
	var errs *multierror.Error

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			errs = multierror.Append(errs, styxerr.New(styxerr.TeardownFailed, "timed out awaiting ack of our FIN"))
			return errs.ErrorOrNil()
		}
		seg, err := recvOne(ep, remaining)
		if err != nil {
			if styxerr.Is(err, styxerr.MalformedSegment) {
				continue
			}
			errs = multierror.Append(errs, err)
			return errs.ErrorOrNil()
		}
		if seg.HasFlag(segment.FIN) {
			// Peer's FIN crossed ours (simultaneous close); treat it as
			// also acking our FIN and proceed straight to the final ack.
			return activeCloseFinishWithPeerFIN(ctx, ep, seg, finAcked, timeWait)
		}
		if seg.HasFlag(segment.ACK) && seg.Ack == finAcked {
			dlog.Debugf(ctx, "teardown: FIN acked, entering FIN_WAIT_2")
			break
		}
	}

	deadline = time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			errs = multierror.Append(errs, styxerr.New(styxerr.TeardownFailed, "timed out awaiting peer FIN"))
			return errs.ErrorOrNil()
		}
		seg, err := recvOne(ep, remaining)
		if err != nil {
			if styxerr.Is(err, styxerr.MalformedSegment) {
				continue
			}
			errs = multierror.Append(errs, err)
			return errs.ErrorOrNil()
		}
		if seg.HasFlag(segment.FIN) {
			return activeCloseFinishWithPeerFIN(ctx, ep, seg, finAcked, timeWait)
		}
	}
}

func activeCloseFinishWithPeerFIN(ctx context.Context, ep *datagram.Endpoint, peerFin segment.Segment, myFinAcked seqnum.Value, timeWait time.Duration) error {
	finalAck := segment.Segment{Seq: myFinAcked, Ack: peerFin.Seq.Add(1), Flags: segment.ACK}
	if err := ep.Send(segment.Encode(finalAck)); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "send final ACK")
	}
	dlog.Debugf(ctx, "teardown: entering TIME_WAIT for %s", timeWait)
	time.Sleep(timeWait)
	dlog.Debugf(ctx, "teardown: TIME_WAIT elapsed, connection closed")
	return nil
}

// PassiveClose drives the responder's half of the four-way close. It is
// called once the caller has already observed the peer's FIN (peerFin);
// it acks it, invokes onCloseWait (the caller's chance to flush/finish any
// remaining local send before emitting its own FIN, matching CLOSE_WAIT's
// semantics of "local side may still finish sending"), then sends its own
// FIN at sendSeq and awaits the peer's ack of it.
func PassiveClose(ctx context.Context, ep *datagram.Endpoint, peerFin segment.Segment, sendSeq seqnum.Value, onCloseWait func() error, timeout time.Duration) error {
	ack := segment.Segment{Seq: sendSeq, Ack: peerFin.Seq.Add(1), Flags: segment.ACK}
	if err := ep.Send(segment.Encode(ack)); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "ack peer FIN")
	}
	dlog.Debugf(ctx, "teardown: passive close entering CLOSE_WAIT")

	var errs *multierror.Error
	if onCloseWait != nil {
		if err := onCloseWait(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	fin := segment.Segment{Seq: sendSeq, Flags: segment.FIN}
	dlog.Debugf(ctx, "teardown: passive close sending FIN seq=%d", sendSeq)
	if err := ep.Send(segment.Encode(fin)); err != nil {
		errs = multierror.Append(errs, styxerr.Wrap(styxerr.TransportIOError, err, "send FIN"))
		return errs.ErrorOrNil()
	}

	finAcked := sendSeq.Add(1)
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			errs = multierror.Append(errs, styxerr.New(styxerr.TeardownFailed, "timed out awaiting ack of our FIN"))
			return errs.ErrorOrNil()
		}
		seg, err := recvOne(ep, remaining)
		if err != nil {
			if styxerr.Is(err, styxerr.MalformedSegment) {
				continue
			}
			errs = multierror.Append(errs, err)
			return errs.ErrorOrNil()
		}
		if seg.HasFlag(segment.ACK) && seg.Ack == finAcked {
			dlog.Debugf(ctx, "teardown: our FIN acked, connection closed")
			return errs.ErrorOrNil()
		}
		if seg.HasFlag(segment.FIN) {
			// Peer retransmitted its FIN (our earlier ack was lost); ack
			// it again and keep waiting for the ack of our own FIN.
			retryAck := segment.Segment{Seq: sendSeq, Ack: seg.Seq.Add(1), Flags: segment.ACK}
			if err := ep.Send(segment.Encode(retryAck)); err != nil {
				errs = multierror.Append(errs, styxerr.Wrap(styxerr.TransportIOError, err, "re-ack retransmitted FIN"))
			}
		}
	}
}
