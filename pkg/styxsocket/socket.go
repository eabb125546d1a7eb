// Package styxsocket is the public facade of the Styx transport: Bind,
// ListenAndAccept, Connect, Send, Recv, PeerAddr and Close, composing
// pkg/datagram, pkg/connstate, pkg/handshake, pkg/transfer and
// pkg/teardown into a single connection object.
//
// Each connection is one mutex-guarded struct, stamped with a uuid so
// every log line can be traced back to the connection it belongs to.
package styxsocket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/0xReLogic/styx/internal/styxconfig"
	"github.com/0xReLogic/styx/pkg/connstate"
	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/handshake"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/styxerr"
	"github.com/0xReLogic/styx/pkg/teardown"
	"github.com/0xReLogic/styx/pkg/transfer"
)

// Socket is one endpoint of a Styx connection: either a bound listener
// (state LISTEN, produced by Bind) or a connected data-carrying socket
// (state ESTABLISHED once a handshake completes, produced by Connect or
// returned from ListenAndAccept).
type Socket struct {
	mu sync.Mutex

	id  uuid.UUID
	cfg styxconfig.Config
	ep  *datagram.Endpoint

	machine  *connstate.Machine
	sender   *transfer.Sender
	receiver *transfer.Receiver

	peerFIN *segment.Segment // set once the peer's FIN has been observed
}

// Bind opens a listening socket on localAddr. Call ListenAndAccept on the
// result, repeatedly, to accept connections.
func Bind(ctx context.Context, localAddr string, cfg styxconfig.Config) (*Socket, error) {
	ep, err := datagram.Bind(localAddr)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		id:      uuid.New(),
		cfg:     cfg,
		ep:      ep,
		machine: connstate.NewMachine(connstate.Listen),
	}
	dlog.Debugf(ctx, "conn %s: bound listener on %s", s.id, ep.LocalAddr())
	return s, nil
}

// ListenAndAccept blocks until one client completes a handshake, and
// returns a new Socket representing that connection in ESTABLISHED. The
// listening Socket itself remains in LISTEN and may be passed to
// ListenAndAccept again to accept the next client, so one server process
// can serve any number of clients in turn.
func (s *Socket) ListenAndAccept(ctx context.Context) (*Socket, error) {
	s.mu.Lock()
	if s.machine.Current() != connstate.Listen {
		s.mu.Unlock()
		return nil, styxerr.New(styxerr.ProtocolViolation, "ListenAndAccept called on a non-listening socket")
	}
	ep := s.ep
	cfg := s.cfg
	s.mu.Unlock()

	buf := make([]byte, datagram.MaxDatagramSize)
	for {
		n, peerAddr, err := ep.Recv(buf, 0)
		if err != nil {
			return nil, err
		}
		seg, err := segment.Decode(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "listener: dropping malformed segment: %v", err)
			continue
		}
		if !seg.HasFlag(segment.SYN) {
			dlog.Debugf(ctx, "listener: dropping non-SYN segment from %s", peerAddr)
			continue
		}

		child, err := ep.CloneConnectedTo(peerAddr)
		if err != nil {
			return nil, err
		}

		conn := &Socket{
			id:      uuid.New(),
			cfg:     cfg,
			ep:      child,
			machine: connstate.NewMachine(connstate.SynReceived),
		}
		dlog.Debugf(ctx, "conn %s: accepted SYN from %s", conn.id, peerAddr)

		res, err := handshake.PassiveOpen(ctx, child, seg, cfg.HandshakeTimeout)
		if err != nil {
			dlog.Errorf(ctx, "conn %s: handshake failed: %v", conn.id, err)
			child.Close()
			continue
		}
		conn.machine.Transition(ctx, connstate.Established)
		conn.sender = transfer.NewSender(child, res.ISS, cfg.WindowSize, cfg.RTO, cfg.WindowPollTimeout, cfg.SingleShotDataTimeout)
		conn.receiver = transfer.NewReceiver(res.IRS)
		return conn, nil
	}
}

// Connect performs the client side of the handshake against remoteAddr
// and returns an established Socket.
func Connect(ctx context.Context, remoteAddr string, cfg styxconfig.Config) (*Socket, error) {
	ep, err := datagram.ConnectPeer(remoteAddr)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		id:      uuid.New(),
		cfg:     cfg,
		ep:      ep,
		machine: connstate.NewMachine(connstate.SynSent),
	}
	dlog.Debugf(ctx, "conn %s: connecting to %s", s.id, remoteAddr)

	res, err := handshake.ActiveOpen(ctx, ep, cfg.HandshakeTimeout)
	if err != nil {
		ep.Close()
		return nil, err
	}
	s.machine.Transition(ctx, connstate.Established)
	s.sender = transfer.NewSender(ep, res.ISS, cfg.WindowSize, cfg.RTO, cfg.WindowPollTimeout, cfg.SingleShotDataTimeout)
	s.receiver = transfer.NewReceiver(res.IRS)
	dlog.Debugf(ctx, "conn %s: established", s.id)
	return s, nil
}

// Send reliably delivers data to the peer. It is valid in ESTABLISHED and
// in CLOSE_WAIT (the local side may still finish sending after the peer
// has begun closing).
func (s *Socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	state := s.machine.Current()
	sender := s.sender
	s.mu.Unlock()

	if state != connstate.Established && state != connstate.CloseWait {
		return styxerr.New(styxerr.ProtocolViolation, "Send called outside ESTABLISHED/CLOSE_WAIT")
	}

	err := sender.Send(ctx, data)
	var finErr *transfer.ErrAbortedByPeerFIN
	if errors.As(err, &finErr) {
		s.mu.Lock()
		s.peerFIN = &finErr.FIN
		s.machine.Transition(ctx, connstate.CloseWait)
		ep := s.ep
		s.mu.Unlock()
		ack := segment.Segment{Ack: finErr.FIN.Seq.Add(1), Flags: segment.ACK}
		if ackErr := ep.Send(segment.Encode(ack)); ackErr != nil {
			return ackErr
		}
		dlog.Debugf(ctx, "conn %s: send aborted by peer FIN, moved to CLOSE_WAIT", s.id)
		return styxerr.Wrap(styxerr.TeardownFailed, err, "peer closed mid-transfer")
	}
	return err
}

// Recv blocks for the next in-order payload. It returns io.EOF once the
// peer's FIN has been observed, after which the connection is in
// CLOSE_WAIT and Close should be called to finish the teardown.
func (s *Socket) Recv(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	receiver := s.receiver
	ep := s.ep
	s.mu.Unlock()

	payload, fin, err := receiver.Recv(ctx, ep, 0)
	if err != nil {
		return nil, err
	}
	if fin != nil {
		s.mu.Lock()
		s.peerFIN = fin
		s.machine.Transition(ctx, connstate.CloseWait)
		s.mu.Unlock()
		// Ack the FIN right away (the ESTABLISHED -> CLOSE_WAIT action);
		// the local side's own FIN waits until the application closes.
		ack := segment.Segment{Ack: fin.Seq.Add(1), Flags: segment.ACK}
		if err := ep.Send(segment.Encode(ack)); err != nil {
			return nil, err
		}
		dlog.Debugf(ctx, "conn %s: received peer FIN, moved to CLOSE_WAIT", s.id)
		return nil, io.EOF
	}
	return payload, nil
}

// PeerAddr returns the address of the connected peer.
func (s *Socket) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep.RemoteAddr()
}

// LocalAddr returns the address this socket is bound to: the listening
// port for a Bind-produced Socket, or the ephemeral local port for a
// Connect-produced one.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep.LocalAddr()
}

// Close drives this connection to CLOSED. If the local side initiated the
// close (state ESTABLISHED), it performs the active four-way close. If the
// peer's FIN has already been observed (state CLOSE_WAIT), it performs the
// remaining half of the passive close.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	state := s.machine.Current()
	ep := s.ep
	sender := s.sender
	peerFIN := s.peerFIN
	s.mu.Unlock()

	switch state {
	case connstate.Listen:
		return ep.Close()
	case connstate.Established:
		s.mu.Lock()
		s.machine.Transition(ctx, connstate.FinWait1)
		s.mu.Unlock()
		sendSeq := sender.Next()
		if err := teardown.ActiveClose(ctx, ep, sendSeq, s.cfg.HandshakeTimeout, s.cfg.TimeWaitDuration); err != nil {
			ep.Close()
			return err
		}
		s.mu.Lock()
		s.machine.Transition(ctx, connstate.FinWait2)
		s.machine.Transition(ctx, connstate.TimeWait)
		s.machine.Transition(ctx, connstate.Closed)
		s.mu.Unlock()
		return ep.Close()
	case connstate.CloseWait:
		sendSeq := sender.Next()
		s.mu.Lock()
		s.machine.Transition(ctx, connstate.LastAck)
		s.mu.Unlock()
		var fin segment.Segment
		if peerFIN != nil {
			fin = *peerFIN
		}
		if err := teardown.PassiveClose(ctx, ep, fin, sendSeq, nil, s.cfg.HandshakeTimeout); err != nil {
			ep.Close()
			return err
		}
		s.mu.Lock()
		s.machine.Transition(ctx, connstate.Closed)
		s.mu.Unlock()
		return ep.Close()
	default:
		return ep.Close()
	}
}
