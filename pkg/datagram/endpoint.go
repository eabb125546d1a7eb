// Package datagram wraps a UDP socket with a thin, blocking interface:
// bind, connect-to-peer, send, and a receive with a per-call deadline. It
// never reorders or merges datagrams; each Recv call returns exactly one
// datagram, matching the substrate's own boundary.
//
// Sockets here are never kernel-connected. A connected UDP socket would
// drop a datagram arriving from any source but the connected one, and the
// accept path needs exactly the opposite: the server answers a client's
// SYN from a fresh per-connection port, so the client must accept (and
// then retarget to) a source it did not originally dial. The endpoint
// instead demultiplexes on source address itself: Recv drops datagrams
// that fail the peer filter, Send routes via WriteToUDP, and LockPeer
// performs the handoff once the handshake has identified the final peer
// port.
package datagram

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/0xReLogic/styx/pkg/styxerr"
)

// MaxDatagramSize bounds a single recv buffer. Styx segments are small
// control/data frames, never path-MTU sized (MTU discovery is a declared
// non-goal), so a generous fixed buffer is enough.
const MaxDatagramSize = 2048

// Endpoint is a single UDP socket, optionally filtered to one peer.
//
// The filter has two strengths. With a peer set but not locked (a client
// that has dialed a listener but not completed the handshake), Recv accepts
// any datagram from the peer's host, so the server's SYN+ACK can arrive
// from its per-connection port. Once locked (by LockPeer on the client,
// or from birth for a CloneConnectedTo child), Recv requires an exact
// host:port match, and everything else is silently dropped.
type Endpoint struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	locked bool
}

// Bind opens a UDP socket on localAddr ("host:port", or ":0" for an
// ephemeral port) with no peer filter, suitable for a listening server
// endpoint, which must see SYNs from anyone.
func Bind(localAddr string) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, styxerr.Wrap(styxerr.TransportIOError, err, "resolve local address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, styxerr.Wrap(styxerr.TransportIOError, err, "bind local address")
	}
	return &Endpoint{conn: conn}, nil
}

// ConnectPeer opens a new ephemeral-port socket targeting peerAddr. The
// peer filter starts host-only (not locked): the handshake driver locks it
// onto the exact responding port via LockPeer once the SYN+ACK arrives.
func ConnectPeer(peerAddr string) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, styxerr.Wrap(styxerr.TransportIOError, err, "resolve peer address")
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, styxerr.Wrap(styxerr.TransportIOError, err, "open socket to peer")
	}
	return &Endpoint{conn: conn, peer: addr}, nil
}

// CloneConnectedTo clones the listening endpoint onto a fresh ephemeral
// socket locked to peerAddr. Used by a server's accept path: the listening
// endpoint keeps receiving SYNs on its own port; the returned Endpoint is
// the new connection's private channel to exactly one peer, and segments
// from anyone else never reach it.
func (e *Endpoint) CloneConnectedTo(peerAddr *net.UDPAddr) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, styxerr.Wrap(styxerr.TransportIOError, err, "open child socket")
	}
	return &Endpoint{conn: conn, peer: peerAddr, locked: true}, nil
}

// LockPeer retargets the endpoint to addr and hardens the receive filter
// to an exact host:port match. The client's handshake driver calls this
// with the SYN+ACK's source address, completing the handoff from the
// server's listening port to its per-connection port.
func (e *Endpoint) LockPeer(addr *net.UDPAddr) {
	e.peer = addr
	e.locked = true
}

// LocalAddr returns the local address the endpoint is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// RemoteAddr returns the endpoint's current peer, or nil if it was opened
// with Bind and never targeted one.
func (e *Endpoint) RemoteAddr() net.Addr {
	if e.peer == nil {
		return nil
	}
	return e.peer
}

// Send writes b as a single datagram to the endpoint's peer. It fails if
// the endpoint has no peer (a bare listening socket; use SendTo there).
func (e *Endpoint) Send(b []byte) error {
	if e.peer == nil {
		return styxerr.New(styxerr.TransportIOError, "send on an endpoint with no peer")
	}
	if _, err := e.conn.WriteToUDP(b, e.peer); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "datagram send")
	}
	return nil
}

// SendTo writes b as a single datagram to an explicit address. Used by a
// listening endpoint that has not yet demultiplexed the sender onto a
// per-connection socket.
func (e *Endpoint) SendTo(b []byte, addr *net.UDPAddr) error {
	if _, err := e.conn.WriteToUDP(b, addr); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "datagram send-to")
	}
	return nil
}

// IsTimeout reports whether err is the recoverable "no datagram arrived
// within the deadline" condition, as opposed to a fatal I/O error.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// accepts applies the peer filter to a datagram's source address.
func (e *Endpoint) accepts(src *net.UDPAddr) bool {
	if e.peer == nil {
		return true
	}
	if !src.IP.Equal(e.peer.IP) {
		return false
	}
	return !e.locked || src.Port == e.peer.Port
}

// Recv blocks for at most deadline (zero meaning block indefinitely) for
// one incoming datagram passing the peer filter, writes it into buf, and
// reports how many bytes were read and who sent it. A deadline expiring
// with nothing received returns an error for which IsTimeout is true;
// callers treat that as a recoverable "nothing arrived this quantum"
// event, not a protocol failure. Filtered-out datagrams are dropped
// without extending the deadline.
func (e *Endpoint) Recv(buf []byte, deadline time.Duration) (int, *net.UDPAddr, error) {
	var until time.Time
	if deadline > 0 {
		until = time.Now().Add(deadline)
	}
	if err := e.conn.SetReadDeadline(until); err != nil {
		return 0, nil, styxerr.Wrap(styxerr.TransportIOError, err, "set read deadline")
	}
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if IsTimeout(err) {
				return 0, nil, err
			}
			return 0, nil, styxerr.Wrap(styxerr.TransportIOError, err, "datagram recv")
		}
		if !e.accepts(src) {
			continue
		}
		return n, src, nil
	}
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	if err := e.conn.Close(); err != nil {
		return styxerr.Wrap(styxerr.TransportIOError, err, "datagram close")
	}
	return nil
}
