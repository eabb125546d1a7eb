package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
	"github.com/0xReLogic/styx/pkg/transfer"
)

func newPair(t *testing.T) (*datagram.Endpoint, *datagram.Endpoint) {
	t.Helper()
	a, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := datagram.ConnectPeer(a.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	buf := make([]byte, 8)
	require.NoError(t, b.Send([]byte{0}))
	_, peer, err := a.Recv(buf, time.Second)
	require.NoError(t, err)

	aConnected, err := a.CloneConnectedTo(peer)
	require.NoError(t, err)
	t.Cleanup(func() { aConnected.Close() })

	// Hand b off to the child's port, the way the handshake driver locks
	// onto the SYN+ACK's source address.
	require.NoError(t, aConnected.Send([]byte{0}))
	_, src, err := b.Recv(buf, time.Second)
	require.NoError(t, err)
	b.LockPeer(src)
	return aConnected, b
}

// A 5-byte payload at seq=101 produces an ack of 106: acks always carry
// the next expected sequence number, advanced by payload length.
func TestReceiverSeq101Payload5(t *testing.T) {
	r := transfer.NewReceiver(seqnum.Value(101))
	payload, ack, delivered := r.Accept(segment.Segment{Seq: seqnum.Value(101), Payload: []byte("hello")})
	require.True(t, delivered)
	assert.Equal(t, "hello", string(payload))
	assert.Equal(t, seqnum.Value(106), ack.Ack)
	assert.Equal(t, seqnum.Value(106), r.Next())
}

func TestReceiverDropsOutOfOrder(t *testing.T) {
	r := transfer.NewReceiver(seqnum.Value(100))
	_, ack, delivered := r.Accept(segment.Segment{Seq: seqnum.Value(105), Payload: []byte("xx")})
	assert.False(t, delivered)
	assert.Equal(t, seqnum.Value(100), ack.Ack)
}

func TestReceiverDropsDuplicate(t *testing.T) {
	r := transfer.NewReceiver(seqnum.Value(100))
	_, _, delivered := r.Accept(segment.Segment{Seq: seqnum.Value(100), Payload: []byte("ab")})
	require.True(t, delivered)
	_, ack, delivered := r.Accept(segment.Segment{Seq: seqnum.Value(100), Payload: []byte("ab")})
	assert.False(t, delivered)
	assert.Equal(t, seqnum.Value(102), ack.Ack)
}

func TestSenderCumulativeAckCompletesSend(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	s := transfer.NewSender(ep, seqnum.Value(0), 4, time.Second, 5*time.Millisecond, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), []byte("hello world")) }()

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := peer.Recv(buf, time.Second)
	require.NoError(t, err)
	seg, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, seqnum.Value(0), seg.Seq)

	ack := segment.Segment{Ack: seqnum.Value(11), Flags: segment.ACK}
	require.NoError(t, peer.Send(segment.Encode(ack)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not complete after full ack")
	}
	assert.Equal(t, seqnum.Value(11), s.Base())
	assert.Empty(t, s.BufferedSeqs())
}

func TestSenderRetransmitsOnRTOExpiry(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	s := transfer.NewSender(ep, seqnum.Value(0), 4, 30*time.Millisecond, 5*time.Millisecond, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), []byte("hi")) }()

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := peer.Recv(buf, time.Second)
	require.NoError(t, err)
	first, err := segment.Decode(buf[:n])
	require.NoError(t, err)

	// Do not ack; wait for the retransmission.
	n, _, err = peer.Recv(buf, time.Second)
	require.NoError(t, err)
	second, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.Payload, second.Payload)

	require.NoError(t, peer.Send(segment.Encode(segment.Segment{Ack: seqnum.Value(2), Flags: segment.ACK})))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not complete")
	}
}

func TestSenderAbortsOnPeerFIN(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	s := transfer.NewSender(ep, seqnum.Value(0), 4, time.Second, 5*time.Millisecond, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), []byte("hello world this is long enough to stay buffered")) }()

	buf := make([]byte, datagram.MaxDatagramSize)
	_, _, err := peer.Recv(buf, time.Second)
	require.NoError(t, err)

	require.NoError(t, peer.Send(segment.Encode(segment.Segment{Seq: seqnum.Value(500), Flags: segment.FIN})))

	select {
	case err := <-done:
		var finErr *transfer.ErrAbortedByPeerFIN
		require.ErrorAs(t, err, &finErr)
		assert.Equal(t, seqnum.Value(500), finErr.FIN.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not abort on peer FIN")
	}
	assert.Empty(t, s.BufferedSeqs())
}

func TestReceiverRecvDeliversInOrderPayload(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	r := transfer.NewReceiver(seqnum.Value(0))

	require.NoError(t, peer.Send(segment.Encode(segment.Segment{Seq: seqnum.Value(0), Payload: []byte("abc")})))

	payload, fin, err := r.Recv(context.Background(), ep, time.Second)
	require.NoError(t, err)
	assert.Nil(t, fin)
	assert.Equal(t, "abc", string(payload))

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := peer.Recv(buf, time.Second)
	require.NoError(t, err)
	ackSeg, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, seqnum.Value(3), ackSeg.Ack)
}

// A crafted segment with a reserved flag bit is dropped, rcv_nxt is
// unchanged, and a duplicate ACK for the last accepted position is
// emitted.
func TestReceiverRecvRejectsReservedFlags(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	r := transfer.NewReceiver(seqnum.Value(100))

	crafted := segment.Encode(segment.Segment{Seq: seqnum.Value(100)})
	crafted[8] = 0x80
	require.NoError(t, peer.Send(crafted))

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, fin, err := r.Recv(context.Background(), ep, time.Second)
		assert.NoError(t, err)
		assert.Nil(t, fin)
		assert.Equal(t, "ok", string(payload))
	}()

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := peer.Recv(buf, time.Second)
	require.NoError(t, err)
	dup, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	assert.True(t, dup.HasFlag(segment.ACK))
	assert.Equal(t, seqnum.Value(100), dup.Ack)

	require.NoError(t, peer.Send(segment.Encode(segment.Segment{Seq: seqnum.Value(100), Payload: []byte("ok")})))
	<-done
	assert.Equal(t, uint64(1), r.MalformedCount())
	assert.Equal(t, seqnum.Value(102), r.Next())
}

func TestReceiverRecvReportsFIN(t *testing.T) {
	ep, peer := newPair(t)
	defer peer.Close()
	r := transfer.NewReceiver(seqnum.Value(10))

	require.NoError(t, peer.Send(segment.Encode(segment.Segment{Seq: seqnum.Value(10), Flags: segment.FIN})))

	payload, fin, err := r.Recv(context.Background(), ep, time.Second)
	require.NoError(t, err)
	require.Nil(t, payload)
	require.NotNil(t, fin)
	assert.True(t, fin.HasFlag(segment.FIN))
}
