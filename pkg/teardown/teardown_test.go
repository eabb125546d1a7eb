package teardown_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xReLogic/styx/pkg/datagram"
	"github.com/0xReLogic/styx/pkg/segment"
	"github.com/0xReLogic/styx/pkg/seqnum"
	"github.com/0xReLogic/styx/pkg/teardown"
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

func TestActiveClosePassiveCloseFullCycle(t *testing.T) {
	active, passive := newPair(t)

	activeDone := make(chan error, 1)
	go func() {
		activeDone <- teardown.ActiveClose(context.Background(), active, seqnum.Value(100), time.Second, 20*time.Millisecond)
	}()

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := passive.Recv(buf, time.Second)
	require.NoError(t, err)
	fin, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	require.True(t, fin.HasFlag(segment.FIN))

	passiveDone := make(chan error, 1)
	go func() {
		passiveDone <- teardown.PassiveClose(context.Background(), passive, fin, seqnum.Value(200), nil, time.Second)
	}()

	select {
	case err := <-activeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ActiveClose did not complete")
	}
	select {
	case err := <-passiveDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("PassiveClose did not complete")
	}
}

func TestPassiveCloseRunsOnCloseWaitBeforeFIN(t *testing.T) {
	active, passive := newPair(t)

	activeDone := make(chan error, 1)
	go func() {
		activeDone <- teardown.ActiveClose(context.Background(), active, seqnum.Value(50), time.Second, 10*time.Millisecond)
	}()

	buf := make([]byte, datagram.MaxDatagramSize)
	n, _, err := passive.Recv(buf, time.Second)
	require.NoError(t, err)
	fin, err := segment.Decode(buf[:n])
	require.NoError(t, err)

	var flushed bool
	passiveDone := make(chan error, 1)
	go func() {
		passiveDone <- teardown.PassiveClose(context.Background(), passive, fin, seqnum.Value(70), func() error {
			flushed = true
			return nil
		}, time.Second)
	}()

	require.NoError(t, <-activeDone)
	require.NoError(t, <-passiveDone)
	assert.True(t, flushed)
}

func TestActiveCloseFailsOnTimeout(t *testing.T) {
	active, _ := newPair(t)
	err := teardown.ActiveClose(context.Background(), active, seqnum.Value(1), 30*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
}
