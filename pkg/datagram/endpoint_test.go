package datagram_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xReLogic/styx/pkg/datagram"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := datagram.ConnectPeer(server.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("hello")))

	buf := make([]byte, datagram.MaxDatagramSize)
	n, src, err := server.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.NotNil(t, src)
}

func TestRecvTimesOut(t *testing.T) {
	ep, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	buf := make([]byte, datagram.MaxDatagramSize)
	_, _, err = ep.Recv(buf, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, datagram.IsTimeout(err))
}

func TestSendToUnconnectedListener(t *testing.T) {
	listener, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	client, err := datagram.ConnectPeer(listener.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("ping")))
	buf := make([]byte, datagram.MaxDatagramSize)
	n, src, err := listener.Recv(buf, time.Second)
	require.NoError(t, err)
	require.NoError(t, listener.SendTo([]byte("pong"), src))

	n, _, err = client.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestCloneConnectedTo(t *testing.T) {
	listener, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	client, err := datagram.ConnectPeer(listener.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("syn")))
	buf := make([]byte, datagram.MaxDatagramSize)
	_, src, err := listener.Recv(buf, time.Second)
	require.NoError(t, err)

	child, err := listener.CloneConnectedTo(src)
	require.NoError(t, err)
	defer child.Close()

	// The child answers from its own port; the not-yet-locked client must
	// still accept it, then lock onto that port for the rest of the
	// connection.
	require.NoError(t, child.Send([]byte("synack")))
	n, childSrc, err := client.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "synack", string(buf[:n]))

	client.LockPeer(childSrc)
	require.NoError(t, client.Send([]byte("data")))
	n, _, err = child.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))
}

func TestLockedEndpointDropsOtherSources(t *testing.T) {
	listener, err := datagram.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	client, err := datagram.ConnectPeer(listener.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("syn")))
	buf := make([]byte, datagram.MaxDatagramSize)
	_, src, err := listener.Recv(buf, time.Second)
	require.NoError(t, err)

	child, err := listener.CloneConnectedTo(src)
	require.NoError(t, err)
	defer child.Close()

	require.NoError(t, child.Send([]byte("synack")))
	_, childSrc, err := client.Recv(buf, time.Second)
	require.NoError(t, err)
	client.LockPeer(childSrc)

	stranger, err := datagram.ConnectPeer(childSrc.String())
	require.NoError(t, err)
	defer stranger.Close()
	require.NoError(t, stranger.Send([]byte("stray")))

	_, _, err = child.Recv(buf, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, datagram.IsTimeout(err))

	require.NoError(t, client.Send([]byte("real")))
	n, _, err := child.Recv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "real", string(buf[:n]))
}
