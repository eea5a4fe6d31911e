package pipemsg

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestMuxRecvAnyDeliversFrame(t *testing.T) {
	m := New()
	local, remote := pipePair(t)
	defer remote.Close()

	m.Add(1, "peerA", local)

	go func() {
		require.NoError(t, Send(remote, []byte("hello"), 42))
	}()

	res, ok := m.RecvAny(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, 1, res.FD)
	require.Equal(t, "peerA", res.Label)
	require.Equal(t, "hello", string(res.Payload))
	require.Equal(t, uint32(42), res.Priority)
}

func TestMuxRemoveIsIdempotent(t *testing.T) {
	m := New()
	local, remote := pipePair(t)
	defer remote.Close()

	m.Add(3, "x", local)
	m.Remove(3)
	m.Remove(3) // must not panic or block

	require.Equal(t, 0, m.Len())
}

func TestMuxRecvAnyTimeout(t *testing.T) {
	m := New()
	_, ok := m.RecvAny(10 * time.Millisecond)
	require.False(t, ok)
}

func TestMuxReportsClosedFd(t *testing.T) {
	m := New()
	local, remote := pipePair(t)

	m.Add(5, "closer", local)
	remote.Close()

	res, ok := m.RecvAny(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, 5, res.FD)
	require.True(t, res.Closed)
}
