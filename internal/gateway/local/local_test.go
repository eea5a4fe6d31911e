package local

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allnetproject/allnet/internal/pipemsg"
)

func dialApp(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	return conn
}

func TestAppToForwarderDirection(t *testing.T) {
	upstreamLocal, upstreamRemote := net.Pipe()
	g, err := New(0, upstreamLocal, nil)
	require.NoError(t, err)
	g.Start()
	defer g.Stop()

	app := dialApp(t, g.listener.Addr())
	defer app.Close()

	require.NoError(t, pipemsg.Send(app, []byte{0x01}, 0)) // registration
	require.NoError(t, pipemsg.Send(app, []byte("from an app"), 500))

	r := pipemsg.NewReader(upstreamRemote)
	payload, priority, _, err := r.Recv()
	require.NoError(t, err)
	require.Equal(t, "from an app", string(payload))
	require.Equal(t, uint32(500), priority)
}

func TestParseRegistration(t *testing.T) {
	require.Equal(t, Registration{}, parseRegistration(nil))
	require.Equal(t, Registration{Capabilities: 0x03, Label: "xchat"}, parseRegistration(append([]byte{0x03}, "xchat"...)))
}

func TestForwarderFansOutToAllApps(t *testing.T) {
	upstreamLocal, upstreamRemote := net.Pipe()
	g, err := New(0, upstreamLocal, nil)
	require.NoError(t, err)
	g.Start()
	defer g.Stop()

	appA := dialApp(t, g.listener.Addr())
	defer appA.Close()
	appB := dialApp(t, g.listener.Addr())
	defer appB.Close()

	require.NoError(t, pipemsg.Send(appA, []byte{0x00}, 0))
	require.NoError(t, pipemsg.Send(appB, []byte{0x00}, 0))

	// Give the accept loop a moment to register both connections.
	time.Sleep(50 * time.Millisecond)

	go func() {
		require.NoError(t, pipemsg.Send(upstreamRemote, []byte("broadcast"), 77))
	}()

	for _, conn := range []net.Conn{appA, appB} {
		r := pipemsg.NewReader(conn)
		payload, priority, _, err := r.Recv()
		require.NoError(t, err)
		require.Equal(t, "broadcast", string(payload))
		require.Equal(t, uint32(77), priority)
	}
}
