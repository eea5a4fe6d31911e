package forwarder

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

type testPipe struct {
	local  net.Conn
	remote net.Conn
}

func newTestPipe() testPipe {
	a, b := net.Pipe()
	return testPipe{local: a, remote: b}
}

func dataPacket(t *testing.T, source [8]byte, payload []byte) []byte {
	t.Helper()
	hdr := &allnetpkt.Header{
		Version:    allnetpkt.CurrentVersion,
		PacketType: allnetpkt.TypeData,
		MaxHops:    10,
		SourceBits: 64,
		Source:     source,
	}
	return allnetpkt.Build(hdr, payload)
}

// recvWithTimeout reads one forwarded AllNet packet off conn and returns
// its body (the header is stripped), or false on timeout/error.
func recvWithTimeout(t *testing.T, conn net.Conn) (string, bool) {
	t.Helper()
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r := pipemsg.NewReader(conn)
		p, _, _, err := r.Recv()
		ch <- result{p, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", false
		}
		_, body, err := allnetpkt.Parse(r.payload)
		if err != nil {
			return "", false
		}
		return string(body), true
	case <-time.After(500 * time.Millisecond):
		return "", false
	}
}

// recvHeaderWithTimeout is like recvWithTimeout but returns the parsed
// header instead of the body, for assertions on hop_count etc.
func recvHeaderWithTimeout(t *testing.T, conn net.Conn) (*allnetpkt.Header, bool) {
	t.Helper()
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r := pipemsg.NewReader(conn)
		p, _, _, err := r.Recv()
		ch <- result{p, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, false
		}
		hdr, _, err := allnetpkt.Parse(r.payload)
		if err != nil {
			return nil, false
		}
		return hdr, true
	case <-time.After(500 * time.Millisecond):
		return nil, false
	}
}

func TestForwarderFansOutToCacheAndLocal(t *testing.T) {
	f := New(Config{})
	defer f.Stop()

	ip := newTestPipe()
	cache := newTestPipe()
	local := newTestPipe()

	f.Attach(1, "ip", ClassIP, ip.local)
	f.Attach(2, "cache", ClassCache, cache.local)
	f.Attach(3, "local", ClassLocal, local.local)
	go f.Run()

	pkt := dataPacket(t, [8]byte{0x01}, []byte("hello world"))
	require.NoError(t, pipemsg.Send(ip.remote, pkt, 100))

	_, ok := recvWithTimeout(t, cache.remote)
	require.True(t, ok, "cache pipe should always receive the packet")
	_, ok = recvWithTimeout(t, local.remote)
	require.True(t, ok, "local pipe should always receive the packet")
}

func TestForwarderDoesNotHairpin(t *testing.T) {
	f := New(Config{})
	defer f.Stop()

	wireless1 := newTestPipe()
	wireless2 := newTestPipe()

	f.Attach(1, "wlan0", ClassWireless, wireless1.local)
	f.Attach(2, "wlan1", ClassWireless, wireless2.local)
	go f.Run()

	pkt := dataPacket(t, [8]byte{0x02}, []byte("payload"))
	require.NoError(t, pipemsg.Send(wireless1.remote, pkt, 100))

	_, ok := recvWithTimeout(t, wireless2.remote)
	require.True(t, ok, "the other wireless pipe should receive the packet")

	// wireless1 should NOT see its own packet echoed back.
	done := make(chan struct{})
	go func() {
		recvWithTimeout(t, wireless1.remote)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("wireless1 should not receive its own packet back (hair-pinning)")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestForwarderSuppressesDuplicates(t *testing.T) {
	f := New(Config{})
	defer f.Stop()

	src := newTestPipe()
	local := newTestPipe()
	f.Attach(1, "src", ClassIP, src.local)
	f.Attach(2, "local", ClassLocal, local.local)
	go f.Run()

	pkt := dataPacket(t, [8]byte{0x03}, []byte("same payload"))
	require.NoError(t, pipemsg.Send(src.remote, pkt, 100))
	_, ok := recvWithTimeout(t, local.remote)
	require.True(t, ok)

	require.NoError(t, pipemsg.Send(src.remote, pkt, 100))
	_, ok = recvWithTimeout(t, local.remote)
	require.False(t, ok, "the duplicate should have been suppressed")
}

func TestForwarderDropsExpiredHopCount(t *testing.T) {
	f := New(Config{})
	defer f.Stop()

	src := newTestPipe()
	local := newTestPipe()
	f.Attach(1, "src", ClassIP, src.local)
	f.Attach(2, "local", ClassLocal, local.local)
	go f.Run()

	hdr := &allnetpkt.Header{
		Version:    allnetpkt.CurrentVersion,
		PacketType: allnetpkt.TypeData,
		HopCount:   5,
		MaxHops:    5,
	}
	pkt := allnetpkt.Build(hdr, []byte("stale"))
	require.NoError(t, pipemsg.Send(src.remote, pkt, 100))

	_, ok := recvWithTimeout(t, local.remote)
	require.False(t, ok, "a packet at its hop limit must be dropped")
}

func TestForwarderIncrementsHopCountOnlyForWireCopies(t *testing.T) {
	f := New(Config{})
	defer f.Stop()

	src := newTestPipe()
	ip := newTestPipe()
	local := newTestPipe()
	cache := newTestPipe()
	f.Attach(1, "src", ClassIP, src.local)
	f.Attach(2, "ip", ClassIP, ip.local)
	f.Attach(3, "local", ClassLocal, local.local)
	f.Attach(4, "cache", ClassCache, cache.local)
	go f.Run()

	pkt := dataPacket(t, [8]byte{0x04}, []byte("hop me"))
	require.NoError(t, pipemsg.Send(src.remote, pkt, 100))

	ipHdr, ok := recvHeaderWithTimeout(t, ip.remote)
	require.True(t, ok)
	require.Equal(t, uint8(1), ipHdr.HopCount, "the copy forwarded over the air must have its hop_count incremented")

	localHdr, ok := recvHeaderWithTimeout(t, local.remote)
	require.True(t, ok)
	require.Equal(t, uint8(0), localHdr.HopCount, "the copy delivered to a local app must retain the original hop_count")

	cacheHdr, ok := recvHeaderWithTimeout(t, cache.remote)
	require.True(t, ok)
	require.Equal(t, uint8(0), cacheHdr.HopCount, "the copy delivered to the cache must retain the original hop_count")
}
