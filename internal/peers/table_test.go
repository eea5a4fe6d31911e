package peers

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal net.Conn that never blocks on Write, so tests can
// exercise eviction's synchronous MGMT_PEERS send without a paired reader.
type fakeConn struct {
	net.Conn
	written bytes.Buffer
	closed  bool
}

func (f *fakeConn) Write(b []byte) (int, error) {
	return f.written.Write(b)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func addrAt(n byte) AddrInfo {
	return AddrInfo{IPVersion: 4, IP: net.IPv4(10, 0, 0, n), Port: 1000 + uint16(n)}
}

func TestAddFDEvictsLRUWhenFull(t *testing.T) {
	tbl := New(2, nil)

	c1, c2, c3 := newFakeConn(), newFakeConn(), newFakeConn()
	require.True(t, tbl.AddFD(1, c1, addrAt(1), true))
	require.True(t, tbl.AddFD(2, c2, addrAt(2), true))
	tbl.RecordUsage(2) // fd 2 is now more recently used than fd 1

	// The admission coin flip may refuse fd 3; retry AddFD until the LRU
	// eviction branch is taken.
	var added bool
	for i := 0; i < 200 && !added; i++ {
		added = tbl.AddFD(3, c3, addrAt(3), true)
		if added {
			break
		}
		// refused via admission pressure; fd 3's slot wasn't touched,
		// so just retry the coin flip.
	}
	require.True(t, added)
	require.Equal(t, 2, tbl.Len())

	_, ok := tbl.Addr(1)
	require.False(t, ok, "fd 1 (LRU) should have been evicted")
	_, ok = tbl.Addr(2)
	require.True(t, ok)
	_, ok = tbl.Addr(3)
	require.True(t, ok)
	require.True(t, c1.closed)
}

func TestAddFDRejectsDuplicateIP(t *testing.T) {
	tbl := New(4, nil)
	a := addrAt(9)
	require.True(t, tbl.AddFD(1, newFakeConn(), a, true))
	require.False(t, tbl.AddFD(2, newFakeConn(), a, true))
	require.Equal(t, 1, tbl.Len())
}

func TestAddFDAllowsDuplicateIPWhenNotRequired(t *testing.T) {
	tbl := New(4, nil)
	a := addrAt(9)
	require.True(t, tbl.AddFD(1, newFakeConn(), a, false))
	require.True(t, tbl.AddFD(2, newFakeConn(), a, false))
	require.Equal(t, 2, tbl.Len())
}

func TestRecordUsageWraparound(t *testing.T) {
	tbl := New(4, nil)
	require.True(t, tbl.AddFD(1, newFakeConn(), addrAt(1), true))

	tbl.counter = ^uint64(0) // counter+1 overflows to 0, triggering the rescale
	tbl.RecordUsage(1)
	require.Less(t, tbl.counter, ^uint64(0)/2, "counter should have been rescaled down, not overflowed")
}

func TestTopDestinationsOrdersByMatchingBits(t *testing.T) {
	tbl := New(8, nil)

	near := addrAt(1)
	near.Destination = [8]byte{0xF0}
	near.DestBits = 8

	far := addrAt(2)
	far.Destination = [8]byte{0x0F}
	far.DestBits = 8

	exact := addrAt(3)
	exact.Destination = [8]byte{0xF0, 0x0F}
	exact.DestBits = 16

	require.True(t, tbl.AddFD(1, newFakeConn(), near, true))
	require.True(t, tbl.AddFD(2, newFakeConn(), far, true))
	require.True(t, tbl.AddFD(3, newFakeConn(), exact, true))

	top := tbl.TopDestinations([8]byte{0xF0, 0x0F}, 16, 2)
	require.Equal(t, []int{3, 1}, top)
}

func TestTopDestinationsSkipsUnaddressedSlots(t *testing.T) {
	tbl := New(4, nil)
	require.True(t, tbl.AddFD(1, newFakeConn(), AddrInfo{}, false))
	require.True(t, tbl.AddFD(2, newFakeConn(), addrAt(5), true))

	top := tbl.TopDestinations([8]byte{0x00}, 0, 4)
	require.Equal(t, []int{2}, top)
}

func TestAlreadyListeningMutualExclusion(t *testing.T) {
	tbl := New(4, nil)
	a := addrAt(7)

	res, _ := tbl.AlreadyListening(a)
	require.Equal(t, ReservedByMe, res)

	res, _ = tbl.AlreadyListening(a)
	require.Equal(t, ReservedByOther, res, "a second concurrent dial attempt must not also win the reservation")

	tbl.ClearReservation(a)
	res, _ = tbl.AlreadyListening(a)
	require.Equal(t, ReservedByMe, res, "after clearing, a fresh dial attempt may claim it")
}

func TestAlreadyListeningReportsExistingPeer(t *testing.T) {
	tbl := New(4, nil)
	a := addrAt(7)
	require.True(t, tbl.AddFD(11, newFakeConn(), a, true))

	res, fd := tbl.AlreadyListening(a)
	require.Equal(t, ExistingPeer, res)
	require.Equal(t, 11, fd)
}

func TestAddFDClearsReservationOnSuccess(t *testing.T) {
	tbl := New(4, nil)
	a := addrAt(7)

	res, _ := tbl.AlreadyListening(a)
	require.Equal(t, ReservedByMe, res)

	require.True(t, tbl.AddFD(1, newFakeConn(), a, true))

	// Now a fresh reservation attempt against the same address reports
	// ExistingPeer, not ReservedByOther, since the peer is connected and
	// the stale reservation was cleared.
	res, fd := tbl.AlreadyListening(a)
	require.Equal(t, ExistingPeer, res)
	require.Equal(t, 1, fd)
}

func TestEvictLRUSendsPeersBeforeClosing(t *testing.T) {
	tbl := New(2, nil)
	c1 := newFakeConn()
	require.True(t, tbl.AddFD(1, c1, addrAt(1), true))
	require.True(t, tbl.AddFD(2, newFakeConn(), addrAt(2), true))

	tbl.evictLRULocked()
	require.True(t, c1.closed)
	require.Greater(t, c1.written.Len(), 0, "evictee should receive a MGMT_PEERS frame before close")
}
