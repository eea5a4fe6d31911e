package packetcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allnetproject/allnet/internal/allnetpkt"
)

func buildPacket(t *testing.T, dest [8]byte, destBits uint8, body []byte) (*allnetpkt.Header, []byte) {
	t.Helper()
	hdr := &allnetpkt.Header{
		Version:         allnetpkt.CurrentVersion,
		PacketType:      allnetpkt.TypeData,
		MaxHops:         10,
		Destination:     dest,
		DestinationBits: destBits,
	}
	return hdr, allnetpkt.Build(hdr, body)
}

func TestMatchingFindsPrefixMatches(t *testing.T) {
	c := NewDefault(nil)
	hdr, wire := buildPacket(t, [8]byte{0xF0}, 8, []byte("hello"))
	c.Observe(hdr, wire, 100)

	matches := c.Matching([8]byte{0xF0}, 8)
	require.Len(t, matches, 1)
}

func TestMatchingExcludesNonMatchingPrefix(t *testing.T) {
	c := NewDefault(nil)
	hdr, wire := buildPacket(t, [8]byte{0x0F}, 8, []byte("hello"))
	c.Observe(hdr, wire, 100)

	matches := c.Matching([8]byte{0xF0}, 8)
	require.Empty(t, matches)
}

func TestCacheEvictsOldEntries(t *testing.T) {
	c := New(DefaultCapacity, 10*time.Millisecond, nil)
	hdr, wire := buildPacket(t, [8]byte{0xAA}, 8, []byte("stale"))
	c.Observe(hdr, wire, 100)

	time.Sleep(30 * time.Millisecond)
	matches := c.Matching([8]byte{0xAA}, 8)
	require.Empty(t, matches)
}

func TestCacheBoundsCapacity(t *testing.T) {
	c := New(4, 0, nil)
	for i := 0; i < 10; i++ {
		hdr, wire := buildPacket(t, [8]byte{0xAA}, 8, []byte{byte(i)})
		c.Observe(hdr, wire, 100)
	}
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	require.Equal(t, 4, n)
}
