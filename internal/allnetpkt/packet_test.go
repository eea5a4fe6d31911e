package allnetpkt

import (
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func randHeader(rt *rapid.T) *Header {
	h := &Header{
		Version:         CurrentVersion,
		PacketType:      Type(rapid.IntRange(0, 5).Draw(rt, "type")),
		HopCount:        uint8(rapid.IntRange(0, 255).Draw(rt, "hops")),
		MaxHops:         uint8(rapid.IntRange(0, 255).Draw(rt, "maxhops")),
		SourceBits:      uint8(rapid.IntRange(0, 64).Draw(rt, "sbits")),
		DestinationBits: uint8(rapid.IntRange(0, 64).Draw(rt, "dbits")),
		SigType:         uint8(rapid.IntRange(0, 255).Draw(rt, "sig")),
		Transport:       uint8(rapid.IntRange(0, 3).Draw(rt, "transport")),
	}
	copy(h.Source[:], rapid.SliceOfN(rapid.Byte(), AddressSize, AddressSize).Draw(rt, "src"))
	copy(h.Destination[:], rapid.SliceOfN(rapid.Byte(), AddressSize, AddressSize).Draw(rt, "dst"))
	if h.HasMessageID() {
		copy(h.MessageID[:], rapid.SliceOfN(rapid.Byte(), IDSize, IDSize).Draw(rt, "mid"))
	}
	if h.HasExpiration() {
		h.ExpirationUnix = rapid.Uint64().Draw(rt, "exp")
	}
	return h
}

func TestBuildParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := randHeader(rt)
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "payload")

		buf := Build(h, payload)
		require.Equal(t, Size(h.Transport)+len(payload), len(buf))

		got, gotPayload, err := Parse(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
		require.True(t, len(gotPayload) == len(payload))
		require.Equal(t, payload, gotPayload)
	})
}

func TestParseTooShort(t *testing.T) {
	_, _, err := Parse(make([]byte, FixedHeaderSize-1))
	require.ErrorIs(t, err, ErrTooShort)
}

func TestParseTooShortForTrailer(t *testing.T) {
	h := &Header{Version: CurrentVersion, Transport: TransportMessageID}
	buf := Build(h, nil)
	_, _, err := Parse(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrTooShort)
}

func TestParseBadVersion(t *testing.T) {
	h := &Header{Version: CurrentVersion + 1}
	buf := Build(h, nil)
	_, _, err := Parse(buf)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestExpiredHops(t *testing.T) {
	require.True(t, (&Header{HopCount: 5, MaxHops: 5}).ExpiredHops())
	require.True(t, (&Header{HopCount: 6, MaxHops: 5}).ExpiredHops())
	require.False(t, (&Header{HopCount: 4, MaxHops: 5}).ExpiredHops())
}

func TestIDUsesExplicitMessageID(t *testing.T) {
	h := &Header{Transport: TransportMessageID}
	h.MessageID = [IDSize]byte{1, 2, 3}
	require.Equal(t, h.MessageID, h.ID([]byte("payload")))
}

func TestIDHashesDataPrefix(t *testing.T) {
	h := &Header{PacketType: TypeData}
	payload := []byte("this payload is longer than sixteen bytes")
	sum := sha512.Sum512(payload[:IDSize])
	var want [IDSize]byte
	copy(want[:], sum[:IDSize])
	require.Equal(t, want, h.ID(payload))
}

func TestIDHashesWholeAckPayload(t *testing.T) {
	h := &Header{PacketType: TypeDataAck}
	payload := []byte("short")
	sum := sha512.Sum512(payload)
	var want [IDSize]byte
	copy(want[:], sum[:IDSize])
	require.Equal(t, want, h.ID(payload))
}

func TestMatchingBits(t *testing.T) {
	var a, b [AddressSize]byte
	a[0] = 0b11110000
	b[0] = 0b11111111
	require.Equal(t, 4, MatchingBits(a, 64, b, 64))
	require.Equal(t, 0, MatchingBits(a, 0, b, 64))

	var c [AddressSize]byte
	c[0] = 0b11110000
	require.Equal(t, 8, MatchingBits(a, 8, c, 8))
}
