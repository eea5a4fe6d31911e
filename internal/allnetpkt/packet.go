// Package allnetpkt implements the AllNet wire packet header: parsing,
// building, and packet-ID extraction for duplicate suppression.
//
// The layout is fixed across implementations (peers at other sites may run
// other code against the same wire format), so unlike the rest of this
// repository nothing here is free to pick a Go-native encoding.
package allnetpkt

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
)

// Packet types, per the fixed AllNet header.
type Type uint8

const (
	TypeData Type = iota
	TypeDataAck
	TypeDataReq
	TypeKeyXchg
	TypeClear
	TypeMgmt
)

// Management sub-types carried in the first payload byte of a TypeMgmt
// packet.
type MgmtType uint8

const (
	MgmtPeers MgmtType = iota
	MgmtTrace
	MgmtDataReq
)

// Transport flag bits gating the optional trailer fields that follow the
// fixed 24-byte header.
const (
	TransportMessageID  uint8 = 1 << 0 // 16-byte explicit packet/message ID follows
	TransportExpiration uint8 = 1 << 1 // 8-byte expiration timestamp follows
)

// FixedHeaderSize is the size of the header before any transport-gated
// trailer fields.
const FixedHeaderSize = 24

// AddressSize is the width in bytes of the source and destination address
// fields; only the top NBits of each are meaningful.
const AddressSize = 8

// IDSize is the width of a packet ID, per spec.md §3.
const IDSize = 16

var (
	ErrTooShort    = errors.New("allnetpkt: packet shorter than header")
	ErrBadVersion  = errors.New("allnetpkt: unsupported version")
	ErrHopsExpired = errors.New("allnetpkt: hop_count >= max_hops")
)

// CurrentVersion is the only version this implementation emits or accepts.
const CurrentVersion = 1

// Header is the parsed form of an AllNet packet's fixed header plus any
// transport-gated trailer fields. Source/Destination always hold 8 bytes;
// only the top SourceBits/DestinationBits of each are meaningful, per
// spec.md §3.
type Header struct {
	Version          uint8
	PacketType       Type
	HopCount         uint8
	MaxHops          uint8
	SourceBits       uint8
	DestinationBits  uint8
	SigType          uint8
	Transport        uint8
	Source           [AddressSize]byte
	Destination      [AddressSize]byte
	MessageID        [IDSize]byte // valid iff Transport&TransportMessageID
	ExpirationUnix   uint64       // valid iff Transport&TransportExpiration
}

// Size returns ALLNET_SIZE(transport): the number of header bytes,
// including any transport-gated trailer fields.
func Size(transport uint8) int {
	n := FixedHeaderSize
	if transport&TransportMessageID != 0 {
		n += IDSize
	}
	if transport&TransportExpiration != 0 {
		n += 8
	}
	return n
}

// HasMessageID reports whether the header carries an explicit message ID.
func (h *Header) HasMessageID() bool {
	return h.Transport&TransportMessageID != 0
}

// HasExpiration reports whether the header carries an expiration field.
func (h *Header) HasExpiration() bool {
	return h.Transport&TransportExpiration != 0
}

// Parse validates and decodes an AllNet packet's header from buf. It
// returns the header and the payload slice (the remainder of buf after the
// header). Parse does not check hop_count against max_hops; callers that
// care (the forwarder) do that explicitly, since some callers (the cache)
// want to see already-expired packets too.
func Parse(buf []byte) (*Header, []byte, error) {
	if len(buf) < FixedHeaderSize {
		return nil, nil, ErrTooShort
	}
	h := &Header{
		Version:         buf[0],
		PacketType:      Type(buf[1]),
		HopCount:        buf[2],
		MaxHops:         buf[3],
		SourceBits:      buf[4],
		DestinationBits: buf[5],
		SigType:         buf[6],
		Transport:       buf[7],
	}
	if h.Version != CurrentVersion {
		return nil, nil, ErrBadVersion
	}
	copy(h.Source[:], buf[8:16])
	copy(h.Destination[:], buf[16:24])

	size := Size(h.Transport)
	if len(buf) < size {
		return nil, nil, ErrTooShort
	}
	off := FixedHeaderSize
	if h.HasMessageID() {
		copy(h.MessageID[:], buf[off:off+IDSize])
		off += IDSize
	}
	if h.HasExpiration() {
		h.ExpirationUnix = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return h, buf[size:], nil
}

// Build serializes header and payload into a wire packet.
func Build(h *Header, payload []byte) []byte {
	size := Size(h.Transport)
	buf := make([]byte, size+len(payload))
	buf[0] = h.Version
	buf[1] = uint8(h.PacketType)
	buf[2] = h.HopCount
	buf[3] = h.MaxHops
	buf[4] = h.SourceBits
	buf[5] = h.DestinationBits
	buf[6] = h.SigType
	buf[7] = h.Transport
	copy(buf[8:16], h.Source[:])
	copy(buf[16:24], h.Destination[:])
	off := FixedHeaderSize
	if h.HasMessageID() {
		copy(buf[off:off+IDSize], h.MessageID[:])
		off += IDSize
	}
	if h.HasExpiration() {
		binary.BigEndian.PutUint64(buf[off:off+8], h.ExpirationUnix)
		off += 8
	}
	copy(buf[size:], payload)
	return buf
}

// ExpiredHops reports whether the packet has used up its hop budget, per
// spec.md §4.F step 1 ("Drop if ... hop_count >= max_hops").
func (h *Header) ExpiredHops() bool {
	return h.HopCount >= h.MaxHops
}

// ID computes the packet ID used as the bloom cache key (spec.md §3): the
// explicit MessageID trailer when present, otherwise the first IDSize
// bytes of SHA-512 over the canonical portion -- the first 16 bytes of
// payload for data-shaped packets, the whole payload for acks.
func (h *Header) ID(payload []byte) [IDSize]byte {
	if h.HasMessageID() {
		return h.MessageID
	}
	var canon []byte
	switch h.PacketType {
	case TypeDataAck:
		canon = payload
	default:
		n := len(payload)
		if n > IDSize {
			n = IDSize
		}
		canon = payload[:n]
	}
	sum := sha512.Sum512(canon)
	var id [IDSize]byte
	copy(id[:], sum[:IDSize])
	return id
}

// MatchingBits returns the number of leading bits that a and b share, up to
// min(abits, bbits) bits of significance -- used by the peer listener's
// top-k destination lookup (spec.md §4.E) and by the packet cache's
// MGMT_DATA_REQ prefix matching.
func MatchingBits(a [AddressSize]byte, abits uint8, b [AddressSize]byte, bbits uint8) int {
	limit := abits
	if bbits < limit {
		limit = bbits
	}
	count := 0
	for i := 0; i < AddressSize && count < int(limit); i++ {
		x := a[i] ^ b[i]
		for bit := 7; bit >= 0 && count < int(limit); bit-- {
			if x&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}
