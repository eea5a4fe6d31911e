// Package bloomcache implements the rotating family of bloom filters used
// for duplicate-packet suppression (spec.md §4.C). Two independent
// families exist in practice, one for data IDs and one for ack IDs; this
// package implements a single family, and callers hold two instances.
package bloomcache

import (
	"encoding/binary"
	"sync"
)

// DefaultK, DefaultBits and DefaultSlices match spec.md §3/§8's example
// configuration (K=8 typical, B and D tuned for a 128KiB-per-filter
// false-positive budget at the scenario S4 scale of 10000 insertions).
const (
	DefaultK      = 8
	DefaultBits   = 1 << 20
	DefaultSlices = 4
)

// filter is a single fixed-size bit array with Slices independent hash
// slices, addressed per spec.md §4.C: "D independent hashes derived from
// the 16-byte ID by interpreting its bytes as D distinct 32-bit words
// modulo B."
type filter struct {
	bits []byte // len == ceil(Bits/8)
}

func newFilter(bits uint32) *filter {
	return &filter{bits: make([]byte, (bits+7)/8)}
}

func (f *filter) bitLen() uint32 {
	return uint32(len(f.bits)) * 8
}

func (f *filter) set(pos uint32) {
	f.bits[pos/8] |= 1 << (pos % 8)
}

func (f *filter) get(pos uint32) bool {
	return f.bits[pos/8]&(1<<(pos%8)) != 0
}

// slicePositions returns the Slices bit positions a 16-byte ID maps to in
// a filter of the given bit length, per spec.md §4.C's hashing rule.
func slicePositions(id [16]byte, slices int, bitLen uint32) []uint32 {
	positions := make([]uint32, slices)
	for i := 0; i < slices; i++ {
		off := (i * 4) % 16
		word := binary.BigEndian.Uint32(id[off : off+4])
		// Fold in the slice index so that D > 4 still yields
		// independent positions instead of repeating every 4 slices.
		word ^= uint32(i/4) * 0x9e3779b9
		positions[i] = word % bitLen
	}
	return positions
}

// Family is an ordered sequence of K bloom filters forming a rolling
// duplicate-suppression window (spec.md §4.C). The newest filter (index
// 0) is written; all K filters are read for membership.
type Family struct {
	mu      sync.Mutex
	k       int
	bits    uint32
	slices  int
	filters []*filter // filters[0] is newest
}

// New creates an empty Family with k filters of bits bits and slices hash
// slices each.
func New(k int, bits uint32, slices int) *Family {
	fs := make([]*filter, k)
	for i := range fs {
		fs[i] = newFilter(bits)
	}
	return &Family{k: k, bits: bits, slices: slices, filters: fs}
}

// NewDefault creates a Family using DefaultK/DefaultBits/DefaultSlices.
func NewDefault() *Family {
	return New(DefaultK, DefaultBits, DefaultSlices)
}

// IsMember reports whether id is a member of any of the K filters (spec.md
// §4.C: "the effective membership set is the union of all K filters").
func (fam *Family) IsMember(id [16]byte) bool {
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return fam.isMemberLocked(id)
}

func (fam *Family) isMemberLocked(id [16]byte) bool {
	for _, f := range fam.filters {
		if allSet(f, slicePositions(id, fam.slices, f.bitLen())) {
			return true
		}
	}
	return false
}

func allSet(f *filter, positions []uint32) bool {
	for _, p := range positions {
		if !f.get(p) {
			return false
		}
	}
	return true
}

// Insert sets id's bits in the newest filter only (spec.md §4.C).
func (fam *Family) Insert(id [16]byte) {
	fam.mu.Lock()
	defer fam.mu.Unlock()
	newest := fam.filters[0]
	for _, p := range slicePositions(id, fam.slices, newest.bitLen()) {
		newest.set(p)
	}
}

// TestAndInsert reports whether id was already a member of the family,
// then inserts it unconditionally. This implements the forwarder's
// "if member, drop; otherwise insert" duplicate check (spec.md §4.F step
// 3) as a single atomic operation.
func (fam *Family) TestAndInsert(id [16]byte) (wasMember bool) {
	fam.mu.Lock()
	defer fam.mu.Unlock()
	wasMember = fam.isMemberLocked(id)
	newest := fam.filters[0]
	for _, p := range slicePositions(id, fam.slices, newest.bitLen()) {
		newest.set(p)
	}
	return wasMember
}

// Advance drops the oldest filter and prepends a new empty filter (spec.md
// §4.C). Called on a wall-clock interval by the owning component so that
// suppression windows roll over rather than saturating.
func (fam *Family) Advance() {
	fam.mu.Lock()
	defer fam.mu.Unlock()
	copy(fam.filters[1:], fam.filters[:fam.k-1])
	fam.filters[0] = newFilter(fam.bits)
}

// K, Bits and Slices expose the family's configuration, used by the
// on-disk header.
func (fam *Family) K() int        { return fam.k }
func (fam *Family) Bits() uint32  { return fam.bits }
func (fam *Family) Slices() int   { return fam.slices }
