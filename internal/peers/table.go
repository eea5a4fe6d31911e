// Package peers implements the fd-bounded peer table and dual-stack TCP
// accept loop described in spec.md §4.E: bounded capacity with
// least-recently-used eviction (the evictee is told about substitute
// peers before its socket closes), address reservations that prevent
// racing outbound dials, and top-k destination-prefix lookup.
package peers

import (
	"net"
	"sort"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

// DefaultCapacity matches spec.md §3's "capacity M, e.g. 128".
const DefaultCapacity = 128

// MaxPeersPerMessage bounds how many peers a single MGMT_PEERS frame
// lists (spec.md §4.E: "naming up to 255 of the remaining peers").
const MaxPeersPerMessage = 255

type slot struct {
	fd     int // 0 means unused
	conn   net.Conn
	addr   AddrInfo
	used   uint64
}

type reservation struct {
	addr AddrInfo
	at   time.Time
}

// ReservationResult is the outcome of AlreadyListening.
type ReservationResult int

const (
	// ReservedByMe means the caller now owns the reservation and should
	// proceed to dial.
	ReservedByMe ReservationResult = iota
	// ReservedByOther means a dial to this address is already in
	// flight; the caller should retry later.
	ReservedByOther
	// ExistingPeer means a connected peer already has this address; the
	// returned fd identifies it.
	ExistingPeer
)

// Table is the fixed-capacity peer table (spec.md §3/§4.E). All mutating
// and lookup operations acquire a single mutex. The MGMT_PEERS write to a
// refused or evicted connection, and the evictee's close, happen while
// that mutex is held; no other socket I/O does.
type Table struct {
	mu sync.Mutex

	capacity int
	slots    []slot // len == capacity, insertion order preserved
	counter  uint64

	reservations []reservation

	log *logging.Logger

	nextFD int
}

// New creates an empty table with the given capacity.
func New(capacity int, log *logging.Logger) *Table {
	return &Table{
		capacity:     capacity,
		slots:        make([]slot, 0, capacity),
		reservations: make([]reservation, 0, capacity),
		log:          log,
		nextFD:       1,
	}
}

// NewDefault creates a table with DefaultCapacity.
func NewDefault(log *logging.Logger) *Table {
	return New(DefaultCapacity, log)
}

// Len reports the number of connected peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// AllocFD assigns a fresh logical fd identifier for a new connection, used
// as the table's key (distinct from the OS file descriptor, since Go
// exposes sockets as net.Conn rather than raw ints).
func (t *Table) AllocFD() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.nextFD
	t.nextFD++
	return fd
}

// AddFD attempts to add conn (keyed by fd, with address addr) to the
// table. If the table is full, it either relieves admission pressure by
// telling the new connection about current peers and refusing it, or
// evicts the least-recently-used peer (also telling it about the
// remaining peers) to make room -- the coin flip specified in spec.md
// §4.E. If uniqueIPRequired and addr already has a connected peer, AddFD
// refuses without touching the table (spec.md §4.E step 4,
// "already have this IP").
//
// AddFD returns true iff fd was added.
func (t *Table) AddFD(fd int, conn net.Conn, addr AddrInfo, uniqueIPRequired bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uniqueIPRequired && addr.IPVersion != 0 {
		for _, s := range t.slots {
			if s.addr.sameIP(addr) {
				return false
			}
		}
	}
	t.clearReservationLocked(addr)

	if len(t.slots) >= t.capacity {
		if admissionCoinFlip() {
			t.sendPeersLocked(conn, -1)
			return false
		}
		t.evictLRULocked()
	}

	t.counter++
	t.slots = append(t.slots, slot{fd: fd, conn: conn, addr: addr, used: t.counter})
	return true
}

// RemoveFD idempotently removes fd from the table, without touching its
// connection (the caller owns closing it).
func (t *Table) RemoveFD(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s.fd == fd {
			t.slots = append(t.slots[:i], t.slots[i+1:]...)
			return
		}
	}
}

// RecordUsage bumps fd's LRU counter, wrapping all counters down by
// roughly 15/16 on overflow, exactly mirroring the source's
// listen_record_usage (spec.md §3 invariant on `used`).
func (t *Table) RecordUsage(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counter+1 == 0 {
		decrement := t.counter - t.counter/16
		for i := range t.slots {
			if decrement < t.slots[i].used {
				t.slots[i].used -= decrement
			} else {
				t.slots[i].used = 0
			}
		}
		t.counter -= decrement
	}
	t.counter++
	for i := range t.slots {
		if t.slots[i].fd == fd {
			t.slots[i].used = t.counter
		}
	}
}

// evictLRULocked closes the least-recently-used peer, after telling it
// about the remaining peers, and removes it from the table.
func (t *Table) evictLRULocked() {
	if len(t.slots) == 0 {
		return
	}
	minIdx := 0
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].used < t.slots[minIdx].used {
			minIdx = i
		}
	}
	victim := t.slots[minIdx]
	t.sendPeersLocked(victim.conn, minIdx)
	victim.conn.Close()
	t.slots = append(t.slots[:minIdx], t.slots[minIdx+1:]...)
}

// sendPeersLocked builds and sends a MGMT_PEERS frame listing up to
// MaxPeersPerMessage other connected peers, skipping index `except` (use
// -1 to include everyone). Failures are logged and otherwise ignored: the
// socket is about to be closed regardless.
func (t *Table) sendPeersLocked(conn net.Conn, except int) {
	if len(t.slots) == 0 {
		return
	}
	listing := make([]AddrInfo, 0, len(t.slots))
	for i, s := range t.slots {
		if i == except || s.addr.IPVersion == 0 {
			continue
		}
		listing = append(listing, s.addr)
		if len(listing) == MaxPeersPerMessage {
			break
		}
	}
	if len(listing) == 0 {
		return
	}
	payload := encodeMgmtPeers(listing)
	hdr := &allnetpkt.Header{
		Version:    allnetpkt.CurrentVersion,
		PacketType: allnetpkt.TypeMgmt,
		MaxHops:    1,
	}
	pkt := allnetpkt.Build(hdr, payload)
	if err := pipemsg.Send(conn, pkt, 0); err != nil && t.log != nil {
		t.log.Debugf("peers: failed to send MGMT_PEERS to evictee: %v", err)
	}
}

// TopDestinations returns up to max fds whose recorded peer destination
// address shares the most leading bits with dest/nbits, ties broken by
// lower insertion index, skipping unaddressed (IPVersion==0) slots
// (spec.md §4.E).
func (t *Table) TopDestinations(dest [8]byte, nbits uint8, max int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	type cand struct {
		fd    int
		bits  int
		index int
	}
	var cands []cand
	for i, s := range t.slots {
		if s.addr.IPVersion == 0 {
			continue
		}
		bits := allnetpkt.MatchingBits(s.addr.Destination, s.addr.DestBits, dest, nbits)
		cands = append(cands, cand{fd: s.fd, bits: bits, index: i})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].bits != cands[j].bits {
			return cands[i].bits > cands[j].bits
		}
		return cands[i].index < cands[j].index
	})
	if max > len(cands) {
		max = len(cands)
	}
	result := make([]int, max)
	for i := 0; i < max; i++ {
		result[i] = cands[i].fd
	}
	return result
}

// AlreadyListening implements spec.md §4.E's reservation protocol.
func (t *Table) AlreadyListening(addr AddrInfo) (ReservationResult, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots {
		if s.addr.sameIP(addr) {
			return ExistingPeer, s.fd
		}
	}
	for _, r := range t.reservations {
		if r.addr.sameIP(addr) {
			return ReservedByOther, 0
		}
	}
	t.addReservationLocked(addr)
	return ReservedByMe, 0
}

// ClearReservation releases a reservation on addr, normally called once
// the dial it was guarding succeeds or fails.
func (t *Table) ClearReservation(addr AddrInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearReservationLocked(addr)
}

func (t *Table) clearReservationLocked(addr AddrInfo) {
	for i := 0; i < len(t.reservations); i++ {
		if t.reservations[i].addr.sameIP(addr) {
			t.reservations = append(t.reservations[:i], t.reservations[i+1:]...)
			i--
		}
	}
}

func (t *Table) addReservationLocked(addr AddrInfo) {
	if len(t.reservations) < t.capacity {
		t.reservations = append(t.reservations, reservation{addr: addr, at: time.Now()})
		return
	}
	oldest := 0
	for i := 1; i < len(t.reservations); i++ {
		if t.reservations[i].at.Before(t.reservations[oldest].at) {
			oldest = i
		}
	}
	t.reservations[oldest] = reservation{addr: addr, at: time.Now()}
}

// Addr returns the recorded address for fd, or false if fd is not present.
func (t *Table) Addr(fd int) (AddrInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.fd == fd {
			return s.addr, true
		}
	}
	return AddrInfo{}, false
}

// Conns returns every currently connected peer's (fd, conn) pair, used by
// fan-out writers (spec.md §4.G "sends to every currently-connected app").
func (t *Table) Conns() []struct {
	FD   int
	Conn net.Conn
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]struct {
		FD   int
		Conn net.Conn
	}, len(t.slots))
	for i, s := range t.slots {
		out[i] = struct {
			FD   int
			Conn net.Conn
		}{s.fd, s.conn}
	}
	return out
}
