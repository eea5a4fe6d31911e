package peers

import (
	"encoding/binary"
	"math/rand"
	"net"
	"strconv"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

// admissionCoinFlip implements spec.md §4.E's "with probability ½" choice
// between relieving admission pressure and evicting the LRU peer. This is
// a non-cryptographic scheduling decision, so a clock-seeded math/rand
// source is appropriate per spec.md §9's RNG-seeding note.
var admissionRand = rand.New(rand.NewSource(time.Now().UnixNano()))

func admissionCoinFlip() bool {
	return admissionRand.Intn(2) == 0
}

// peerRecordSize is the wire size of one AddrInfo entry in a MGMT_PEERS
// payload: version(1) + ip(16) + port(2) + destination(8) + destbits(1).
const peerRecordSize = 28

func encodeMgmtPeers(peers []AddrInfo) []byte {
	buf := make([]byte, 1+len(peers)*peerRecordSize)
	buf[0] = byte(0) // MgmtPeers sub-type, see allnetpkt.MgmtPeers
	off := 1
	for _, p := range peers {
		buf[off] = p.IPVersion
		ip16 := p.IP.To16()
		if ip16 == nil {
			ip16 = make([]byte, 16)
		}
		copy(buf[off+1:off+17], ip16)
		binary.BigEndian.PutUint16(buf[off+17:off+19], p.Port)
		copy(buf[off+19:off+27], p.Destination[:])
		buf[off+27] = p.DestBits
		off += peerRecordSize
	}
	return buf
}

// EncodeMgmtPeers builds a MGMT_PEERS payload listing peers, for use by
// the IP gateway's periodic peer-announcement (spec.md §4.H).
func EncodeMgmtPeers(peers []AddrInfo) []byte { return encodeMgmtPeers(peers) }

// DecodeMgmtPeers parses a MGMT_PEERS payload built by encodeMgmtPeers.
// Exported for the IP gateway, which folds the announced addresses into
// its known-peer set (spec.md §4.H).
func DecodeMgmtPeers(payload []byte) []AddrInfo {
	if len(payload) < 1 {
		return nil
	}
	body := payload[1:]
	n := len(body) / peerRecordSize
	out := make([]AddrInfo, 0, n)
	for i := 0; i < n; i++ {
		off := i * peerRecordSize
		rec := body[off : off+peerRecordSize]
		a := AddrInfo{
			IPVersion: rec[0],
			IP:        append(net.IP(nil), rec[1:17]...),
			Port:      binary.BigEndian.Uint16(rec[17:19]),
			DestBits:  rec[27],
		}
		copy(a.Destination[:], rec[19:27])
		out = append(out, a)
	}
	return out
}

// Config controls the dual-stack listener (spec.md §4.E).
type Config struct {
	Port          int
	LocalhostOnly bool
	NoDelay       bool
	Capacity      int
}

// AcceptFunc is invoked for every admitted connection.
type AcceptFunc func(fd int, conn net.Conn, addr AddrInfo)

// Listener runs the dual-stack (IPv6 + IPv4) accept loop and owns the
// Table it feeds (spec.md §4.E). An IPv4 bind failure is tolerated when
// the IPv6 listener is up, since dual-stack sockets often receive
// IPv4-mapped connections on the IPv6 socket alone (spec.md §9).
type Listener struct {
	cfg   Config
	table *Table
	log   *logging.Logger

	ln6, ln4 net.Listener
	onAccept AcceptFunc
}

// NewListener binds the configured port on both address families (IPv6
// required, IPv4 best-effort) and returns a Listener ready for Start.
func NewListener(cfg Config, log *logging.Logger, onAccept AcceptFunc) (*Listener, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	host6 := "[::]"
	host4 := "0.0.0.0"
	if cfg.LocalhostOnly {
		host6 = "[::1]"
		host4 = "127.0.0.1"
	}

	l := &Listener{
		cfg:      cfg,
		table:    New(cfg.Capacity, log),
		log:      log,
		onAccept: onAccept,
	}

	ln6, err6 := net.Listen("tcp6", net.JoinHostPort(host6, strconv.Itoa(cfg.Port)))
	if err6 != nil {
		return nil, err6 // IPv6 bind failure is fatal, per spec.md §4.E.
	}
	l.ln6 = ln6

	ln4, err4 := net.Listen("tcp4", net.JoinHostPort(host4, strconv.Itoa(cfg.Port)))
	if err4 != nil {
		if log != nil {
			log.Warningf("peers: ipv4 bind failed (%v), relying on ipv6 for mapped v4 connections", err4)
		}
	} else {
		l.ln4 = ln4
	}
	return l, nil
}

// Table exposes the underlying peer table.
func (l *Listener) Table() *Table { return l.table }

// Addr returns the bound address of the IPv6 listener, useful when Port
// was 0 and the OS chose an ephemeral port.
func (l *Listener) Addr() net.Addr { return l.ln6.Addr() }

// Start launches the accept loops. It does not block.
func (l *Listener) Start() {
	go l.acceptLoop(l.ln6)
	if l.ln4 != nil {
		go l.acceptLoop(l.ln4)
	}
}

// Close shuts down both listen sockets, unblocking their accept loops.
func (l *Listener) Close() {
	l.ln6.Close()
	if l.ln4 != nil {
		l.ln4.Close()
	}
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.log != nil {
				l.log.Debugf("peers: accept loop exiting: %v", err)
			}
			return
		}
		l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	addr := AddrInfoFromTCP(tcpAddr)

	if l.cfg.LocalhostOnly && !isLoopback(addr.IP) {
		if l.log != nil {
			l.log.Warningf("peers: dropping non-loopback connection from %v", addr.IP)
		}
		conn.Close()
		return
	}
	if l.cfg.NoDelay {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
	}

	fd := l.table.AllocFD()
	uniqueIPRequired := !isLoopback(addr.IP)
	if !l.table.AddFD(fd, conn, addr, uniqueIPRequired) {
		conn.Close()
		return
	}
	if l.onAccept != nil {
		l.onAccept(fd, conn, addr)
	}
}

