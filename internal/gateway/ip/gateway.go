package ip

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/peers"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

// TargetPeers is the number of simultaneously connected peers the
// gateway tries to maintain by dialing out (spec.md §4.H "fewer than a
// target number of peers are connected").
const TargetPeers = 8

// AnnounceInterval is how often the gateway sends each connected peer an
// MGMT_PEERS listing (spec.md §4.H "Periodically send each connected
// peer a MGMT_PEERS listing").
const AnnounceInterval = 30 * time.Second

// DialInterval is how often the gateway checks whether it should dial
// another known peer.
const DialInterval = 5 * time.Second

// Config configures a Gateway.
type Config struct {
	Port        int
	Capacity    int
	StorePath   string
	TargetPeers int
	DialTimeout time.Duration

	// UnixSocketPath, when non-empty, is where the gateway publishes its
	// known-peer address set for other local processes to query
	// (spec.md §6 "/tmp/allnet-addrs"). Empty disables the responder.
	UnixSocketPath string
}

// Gateway is the IP gateway of spec.md §4.H.
type Gateway struct {
	cfg      Config
	listener *peers.Listener
	store    *Store
	upstream pipemsg.Pipe
	log      *logging.Logger

	// dialLog is a separate structured logger for the outbound dial
	// loop, which maintains outbound peerings independently of the
	// inbound accept loop above.
	dialLog *clog.Logger

	mu     sync.Mutex
	conns  map[int]net.Conn
	stopCh chan struct{}
	unixLn net.Listener
}

// New creates a Gateway bound to cfg.Port, backed by the known-peer store
// at cfg.StorePath, forwarding to/from upstream (the pipe to the
// forwarder).
func New(cfg Config, upstream pipemsg.Pipe, log *logging.Logger) (*Gateway, error) {
	if cfg.TargetPeers == 0 {
		cfg.TargetPeers = TargetPeers
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	store, err := OpenStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:      cfg,
		store:    store,
		upstream: upstream,
		log:      log,
		dialLog: clog.NewWithOptions(os.Stderr, clog.Options{
			ReportTimestamp: true,
			Prefix:          "gateway/ip/dial",
		}),
		conns:  make(map[int]net.Conn),
		stopCh: make(chan struct{}),
	}
	ln, err := peers.NewListener(peers.Config{
		Port:     cfg.Port,
		Capacity: cfg.Capacity,
	}, log, g.onAccept)
	if err != nil {
		store.Close()
		return nil, err
	}
	g.listener = ln
	return g, nil
}

// Start launches the accept loop, the upstream fan-in reader, and the
// periodic dial/announce goroutines. It does not block.
func (g *Gateway) Start() {
	g.listener.Start()
	go g.readUpstreamLoop()
	go g.dialLoop()
	go g.announceLoop()
	if g.cfg.UnixSocketPath != "" {
		if err := g.startUnixSocket(); err != nil && g.log != nil {
			g.log.Warningf("ip: address-sharing socket disabled: %v", err)
		}
	}
}

// Stop halts all goroutines and releases the known-peer store.
func (g *Gateway) Stop() {
	close(g.stopCh)
	g.listener.Close()
	g.store.Close()
	if g.unixLn != nil {
		g.unixLn.Close()
	}
	if g.cfg.UnixSocketPath != "" {
		os.Remove(g.cfg.UnixSocketPath)
	}
}

// startUnixSocket opens the address-sharing UNIX socket and serves one
// known-peer listing per connection (spec.md §6 external interfaces).
func (g *Gateway) startUnixSocket() error {
	os.Remove(g.cfg.UnixSocketPath)
	ln, err := net.Listen("unix", g.cfg.UnixSocketPath)
	if err != nil {
		return err
	}
	g.unixLn = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go g.serveUnixQuery(conn)
		}
	}()
	return nil
}

func (g *Gateway) serveUnixQuery(conn net.Conn) {
	defer conn.Close()
	known, err := g.store.All()
	if err != nil {
		if g.log != nil {
			g.log.Warningf("ip: address-sharing query failed: %v", err)
		}
		return
	}
	for _, addr := range known {
		fmt.Fprintf(conn, "%s:%d\n", addr.IP.String(), addr.Port)
	}
}

func (g *Gateway) onAccept(fd int, conn net.Conn, addr peers.AddrInfo) {
	g.mu.Lock()
	g.conns[fd] = conn
	g.mu.Unlock()
	if err := g.store.Record(addr); err != nil && g.log != nil {
		g.log.Warningf("ip: recording known peer failed: %v", err)
	}
	go g.readPeerLoop(fd, conn, addr)
}

// readPeerLoop implements the network -> forwarder direction (spec.md
// §4.H "priority 0 on inbound from network (the forwarder recomputes
// priority)").
func (g *Gateway) readPeerLoop(fd int, conn net.Conn, addr peers.AddrInfo) {
	r := pipemsg.NewReader(conn)
	for {
		payload, _, _, err := r.Recv()
		if err != nil {
			g.dropConn(fd, conn, addr)
			return
		}
		g.listener.Table().RecordUsage(fd)

		if hdr, body, perr := allnetpkt.Parse(payload); perr == nil &&
			hdr.PacketType == allnetpkt.TypeMgmt && len(body) > 0 && body[0] == byte(allnetpkt.MgmtPeers) {
			for _, announced := range peers.DecodeMgmtPeers(body) {
				if err := g.store.Record(announced); err != nil && g.log != nil {
					g.log.Debugf("ip: recording announced peer failed: %v", err)
				}
			}
		}

		if err := pipemsg.Send(g.upstream, payload, 0); err != nil {
			if g.log != nil {
				g.log.Warningf("ip: upstream send failed: %v", err)
			}
			return
		}
	}
}

func (g *Gateway) dropConn(fd int, conn net.Conn, addr peers.AddrInfo) {
	g.mu.Lock()
	delete(g.conns, fd)
	g.mu.Unlock()
	g.listener.Table().RemoveFD(fd)
	g.listener.Table().ClearReservation(addr)
	conn.Close()
}

// readUpstreamLoop implements the forwarder -> network direction: every
// packet the forwarder sends is written to every currently connected
// peer, at the priority the forwarder assigned.
func (g *Gateway) readUpstreamLoop() {
	r := pipemsg.NewReader(g.upstream)
	for {
		payload, priority, _, err := r.Recv()
		if err != nil {
			if g.log != nil {
				g.log.Errorf("ip: upstream closed: %v", err)
			}
			return
		}
		for _, c := range g.listener.Table().Conns() {
			if err := pipemsg.Send(c.Conn, payload, priority); err != nil && g.log != nil {
				g.log.Debugf("ip: dropping for peer fd %d: %v", c.FD, err)
			}
		}
	}
}

// dialLoop periodically tries to bring the connected-peer count up to
// TargetPeers by dialing known peers (spec.md §4.H first bullet).
func (g *Gateway) dialLoop() {
	ticker := time.NewTicker(DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.maybeDial()
		}
	}
}

func (g *Gateway) maybeDial() {
	if g.listener.Table().Len() >= g.cfg.TargetPeers {
		return
	}
	known, err := g.store.All()
	if err != nil {
		g.dialLog.Warnf("known-peer lookup failed: %v", err)
		return
	}
	for _, addr := range known {
		result, _ := g.listener.Table().AlreadyListening(addr)
		if result != peers.ReservedByMe {
			continue
		}
		go g.dial(addr)
		return
	}
}

func (g *Gateway) dial(addr peers.AddrInfo) {
	defer g.listener.Table().ClearReservation(addr)

	target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port)))
	g.dialLog.Debugf("dialing: %v", target)
	conn, err := net.DialTimeout("tcp", target, g.cfg.DialTimeout)
	if err != nil {
		g.dialLog.Warnf("failed to connect to %v: %v", target, err)
		return
	}
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	dialedAddr := peers.AddrInfoFromTCP(tcpAddr)
	dialedAddr.Destination = addr.Destination
	dialedAddr.DestBits = addr.DestBits

	fd := g.listener.Table().AllocFD()
	if !g.listener.Table().AddFD(fd, conn, dialedAddr, true) {
		conn.Close()
		return
	}
	g.dialLog.Debugf("connection established: %v", target)
	g.onAccept(fd, conn, dialedAddr)
}

// announceLoop periodically tells every connected peer about its peers
// (spec.md §4.H second bullet).
func (g *Gateway) announceLoop() {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.announce()
		}
	}
}

func (g *Gateway) announce() {
	conns := g.listener.Table().Conns()
	for i, target := range conns {
		listing := make([]peers.AddrInfo, 0, len(conns)-1)
		for j, other := range conns {
			if i == j {
				continue
			}
			if addr, ok := g.listener.Table().Addr(other.FD); ok {
				listing = append(listing, addr)
			}
		}
		if len(listing) == 0 {
			continue
		}
		payload := peers.EncodeMgmtPeers(listing)
		hdr := &allnetpkt.Header{Version: allnetpkt.CurrentVersion, PacketType: allnetpkt.TypeMgmt, MaxHops: 1}
		pkt := allnetpkt.Build(hdr, payload)
		if err := pipemsg.Send(target.Conn, pkt, 0); err != nil && g.log != nil {
			g.log.Debugf("ip: announce to fd %d failed: %v", target.FD, err)
		}
	}
}
