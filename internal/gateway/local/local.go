// Package local implements the local application gateway of spec.md
// §4.G: a pure fan-out between locally-connected apps (bound to loopback)
// and the forwarder pipe. It consults neither the bloom cache nor the
// rate tracker -- that is the forwarder's job.
package local

import (
	"net"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/peers"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

// DefaultPort is the well-known loopback port apps connect to (spec.md §6
// "Local-app port").
const DefaultPort = 0xa11e // arbitrary but fixed within this implementation

// Registration is the one-time capability announcement every local app
// sends before it starts streaming packets. Capabilities is a bitmask
// the app defines for itself; this gateway only records it, it does not
// interpret the bits.
type Registration struct {
	Capabilities uint8
	Label        string
}

// Gateway bridges N local app connections to a single upstream pipe to
// the forwarder.
type Gateway struct {
	listener *peers.Listener
	upstream pipemsg.Pipe
	log      *logging.Logger

	mu    sync.Mutex
	conns map[int]net.Conn
	regs  map[int]Registration

	stopCh chan struct{}
}

// New creates a Gateway. upstream is the already-established pipe to the
// forwarder (an anonymous pipe pair set up by the supervisor, per
// spec.md §5 "Process model").
func New(port int, upstream pipemsg.Pipe, log *logging.Logger) (*Gateway, error) {
	g := &Gateway{
		upstream: upstream,
		log:      log,
		conns:    make(map[int]net.Conn),
		regs:     make(map[int]Registration),
		stopCh:   make(chan struct{}),
	}
	ln, err := peers.NewListener(peers.Config{
		Port:          port,
		LocalhostOnly: true,
		NoDelay:       true,
	}, log, g.onAccept)
	if err != nil {
		return nil, err
	}
	g.listener = ln
	return g, nil
}

func (g *Gateway) onAccept(fd int, conn net.Conn, _ peers.AddrInfo) {
	g.mu.Lock()
	g.conns[fd] = conn
	g.mu.Unlock()
	go g.readAppLoop(fd, conn)
}

// Start launches the accept loop and both fan-out directions. It does
// not block.
func (g *Gateway) Start() {
	g.listener.Start()
	go g.readUpstreamLoop()
}

// Stop halts both fan-out directions and closes the listener.
func (g *Gateway) Stop() {
	close(g.stopCh)
	g.listener.Close()
}

// readAppLoop implements the app -> forwarder direction (spec.md §4.G
// first bullet): frame, re-tag with the app's own priority, forward. The
// first frame on a new connection is the app's registration, consumed
// here rather than forwarded.
func (g *Gateway) readAppLoop(fd int, conn net.Conn) {
	r := pipemsg.NewReader(conn)
	regPayload, _, _, err := r.Recv()
	if err != nil {
		g.removeConn(fd, conn)
		return
	}
	g.mu.Lock()
	g.regs[fd] = parseRegistration(regPayload)
	g.mu.Unlock()
	if g.log != nil {
		g.log.Debugf("local: app fd %d registered (%q)", fd, g.regs[fd].Label)
	}

	for {
		payload, priority, _, err := r.Recv()
		if err != nil {
			g.removeConn(fd, conn)
			return
		}
		g.listener.Table().RecordUsage(fd)
		if err := pipemsg.Send(g.upstream, payload, priority); err != nil {
			if g.log != nil {
				g.log.Warningf("local: upstream send failed: %v", err)
			}
			return
		}
	}
}

// readUpstreamLoop implements the forwarder -> apps direction (spec.md
// §4.G second bullet): fan out every packet to every connected app at
// the priority the forwarder assigned.
func (g *Gateway) readUpstreamLoop() {
	r := pipemsg.NewReader(g.upstream)
	for {
		payload, priority, _, err := r.Recv()
		if err != nil {
			if g.log != nil {
				g.log.Errorf("local: upstream closed: %v", err)
			}
			return
		}
		g.fanOut(payload, priority)
	}
}

func (g *Gateway) fanOut(payload []byte, priority uint32) {
	for _, c := range g.listener.Table().Conns() {
		if err := pipemsg.Send(c.Conn, payload, priority); err != nil {
			if g.log != nil {
				g.log.Debugf("local: dropping for app fd %d: %v", c.FD, err)
			}
			g.removeConn(c.FD, c.Conn)
		}
	}
}

func (g *Gateway) removeConn(fd int, conn net.Conn) {
	g.mu.Lock()
	delete(g.conns, fd)
	delete(g.regs, fd)
	g.mu.Unlock()
	g.listener.Table().RemoveFD(fd)
	conn.Close()
}

// parseRegistration decodes a registration frame: one capability byte
// followed by an optional UTF-8 label. A zero-length frame registers
// with no capabilities and no label.
func parseRegistration(payload []byte) Registration {
	if len(payload) == 0 {
		return Registration{}
	}
	return Registration{Capabilities: payload[0], Label: string(payload[1:])}
}
