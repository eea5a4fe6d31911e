// Package forwarder implements the central router described in spec.md
// §4.F: for every packet arriving on any attached pipe, parse and validate
// its header, suppress duplicates via the two bloom families, rate-limit
// by source, and fan the packet out to every other attached pipe that
// should see it.
//
// Each pipe gets a reader loop (via pipemsg.Mux) and its own small
// outbound queue drained by a writer goroutine, so one slow peer can
// never stall delivery to the rest (spec.md §4.F "Backpressure").
package forwarder

import (
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/bloomcache"
	"github.com/allnetproject/allnet/internal/metrics"
	"github.com/allnetproject/allnet/internal/pipemsg"
	"github.com/allnetproject/allnet/internal/ratelimit"
)

// Class identifies which role an attached pipe plays, governing the
// outbound-set rules of spec.md §4.F step 5.
type Class int

const (
	ClassCache Class = iota
	ClassLocal
	ClassIP
	ClassWireless
	ClassTrace
)

// OutboundQueueSize bounds each pipe's pending-frame queue. A full queue
// means the peer on the other end is slower than the rest of the mesh;
// the forwarder drops rather than blocks (spec.md §4.F "Backpressure").
const OutboundQueueSize = 64

type outboundFrame struct {
	payload  []byte
	priority uint32
}

type attachedPipe struct {
	fd    int
	label string
	class Class
	pipe  pipemsg.Pipe
	out   chan outboundFrame
	done  chan struct{}
}

// Forwarder is the central router. It owns no pipes directly; Attach and
// Detach register them, and Run drives the receive/dispatch loop.
type Forwarder struct {
	mux *pipemsg.Mux
	log *logging.Logger

	dataBloom *bloomcache.Family
	ackBloom  *bloomcache.Family
	rates     *ratelimit.Tracker
	metrics   *metrics.Registry

	mu    sync.Mutex
	pipes map[int]*attachedPipe

	closeOnce sync.Once
	stopCh    chan struct{}
}

// Config bundles the bloom families and rate tracker a Forwarder routes
// through. Callers typically load these from disk at startup
// (bloomcache.Load) and persist them periodically or at shutdown.
// Metrics is optional; when nil, no counters are recorded.
type Config struct {
	DataBloom *bloomcache.Family
	AckBloom  *bloomcache.Family
	Rates     *ratelimit.Tracker
	Metrics   *metrics.Registry
	Log       *logging.Logger
}

// New creates a Forwarder. Nil fields in cfg fall back to fresh defaults.
func New(cfg Config) *Forwarder {
	if cfg.DataBloom == nil {
		cfg.DataBloom = bloomcache.NewDefault()
	}
	if cfg.AckBloom == nil {
		cfg.AckBloom = bloomcache.NewDefault()
	}
	if cfg.Rates == nil {
		cfg.Rates = ratelimit.NewDefault()
	}
	return &Forwarder{
		mux:       pipemsg.New(),
		log:       cfg.Log,
		dataBloom: cfg.DataBloom,
		ackBloom:  cfg.AckBloom,
		rates:     cfg.Rates,
		metrics:   cfg.Metrics,
		pipes:     make(map[int]*attachedPipe),
		stopCh:    make(chan struct{}),
	}
}

// Attach registers pipe under fd with the given label and class, and
// starts both its reader (via the mux) and its writer goroutine.
func (f *Forwarder) Attach(fd int, label string, class Class, pipe pipemsg.Pipe) {
	ap := &attachedPipe{
		fd:    fd,
		label: label,
		class: class,
		pipe:  pipe,
		out:   make(chan outboundFrame, OutboundQueueSize),
		done:  make(chan struct{}),
	}
	f.mu.Lock()
	f.pipes[fd] = ap
	f.mu.Unlock()

	f.mux.Add(fd, label, pipe)
	go f.writeLoop(ap)
}

// Detach unregisters fd, stopping its writer goroutine and closing its
// pipe via the mux.
func (f *Forwarder) Detach(fd int) {
	f.mu.Lock()
	ap, ok := f.pipes[fd]
	if ok {
		delete(f.pipes, fd)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	close(ap.done)
	f.mux.Remove(fd)
}

func (f *Forwarder) writeLoop(ap *attachedPipe) {
	for {
		select {
		case <-ap.done:
			return
		case frame := <-ap.out:
			if err := pipemsg.Send(ap.pipe, frame.payload, frame.priority); err != nil {
				if f.log != nil {
					f.log.Debugf("forwarder: send to %s failed, detaching: %v", ap.label, err)
				}
				go f.Detach(ap.fd)
				return
			}
		}
	}
}

// enqueue offers frame to ap's outbound queue without blocking. A full
// queue means ap is backpressuring; the frame is dropped on that pipe
// only (spec.md §4.F "Backpressure").
func (f *Forwarder) enqueue(ap *attachedPipe, payload []byte, priority uint32) {
	select {
	case ap.out <- outboundFrame{payload: payload, priority: priority}:
	default:
		if f.log != nil {
			f.log.Warningf("forwarder: dropping frame for %s, queue full", ap.label)
		}
	}
}

// Stop halts Run.
func (f *Forwarder) Stop() {
	f.closeOnce.Do(func() { close(f.stopCh) })
}

// Run drives the central receive/dispatch loop until Stop is called. It
// is meant to run in its own goroutine.
func (f *Forwarder) Run() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		res, ok := f.mux.RecvAny(200 * time.Millisecond)
		if !ok {
			continue
		}
		if res.Closed {
			f.Detach(res.FD)
			continue
		}
		f.handle(res)
	}
}

// handle implements the per-message pipeline of spec.md §4.F steps 1-7.
func (f *Forwarder) handle(res pipemsg.Result) {
	start := time.Now()
	if f.metrics != nil {
		f.metrics.PacketsByPipe.WithLabelValues(res.Label).Inc()
		defer func() { f.metrics.ForwardLatency.Observe(time.Since(start).Seconds()) }()
	}

	hdr, payload, err := allnetpkt.Parse(res.Payload)
	if err != nil {
		if f.log != nil {
			f.log.Debugf("forwarder: dropping unparseable packet from %s: %v", res.Label, err)
		}
		f.countDrop("parse_error")
		return
	}
	if hdr.ExpiredHops() {
		f.countDrop("hop_limit")
		return
	}

	id := hdr.ID(payload)
	family := "data"
	bloom := f.dataBloom
	if hdr.PacketType == allnetpkt.TypeDataAck {
		family = "ack"
		bloom = f.ackBloom
	}
	dup := bloom.TestAndInsert(id)
	if f.metrics != nil {
		f.metrics.BloomInserts.WithLabelValues(family).Inc()
		if dup {
			f.metrics.BloomHits.WithLabelValues(family).Inc()
		}
	}
	if dup {
		f.countDrop("duplicate")
		return
	}

	priority := f.rates.Observe(hdr.Source, hdr.SourceBits, len(res.Payload))
	if f.metrics != nil {
		f.metrics.RatePriority.Observe(float64(priority) / float64(pipemsg.MaxPriority))
	}
	if res.Priority < priority {
		priority = res.Priority
	}
	if priority == 0 {
		f.countDrop("rate_limited")
		return
	}

	// The copy leaving over the air gets its hop count bumped; internal
	// copies to the cache and local apps retain the original count
	// (spec.md §4.F step 6).
	outHdr := *hdr
	outHdr.HopCount++
	forwardedPkt := allnetpkt.Build(&outHdr, payload)
	internalPkt := allnetpkt.Build(hdr, payload)

	f.mu.Lock()
	targets := make([]*attachedPipe, 0, len(f.pipes))
	for fd, ap := range f.pipes {
		if ap.class == ClassIP || ap.class == ClassWireless {
			if fd == res.FD {
				continue // no hair-pinning, spec.md §4.F step 5
			}
		}
		targets = append(targets, ap)
	}
	f.mu.Unlock()

	for _, ap := range targets {
		switch ap.class {
		case ClassCache, ClassLocal:
			f.enqueue(ap, internalPkt, priority)
		default:
			f.enqueue(ap, forwardedPkt, priority)
		}
	}
}

func (f *Forwarder) countDrop(reason string) {
	if f.metrics != nil {
		f.metrics.DropsByReason.WithLabelValues(reason).Inc()
	}
}

// PipeLabel returns the label a fd was attached under, for diagnostics.
func (f *Forwarder) PipeLabel(fd int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ap, ok := f.pipes[fd]; ok {
		return ap.label
	}
	return ""
}
