// Package packetcache implements the packet cache: a bounded-size,
// bounded-age ring buffer of recently forwarded whole
// packets, keyed by destination address prefix, that can answer an
// MGMT_DATA_REQ by replay instead of forcing end-to-end retransmission.
package packetcache

import (
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

// DefaultCapacity bounds how many packets the cache retains in total
// before evicting the oldest; all destinations share this one bound.
const DefaultCapacity = 256

// DefaultMaxAge bounds how long a cached packet remains eligible for
// replay.
const DefaultMaxAge = 5 * time.Minute

type entry struct {
	pkt      []byte
	priority uint32
	dest     [8]byte
	destBits uint8
	at       time.Time
}

// Cache is the forwarder-attached packet cache. It is fed every packet
// the forwarder sees (spec.md §4.F step 5, "always deliver to the cache
// pipe") and, on an MGMT_DATA_REQ, replies with matching entries on its
// own pipe back to the forwarder.
type Cache struct {
	capacity int
	maxAge   time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	entries []entry
}

// New creates a Cache with the given total capacity and max age.
func New(capacity int, maxAge time.Duration, log *logging.Logger) *Cache {
	return &Cache{capacity: capacity, maxAge: maxAge, log: log}
}

// NewDefault creates a Cache using DefaultCapacity and DefaultMaxAge.
func NewDefault(log *logging.Logger) *Cache {
	return New(DefaultCapacity, DefaultMaxAge, log)
}

// Observe records a forwarded packet for possible later replay.
func (c *Cache) Observe(hdr *allnetpkt.Header, wire []byte, priority uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	c.entries = append(c.entries, entry{
		pkt:      append([]byte(nil), wire...),
		priority: priority,
		dest:     hdr.Destination,
		destBits: hdr.DestinationBits,
		at:       time.Now(),
	})
	if len(c.entries) > c.capacity {
		c.entries = c.entries[len(c.entries)-c.capacity:]
	}
}

func (c *Cache) evictExpiredLocked() {
	if c.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.maxAge)
	i := 0
	for ; i < len(c.entries); i++ {
		if c.entries[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.entries = c.entries[i:]
	}
}

// Matching returns every cached wire packet whose destination shares at
// least reqBits leading bits with dest, most recent first.
func (c *Cache) Matching(dest [8]byte, reqBits uint8) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()

	var out [][]byte
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if allnetpkt.MatchingBits(e.dest, e.destBits, dest, reqBits) >= int(reqBits) {
			out = append(out, e.pkt)
		}
	}
	return out
}

// HandleDataReq parses an MGMT_DATA_REQ payload and replies on pipe with
// any matching cached packets.
func (c *Cache) HandleDataReq(hdr *allnetpkt.Header, body []byte, pipe pipemsg.Pipe) {
	if len(body) < 2 {
		return
	}
	reqBits := body[1]
	for _, pkt := range c.Matching(hdr.Destination, reqBits) {
		if err := pipemsg.Send(pipe, pkt, pipemsg.MinPriority); err != nil {
			if c.log != nil {
				c.log.Debugf("packetcache: replay send failed: %v", err)
			}
			return
		}
	}
}

// Run drives the cache's pipe: every packet the forwarder delivers is
// observed, and any MGMT_DATA_REQ triggers a replay back on the same
// pipe (which the forwarder then forwards like any other outbound
// traffic).
func (c *Cache) Run(pipe pipemsg.Pipe) {
	r := pipemsg.NewReader(pipe)
	for {
		payload, priority, _, err := r.Recv()
		if err != nil {
			return
		}
		hdr, body, err := allnetpkt.Parse(payload)
		if err != nil {
			continue
		}
		c.Observe(hdr, payload, priority)

		if hdr.PacketType == allnetpkt.TypeMgmt && len(body) > 0 && body[0] == byte(allnetpkt.MgmtDataReq) {
			c.HandleDataReq(hdr, body, pipe)
		}
	}
}
