// Package trace implements the trace responder: MGMT_TRACE packets let
// a node measure path and per-hop latency. The responder appends its
// own address and a timestamp, then forwards the now one-hop-longer
// trace back out through the forwarder.
package trace

import (
	"encoding/binary"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/allnetpkt"
	"github.com/allnetproject/allnet/internal/pipemsg"
)

// hopRecordSize is the wire size of one trace hop: address(8) +
// timestamp(8, unix nanoseconds, big-endian).
const hopRecordSize = 16

// Responder is a minimal trace responder attached to the forwarder by a
// pipe like every other module.
type Responder struct {
	selfAddr [8]byte
	log      *logging.Logger
	now      func() time.Time
}

// New creates a Responder that stamps outgoing hops with selfAddr.
func New(selfAddr [8]byte, log *logging.Logger) *Responder {
	return &Responder{selfAddr: selfAddr, log: log, now: time.Now}
}

// Append appends this node's hop record to an MGMT_TRACE payload body
// (the sub-type byte followed by zero or more hopRecordSize records).
func Append(body []byte, addr [8]byte, at time.Time) []byte {
	out := append([]byte(nil), body...)
	rec := make([]byte, hopRecordSize)
	copy(rec[0:8], addr[:])
	binary.BigEndian.PutUint64(rec[8:16], uint64(at.UnixNano()))
	return append(out, rec...)
}

// Hops parses the hop records out of an MGMT_TRACE payload body (the
// byte after the sub-type byte onward).
func Hops(body []byte) [][8]byte {
	if len(body) <= 1 {
		return nil
	}
	records := body[1:]
	n := len(records) / hopRecordSize
	out := make([][8]byte, 0, n)
	for i := 0; i < n; i++ {
		var addr [8]byte
		copy(addr[:], records[i*hopRecordSize:i*hopRecordSize+8])
		out = append(out, addr)
	}
	return out
}

// Run drives the responder's pipe: every MGMT_TRACE packet gets this
// node's hop appended and is sent back out on the same pipe for the
// forwarder to route onward; everything else is ignored.
func (r *Responder) Run(pipe pipemsg.Pipe) {
	rd := pipemsg.NewReader(pipe)
	for {
		payload, priority, _, err := rd.Recv()
		if err != nil {
			return
		}
		hdr, body, err := allnetpkt.Parse(payload)
		if err != nil {
			continue
		}
		if hdr.PacketType != allnetpkt.TypeMgmt || len(body) == 0 || body[0] != byte(allnetpkt.MgmtTrace) {
			continue
		}

		newBody := Append(body, r.selfAddr, r.now())
		out := allnetpkt.Build(hdr, newBody)
		if err := pipemsg.Send(pipe, out, priority); err != nil {
			if r.log != nil {
				r.log.Debugf("trace: reply send failed: %v", err)
			}
			return
		}
	}
}
