package iface

import (
	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/pipemsg"
)

// Bridge wires a Broadcaster's two directions to the forwarder pipe, per
// spec.md §4.I: "Reads from the forwarder pipe and broadcasts; reads
// from the wireless socket and sends to the forwarder pipe."
type Bridge struct {
	radio    Broadcaster
	upstream pipemsg.Pipe
	log      *logging.Logger
	stopCh   chan struct{}
}

// NewBridge creates a Bridge over an already-Init'd radio.
func NewBridge(radio Broadcaster, upstream pipemsg.Pipe, log *logging.Logger) *Bridge {
	return &Bridge{radio: radio, upstream: upstream, log: log, stopCh: make(chan struct{})}
}

// Start launches both directions. It does not block.
func (b *Bridge) Start() {
	go b.forwarderToRadio()
	go b.radioToForwarder()
}

// Stop closes the radio, unblocking Recv and ending the radio-to-forwarder
// direction. The forwarder-to-radio direction ends when the upstream pipe
// closes.
func (b *Bridge) Stop() {
	close(b.stopCh)
	b.radio.Close()
}

func (b *Bridge) forwarderToRadio() {
	r := pipemsg.NewReader(b.upstream)
	for {
		payload, _, _, err := r.Recv()
		if err != nil {
			if b.log != nil {
				b.log.Errorf("iface: upstream closed: %v", err)
			}
			return
		}
		if !b.radio.IsEnabled() {
			continue
		}
		if err := b.radio.Broadcast(payload); err != nil && b.log != nil {
			b.log.Debugf("iface: broadcast failed: %v", err)
		}
	}
}

func (b *Bridge) radioToForwarder() {
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		payload, err := b.radio.Recv()
		if err != nil {
			if b.log != nil {
				b.log.Debugf("iface: radio closed: %v", err)
			}
			return
		}
		if err := pipemsg.Send(b.upstream, payload, 0); err != nil {
			if b.log != nil {
				b.log.Warningf("iface: upstream send failed: %v", err)
			}
			return
		}
	}
}
