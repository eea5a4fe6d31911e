// Package iface implements the interface broadcaster of spec.md §4.I: a
// polymorphic wrapper around a physical broadcast-capable interface
// (Wi-Fi, the only compile-time type this implementation carries) that
// bridges the forwarder pipe to broadcast traffic.
package iface

import (
	"net"
	"time"
)

// Broadcaster is the capability set spec.md §4.I asks every interface
// type to expose: init, is_enabled, set_enabled, on_off_ms. Only Wi-Fi
// is implemented, but the forwarder-facing bridge (Bridge) is written
// against this interface so a second physical type can be added later
// without touching the bridge.
type Broadcaster interface {
	// Init opens the interface's socket and resolves its local and
	// broadcast addresses.
	Init() error
	LocalAddr() net.Addr
	BroadcastAddr() net.Addr

	IsEnabled() bool
	// SetEnabled turns the radio on or off. Turning it on blocks for
	// roughly OnOffMillis while the hardware warms up.
	SetEnabled(on bool) error
	// OnOffMillis is the current estimate of the interface's warm-up
	// time, refined after each SetEnabled(true) call that turns the radio
	// on from off (spec.md §4.I).
	OnOffMillis() time.Duration

	Broadcast(payload []byte) error
	// Recv blocks until a broadcast frame arrives or the interface is
	// closed.
	Recv() ([]byte, error)
	Close() error
}

// DefaultOnOffMillis is the initial guideline used before any real
// measurement is available (spec.md §4.I "initial guideline").
const DefaultOnOffMillis = 200 * time.Millisecond
