// Package radio defines the black-box UWB radio driver contract. The core
// never talks to hardware directly; it only depends on this interface, so
// tests and cmd/rangesim can swap in radio/mockradio.
package radio

import (
	"context"
	"time"

	"uwbmesh/tstamp"
)

// Reception is one received frame plus the local timestamp the driver
// captured for it.
type Reception struct {
	Payload []byte
	RecvTS  tstamp.T
	RecvAt  time.Time
}

// EventKind enumerates the driver's interrupt sources other than receive:
// send-complete, error, receive-failed.
type EventKind int

const (
	EventSendComplete EventKind = iota
	EventError
	EventReceiveFailed
)

// DriverEvent is a single interrupt notification.
type DriverEvent struct {
	Kind EventKind
	TxTS tstamp.T // populated for EventSendComplete
	Err  error    // populated for EventError / EventReceiveFailed
}

// Profile declares the radio parameters needed to derive MAC timing
// constants from preamble length and bit rate rather than hard-coding
// values tuned to one specific radio mode.
type Profile struct {
	PreambleSymbols int
	BitRateKbps     float64
	MaxFrameBytes   int
	MarginMicros    int
}

// Driver is the external collaborator the core requires: device
// configuration, permanent receive mode, scheduled transmission, and
// timestamp/interrupt access.
type Driver interface {
	// Configure sets this node's device address and the shared network ID.
	Configure(ourID uint8, netID uint16) error

	// ReceivePermanently puts the radio into continuous listen mode and
	// returns a channel of received frames. An implementation may close the
	// channel when ctx is done (netradio does; mockradio's never closes), so
	// callers also watch ctx themselves.
	ReceivePermanently(ctx context.Context) (<-chan Reception, error)

	// SendTime returns the absolute tick at which a transmission armed now
	// with the given lead time will leave the antenna. Callers embed the
	// result in the outbound frame before handing the payload to
	// ScheduleSend, so the frame announces the exact instant it was sent.
	SendTime(delay time.Duration) tstamp.T

	// ScheduleSend arranges transmission of payload at sendTS (previously
	// obtained from SendTime) and returns once the frame is on the air.
	ScheduleSend(ctx context.Context, sendTS tstamp.T, payload []byte) error

	// Now returns the radio's current tick count.
	Now() tstamp.T

	// Events carries send-complete/error/receive-failed notifications.
	Events() <-chan DriverEvent

	// Profile reports the radio parameters used to derive MAC timing.
	Profile() Profile
}
