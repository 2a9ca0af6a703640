// Package mockradio provides a deterministic in-memory radio.Driver used by
// the end-to-end tests in this module and by cmd/rangesim. A Medium fans frames out
// to subscribed Devices with a configurable propagation delay expressed in
// radio ticks, so tests can embed a known ground-truth distance.
package mockradio

import (
	"context"
	"sync"
	"time"

	"uwbmesh/radio"
	"uwbmesh/tstamp"
)

// Medium is a shared broadcast domain for a set of Devices. It carries the
// one wall-clock origin every attached device's tick counter is derived
// from; each device then layers its own fixed offset (and optionally a
// rate skew) on top, so clocks disagree the way independent oscillators
// would while staying mutually convertible for exact delivery stamping.
type Medium struct {
	mu        sync.Mutex
	startReal time.Time
	devices   map[uint8]*Device
	// distanceTicks[a][b] is the one-way propagation delay, in ticks,
	// between device a and device b. Symmetric; missing entries default to 0.
	distanceTicks map[uint8]map[uint8]tstamp.T
}

// NewMedium constructs an empty medium.
func NewMedium() *Medium {
	return &Medium{
		startReal:     time.Now(),
		devices:       make(map[uint8]*Device),
		distanceTicks: make(map[uint8]map[uint8]tstamp.T),
	}
}

// SetDistance fixes the simulated one-way propagation delay (in ticks)
// between two device IDs.
func (m *Medium) SetDistance(a, b uint8, ticks tstamp.T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]uint8{{a, b}, {b, a}} {
		if m.distanceTicks[pair[0]] == nil {
			m.distanceTicks[pair[0]] = make(map[uint8]tstamp.T)
		}
		m.distanceTicks[pair[0]][pair[1]] = ticks
	}
}

func (m *Medium) delay(a, b uint8) tstamp.T {
	if row, ok := m.distanceTicks[a]; ok {
		if v, ok := row[b]; ok {
			return v
		}
	}
	return 0
}

func (m *Medium) attach(id uint8, d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = d
}

func (m *Medium) detach(id uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
}

// broadcast fans payload out to every attached device except the sender,
// stamping each delivery with the sender's embedded send instant converted
// into the receiver's clock domain plus the configured propagation delay.
func (m *Medium) broadcast(from *Device, payload []byte, txTS tstamp.T) {
	m.mu.Lock()
	targets := make([]*Device, 0, len(m.devices))
	for id, d := range m.devices {
		if id == from.id {
			continue
		}
		targets = append(targets, d)
	}
	m.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)

	for _, d := range targets {
		delay := m.delay(from.id, d.id)
		d.deliver(cp, txTS, from, delay)
	}
}

// Device is a radio.Driver instance attached to a Medium.
type Device struct {
	id      uint8
	medium  *Medium
	profile radio.Profile

	clockRate   float64  // ticks advance at wallclockRate * clockRate; 1.0 = nominal
	offsetTicks tstamp.T // fixed per-device clock offset from the medium origin

	recvCh chan radio.Reception
	evCh   chan radio.DriverEvent

	mu       sync.Mutex
	dropNext bool // when true, the next outbound broadcast is swallowed (simulated collision)
}

// NewDevice attaches a new Device with the given ID to medium. clockRate
// lets tests simulate clock skew (1.0 = no skew, 1.00001 = 10ppm fast).
// Each device gets a distinct fixed clock offset derived from its ID, so
// no two tick counters agree on absolute time.
func NewDevice(medium *Medium, id uint8, profile radio.Profile, clockRate float64) *Device {
	d := &Device{
		id:          id,
		medium:      medium,
		profile:     profile,
		clockRate:   clockRate,
		offsetTicks: tstamp.New(uint64(id)*137, tstamp.Millis),
		recvCh:      make(chan radio.Reception, 64),
		evCh:        make(chan radio.DriverEvent, 64),
	}
	medium.attach(id, d)
	return d
}

// Configure is a no-op for the mock; ID is fixed at construction.
func (d *Device) Configure(ourID uint8, netID uint16) error { return nil }

// ReceivePermanently returns the device's inbound channel; it never closes
// on its own (tests own ctx cancellation if they need cleanup).
func (d *Device) ReceivePermanently(ctx context.Context) (<-chan radio.Reception, error) {
	return d.recvCh, nil
}

// SendTime returns the absolute tick a transmission armed now with the
// given lead time will go out at.
func (d *Device) SendTime(delay time.Duration) tstamp.T {
	return d.Now().Add(tstamp.New(uint64(delay/time.Microsecond), tstamp.Micros))
}

// ScheduleSend simulates the delayed-transmit primitive: it sleeps until
// roughly the scheduled instant and then fans the payload out on the
// medium (unless DropNextSend was armed) stamped with exactly sendTS, the
// way a real radio transmits at the programmed tick regardless of how
// early the host armed it.
func (d *Device) ScheduleSend(ctx context.Context, sendTS tstamp.T, payload []byte) error {
	waitTicks := uint64(tstamp.Wrap(sendTS, d.Now()))
	if waitTicks > tstamp.Mask>>1 {
		// sendTS is already in the past; transmit immediately.
		waitTicks = 0
	}
	wait := time.Duration(float64(waitTicks) * tstamp.TickPeriodSeconds * float64(time.Second))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	drop := d.dropNext
	d.dropNext = false
	d.mu.Unlock()

	if !drop {
		d.medium.broadcast(d, payload, sendTS)
	}
	d.evCh <- radio.DriverEvent{Kind: radio.EventSendComplete, TxTS: sendTS}
	return nil
}

// DropNextSend arms a one-shot "the next scheduled send is lost in the
// air" fault, used to simulate a dropped frame.
func (d *Device) DropNextSend() {
	d.mu.Lock()
	d.dropNext = true
	d.mu.Unlock()
}

// Now returns the device's current tick count: its fixed offset plus the
// wall-clock elapsed time since the medium's origin, scaled by clockRate
// to simulate oscillator skew.
func (d *Device) Now() tstamp.T {
	elapsed := time.Since(d.medium.startReal).Seconds() * d.clockRate
	return d.offsetTicks.Add(tstamp.T(uint64(elapsed / tstamp.TickPeriodSeconds)))
}

// Events returns the device's interrupt-notification channel.
func (d *Device) Events() <-chan radio.DriverEvent { return d.evCh }

// Profile returns the declared radio parameters.
func (d *Device) Profile() radio.Profile { return d.profile }

// deliver is invoked by Medium.broadcast on every subscriber. The receive
// timestamp is the sender's send instant converted into the receiver's
// clock domain plus the configured propagation delay — derived from txTS
// rather than from the delivery wall time, so the four-timestamp exchange
// stays exact and simulated ranges reflect the configured distances
// instead of goroutine scheduling jitter.
func (d *Device) deliver(payload []byte, txTS tstamp.T, from *Device, propagationTicks tstamp.T) {
	air := uint64(tstamp.Wrap(txTS, from.offsetTicks))
	if from.clockRate != d.clockRate {
		air = uint64(float64(air) / from.clockRate * d.clockRate)
	}
	recvTS := d.offsetTicks.Add(tstamp.T(air)).Add(propagationTicks)
	select {
	case d.recvCh <- radio.Reception{Payload: payload, RecvTS: recvTS, RecvAt: time.Now()}:
	default:
		// Receiver's inbound buffer is full; drop, matching a real radio's
		// single-frame-buffer overwrite hazard.
	}
}

// Detach removes the device from its medium.
func (d *Device) Detach() {
	d.medium.detach(d.id)
}
