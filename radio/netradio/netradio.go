// Package netradio implements radio.Driver over a UDP multicast group
// instead of a real UWB radio chip, letting independent OS processes on a
// LAN genuinely exchange frames rather than only sharing an in-process
// mockradio medium. A background goroutine owns the socket and pushes
// inbound datagrams onto a buffered channel the caller drains, with a
// context carrying shutdown.
//
// Each node's tick counter is seeded independently from its own monotonic
// clock, exactly as a real, unsynchronized UWB radio oscillator would be.
// DS-TWR cancels clock offset and first-order drift between independent
// clocks, so no time synchronization is needed here or assumed by
// ranging.Table.
package netradio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"uwbmesh/radio"
	"uwbmesh/tstamp"
)

// Config names the UDP multicast group every node in one mesh must share.
type Config struct {
	MulticastAddr string // e.g. "239.192.29.71:7654"
	Iface         string // network interface name for multicast join; "" = system default
	Profile       radio.Profile
}

// Driver is a radio.Driver backed by a UDP multicast socket.
type Driver struct {
	ourID   uint8
	cfg     Config
	conn    *net.UDPConn
	dstAddr *net.UDPAddr

	mu       sync.Mutex
	tick     tstamp.T
	lastReal time.Time

	recvCh chan radio.Reception
	evCh   chan radio.DriverEvent
}

// New constructs a Driver bound to cfg.MulticastAddr. The socket is opened
// immediately so ReceivePermanently has nothing left to fail on besides
// context cancellation.
func New(ourID uint8, cfg Config) (*Driver, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", cfg.MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("netradio: resolve %s: %w", cfg.MulticastAddr, err)
	}

	var iface *net.Interface
	if cfg.Iface != "" {
		iface, err = net.InterfaceByName(cfg.Iface)
		if err != nil {
			return nil, fmt.Errorf("netradio: interface %s: %w", cfg.Iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("netradio: listen %s: %w", cfg.MulticastAddr, err)
	}
	conn.SetReadBuffer(1 << 16)

	return &Driver{
		ourID:    ourID,
		cfg:      cfg,
		conn:     conn,
		dstAddr:  groupAddr,
		lastReal: time.Now(),
		recvCh:   make(chan radio.Reception, 64),
		evCh:     make(chan radio.DriverEvent, 64),
	}, nil
}

// Configure is a no-op beyond recording ourID at construction; netID is
// implicit in the shared multicast group address.
func (d *Driver) Configure(ourID uint8, netID uint16) error { return nil }

// ReceivePermanently starts the background read loop and returns its
// inbound channel, closing it when ctx is done.
func (d *Driver) ReceivePermanently(ctx context.Context) (<-chan radio.Reception, error) {
	go d.readLoop(ctx)
	return d.recvCh, nil
}

func (d *Driver) readLoop(ctx context.Context) {
	defer close(d.recvCh)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			d.conn.Close()
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.evCh <- radio.DriverEvent{Kind: radio.EventReceiveFailed, Err: err}
			continue
		}
		recvTS := d.Now()
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case d.recvCh <- radio.Reception{Payload: payload, RecvTS: recvTS, RecvAt: time.Now()}:
		default:
			// Inbound buffer full; drop, matching a real radio's single-
			// frame-buffer overwrite hazard.
		}
	}
}

// SendTime returns the absolute tick a transmission armed now with the
// given lead time will go out at.
func (d *Driver) SendTime(delay time.Duration) tstamp.T {
	return d.Now().Add(tstamp.New(uint64(delay/time.Microsecond), tstamp.Micros))
}

// ScheduleSend sleeps until roughly the scheduled instant and writes the
// payload to the multicast group. UDP delivery jitter dwarfs any tick-level
// precision here; this backend trades ranging accuracy for running over
// commodity networking.
func (d *Driver) ScheduleSend(ctx context.Context, sendTS tstamp.T, payload []byte) error {
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
	if _, err := d.conn.WriteToUDP(payload, d.dstAddr); err != nil {
		d.evCh <- radio.DriverEvent{Kind: radio.EventError, Err: err}
		return fmt.Errorf("netradio: write: %w", err)
	}
	d.evCh <- radio.DriverEvent{Kind: radio.EventSendComplete, TxTS: sendTS}
	return nil
}

// Now returns the current tick count, advanced from wall-clock elapsed
// time since the last call (or construction).
func (d *Driver) Now() tstamp.T {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(d.lastReal).Seconds()
	d.tick = d.tick.Add(tstamp.T(uint64(elapsed / tstamp.TickPeriodSeconds)))
	d.lastReal = now
	return d.tick
}

// Events returns the send-complete/error/receive-failed notification channel.
func (d *Driver) Events() <-chan radio.DriverEvent { return d.evCh }

// Profile reports the declared radio parameters used to derive MAC timing.
func (d *Driver) Profile() radio.Profile { return d.cfg.Profile }

// Close releases the underlying socket.
func (d *Driver) Close() error { return d.conn.Close() }
