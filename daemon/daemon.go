// Package daemon drives the single event loop that wires a radio.Driver to
// a ranging.Table and a mac.Machine, and fans out accepted ranges to every
// configured reporting sink. It is shared by the root node command and
// cmd/rangesim so both drive the exact same production ranging loop, the
// simulator included, against nothing but a different radio.Driver backend.
package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"uwbmesh/calib"
	"uwbmesh/frame"
	"uwbmesh/mac"
	"uwbmesh/mqttbridge"
	"uwbmesh/radio"
	"uwbmesh/ranging"
	"uwbmesh/report"
	"uwbmesh/report/wsfeed"
	"uwbmesh/telemetry"
	"uwbmesh/tstamp"
)

// Console is the subset of the local UI a Node drives; the root command's
// ANSI console is the sole production implementation, but anything with
// this method set (including nil) works.
type Console interface {
	SetStats(lines []string)
	AppendPeer(line string)
	AppendRange(line string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}

// Node owns the event loop for one ranging-mesh participant. All of its
// fields are touched from exactly one goroutine (Run's select loop); the
// only other goroutines that exist (the radio driver's internal read loop,
// the async ScheduleSend call in transmit) talk to it exclusively through
// channels.
type Node struct {
	OurID        uint8
	Role         calib.Role
	CalibProfile calib.Profile
	HasCalib     bool

	Driver  radio.Driver
	Table   *ranging.Table
	Machine *mac.Machine
	Emitter *report.Emitter
	Tracker *report.Tracker

	TelemetryLog *telemetry.Log
	MQTTPub      *mqttbridge.Publisher
	WSFeed       *wsfeed.Feed
	Console      Console

	ctx           context.Context
	sendBuf       []byte
	pendingSendTS tstamp.T
}

// New constructs a Node ready for Run. Every optional sink (TelemetryLog,
// MQTTPub, WSFeed, Console) may be left at its zero value to disable it.
func New(ourID uint8, role calib.Role, calibProfile calib.Profile, hasCalib bool,
	drv radio.Driver, table *ranging.Table, machine *mac.Machine,
	emitter *report.Emitter, tracker *report.Tracker) *Node {
	return &Node{
		OurID:        ourID,
		Role:         role,
		CalibProfile: calibProfile,
		HasCalib:     hasCalib,
		Driver:       drv,
		Table:        table,
		Machine:      machine,
		Emitter:      emitter,
		Tracker:      tracker,
		sendBuf:      make([]byte, frame.BufSize),
	}
}

// Run drives the event loop until ctx is cancelled, handling receptions,
// driver events (send-completion, errors), the periodic state-machine tick
// and the snapshot push. The loop processes one channel read at a time, so
// each event is applied completely before the next is taken. When several
// channels are ready at once, select picks among them at random: a pending
// reception is not guaranteed to be applied before a pending send-completion
// or tick.
func (n *Node) Run(ctx context.Context) error {
	n.ctx = ctx

	recvCh, err := n.Driver.ReceivePermanently(ctx)
	if err != nil {
		return fmt.Errorf("daemon: receive permanently: %w", err)
	}
	events := n.Driver.Events()

	n.Machine.Start(time.Now())

	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()
	snapshot := time.NewTicker(time.Second)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rx, ok := <-recvCh:
			if !ok {
				return nil
			}
			n.onReceive(rx)
		case ev := <-events:
			n.onDriverEvent(ev)
		case now := <-poll.C:
			n.onPoll(now)
		case <-snapshot.C:
			n.pushSnapshot()
		}
	}
}

// onReceive applies one incoming frame. The receive timestamp is captured
// by the driver before this function ever runs (radio.Reception.RecvTS),
// matching the requirement that the timestamp predate parsing.
func (n *Node) onReceive(rx radio.Reception) {
	if n.Machine.TookTurn() {
		// Our own transmission is in flight; the shared frame buffer is not
		// safe to hand to the state machine until it completes.
		return
	}

	f, err := frame.Parse(rx.Payload)
	if err != nil {
		n.Emitter.Logf("frame: dropped: %v", err)
		return
	}

	ourRecvTS := rx.RecvTS
	if n.HasCalib {
		ourRecvTS = n.CalibProfile.CorrectRX(ourRecvTS)
	}

	res := n.Table.ObserveFrame(n.OurID, f.SenderID, f.SenderSendTS, ourRecvTS, f.Reports)
	if res.Rejected {
		if res.TableFull {
			n.Emitter.Logf("peer %d: table full, ignoring", f.SenderID)
		}
		return
	}

	n.Machine.OnReceive(f.SenderID, res.NewPeer, rx.RecvAt)

	if res.NewPeer {
		n.Tracker.Increment(report.EventJoin)
		n.Emitter.Logf("peer %d joined", f.SenderID)
		if n.Console != nil {
			n.Console.AppendSystem(fmt.Sprintf("peer %d joined", f.SenderID))
		}
	}

	if res.Desync {
		n.Emitter.Logf("peer %d: tx counter desync, resynchronizing", f.SenderID)
	}

	if res.HasLocalRange {
		n.emitRange(n.OurID, f.SenderID, res.LocalRangeM)
	}

	// Only tags (and nodes with no declared role) forward ranges they
	// observe between other peers; anchors stay silent beyond their own
	// direct measurements.
	if n.Role == calib.RoleTag || n.Role == calib.RoleEither {
		for _, rel := range res.Relayed {
			n.emitRange(rel.FromID, rel.ToID, rel.Meters)
		}
	}
}

func (n *Node) onDriverEvent(ev radio.DriverEvent) {
	switch ev.Kind {
	case radio.EventSendComplete:
		n.Table.FinalizeSend(n.pendingSendTS)
		n.Machine.OnSendComplete(time.Now())
		if n.Role == calib.RoleTag || n.Role == calib.RoleEither {
			n.Emitter.ID(n.OurID)
			n.Tracker.Increment(report.EventID)
			line := report.FormatID(n.OurID)
			if n.Console != nil {
				n.Console.AppendSystem(line)
			}
			if n.WSFeed != nil {
				n.WSFeed.BroadcastLine(line)
			}
		}
	case radio.EventError:
		n.Emitter.Logf("radio: error: %v", ev.Err)
	case radio.EventReceiveFailed:
		n.Emitter.Logf("radio: receive failed: %v", ev.Err)
	}
}

// onPoll evaluates the state machine once per polling tick: the START_UP
// silence window, round entry, slot timeout/eviction, and our own turn to
// transmit, in that order.
func (n *Node) onPoll(now time.Time) {
	n.Machine.Tick(now)

	if n.Machine.MaybeEnterRound() {
		n.transmit()
		return
	}

	if id, evicted := n.Machine.CheckSlotTimeout(now); evicted {
		n.Emitter.Remove(id)
		n.Tracker.Increment(report.EventEvict)
		line := report.FormatRemove(id)
		if n.Console != nil {
			n.Console.AppendSystem(line)
		}
		if n.WSFeed != nil {
			n.WSFeed.BroadcastLine(line)
		}
	}

	if n.Machine.ShouldTransmit() {
		n.transmit()
	}
}

// transmit builds and schedules our next frame. The driver picks the
// absolute send instant first so the frame can carry it; ScheduleSend then
// runs in its own goroutine since it sleeps out the lead time, touching
// only the driver, ctx and the emitter captured beforehand, never Node
// fields, so it introduces no race with Run's loop.
func (n *Node) transmit() {
	txTS := n.Driver.SendTime(n.Machine.ScheduledSendDelay())
	if n.HasCalib {
		txTS = n.CalibProfile.CorrectTX(txTS)
	}
	n.pendingSendTS = txTS

	f := n.Table.BuildOutbound(n.OurID)
	f.SenderSendTS = txTS
	payload, err := f.Serialize(n.sendBuf)
	if err != nil {
		n.Emitter.Logf("frame: serialize failed: %v", err)
		return
	}
	out := make([]byte, len(payload))
	copy(out, payload)

	n.Machine.MarkTookTurn()
	ctx := n.ctx
	drv := n.Driver
	emitter := n.Emitter
	go func() {
		if err := drv.ScheduleSend(ctx, txTS, out); err != nil {
			emitter.Logf("radio: scheduled send failed: %v", err)
		}
	}()
}

func (n *Node) pushSnapshot() {
	snap := n.Table.Snapshot()

	if n.Console != nil {
		for _, p := range snap.Peers {
			n.Console.AppendPeer(fmt.Sprintf("id=%d tx_count=%d missed=%d last_range_m=%.3f",
				p.ID, p.TxCount, p.Missed, p.LastRangeM))
		}
		n.Console.SetStats([]string{fmt.Sprintf("state=%s expected_idx=%d peers=%d role=%s",
			n.Machine.State(), n.Machine.ExpectedTxIdx(), n.Table.Len(), n.Role)})
	}
	if n.WSFeed != nil {
		n.WSFeed.BroadcastSnapshot(snap)
	}
}

func (n *Node) emitRange(fromID, toID uint8, meters float64) {
	n.Emitter.Range(fromID, toID, meters)
	n.Tracker.Increment(report.EventRange)

	line := report.FormatRange(fromID, toID, meters)
	if n.Console != nil {
		n.Console.AppendRange(line)
	}
	if n.WSFeed != nil {
		n.WSFeed.BroadcastLine(line)
	}
	if n.TelemetryLog != nil {
		n.TelemetryLog.Record(telemetry.Record{FromID: fromID, ToID: toID, Meters: meters, At: time.Now()})
	}
	if n.MQTTPub != nil {
		if err := n.MQTTPub.Publish(fromID, toID, meters); err != nil {
			n.Emitter.Logf("mqttbridge: publish failed: %v", err)
		}
	}
}
