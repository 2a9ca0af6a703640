package main

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"uwbmesh/calib"
	"uwbmesh/daemon"
	"uwbmesh/mac"
	"uwbmesh/radio"
	"uwbmesh/radio/mockradio"
	"uwbmesh/ranging"
	"uwbmesh/report"
	"uwbmesh/tstamp"
)

// buildTestNode wires one in-memory node against a shared mockradio.Medium,
// with every optional reporting sink left nil so the test only exercises the
// ranging/mac/radio core.
func buildTestNode(t *testing.T, medium *mockradio.Medium, ourID uint8, profile radio.Profile) (*daemon.Node, *ranging.Table, *report.Tracker, *mockradio.Device) {
	t.Helper()

	dev := mockradio.NewDevice(medium, ourID, profile, 1.0)
	table := ranging.NewTable(8, 5)
	timing := mac.DeriveTiming(profile)
	machine := mac.NewMachine(ourID, 2, timing, mac.Hooks{
		IncrementMissed: table.IncrementMissed,
		Evict:           table.RemovePeer,
	})
	emitter := report.NewEmitter(io.Discard, io.Discard)
	tracker := report.NewTracker()

	n := daemon.New(ourID, calib.RoleEither, calib.Profile{}, false, dev, table, machine, emitter, tracker)
	return n, table, tracker, dev
}

// TestTwoNodesExchangeRanges spins up two nodes sharing a mockradio.Medium,
// booting simultaneously, and asserts each converges on the ground-truth
// distance embedded in the medium to within half a meter.
func TestTwoNodesExchangeRanges(t *testing.T) {
	profile := radio.Profile{PreambleSymbols: 128, BitRateKbps: 850, MaxFrameBytes: 256, MarginMicros: 100}

	var trueDistanceM = 10.0
	const toleranceM = 0.5

	medium := mockradio.NewMedium()
	medium.SetDistance(1, 2, tstamp.T(uint64(trueDistanceM/tstamp.SpeedOfLight/tstamp.TickPeriodSeconds)))

	node1, table1, tracker1, _ := buildTestNode(t, medium, 1, profile)
	node2, table2, tracker2, _ := buildTestNode(t, medium, 2, profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go node1.Run(ctx)
	go node2.Run(ctx)

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		c1 := tracker1.Counts()[report.EventRange]
		c2 := tracker2.Counts()[report.EventRange]
		if c1 > 0 && c2 > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := tracker1.Counts()[report.EventRange]; got == 0 {
		t.Fatalf("node 1 never computed a range to node 2")
	}
	if got := tracker2.Counts()[report.EventRange]; got == 0 {
		t.Fatalf("node 2 never computed a range to node 1")
	}

	p1, ok := table1.Get(2)
	if !ok {
		t.Fatalf("node 1 has no peer record for node 2")
	}
	if math.Abs(p1.LastRangeM-trueDistanceM) > toleranceM {
		t.Fatalf("node 1's range to node 2 off ground truth: got %.3fm want %.1fm ± %.1fm",
			p1.LastRangeM, trueDistanceM, toleranceM)
	}

	p2, ok := table2.Get(1)
	if !ok {
		t.Fatalf("node 2 has no peer record for node 1")
	}
	if math.Abs(p2.LastRangeM-trueDistanceM) > toleranceM {
		t.Fatalf("node 2's range to node 1 off ground truth: got %.3fm want %.1fm ± %.1fm",
			p2.LastRangeM, trueDistanceM, toleranceM)
	}
}

// TestDroppedFirstFrameStillJoinsEventually arms a one-shot drop on node 1's
// first transmission and asserts node 2 still admits node 1 as a peer once
// a later, undropped frame arrives: a single lost frame must not wedge the
// protocol.
func TestDroppedFirstFrameStillJoinsEventually(t *testing.T) {
	profile := radio.Profile{PreambleSymbols: 128, BitRateKbps: 850, MaxFrameBytes: 256, MarginMicros: 100}

	medium := mockradio.NewMedium()
	medium.SetDistance(1, 2, 0)

	node1, _, _, dev1 := buildTestNode(t, medium, 1, profile)
	node2, _, tracker2, _ := buildTestNode(t, medium, 2, profile)
	dev1.DropNextSend()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go node1.Run(ctx)
	go node2.Run(ctx)

	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if tracker2.Counts()[report.EventJoin] > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := tracker2.Counts()[report.EventJoin]; got == 0 {
		t.Fatalf("node 2 never observed node 1 joining after the dropped first frame")
	}
}
