package mac

import (
	"testing"
	"time"
)

func testHooks(missed map[uint8]int, threshold int, evicted *[]uint8) Hooks {
	return Hooks{
		IncrementMissed: func(id uint8) (int, bool, bool) {
			if _, ok := missed[id]; !ok {
				return 0, false, false
			}
			missed[id]++
			return missed[id], missed[id] > threshold, true
		},
		Evict: func(id uint8) bool {
			*evicted = append(*evicted, id)
			delete(missed, id)
			return true
		},
	}
}

func TestStartUpToEnteringNetworkAfterSilenceWindow(t *testing.T) {
	m := NewMachine(1, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	start := time.Now()
	m.Start(start)
	if m.State() != StateStartUp {
		t.Fatalf("expected START_UP immediately after Start")
	}
	m.Tick(start.Add(399 * time.Millisecond))
	if m.State() != StateStartUp {
		t.Fatalf("expected still START_UP before 4*100ms elapsed")
	}
	m.Tick(start.Add(400 * time.Millisecond))
	if m.State() != StateEnteringNetwork {
		t.Fatalf("expected ENTERING_NETWORK after silence window, got %v", m.State())
	}
}

func TestEnterRoundOnSentinelBoundary(t *testing.T) {
	m := NewMachine(5, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateEnteringNetwork
	m.txOrder = []uint8{1, 2, 3, 4, DummyID}
	m.expectedTxIdx = 4 // sitting on the sentinel: round just ended

	if !m.MaybeEnterRound() {
		t.Fatalf("expected transition to IN_THE_ROUND")
	}
	if m.State() != StateInTheRound {
		t.Fatalf("expected IN_THE_ROUND, got %v", m.State())
	}
	want := []uint8{1, 2, 3, 4, 5, DummyID}
	got := m.TxOrder()
	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
}

func TestJoinMidRoundInsertsAtSentinel(t *testing.T) {
	m := NewMachine(5, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateEnteringNetwork
	m.txOrder = []uint8{1, 2, 3, 4, DummyID}
	m.expectedTxIdx = 4
	m.MaybeEnterRound()

	want := []uint8{1, 2, 3, 4, 5, DummyID}
	got := m.TxOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
	if m.ExpectedTxIdx() != 4 {
		t.Fatalf("expected pointer at our own newly-inserted slot, got %d", m.ExpectedTxIdx())
	}
}

func TestOnReceiveNewPeerInsertsSortedAndPointsToSentinel(t *testing.T) {
	m := NewMachine(1, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 4, DummyID}
	m.expectedTxIdx = 1

	m.OnReceive(3, true, time.Now())

	want := []uint8{1, 2, 3, 4, DummyID}
	got := m.TxOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v got %v", want, got)
		}
	}
	if m.ExpectedTxIdx() != len(want)-1 {
		t.Fatalf("expected pointer at sentinel (%d), got %d", len(want)-1, m.ExpectedTxIdx())
	}
}

func TestOnReceiveKnownPeerAdvancesPastSender(t *testing.T) {
	m := NewMachine(1, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 3, 4, DummyID}
	m.expectedTxIdx = 1 // expecting 2

	m.OnReceive(2, false, time.Now())
	if m.ExpectedTxIdx() != 2 {
		t.Fatalf("expected pointer to advance to index of sender+1 (2), got %d", m.ExpectedTxIdx())
	}
}

func TestSilentEvictionAfterExactThreshold(t *testing.T) {
	missed := map[uint8]int{3: 0}
	var evicted []uint8
	m := NewMachine(1, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, testHooks(missed, EvictionThreshold, &evicted))
	start := time.Now()
	m.Start(start)
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 3, 4, DummyID}
	m.expectedTxIdx = 2 // expecting peer 3

	now := start
	for i := 0; i < EvictionThreshold; i++ {
		now = now.Add(m.SlotTimeout(len(m.txOrder) - 1)).Add(time.Microsecond)
		id, wasEvicted := m.CheckSlotTimeout(now)
		if id != 3 {
			t.Fatalf("iteration %d: expected timeout attributable to peer 3, got %d", i, id)
		}
		if wasEvicted {
			t.Fatalf("iteration %d: must not evict before exceeding the threshold", i)
		}
		// After a non-evicting timeout the pointer advances past the missed
		// slot onto peer 4; re-point back at 3 for the next iteration to
		// keep probing the same peer, mirroring repeated misses.
		if m.expectedTxIdx < len(m.txOrder) && m.txOrder[m.expectedTxIdx] == 4 {
			m.expectedTxIdx = 2
		}
	}

	now = now.Add(m.SlotTimeout(len(m.txOrder) - 1)).Add(time.Microsecond)
	id, wasEvicted := m.CheckSlotTimeout(now)
	if id != 3 || !wasEvicted {
		t.Fatalf("expected eviction of peer 3 on the (threshold+1)th consecutive timeout, got id=%d evicted=%v", id, wasEvicted)
	}
	if len(evicted) != 1 || evicted[0] != 3 {
		t.Fatalf("expected exactly one eviction of peer 3, got %v", evicted)
	}
	want := []uint8{1, 2, 4, DummyID}
	got := m.TxOrder()
	if len(got) != len(want) {
		t.Fatalf("want ring %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want ring %v got %v", want, got)
		}
	}
}

func TestShouldTransmitOnlyOnOurSlotAndOnce(t *testing.T) {
	m := NewMachine(2, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 3, DummyID}
	m.expectedTxIdx = 0
	if m.ShouldTransmit() {
		t.Fatalf("should not transmit when it's peer 1's slot")
	}
	m.expectedTxIdx = 1
	if !m.ShouldTransmit() {
		t.Fatalf("expected to transmit on our own slot")
	}
	m.MarkTookTurn()
	if m.ShouldTransmit() {
		t.Fatalf("must not retransmit once tookTurn is set")
	}
}

func TestOnSendCompleteAdvancesPastOurOwnSlot(t *testing.T) {
	m := NewMachine(2, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 3, DummyID}
	m.expectedTxIdx = 1
	m.MarkTookTurn()

	m.OnSendComplete(time.Now())
	if m.TookTurn() {
		t.Fatalf("expected tookTurn cleared after send completion")
	}
	if m.ExpectedTxIdx() != 2 {
		t.Fatalf("expected pointer to advance past our own slot, got %d", m.ExpectedTxIdx())
	}
}

func TestOnReceiveUnknownSenderLeavesRingUntouched(t *testing.T) {
	// A sender absent from the ring (e.g. one the peer table rejected as
	// over-capacity) handed in with isNewPeer=false must not change the
	// ring or the pointer; only the slot timer restarts.
	m := NewMachine(1, 4, Timing{DelayTimeUS: 100, DelayUntilAssumedLost: 1000}, Hooks{})
	m.Start(time.Now())
	m.state = StateInTheRound
	m.txOrder = []uint8{1, 2, 3, DummyID}
	m.expectedTxIdx = 1
	before := m.TxOrder()

	m.OnReceive(9, false, time.Now())

	got := m.TxOrder()
	if len(got) != len(before) {
		t.Fatalf("ring must be unmutated: before=%v after=%v", before, got)
	}
	for i := range before {
		if got[i] != before[i] {
			t.Fatalf("ring must be unmutated: before=%v after=%v", before, got)
		}
	}
	if m.ExpectedTxIdx() != 1 {
		t.Fatalf("pointer must not move for an unknown sender, got %d", m.ExpectedTxIdx())
	}
}
