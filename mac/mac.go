// Package mac implements the token-passing TDMA state machine: the
// transmission-order ring, the expected-next-transmitter pointer, slot
// timeouts, join/evict transitions, and the node's own START_UP /
// ENTERING_NETWORK / IN_THE_ROUND lifecycle. There are no explicit tokens;
// every node infers whose turn it is by watching the air.
package mac

import (
	"sort"
	"time"

	"uwbmesh/radio"
)

// DummyID is the ring sentinel marking end-of-round; it is never a peer.
const DummyID uint8 = 255

// State is the node's own lifecycle state.
type State int

const (
	StateStartUp State = iota
	StateEnteringNetwork
	StateInTheRound
)

func (s State) String() string {
	switch s {
	case StateStartUp:
		return "START_UP"
	case StateEnteringNetwork:
		return "ENTERING_NETWORK"
	case StateInTheRound:
		return "IN_THE_ROUND"
	default:
		return "UNKNOWN"
	}
}

// Timing is the pair of slot-timing constants the machine needs, derived
// from the declared radio parameters rather than hard-coded for one radio
// mode.
type Timing struct {
	DelayTimeUS           int // scheduled-transmit lead time
	DelayUntilAssumedLost int // base slot timeout, microseconds
}

// DeriveTiming computes Timing from a radio.Profile: the scheduled-send
// lead time must cover preamble transmission plus a fixed host/radio
// programming margin plus a per-byte budget at the declared bit rate; the
// slot timeout must be large enough to additionally absorb one full frame's
// air time plus the same margin, so an honestly late (not lost) transmitter
// is never mistaken for a missed slot.
func DeriveTiming(p radio.Profile) Timing {
	preambleUS := float64(p.PreambleSymbols) / 1.0 // ~1 symbol/us at typical UWB preamble chip rates
	bytesUS := float64(p.MaxFrameBytes) * 8.0 / p.BitRateKbps * 1000.0
	lead := int(preambleUS) + p.MarginMicros + int(bytesUS)/4
	timeout := int(preambleUS) + p.MarginMicros*2 + int(bytesUS)
	return Timing{DelayTimeUS: lead, DelayUntilAssumedLost: timeout}
}

// SlotTimeoutK widens the slot timeout per known device, in microseconds:
// more devices means more frames on the air between our turns.
const SlotTimeoutK = 200

// EvictionThreshold is the default consecutive-miss count before a peer is
// dropped.
const EvictionThreshold = 5

// Machine is the token-passing TDMA state machine for one local node.
type Machine struct {
	ourID   uint8
	timing  Timing
	startAt time.Time
	startUp time.Duration

	state State

	txOrder       []uint8
	expectedTxIdx int
	tookTurn      bool
	txTimerStart  time.Time

	onMissed func(id uint8) (missed int, exceeds bool, ok bool)
	onEvict  func(id uint8) bool
}

// Hooks wires the Machine to a ranging.Table without importing it directly,
// keeping mac free of a dependency on the peer bookkeeping package.
type Hooks struct {
	// IncrementMissed records a timeout against id and reports whether the
	// eviction threshold is now exceeded; ok is false if id is unknown.
	IncrementMissed func(id uint8) (missed int, exceeds bool, ok bool)
	// Evict removes id from peer storage.
	Evict func(id uint8) bool
}

// NewMachine constructs a Machine for ourID with numDevices peers expected
// at steady state (used for the START_UP silence window; the slot timeout's
// curNumDevices term is taken from the current ring instead).
func NewMachine(ourID uint8, numDevices int, timing Timing, hooks Hooks) *Machine {
	return &Machine{
		ourID:         ourID,
		timing:        timing,
		startUp:       time.Duration(numDevices) * 100 * time.Millisecond,
		state:         StateStartUp,
		txOrder:       []uint8{DummyID},
		expectedTxIdx: 0,
		onMissed:      hooks.IncrementMissed,
		onEvict:       hooks.Evict,
	}
}

// Start marks the clock origin for the START_UP silence window; callers
// must invoke this exactly once before any other method.
func (m *Machine) Start(now time.Time) {
	m.startAt = now
	m.txTimerStart = now
}

// State returns the node's current lifecycle state.
func (m *Machine) State() State { return m.state }

// TxOrder returns a copy of the current ring.
func (m *Machine) TxOrder() []uint8 {
	out := make([]uint8, len(m.txOrder))
	copy(out, m.txOrder)
	return out
}

// ExpectedTxIdx returns the current pointer into TxOrder.
func (m *Machine) ExpectedTxIdx() int { return m.expectedTxIdx }

// Tick advances START_UP → ENTERING_NETWORK once the silence window has
// elapsed. It is a no-op in any other state.
func (m *Machine) Tick(now time.Time) {
	if m.state == StateStartUp && now.Sub(m.startAt) >= m.startUp {
		m.state = StateEnteringNetwork
	}
}

// ShouldTransmit reports whether the node's slot has arrived and it has
// not yet taken its turn this round.
func (m *Machine) ShouldTransmit() bool {
	if m.state != StateInTheRound || m.tookTurn {
		return false
	}
	return m.expectedTxIdx < len(m.txOrder) && m.txOrder[m.expectedTxIdx] == m.ourID
}

// atRoundBoundary reports whether the ring pointer currently sits on the
// sentinel, i.e. a round has just ended.
func (m *Machine) atRoundBoundary() bool {
	return m.expectedTxIdx < len(m.txOrder) && m.txOrder[m.expectedTxIdx] == DummyID
}

// MaybeEnterRound transitions ENTERING_NETWORK → IN_THE_ROUND once the ring
// pointer sits on the sentinel, inserting our own ID into the ring. It
// returns true when the transition fires, signaling the caller to transmit
// the node's first frame immediately.
func (m *Machine) MaybeEnterRound() bool {
	if m.state != StateEnteringNetwork || !m.atRoundBoundary() {
		return false
	}
	m.insertSorted(m.ourID)
	m.state = StateInTheRound
	return true
}

// insertSorted inserts id into txOrder in strictly ascending position,
// preserving the sentinel as the last element. The ring has at most
// NumDevices+2 entries so a linear shift is never performance-sensitive.
func (m *Machine) insertSorted(id uint8) {
	pos := sort.Search(len(m.txOrder)-1, func(i int) bool { return m.txOrder[i] >= id })
	m.txOrder = append(m.txOrder, 0)
	copy(m.txOrder[pos+1:], m.txOrder[pos:len(m.txOrder)-1])
	m.txOrder[pos] = id
}

func (m *Machine) indexOf(id uint8) (int, bool) {
	for i, v := range m.txOrder {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

// removeFromRing deletes id from txOrder, shifting later entries down.
func (m *Machine) removeFromRing(idx int) {
	m.txOrder = append(m.txOrder[:idx], m.txOrder[idx+1:]...)
}

// OnReceive advances the ring past senderID's slot. recvTime must be a
// timestamp taken before parsing, since parsing consumes budget belonging
// to the next slot. isNewPeer tells the machine whether the ranging table
// just admitted senderID as a previously-unseen peer; a joiner is inserted
// in sorted position with the pointer left on the sentinel, and its slot
// timer deliberately not reset.
func (m *Machine) OnReceive(senderID uint8, isNewPeer bool, recvTime time.Time) {
	if isNewPeer {
		m.insertSorted(senderID)
		m.expectedTxIdx = len(m.txOrder) - 1 // sentinel position
		return
	}
	if idx, ok := m.indexOf(senderID); ok {
		m.expectedTxIdx = (idx + 1) % len(m.txOrder)
	}
	m.txTimerStart = recvTime
}

// OnSendComplete clears the turn flag, restarts the slot timer, and
// advances the pointer past our own slot if it was our turn.
func (m *Machine) OnSendComplete(now time.Time) {
	m.tookTurn = false
	m.txTimerStart = now
	if m.expectedTxIdx < len(m.txOrder) && m.txOrder[m.expectedTxIdx] == m.ourID {
		m.expectedTxIdx = (m.expectedTxIdx + 1) % len(m.txOrder)
	}
}

// MarkTookTurn records that the current slot's transmission has been
// scheduled, suppressing re-transmission for the remainder of the slot.
func (m *Machine) MarkTookTurn() { m.tookTurn = true }

// TookTurn reports whether the current slot's transmission has already
// been scheduled. While set, inbound processing is suppressed: the radio's
// receive DMA and the outbound assembly share one frame buffer, and a
// reception landing mid-assembly would be corrupt anyway.
func (m *Machine) TookTurn() bool { return m.tookTurn }

// SlotTimeout computes the current slot timeout duration, the base window
// widened by SlotTimeoutK per known device.
func (m *Machine) SlotTimeout(curNumDevices int) time.Duration {
	us := m.timing.DelayUntilAssumedLost + curNumDevices*SlotTimeoutK
	return time.Duration(us) * time.Microsecond
}

// CheckSlotTimeout evaluates the slot timeout against now and, if exceeded,
// increments the expected transmitter's missed counter, evicting it once
// the threshold is exceeded (without advancing expectedTxIdx, since the
// removal itself shifts the ring) and otherwise advancing expectedTxIdx by
// one. Returns the ID that timed out, or (0, false) if no timeout has
// occurred or the expected slot is our own or the sentinel.
func (m *Machine) CheckSlotTimeout(now time.Time) (timedOutID uint8, evicted bool) {
	if now.Sub(m.txTimerStart) <= m.SlotTimeout(len(m.txOrder)-1) {
		return 0, false
	}
	if m.expectedTxIdx >= len(m.txOrder) {
		return 0, false
	}
	id := m.txOrder[m.expectedTxIdx]
	m.txTimerStart = now
	m.tookTurn = false
	if id == m.ourID || id == DummyID {
		m.expectedTxIdx = (m.expectedTxIdx + 1) % len(m.txOrder)
		return 0, false
	}

	_, exceeds, ok := m.onMissed(id)
	if !ok {
		m.expectedTxIdx = (m.expectedTxIdx + 1) % len(m.txOrder)
		return id, false
	}
	if exceeds {
		m.onEvict(id)
		if idx, found := m.indexOf(id); found {
			m.removeFromRing(idx)
			if m.expectedTxIdx > idx {
				m.expectedTxIdx--
			} else if m.expectedTxIdx >= len(m.txOrder) {
				m.expectedTxIdx = 0
			}
		}
		return id, true
	}
	m.expectedTxIdx = (m.expectedTxIdx + 1) % len(m.txOrder)
	return id, false
}

// ScheduledSendDelay returns the configured scheduled-transmit lead time:
// outbound frames are handed to the radio with a future send instant so
// the radio can embed that timestamp in the frame itself.
func (m *Machine) ScheduledSendDelay() time.Duration {
	return time.Duration(m.timing.DelayTimeUS) * time.Microsecond
}
