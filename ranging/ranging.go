// Package ranging implements the per-peer timestamp bookkeeping, the shared
// counter protocol, and the DS-TWR time-of-flight computation. Peer storage
// is a fixed-capacity array with swap-compact eviction rather than a
// heap-churning map, so peer records are never reallocated on the receive
// path (relayed-range results are still built per frame).
package ranging

import (
	"sort"

	"uwbmesh/frame"
	"uwbmesh/tstamp"
)

// DummyID is the reserved ring sentinel; it can never be a peer.
const DummyID uint8 = 255

// Sanity gate bounds: a computed range outside [-10, 1000) meters is an
// arithmetic anomaly, not a measurement.
const (
	minPlausibleRangeM = -10.0
	maxPlausibleRangeM = 1000.0
)

// Peer holds the full DS-TWR bookkeeping state for one neighbor.
type Peer struct {
	ID         uint8
	TxCount    uint8
	Missed     int
	HasReplied bool

	// Previous exchange.
	TDevicePrevSent tstamp.T
	TPrevReceived   tstamp.T

	// Current exchange. TSent/TReceived are locally observed; TDeviceReceived
	// and TDeviceSent are reported by the peer.
	TSent           tstamp.T
	TDeviceReceived tstamp.T
	TDeviceSent     tstamp.T
	TReceived       tstamp.T

	LastRangeM float64
}

// Table is the fixed-capacity peer table.
type Table struct {
	capacity  int
	slots     []Peer
	index     map[uint8]int
	threshold int
}

// NewTable constructs an empty table that holds at most capacity peers and
// evicts once a peer's Missed count exceeds threshold.
func NewTable(capacity, threshold int) *Table {
	return &Table{
		capacity:  capacity,
		slots:     make([]Peer, 0, capacity),
		index:     make(map[uint8]int, capacity),
		threshold: threshold,
	}
}

// Len returns the current peer count.
func (t *Table) Len() int { return len(t.slots) }

// Get returns a copy of the peer record for id, if present.
func (t *Table) Get(id uint8) (Peer, bool) {
	if idx, ok := t.index[id]; ok {
		return t.slots[idx], true
	}
	return Peer{}, false
}

// IDs returns the known peer IDs, ascending.
func (t *Table) IDs() []uint8 {
	ids := make([]uint8, 0, len(t.slots))
	for _, p := range t.slots {
		ids = append(ids, p.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot is a JSON-friendly view of the current table, consumed by the
// console and websocket reporting paths.
type Snapshot struct {
	Peers []PeerSnapshot `json:"peers"`
}

// PeerSnapshot is one row of Snapshot.
type PeerSnapshot struct {
	ID         uint8   `json:"id"`
	TxCount    uint8   `json:"tx_count"`
	Missed     int     `json:"missed"`
	LastRangeM float64 `json:"last_range_m"`
}

// Snapshot returns a point-in-time view of all known peers, sorted by ID.
func (t *Table) Snapshot() Snapshot {
	ids := t.IDs()
	snap := Snapshot{Peers: make([]PeerSnapshot, 0, len(ids))}
	for _, id := range ids {
		p, _ := t.Get(id)
		snap.Peers = append(snap.Peers, PeerSnapshot{
			ID:         p.ID,
			TxCount:    p.TxCount,
			Missed:     p.Missed,
			LastRangeM: p.LastRangeM,
		})
	}
	return snap
}

func (t *Table) getOrCreate(id uint8) (idx int, isNew bool, ok bool) {
	if idx, exists := t.index[id]; exists {
		return idx, false, true
	}
	if len(t.slots) >= t.capacity {
		return 0, false, false
	}
	t.slots = append(t.slots, Peer{ID: id, TxCount: 1, Missed: 0})
	idx = len(t.slots) - 1
	t.index[id] = idx
	return idx, true, true
}

// RemovePeer evicts id from the table, compacting by swapping the last
// occupied slot into the vacated one.
func (t *Table) RemovePeer(id uint8) bool {
	idx, ok := t.index[id]
	if !ok {
		return false
	}
	last := len(t.slots) - 1
	if idx != last {
		t.slots[idx] = t.slots[last]
		t.index[t.slots[idx].ID] = idx
	}
	t.slots = t.slots[:last]
	delete(t.index, id)
	return true
}

// IncrementMissed records a slot timeout attributable to id and reports
// whether it now exceeds the eviction threshold.
func (t *Table) IncrementMissed(id uint8) (missed int, exceeds bool, ok bool) {
	idx, exists := t.index[id]
	if !exists {
		return 0, false, false
	}
	t.slots[idx].Missed++
	m := t.slots[idx].Missed
	return m, m > t.threshold, true
}

// Result describes the outcome of observing one incoming frame.
type Result struct {
	NewPeer       bool
	Rejected      bool
	TableFull     bool // Rejected because the table is at capacity
	Desync        bool
	HasLocalRange bool
	LocalRangeM   float64
	Relayed       []RelayedRange
}

// RelayedRange is a pairwise range the sender published about one of its
// own peers.
type RelayedRange struct {
	FromID uint8
	ToID   uint8
	Meters float64
}

// ObserveFrame applies an incoming frame from senderID.
// theirSendTS/ourRecvTS are the frame's header timestamps: the sender's
// current send time (their clock) and our local receive time. reports is
// the frame's per-peer report list.
func (t *Table) ObserveFrame(ourID, senderID uint8, theirSendTS, ourRecvTS tstamp.T, reports []frame.Report) Result {
	if senderID == ourID || senderID == DummyID {
		return Result{Rejected: true}
	}

	idx, isNew, ok := t.getOrCreate(senderID)
	if !ok {
		return Result{Rejected: true, TableFull: true}
	}
	p := &t.slots[idx]
	p.HasReplied = true
	p.Missed = 0

	res := Result{NewPeer: isNew}

	p.TDeviceSent = theirSendTS
	p.TReceived = ourRecvTS

	for _, r := range reports {
		if r.PeerID == ourID {
			continue
		}
		res.Relayed = append(res.Relayed, RelayedRange{FromID: senderID, ToID: r.PeerID, Meters: float64(r.LastRangeM)})
	}

	var addressedToUs *frame.Report
	for i := range reports {
		if reports[i].PeerID == ourID {
			addressedToUs = &reports[i]
			break
		}
	}

	if addressedToUs != nil {
		p.TDeviceReceived = addressedToUs.LastRecvTS
		cTheir := addressedToUs.TxCount
		switch {
		case cTheir == 0:
			p.TxCount = 1
			res.Desync = true
		case cTheir == p.TxCount:
			if p.TxCount > 1 {
				if rangeM, accepted := computeDSTWR(*p); accepted {
					p.LastRangeM = rangeM
					res.HasLocalRange = true
					res.LocalRangeM = rangeM
				}
			}
			p.TxCount++
		default:
			p.TxCount = 0
			res.Desync = true
		}
	}

	p.TDevicePrevSent = p.TDeviceSent
	p.TPrevReceived = p.TReceived

	return res
}

// BuildOutbound assembles our outbound frame. The send timestamp is left
// zero; the caller (daemon) fills it in once the radio driver reports the
// scheduled transmit time.
func (t *Table) BuildOutbound(ourID uint8) frame.Frame {
	f := frame.Frame{SenderID: ourID}
	for _, p := range t.slots {
		f.Reports = append(f.Reports, frame.Report{
			PeerID:     p.ID,
			TxCount:    p.TxCount,
			LastRecvTS: p.TReceived,
			LastRangeM: float32(p.LastRangeM),
		})
	}
	return f
}

// FinalizeSend records our scheduled send timestamp into every peer record
// and advances the shared counter for each peer that replied since our last
// transmission. The send-side increment pairs with the receive-side one in
// ObserveFrame: the counter a frame carries is captured at build time, so
// after both sides' increments it equals what the other endpoint will carry
// next, keeping the two counters in lock-step. It also walks a desynced
// counter from 0 back to 1 once the peer has been heard again.
func (t *Table) FinalizeSend(tSent tstamp.T) {
	for i := range t.slots {
		t.slots[i].TSent = tSent
		if t.slots[i].HasReplied {
			t.slots[i].TxCount++
		}
		t.slots[i].HasReplied = false
	}
}

// computeDSTWR applies the asymmetric DS-TWR formula and the sanity gate.
// Both legs of the gate plus the range clamp must hold for the
// result to be accepted; all four-timestamp products are evaluated in
// float64 because realistic wrap() differences (microsecond-scale reply
// and round intervals) fit comfortably within float64's 53-bit mantissa,
// while the raw 40-bit tick range would overflow int64 if squared directly.
func computeDSTWR(p Peer) (rangeM float64, accepted bool) {
	round1 := float64(uint64(tstamp.Wrap(p.TDeviceReceived, p.TDevicePrevSent)))
	reply1 := float64(uint64(tstamp.Wrap(p.TSent, p.TPrevReceived)))
	round2 := float64(uint64(tstamp.Wrap(p.TReceived, p.TSent)))
	reply2 := float64(uint64(tstamp.Wrap(p.TDeviceSent, p.TDeviceReceived)))
	return dstwrFromIntervals(round1, reply1, round2, reply2)
}

// dstwrFromIntervals is the pure DS-TWR formula plus sanity gate, factored
// out of computeDSTWR so it can be exercised directly by skew property
// tests without reconstructing absolute timestamps.
func dstwrFromIntervals(round1, reply1, round2, reply2 float64) (rangeM float64, accepted bool) {
	denom := round1 + round2 + reply1 + reply2
	if denom == 0 {
		return 0, false
	}
	tofTicks := (round1*round2 - reply1*reply2) / denom
	rangeM = tofTicks * tstamp.TickPeriodSeconds * tstamp.SpeedOfLight

	if !(round1 > reply1 && round2 > reply2) {
		return 0, false
	}
	if !(rangeM >= minPlausibleRangeM && rangeM < maxPlausibleRangeM) {
		return 0, false
	}
	return rangeM, true
}
