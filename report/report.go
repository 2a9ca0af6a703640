// Package report implements the machine-readable reporting channel: the
// `!range`/`!id`/`!remove` line protocol plus a lock-free event counter.
// Everything that is not one of the three recognized line kinds is
// diagnostic output and goes through a plain *log.Logger.
package report

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter writes the three line kinds to w and routes everything else
// through a diagnostic *log.Logger.
type Emitter struct {
	mu  sync.Mutex
	w   io.Writer
	log *log.Logger
}

// NewEmitter constructs an Emitter writing range/id/remove lines to w and
// diagnostic output to diag.
func NewEmitter(w io.Writer, diag io.Writer) *Emitter {
	return &Emitter{w: w, log: log.New(diag, "", log.LstdFlags)}
}

// FormatRange returns the exact text Range would write, for callers (the
// console pane, the websocket feed) that need the line without writing
// through the emitter's io.Writer.
func FormatRange(fromID, toID uint8, meters float64) string {
	return fmt.Sprintf("!range %d %d %.3f", fromID, toID, meters)
}

// FormatID returns the exact text ID would write.
func FormatID(peerID uint8) string {
	return fmt.Sprintf("!id %d", peerID)
}

// FormatRemove returns the exact text Remove would write.
func FormatRemove(peerID uint8) string {
	return fmt.Sprintf("!remove %d", peerID)
}

// Range emits a `!range fromID toID meters` line.
func (e *Emitter) Range(fromID, toID uint8, meters float64) {
	e.writeLine(FormatRange(fromID, toID, meters))
}

// ID emits an `!id peerID` line, written once per transmission by
// tag-role nodes.
func (e *Emitter) ID(peerID uint8) {
	e.writeLine(FormatID(peerID))
}

// Remove emits a `!remove peerID` line announcing an eviction.
func (e *Emitter) Remove(peerID uint8) {
	e.writeLine(FormatRemove(peerID))
}

func (e *Emitter) writeLine(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.w, line)
}

// Logf routes a diagnostic message through the emitter's logger.
func (e *Emitter) Logf(format string, args ...any) {
	e.log.Printf(format, args...)
}

// EventKind enumerates the countable event types.
type EventKind string

const (
	EventRange  EventKind = "range"
	EventID     EventKind = "id"
	EventRemove EventKind = "remove"
	EventJoin   EventKind = "join"
	EventEvict  EventKind = "evict"
)

// Tracker counts reporting events by kind. Although the ranging core is
// single-threaded, Tracker is also read from other goroutines (cmd/rangesim
// and the end-to-end tests poll Counts while nodes run), so it uses
// lock-free per-kind counters rather than a mutexed map.
type Tracker struct {
	counts sync.Map // EventKind -> *atomic.Uint64
	start  atomic.Int64
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Increment records one occurrence of kind.
func (t *Tracker) Increment(kind EventKind) {
	if value, ok := t.counts.Load(kind); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := t.counts.LoadOrStore(kind, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}

// Counts returns a point-in-time snapshot of all counters.
func (t *Tracker) Counts() map[EventKind]uint64 {
	out := make(map[EventKind]uint64)
	t.counts.Range(func(key, value any) bool {
		out[key.(EventKind)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Uptime reports how long the tracker has been running.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Print writes a one-line summary of all counters to stdout.
func (t *Tracker) Print() {
	fmt.Printf("reporting: ")
	first := true
	for _, kind := range []EventKind{EventRange, EventID, EventRemove, EventJoin, EventEvict} {
		v, _ := t.counts.Load(kind)
		var n uint64
		if v != nil {
			n = v.(*atomic.Uint64).Load()
		}
		if !first {
			fmt.Printf(", ")
		}
		fmt.Printf("%s=%d", kind, n)
		first = false
	}
	fmt.Println()
}
