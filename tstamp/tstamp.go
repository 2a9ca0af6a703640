// Package tstamp implements the 40-bit wrap-aware radio-tick timestamp used
// throughout the ranging core. All time-of-flight arithmetic happens in T;
// only the final range is converted to meters.
package tstamp

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Unit selects the input scale for New.
type Unit int

const (
	Ticks Unit = iota
	Micros
	Millis
)

const (
	// bits is the width of the hardware tick counter.
	bits = 40
	// Mask keeps a 64-bit value within the low 40 bits.
	Mask uint64 = (1 << bits) - 1

	// TickPeriodSeconds is the duration of one radio tick (~15.65 ps),
	// the inverse of the UWB chipping rate used by the reference radio.
	TickPeriodSeconds = 1.0 / 499.2e6 / 128.0
	// SpeedOfLight in meters per second.
	SpeedOfLight = 299792458.0
)

var (
	// TicksPerMicro converts whole microseconds to ticks.
	TicksPerMicro = uint64(math.Trunc(1e-6 / TickPeriodSeconds))
	// TicksPerMilli converts whole milliseconds to ticks.
	TicksPerMilli = TicksPerMicro * 1000
)

// T is an opaque 40-bit count of radio ticks.
type T uint64

// New constructs a T from count in the given unit, truncated to 40 bits.
func New(count uint64, unit Unit) T {
	switch unit {
	case Micros:
		return T((count * TicksPerMicro) & Mask)
	case Millis:
		return T((count * TicksPerMilli) & Mask)
	default:
		return T(count & Mask)
	}
}

// FromBytes decodes a 5-byte little-endian buffer into a T.
func FromBytes(b [5]byte) T {
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 | uint64(b[4])<<32
	return T(v & Mask)
}

// Bytes serializes T into a 5-byte little-endian buffer preserving the low
// 40 bits.
func (t T) Bytes() [5]byte {
	v := uint64(t) & Mask
	return [5]byte{
		byte(v),
		byte(v >> 8),
		byte(v >> 16),
		byte(v >> 24),
		byte(v >> 32),
	}
}

// Add returns (t + o) mod 2^40.
func (t T) Add(o T) T {
	return T((uint64(t) + uint64(o)) & Mask)
}

// Sub returns (t - o) mod 2^40.
func (t T) Sub(o T) T {
	return T((uint64(t) - uint64(o)) & Mask)
}

// Mul returns (t * o) mod 2^40, computed in 64-bit intermediate space.
// Callers must ensure the true product fits in 64 bits.
func (t T) Mul(o T) T {
	return T((uint64(t) * uint64(o)) & Mask)
}

// Div returns t / o, rounded toward zero. The result is undefined (caller
// responsibility) when o is zero.
func (t T) Div(o T) T {
	return T((uint64(t) / uint64(o)) & Mask)
}

// Wrap normalizes a signed tick difference into [0, 2^40), i.e. it computes
// (a - b) in modular 40-bit arithmetic and returns it as an always-positive
// T. Identical to Sub, but the name makes the DS-TWR formula sites read as
// interval normalization rather than subtraction.
func Wrap(a, b T) T {
	return a.Sub(b)
}

// AsMeters converts a tick count to a one-way distance in meters
// (ticks * tick_period * c).
func (t T) AsMeters() float64 {
	return float64(uint64(t)) * TickPeriodSeconds * SpeedOfLight
}

// Clamp restricts v to [lo, hi].
func Clamp[V constraints.Ordered](v, lo, hi V) V {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
