package tstamp

import (
	"math/rand"
	"testing"
)

func TestRoundTripBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := rng.Uint64() & Mask
		tt := T(v)
		got := FromBytes(tt.Bytes())
		if got != tt {
			t.Fatalf("round trip mismatch: want %d got %d", tt, got)
		}
	}
}

func TestRoundTripPreservesLow40Bits(t *testing.T) {
	// A value with bits set above bit 40 must still round-trip correctly
	// because Bytes always masks to the low 40 bits first.
	v := T(0xAB_FFFFFFFFFF) // all 40 low bits set, plus bits above bit 40
	want := T(uint64(v) & Mask)
	got := FromBytes(v.Bytes())
	if got != want {
		t.Fatalf("want %d got %d", want, got)
	}
}

func TestWrapCorrectness(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		a := T(rng.Uint64() & Mask)
		b := T(rng.Uint64() & Mask)
		want := T((uint64(a) - uint64(b)) & Mask)
		got := Wrap(a, b)
		if got != want {
			t.Fatalf("Wrap(%d,%d) = %d, want %d", a, b, got, want)
		}
		if uint64(got) >= (1 << bits) {
			t.Fatalf("Wrap result %d escaped 40-bit range", got)
		}
	}
}

func TestAddSubModular(t *testing.T) {
	max := T(Mask)
	if got := max.Add(T(1)); got != T(0) {
		t.Fatalf("expected wraparound to 0, got %d", got)
	}
	if got := T(0).Sub(T(1)); got != max {
		t.Fatalf("expected wraparound to max, got %d", got)
	}
}

func TestMulDiv(t *testing.T) {
	a := T(1000)
	b := T(7)
	if got := a.Mul(b); got != T(7000) {
		t.Fatalf("Mul: got %d want 7000", got)
	}
	if got := a.Div(b); got != T(142) { // rounds toward zero: 1000/7 = 142.857
		t.Fatalf("Div: got %d want 142", got)
	}
}

func TestNewUnits(t *testing.T) {
	oneMicro := New(1, Micros)
	if uint64(oneMicro) != TicksPerMicro {
		t.Fatalf("expected %d ticks per micro, got %d", TicksPerMicro, oneMicro)
	}
	oneMilli := New(1, Millis)
	if uint64(oneMilli) != TicksPerMicro*1000 {
		t.Fatalf("expected %d ticks per milli, got %d", TicksPerMicro*1000, oneMilli)
	}
}

func TestAsMeters(t *testing.T) {
	// One tick should correspond to a tiny fraction of a meter.
	one := T(1)
	m := one.AsMeters()
	if m <= 0 || m > 0.01 {
		t.Fatalf("expected a small positive distance for one tick, got %v", m)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 10); got != 5 {
		t.Fatalf("want 5 got %v", got)
	}
	if got := Clamp(-5, 0, 10); got != 0 {
		t.Fatalf("want 0 got %v", got)
	}
	if got := Clamp(50, 0, 10); got != 10 {
		t.Fatalf("want 10 got %v", got)
	}
}
