package calib

import (
	"bytes"
	"testing"

	"howett.net/plist"
	"uwbmesh/tstamp"
)

func encodeFixture(t *testing.T, profiles []Profile) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	if err := enc.Encode(profiles); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestLoadFromReaderIndexesByNodeID(t *testing.T) {
	r := encodeFixture(t, []Profile{
		{NodeID: 1, AntennaTXTicks: 100, AntennaRXTicks: 120, Role: "anchor"},
		{NodeID: 2, AntennaTXTicks: 90, AntennaRXTicks: 110, Role: "tag"},
	})
	db, err := LoadFromReader(r)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	p, ok := db.Lookup(1)
	if !ok {
		t.Fatalf("expected node 1 to be present")
	}
	if p.AntennaTXTicks != 100 || p.RoleValue() != RoleAnchor {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if _, ok := db.Lookup(99); ok {
		t.Fatalf("expected node 99 to be absent")
	}
}

func TestRoleValueDefaultsToEither(t *testing.T) {
	p := Profile{Role: ""}
	if p.RoleValue() != RoleEither {
		t.Fatalf("expected default role either, got %v", p.RoleValue())
	}
	p2 := Profile{Role: "bogus"}
	if p2.RoleValue() != RoleEither {
		t.Fatalf("expected unrecognized role to default to either, got %v", p2.RoleValue())
	}
}

func TestRoleForIDBoundary(t *testing.T) {
	for id := uint8(0); id < 5; id++ {
		if got := RoleForID(id); got != RoleAnchor {
			t.Fatalf("RoleForID(%d) = %v, want anchor", id, got)
		}
	}
	for _, id := range []uint8{5, 6, 254} {
		if got := RoleForID(id); got != RoleTag {
			t.Fatalf("RoleForID(%d) = %v, want tag", id, got)
		}
	}
}

func TestCorrectTXRXAddAntennaDelay(t *testing.T) {
	p := Profile{AntennaTXTicks: 50, AntennaRXTicks: 30}
	ts := tstamp.T(1000)
	if got := p.CorrectTX(ts); got != 1050 {
		t.Fatalf("expected 1050, got %d", got)
	}
	if got := p.CorrectRX(ts); got != 1030 {
		t.Fatalf("expected 1030, got %d", got)
	}
}
