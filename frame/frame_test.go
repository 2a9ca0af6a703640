package frame

import (
	"math/rand"
	"testing"

	"uwbmesh/tstamp"
)

func randFrame(rng *rand.Rand, n int) Frame {
	f := Frame{
		SenderID:     uint8(1 + rng.Intn(254)),
		SenderSendTS: tstamp.T(rng.Uint64() & tstamp.Mask),
	}
	for i := 0; i < n; i++ {
		f.Reports = append(f.Reports, Report{
			PeerID:     uint8(1 + rng.Intn(254)),
			TxCount:    uint8(rng.Intn(256)),
			LastRecvTS: tstamp.T(rng.Uint64() & tstamp.Mask),
			LastRangeM: rng.Float32()*500 - 10,
		})
	}
	return f
}

func TestCodecIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, BufSize)
	for n := 0; n <= MaxReports; n++ {
		f := randFrame(rng, n)
		encoded, err := f.Serialize(buf)
		if err != nil {
			t.Fatalf("serialize n=%d: %v", n, err)
		}
		got, err := Parse(encoded)
		if err != nil {
			t.Fatalf("parse n=%d: %v", n, err)
		}
		if got.SenderID != f.SenderID || got.SenderSendTS != f.SenderSendTS {
			t.Fatalf("header mismatch n=%d: got %+v want %+v", n, got, f)
		}
		if len(got.Reports) != len(f.Reports) {
			t.Fatalf("report count mismatch n=%d: got %d want %d", n, len(got.Reports), len(f.Reports))
		}
		for i := range f.Reports {
			if got.Reports[i] != f.Reports[i] {
				t.Fatalf("report %d mismatch: got %+v want %+v", i, got.Reports[i], f.Reports[i])
			}
		}
	}
}

func TestParseRejectsShortFrame(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		if _, err := Parse(make([]byte, n)); err == nil {
			t.Fatalf("expected error for length %d", n)
		}
	}
}

func TestParseRejectsPartialReport(t *testing.T) {
	buf := make([]byte, HeaderSize+ReportSize+3)
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for trailing partial report")
	}
}

func TestSerializeRejectsSmallBuffer(t *testing.T) {
	f := Frame{SenderID: 1}
	if _, err := f.Serialize(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestSerializeRejectsTooManyReports(t *testing.T) {
	f := Frame{SenderID: 1, Reports: make([]Report, MaxReports+1)}
	if _, err := f.Serialize(make([]byte, BufSize)); err == nil {
		t.Fatal("expected error for too many reports")
	}
}

func TestParseMinimalFrameNoReports(t *testing.T) {
	buf := make([]byte, BufSize)
	f := Frame{SenderID: 7, SenderSendTS: tstamp.T(12345)}
	encoded, err := f.Serialize(buf)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(encoded) != HeaderSize {
		t.Fatalf("expected minimal frame length %d, got %d", HeaderSize, len(encoded))
	}
	got, err := Parse(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Reports) != 0 {
		t.Fatalf("expected no reports, got %d", len(got.Reports))
	}
}
