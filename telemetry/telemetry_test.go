package telemetry

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestLogLimitPerPeer(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ranges.db")

	log, err := NewLog(dbPath, 2)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}

	rec := Record{FromID: 1, ToID: 2, Meters: 3.5, At: time.Now().UTC()}
	log.Record(rec)
	log.Record(rec)
	log.Record(rec) // should be ignored (limit=2)

	log.Close()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM range_records`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestLogStampsRunIDOnEveryRow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ranges.db")

	log, err := NewLog(dbPath, 10)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}

	rec := Record{FromID: 1, ToID: 2, Meters: 1.0, At: time.Now().UTC()}
	log.Record(rec)
	wantRunID := log.RunID()
	log.Close()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var gotRunID string
	if err := db.QueryRow(`SELECT run_id FROM range_records LIMIT 1`).Scan(&gotRunID); err != nil {
		t.Fatalf("query run_id: %v", err)
	}
	if gotRunID != wantRunID {
		t.Fatalf("expected run_id=%s, got %s", wantRunID, gotRunID)
	}
}
