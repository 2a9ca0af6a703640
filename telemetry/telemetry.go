// Package telemetry appends a diagnostic trail of completed ranges to a
// sqlite database for later analysis: an async single-writer goroutine fed
// by a channel, a per-pair row cap, and silent-drop once a pair is at
// capacity. The trail is write-only history; nothing is ever read back
// into the ranging core on boot.
package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one completed range measurement.
type Record struct {
	FromID uint8
	ToID   uint8
	Meters float64
	At     time.Time
}

type insertJob struct {
	runID string
	rec   Record
}

// Log is a sqlite-backed append-only range history. Writes are applied
// asynchronously by a single background goroutine so the ranging core's
// hot path never blocks on disk I/O.
type Log struct {
	db           *sql.DB
	runID        string
	limitPerPeer int
	jobs         chan insertJob
	done         chan struct{}
}

// NewLog opens (creating if needed) a sqlite database at path and starts
// the background writer. limitPerPeer caps the number of rows retained per
// (from,to) peer pair; inserts beyond the cap are silently ignored.
func NewLog(path string, limitPerPeer int) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS range_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		meters REAL NOT NULL,
		observed_at DATETIME NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create schema: %w", err)
	}

	l := &Log{
		db:           db,
		runID:        uuid.NewString(),
		limitPerPeer: limitPerPeer,
		jobs:         make(chan insertJob, 256),
		done:         make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// RunID returns the UUID generated at process start, stamped on every row
// from this run so separate boots are distinguishable in the log.
func (l *Log) RunID() string { return l.runID }

// Record enqueues a completed range for asynchronous insertion.
func (l *Log) Record(rec Record) {
	select {
	case l.jobs <- insertJob{runID: l.runID, rec: rec}:
	default:
		// Writer backlogged; drop rather than block the ranging core.
	}
}

func (l *Log) run() {
	defer close(l.done)
	for job := range l.jobs {
		l.insert(job)
	}
}

func (l *Log) insert(job insertJob) {
	var count int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM range_records WHERE from_id = ? AND to_id = ?`,
		job.rec.FromID, job.rec.ToID,
	).Scan(&count)
	if err != nil {
		return
	}
	if count >= l.limitPerPeer {
		return
	}
	l.db.Exec(
		`INSERT INTO range_records (run_id, from_id, to_id, meters, observed_at) VALUES (?, ?, ?, ?, ?)`,
		job.runID, job.rec.FromID, job.rec.ToID, job.rec.Meters, job.rec.At,
	)
}

// Close stops accepting new records, waits for the writer to drain, and
// closes the underlying database.
func (l *Log) Close() error {
	close(l.jobs)
	<-l.done
	return l.db.Close()
}
