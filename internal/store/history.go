package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LyKhan77/protoscale/internal/model"

	_ "modernc.org/sqlite"
)

const createJobEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    status     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    progress   INTEGER NOT NULL,
    error      TEXT,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (job_id, seq)
)`

// Transition is one persisted job state change, ordered by Seq per job.
type Transition struct {
	JobID     string       `json:"job_id"`
	Seq       int          `json:"seq"`
	Status    model.Status `json:"status"`
	Stage     model.Stage  `json:"stage"`
	Progress  int          `json:"progress"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// History persists job state transitions to SQLite for post-hoc inspection.
// Rows are append-only; the job record files remain the source of truth for
// current state.
type History struct {
	db *sql.DB
}

// NewHistory opens the SQLite database at dbPath and runs migrations.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create job_events table: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the underlying database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Append records one transition for the job. Sequence numbers are assigned
// from the current maximum; the store serializes appends per job, so the
// subquery cannot race with itself.
func (h *History) Append(ctx context.Context, jobID string, ev model.Event) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, seq, status, stage, progress, error, created_at)
		 SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ?, ?, ?, ?
		 FROM job_events WHERE job_id = ?`,
		jobID, string(ev.Status), string(ev.Stage), ev.Progress, ev.Error, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// List returns all transitions for a job in sequence order.
func (h *History) List(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT job_id, seq, status, stage, progress, error, created_at
		 FROM job_events WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var errMsg sql.NullString
		if err := rows.Scan(&tr.JobID, &tr.Seq, &tr.Status, &tr.Stage, &tr.Progress, &errMsg, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		tr.Error = errMsg.String
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

// DeleteJob removes all transitions recorded for a job.
func (h *History) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := h.db.ExecContext(ctx, "DELETE FROM job_events WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("delete job events: %w", err)
	}
	return nil
}
