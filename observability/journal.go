// Package observability keeps the operations database of a data directory.
// It records every sync attempt, successful or not, for later inspection.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/defectmirror/dbopen"
	"github.com/hazyhaar/defectmirror/defect"
)

// Outcomes of a sync run.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected" // another sync held the lock
	OutcomeCancelled = "cancelled"
	OutcomeInvalid   = "invalid" // the batch itself was rejected
)

// SyncRun is one sync attempt.
type SyncRun struct {
	SyncID     string    `json:"sync_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Records    int       `json:"records"`
	Generation string    `json:"generation,omitempty"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Classify derives the outcome and failed step of a sync from its error.
func Classify(err error) (outcome, step string) {
	var pe *defect.PersistenceError
	switch {
	case err == nil:
		return OutcomeSuccess, ""
	case errors.Is(err, defect.ErrSyncInProgress):
		return OutcomeRejected, ""
	case errors.Is(err, defect.ErrValidation):
		return OutcomeInvalid, ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if errors.As(err, &pe) {
			return OutcomeCancelled, pe.Step
		}
		return OutcomeCancelled, ""
	case errors.As(err, &pe):
		return OutcomeFailed, pe.Step
	}
	return OutcomeFailed, ""
}

// SyncJournal writes sync runs to the operations database. Recording never
// fails the caller: errors are logged and dropped.
type SyncJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJournal opens (creating if needed) the operations database at path.
func OpenJournal(path string, logger *slog.Logger) (*SyncJournal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("observability: open %s: %w", path, err)
	}
	return NewSyncJournal(db, logger), nil
}

// NewSyncJournal wraps a database that already carries Schema.
func NewSyncJournal(db *sql.DB, logger *slog.Logger) *SyncJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncJournal{db: db, logger: logger}
}

// Record inserts run, filling FinishedAt and DurationMs when unset.
func (j *SyncJournal) Record(ctx context.Context, run SyncRun) {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.DurationMs == 0 && !run.StartedAt.IsZero() {
		run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	// A cancelled sync still gets its row.
	ctx = context.WithoutCancel(ctx)
	_, err := dbopen.Exec(ctx, j.db, `INSERT OR REPLACE INTO sync_runs
		(sync_id, started_at, finished_at, duration_ms, outcome, records,
		 generation, failed_step, error_message)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.SyncID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), run.DurationMs,
		run.Outcome, run.Records,
		nullable(run.Generation), nullable(run.FailedStep), nullable(run.Error))
	if err != nil {
		j.logger.Error("observability: record sync run", "sync_id", run.SyncID, "error", err)
	}
}

// Recent returns the last n runs, newest first. n <= 0 means 20.
func (j *SyncJournal) Recent(ctx context.Context, n int) ([]SyncRun, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT sync_id, started_at, finished_at, duration_ms,
		outcome, records, generation, failed_step, error_message
		FROM sync_runs ORDER BY started_at DESC, sync_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("observability: query sync runs: %w", err)
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		var r SyncRun
		var started, finished int64
		var gen, step, msg sql.NullString
		if err := rows.Scan(&r.SyncID, &started, &finished, &r.DurationMs,
			&r.Outcome, &r.Records, &gen, &step, &msg); err != nil {
			return nil, fmt.Errorf("observability: scan sync run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		r.Generation, r.FailedStep, r.Error = gen.String, step.String, msg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Cleanup deletes runs started more than retentionDays ago.
func (j *SyncJournal) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := dbopen.Exec(ctx, j.db, `DELETE FROM sync_runs WHERE started_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup sync runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *SyncJournal) Close() error { return j.db.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
