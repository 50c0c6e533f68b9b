package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/defectmirror/dbopen"
	"github.com/hazyhaar/defectmirror/defect"
)

// Meta describes the generation an index was built for.
type Meta struct {
	Generation  string    `json:"generation"`
	SyncedAt    time.Time `json:"synced_at"`
	RecordCount int       `json:"record_count"`
	LogSHA256   string    `json:"log_sha256"`
}

// Build reads the canonical log at logPath and writes a fresh index to
// dbPath, replacing any file already there. The result depends only on the
// log's content: records are inserted in id order and the full-text index
// is rebuilt in one pass.
func Build(ctx context.Context, logPath, dbPath, generation string, syncedAt time.Time) (Meta, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return Meta{}, fmt.Errorf("index: read log: %w", err)
	}
	records, err := defect.DecodeLog(data)
	if err != nil {
		return Meta{}, fmt.Errorf("index: %w", err)
	}
	slices.SortStableFunc(records, func(a, b defect.Defect) int { return a.ID - b.ID })

	sum := sha256.Sum256(data)
	meta := Meta{
		Generation:  generation,
		SyncedAt:    syncedAt.UTC().Truncate(time.Second),
		RecordCount: len(records),
		LogSHA256:   hex.EncodeToString(sum[:]),
	}

	for _, p := range []string{dbPath, dbPath + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Meta{}, fmt.Errorf("index: remove stale %s: %w", p, err)
		}
	}

	db, err := dbopen.Open(dbPath,
		dbopen.WithJournalMode("DELETE"),
		dbopen.WithSynchronous("FULL"),
		dbopen.WithSchema(Schema))
	if err != nil {
		return Meta{}, fmt.Errorf("index: %w", err)
	}
	db.SetMaxOpenConns(1)

	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		return fill(ctx, tx, records, meta)
	})
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("index: close: %w", cerr)
	}
	if err != nil {
		return Meta{}, err
	}
	return meta, nil
}

func fill(ctx context.Context, tx *sql.Tx, records []defect.Defect, meta Meta) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO defects (
			id, name, display_name, status, priority, priority_rank, severity,
			owner, detected_by, description, dev_comments,
			created, modified, closed, target_date,
			defect_type, application, workstream, module,
			scenarios, blocks, integrations, record
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("index: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("index: encode defect %d: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.Name, d.DisplayName, null(d.Status), null(d.Priority), d.PriorityRank(), null(d.Severity),
			null(d.Owner), null(d.DetectedBy), null(d.Description), null(d.DevComments),
			null(d.Created), null(d.Modified), null(d.Closed), null(d.TargetDate),
			null(d.DefectType), null(d.Application), null(d.Workstream), null(d.Module),
			frame(d.Scenarios), frame(ints(d.Blocks)), frame(d.Integrations), string(rec),
		); err != nil {
			return fmt.Errorf("index: insert defect %d: %w", d.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO defects_fts(defects_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("index: rebuild fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO generation (id, synced_at, record_count, log_sha256) VALUES (?, ?, ?, ?)`,
		meta.Generation, meta.SyncedAt.Format(time.RFC3339), meta.RecordCount, meta.LogSHA256,
	); err != nil {
		return fmt.Errorf("index: write meta: %w", err)
	}
	return nil
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func frame(values []string) string {
	if len(values) == 0 {
		return ","
	}
	return "," + strings.Join(values, ",") + ","
}

func ints(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}
