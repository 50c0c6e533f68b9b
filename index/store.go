// Package index builds and reads the SQLite index of one generation. An
// index is written once by Build and then only opened read-only.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/defectmirror/dbopen"
	"github.com/hazyhaar/defectmirror/defect"
)

// Store is a read-only view of a generation index.
type Store struct {
	DB   *sql.DB
	path string
}

// Open opens the index at path read-only. opts are applied after the
// read-only option, e.g. to select a tracing driver.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	db, err := dbopen.Open(path, append([]dbopen.Option{dbopen.WithReadOnly()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	return &Store{DB: db, path: path}, nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.DB.Close() }

// Get returns the defect with the given id, or defect.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int) (defect.Defect, error) {
	var rec string
	err := s.DB.QueryRowContext(ctx, `SELECT record FROM defects WHERE id = ?`, id).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return defect.Defect{}, fmt.Errorf("defect %d: %w", id, defect.ErrNotFound)
	}
	if err != nil {
		return defect.Defect{}, fmt.Errorf("index: get %d: %w", id, err)
	}
	return decode(rec)
}

// Scan returns the defects matching w in order o. limit <= 0 means no limit.
func (s *Store) Scan(ctx context.Context, w Where, o Order, limit, offset int) ([]defect.Defect, error) {
	order, err := o.SQL()
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT d.record FROM defects d WHERE %s ORDER BY %s LIMIT ? OFFSET ?`, w.Clause, order)
	return s.query(ctx, q, append(slices.Clone(w.Args), lim(limit), offset)...)
}

// Count returns the number of defects matching w.
func (s *Store) Count(ctx context.Context, w Where) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM defects d WHERE %s`, w.Clause)
	if err := s.DB.QueryRowContext(ctx, q, w.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// Search runs an FTS5 match (see MatchQuery) restricted by w and returns
// defects by relevance, ties broken by id.
func (s *Store) Search(ctx context.Context, match string, w Where, limit, offset int) ([]defect.Defect, error) {
	q := fmt.Sprintf(`
		SELECT d.record
		FROM defects_fts
		JOIN defects d ON d.id = defects_fts.rowid
		WHERE defects_fts MATCH ? AND %s
		ORDER BY rank, d.id
		LIMIT ? OFFSET ?`, w.Clause)
	args := append([]any{match}, w.Args...)
	return s.query(ctx, q, append(args, lim(limit), offset)...)
}

// SearchCount returns the number of defects Search would yield without
// pagination.
func (s *Store) SearchCount(ctx context.Context, match string, w Where) (int, error) {
	q := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM defects_fts
		JOIN defects d ON d.id = defects_fts.rowid
		WHERE defects_fts MATCH ? AND %s`, w.Clause)
	var n int
	if err := s.DB.QueryRowContext(ctx, q, append([]any{match}, w.Args...)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: search count: %w", err)
	}
	return n, nil
}

// All returns every defect in id order.
func (s *Store) All(ctx context.Context) ([]defect.Defect, error) {
	return s.query(ctx, `SELECT record FROM defects ORDER BY id`)
}

var distinctColumns = map[string]bool{
	"status": true, "priority": true, "severity": true, "owner": true, "detected_by": true,
	"module": true, "workstream": true, "defect_type": true, "application": true,
	"scenarios": true, "blocks": true, "integrations": true,
}

// Distinct returns the sorted distinct non-empty values of column. For the
// list columns (scenarios, blocks, integrations) the members are returned.
func (s *Store) Distinct(ctx context.Context, column string) ([]string, error) {
	if !distinctColumns[column] {
		return nil, fmt.Errorf("index: distinct: unknown column %q", column)
	}
	list := column == "scenarios" || column == "blocks" || column == "integrations"
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT %s FROM defects WHERE %s IS NOT NULL AND %s != ''`, column, column, column))
	if err != nil {
		return nil, fmt.Errorf("index: distinct %s: %w", column, err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if !list {
			seen[v] = true
			continue
		}
		for _, m := range strings.Split(v, ",") {
			if m != "" {
				seen[m] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	if column == "blocks" {
		sort.Slice(out, func(i, j int) bool {
			a, _ := strconv.Atoi(out[i])
			b, _ := strconv.Atoi(out[j])
			return a < b
		})
	} else {
		sort.Strings(out)
	}
	return out, nil
}

// Meta returns the generation row written by Build.
func (s *Store) Meta(ctx context.Context) (Meta, error) {
	var m Meta
	var synced string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, synced_at, record_count, log_sha256 FROM generation LIMIT 1`,
	).Scan(&m.Generation, &synced, &m.RecordCount, &m.LogSHA256)
	if err != nil {
		return Meta{}, fmt.Errorf("index: meta: %w", err)
	}
	if m.SyncedAt, err = time.Parse(time.RFC3339, synced); err != nil {
		return Meta{}, fmt.Errorf("index: meta synced_at: %w", err)
	}
	return m, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]defect.Defect, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()

	out := []defect.Defect{}
	for rows.Next() {
		var rec string
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		d, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decode(rec string) (defect.Defect, error) {
	var d defect.Defect
	if err := json.Unmarshal([]byte(rec), &d); err != nil {
		return defect.Defect{}, fmt.Errorf("index: decode record: %w", err)
	}
	if d.Scenarios == nil {
		d.Scenarios = []string{}
	}
	if d.Blocks == nil {
		d.Blocks = []int{}
	}
	if d.Integrations == nil {
		d.Integrations = []string{}
	}
	return d, nil
}

// lim maps "no limit" onto SQLite's LIMIT -1.
func lim(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
