package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/defectmirror/kit"
)

// TracingDriver wraps a driver and times every prepared Exec and Query.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn}, nil
}

type tracingConn struct {
	driver.Conn
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query}, nil
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err := pc.PrepareContext(ctx, query)
		if err != nil {
			record(ctx, "Prepare", query, 0, err)
			return nil, err
		}
		return &tracingStmt{Stmt: stmt, query: query}, nil
	}
	return c.Prepare(query)
}

type tracingStmt struct {
	driver.Stmt
	query string
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return timed(ctx, "Exec", s.query, func() (driver.Result, error) {
		if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
			return ec.ExecContext(ctx, args)
		}
		return s.Stmt.Exec(values(args))
	})
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return timed(ctx, "Query", s.query, func() (driver.Rows, error) {
		if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
			return qc.QueryContext(ctx, args)
		}
		return s.Stmt.Query(values(args))
	})
}

func timed[T any](ctx context.Context, op, query string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	record(ctx, op, query, time.Since(start), err)
	return v, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	// Connection setup pragmas are noise unless they fail or stall.
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(query, "PRAGMA ") {
		return
	}

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > SlowThreshold:
		level = slog.LevelWarn
	}
	log := getLogger()
	if !log.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetRequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id), slog.String("transport", kit.GetTransport(ctx)))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	log.LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds the whitespace of multi-line statements onto one line.
func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
