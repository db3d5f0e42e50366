package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/recette/kit"
)

// Driver wraps a database/sql driver and traces every statement prepared on
// its connections. The wrapped connection only exposes Prepare, so
// database/sql routes direct Exec and Query calls through it as well.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracedConn{Conn: conn}, nil
}

type tracedConn struct {
	driver.Conn
}

func (c *tracedConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *tracedConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err = pc.PrepareContext(ctx, query)
	} else {
		stmt, err = c.Conn.Prepare(query)
	}
	if err != nil {
		record(ctx, "prepare", query, 0, err)
		return nil, err
	}
	return &tracedStmt{Stmt: stmt, query: query}, nil
}

func (c *tracedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

type tracedStmt struct {
	driver.Stmt
	query string
}

func (s *tracedStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args)) //nolint:staticcheck
	}
	record(ctx, "exec", s.query, time.Since(start), err)
	return res, err
}

func (s *tracedStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args)) //nolint:staticcheck
	}
	record(ctx, "query", s.query, time.Since(start), err)
	return rows, err
}

// record logs one statement and hands it to the recorder. Fast successful
// PRAGMA statements are skipped: the route watcher polls data_version.
func record(ctx context.Context, op, query string, d time.Duration, err error) {
	threshold := SlowThreshold()
	if err == nil && d < threshold/10 && strings.HasPrefix(query, "PRAGMA ") {
		return
	}

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > threshold:
		level = slog.LevelWarn
	}
	e := Entry{
		RequestID: kit.GetRequestID(ctx),
		Op:        op,
		Query:     compact(query),
		Duration:  d,
		At:        time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}

	if slog.Default().Enabled(ctx, level) {
		attrs := []slog.Attr{
			slog.String("component", "sql"),
			slog.String("op", op),
			slog.String("query", e.Query),
			slog.Duration("duration", d),
		}
		if e.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", e.RequestID))
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", e.Error))
		}
		slog.LogAttrs(ctx, level, "sql", attrs...)
	}
	if r := currentRecorder(); r != nil {
		r.Record(e)
	}
}

// compact folds the whitespace of multi-line statements.
func compact(q string) string { return strings.Join(strings.Fields(q), " ") }

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
