package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SQLiteSpanExporter persists finished spans in a SQLite table. It keeps
// traces queryable in single-binary deployments where no collector runs, and
// can share the database of the SQLite storage engine.
type SQLiteSpanExporter struct {
	db    *sql.DB
	table string
	mu    sync.Mutex
}

var _ sdktrace.SpanExporter = (*SQLiteSpanExporter)(nil)

// NewSQLiteSpanExporter creates the span table if needed. The database stays
// owned by the caller; Shutdown does not close it.
func NewSQLiteSpanExporter(db *sql.DB, table string) (*SQLiteSpanExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if table == "" {
		table = "otel_spans"
	}

	e := &SQLiteSpanExporter{db: db, table: table}
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id        TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			parent_span_id TEXT,
			name           TEXT NOT NULL,
			kind           INTEGER NOT NULL,
			start_time     INTEGER NOT NULL,
			end_time       INTEGER NOT NULL,
			status_code    INTEGER NOT NULL,
			status_message TEXT,
			attributes     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s (trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start_time ON %[1]s (start_time);
	`, table)); err != nil {
		return nil, fmt.Errorf("failed to create span table: %w", err)
	}
	return e, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SQLiteSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_span_id, name, kind,
			start_time, end_time, status_code, status_message, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, e.table))
	if err != nil {
		return fmt.Errorf("failed to prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		spanCtx := span.SpanContext()

		var parent sql.NullString
		if span.Parent().SpanID().IsValid() {
			parent = sql.NullString{String: span.Parent().SpanID().String(), Valid: true}
		}
		attrs, err := json.Marshal(attributesToMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("failed to encode span attributes: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			spanCtx.SpanID().String(),
			spanCtx.TraceID().String(),
			parent,
			span.Name(),
			int(span.SpanKind()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("failed to insert span %s: %w", spanCtx.SpanID(), err)
		}
	}
	return tx.Commit()
}

// Shutdown implements sdktrace.SpanExporter. The database is left open.
func (e *SQLiteSpanExporter) Shutdown(context.Context) error {
	return nil
}

// SpanNames returns the distinct span names stored, newest first. Intended
// for tests and ad-hoc inspection.
func (e *SQLiteSpanExporter) SpanNames(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT name FROM %s GROUP BY name ORDER BY MAX(start_time) DESC", e.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query span names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan span name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
