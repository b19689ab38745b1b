// Package sqlite persists the event log in SQLite through the pure Go
// modernc.org/sqlite driver, with no CGo dependency.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/stream"
)

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	clock        func() time.Time
}

func defaultConfig() config {
	return config{
		dsn:          "eventcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// Option configures an Engine.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase keeps the event log in memory. The engine then runs on
// a single connection, since every connection would otherwise get its own
// private database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode toggles write-ahead logging. Recommended for file databases;
// it has no effect on :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate toggles running pending schema migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithClock replaces the clock stamping appended events. Useful for
// deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// Engine is a SQLite-backed storage engine. Every append runs in a single
// database transaction: either all of its events become visible or none do.
type Engine struct {
	db    *sql.DB
	clock func() time.Time

	mu sync.Mutex // serializes appends
}

var _ eventstore.StorageEngine = (*Engine)(nil)

// NewEngine opens the database and, unless disabled, migrates the schema.
//
//	// File database with defaults (WAL mode, auto-migrate).
//	engine, err := sqlite.NewEngine(sqlite.WithDSN("/var/lib/app/events.db"))
//
//	// Throwaway in-memory log for tests.
//	engine, err := sqlite.NewEngine(sqlite.WithMemoryDatabase())
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Engine{db: db, clock: cfg.clock}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// DB exposes the underlying database, for components co-located with the
// event log such as a CheckpointStore.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Head returns the position of the last stored event, NoConsistencyMarker
// for an empty log.
func (e *Engine) Head(ctx context.Context) (int64, error) {
	var head int64
	err := e.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), -1) FROM events",
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read head position: %w", err)
	}
	return head, nil
}

// Source streams the selected events straight off a query cursor. The cursor
// stays open until the stream is exhausted or closed.
func (e *Engine) Source(ctx context.Context, condition eventstore.SourcingCondition) *stream.Stream[eventstore.Event] {
	if condition.Criteria().IsEmpty() {
		return stream.Empty[eventstore.Event]()
	}

	query, args := sourceQuery(condition)
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return stream.Failed[eventstore.Event](fmt.Errorf("failed to query events: %w", err))
	}
	return stream.NewWithRelease(foldEventRows(rows), func() { rows.Close() })
}

// Append validates the condition and inserts all events with consecutive
// positions within one database transaction.
func (e *Engine) Append(ctx context.Context, events []eventstore.Event, condition eventstore.AppendCondition) ([]eventstore.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkAppendCondition(ctx, tx, condition); err != nil {
		return nil, err
	}

	var head int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), -1) FROM events",
	).Scan(&head)
	if err != nil {
		return nil, fmt.Errorf("failed to read head position: %w", err)
	}

	committed := make([]eventstore.Event, len(events))
	for i, ev := range events {
		ev.Position = head + 1 + int64(i)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.clock()
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		committed[i] = ev
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return committed, nil
}

// checkAppendCondition looks for one event beyond the consistency marker that
// matches the guarded criteria.
func checkAppendCondition(ctx context.Context, tx *sql.Tx, condition eventstore.AppendCondition) error {
	criteria := condition.Criteria()
	if criteria.IsEmpty() {
		return nil
	}

	clause, args := criteriaClause(criteria)
	query := fmt.Sprintf(
		"SELECT e.position FROM events e WHERE e.position > ? AND %s ORDER BY e.position LIMIT 1",
		clause,
	)

	var violating int64
	err := tx.QueryRowContext(ctx, query,
		append([]any{condition.ConsistencyMarker()}, args...)...,
	).Scan(&violating)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("failed to validate append condition: %w", err)
	}
	return &eventstore.ConflictError{
		Marker:   condition.ConsistencyMarker(),
		Position: violating,
	}
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error {
	metadata, err := metadataJSON(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (position, event_id, event_type, payload, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Position, ev.ID, ev.Type, ev.Payload, metadata, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %q: %w", ev.ID, err)
	}

	for _, ix := range ev.Indices {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_indices (position, idx_key, idx_value)
			VALUES (?, ?, ?)`,
			ev.Position, ix.Key, ix.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to insert index %s for event %q: %w", ix, ev.ID, err)
		}
	}
	return nil
}

func metadataJSON(md eventstore.Metadata) (sql.NullString, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// sourceQuery selects the events of a sourcing window joined with their
// index tags, ordered by position.
func sourceQuery(condition eventstore.SourcingCondition) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT e.position, e.event_id, e.event_type, e.payload, e.metadata, e.timestamp, i.idx_key, i.idx_value
		FROM events e
		LEFT JOIN event_indices i ON i.position = e.position
		WHERE e.position >= ?`)
	args := []any{condition.Start()}

	if condition.Bounded() {
		sb.WriteString(" AND e.position <= ?")
		args = append(args, condition.End())
	}

	clause, clauseArgs := criteriaClause(condition.Criteria())
	sb.WriteString(" AND ")
	sb.WriteString(clause)
	args = append(args, clauseArgs...)

	sb.WriteString(" ORDER BY e.position, i.idx_key, i.idx_value")
	return sb.String(), args
}

// criteriaClause renders criteria the way Criteria.Matches evaluates them:
// the event carries at least one of the indices, and its type is among the
// constrained types. Expects the events table aliased as e.
func criteriaClause(criteria eventstore.Criteria) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if indices := criteria.Indices(); len(indices) > 0 {
		pairs := make([]string, len(indices))
		for i, ix := range indices {
			pairs[i] = "(x.idx_key = ? AND x.idx_value = ?)"
			args = append(args, ix.Key, ix.Value)
		}
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_indices x WHERE x.position = e.position AND (%s))",
			strings.Join(pairs, " OR "),
		))
	}

	if types := criteria.EventTypes(); len(types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
		clauses = append(clauses, fmt.Sprintf("e.event_type IN (%s)", placeholders))
		for _, t := range types {
			args = append(args, t)
		}
	}

	if len(clauses) == 0 {
		return "0=1", nil
	}
	return strings.Join(clauses, " AND "), args
}

// foldEventRows folds the position-ordered join rows, one row per index tag,
// back into events.
func foldEventRows(rows *sql.Rows) stream.NextFunc[eventstore.Event] {
	var pending *eventstore.Event
	return func(ctx context.Context) (eventstore.Event, bool, error) {
		var zero eventstore.Event
		for rows.Next() {
			ev, ix, tagged, err := scanEventRow(rows)
			if err != nil {
				return zero, false, fmt.Errorf("failed to scan event row: %w", err)
			}

			if pending != nil && pending.Position == ev.Position {
				if tagged {
					pending.Indices = append(pending.Indices, ix)
				}
				continue
			}

			previous := pending
			pending = &ev
			if tagged {
				pending.Indices = append(pending.Indices, ix)
			}
			if previous != nil {
				return *previous, true, nil
			}
		}
		if err := rows.Err(); err != nil {
			return zero, false, fmt.Errorf("failed to iterate events: %w", err)
		}
		if pending != nil {
			out := *pending
			pending = nil
			return out, true, nil
		}
		return zero, false, nil
	}
}

func scanEventRow(rows *sql.Rows) (eventstore.Event, eventstore.Index, bool, error) {
	var (
		ev        eventstore.Event
		metadata  sql.NullString
		timestamp int64
		key, val  sql.NullString
	)
	err := rows.Scan(&ev.Position, &ev.ID, &ev.Type, &ev.Payload, &metadata, &timestamp, &key, &val)
	if err != nil {
		return eventstore.Event{}, eventstore.Index{}, false, err
	}

	ev.Timestamp = time.Unix(0, timestamp).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return eventstore.Event{}, eventstore.Index{}, false, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	if !key.Valid {
		return ev, eventstore.Index{}, false, nil
	}
	return ev, eventstore.NewIndex(key.String, val.String), true, nil
}
