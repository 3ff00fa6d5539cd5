package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL backend behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB wraps the event log connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	dialect Dialect
	now     func() time.Time
}

// DialectFor picks the backend for a DSN: postgres:// and postgresql://
// URLs use Postgres, anything else is a SQLite file path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open opens or creates the event log at dsn.
func Open(dsn string) (*DB, error) {
	dialect := DialectFor(dsn)

	var conn *sql.DB
	var err error
	switch dialect {
	case Postgres:
		conn, err = sql.Open("pgx", dsn)
	default:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
			}
		}
		conn, err = sql.Open("sqlite3", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dialect == SQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}
	return &DB{conn: conn, dsn: dsn, dialect: dialect, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect returns the backend in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// SetClock overrides the timestamp source (for testing).
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DB) timestamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Rebind adapts a query written with ? placeholders to the backend.
func (d *DB) Rebind(query string) string {
	return d.rebind(query)
}

func (d *DB) exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(d.rebind(query), args...)
}

func (d *DB) query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(d.rebind(query), args...)
}

func (d *DB) queryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(d.rebind(query), args...)
}

// idColumn is the auto-increment primary key for each dialect.
func (d *DB) idColumn() string {
	if d.dialect == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *DB) schemaV1() []string {
	id := d.idColumn()
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS runs (
    run_id       TEXT PRIMARY KEY,
    started_at   TEXT NOT NULL,
    completed_at TEXT,
    total_cycles INTEGER NOT NULL DEFAULT 0,
    final_status TEXT
)`,
		`CREATE TABLE IF NOT EXISTS pipeline_events (
    id          ` + id + `,
    run_id      TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    event       TEXT NOT NULL,
    phase       TEXT,
    detail      TEXT,
    timestamp   TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_run ON pipeline_events(run_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS bug_events (
    id          ` + id + `,
    run_id      TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    bug_id      TEXT NOT NULL,
    component   TEXT,
    category    TEXT,
    severity    TEXT,
    from_status TEXT,
    to_status   TEXT NOT NULL CHECK(to_status IN ('open','fixing','fixed','unresolved')),
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT,
    timestamp   TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_bug_run ON bug_events(run_id, bug_id)`,
		`CREATE TABLE IF NOT EXISTS vision_calls (
    id          ` + id + `,
    run_id      TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    capture_id  TEXT NOT NULL,
    backend     TEXT NOT NULL,
    model       TEXT,
    attempts    INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    bugs        INTEGER NOT NULL DEFAULT 0,
    fallback    BOOLEAN NOT NULL DEFAULT FALSE,
    error       TEXT,
    timestamp   TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_vision_run ON vision_calls(run_id)`,
	}
}

var tables = []string{"vision_calls", "bug_events", "pipeline_events", "runs", "schema_version"}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.queryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schemaV1() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), d.timestamp()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
