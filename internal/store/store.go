// Package store provides the shared relational plumbing used by the
// platform stores: dialect-aware connection handling for SQLite and
// PostgreSQL, placeholder rebinding, schema version tracking, and the
// scan helpers the domain stores build on.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps *sql.DB with the dialect it was opened against. Exec, Query and
// QueryRow rebind `?` placeholders for PostgreSQL, so store code is written
// once in SQLite placeholder style and runs against either backend.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to the database named by rawURL. URLs with a postgres://
// or postgresql:// scheme open a pgx connection; everything else is treated
// as a SQLite file path (an optional sqlite:// prefix is stripped). SQLite
// connections are configured for WAL journaling and foreign keys.
func Open(rawURL string) (*DB, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("store: database URL is empty")
	}

	if strings.HasPrefix(rawURL, "postgres://") || strings.HasPrefix(rawURL, "postgresql://") {
		db, err := sql.Open("pgx", rawURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &DB{DB: db, dialect: DialectPostgres}, nil
	}

	path := strings.TrimPrefix(rawURL, "sqlite://")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &DB{DB: db, dialect: DialectSQLite}, nil
}

// Dialect returns the backend dialect of the connection.
func (d *DB) Dialect() Dialect { return d.dialect }

// Rebind rewrites `?` placeholders to `$1..$n` when the dialect is
// PostgreSQL. SQLite queries pass through unchanged.
func (d *DB) Rebind(query string) string { return rebind(d.dialect, query) }

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.DB.Exec(rebind(d.dialect, query), args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.DB.Query(rebind(d.dialect, query), args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.DB.QueryRow(rebind(d.dialect, query), args...)
}

// Begin starts a transaction whose Exec/Query/QueryRow rebind placeholders
// the same way the parent connection does.
func (d *DB) Begin() (*Tx, error) {
	tx, err := d.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, dialect: d.dialect}, nil
}

// Tx wraps *sql.Tx with dialect-aware placeholder rebinding.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.Tx.Exec(rebind(t.dialect, query), args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.Tx.Query(rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.Tx.QueryRow(rebind(t.dialect, query), args...)
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Scanner abstracts *sql.Row and *sql.Rows so scan helpers work with both.
type Scanner interface {
	Scan(dest ...any) error
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// FormatTime renders t for storage. Timestamps are stored as RFC3339Nano
// text in both dialects so the scan path stays identical.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NullableTime converts an optional time into its stored representation.
func NullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// NullableString stores the empty string as NULL, which keeps UNIQUE
// constraints on optional columns from colliding on "".
func NullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullableInt converts an optional integer into its stored representation.
func NullableInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// NullableFloat converts an optional float into its stored representation.
func NullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
