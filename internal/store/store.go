package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	_ "modernc.org/sqlite"             // Register sqlite as database/sql driver

	"devops-backend/internal/config"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUniqueViolation     = errors.New("unique constraint violation")
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the shared handle every package queries through.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// New opens and pings the configured database. The driver defaults to
// postgres.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dialect := NewDialect(cfg.Driver)
	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect.Name() == "sqlite" {
		err = tuneSQLite(ctx, db, cfg.DSN() == ":memory:")
	} else if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
	}
	if err == nil {
		if err = db.PingContext(ctx); err != nil {
			err = fmt.Errorf("ping: %w", err)
		}
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, Dialect: dialect}, nil
}

// tuneSQLite pins the pool to one connection, since SQLite has a single
// writer and an in-memory database vanishes with its connection.
func tuneSQLite(ctx context.Context, db *sql.DB, inMemory bool) error {
	db.SetMaxOpenConns(1)
	pragmas := []string{"PRAGMA foreign_keys=ON"}
	if inMemory {
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.DB.Close()
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// QueryRows runs a query and returns each row keyed by column name, with
// driver values normalized for JSON.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var out []map[string]any
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// QueryRow is QueryRows for a single row; no row yields ErrNotFound.
func QueryRow(ctx context.Context, q Querier, sqlStr string, args ...any) (map[string]any, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	switch {
	case err != nil:
		return nil, err
	case len(rows) == 0:
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// QueryStrings collects the non-null values of a single-column query.
func QueryStrings(ctx context.Context, q Querier, sqlStr string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Exec runs a statement and reports the affected row count.
func Exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	return res.RowsAffected()
}

// MapError is a nil-safe Dialect.MapError.
func MapError(dialect Dialect, err error) error {
	if err == nil {
		return nil
	}
	return dialect.MapError(err)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return parseTimestamp(string(val))
	case string:
		return parseTimestamp(val)
	}
	return v
}

// parseTimestamp turns SQLite text timestamps into time.Time and leaves every
// other string alone.
func parseTimestamp(s string) any {
	if len(s) < 19 || s[4] != '-' || (s[10] != ' ' && s[10] != 'T') {
		return s
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return s
}

// NormalizeBooleans rewrites the named columns of SQLite rows from 0/1 to
// bool.
func NormalizeBooleans(rows []map[string]any, boolFields []string) {
	for _, row := range rows {
		for _, f := range boolFields {
			if v, ok := row[f]; ok && v != nil {
				if _, isBool := v.(bool); !isBool {
					row[f] = ToBool(v)
				}
			}
		}
	}
}

// ToBool reads a boolean column regardless of how the driver returned it.
func ToBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val == "1" || val == "true" || val == "t"
	}
	return false
}
