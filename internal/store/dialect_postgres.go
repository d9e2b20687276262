package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect targets PostgreSQL through the pgx stdlib driver.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string                  { return "postgres" }
func (d *PostgresDialect) DriverName() string            { return "pgx" }
func (d *PostgresDialect) NewParamBuilder() ParamBuilder { return &params{prefix: "$"} }
func (d *PostgresDialect) NowExpr() string               { return "NOW()" }
func (d *PostgresDialect) IntBooleans() bool             { return false }
func (d *PostgresDialect) SystemTablesSQL() string       { return renderSystemTables(d, "BIGINT") }

var pgColumnTypes = map[string]string{
	"int":       "INTEGER",
	"bool":      "BOOLEAN",
	"json":      "JSONB",
	"timestamp": "TIMESTAMPTZ",
}

func (d *PostgresDialect) ColumnType(fieldType string) string {
	if t, ok := pgColumnTypes[fieldType]; ok {
		return t
	}
	return "TEXT"
}

func (d *PostgresDialect) BoolLiteral(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (d *PostgresDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT to_regclass('public.' || $1) IS NOT NULL", table).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) Columns(ctx context.Context, q Querier, table string) (map[string]string, error) {
	rows, err := QueryRows(ctx, q, `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]string, len(rows))
	for _, r := range rows {
		cols[fmt.Sprint(r["column_name"])] = fmt.Sprint(r["data_type"])
	}
	return cols, nil
}

// InExpr binds the whole list as one array parameter, so an empty list
// matches nothing without special casing.
func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return fmt.Sprintf("%s = ANY(%s)", field, pb.Add(textArray(values)))
}

// textArray hands pgx a []string when every value is a string, so the
// parameter encodes as TEXT[].
func textArray(values []any) any {
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return values
		}
		out = append(out, s)
	}
	return out
}

func (d *PostgresDialect) LikeExpr(field string, pb ParamBuilder, term string) string {
	return fmt.Sprintf("%s::text ILIKE %s", field, pb.Add("%"+term+"%"))
}

func (d *PostgresDialect) OlderThanExpr(column string, pb ParamBuilder, days int) string {
	return fmt.Sprintf("%s < NOW() - make_interval(days => %s)", column, pb.Add(days))
}

func (d *PostgresDialect) MapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	case "23503":
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}
