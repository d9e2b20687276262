package store

import (
	"context"
	"fmt"
	"strings"
)

// SQLiteDialect targets modernc.org/sqlite. Booleans and timestamps are
// stored as INTEGER and TEXT.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string                  { return "sqlite" }
func (d *SQLiteDialect) DriverName() string            { return "sqlite" }
func (d *SQLiteDialect) NewParamBuilder() ParamBuilder { return &params{prefix: "?"} }
func (d *SQLiteDialect) NowExpr() string               { return "datetime('now')" }
func (d *SQLiteDialect) IntBooleans() bool             { return true }
func (d *SQLiteDialect) SystemTablesSQL() string       { return renderSystemTables(d, "INTEGER") }

func (d *SQLiteDialect) ColumnType(fieldType string) string {
	if fieldType == "int" || fieldType == "bool" {
		return "INTEGER"
	}
	return "TEXT"
}

func (d *SQLiteDialect) BoolLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (d *SQLiteDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	names, err := QueryStrings(ctx, q, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?1", table)
	return len(names) > 0, err
}

func (d *SQLiteDialect) Columns(ctx context.Context, q Querier, table string) (map[string]string, error) {
	rows, err := QueryRows(ctx, q, "SELECT name, type FROM pragma_table_info(?1)", table)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]string, len(rows))
	for _, r := range rows {
		cols[fmt.Sprint(r["name"])] = fmt.Sprint(r["type"])
	}
	return cols, nil
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0"
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return field + " IN (" + strings.Join(phs, ", ") + ")"
}

// LikeExpr relies on SQLite's LIKE ignoring ASCII case.
func (d *SQLiteDialect) LikeExpr(field string, pb ParamBuilder, term string) string {
	return field + " LIKE " + pb.Add("%"+term+"%")
}

func (d *SQLiteDialect) OlderThanExpr(column string, pb ParamBuilder, days int) string {
	return fmt.Sprintf("%s < datetime('now', %s)", column, pb.Add(fmt.Sprintf("-%d days", days)))
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}
