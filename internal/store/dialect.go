package store

import (
	"context"
	"strconv"
)

// Dialect hides the SQL that differs between PostgreSQL and SQLite.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	NewParamBuilder() ParamBuilder

	// Schema.
	ColumnType(fieldType string) string
	BoolLiteral(v bool) string
	NowExpr() string
	SystemTablesSQL() string
	TableExists(ctx context.Context, q Querier, table string) (bool, error)
	// Columns maps each existing column of table to its declared type.
	Columns(ctx context.Context, q Querier, table string) (map[string]string, error)

	// Predicates. Each one adds its arguments to pb.
	InExpr(field string, pb ParamBuilder, values []any) string
	LikeExpr(field string, pb ParamBuilder, term string) string
	OlderThanExpr(column string, pb ParamBuilder, days int) string

	// MapError wraps constraint failures in ErrUniqueViolation or
	// ErrForeignKeyViolation.
	MapError(err error) error
	// IntBooleans reports whether boolean columns scan back as 0/1.
	IntBooleans() bool
}

// ParamBuilder collects positional arguments for one statement.
type ParamBuilder interface {
	// Add records v and returns its placeholder.
	Add(v any) string
	Params() []any
	Count() int
}

// NewDialect returns the dialect for driver; anything but "sqlite" is
// PostgreSQL.
func NewDialect(driver string) Dialect {
	if driver == "sqlite" {
		return &SQLiteDialect{}
	}
	return &PostgresDialect{}
}

// params numbers placeholders as prefix+index: "$1" for pgx, "?1" for sqlite.
type params struct {
	prefix string
	args   []any
}

func (p *params) Add(v any) string {
	p.args = append(p.args, v)
	return p.prefix + strconv.Itoa(len(p.args))
}

func (p *params) Params() []any { return p.args }
func (p *params) Count() int    { return len(p.args) }
