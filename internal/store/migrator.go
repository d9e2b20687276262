package store

import (
	"context"
	"fmt"
	"strings"

	"devops-backend/internal/metadata"
)

type Migrator struct {
	store  *Store
	tables map[string]string // resource name -> table
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// MigrateAll creates or extends every non-system resource table, then the
// join tables of all many-to-many fields. Resources must be in declaration
// order so referenced tables exist first.
func (m *Migrator) MigrateAll(ctx context.Context, resources []*metadata.Resource) error {
	m.tables = make(map[string]string, len(resources))
	for _, res := range resources {
		m.tables[res.Name] = res.Table
	}
	for _, res := range resources {
		if res.System {
			continue
		}
		if err := m.Migrate(ctx, res); err != nil {
			return err
		}
	}
	byName := make(map[string]*metadata.Resource, len(resources))
	for _, res := range resources {
		byName[res.Name] = res
	}
	for _, res := range resources {
		for _, f := range res.ManyToMany() {
			if err := m.MigrateJoinTable(ctx, res, f, byName[f.Ref]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Migrate ensures the table matches the resource metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, res *metadata.Resource) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, res.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, res)
	}

	return m.alterTable(ctx, res)
}

// MigrateJoinTable creates the join table of an m2m field if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, source *metadata.Resource, f metadata.Field, target *metadata.Resource) error {
	if target == nil {
		return fmt.Errorf("join table %s: unknown target %s", f.Through, f.Ref)
	}
	sql := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			%s TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			%s TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			PRIMARY KEY (%s, %s)
		)`,
		f.Through,
		f.SourceKey, source.Table,
		f.TargetKey, target.Table,
		f.SourceKey, f.TargetKey,
	)

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create join table %s: %w", f.Through, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, res *metadata.Resource) error {
	d := m.store.Dialect
	cols := []string{"id TEXT PRIMARY KEY"}
	for _, f := range res.Fields {
		if !f.IsColumn() {
			continue
		}
		cols = append(cols, m.buildColumnDef(res, f))
	}
	cols = append(cols,
		fmt.Sprintf("created_at %s DEFAULT (%s)", d.ColumnType("timestamp"), d.NowExpr()),
		fmt.Sprintf("updated_at %s DEFAULT (%s)", d.ColumnType("timestamp"), d.NowExpr()),
	)

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", res.Table, strings.Join(cols, ",\n  "))

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", res.Table, err)
	}

	if err := m.createIndexes(ctx, res); err != nil {
		return fmt.Errorf("create indexes for %s: %w", res.Table, err)
	}

	return nil
}

func (m *Migrator) alterTable(ctx context.Context, res *metadata.Resource) error {
	existing, err := m.store.Dialect.Columns(ctx, m.store.DB, res.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", res.Table, err)
	}

	for _, f := range res.Fields {
		if !f.IsColumn() {
			continue
		}
		if _, ok := existing[f.Name]; ok {
			continue
		}
		// existing rows make NOT NULL without a default impossible
		def := m.buildColumnDef(res, f)
		def = strings.Replace(def, " NOT NULL", "", 1)
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", res.Table, def)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", res.Table, f.Name, err)
		}
	}

	if err := m.createIndexes(ctx, res); err != nil {
		return fmt.Errorf("create indexes for %s: %w", res.Table, err)
	}

	return nil
}

func (m *Migrator) buildColumnDef(res *metadata.Resource, f metadata.Field) string {
	d := m.store.Dialect
	col := f.Name + " " + d.ColumnType(f.Type)

	if f.Required && f.Default == nil && !f.IsRef() {
		col += " NOT NULL"
	}

	if f.Default != nil {
		switch v := f.Default.(type) {
		case string:
			col += fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
		case bool:
			col += " DEFAULT " + d.BoolLiteral(v)
		case int, int64, float64:
			col += fmt.Sprintf(" DEFAULT %v", v)
		}
	}

	if f.IsRef() {
		col += fmt.Sprintf(" REFERENCES %s(id)", m.refTable(res, f))
		switch f.DeleteRule() {
		case metadata.OnDeleteCascade:
			col += " ON DELETE CASCADE"
		case metadata.OnDeleteSetNull:
			col += " ON DELETE SET NULL"
		}
		// protect: the default NO ACTION makes the delete fail
	}

	return col
}

func (m *Migrator) refTable(res *metadata.Resource, f metadata.Field) string {
	if f.Ref == res.Name {
		return res.Table
	}
	if t, ok := m.tables[f.Ref]; ok {
		return t
	}
	return f.Ref
}

func (m *Migrator) createIndexes(ctx context.Context, res *metadata.Resource) error {
	for _, f := range res.Fields {
		if !f.IsColumn() {
			continue
		}
		var sql string
		switch {
		case f.Unique:
			sql = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				res.Table, f.Name, res.Table, f.Name)
		case f.IsRef():
			sql = fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				res.Table, f.Name, res.Table, f.Name)
		default:
			continue
		}
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", res.Table, f.Name, err)
		}
	}
	return nil
}
