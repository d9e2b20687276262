package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

// decodeRows turns driver values into API values: integer booleans become
// bool, JSON text becomes structured data.
func decodeRows(d store.Dialect, res *metadata.Resource, rows []map[string]any) {
	if d.IntBooleans() {
		store.NormalizeBooleans(rows, res.BoolColumns())
	}
	jsonCols := res.JSONColumns()
	if len(jsonCols) == 0 {
		return
	}
	for _, row := range rows {
		for _, col := range jsonCols {
			row[col] = decodeJSON(row[col])
		}
	}
}

func decodeJSON(v any) any {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return v
	}
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// LoadManyToMany attaches the target ids of every m2m field to the rows.
func LoadManyToMany(ctx context.Context, q store.Querier, d store.Dialect, res *metadata.Resource, rows []map[string]any) error {
	fields := res.ManyToMany()
	if len(rows) == 0 || len(fields) == 0 {
		return nil
	}
	parentIDs := collectValues(rows, "id")

	for _, f := range fields {
		pb := d.NewParamBuilder()
		joinSQL := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
			f.SourceKey, f.TargetKey, f.Through, d.InExpr(f.SourceKey, pb, parentIDs))
		joinRows, err := store.QueryRows(ctx, q, joinSQL, pb.Params()...)
		if err != nil {
			return fmt.Errorf("load join table %s: %w", f.Through, err)
		}

		grouped := make(map[string][]string)
		for _, jr := range joinRows {
			src := fmt.Sprintf("%v", jr[f.SourceKey])
			grouped[src] = append(grouped[src], fmt.Sprintf("%v", jr[f.TargetKey]))
		}
		for _, row := range rows {
			ids := grouped[fmt.Sprintf("%v", row["id"])]
			if ids == nil {
				ids = []string{}
			}
			row[f.Name] = ids
		}
	}
	return nil
}

// attachChildren nests every descendant of rows under "children", reading
// the whole table once.
func attachChildren(ctx context.Context, q store.Querier, d store.Dialect, res *metadata.Resource, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	all, err := store.QueryRows(ctx, q, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(res.Columns(), ", "), res.Table, treeOrder(res)))
	if err != nil {
		return fmt.Errorf("load %s tree: %w", res.Name, err)
	}
	decodeRows(d, res, all)
	if err := LoadManyToMany(ctx, q, d, res, all); err != nil {
		return err
	}

	byParent := make(map[string][]map[string]any)
	for _, row := range all {
		if p := row["parent_id"]; p != nil && p != "" {
			key := fmt.Sprintf("%v", p)
			byParent[key] = append(byParent[key], row)
		}
	}

	seen := make(map[string]bool)
	var attach func(row map[string]any)
	attach = func(row map[string]any) {
		id := fmt.Sprintf("%v", row["id"])
		if seen[id] {
			row["children"] = []map[string]any{}
			return
		}
		seen[id] = true
		children := byParent[id]
		if children == nil {
			children = []map[string]any{}
		}
		for _, child := range children {
			attach(child)
		}
		row["children"] = children
	}
	for _, row := range rows {
		attach(row)
	}
	return nil
}

// BuildTree nests rows by parent_id and returns the roots. Rows whose parent
// is not in the set are treated as roots.
func BuildTree(rows []map[string]any) []map[string]any {
	index := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		row["children"] = []map[string]any{}
		index[fmt.Sprintf("%v", row["id"])] = row
	}
	roots := []map[string]any{}
	for _, row := range rows {
		p := row["parent_id"]
		parent, ok := index[fmt.Sprintf("%v", p)]
		if p == nil || p == "" || !ok || parent["id"] == row["id"] {
			roots = append(roots, row)
			continue
		}
		parent["children"] = append(parent["children"].([]map[string]any), row)
	}
	return roots
}

func treeOrder(res *metadata.Resource) string {
	parts := make([]string, 0, len(res.Ordering)+1)
	for _, o := range res.Ordering {
		if strings.HasPrefix(o, "-") {
			parts = append(parts, o[1:]+" DESC")
		} else {
			parts = append(parts, o+" ASC")
		}
	}
	return strings.Join(append(parts, "id ASC"), ", ")
}

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var vals []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			vals = append(vals, v)
		}
	}
	return vals
}
