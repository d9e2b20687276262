package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

// WritePlan describes a create or update before any SQL runs.
type WritePlan struct {
	IsCreate bool
	Partial  bool
	Resource *metadata.Resource
	Fields   map[string]any   // column values
	Links    map[string][]any // m2m field name -> target ids, replacing the current set
	ID       string           // empty for create
}

// ignoredKeys are echoed back by clients and silently dropped on write.
var ignoredKeys = map[string]bool{"id": true, "created_at": true, "updated_at": true, "children": true}

// PlanWrite validates the request body against the resource fields.
func PlanWrite(res *metadata.Resource, body map[string]any, id string, partial bool) (*WritePlan, []ErrorDetail) {
	plan := &WritePlan{
		IsCreate: id == "",
		Partial:  partial,
		Resource: res,
		Fields:   make(map[string]any),
		Links:    make(map[string][]any),
		ID:       id,
	}

	var errs []ErrorDetail
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if ignoredKeys[key] {
			continue
		}
		f := res.GetField(key)
		if f == nil {
			errs = append(errs, ErrorDetail{
				Field:   key,
				Rule:    "unknown",
				Message: fmt.Sprintf("Unknown field: %s", key),
			})
			continue
		}
		if !f.Writable() {
			continue
		}

		val := body[key]
		if f.IsM2M() {
			ids, err := coerceIDs(val)
			if err != nil {
				errs = append(errs, ErrorDetail{Field: key, Rule: "type", Message: err.Error()})
				continue
			}
			plan.Links[key] = ids
			continue
		}

		coerced, err := coerceWriteValue(f, val)
		if err != nil {
			errs = append(errs, ErrorDetail{Field: key, Rule: "type", Message: err.Error()})
			continue
		}
		if key == "name" && res.NormalizeName {
			if s, ok := coerced.(string); ok {
				coerced = NormalizeName(s)
			}
		}
		if len(f.Enum) > 0 && coerced != nil && !inEnum(f.Enum, fmt.Sprint(coerced)) {
			errs = append(errs, ErrorDetail{
				Field:   key,
				Rule:    "enum",
				Message: fmt.Sprintf("%s must be one of: %s", key, strings.Join(f.Enum, ", ")),
			})
			continue
		}
		plan.Fields[key] = coerced
	}

	if !partial {
		for _, f := range res.Fields {
			if !f.Required || !f.Writable() {
				continue
			}
			if v, ok := plan.Fields[f.Name]; !ok || isBlank(v) {
				if _, linked := plan.Links[f.Name]; linked && f.IsM2M() {
					continue
				}
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.Name),
				})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return plan, nil
}

// NormalizeName trims surrounding spaces and replaces inner ones with "-".
func NormalizeName(s string) string {
	return strings.ReplaceAll(strings.Trim(s, " "), " ", "-")
}

// ExecuteWritePlan runs the planned operations inside a single transaction
// and returns the stored record. extra holds server-set columns that are not
// client-writable fields (password hashes, flags).
func ExecuteWritePlan(ctx context.Context, s *store.Store, reg *metadata.Registry, plan *WritePlan, user *metadata.UserContext, extra map[string]any) (map[string]any, error) {
	res := plan.Resource

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	old := map[string]any{}
	if !plan.IsCreate {
		old, err = fetchRecord(ctx, tx, s.Dialect, res, plan.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(res.Name, plan.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s/%s: %w", res.Name, plan.ID, err)
		}
	}

	if plan.IsCreate && user != nil {
		for _, f := range res.Fields {
			if f.Auto == "creator" {
				plan.Fields[f.Name] = user.ID
			}
		}
	}

	if ruleErrs := EvaluateRules(ctx, tx, s.Dialect, reg, res, plan.Fields, old, plan.IsCreate, user); len(ruleErrs) > 0 {
		return nil, ValidationError(ruleErrs)
	}

	values, err := encodeColumns(res, plan.Fields)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		values[k] = v
	}

	id := plan.ID
	if plan.IsCreate {
		id = uuid.NewString()
		sql, params := BuildInsertSQL(s.Dialect, res, id, values)
		if _, err := store.Exec(ctx, tx, sql, params...); err != nil {
			return nil, writeError(s.Dialect, res, err)
		}
	} else if len(values) > 0 || len(plan.Links) > 0 {
		sql, params := BuildUpdateSQL(s.Dialect, res, id, values)
		if _, err := store.Exec(ctx, tx, sql, params...); err != nil {
			return nil, writeError(s.Dialect, res, err)
		}
	}

	for _, f := range res.ManyToMany() {
		ids, ok := plan.Links[f.Name]
		if !ok {
			continue
		}
		if err := replaceLinks(ctx, tx, s.Dialect, f, id, ids); err != nil {
			return nil, writeError(s.Dialect, res, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	record, err := fetchRecord(ctx, s.DB, s.Dialect, res, id)
	if err != nil {
		return nil, fmt.Errorf("reload %s/%s: %w", res.Name, id, err)
	}
	rows := []map[string]any{record}
	if err := LoadManyToMany(ctx, s.DB, s.Dialect, res, rows); err != nil {
		return nil, err
	}
	return record, nil
}

// BuildInsertSQL builds an INSERT with the columns in sorted order.
func BuildInsertSQL(d store.Dialect, res *metadata.Resource, id string, values map[string]any) (string, []any) {
	pb := d.NewParamBuilder()
	cols := []string{"id"}
	phs := []string{pb.Add(id)}
	for _, col := range sortedKeys(values) {
		cols = append(cols, col)
		phs = append(phs, pb.Add(values[col]))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", res.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	return sql, pb.Params()
}

// BuildUpdateSQL builds an UPDATE that also bumps updated_at.
func BuildUpdateSQL(d store.Dialect, res *metadata.Resource, id string, values map[string]any) (string, []any) {
	pb := d.NewParamBuilder()
	sets := make([]string, 0, len(values)+1)
	for _, col := range sortedKeys(values) {
		sets = append(sets, fmt.Sprintf("%s = %s", col, pb.Add(values[col])))
	}
	sets = append(sets, "updated_at = "+d.NowExpr())
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", res.Table, strings.Join(sets, ", "), pb.Add(id))
	return sql, pb.Params()
}

func replaceLinks(ctx context.Context, q store.Querier, d store.Dialect, f metadata.Field, sourceID string, targetIDs []any) error {
	pb := d.NewParamBuilder()
	delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", f.Through, f.SourceKey, pb.Add(sourceID))
	if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
		return fmt.Errorf("delete join rows: %w", err)
	}
	for _, targetID := range targetIDs {
		pb := d.NewParamBuilder()
		sql := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
			f.Through, f.SourceKey, f.TargetKey, pb.Add(sourceID), pb.Add(targetID))
		if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
			return fmt.Errorf("insert join row in %s: %w", f.Through, err)
		}
	}
	return nil
}

func fetchRecord(ctx context.Context, q store.Querier, d store.Dialect, res *metadata.Resource, id string) (map[string]any, error) {
	pb := d.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", strings.Join(res.Columns(), ", "), res.Table, pb.Add(id))
	row, err := store.QueryRow(ctx, q, sql, pb.Params()...)
	if err != nil {
		return nil, err
	}
	decodeRows(d, res, []map[string]any{row})
	return row, nil
}

// writeError maps constraint violations raised by a write.
func writeError(d store.Dialect, res *metadata.Resource, err error) error {
	mapped := store.MapError(d, err)
	switch {
	case errors.Is(mapped, store.ErrUniqueViolation):
		return ConflictError(fmt.Sprintf("%s with the same unique value already exists", res.Name))
	case errors.Is(mapped, store.ErrForeignKeyViolation):
		return ValidationError([]ErrorDetail{{Rule: "ref", Message: "referenced record does not exist"}})
	}
	return fmt.Errorf("write %s: %w", res.Name, err)
}

func encodeColumns(res *metadata.Resource, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		f := res.GetField(k)
		if f == nil || !f.IsColumn() {
			continue
		}
		if f.Type == metadata.TypeJSON && v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, ValidationError([]ErrorDetail{{Field: k, Rule: "type", Message: "value is not valid JSON"}})
			}
			v = string(raw)
		}
		out[k] = v
	}
	return out, nil
}

func coerceWriteValue(f *metadata.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case metadata.TypeString, metadata.TypeText:
		switch val := v.(type) {
		case string:
			return val, nil
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), nil
		}
		return nil, fmt.Errorf("%s must be a string", f.Name)
	case metadata.TypeRef:
		switch val := v.(type) {
		case string:
			if val == "" {
				return nil, nil
			}
			return val, nil
		case map[string]any:
			if id, ok := val["id"].(string); ok && id != "" {
				return id, nil
			}
		}
		return nil, fmt.Errorf("%s must be an id", f.Name)
	case metadata.TypeInt:
		switch val := v.(type) {
		case float64:
			if val != math.Trunc(val) {
				return nil, fmt.Errorf("%s must be an integer", f.Name)
			}
			return int64(val), nil
		case bool:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be an integer", f.Name)
			}
			return n, nil
		}
		return nil, fmt.Errorf("%s must be an integer", f.Name)
	case metadata.TypeBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case float64:
			return val != 0, nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("%s must be a boolean", f.Name)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%s must be a boolean", f.Name)
	}
	return v, nil // json
}

// coerceIDs accepts ["id", ...] or [{"id": "..."}, ...].
func coerceIDs(v any) ([]any, error) {
	if v == nil {
		return []any{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of ids")
	}
	seen := make(map[string]bool, len(list))
	ids := make([]any, 0, len(list))
	for _, item := range list {
		var id string
		switch val := item.(type) {
		case string:
			id = val
		case map[string]any:
			id, _ = val["id"].(string)
		}
		if id == "" {
			return nil, fmt.Errorf("expected a list of ids")
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func inEnum(enum []string, v string) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
