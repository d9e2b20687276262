package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

const maxPageSize = 1000

// QueryPlan is a validated list request.
type QueryPlan struct {
	Resource *metadata.Resource
	Filters  []WhereClause
	Search   string
	Sorts    []OrderClause
	Page     int
	PageSize int
	All      bool // get_all: no pagination
	Roots    bool // tree resources: only rows without a parent
}

type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

// comparisons maps the scalar filter operators to SQL.
var comparisons = map[string]string{
	"eq":  "=",
	"neq": "!=",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

func validOperator(op string) bool {
	if _, ok := comparisons[op]; ok {
		return true
	}
	switch op {
	case "in", "not_in", "like", "isnull":
		return true
	}
	return false
}

func badQuery(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Status: fiber.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ParseQueryParams reads filter[field(.op)], search, sort/ordering, page,
// page_size and get_all into a plan, rejecting unknown fields and operators.
func ParseQueryParams(c *fiber.Ctx, res *metadata.Resource, defaultPageSize int) (*QueryPlan, error) {
	if defaultPageSize <= 0 {
		defaultPageSize = 20
	}
	plan := &QueryPlan{
		Resource: res,
		Page:     positiveInt(c.Query("page"), 1),
		PageSize: min(positiveInt(c.Query("page_size"), defaultPageSize), maxPageSize),
		Search:   strings.TrimSpace(c.Query("search")),
	}
	if v := c.Query("get_all"); v != "" && v != "0" && v != "false" {
		plan.All = true
	}

	for key, val := range c.Queries() {
		inner, ok := strings.CutPrefix(key, "filter[")
		if !ok || !strings.HasSuffix(inner, "]") {
			continue
		}
		where, err := parseFilter(res, strings.TrimSuffix(inner, "]"), val)
		if err != nil {
			return nil, err
		}
		plan.Filters = append(plan.Filters, where)
	}

	sorts := res.Ordering
	if raw := c.Query("sort", c.Query("ordering")); raw != "" {
		sorts = strings.Split(raw, ",")
	}
	for _, term := range sorts {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		order := OrderClause{Field: term, Dir: "ASC"}
		if field, desc := strings.CutPrefix(term, "-"); desc {
			order = OrderClause{Field: field, Dir: "DESC"}
		}
		if !res.HasColumn(order.Field) {
			return nil, badQuery("UNKNOWN_FIELD", "Unknown sort field: %s", order.Field)
		}
		plan.Sorts = append(plan.Sorts, order)
	}
	if len(plan.Sorts) == 0 {
		plan.Sorts = []OrderClause{{Field: "created_at", Dir: "DESC"}}
	}

	plan.Roots = res.Tree && plan.Search == "" && len(plan.Filters) == 0
	return plan, nil
}

// parseFilter turns "field" or "field.op" and its raw value into a clause.
func parseFilter(res *metadata.Resource, key, raw string) (WhereClause, error) {
	field, op, found := strings.Cut(key, ".")
	if !found {
		op = "eq"
	}
	if !res.HasColumn(field) {
		return WhereClause{}, badQuery("UNKNOWN_FIELD", "Unknown filter field: %s", field)
	}
	if !validOperator(op) {
		return WhereClause{}, badQuery("UNKNOWN_OPERATOR", "Unknown filter operator: %s", op)
	}
	value, err := filterValue(res.GetField(field), op, raw)
	if err != nil {
		return WhereClause{}, badQuery("INVALID_PAYLOAD", "Invalid filter value for %s: %v", field, err)
	}
	return WhereClause{Field: field, Operator: op, Value: value}, nil
}

func filterValue(field *metadata.Field, op, raw string) (any, error) {
	switch op {
	case "isnull":
		return strconv.ParseBool(raw)
	case "like":
		return raw, nil
	case "in", "not_in":
		parts := strings.Split(raw, ",")
		values := make([]any, 0, len(parts))
		for _, p := range parts {
			v, err := scalarValue(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}
	return scalarValue(field, raw)
}

// scalarValue parses raw per the field type; id and timestamps have no
// field and stay strings.
func scalarValue(field *metadata.Field, raw string) (any, error) {
	if field == nil {
		return raw, nil
	}
	switch field.Type {
	case metadata.TypeInt:
		return strconv.Atoi(raw)
	case metadata.TypeBool:
		return strconv.ParseBool(raw)
	}
	return raw, nil
}

func positiveInt(raw string, fallback int) int {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

// SelectSQL renders the page query.
func (p *QueryPlan) SelectSQL(d store.Dialect) (string, []any) {
	pb := d.NewParamBuilder()
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(p.Resource.Columns(), ", "), p.Resource.Table)
	b.WriteString(p.where(d, pb))

	b.WriteString(" ORDER BY ")
	for _, s := range p.Sorts {
		b.WriteString(s.Field + " " + s.Dir + ", ")
	}
	b.WriteString("id ASC")

	if !p.All {
		fmt.Fprintf(&b, " LIMIT %s OFFSET %s", pb.Add(p.PageSize), pb.Add((p.Page-1)*p.PageSize))
	}
	return b.String(), pb.Params()
}

// CountSQL renders the total count under the same conditions.
func (p *QueryPlan) CountSQL(d store.Dialect) (string, []any) {
	pb := d.NewParamBuilder()
	return "SELECT COUNT(*) AS count FROM " + p.Resource.Table + p.where(d, pb), pb.Params()
}

func (p *QueryPlan) where(d store.Dialect, pb store.ParamBuilder) string {
	var conds []string
	if p.Roots {
		conds = append(conds, "parent_id IS NULL")
	}
	for _, f := range p.Filters {
		conds = append(conds, f.sql(d, pb))
	}
	if p.Search != "" {
		var ors []string
		for _, field := range p.Resource.SearchFields() {
			ors = append(ors, d.LikeExpr(field, pb, p.Search))
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (w WhereClause) sql(d store.Dialect, pb store.ParamBuilder) string {
	if cmp, ok := comparisons[w.Operator]; ok {
		return fmt.Sprintf("%s %s %s", w.Field, cmp, pb.Add(w.Value))
	}
	switch w.Operator {
	case "in":
		values, _ := w.Value.([]any)
		return d.InExpr(w.Field, pb, values)
	case "not_in":
		values, _ := w.Value.([]any)
		return "NOT (" + d.InExpr(w.Field, pb, values) + ")"
	case "like":
		return d.LikeExpr(w.Field, pb, fmt.Sprint(w.Value))
	case "isnull":
		if null, _ := w.Value.(bool); null {
			return w.Field + " IS NULL"
		}
		return w.Field + " IS NOT NULL"
	}
	return fmt.Sprintf("%s = %s", w.Field, pb.Add(w.Value))
}
