package audit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// exactFilters are query parameters matched verbatim against a column.
// principal is accepted as an alias of principal_id.
var exactFilters = []struct{ param, column string }{
	{"principal_id", "principal_id"},
	{"principal", "principal_id"},
	{"resource", "resource"},
	{"verb", "verb"},
	{"action", "action"},
	{"reason", "reason"},
	{"code", "code"},
}

// Handler serves the recorded decision log to administrators.
type Handler struct {
	store *store.Store
}

func NewHandler(s *store.Store) *Handler {
	return &Handler{store: s}
}

// where renders the filters shared by List and Stats.
func (h *Handler) where(c *fiber.Ctx, pb store.ParamBuilder) string {
	var conds []string
	seen := map[string]bool{}
	for _, f := range exactFilters {
		v := c.Query(f.param)
		if v == "" || seen[f.column] {
			continue
		}
		seen[f.column] = true
		conds = append(conds, f.column+" = "+pb.Add(v))
	}
	if allowed, err := strconv.ParseBool(c.Query("allowed")); err == nil {
		conds = append(conds, "allowed = "+pb.Add(allowed))
	}
	if v := c.Query("from"); v != "" {
		conds = append(conds, "created_at >= "+pb.Add(v))
	}
	if v := c.Query("to"); v != "" {
		conds = append(conds, "created_at <= "+pb.Add(v))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// List handles GET /api/audit/events, newest first unless sort=created_at.
func (h *Handler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	where := h.where(c, pb)

	page := max(c.QueryInt("page", 1), 1)
	pageSize := c.QueryInt("page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	countRow, err := store.QueryRow(ctx, h.store.DB, "SELECT COUNT(*) AS count FROM _audit_events"+where, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count audit events: %w", err)
	}

	dir := "DESC"
	if c.Query("sort") == "created_at" {
		dir = "ASC"
	}
	rows, err := store.QueryRows(ctx, h.store.DB, fmt.Sprintf(
		"SELECT %s FROM _audit_events%s ORDER BY created_at %s, id LIMIT %s OFFSET %s",
		strings.Join(eventColumns, ", "), where, dir, pb.Add(pageSize), pb.Add((page-1)*pageSize)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("list audit events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	if h.store.Dialect.IntBooleans() {
		store.NormalizeBooleans(rows, []string{"allowed"})
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"page": page, "page_size": pageSize, "total": toInt(countRow["count"])},
	})
}

// Stats handles GET /api/audit/stats: decision counts per reason.
func (h *Handler) Stats(c *fiber.Ctx) error {
	pb := h.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		"SELECT reason, COUNT(*) AS count FROM _audit_events"+h.where(c, pb)+" GROUP BY reason",
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("audit stats: %w", err)
	}

	byReason := make(map[string]int, len(rows))
	total := 0
	for _, row := range rows {
		n := toInt(row["count"])
		byReason[fmt.Sprint(row["reason"])] = n
		total += n
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"total": total, "by_reason": byReason}})
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
