package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

type Handler struct {
	store           *store.Store
	registry        *metadata.Registry
	pageSize        int
	onGrantsChanged func(res *metadata.Resource)
}

func NewHandler(s *store.Store, reg *metadata.Registry, pageSize int) *Handler {
	return &Handler{store: s, registry: reg, pageSize: pageSize}
}

// OnGrantsChanged registers fn to run after any successful write to a
// resource marked affects_grants.
func (h *Handler) OnGrantsChanged(fn func(res *metadata.Resource)) {
	h.onGrantsChanged = fn
}

func (h *Handler) Store() *store.Store { return h.store }

func (h *Handler) Registry() *metadata.Registry { return h.registry }

// List handles GET /api/<path>
func (h *Handler) List(res *metadata.Resource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		plan, err := ParseQueryParams(c, res, h.pageSize)
		if err != nil {
			return err
		}
		rows, total, err := h.Query(c.UserContext(), plan)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"data": rows,
			"meta": fiber.Map{
				"page":      plan.Page,
				"page_size": plan.PageSize,
				"total":     total,
			},
		})
	}
}

// Query runs a plan and returns the decoded page and the total match count.
func (h *Handler) Query(ctx context.Context, plan *QueryPlan) ([]map[string]any, int, error) {
	res := plan.Resource
	d := h.store.Dialect

	query, args := plan.SelectSQL(d)
	rows, err := store.QueryRows(ctx, h.store.DB, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", res.Name, err)
	}

	query, args = plan.CountSQL(d)
	countRow, err := store.QueryRow(ctx, h.store.DB, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", res.Name, err)
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	decodeRows(d, res, rows)
	if err := LoadManyToMany(ctx, h.store.DB, d, res, rows); err != nil {
		return nil, 0, err
	}
	if plan.Roots {
		if err := attachChildren(ctx, h.store.DB, d, res, rows); err != nil {
			return nil, 0, err
		}
	}
	return rows, toInt(countRow["count"]), nil
}

// Retrieve handles GET /api/<path>/:id
func (h *Handler) Retrieve(res *metadata.Resource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		row, err := h.Fetch(c.UserContext(), res, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": row})
	}
}

// Fetch loads one decoded record with its m2m ids.
func (h *Handler) Fetch(ctx context.Context, res *metadata.Resource, id string) (map[string]any, error) {
	row, err := fetchRecord(ctx, h.store.DB, h.store.Dialect, res, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(res.Name, id)
		}
		return nil, fmt.Errorf("get %s/%s: %w", res.Name, id, err)
	}
	if err := LoadManyToMany(ctx, h.store.DB, h.store.Dialect, res, []map[string]any{row}); err != nil {
		return nil, err
	}
	return row, nil
}

// Create handles POST /api/<path>
func (h *Handler) Create(res *metadata.Resource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body, err := parseBody(c)
		if err != nil {
			return err
		}
		record, err := h.Write(c.UserContext(), res, body, "", false, getUser(c), nil)
		if err != nil {
			return err
		}
		return c.Status(201).JSON(fiber.Map{"data": record})
	}
}

// Update handles PUT /api/<path>/:id, and PATCH when partial is set.
func (h *Handler) Update(res *metadata.Resource, partial bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body, err := parseBody(c)
		if err != nil {
			return err
		}
		record, err := h.Write(c.UserContext(), res, body, c.Params("id"), partial, getUser(c), nil)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": record})
	}
}

// Write plans and executes a create (empty id) or update.
func (h *Handler) Write(ctx context.Context, res *metadata.Resource, body map[string]any, id string, partial bool, user *metadata.UserContext, extra map[string]any) (map[string]any, error) {
	plan, validationErrs := PlanWrite(res, body, id, partial)
	if len(validationErrs) > 0 {
		return nil, ValidationError(validationErrs)
	}
	record, err := ExecuteWritePlan(ctx, h.store, h.registry, plan, user, extra)
	if err != nil {
		return nil, err
	}
	h.changed(res)
	return record, nil
}

// Destroy handles DELETE /api/<path>/:id
func (h *Handler) Destroy(res *metadata.Resource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if err := h.Delete(c.UserContext(), res, id); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
	}
}

// Delete removes one record. Rows still referenced through a protected ref
// make it fail with PROTECTED.
func (h *Handler) Delete(ctx context.Context, res *metadata.Resource, id string) error {
	pb := h.store.Dialect.NewParamBuilder()
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = %s", res.Table, pb.Add(id))
	affected, err := store.Exec(ctx, h.store.DB, sql, pb.Params()...)
	if err != nil {
		var appErr *AppError
		if errors.As(mapStoreError(store.MapError(h.store.Dialect, err)), &appErr) {
			return appErr
		}
		return fmt.Errorf("delete %s/%s: %w", res.Name, id, err)
	}
	if affected == 0 {
		return NotFoundError(res.Name, id)
	}
	h.changed(res)
	return nil
}

// Columns handles GET /api/<path>/columns: the field list a client renders
// forms and tables from.
func (h *Handler) Columns(res *metadata.Resource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cols := []fiber.Map{{
			"id": "id", "title": "ID", "dataIndex": "id", "type": "id", "required": false, "default": nil,
		}}
		for _, f := range res.Fields {
			cols = append(cols, fiber.Map{
				"id":        f.Name,
				"title":     f.Label,
				"dataIndex": f.Name,
				"type":      f.Type,
				"required":  f.Required,
				"default":   f.Default,
			})
		}
		return c.JSON(fiber.Map{"data": cols})
	}
}

func (h *Handler) changed(res *metadata.Resource) {
	if res.AffectsGrants && h.onGrantsChanged != nil {
		h.onGrantsChanged(res)
	}
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

// toInt safely converts various numeric types to int.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}
