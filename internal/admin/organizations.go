package admin

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/engine"
	"devops-backend/internal/store"
)

// OrganizationUsers handles GET /api/organizations/users?org_id=<id>: the
// users of the organization and of every organization below it.
func (h *Handler) OrganizationUsers(c *fiber.Ctx) error {
	ctx := c.UserContext()
	orgID := c.Query("org_id")
	if orgID == "" {
		return engine.ValidationError([]engine.ErrorDetail{
			{Field: "org_id", Rule: "required", Message: "org_id is required"},
		})
	}
	if _, err := h.engine.Fetch(ctx, h.resource("organizations"), orgID); err != nil {
		return err
	}

	orgs, err := h.subtree(ctx, orgID)
	if err != nil {
		return err
	}

	d := h.store.Dialect
	pb := d.NewParamBuilder()
	userIDs, err := store.QueryStrings(ctx, h.store.DB, fmt.Sprintf(
		"SELECT DISTINCT user_id FROM _user_departments WHERE %s", d.InExpr("organization_id", pb, orgs)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("load organization members: %w", err)
	}

	plan, err := engine.ParseQueryParams(c, h.resource("users"), h.pageSize)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return c.JSON(fiber.Map{
			"data": []any{},
			"meta": fiber.Map{"page": plan.Page, "page_size": plan.PageSize, "total": 0},
		})
	}
	ids := make([]any, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id
	}
	plan.Filters = append(plan.Filters, engine.WhereClause{Field: "id", Operator: "in", Value: ids})

	rows, total, err := h.engine.Query(ctx, plan)
	if err != nil {
		return err
	}
	if err := h.attachNames(ctx, rows); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"page": plan.Page, "page_size": plan.PageSize, "total": total},
	})
}

// subtree returns rootID and the ids of all its descendants.
func (h *Handler) subtree(ctx context.Context, rootID string) ([]any, error) {
	rows, err := store.QueryRows(ctx, h.store.DB, "SELECT id, parent_id FROM organizations")
	if err != nil {
		return nil, fmt.Errorf("load organizations: %w", err)
	}
	children := make(map[string][]string)
	for _, r := range rows {
		if p := r["parent_id"]; p != nil && p != "" {
			parent := fmt.Sprint(p)
			children[parent] = append(children[parent], fmt.Sprint(r["id"]))
		}
	}

	seen := map[string]bool{rootID: true}
	out := []any{rootID}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}
