package admin

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/auth"
	"devops-backend/internal/engine"
	"devops-backend/internal/guard"
	"devops-backend/internal/store"
)

// ProfileInfo handles GET /api/user/profile/info.
func (h *Handler) ProfileInfo(c *fiber.Ctx) error {
	ctx := c.UserContext()
	user := auth.GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Missing auth token")
	}

	profile, err := h.engine.Fetch(ctx, h.resource("users"), user.ID)
	if err != nil {
		return err
	}
	if err := h.attachNames(ctx, []map[string]any{profile}); err != nil {
		return err
	}

	grants := guard.Grants(c)
	roles := []string{string(h.adminCode)}
	permissions := []string{string(h.adminCode)}
	if !grants.Superuser {
		if roles, err = h.roles.RoleNames(ctx, user.ID); err != nil {
			return err
		}
		if roles == nil {
			roles = []string{}
		}
		permissions = grants.Codes()
	}
	profile["roles"] = roles
	profile["permissions"] = permissions
	return c.JSON(fiber.Map{"data": profile})
}

// ProfileMenus handles GET /api/user/profile/menus: the menu tree bound to
// the caller's roles, siblings ordered by sort. Superusers and admin-role
// holders see every menu.
func (h *Handler) ProfileMenus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	user := auth.GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Missing auth token")
	}

	grants := guard.Grants(c)
	plan := &engine.QueryPlan{
		Resource: h.resource("menus"),
		All:      true,
		Sorts:    []engine.OrderClause{{Field: "sort", Dir: "ASC"}},
	}
	if !grants.Superuser && !grants.Admin {
		ids, err := h.menuIDs(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return c.JSON(fiber.Map{"data": []any{}})
		}
		plan.Filters = []engine.WhereClause{{Field: "id", Operator: "in", Value: ids}}
	}

	rows, _, err := h.engine.Query(ctx, plan)
	if err != nil {
		return err
	}
	for _, row := range rows {
		row["meta"] = fiber.Map{
			"title":      row["title"],
			"icon":       row["icon"],
			"activeMenu": row["active_menu"],
			"affix":      row["affix"],
			"single":     row["single"],
		}
	}
	tree := engine.BuildTree(rows)
	sortMenus(tree)
	return c.JSON(fiber.Map{"data": tree})
}

// UpdateProfile handles PUT and PATCH /api/user/profile/:id. Callers edit
// their own record; superusers and admin-code holders may edit anyone's.
func (h *Handler) UpdateProfile(partial bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := auth.GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		id := c.Params("id")
		if !guard.CanAccessObject(guard.Grants(c), h.adminCode, user.ID, id) {
			return engine.ForbiddenError("You can only edit your own profile")
		}
		body, err := parseBody(c)
		if err != nil {
			return err
		}
		record, err := h.engine.Write(c.UserContext(), h.resource("user_profile"), body, id, partial, user, nil)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": record})
	}
}

func (h *Handler) menuIDs(ctx context.Context, userID string) ([]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	ids, err := store.QueryStrings(ctx, h.store.DB, fmt.Sprintf(`
		SELECT DISTINCT rm.menu_id FROM _user_roles ur
		JOIN _role_menus rm ON rm.role_id = ur.role_id
		WHERE ur.user_id = %s`, pb.Add(userID)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load role menus: %w", err)
	}
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out, nil
}

// sortMenus orders every level of the tree by sort, keeping the query
// order for ties.
func sortMenus(menus []map[string]any) {
	sort.SliceStable(menus, func(i, j int) bool {
		return menuSort(menus[i]) < menuSort(menus[j])
	})
	for _, m := range menus {
		if children, ok := m["children"].([]map[string]any); ok {
			sortMenus(children)
		}
	}
}

func menuSort(m map[string]any) int64 {
	switch v := m["sort"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
