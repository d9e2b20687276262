package admin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/auth"
	"devops-backend/internal/engine"
	"devops-backend/internal/store"
)

const (
	initialPasswordLength = 8
	passwordAlphabet      = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

// CreateUser handles POST /api/users. The account gets a random initial
// password, returned once in the response.
func (h *Handler) CreateUser(c *fiber.Ctx) error {
	ctx := c.UserContext()
	body, err := parseBody(c)
	if err != nil {
		return err
	}

	username, _ := body["username"].(string)
	username = strings.TrimSpace(username)
	if username != "" {
		exists, err := h.usernameTaken(ctx, username)
		if err != nil {
			return err
		}
		if exists {
			return engine.ConflictError(fmt.Sprintf("account %s already exists", username))
		}
	}

	password, err := randomPassword(initialPasswordLength)
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	record, err := h.engine.Write(ctx, h.resource("users"), body, "", false, auth.GetUser(c),
		map[string]any{"password_hash": hash})
	if err != nil {
		return err
	}
	record["password"] = password
	return c.Status(201).JSON(fiber.Map{"data": record})
}

// ToggleUser handles DELETE /api/users/:id. Accounts are never removed,
// they are switched between enabled and disabled.
func (h *Handler) ToggleUser(c *fiber.Ctx) error {
	ctx := c.UserContext()
	res := h.resource("users")
	id := c.Params("id")

	user, err := h.engine.Fetch(ctx, res, id)
	if err != nil {
		return err
	}
	active := store.ToBool(user["is_active"])

	record, err := h.engine.Write(ctx, res, map[string]any{"is_active": !active}, id, true, auth.GetUser(c), nil)
	if err != nil {
		return err
	}
	h.logger.Info("account toggled", "user", id, "active", !active)
	return c.JSON(fiber.Map{"data": record})
}

type passwordResetRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

// ResetPassword handles POST /api/users/password/reset. Superuser
// passwords cannot be reset through the API. Outstanding refresh tokens
// of the account are revoked.
func (h *Handler) ResetPassword(c *fiber.Ctx) error {
	ctx := c.UserContext()
	var req passwordResetRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	var details []engine.ErrorDetail
	if req.UID == "" {
		details = append(details, engine.ErrorDetail{Field: "uid", Rule: "required", Message: "uid is required"})
	}
	if req.Password == "" {
		details = append(details, engine.ErrorDetail{Field: "password", Rule: "required", Message: "password is required"})
	}
	if len(details) > 0 {
		return engine.ValidationError(details)
	}

	user, err := h.engine.Fetch(ctx, h.resource("users"), req.UID)
	if err != nil {
		return err
	}
	if store.ToBool(user["is_superuser"]) {
		return engine.ForbiddenError("superuser passwords cannot be reset")
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	d := h.store.Dialect
	pb := d.NewParamBuilder()
	q := fmt.Sprintf("UPDATE _users SET password_hash = %s, updated_at = %s WHERE id = %s",
		pb.Add(hash), d.NowExpr(), pb.Add(req.UID))
	if _, err := store.Exec(ctx, tx, q, pb.Params()...); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	pb = d.NewParamBuilder()
	q = fmt.Sprintf("DELETE FROM _refresh_tokens WHERE user_id = %s", pb.Add(req.UID))
	if _, err := store.Exec(ctx, tx, q, pb.Params()...); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": req.UID, "message": "password updated"}})
}

// UserDetails handles GET /api/users/detail: the user list with role and
// department names attached.
func (h *Handler) UserDetails(c *fiber.Ctx) error {
	res := h.resource("users")
	plan, err := engine.ParseQueryParams(c, res, h.pageSize)
	if err != nil {
		return err
	}
	rows, total, err := h.engine.Query(c.UserContext(), plan)
	if err != nil {
		return err
	}
	if err := h.attachNames(c.UserContext(), rows); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"page": plan.Page, "page_size": plan.PageSize, "total": total},
	})
}

// DeleteRole handles DELETE /api/roles/:id. The role new accounts are
// bound to cannot be removed.
func (h *Handler) DeleteRole(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if h.defaultRole != "" {
		defaultID, err := h.store.RoleID(ctx, h.defaultRole)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if defaultID == id {
			return engine.ProtectedError(fmt.Sprintf("role %s is the default role", h.defaultRole))
		}
	}
	if err := h.engine.Delete(ctx, h.resource("roles"), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// attachNames adds user_roles [{id, name}] and user_department
// [{org_id, org_name}] to each user row.
func (h *Handler) attachNames(ctx context.Context, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row["id"])
	}
	d := h.store.Dialect

	pb := d.NewParamBuilder()
	roleRows, err := store.QueryRows(ctx, h.store.DB, fmt.Sprintf(`
		SELECT ur.user_id, r.id, r.name FROM _user_roles ur
		JOIN _roles r ON r.id = ur.role_id
		WHERE %s ORDER BY r.name`, d.InExpr("ur.user_id", pb, ids)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("load user roles: %w", err)
	}
	roles := make(map[string][]fiber.Map)
	for _, r := range roleRows {
		uid := fmt.Sprint(r["user_id"])
		roles[uid] = append(roles[uid], fiber.Map{"id": r["id"], "name": r["name"]})
	}

	pb = d.NewParamBuilder()
	deptRows, err := store.QueryRows(ctx, h.store.DB, fmt.Sprintf(`
		SELECT ud.user_id, o.id, o.name FROM _user_departments ud
		JOIN organizations o ON o.id = ud.organization_id
		WHERE %s ORDER BY o.name`, d.InExpr("ud.user_id", pb, ids)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("load user departments: %w", err)
	}
	depts := make(map[string][]fiber.Map)
	for _, r := range deptRows {
		uid := fmt.Sprint(r["user_id"])
		depts[uid] = append(depts[uid], fiber.Map{"org_id": r["id"], "org_name": r["name"]})
	}

	for _, row := range rows {
		uid := fmt.Sprint(row["id"])
		row["user_roles"] = orEmpty(roles[uid])
		row["user_department"] = orEmpty(depts[uid])
	}
	return nil
}

func (h *Handler) usernameTaken(ctx context.Context, username string) (bool, error) {
	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT id FROM _users WHERE username = %s", pb.Add(username)), pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up username: %w", err)
	}
	return true, nil
}

func randomPassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func orEmpty(list []fiber.Map) []fiber.Map {
	if list == nil {
		return []fiber.Map{}
	}
	return list
}
