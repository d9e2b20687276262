package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/config"
	"devops-backend/internal/engine"
	"devops-backend/internal/store"
)

// AuthHandler serves login, token refresh and logout under /api/user.
type AuthHandler struct {
	store       *store.Store
	signer      *Signer
	refresh     refreshTokens
	defaultRole string
}

func NewAuthHandler(s *store.Store, signer *Signer, cfg *config.Config) *AuthHandler {
	ttl := cfg.Auth.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}
	return &AuthHandler{
		store:       s,
		signer:      signer,
		refresh:     refreshTokens{store: s, ttl: ttl},
		defaultRole: cfg.RBAC.DefaultRole,
	}
}

func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	user := app.Group("/api/user")
	user.Post("/login", h.Login)
	user.Post("/refresh", h.Refresh)
	user.Post("/logout", h.Logout)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login checks credentials, makes sure the user holds the default role and
// returns a fresh token pair.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body credentials
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Username == "" || body.Password == "" {
		return engine.UnauthorizedError("Username and password are required")
	}
	ctx := c.UserContext()

	pb := h.store.Dialect.NewParamBuilder()
	user, err := store.QueryRow(ctx, h.store.DB,
		"SELECT id, password_hash, is_active FROM _users WHERE username = "+pb.Add(body.Username),
		pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid username or password")
	}
	if hash, _ := user["password_hash"].(string); !CheckPassword(body.Password, hash) {
		return engine.UnauthorizedError("Invalid username or password")
	}
	if !store.ToBool(user["is_active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	userID, _ := user["id"].(string)
	if err := h.bindDefaultRole(ctx, userID); err != nil {
		slog.Warn("binding default role failed", "user", userID, "error", err)
	}
	return h.respondWithTokens(c, userID, body.Username)
}

// Refresh rotates a refresh token into a new pair.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body refreshRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	row, err := h.refresh.consume(c.UserContext(), body.RefreshToken)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}
	if time.Now().Unix() >= epochSeconds(row["expires_at"]) {
		return engine.UnauthorizedError("Refresh token expired")
	}
	if !store.ToBool(row["is_active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}
	userID, _ := row["user_id"].(string)
	username, _ := row["username"].(string)
	return h.respondWithTokens(c, userID, username)
}

// Logout revokes the presented refresh token. Unknown tokens are not an
// error.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var body refreshRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}
	if err := h.refresh.revoke(c.UserContext(), body.RefreshToken); err != nil {
		slog.Warn("revoking refresh token failed", "error", err)
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

func (h *AuthHandler) respondWithTokens(c *fiber.Ctx, userID, username string) error {
	access, err := h.signer.Sign(userID, username)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}
	refresh, err := h.refresh.issue(c.UserContext(), userID)
	if err != nil {
		return engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}
	return c.JSON(fiber.Map{"data": TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(h.signer.TTL() / time.Second),
	}})
}

func (h *AuthHandler) bindDefaultRole(ctx context.Context, userID string) error {
	if h.defaultRole == "" {
		return nil
	}
	roleID, err := h.store.RoleID(ctx, h.defaultRole)
	if errors.Is(err, store.ErrNotFound) {
		roleID, err = h.store.EnsureRole(ctx, h.defaultRole, "")
	}
	if err != nil {
		return err
	}
	return h.store.BindRole(ctx, userID, roleID)
}

func bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	return nil
}
