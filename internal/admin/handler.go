// Package admin implements the user center: account lifecycle, the
// caller's own profile and menus, and organization membership. Every
// handler here is mounted behind the guard as a resource action.
package admin

import (
	"log/slog"

	"devops-backend/internal/config"
	"devops-backend/internal/engine"
	"devops-backend/internal/metadata"
	"devops-backend/internal/principal"
	"devops-backend/internal/rbac"
	"devops-backend/internal/store"
)

type Handler struct {
	engine      *engine.Handler
	store       *store.Store
	registry    *metadata.Registry
	roles       *principal.StoreResolver
	adminCode   rbac.Code
	defaultRole string
	pageSize    int
	logger      *slog.Logger
}

func NewHandler(eh *engine.Handler, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	adminCode := rbac.Code(cfg.RBAC.AdminCode)
	if adminCode == "" {
		adminCode = rbac.DefaultAdminCode
	}
	return &Handler{
		engine:      eh,
		store:       eh.Store(),
		registry:    eh.Registry(),
		roles:       principal.NewStoreResolver(eh.Store(), cfg.RBAC.AdminRoles),
		adminCode:   adminCode,
		defaultRole: cfg.RBAC.DefaultRole,
		pageSize:    cfg.API.PageSize,
		logger:      logger,
	}
}

// Actions returns the handlers to pass to engine.RegisterResourceRoutes.
func (h *Handler) Actions() engine.Actions {
	return engine.Actions{
		"users.create":                     h.CreateUser,
		"users.destroy":                    h.ToggleUser,
		"users.password_reset":             h.ResetPassword,
		"users.detail_info":                h.UserDetails,
		"user_profile.info":                h.ProfileInfo,
		"user_profile.menus":               h.ProfileMenus,
		"user_profile.update":              h.UpdateProfile(false),
		"user_profile.partial_update":      h.UpdateProfile(true),
		"organizations.organization_users": h.OrganizationUsers,
		"roles.destroy":                    h.DeleteRole,
	}
}

func (h *Handler) resource(name string) *metadata.Resource {
	res := h.registry.Get(name)
	if res == nil {
		panic("admin: resource " + name + " is not registered")
	}
	return res
}
