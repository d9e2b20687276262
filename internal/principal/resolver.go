// Package principal turns an authenticated user into the rbac.Grants the
// decision engine consumes.
package principal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"devops-backend/internal/metadata"
	"devops-backend/internal/rbac"
	"devops-backend/internal/store"
)

// ErrUnknownPrincipal is returned when the principal id matches no account.
var ErrUnknownPrincipal = errors.New("unknown principal")

// Resolver reports what a principal is allowed to hold.
type Resolver interface {
	Resolve(ctx context.Context, principalID string) (rbac.Grants, error)
}

// StoreResolver derives grants from the user, role and permission tables.
type StoreResolver struct {
	store      *store.Store
	adminRoles map[string]bool
}

// NewStoreResolver creates a resolver. adminRoles are the role names that
// count as the admin role.
func NewStoreResolver(s *store.Store, adminRoles []string) *StoreResolver {
	roles := make(map[string]bool, len(adminRoles))
	for _, r := range adminRoles {
		roles[r] = true
	}
	return &StoreResolver{store: s, adminRoles: roles}
}

// Resolve loads the superuser flag, role names and permission codes of a
// principal. An inactive account resolves to no grants at all.
func (r *StoreResolver) Resolve(ctx context.Context, principalID string) (rbac.Grants, error) {
	d := r.store.Dialect

	pb := d.NewParamBuilder()
	user, err := store.QueryRow(ctx, r.store.DB,
		fmt.Sprintf("SELECT is_superuser, is_active FROM _users WHERE id = %s", pb.Add(principalID)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.Grants{}, fmt.Errorf("%w: %s", ErrUnknownPrincipal, principalID)
	}
	if err != nil {
		return rbac.Grants{}, fmt.Errorf("load principal: %w", err)
	}
	if !store.ToBool(user["is_active"]) {
		return rbac.Grants{}, nil
	}

	roles, err := r.RoleNames(ctx, principalID)
	if err != nil {
		return rbac.Grants{}, err
	}
	admin := false
	for _, name := range roles {
		if r.adminRoles[name] {
			admin = true
			break
		}
	}

	pb = d.NewParamBuilder()
	codes, err := store.QueryStrings(ctx, r.store.DB, fmt.Sprintf(`
		SELECT DISTINCT p.method FROM _user_roles ur
		JOIN _role_permissions rp ON rp.role_id = ur.role_id
		JOIN _permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = %s AND p.method IS NOT NULL`, pb.Add(principalID)),
		pb.Params()...)
	if err != nil {
		return rbac.Grants{}, fmt.Errorf("load permission codes: %w", err)
	}

	return rbac.NewGrants(codes, store.ToBool(user["is_superuser"]), admin), nil
}

// RoleNames returns the distinct names of the principal's roles.
func (r *StoreResolver) RoleNames(ctx context.Context, principalID string) ([]string, error) {
	pb := r.store.Dialect.NewParamBuilder()
	names, err := store.QueryStrings(ctx, r.store.DB, fmt.Sprintf(`
		SELECT DISTINCT r.name FROM _user_roles ur
		JOIN _roles r ON r.id = ur.role_id
		WHERE ur.user_id = %s`, pb.Add(principalID)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	return names, nil
}

// ResolveOrEmpty resolves the grants of user and collapses every failure,
// including a panicking resolver, to empty grants. The decision engine then
// denies anything that needs a permission.
func ResolveOrEmpty(ctx context.Context, r Resolver, user *metadata.UserContext, logger *slog.Logger) (g rbac.Grants) {
	if logger == nil {
		logger = slog.Default()
	}
	if user == nil || user.ID == "" || r == nil {
		return rbac.Grants{}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("permission resolver panicked", "principal", user.ID, "panic", p)
			g = rbac.Grants{}
		}
	}()

	grants, err := r.Resolve(ctx, user.ID)
	if err != nil {
		logger.Warn("permission resolution failed", "principal", user.ID, "error", err)
		return rbac.Grants{}
	}
	return grants
}
