package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"devops-backend/internal/metadata"
	"devops-backend/internal/rbac"
)

// BootstrapOptions names the accounts and roles seeded on first start.
type BootstrapOptions struct {
	AdminUsername string
	AdminPassword string
	AdminRole     string // first configured admin-role name
	AdminCode     string // admin sentinel permission code
	DefaultRole   string // bound to every user at login
}

// Bootstrap creates the system tables and seeds the superuser and the built-in
// roles. Safe to run on every start.
func (s *Store) Bootstrap(ctx context.Context, opts BootstrapOptions) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx, opts); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	if err := s.seedRoles(ctx, opts); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context, opts BootstrapOptions) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(opts.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"INSERT INTO _users (id, username, password_hash, first_name, is_superuser, is_active) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(opts.AdminUsername), pb.Add(string(hashBytes)),
		pb.Add(opts.AdminUsername), pb.Add(true), pb.Add(true))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return err
	}

	slog.Warn("default superuser created, change the password immediately", "username", opts.AdminUsername)
	return nil
}

func (s *Store) seedRoles(ctx context.Context, opts BootstrapOptions) error {
	adminRoleID, err := s.EnsureRole(ctx, opts.AdminRole, "administrators")
	if err != nil {
		return err
	}
	if opts.DefaultRole != "" {
		if _, err := s.EnsureRole(ctx, opts.DefaultRole, "bound to every user at login"); err != nil {
			return err
		}
	}

	adminPermID, err := s.ensurePermission(ctx, "管理员", opts.AdminCode, "")
	if err != nil {
		return err
	}
	return s.GrantPermission(ctx, adminRoleID, adminPermID)
}

// EnsureRole returns the id of the named role, creating it if needed.
func (s *Store) EnsureRole(ctx context.Context, name, description string) (string, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _roles (id, name, description) VALUES (%s, %s, %s) ON CONFLICT DO NOTHING",
		pb.Add(uuid.NewString()), pb.Add(name), pb.Add(description))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return "", fmt.Errorf("insert role %s: %w", name, err)
	}
	return s.RoleID(ctx, name)
}

// RoleID looks up a role by name.
func (s *Store) RoleID(ctx context.Context, name string) (string, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf("SELECT id FROM _roles WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("role %s: %w", name, err)
	}
	return fmt.Sprint(row["id"]), nil
}

// GrantPermission links a permission to a role. Idempotent.
func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _role_permissions (role_id, permission_id) VALUES (%s, %s) ON CONFLICT DO NOTHING",
		pb.Add(roleID), pb.Add(permissionID))
	_, err := s.DB.ExecContext(ctx, q, pb.Params()...)
	return err
}

// BindRole adds a role to a user. Idempotent.
func (s *Store) BindRole(ctx context.Context, userID, roleID string) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _user_roles (user_id, role_id) VALUES (%s, %s) ON CONFLICT DO NOTHING",
		pb.Add(userID), pb.Add(roleID))
	_, err := s.DB.ExecContext(ctx, q, pb.Params()...)
	return err
}

// SyncPermissions makes sure every code referenced by a rule table has a
// _permissions row, grouped under one parent row per resource, so roles can
// be granted the codes the tables check. Existing rows are left untouched.
func (s *Store) SyncPermissions(ctx context.Context, resources []*metadata.Resource, adminCode rbac.Code) error {
	created := 0
	for _, res := range resources {
		codes := res.Perms.Codes()
		if len(codes) == 0 {
			continue
		}
		parentID, err := s.ensurePermission(ctx, fmt.Sprintf("%s [%s]", res.Label, res.Name), "", "")
		if err != nil {
			return fmt.Errorf("sync %s: %w", res.Name, err)
		}
		for _, r := range codes {
			if r.Code == adminCode {
				continue
			}
			label := r.Label
			if label == "" {
				label = string(r.Code)
			}
			before, _ := s.permissionID(ctx, string(r.Code), "")
			id, err := s.ensurePermission(ctx, label, string(r.Code), parentID)
			if errors.Is(err, ErrNotFound) {
				slog.Warn("permission label already taken, code not catalogued",
					"resource", res.Name, "code", r.Code, "label", label)
				continue
			}
			if err != nil {
				return fmt.Errorf("sync %s/%s: %w", res.Name, r.Code, err)
			}
			if before == "" && id != "" {
				created++
			}
		}
	}
	if created > 0 {
		slog.Info("permission catalogue synced", "created", created)
	}
	return nil
}

// ensurePermission returns the row for method (or, for group rows without a
// method, for name), inserting it when missing. Returns ErrNotFound when the
// insert was skipped because name is held by a different code.
func (s *Store) ensurePermission(ctx context.Context, name, method, parentID string) (string, error) {
	if id, err := s.permissionID(ctx, method, name); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	var methodVal, parentVal any
	if method != "" {
		methodVal = method
	}
	if parentID != "" {
		parentVal = parentID
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _permissions (id, name, method, parent_id) VALUES (%s, %s, %s, %s) ON CONFLICT DO NOTHING",
		pb.Add(uuid.NewString()), pb.Add(name), pb.Add(methodVal), pb.Add(parentVal))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return "", fmt.Errorf("insert permission %s: %w", name, err)
	}
	return s.permissionID(ctx, method, name)
}

func (s *Store) permissionID(ctx context.Context, method, name string) (string, error) {
	pb := s.Dialect.NewParamBuilder()
	var q string
	if method != "" {
		q = fmt.Sprintf("SELECT id FROM _permissions WHERE method = %s", pb.Add(method))
	} else {
		q = fmt.Sprintf("SELECT id FROM _permissions WHERE method IS NULL AND name = %s", pb.Add(name))
	}
	row, err := QueryRow(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(row["id"]), nil
}
