package store

import "strings"

// systemTables is rendered per dialect: {bool}, {true}, {false}, {ts},
// {now} and {epoch} are replaced with native types and literals.
const systemTables = `
CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL DEFAULT '',
    first_name    TEXT,
    email         TEXT,
    mobile        TEXT,
    position      TEXT,
    title         TEXT,
    is_superuser  {bool} NOT NULL DEFAULT {false},
    is_active     {bool} NOT NULL DEFAULT {true},
    created_at    {ts} DEFAULT ({now}),
    updated_at    {ts} DEFAULT ({now})
);

CREATE TABLE IF NOT EXISTS _roles (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT,
    created_at  {ts} DEFAULT ({now}),
    updated_at  {ts} DEFAULT ({now})
);

CREATE TABLE IF NOT EXISTS _permissions (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    method     TEXT,
    parent_id  TEXT REFERENCES _permissions(id) ON DELETE SET NULL,
    created_at {ts} DEFAULT ({now}),
    updated_at {ts} DEFAULT ({now})
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_method ON _permissions(method);

CREATE TABLE IF NOT EXISTS _role_permissions (
    role_id       TEXT NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    permission_id TEXT NOT NULL REFERENCES _permissions(id) ON DELETE CASCADE,
    PRIMARY KEY (role_id, permission_id)
);

CREATE TABLE IF NOT EXISTS _user_roles (
    user_id TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    role_id TEXT NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at {epoch} NOT NULL,
    created_at {ts} DEFAULT ({now})
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _audit_events (
    id           TEXT PRIMARY KEY,
    principal_id TEXT,
    resource     TEXT NOT NULL,
    verb         TEXT NOT NULL,
    action       TEXT NOT NULL,
    path         TEXT NOT NULL,
    allowed      {bool} NOT NULL,
    reason       TEXT NOT NULL,
    code         TEXT,
    created_at   {ts} NOT NULL DEFAULT ({now})
);
CREATE INDEX IF NOT EXISTS idx_audit_events_created ON _audit_events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON _audit_events (principal_id, created_at DESC);
`

func renderSystemTables(d Dialect, epochType string) string {
	return strings.NewReplacer(
		"{bool}", d.ColumnType("bool"),
		"{true}", d.BoolLiteral(true),
		"{false}", d.BoolLiteral(false),
		"{ts}", d.ColumnType("timestamp"),
		"{now}", d.NowExpr(),
		"{epoch}", epochType,
	).Replace(systemTables)
}
