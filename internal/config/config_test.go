package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n")
	cfg, err := Load([]string{"--config", path, "--env-file", ""})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RBAC.AdminCode != "admin" {
		t.Fatalf("expected admin code admin, got %q", cfg.RBAC.AdminCode)
	}
	if len(cfg.RBAC.AdminRoles) != 2 || cfg.RBAC.AdminRoles[0] != "管理员" {
		t.Fatalf("unexpected admin roles: %v", cfg.RBAC.AdminRoles)
	}
	if cfg.RBAC.DefaultRole != "默认角色" {
		t.Fatalf("expected default role, got %q", cfg.RBAC.DefaultRole)
	}
	if cfg.RBAC.CacheTTL != 0 {
		t.Fatalf("expected cache disabled by default, got %v", cfg.RBAC.CacheTTL)
	}
	if cfg.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected 15m access ttl, got %v", cfg.Auth.AccessTokenTTL)
	}
	if cfg.Audit.FlushInterval != time.Second {
		t.Fatalf("expected 1s flush interval, got %v", cfg.Audit.FlushInterval)
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  driver: sqlite
  name: ":memory:"
rbac:
  admin_roles: [ops-admin]
  whitelist: [/public]
  cache_ttl: 30s
`)
	cfg, err := Load([]string{"--config", path, "--env-file", "", "--port", "9100"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected flag to override port, got %d", cfg.Server.Port)
	}
	if cfg.Database.DSN() != ":memory:" {
		t.Fatalf("expected in-memory dsn, got %q", cfg.Database.DSN())
	}
	if len(cfg.RBAC.AdminRoles) != 1 || cfg.RBAC.AdminRoles[0] != "ops-admin" {
		t.Fatalf("unexpected admin roles: %v", cfg.RBAC.AdminRoles)
	}
	if len(cfg.RBAC.Whitelist) != 1 || cfg.RBAC.Whitelist[0] != "/public" {
		t.Fatalf("unexpected whitelist: %v", cfg.RBAC.Whitelist)
	}
	if cfg.RBAC.CacheTTL != 30*time.Second {
		t.Fatalf("expected 30s cache ttl, got %v", cfg.RBAC.CacheTTL)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\njwt_secret: from-file\n")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DATABASE_HOST", "db.internal")
	cfg, err := Load([]string{"--config", path, "--env-file", ""})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.JWTSecret)
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("expected env host, got %q", cfg.Database.Host)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	path := writeConfig(t, "database:\n  driver: sqlite\n")
	cfg, err := Load([]string{"--config", path, "--env-file", envPath})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level from .env, got %q", cfg.Log.Level)
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n")
	if _, err := Load([]string{"--config", path, "--env-file", filepath.Join(t.TempDir(), "nope.env")}); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "postgres"},
			JWTSecret: "s",
			RBAC:      RBACConfig{AdminRoles: []string{"admin"}, AdminCode: "admin"},
			API:       APIConfig{PageSize: 10},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty secret", func(c *Config) { c.JWTSecret = "" }},
		{"no admin roles", func(c *Config) { c.RBAC.AdminRoles = nil }},
		{"no admin code", func(c *Config) { c.RBAC.AdminCode = "" }},
		{"negative ttl", func(c *Config) { c.RBAC.CacheTTL = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	c := base()
	c.API.PageSize = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if c.API.PageSize != 20 {
		t.Fatalf("expected page size fallback 20, got %d", c.API.PageSize)
	}
}

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "h", Port: 5432, Name: "d"}
	if got := pg.DSN(); got != "postgres://u:p@h:5432/d?sslmode=disable" {
		t.Fatalf("unexpected postgres dsn %q", got)
	}
	lite := DatabaseConfig{Driver: "sqlite", Path: "./data", Name: "devops"}
	if got := lite.DSN(); got != "./data/devops.db" {
		t.Fatalf("unexpected sqlite dsn %q", got)
	}
}
