package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RBAC      RBACConfig      `mapstructure:"rbac"`
	API       APIConfig       `mapstructure:"api"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type AuthConfig struct {
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// RBACConfig holds the process-wide authorization settings. They are read
// once at startup.
type RBACConfig struct {
	AdminRoles  []string      `mapstructure:"admin_roles"`
	AdminCode   string        `mapstructure:"admin_code"`
	DefaultRole string        `mapstructure:"default_role"`
	Whitelist   []string      `mapstructure:"whitelist"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"` // 0 resolves grants on every request
}

type APIConfig struct {
	PageSize int `mapstructure:"page_size"`
}

type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RecordAllows  bool          `mapstructure:"record_allows"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BootstrapConfig struct {
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		if d.Name == ":memory:" {
			return d.Name
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("devops-backend", pflag.ContinueOnError)
	fs.String("config", "", "path to the config file (default: app.yaml in . or ../..)")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	fs.Int("port", 0, "HTTP port, overrides server.port")
	fs.String("log-level", "", "log level, overrides log.level")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "devops")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("rbac.admin_roles", []string{"管理员", "admin"})
	v.SetDefault("rbac.admin_code", "admin")
	v.SetDefault("rbac.default_role", "默认角色")
	v.SetDefault("rbac.whitelist", []string{"/health", "/api/user/login", "/api/user/refresh", "/api/user/logout"})
	v.SetDefault("rbac.cache_ttl", "0s")
	v.SetDefault("api.page_size", 20)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.record_allows", false)
	v.SetDefault("audit.buffer_size", 500)
	v.SetDefault("audit.flush_interval", "1s")
	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("bootstrap.admin_username", "admin")
	v.SetDefault("bootstrap.admin_password", "changeme")
}

// Load reads configuration from flags, an optional .env file, app.yaml and
// the environment, in increasing order of precedence for the last two and
// with flags winning over everything. Environment keys use "_" for ".", so
// DATABASE_HOST sets database.host.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if f := fs.Lookup("port"); f != nil && f.Changed {
		if err := v.BindPFlag("server.port", f); err != nil {
			return nil, fmt.Errorf("bind port flag: %w", err)
		}
	}
	if f := fs.Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("log.level", f); err != nil {
			return nil, fmt.Errorf("bind log-level flag: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set")
	}
	if len(c.RBAC.AdminRoles) == 0 {
		return fmt.Errorf("rbac.admin_roles must name at least one role")
	}
	if c.RBAC.AdminCode == "" {
		return fmt.Errorf("rbac.admin_code must be set")
	}
	if c.RBAC.CacheTTL < 0 {
		return fmt.Errorf("rbac.cache_ttl must not be negative")
	}
	if c.API.PageSize <= 0 {
		c.API.PageSize = 20
	}
	return nil
}
