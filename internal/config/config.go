// Package config loads pricerules settings from a YAML file, PRICERULES_*
// environment variables and a few unprefixed aliases (DATABASE_URL, PORT, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liamcoop/pricerules/pricing"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Catalog   CatalogConfig
	Pricing   PricingConfig
	Apply     ApplyConfig
	Logging   LoggingConfig
	Workspace string
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Driver string
	// Path is the SQLite database file or the rules directory for the file driver
	Path        string
	DatabaseURL string
	// AutoMigrate applies pending migrations on startup
	AutoMigrate bool
}

type CatalogConfig struct {
	BaseURL           string
	AccessToken       string
	SecretAccessToken string
	PageSize          int
	Timeout           time.Duration
}

type PricingConfig struct {
	RuleRounding   pricing.Policy
	ResaleRounding pricing.Policy
}

type ApplyConfig struct {
	Concurrency int
}

type LoggingConfig struct {
	Level  string
	Format string
	// OTEL also exports records over OTLP
	OTEL bool
}

// env aliases kept for deployments that predate the PRICERULES_ prefix
var aliases = map[string][]string{
	"storage.database_url":        {"DATABASE_URL"},
	"server.port":                 {"PORT"},
	"logging.level":               {"LOG_LEVEL"},
	"logging.otel":                {"OTEL_ENABLED"},
	"catalog.base_url":            {"ERP_BASE_URL"},
	"catalog.access_token":        {"ERP_ACCESS_TOKEN"},
	"catalog.secret_access_token": {"ERP_SECRET_ACCESS_TOKEN"},
}

// SetDefaults registers every known key so env vars resolve without a config file
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "110s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.access_token", "")
	v.SetDefault("catalog.secret_access_token", "")
	v.SetDefault("catalog.page_size", 100)
	v.SetDefault("catalog.timeout", "30s")

	v.SetDefault("pricing.rule_rounding", "none")
	v.SetDefault("pricing.resale_rounding", "0.10")

	v.SetDefault("apply.concurrency", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.otel", false)

	v.SetDefault("workspace", "default")
}

// Load reads configuration into v and decodes it. file is optional; without it
// $HOME/.config/pricerules/config.yaml and ./config.yaml are searched, and a
// missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pricerules"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PRICERULES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		prefixed := "PRICERULES_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	ruleRounding, err := pricing.ParsePolicy(v.GetString("pricing.rule_rounding"))
	if err != nil {
		return nil, fmt.Errorf("pricing.rule_rounding: %w", err)
	}
	resaleRounding, err := pricing.ParsePolicy(v.GetString("pricing.resale_rounding"))
	if err != nil {
		return nil, fmt.Errorf("pricing.resale_rounding: %w", err)
	}

	addr := v.GetString("server.addr")
	if addr == "" {
		addr = ":" + v.GetString("server.port")
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            addr,
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
			Path:        ExpandPath(v.GetString("storage.path")),
			DatabaseURL: v.GetString("storage.database_url"),
			AutoMigrate: v.GetBool("storage.auto_migrate"),
		},
		Catalog: CatalogConfig{
			BaseURL:           v.GetString("catalog.base_url"),
			AccessToken:       v.GetString("catalog.access_token"),
			SecretAccessToken: v.GetString("catalog.secret_access_token"),
			PageSize:          v.GetInt("catalog.page_size"),
			Timeout:           v.GetDuration("catalog.timeout"),
		},
		Pricing: PricingConfig{
			RuleRounding:   ruleRounding,
			ResaleRounding: resaleRounding,
		},
		Apply: ApplyConfig{
			Concurrency: v.GetInt("apply.concurrency"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
			OTEL:   v.GetBool("logging.otel"),
		},
		Workspace: v.GetString("workspace"),
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Driver)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want memory, file, sqlite or postgres)", c.Storage.Driver)
	}

	if c.Apply.Concurrency < 1 {
		return fmt.Errorf("apply.concurrency must be at least 1, got %d", c.Apply.Concurrency)
	}
	if c.Catalog.PageSize < 1 {
		return fmt.Errorf("catalog.page_size must be at least 1, got %d", c.Catalog.PageSize)
	}
	if c.Workspace == "" {
		return errors.New("workspace cannot be empty")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	return nil
}

// CatalogConfigured reports whether ERP access is set up
func (c *Config) CatalogConfigured() bool {
	return c.Catalog.BaseURL != ""
}

func defaultStoragePath(driver string) string {
	base := ExpandPath("~/.local/share/pricerules")
	switch driver {
	case DriverSQLite:
		return filepath.Join(base, "pricerules.db")
	case DriverFile:
		return filepath.Join(base, "rules")
	default:
		return ""
	}
}

// ExpandPath expands a leading ~ and environment variables in a file path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return os.ExpandEnv(path)
}
