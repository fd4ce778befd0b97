package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/liamcoop/pricerules/internal/config"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/migrations"
	"github.com/spf13/viper"
)

func main() {
	var databaseURL string
	var configFile string
	var command string
	var steps int

	flag.StringVar(&databaseURL, "database", "", "Database URL (postgres://... or sqlite3://path); defaults to the configured storage")
	flag.StringVar(&configFile, "config", "", "Config file used when -database is not given")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.IntVar(&steps, "steps", 0, "Number of migrations to apply (up) or roll back (down); 0 means all")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		url, err := configuredURL(configFile)
		if err != nil {
			logger.Fatal("Database URL is required. Use -database, DATABASE_URL or a sqlite/postgres storage config", "error", err)
		}
		databaseURL = url
	}

	dialect, _, err := migrations.DialectOf(databaseURL)
	if err != nil {
		logger.Fatal("Unsupported database", "error", err)
	}
	logger.Info("Connecting to database...", "dialect", dialect)

	m, err := migrations.New(databaseURL)
	if err != nil {
		logger.Fatal("Failed to create migration instance", "error", err)
	}
	defer m.Close()

	if err := run(m, command, steps, flag.Args()); err != nil {
		m.Close()
		logger.Fatal("Migration failed", "command", command, "error", err)
	}
}

// configuredURL derives a migrate URL from the storage section of the config
func configuredURL(configFile string) (string, error) {
	cfg, err := config.Load(viper.New(), configFile)
	if err != nil {
		return "", err
	}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return cfg.Storage.DatabaseURL, nil
	case config.DriverSQLite:
		return migrations.SQLiteURL(cfg.Storage.Path), nil
	default:
		return "", fmt.Errorf("storage driver %q has no database to migrate", cfg.Storage.Driver)
	}
}

func run(m *migrate.Migrate, command string, steps int, args []string) error {
	switch command {
	case "up":
		logger.Info("Running migrations up...")
		var err error
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to run (database is up to date)")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Migrations completed successfully!")

	case "down":
		logger.Info("Rolling back migrations...")
		var err error
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		logger.Info("Rollback completed successfully!")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current version", "version", version, "dirty", dirty)

	case "force":
		if len(args) < 1 {
			return errors.New("force command requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Info("Forced version", "version", version)

	default:
		return fmt.Errorf("unknown command: %s (use: up, down, version, force)", command)
	}
	return nil
}
