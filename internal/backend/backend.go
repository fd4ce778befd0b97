// Package backend turns the storage section of the configuration into the
// persister factory and workspace lister used by the workspace manager.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/liamcoop/pricerules/internal/config"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/migrations"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/workspace"
)

const ruleFileExt = ".yaml"

// Backend is an opened storage driver
type Backend struct {
	Driver     string
	Persisters workspace.PersisterFactory
	Lister     workspace.Lister

	db     *sql.DB
	memory map[string]*rules.MemoryPersister
	mu     sync.Mutex
}

// Open prepares the configured driver, applying migrations first when enabled
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	b := &Backend{Driver: cfg.Driver}

	switch cfg.Driver {
	case config.DriverMemory:
		b.memory = make(map[string]*rules.MemoryPersister)
		b.Persisters = b.memoryPersister
		b.Lister = b.memoryWorkspaces

	case config.DriverFile:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create rules directory: %w", err)
		}
		dir := cfg.Path
		b.Persisters = func(id string) (rules.Persister, error) {
			return rules.NewFilePersister(filepath.Join(dir, id+ruleFileExt)), nil
		}
		b.Lister = func(context.Context) ([]string, error) {
			return fileWorkspaces(dir)
		}

	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(migrations.SQLiteURL(cfg.Path)); err != nil {
				return nil, err
			}
		}
		db, err := rules.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		b.useDB(db, func(id string) rules.Persister { return rules.NewSQLitePersister(db, id) })

	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := migrations.Up(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		b.useDB(db, func(id string) rules.Persister { return rules.NewPostgresPersister(db, id) })

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	logger.Debug("storage opened", "driver", cfg.Driver, "auto_migrate", cfg.AutoMigrate)
	return b, nil
}

func (b *Backend) useDB(db *sql.DB, persister func(id string) rules.Persister) {
	b.db = db
	b.Persisters = func(id string) (rules.Persister, error) {
		return persister(id), nil
	}
	b.Lister = func(ctx context.Context) ([]string, error) {
		return rules.ListWorkspaceIDs(ctx, db)
	}
}

// Ping checks the database connection; drivers without one are always healthy
func (b *Backend) Ping(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	return b.db.PingContext(ctx)
}

// Close releases the database connection, if any
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) memoryPersister(id string) (rules.Persister, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.memory[id]
	if !ok {
		p = rules.NewMemoryPersister()
		b.memory[id] = p
	}
	return p, nil
}

func (b *Backend) memoryWorkspaces(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.memory))
	for id := range b.memory {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// fileWorkspaces lists <id>.yaml files; anything that is not a valid id is ignored
func fileWorkspaces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ruleFileExt) {
			continue
		}
		id := strings.TrimSuffix(name, ruleFileExt)
		if workspace.ValidateWorkspaceID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
