// Package workspace owns the per-workspace rule store, evaluator and
// simulation workflow used by the multi-user server.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceExists   = errors.New("workspace already exists")
)

// PersisterFactory returns the persister backing one workspace's rules
type PersisterFactory func(workspaceID string) (rules.Persister, error)

// Lister reports the workspaces already recorded in durable storage
type Lister func(ctx context.Context) ([]string, error)

// Config wires a Manager
type Config struct {
	Persisters PersisterFactory
	// Lister is optional; without it LoadAll loads nothing
	Lister   Lister
	Updater  simulation.PriceUpdater
	Rounding pricing.Policy
	Workflow simulation.Options
}

// Workspace is one isolated rule set with its own evaluator and workflow
type Workspace struct {
	ID        string
	Store     *rules.OrderedRuleStore
	Engine    *rules.Engine
	Workflow  *simulation.Workflow
	CreatedAt time.Time
}

// Simulate runs the workspace's full rule list over products
func (w *Workspace) Simulate(ctx context.Context, products []rules.Product) (*simulation.Preview, error) {
	ruleList, err := w.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return w.Workflow.RunSimulation(ctx, products, ruleList)
}

// Evaluate decides the outcome for a single product against the current rules
func (w *Workspace) Evaluate(ctx context.Context, p rules.Product) (rules.Outcome, error) {
	active, err := w.Store.ListActive(ctx)
	if err != nil {
		return rules.Outcome{}, fmt.Errorf("failed to list rules: %w", err)
	}
	return w.Engine.Evaluate(p, active)
}

// Manager keeps the loaded workspaces
type Manager struct {
	cfg        Config
	workspaces map[string]*Workspace
	mu         sync.RWMutex
}

// NewManager creates an empty manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Persisters == nil {
		return nil, errors.New("workspace manager needs a persister factory")
	}
	if cfg.Updater == nil {
		return nil, errors.New("workspace manager needs a price updater")
	}
	return &Manager{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
	}, nil
}

// LoadAll opens every workspace reported by the configured Lister
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.cfg.Lister == nil {
		return nil
	}
	ids, err := m.cfg.Lister(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	for _, id := range ids {
		if _, err := m.Open(ctx, id); err != nil {
			return fmt.Errorf("failed to load workspace %s: %w", id, err)
		}
	}
	logger.Info("workspaces loaded", "count", len(ids))
	return nil
}

// Open returns the workspace, loading it from storage or creating it on first use
func (m *Manager) Open(ctx context.Context, id string) (*Workspace, error) {
	if ws, err := m.Get(id); err == nil {
		return ws, nil
	}
	return m.load(ctx, id, false)
}

// Create opens a workspace that is not loaded yet. Concurrent calls for one
// id yield exactly one workspace; the rest get ErrWorkspaceExists.
func (m *Manager) Create(ctx context.Context, id string) (*Workspace, error) {
	return m.load(ctx, id, true)
}

// load builds and registers id under the write lock. mustBeNew fails when
// the workspace is already loaded instead of returning it.
func (m *Manager) load(ctx context.Context, id string, mustBeNew bool) (*Workspace, error) {
	if err := ValidateWorkspaceID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another caller may have opened it while we waited for the lock
	if ws, ok := m.workspaces[id]; ok {
		if mustBeNew {
			return nil, fmt.Errorf("workspace %s: %w", id, ErrWorkspaceExists)
		}
		return ws, nil
	}

	ws, err := m.build(ctx, id)
	if err != nil {
		return nil, err
	}
	m.workspaces[id] = ws
	logger.Debug("workspace opened", "workspace_id", id, "rules", ws.Store.Len())
	return ws, nil
}

func (m *Manager) build(ctx context.Context, id string) (*Workspace, error) {
	persister, err := m.cfg.Persisters(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create persister for workspace %s: %w", id, err)
	}

	store, err := rules.NewOrderedRuleStore(ctx, persister)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for workspace %s: %w", id, err)
	}
	// record the workspace in durable storage even before its first rule
	if store.Len() == 0 {
		if err := persister.Save(ctx, nil); err != nil {
			return nil, fmt.Errorf("failed to register workspace %s: %w", id, err)
		}
	}

	engine, err := rules.NewEngine(rules.WithRounding(m.cfg.Rounding))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &Workspace{
		ID:        id,
		Store:     store,
		Engine:    engine,
		Workflow:  simulation.NewWorkflow(engine, m.cfg.Updater, m.cfg.Workflow),
		CreatedAt: time.Now(),
	}, nil
}

// Get returns a loaded workspace
func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrWorkspaceNotFound)
	}
	return ws, nil
}

// List returns the loaded workspace ids in sorted order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unload drops a workspace from memory. Its stored rules are kept.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %s: %w", id, ErrWorkspaceNotFound)
	}
	if st := ws.Workflow.State(); st == simulation.Simulating || st == simulation.Applying {
		return fmt.Errorf("workspace %s is %s: %w", id, st, simulation.ErrBusy)
	}
	delete(m.workspaces, id)
	return nil
}
