package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RuleStore manages the ordered rule collection
type RuleStore interface {
	// Add appends a rule, assigning an ID when none is given
	Add(ctx context.Context, rule Rule) (Rule, error)

	// Get a rule by ID
	Get(ctx context.Context, id string) (Rule, error)

	// Update merges a partial update into the rule, keeping its position
	Update(ctx context.Context, id string, patch RulePatch) (Rule, error)

	// Remove deletes a rule
	Remove(ctx context.Context, id string) error

	// Reorder moves the rule at from to position to, shifting the others
	Reorder(ctx context.Context, from, to int) error

	// Replace swaps the whole collection in one commit
	Replace(ctx context.Context, rules []Rule) ([]Rule, error)

	// List returns every rule in store order
	List(ctx context.Context) ([]Rule, error)

	// ListActive returns active rules in store order
	ListActive(ctx context.Context) ([]Rule, error)
}

// Persister is the durable storage port behind an OrderedRuleStore.
// Save replaces the whole collection; Load returns it in order.
type Persister interface {
	Load(ctx context.Context) ([]Rule, error)
	Save(ctx context.Context, rules []Rule) error
}

// OrderedRuleStore keeps the rule list in memory and writes the full list
// through its Persister before any mutation becomes visible.
// Mutations are serialized; reads see the last persisted snapshot.
type OrderedRuleStore struct {
	rules     []Rule
	persister Persister
	cache     RulesCache
	now       func() time.Time
	mu        sync.RWMutex
}

// StoreOption customizes an OrderedRuleStore
type StoreOption func(*OrderedRuleStore)

// WithCache replaces the default active-rule cache
func WithCache(cache RulesCache) StoreOption {
	return func(s *OrderedRuleStore) {
		s.cache = cache
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) StoreOption {
	return func(s *OrderedRuleStore) {
		s.now = now
	}
}

// NewOrderedRuleStore loads the persisted collection and returns a ready store
func NewOrderedRuleStore(ctx context.Context, persister Persister, opts ...StoreOption) (*OrderedRuleStore, error) {
	s := &OrderedRuleStore{
		persister: persister,
		cache:     NewInMemoryRulesCache(DefaultCacheConfig()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	seen := make(map[string]struct{}, len(loaded))
	for _, r := range loaded {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("persisted rules contain %s twice: %w", r.ID, ErrDuplicateID)
		}
		seen[r.ID] = struct{}{}
	}

	s.rules = loaded
	return s, nil
}

// NewInMemoryRuleStore returns a store that persists nowhere
func NewInMemoryRuleStore() *OrderedRuleStore {
	s, _ := NewOrderedRuleStore(context.Background(), NewMemoryPersister())
	return s
}

// Add appends rule to the end of the collection
func (s *OrderedRuleStore) Add(ctx context.Context, rule Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if s.indexLocked(rule.ID) >= 0 {
		return Rule{}, fmt.Errorf("rule %s: %w", rule.ID, ErrDuplicateID)
	}
	if rule.Name == "" {
		rule.Name = rule.DefaultName()
	}
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}

	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	next := make([]Rule, len(s.rules), len(s.rules)+1)
	copy(next, s.rules)
	next = append(next, rule)

	if err := s.commitLocked(ctx, next); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Get retrieves a rule by ID
func (s *OrderedRuleStore) Get(_ context.Context, id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return s.rules[i], nil
}

// Update merges patch into the rule with the given ID at its current position
func (s *OrderedRuleStore) Update(ctx context.Context, id string, patch RulePatch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	updated := patch.Apply(s.rules[i])
	if updated.Name == "" {
		updated.Name = updated.DefaultName()
	}
	if err := ValidateRule(updated); err != nil {
		return Rule{}, err
	}
	updated.UpdatedAt = s.now()

	next := make([]Rule, len(s.rules))
	copy(next, s.rules)
	next[i] = updated

	if err := s.commitLocked(ctx, next); err != nil {
		return Rule{}, err
	}
	return updated, nil
}

// Remove deletes the rule with the given ID; a missing ID is ErrNotFound
func (s *OrderedRuleStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	next := make([]Rule, 0, len(s.rules)-1)
	next = append(next, s.rules[:i]...)
	next = append(next, s.rules[i+1:]...)

	return s.commitLocked(ctx, next)
}

// Reorder moves one rule from index from to index to
func (s *OrderedRuleStore) Reorder(ctx context.Context, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.rules)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("reorder %d -> %d with %d rules: %w", from, to, n, ErrIndexOutOfRange)
	}
	if from == to {
		return nil
	}

	moved := s.rules[from]
	next := make([]Rule, 0, n)
	next = append(next, s.rules[:from]...)
	next = append(next, s.rules[from+1:]...)
	next = append(next[:to], append([]Rule{moved}, next[to:]...)...)

	return s.commitLocked(ctx, next)
}

// Replace validates every rule and swaps the collection in a single save.
// Missing IDs, names and timestamps are filled in as Add does. Nothing changes
// when any rule is invalid or the save fails.
func (s *OrderedRuleStore) Replace(ctx context.Context, ruleList []Rule) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[string]struct{}, len(ruleList))
	next := make([]Rule, 0, len(ruleList))
	for i, rule := range ruleList {
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, ErrDuplicateID)
		}
		seen[rule.ID] = struct{}{}

		if rule.Name == "" {
			rule.Name = rule.DefaultName()
		}
		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i+1, err)
		}
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		if rule.UpdatedAt.IsZero() {
			rule.UpdatedAt = now
		}
		next = append(next, rule)
	}

	if err := s.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	out := make([]Rule, len(next))
	copy(out, next)
	return out, nil
}

// List returns a copy of all rules in store order
func (s *OrderedRuleStore) List(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

// ListActive returns active rules in store order, served from the cache
func (s *OrderedRuleStore) ListActive(_ context.Context) ([]Rule, error) {
	if cached := s.cache.Get(); cached != nil {
		return cached, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active {
			active = append(active, r)
		}
	}
	s.cache.Set(active)
	return active, nil
}

// Len returns the number of stored rules
func (s *OrderedRuleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (s *OrderedRuleStore) indexLocked(id string) int {
	for i, r := range s.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// commitLocked persists next and only then swaps it in
func (s *OrderedRuleStore) commitLocked(ctx context.Context, next []Rule) error {
	if err := s.persister.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist rules: %w", err)
	}
	s.rules = next
	s.cache.Invalidate()
	return nil
}

// MemoryPersister keeps the saved collection in memory only
type MemoryPersister struct {
	rules []Rule
	saves int
	mu    sync.Mutex
}

// NewMemoryPersister creates a persister seeded with the given rules
func NewMemoryPersister(seed ...Rule) *MemoryPersister {
	return &MemoryPersister{rules: append([]Rule(nil), seed...)}
}

// Load returns a copy of the last saved collection
func (p *MemoryPersister) Load(_ context.Context) ([]Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Rule(nil), p.rules...), nil
}

// Save replaces the stored collection
func (p *MemoryPersister) Save(_ context.Context, rules []Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append([]Rule(nil), rules...)
	p.saves++
	return nil
}

// Saves reports how many times Save has been called
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
