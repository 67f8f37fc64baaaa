package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MemoryRepository implements domain.Repository in process memory.
// Used by tests and by the "memory" driver for local demos.
type MemoryRepository struct {
	mu      sync.RWMutex
	clients map[string]map[string]domain.ClientFacts
	scores  map[string]map[string]domain.Assessment
	weights map[string]domain.WeightConfiguration
	closed  bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients: make(map[string]map[string]domain.ClientFacts),
		scores:  make(map[string]map[string]domain.Assessment),
		weights: make(map[string]domain.WeightConfiguration),
	}
}

func (m *MemoryRepository) ListClients(ctx context.Context, scope string) ([]*domain.ClientFacts, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clients[scope]))
	for id := range m.clients[scope] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	clients := make([]*domain.ClientFacts, 0, len(ids))
	for _, id := range ids {
		c := m.clients[scope][id]
		clients = append(clients, &c)
	}
	return clients, nil
}

func (m *MemoryRepository) GetClient(ctx context.Context, scope string, clientID string) (*domain.ClientFacts, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[scope][clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) SaveClient(ctx context.Context, scope string, c *domain.ClientFacts) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	stored := *c
	stored.Scope = scope
	if stored.Feedback != nil {
		fb := *stored.Feedback
		stored.Feedback = &fb
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clients[scope] == nil {
		m.clients[scope] = make(map[string]domain.ClientFacts)
	}
	m.clients[scope][c.ID] = stored
	return nil
}

func (m *MemoryRepository) SaveClientScores(ctx context.Context, scope string, a *domain.Assessment) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if a == nil || a.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scores[scope] == nil {
		m.scores[scope] = make(map[string]domain.Assessment)
	}
	stored := *a
	stored.Diagnostics = append([]string(nil), a.Diagnostics...)
	m.scores[scope][a.ClientID] = stored
	return nil
}

func (m *MemoryRepository) GetClientScores(ctx context.Context, scope string, clientID string) (*domain.Assessment, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.scores[scope][clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) GetWeightConfiguration(ctx context.Context, scope string) (*domain.WeightConfiguration, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.weights[scope]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *MemoryRepository) SaveWeightConfiguration(ctx context.Context, scope string, w *domain.WeightConfiguration) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if w == nil {
		return fmt.Errorf("%w: weight configuration is required", ErrInvalidInput)
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.weights[scope] = *w
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("repository closed")
	}
	return nil
}

func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
