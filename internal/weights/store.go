// Package weights resolves and persists per-scope weight configurations.
package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
)

// Store reads weights through the cache and writes them through to storage,
// cache and event bus.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
	ttl   time.Duration
	now   func() time.Time

	mu   sync.Mutex
	subs map[string]domain.Subscription
}

// NewStore creates a Store. cache and bus may be nil.
func NewStore(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		repo:  repo,
		cache: cache,
		bus:   eventBus,
		ttl:   ttl,
		now:   time.Now,
		subs:  make(map[string]domain.Subscription),
	}
}

// Get returns the active configuration of a scope.
// A scope that never saved weights runs on DefaultWeights.
func (s *Store) Get(ctx context.Context, scope string) (*domain.WeightConfiguration, error) {
	if s.cache != nil {
		w, err := s.cache.GetWeights(ctx, scope)
		if err != nil {
			slog.Warn("weights cache read failed", "scope", scope, "error", err)
		} else if w != nil {
			return w, nil
		}
	}

	return s.Load(ctx, scope)
}

// Load reads the configuration from the repository, skipping the cache, and
// refreshes the cache with it. Batch recalculations use Load so a node never
// rescores with a copy cached before another node's change.
func (s *Store) Load(ctx context.Context, scope string) (*domain.WeightConfiguration, error) {
	w, err := s.repo.GetWeightConfiguration(ctx, scope)
	if errors.Is(err, repository.ErrNotFound) {
		w = domain.DefaultWeights()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetWeights(ctx, scope, w, s.ttl); err != nil {
			slog.Warn("weights cache write failed", "scope", scope, "error", err)
		}
	}
	return w, nil
}

// Watch drops the cached configuration of scope whenever a change to it is
// announced, so reads on this node see changes saved on any node.
// The subscription outlives ctx and ends with Close.
func (s *Store) Watch(ctx context.Context, scope string) error {
	if s.bus == nil || s.cache == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[scope]; ok {
		return nil
	}

	sub, err := s.bus.Subscribe(context.WithoutCancel(ctx), scope, domain.TopicWeightsUpdated, s.handleUpdated)
	if err != nil {
		return fmt.Errorf("failed to watch weights of %s: %w", scope, err)
	}
	s.subs[scope] = sub
	return nil
}

func (s *Store) handleUpdated(ctx context.Context, msg *domain.Message) error {
	announced, err := domain.DecodeWeights(msg.Payload)
	if err != nil {
		slog.Warn("ignoring unreadable weight announcement", "scope", msg.Scope, "error", err)
		return nil
	}

	cached, err := s.cache.GetWeights(ctx, msg.Scope)
	if err == nil && cached != nil && cached.UpdatedAt.Equal(announced.UpdatedAt) {
		return nil
	}
	if err := s.cache.Delete(ctx, msg.Scope, domain.CacheKeyWeights); err != nil {
		slog.Warn("failed to drop cached weights", "scope", msg.Scope, "error", err)
	}
	return nil
}

// Close ends every Watch subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, sub := range s.subs {
		_ = sub.Unsubscribe()
		delete(s.subs, scope)
	}
}

// Save persists a full configuration and announces it on TopicWeightsUpdated.
// The configuration is stored before anyone is told about it.
func (s *Store) Save(ctx context.Context, scope string, w *domain.WeightConfiguration, updatedBy string) error {
	if w == nil {
		return fmt.Errorf("%w: weight configuration is required", repository.ErrInvalidInput)
	}

	w.UpdatedAt = s.now().UTC()
	w.UpdatedBy = updatedBy

	if err := s.repo.SaveWeightConfiguration(ctx, scope, w); err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetWeights(ctx, scope, w, s.ttl); err != nil {
			// Stale reads are bounded by the TTL
			slog.Warn("weights cache write failed", "scope", scope, "error", err)
		}
	}

	if s.bus != nil {
		if err := bus.PublishJSON(ctx, s.bus, scope, domain.TopicWeightsUpdated, w); err != nil {
			slog.Error("failed to announce weight change", "scope", scope, "error", err)
		}
	}

	slog.Info("weights updated",
		"scope", scope,
		"updated_by", updatedBy,
		"urgency_risk", w.UrgencyRisk,
		"urgency_days_since_interaction", w.UrgencyDaysSinceInteraction,
		"urgency_feedback", w.UrgencyFeedback,
	)
	return nil
}
