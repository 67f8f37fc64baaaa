package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Relay forwards TopicWeightsUpdated events from the event bus to the Hub.
// With NATS this lets a change saved on one node reach observers on all nodes.
type Relay struct {
	hub *Hub
	bus domain.EventBus

	mu   sync.Mutex
	subs map[string]domain.Subscription
}

// NewRelay creates a Relay.
func NewRelay(hub *Hub, eventBus domain.EventBus) *Relay {
	return &Relay{
		hub:  hub,
		bus:  eventBus,
		subs: make(map[string]domain.Subscription),
	}
}

// Watch starts relaying updates for scope. Watching a scope twice is a no-op.
// The subscription outlives ctx and ends with Close.
func (r *Relay) Watch(ctx context.Context, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[scope]; ok {
		return nil
	}

	sub, err := r.bus.Subscribe(context.WithoutCancel(ctx), scope, domain.TopicWeightsUpdated, r.handle)
	if err != nil {
		return fmt.Errorf("failed to watch weight updates: %w", err)
	}
	r.subs[scope] = sub

	slog.Info("relaying weight updates", "scope", scope)
	return nil
}

func (r *Relay) handle(ctx context.Context, msg *domain.Message) error {
	var w domain.WeightConfiguration
	if err := json.Unmarshal(msg.Payload, &w); err != nil {
		return fmt.Errorf("invalid weight update payload: %w", err)
	}

	n, err := r.hub.Broadcast(msg.Scope, &w)
	if err != nil {
		return err
	}

	slog.Debug("weight update relayed",
		"scope", msg.Scope,
		"message_id", msg.ID,
		"observers", n,
	)
	return nil
}

// Close stops relaying for every scope.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for scope, sub := range r.subs {
		_ = sub.Unsubscribe()
		delete(r.subs, scope)
	}
}
