// Package worker triggers recalculations from event bus messages.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/recalc"
)

// Recalculator starts a background recalculation for a scope and reports
// every run that ends, whatever started it.
type Recalculator interface {
	Start(ctx context.Context, scope string) error
	OnFinish(fn func(*domain.RecalcReport))
}

// Worker listens for weight changes and starts a recalculation for the
// affected scope. A change that arrives while a run is in progress is
// remembered and run once the current run ends, including runs started
// outside the worker.
type Worker struct {
	bus domain.EventBus
	job Recalculator

	mu            sync.Mutex
	subscriptions map[string][]domain.Subscription
	pending       map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new worker.
func NewWorker(bus domain.EventBus, job Recalculator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:           bus,
		job:           job,
		subscriptions: make(map[string][]domain.Subscription),
		pending:       make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	job.OnFinish(w.handleRunFinished)
	return w
}

// Start subscribes to the given scopes.
func (w *Worker) Start(scopes []string) error {
	for _, scope := range scopes {
		if err := w.Watch(scope); err != nil {
			slog.Error("failed to start worker for scope",
				"scope", scope,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"scope_count", len(scopes),
	)
	return nil
}

// Watch subscribes to weight changes of one scope.
// Watching a scope twice is a no-op.
func (w *Worker) Watch(scope string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subscriptions[scope]; ok {
		return nil
	}

	updated, err := w.bus.Subscribe(w.ctx, scope, domain.TopicWeightsUpdated, w.handleWeightsUpdated)
	if err != nil {
		return err
	}
	w.subscriptions[scope] = []domain.Subscription{updated}

	slog.Info("scope worker started",
		"scope", scope,
		"topic", domain.TopicWeightsUpdated,
	)
	return nil
}

func (w *Worker) handleWeightsUpdated(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.job.Start(ctx, msg.Scope)
	if errors.Is(err, recalc.ErrAlreadyRunning) {
		w.pending[msg.Scope] = true
		slog.Info("recalculation queued behind running job",
			"scope", msg.Scope,
			"message_id", msg.ID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	delete(w.pending, msg.Scope)
	slog.Info("recalculation triggered by weight change",
		"scope", msg.Scope,
		"message_id", msg.ID,
	)
	return nil
}

// handleRunFinished starts the next queued scope, if any.
func (w *Worker) handleRunFinished(report *domain.RecalcReport) {
	if w.ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	scopes := make([]string, 0, len(w.pending))
	for scope := range w.pending {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	for _, scope := range scopes {
		err := w.job.Start(w.ctx, scope)
		if errors.Is(err, recalc.ErrAlreadyRunning) {
			return
		}
		delete(w.pending, scope)
		if err != nil {
			slog.Error("queued recalculation failed to start", "scope", scope, "error", err)
			continue
		}
		slog.Info("queued recalculation started",
			"scope", scope,
			"after_run", report.ID,
		)
		return
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, subs := range w.subscriptions {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				slog.Error("failed to unsubscribe",
					"topic", sub.Topic(),
					"error", err,
				)
			}
		}
	}
	w.subscriptions = make(map[string][]domain.Subscription)

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Scopes            []string `json:"scopes"`
	Pending           []string `json:"pending"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{Scopes: []string{}, Pending: []string{}}
	for scope, subs := range w.subscriptions {
		stats.SubscriptionCount += len(subs)
		stats.Scopes = append(stats.Scopes, scope)
	}
	for scope := range w.pending {
		stats.Pending = append(stats.Pending, scope)
	}
	sort.Strings(stats.Scopes)
	sort.Strings(stats.Pending)
	return stats
}
