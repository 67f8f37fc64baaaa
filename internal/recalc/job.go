package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/scoring"
)

var tracer = otel.Tracer("harrier-recalc")

// WeightSource resolves the active weight configuration of a scope.
// Load must read the authoritative copy, not a node-local cache, so every
// node rescoring after a change uses the weights that were saved.
type WeightSource interface {
	Load(ctx context.Context, scope string) (*domain.WeightConfiguration, error)
}

// Job recomputes and persists the scores of every client in a scope.
// One run at a time per Job; the Tracker enforces it.
type Job struct {
	repo    domain.Repository
	weights WeightSource
	bus     domain.EventBus
	tracker *Tracker
	workers int
	now     func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished []func(*domain.RecalcReport)
}

// NewJob creates a Job. eventBus may be nil.
func NewJob(repo domain.Repository, weights WeightSource, eventBus domain.EventBus, tracker *Tracker, cfg domain.RecalcConfig) *Job {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Job{
		repo:    repo,
		weights: weights,
		bus:     eventBus,
		tracker: tracker,
		workers: workers,
		now:     time.Now,
	}
}

// Tracker returns the progress tracker of this job.
func (j *Job) Tracker() *Tracker {
	return j.tracker
}

// Run performs a full recalculation of scope and blocks until it ends.
// Cancelling ctx stops the run between clients; the partial report is returned.
func (j *Job) Run(ctx context.Context, scope string) (*domain.RecalcReport, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	runCtx, cancel, err := j.claim(ctx, ctx, scope)
	if err != nil {
		return nil, err
	}
	defer cancel()

	return j.execute(runCtx, scope)
}

// Start launches a recalculation in the background and returns once the run
// is claimed. The run outlives ctx; use Cancel to stop it.
func (j *Job) Start(ctx context.Context, scope string) error {
	if scope == "" {
		return fmt.Errorf("scope is required")
	}
	runCtx, cancel, err := j.claim(ctx, context.WithoutCancel(ctx), scope)
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		if _, err := j.execute(runCtx, scope); err != nil {
			slog.Error("recalculation failed", "scope", scope, "error", err)
		}
	}()
	return nil
}

// Cancel asks the active run to stop. Reports whether a run was active.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil || !j.tracker.Status().IsRunning {
		return false
	}
	j.cancel()
	return true
}

// OnFinish registers fn to run after every run ends, whatever its scope or
// outcome. fn runs on the job's goroutine once the tracker is free again.
func (j *Job) OnFinish(fn func(*domain.RecalcReport)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, fn)
}

// claim takes the tracker and installs the run's cancel func under one lock.
func (j *Job) claim(ctx, parent context.Context, scope string) (context.Context, context.CancelFunc, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.tracker.begin(ctx, scope, j.now()); err != nil {
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(parent)
	j.cancel = cancel
	return runCtx, cancel, nil
}

func (j *Job) execute(ctx context.Context, scope string) (*domain.RecalcReport, error) {
	ctx, span := tracer.Start(ctx, "recalc.run")
	defer span.End()
	span.SetAttributes(attribute.String("harrier.scope", scope))

	Running.Set(1)

	// One instant per run so every client sees the same day count.
	now := j.now()
	report := &domain.RecalcReport{
		ID:        uuid.New().String(),
		Scope:     scope,
		StartedAt: now.UTC(),
	}

	weights, err := j.weights.Load(ctx, scope)
	if err != nil {
		j.abort(ctx, report, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "weights unavailable")
		return report, fmt.Errorf("failed to resolve weights: %w", err)
	}

	clients, err := j.repo.ListClients(ctx, scope)
	if err != nil {
		j.abort(ctx, report, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "client listing failed")
		return report, fmt.Errorf("failed to list clients: %w", err)
	}

	report.Total = len(clients)
	j.tracker.setTotal(ctx, report.Total)
	span.SetAttributes(attribute.Int("harrier.clients", report.Total))

	slog.Info("recalculation started",
		"run_id", report.ID,
		"scope", scope,
		"total", report.Total,
		"workers", j.workers,
	)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(j.workers)

	for _, c := range clients {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		g.Go(func() error {
			a, err := j.rescore(ctx, scope, c, weights, now)

			mu.Lock()
			report.Processed++
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, domain.RecalcError{
					ClientID: clientID(c),
					Error:    err.Error(),
				})
			} else {
				report.Succeeded++
				if a.Breakdown.FallbackApplied {
					report.Fallbacks++
				}
			}
			j.tracker.advance(ctx, err != nil)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil && report.Processed < report.Total {
		report.Cancelled = true
	}

	j.complete(ctx, report)

	span.SetAttributes(
		attribute.Int("harrier.failed", report.Failed),
		attribute.Bool("harrier.cancelled", report.Cancelled),
	)
	return report, nil
}

// rescore assesses and persists one client. Panics become errors so one bad
// record never takes the run down.
func (j *Job) rescore(ctx context.Context, scope string, c *domain.ClientFacts, w *domain.WeightConfiguration, now time.Time) (a *domain.Assessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = fmt.Errorf("panic while scoring: %v", r)
		}
	}()

	if c == nil || c.ID == "" {
		return nil, fmt.Errorf("client record has no id")
	}

	a = scoring.Assess(c, w, now)
	if err := j.repo.SaveClientScores(ctx, scope, a); err != nil {
		return nil, fmt.Errorf("failed to save scores: %w", err)
	}
	return a, nil
}

func (j *Job) abort(ctx context.Context, report *domain.RecalcReport, cause error) {
	Running.Set(0)
	report.CompletedAt = j.now().UTC()
	report.DurationMs = report.CompletedAt.Sub(report.StartedAt).Milliseconds()
	RunsTotal.WithLabelValues("error").Inc()
	ctx = context.WithoutCancel(ctx)
	j.tracker.finish(ctx, StepLoadFailed, report.CompletedAt)
	report.Errors = append(report.Errors, domain.RecalcError{Error: cause.Error()})
	slog.Error("recalculation aborted", "run_id", report.ID, "scope", report.Scope, "error", cause)
	j.announce(ctx, report)
	j.notifyFinished(report)
}

func (j *Job) complete(ctx context.Context, report *domain.RecalcReport) {
	// The run may have been cancelled; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	Running.Set(0)

	report.CompletedAt = j.now().UTC()
	elapsed := report.CompletedAt.Sub(report.StartedAt)
	report.DurationMs = elapsed.Milliseconds()

	step, result := StepCompleted, "completed"
	if report.Cancelled {
		step, result = StepCancelled, "cancelled"
	}
	j.tracker.finish(ctx, step, report.CompletedAt)

	ClientsProcessed.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	ClientsProcessed.WithLabelValues("failed").Add(float64(report.Failed))
	RunDuration.Observe(elapsed.Seconds())
	RunsTotal.WithLabelValues(result).Inc()

	if report.Fallbacks > 0 {
		WeightFallbacks.Add(float64(report.Fallbacks))
		slog.Warn("urgency weights fell back to defaults",
			"run_id", report.ID,
			"scope", report.Scope,
			"clients", report.Fallbacks,
		)
	}

	slog.Info("recalculation finished",
		"run_id", report.ID,
		"scope", report.Scope,
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"duration_ms", report.DurationMs,
	)

	j.announce(ctx, report)
	j.notifyFinished(report)
}

func (j *Job) notifyFinished(report *domain.RecalcReport) {
	j.mu.Lock()
	hooks := append(([]func(*domain.RecalcReport))(nil), j.finished...)
	j.mu.Unlock()

	for _, fn := range hooks {
		fn(report)
	}
}

// announce publishes the final report, including for aborted runs.
func (j *Job) announce(ctx context.Context, report *domain.RecalcReport) {
	if j.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, j.bus, report.Scope, domain.TopicRecalcCompleted, report); err != nil {
		slog.Warn("failed to publish recalculation report", "run_id", report.ID, "error", err)
	}
}

func clientID(c *domain.ClientFacts) string {
	if c == nil {
		return ""
	}
	return c.ID
}
