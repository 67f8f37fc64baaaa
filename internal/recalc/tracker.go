// Package recalc rescores a whole portfolio and reports its progress.
package recalc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ErrAlreadyRunning is returned when a run is requested while another is in progress.
var ErrAlreadyRunning = errors.New("recalculation already running")

// Step labels shown to pollers.
const (
	StepLoading    = "Loading clients"
	StepRescoring  = "Recalculating scores"
	StepCompleted  = "Completed"
	StepCancelled  = "Cancelled"
	StepLoadFailed = "Failed to load clients"
)

// Tracker holds the progress record of the current or last run.
// The job is its only writer; pollers read copies.
type Tracker struct {
	mu     sync.RWMutex
	status domain.RecalcStatus

	// writeMu orders cache write-through with state changes.
	writeMu sync.Mutex
	cache   domain.Cache
	ttl     time.Duration
	every   int
}

// NewTracker creates a Tracker. When cache is non-nil every status change of
// note is mirrored under recalc:status so pollers on other nodes can read it.
// Pass a cache every node reads directly (see cache.Shared); a node-local
// layer in front of it would serve pollers an old record.
func NewTracker(cache domain.Cache, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{
		cache: cache,
		ttl:   ttl,
	}
}

// Status returns a copy of the current record.
// Before any run it is the zero value, which reads as not running.
func (t *Tracker) Status() domain.RecalcStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyStatus(t.status)
}

// Lookup returns the status for a scope. A run in progress on this node wins;
// otherwise the mirrored record is used when it is newer than what this node
// knows, since another node may have run the scope since.
func (t *Tracker) Lookup(ctx context.Context, scope string) domain.RecalcStatus {
	local := t.Status()
	if local.Scope == scope && local.IsRunning {
		return local
	}

	shared, ok := t.readMirror(ctx, scope)
	switch {
	case ok && (local.Scope != scope || startedAfter(shared, local)):
		return shared
	case local.Scope == scope:
		return local
	default:
		return domain.RecalcStatus{Scope: scope}
	}
}

func (t *Tracker) readMirror(ctx context.Context, scope string) (domain.RecalcStatus, bool) {
	if t.cache == nil {
		return domain.RecalcStatus{}, false
	}
	data, err := t.cache.Get(ctx, scope, domain.CacheKeyRecalcStatus)
	if err != nil || data == nil {
		return domain.RecalcStatus{}, false
	}

	var status domain.RecalcStatus
	if err := json.Unmarshal(data, &status); err != nil {
		slog.Warn("ignoring unreadable recalc status", "scope", scope, "error", err)
		return domain.RecalcStatus{}, false
	}
	return status, true
}

func startedAfter(a, b domain.RecalcStatus) bool {
	if a.StartTime == nil {
		return false
	}
	return b.StartTime == nil || a.StartTime.After(*b.StartTime)
}

// begin claims the tracker for a new run.
func (t *Tracker) begin(ctx context.Context, scope string, now time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.status.IsRunning {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	start := now.UTC()
	t.status = domain.RecalcStatus{
		IsRunning:   true,
		CurrentStep: StepLoading,
		StartTime:   &start,
		Scope:       scope,
	}
	snap := copyStatus(t.status)
	t.mu.Unlock()

	t.mirror(ctx, snap)
	return nil
}

// setTotal fixes the client count for the run.
func (t *Tracker) setTotal(ctx context.Context, total int) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	t.status.Total = total
	t.status.CurrentStep = StepRescoring
	t.every = max(1, total/100)
	snap := copyStatus(t.status)
	t.mu.Unlock()

	t.mirror(ctx, snap)
}

// advance records one processed client. Progress never decreases.
func (t *Tracker) advance(ctx context.Context, failed bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.status.Progress < t.status.Total {
		t.status.Progress++
	}
	if failed {
		t.status.Failed++
	}
	snap := copyStatus(t.status)
	every := t.every
	t.mu.Unlock()

	if every > 0 && snap.Progress%every == 0 {
		t.mirror(ctx, snap)
	}
}

// finish marks the run complete with a final step label.
func (t *Tracker) finish(ctx context.Context, step string, now time.Time) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	done := now.UTC()
	t.status.IsRunning = false
	t.status.CurrentStep = step
	t.status.CompletedAt = &done
	snap := copyStatus(t.status)
	t.mu.Unlock()

	t.mirror(ctx, snap)
}

func (t *Tracker) mirror(ctx context.Context, status domain.RecalcStatus) {
	if t.cache == nil || status.Scope == "" {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	// Cancelled runs still publish their final state.
	ctx = context.WithoutCancel(ctx)
	if err := t.cache.Set(ctx, status.Scope, domain.CacheKeyRecalcStatus, data, t.ttl); err != nil {
		slog.Debug("recalc status mirror failed", "scope", status.Scope, "error", err)
	}
}

func copyStatus(s domain.RecalcStatus) domain.RecalcStatus {
	if s.StartTime != nil {
		st := *s.StartTime
		s.StartTime = &st
	}
	if s.CompletedAt != nil {
		ct := *s.CompletedAt
		s.CompletedAt = &ct
	}
	return s
}
