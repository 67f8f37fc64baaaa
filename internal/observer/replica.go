package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// Snapshot is one consistent view of the replica: the weights in effect and
// the assessments computed from them.
type Snapshot struct {
	Version     uint64                        `json:"version"`
	Weights     domain.WeightConfiguration    `json:"weights"`
	Assessments map[string]*domain.Assessment `json:"assessments"`
	ComputedAt  time.Time                     `json:"computedAt"`
}

// Replica rescores a locally cached client set with the same scoring package
// the batch job uses, so its results match what the server will persist.
type Replica struct {
	// computeMu keeps snapshots in the order their weights were applied.
	computeMu sync.Mutex

	mu       sync.RWMutex
	weights  *domain.WeightConfiguration
	clients  []*domain.ClientFacts
	snapshot Snapshot
	onUpdate func(Snapshot)

	// mailbox holds at most the newest unapplied configuration.
	mailbox chan *domain.WeightConfiguration
	now     func() time.Time
}

// NewReplica creates a replica. Nil weights start from DefaultWeights.
func NewReplica(weights *domain.WeightConfiguration, clients []*domain.ClientFacts) *Replica {
	if weights == nil {
		weights = domain.DefaultWeights()
	}
	r := &Replica{
		weights: weights,
		clients: clients,
		mailbox: make(chan *domain.WeightConfiguration, 1),
		now:     time.Now,
	}
	r.recompute()
	return r
}

// OnUpdate registers a callback invoked after every recompute.
func (r *Replica) OnUpdate(fn func(Snapshot)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// SetClients replaces the cached client set and rescores it with the current weights.
func (r *Replica) SetClients(clients []*domain.ClientFacts) Snapshot {
	r.mu.Lock()
	r.clients = clients
	r.mu.Unlock()
	return r.recompute()
}

// Apply switches to w and rescores every cached client before returning.
func (r *Replica) Apply(w *domain.WeightConfiguration) Snapshot {
	if w == nil {
		return r.Snapshot()
	}
	cp := *w
	r.mu.Lock()
	r.weights = &cp
	r.mu.Unlock()
	return r.recompute()
}

// Notify queues w for Run. Only the newest queued configuration survives:
// each update carries the full weights, so older ones are obsolete.
func (r *Replica) Notify(w *domain.WeightConfiguration) {
	if w == nil {
		return
	}
	for {
		select {
		case r.mailbox <- w:
			return
		default:
		}
		select {
		case <-r.mailbox:
		default:
		}
	}
}

// Handle is the Conn message handler.
func (r *Replica) Handle(w *domain.WeightConfiguration) {
	r.Notify(w)
}

// Run applies queued configurations until ctx ends.
func (r *Replica) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-r.mailbox:
			snap := r.Apply(w)
			slog.Debug("replica rescored",
				"version", snap.Version,
				"clients", len(snap.Assessments),
			)
		}
	}
}

// Snapshot returns the current view.
func (r *Replica) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Weights returns the configuration currently in effect.
func (r *Replica) Weights() domain.WeightConfiguration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.weights
}

// Assessment returns the current assessment of one cached client.
func (r *Replica) Assessment(clientID string) (*domain.Assessment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.snapshot.Assessments[clientID]
	return a, ok
}

func (r *Replica) recompute() Snapshot {
	r.computeMu.Lock()
	defer r.computeMu.Unlock()

	r.mu.RLock()
	weights := *r.weights
	clients := r.clients
	r.mu.RUnlock()

	now := r.now()
	assessments := make(map[string]*domain.Assessment, len(clients))
	for _, a := range scoring.AssessAll(clients, &weights, now) {
		assessments[a.ClientID] = a
	}

	r.mu.Lock()
	snap := Snapshot{
		Version:     r.snapshot.Version + 1,
		Weights:     weights,
		Assessments: assessments,
		ComputedAt:  now.UTC(),
	}
	r.snapshot = snap
	onUpdate := r.onUpdate
	r.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap)
	}
	return snap
}
