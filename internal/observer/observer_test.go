package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/push"
	"github.com/opensource-finance/harrier/internal/recalc"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/weights"
)

var fixedNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recordSleeps replaces the backoff sleep and records every requested delay.
type recordSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
	stopAt int
}

func (r *recordSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	if r.stopAt > 0 && len(r.delays) >= r.stopAt {
		return context.Canceled
	}
	return nil
}

func (r *recordSleeps) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for connection loop, state %s", c.State())
	}
}

func TestConnBackoffSchedule(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	rec := &recordSleeps{}
	c := New(Options{URL: url})
	c.sleep = rec.sleep

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitDone(t, c)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected %d backoff delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if c.State() != StateFailed {
		t.Errorf("expected state failed, got %s", c.State())
	}

	t.Run("OpenRestartsCounter", func(t *testing.T) {
		rec2 := &recordSleeps{}
		c.sleep = rec2.sleep
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		waitDone(t, c)
		if n := len(rec2.recorded()); n != 5 {
			t.Errorf("expected a fresh run of 5 attempts, got %d", n)
		}
	})
}

func TestConnResetsAttemptsAfterConnect(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	rec := &recordSleeps{stopAt: 3}
	c := New(Options{URL: wsURL(srv)})
	c.sleep = rec.sleep

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitDone(t, c)

	for i, d := range rec.recorded() {
		if d != time.Second {
			t.Errorf("delay %d: expected 1s after a successful connect, got %v", i, d)
		}
	}
	if accepted.Load() != 3 {
		t.Errorf("expected 3 connections, got %d", accepted.Load())
	}
	if c.State() != StateClosed {
		t.Errorf("expected state closed, got %s", c.State())
	}
}

func TestConnDropsMalformedMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"weight_update","data":{"urgencyRisk":80}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"weight_update","data":"oops"}`))
		conn.WriteJSON(domain.NewWeightUpdateMessage(domain.DefaultWeights()))
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	got := make(chan *domain.WeightConfiguration, 4)
	c := New(Options{URL: wsURL(srv)})
	c.OnMessage(func(w *domain.WeightConfiguration) { got <- w })

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	select {
	case w := <-got:
		if w.UrgencyRisk != 40 {
			t.Errorf("expected default UrgencyRisk 40, got %.0f", w.UrgencyRisk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for valid update")
	}

	if c.Dropped() != 3 {
		t.Errorf("expected 3 dropped messages, got %d", c.Dropped())
	}
	if c.State() != StateConnected {
		t.Errorf("expected connection to stay up, got %s", c.State())
	}
	select {
	case extra := <-got:
		t.Errorf("unexpected extra update: %+v", extra)
	default:
	}
}

func TestConnOpenTwice(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(Options{URL: wsURL(srv)})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Open(context.Background()); err != ErrAlreadyOpen {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected state closed, got %s", c.State())
	}
}

func TestDecodeUpdate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{"Valid", `{"type":"weight_update","data":` + fullWeightsJSON + `}`, false, false},
		{"OtherType", `{"type":"recalc_progress","data":{}}`, true, false},
		{"NotJSON", `<<<`, true, true},
		{"Partial", `{"type":"weight_update","data":{"riskLateDays":25}}`, true, true},
		{"NullField", `{"type":"weight_update","data":` + strings.Replace(fullWeightsJSON, `"urgencyRisk":40`, `"urgencyRisk":null`, 1) + `}`, true, true},
		{"WrongType", `{"type":"weight_update","data":` + strings.Replace(fullWeightsJSON, `"urgencyRisk":40`, `"urgencyRisk":"40"`, 1) + `}`, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := DecodeUpdate([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (w == nil) != tt.wantNil {
				t.Errorf("weights = %+v, wantNil %v", w, tt.wantNil)
			}
		})
	}
}

const fullWeightsJSON = `{"riskLateDays":25,"riskOutstandingAtRisk":20,"riskParPerLoan":20,` +
	`"riskReschedules":15,"riskPaymentConsistency":10,"riskDelayedInstalments":10,` +
	`"urgencyRisk":40,"urgencyDaysSinceInteraction":30,"urgencyFeedback":30,` +
	`"feedbackPaymentWillingness":30,"feedbackFinancialSituation":25,"feedbackCommunication":15,` +
	`"feedbackCooperation":15,"feedbackBusinessOutlook":15}`

func sampleClients() []*domain.ClientFacts {
	visit := fixedNow.AddDate(0, 0, -35)
	call := fixedNow.AddDate(0, 0, -12)
	return []*domain.ClientFacts{
		{ID: "c-1", LateDays: 5, Outstanding: 8000, OutstandingAtRisk: 400, ParPerLoan: 0.05, PaidInstalments: 48, LastVisitDate: &visit, FeedbackScore: 4},
		{ID: "c-2", LateDays: 40, Outstanding: 12000, OutstandingAtRisk: 6000, ParPerLoan: 0.5, CountReschedule: 2, PaidInstalments: 20, TotalDelayedInstalments: 9, LastPhoneCallDate: &call, FeedbackScore: 2},
		{ID: "c-3", LateDays: 95, Outstanding: 15000, OutstandingAtRisk: 15000, ParPerLoan: 1, CountReschedule: 6, PaidInstalments: 2, TotalDelayedInstalments: 25, FeedbackScore: 1},
		{ID: "c-4", Outstanding: 3000},
	}
}

func TestReplicaApply(t *testing.T) {
	clients := sampleClients()
	r := NewReplica(nil, nil)
	r.now = func() time.Time { return fixedNow }
	r.SetClients(clients)

	w := domain.DefaultWeights()
	w.UrgencyRisk, w.UrgencyDaysSinceInteraction, w.UrgencyFeedback = 10, 80, 10

	snap := r.Apply(w)
	if snap.Weights.UrgencyDaysSinceInteraction != 80 {
		t.Errorf("expected applied weights in snapshot, got %+v", snap.Weights)
	}
	for _, c := range clients {
		want := scoring.Assess(c, w, fixedNow)
		got, ok := r.Assessment(c.ID)
		if !ok {
			t.Fatalf("%s: missing assessment", c.ID)
		}
		if got.RiskScore != want.RiskScore || got.UrgencyScore != want.UrgencyScore || got.Tier != want.Tier {
			t.Errorf("%s: replica %d/%.1f/%s, canonical %d/%.1f/%s", c.ID,
				got.RiskScore, got.UrgencyScore, got.Tier, want.RiskScore, want.UrgencyScore, want.Tier)
		}
	}

	t.Run("ApplyCopiesWeights", func(t *testing.T) {
		w.UrgencyRisk = 99
		if r.Weights().UrgencyRisk != 10 {
			t.Error("mutating the caller's weights changed the replica")
		}
	})
}

func TestReplicaLatestWins(t *testing.T) {
	r := NewReplica(nil, sampleClients())
	r.now = func() time.Time { return fixedNow }

	var updates atomic.Int32
	r.OnUpdate(func(Snapshot) { updates.Add(1) })

	for _, risk := range []float64{10, 20, 30} {
		w := domain.DefaultWeights()
		w.UrgencyRisk = risk
		r.Notify(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Weights().UrgencyRisk != 30 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: replica on UrgencyRisk %.0f", r.Weights().UrgencyRisk)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if n := updates.Load(); n != 1 {
		t.Errorf("expected superseded updates to be skipped, got %d recomputes", n)
	}
}

func TestReplicaMatchesBatchJob(t *testing.T) {
	ctx := context.Background()
	scope := "branch-001"
	repo := repository.NewMemoryRepository()

	clients := sampleClients()
	for _, c := range clients {
		if err := repo.SaveClient(ctx, scope, c); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}
	}

	w := domain.DefaultWeights()
	w.RiskLateDays, w.RiskOutstandingAtRisk = 40, 5
	w.UrgencyRisk, w.UrgencyDaysSinceInteraction, w.UrgencyFeedback = 50, 25, 25

	store := weights.NewStore(repo, nil, nil, time.Minute)
	if err := store.Save(ctx, scope, w, "admin"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	job := recalc.NewJob(repo, store, nil, recalc.NewTracker(nil, 0), domain.RecalcConfig{Workers: 2})
	if _, err := job.Run(ctx, scope); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	first, err := repo.GetClientScores(ctx, scope, clients[0].ID)
	if err != nil {
		t.Fatalf("GetClientScores failed: %v", err)
	}

	r := NewReplica(nil, nil)
	r.now = func() time.Time { return first.ComputedAt }
	r.SetClients(clients)
	r.Apply(w)

	for _, c := range clients {
		persisted, err := repo.GetClientScores(ctx, scope, c.ID)
		if err != nil {
			t.Fatalf("GetClientScores(%s) failed: %v", c.ID, err)
		}
		local, _ := r.Assessment(c.ID)
		if local.RiskScore != persisted.RiskScore || local.UrgencyScore != persisted.UrgencyScore || local.Tier != persisted.Tier {
			t.Errorf("%s: replica %d/%.1f/%s, batch %d/%.1f/%s", c.ID,
				local.RiskScore, local.UrgencyScore, local.Tier,
				persisted.RiskScore, persisted.UrgencyScore, persisted.Tier)
		}
	}
}

// A weight change pushed while the observer is running must leave the
// displayed tiers equal to a fresh canonical calculation.
func TestPushedUpdateRescoresReplica(t *testing.T) {
	hub := push.NewHub(domain.PushConfig{})
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.Header.Get("X-Portfolio-Scope"))
	}))
	defer srv.Close()

	clients := sampleClients()
	r := NewReplica(nil, clients)
	r.now = func() time.Time { return fixedNow }
	r.SetClients(clients)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c := New(Options{
		URL:    wsURL(srv),
		Header: http.Header{"X-Portfolio-Scope": []string{"branch-001"}},
	})
	c.OnMessage(r.Handle)
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count("branch-001") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := domain.DefaultWeights()
	w.UrgencyRisk, w.UrgencyDaysSinceInteraction, w.UrgencyFeedback = 90, 5, 5
	if _, err := hub.Broadcast("branch-001", w); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for r.Weights().UrgencyRisk != 90 {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatal("replica never applied the pushed weights")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, cl := range clients {
		want := scoring.Assess(cl, w, fixedNow)
		got, _ := r.Assessment(cl.ID)
		if got.Tier != want.Tier || got.UrgencyScore != want.UrgencyScore {
			t.Errorf("%s: displayed %s/%.1f, canonical %s/%.1f", cl.ID, got.Tier, got.UrgencyScore, want.Tier, want.UrgencyScore)
		}
	}
}
