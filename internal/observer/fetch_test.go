package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestFetchSeed(t *testing.T) {
	var scopes []string
	mux := http.NewServeMux()
	mux.HandleFunc("/weights", func(w http.ResponseWriter, r *http.Request) {
		scopes = append(scopes, r.Header.Get(ScopeHeader))
		cfg := domain.DefaultWeights()
		cfg.UrgencyRisk = 70
		json.NewEncoder(w).Encode(cfg)
	})
	mux.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		scopes = append(scopes, r.Header.Get(ScopeHeader))
		w.Write([]byte(`{"clients":[{"client":{"id":"c-1","lateDays":10}},{"client":{"id":"c-2"},"assessment":{"riskScore":5}}],"count":2}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	t.Run("LoadsWeightsAndClients", func(t *testing.T) {
		scopes = nil
		seed, err := FetchSeed(context.Background(), ts.Client(), ts.URL+"/", "branch-001")
		if err != nil {
			t.Fatalf("FetchSeed failed: %v", err)
		}
		if seed.Weights.UrgencyRisk != 70 {
			t.Errorf("expected urgencyRisk 70, got %v", seed.Weights.UrgencyRisk)
		}
		if len(seed.Clients) != 2 || seed.Clients[0].ID != "c-1" || seed.Clients[0].LateDays != 10 {
			t.Errorf("unexpected clients: %+v", seed.Clients)
		}
		for _, s := range scopes {
			if s != "branch-001" {
				t.Errorf("expected scope header on every request, got %q", s)
			}
		}
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer bad.Close()

		if _, err := FetchSeed(context.Background(), nil, bad.URL, "branch-001"); err == nil {
			t.Error("expected error for non-200 response")
		}
	})
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://harrier.example.org/", "wss://harrier.example.org/ws"},
		{"ws://already:1", "ws://already:1/ws"},
	}
	for _, tt := range tests {
		if got := WebSocketURL(tt.in); got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
