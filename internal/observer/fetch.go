package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ScopeHeader carries the portfolio scope on every request to the server.
const ScopeHeader = "X-Portfolio-Scope"

// Seed is the state an observer starts from before the first pushed update.
type Seed struct {
	Weights *domain.WeightConfiguration
	Clients []*domain.ClientFacts
}

// FetchSeed loads the scope's current weights and client facts from the
// server's HTTP API. baseURL is e.g. http://localhost:8080.
func FetchSeed(ctx context.Context, hc *http.Client, baseURL, scope string) (*Seed, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")

	var w domain.WeightConfiguration
	if err := getJSON(ctx, hc, baseURL+"/weights", scope, &w); err != nil {
		return nil, fmt.Errorf("failed to fetch weights: %w", err)
	}

	var list struct {
		Clients []struct {
			Client *domain.ClientFacts `json:"client"`
		} `json:"clients"`
	}
	if err := getJSON(ctx, hc, baseURL+"/clients", scope, &list); err != nil {
		return nil, fmt.Errorf("failed to fetch clients: %w", err)
	}

	seed := &Seed{Weights: &w, Clients: make([]*domain.ClientFacts, 0, len(list.Clients))}
	for _, c := range list.Clients {
		if c.Client != nil {
			seed.Clients = append(seed.Clients, c.Client)
		}
	}
	return seed, nil
}

// WebSocketURL derives the push endpoint from an HTTP base URL.
func WebSocketURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

func getJSON(ctx context.Context, hc *http.Client, url, scope string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(ScopeHeader, scope)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
