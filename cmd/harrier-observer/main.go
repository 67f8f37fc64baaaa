// Observer client for Harrier.
//
// Usage:
//
//	go run ./cmd/harrier-observer -url http://localhost:8080 -scope branch-north
//
// This tool:
//  1. Loads the scope's weights and client facts over HTTP
//  2. Subscribes to weight updates over the websocket push channel
//  3. Rescores its local copy on every update and prints the most urgent clients
//
// When the server stays unreachable after the reconnect attempts run out,
// the last known weights remain in effect.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/observer"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	scope := flag.String("scope", "", "Portfolio scope to observe")
	top := flag.Int("top", 10, "Number of clients to print after each update")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *scope == "" {
		fmt.Println("Usage: harrier-observer -scope <scope> [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	seed, err := observer.FetchSeed(fetchCtx, &http.Client{Timeout: 30 * time.Second}, *baseURL, *scope)
	cancel()
	if err != nil {
		slog.Error("failed to load initial state", "url", *baseURL, "scope", *scope, "error", err)
		os.Exit(1)
	}
	slog.Info("initial state loaded", "scope", *scope, "clients", len(seed.Clients))

	replica := observer.NewReplica(seed.Weights, seed.Clients)
	replica.OnUpdate(func(s observer.Snapshot) {
		printRanking(s, *top)
	})
	printRanking(replica.Snapshot(), *top)

	go func() {
		if err := replica.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("replica stopped", "error", err)
		}
	}()

	conn := observer.New(observer.Options{
		URL:    observer.WebSocketURL(*baseURL),
		Header: http.Header{observer.ScopeHeader: []string{*scope}},
	})
	conn.OnMessage(replica.Notify)
	if err := conn.Open(ctx); err != nil {
		slog.Error("failed to open push channel", "error", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		if ctx.Err() == nil {
			slog.Warn("push channel gave up; continuing on last known weights",
				"state", conn.State().String(),
				"dropped_messages", conn.Dropped(),
			)
			<-ctx.Done()
		}
	}

	conn.Close()
	slog.Info("observer stopped")
}

func printRanking(s observer.Snapshot, top int) {
	type row struct {
		id      string
		risk    int
		urgency float64
		tier    string
	}
	rows := make([]row, 0, len(s.Assessments))
	for id, a := range s.Assessments {
		rows = append(rows, row{id: id, risk: a.RiskScore, urgency: a.UrgencyScore, tier: string(a.Tier)})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].urgency != rows[j].urgency {
			return rows[i].urgency > rows[j].urgency
		}
		return rows[i].id < rows[j].id
	})
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}

	fmt.Printf("\n── snapshot v%d  weights updated %s by %q ──\n",
		s.Version, s.Weights.UpdatedAt.Format(time.RFC3339), s.Weights.UpdatedBy)
	fmt.Printf("  %-20s %6s %8s  %s\n", "CLIENT", "RISK", "URGENCY", "TIER")
	for _, r := range rows {
		fmt.Printf("  %-20s %6d %8.1f  %s\n", r.id, r.risk, r.urgency, r.tier)
	}
}
