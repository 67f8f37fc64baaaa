package repository

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opensource-finance/harrier/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	runRepositorySuite(t, repo)
}

func TestSQLiteInMemory(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{
		Driver:       "sqlite",
		SQLitePath:   SQLiteInMemory,
		MaxOpenConns: 8,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	sqlRepo := repo.(*SQLRepository)
	if got := sqlRepo.db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected a single connection for :memory:, got %d", got)
	}

	// Tables created by the migration must be visible to later queries.
	runRepositorySuite(t, repo)
}

func TestSQLiteDSN(t *testing.T) {
	if dsn := sqliteDSN(SQLiteInMemory); strings.Contains(dsn, "journal_mode") {
		t.Errorf("in-memory DSN should not request WAL: %s", dsn)
	}
	dsn := sqliteDSN("/var/lib/harrier/harrier.db")
	for _, want := range []string{"file:/var/lib/harrier/harrier.db?", "journal_mode(WAL)", "busy_timeout(5000)"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "Defaults",
			cfg:  domain.RepositoryConfig{},
			want: "host=localhost port=5432 dbname=harrier sslmode=disable application_name=harrier",
		},
		{
			name: "Explicit",
			cfg: domain.RepositoryConfig{
				PostgresHost:     "db.internal",
				PostgresPort:     6543,
				PostgresUser:     "scorer",
				PostgresPassword: "s3cret",
				PostgresDB:       "portfolio",
				PostgresSSLMode:  "require",
			},
			want: "host=db.internal port=6543 user=scorer password=s3cret dbname=portfolio sslmode=require application_name=harrier",
		},
		{
			name: "QuotedPassword",
			cfg: domain.RepositoryConfig{
				PostgresUser:     "scorer",
				PostgresPassword: `it's a pass\word`,
			},
			want: `host=localhost port=5432 user=scorer password='it\'s a pass\\word' dbname=harrier sslmode=disable application_name=harrier`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestMemoryRepository(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	runRepositorySuite(t, repo)
}

func runRepositorySuite(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	scope := "branch-001"
	visit := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetClient", func(t *testing.T) {
		c := &domain.ClientFacts{
			ID:                      "client-001",
			Name:                    "Amina Traore",
			LateDays:                45,
			Outstanding:             12000,
			OutstandingAtRisk:       5000,
			ParPerLoan:              0.5,
			CountReschedule:         2,
			PaidInstalments:         40,
			TotalDelayedInstalments: 8,
			LastVisitDate:           &visit,
			FeedbackScore:           2,
			Feedback: &domain.FeedbackRatings{
				PaymentWillingness: 2,
				Communication:      4,
			},
		}

		if err := repo.SaveClient(ctx, scope, c); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}

		got, err := repo.GetClient(ctx, scope, c.ID)
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}

		if got.Scope != scope {
			t.Errorf("expected scope %s, got %s", scope, got.Scope)
		}
		if got.OutstandingAtRisk != 5000 {
			t.Errorf("expected OutstandingAtRisk 5000, got %.2f", got.OutstandingAtRisk)
		}
		if got.LastVisitDate == nil || !got.LastVisitDate.Equal(visit) {
			t.Errorf("expected LastVisitDate %v, got %v", visit, got.LastVisitDate)
		}
		if got.LastPhoneCallDate != nil {
			t.Errorf("expected nil LastPhoneCallDate, got %v", got.LastPhoneCallDate)
		}
		if got.Feedback == nil || got.Feedback.PaymentWillingness != 2 || got.Feedback.Communication != 4 {
			t.Errorf("unexpected feedback ratings: %+v", got.Feedback)
		}
	})

	t.Run("SaveClientUpserts", func(t *testing.T) {
		c := &domain.ClientFacts{ID: "client-001", LateDays: 60, Outstanding: 12000}
		if err := repo.SaveClient(ctx, scope, c); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}

		got, err := repo.GetClient(ctx, scope, c.ID)
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		if got.LateDays != 60 {
			t.Errorf("expected LateDays 60, got %.0f", got.LateDays)
		}
		if got.Feedback != nil {
			t.Errorf("expected feedback cleared, got %+v", got.Feedback)
		}
	})

	t.Run("ListClients", func(t *testing.T) {
		if err := repo.SaveClient(ctx, scope, &domain.ClientFacts{ID: "client-000"}); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}

		clients, err := repo.ListClients(ctx, scope)
		if err != nil {
			t.Fatalf("ListClients failed: %v", err)
		}
		if len(clients) != 2 {
			t.Fatalf("expected 2 clients, got %d", len(clients))
		}
		if clients[0].ID != "client-000" || clients[1].ID != "client-001" {
			t.Errorf("expected clients ordered by id, got %s, %s", clients[0].ID, clients[1].ID)
		}
	})

	t.Run("ScopeIsolation", func(t *testing.T) {
		_, err := repo.GetClient(ctx, "branch-002", "client-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other scope, got %v", err)
		}

		clients, err := repo.ListClients(ctx, "branch-002")
		if err != nil {
			t.Fatalf("ListClients failed: %v", err)
		}
		if len(clients) != 0 {
			t.Errorf("expected 0 clients in other scope, got %d", len(clients))
		}
	})

	t.Run("RequiresScope", func(t *testing.T) {
		if err := repo.SaveClient(ctx, "", &domain.ClientFacts{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListClients(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveClient(ctx, scope, &domain.ClientFacts{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty client id, got %v", err)
		}
	})

	t.Run("SaveAndGetClientScores", func(t *testing.T) {
		a := &domain.Assessment{
			ClientID:     "client-001",
			RiskScore:    72,
			UrgencyScore: 61.4,
			Tier:         domain.TierExtremelyUrgent,
			Breakdown: domain.UrgencyBreakdown{
				Risk: domain.UrgencyComponent{
					Factor:       domain.FactorRisk,
					RawValue:     72,
					ScaledValue:  72,
					Contribution: 28.8,
				},
				FallbackApplied: true,
			},
			Diagnostics: []string{domain.DiagnosticWeightFallback},
			ComputedAt:  time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
		}

		if err := repo.SaveClientScores(ctx, scope, a); err != nil {
			t.Fatalf("SaveClientScores failed: %v", err)
		}

		got, err := repo.GetClientScores(ctx, scope, a.ClientID)
		if err != nil {
			t.Fatalf("GetClientScores failed: %v", err)
		}
		if got.RiskScore != 72 || got.UrgencyScore != 61.4 {
			t.Errorf("unexpected scores: risk=%d urgency=%.1f", got.RiskScore, got.UrgencyScore)
		}
		if got.Tier != domain.TierExtremelyUrgent {
			t.Errorf("expected tier %s, got %s", domain.TierExtremelyUrgent, got.Tier)
		}
		if !got.Breakdown.FallbackApplied || got.Breakdown.Risk.Contribution != 28.8 {
			t.Errorf("breakdown not preserved: %+v", got.Breakdown)
		}
		if len(got.Diagnostics) != 1 || got.Diagnostics[0] != domain.DiagnosticWeightFallback {
			t.Errorf("diagnostics not preserved: %v", got.Diagnostics)
		}
	})

	t.Run("ClientScoresNotFound", func(t *testing.T) {
		_, err := repo.GetClientScores(ctx, scope, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("WeightConfiguration", func(t *testing.T) {
		_, err := repo.GetWeightConfiguration(ctx, scope)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound before first save, got %v", err)
		}

		w := domain.DefaultWeights()
		w.UrgencyRisk = 60
		w.UrgencyDaysSinceInteraction = 20
		w.UrgencyFeedback = 20
		w.UpdatedBy = "officer-7"

		if err := repo.SaveWeightConfiguration(ctx, scope, w); err != nil {
			t.Fatalf("SaveWeightConfiguration failed: %v", err)
		}

		got, err := repo.GetWeightConfiguration(ctx, scope)
		if err != nil {
			t.Fatalf("GetWeightConfiguration failed: %v", err)
		}
		if got.UrgencyRisk != 60 || got.UpdatedBy != "officer-7" {
			t.Errorf("unexpected configuration: %+v", got)
		}
		if got.RiskLateDays != w.RiskLateDays {
			t.Errorf("expected RiskLateDays weight %.0f, got %.0f", w.RiskLateDays, got.RiskLateDays)
		}
	})
}

func TestPostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewSQLRepository(db, "postgres")
	ctx := context.Background()

	t.Run("GetWeightConfiguration", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"config"}).
			AddRow(`{"riskLateDays":30,"urgencyRisk":50}`)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT config FROM weight_configurations WHERE scope = $1`)).
			WithArgs("branch-001").
			WillReturnRows(rows)

		w, err := repo.GetWeightConfiguration(ctx, "branch-001")
		if err != nil {
			t.Fatalf("GetWeightConfiguration failed: %v", err)
		}
		if w.RiskLateDays != 30 || w.UrgencyRisk != 50 {
			t.Errorf("unexpected configuration: %+v", w)
		}
	})

	t.Run("SaveWeightConfiguration", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO weight_configurations .* VALUES \(\$1, \$2, \$3, \$4\)`).
			WithArgs("branch-001", sqlmock.AnyArg(), "admin", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := domain.DefaultWeights()
		w.UpdatedBy = "admin"
		if err := repo.SaveWeightConfiguration(ctx, "branch-001", w); err != nil {
			t.Fatalf("SaveWeightConfiguration failed: %v", err)
		}
	})

	t.Run("GetClientNotFound", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM clients WHERE scope = \$1 AND id = \$2`).
			WithArgs("branch-001", "missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetClient(ctx, "branch-001", "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver   string
		input    string
		expected string
	}{
		{"sqlite", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres", "INSERT INTO t VALUES (?, ?, ?)", "INSERT INTO t VALUES ($1, $2, $3)"},
		{"postgres", "SELECT 1 FROM t WHERE a = ? LIMIT 10", "SELECT 1 FROM t WHERE a = $1 LIMIT 10"},
	}

	for _, tt := range tests {
		repo := &SQLRepository{driver: tt.driver}
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) with driver %s = %q, want %q", tt.input, tt.driver, result, tt.expected)
		}
	}
}
