// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := NewSQLRepository(db, cfg.Driver)

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// configurePool applies the configured pool limits; zero keeps the default.
func configurePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// NewSQLRepository wraps an open database handle without running migrations.
func NewSQLRepository(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{
		db:     db,
		driver: driver,
	}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const clientColumns = `
	id, scope, name, late_days, outstanding, outstanding_at_risk, par_per_loan,
	count_reschedule, paid_instalments, total_delayed_instalments,
	last_visit_date, last_phone_call_date, feedback_score, feedback, updated_at
`

// SaveClient upserts a client snapshot.
func (r *SQLRepository) SaveClient(ctx context.Context, scope string, c *domain.ClientFacts) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	var feedback sql.NullString
	if c.Feedback != nil {
		data, err := json.Marshal(c.Feedback)
		if err != nil {
			return fmt.Errorf("failed to encode feedback: %w", err)
		}
		feedback = sql.NullString{String: string(data), Valid: true}
	}

	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO clients (` + clientColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			name = excluded.name,
			late_days = excluded.late_days,
			outstanding = excluded.outstanding,
			outstanding_at_risk = excluded.outstanding_at_risk,
			par_per_loan = excluded.par_per_loan,
			count_reschedule = excluded.count_reschedule,
			paid_instalments = excluded.paid_instalments,
			total_delayed_instalments = excluded.total_delayed_instalments,
			last_visit_date = excluded.last_visit_date,
			last_phone_call_date = excluded.last_phone_call_date,
			feedback_score = excluded.feedback_score,
			feedback = excluded.feedback,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, scope, c.Name,
		c.LateDays, c.Outstanding, c.OutstandingAtRisk, c.ParPerLoan,
		c.CountReschedule, c.PaidInstalments, c.TotalDelayedInstalments,
		nullTime(c.LastVisitDate), nullTime(c.LastPhoneCallDate),
		c.FeedbackScore, feedback, updatedAt,
	)
	return err
}

// GetClient retrieves one client snapshot.
func (r *SQLRepository) GetClient(ctx context.Context, scope string, clientID string) (*domain.ClientFacts, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	query := `SELECT ` + clientColumns + ` FROM clients WHERE scope = ? AND id = ?`

	c, err := scanClient(r.db.QueryRowContext(ctx, r.rebind(query), scope, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListClients retrieves every client snapshot in a scope.
func (r *SQLRepository) ListClients(ctx context.Context, scope string) ([]*domain.ClientFacts, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	query := `SELECT ` + clientColumns + ` FROM clients WHERE scope = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*domain.ClientFacts
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	return clients, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*domain.ClientFacts, error) {
	var c domain.ClientFacts
	var name, feedback sql.NullString
	var lastVisit, lastCall sql.NullTime

	if err := row.Scan(
		&c.ID, &c.Scope, &name,
		&c.LateDays, &c.Outstanding, &c.OutstandingAtRisk, &c.ParPerLoan,
		&c.CountReschedule, &c.PaidInstalments, &c.TotalDelayedInstalments,
		&lastVisit, &lastCall, &c.FeedbackScore, &feedback, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Name = name.String
	if lastVisit.Valid {
		t := lastVisit.Time
		c.LastVisitDate = &t
	}
	if lastCall.Valid {
		t := lastCall.Time
		c.LastPhoneCallDate = &t
	}
	if feedback.Valid && feedback.String != "" {
		var ratings domain.FeedbackRatings
		if err := json.Unmarshal([]byte(feedback.String), &ratings); err != nil {
			return nil, fmt.Errorf("failed to parse feedback for client %s: %w", c.ID, err)
		}
		c.Feedback = &ratings
	}

	return &c, nil
}

// SaveClientScores upserts the derived scores of one client.
func (r *SQLRepository) SaveClientScores(ctx context.Context, scope string, a *domain.Assessment) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if a == nil || a.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	breakdown, err := json.Marshal(a.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	diagnostics, _ := json.Marshal(a.Diagnostics)

	query := `
		INSERT INTO client_scores (
			client_id, scope, risk_score, urgency_score, tier, breakdown, diagnostics, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, client_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			urgency_score = excluded.urgency_score,
			tier = excluded.tier,
			breakdown = excluded.breakdown,
			diagnostics = excluded.diagnostics,
			computed_at = excluded.computed_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ClientID, scope, a.RiskScore, a.UrgencyScore, string(a.Tier),
		string(breakdown), string(diagnostics), a.ComputedAt,
	)
	return err
}

// GetClientScores retrieves the last persisted scores of one client.
func (r *SQLRepository) GetClientScores(ctx context.Context, scope string, clientID string) (*domain.Assessment, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	query := `
		SELECT client_id, risk_score, urgency_score, tier, breakdown, diagnostics, computed_at
		FROM client_scores
		WHERE scope = ? AND client_id = ?
	`

	var a domain.Assessment
	var tier, breakdown string
	var diagnostics sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), scope, clientID).Scan(
		&a.ClientID, &a.RiskScore, &a.UrgencyScore, &tier, &breakdown, &diagnostics, &a.ComputedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Tier = domain.UrgencyTier(tier)
	if err := json.Unmarshal([]byte(breakdown), &a.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to parse breakdown for client %s: %w", clientID, err)
	}
	if diagnostics.Valid && diagnostics.String != "" {
		json.Unmarshal([]byte(diagnostics.String), &a.Diagnostics)
	}

	return &a, nil
}

// GetWeightConfiguration retrieves the stored configuration of a scope.
// Returns ErrNotFound when the scope still runs on defaults.
func (r *SQLRepository) GetWeightConfiguration(ctx context.Context, scope string) (*domain.WeightConfiguration, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	query := `SELECT config FROM weight_configurations WHERE scope = ?`

	var config string
	err := r.db.QueryRowContext(ctx, r.rebind(query), scope).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var w domain.WeightConfiguration
	if err := json.Unmarshal([]byte(config), &w); err != nil {
		return nil, fmt.Errorf("failed to parse weight configuration: %w", err)
	}
	return &w, nil
}

// SaveWeightConfiguration replaces the configuration of a scope.
func (r *SQLRepository) SaveWeightConfiguration(ctx context.Context, scope string, w *domain.WeightConfiguration) error {
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}
	if w == nil {
		return fmt.Errorf("%w: weight configuration is required", ErrInvalidInput)
	}

	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}

	config, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode weight configuration: %w", err)
	}

	query := `
		INSERT INTO weight_configurations (scope, config, updated_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			config = excluded.config,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), scope, string(config), w.UpdatedBy, w.UpdatedAt)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
