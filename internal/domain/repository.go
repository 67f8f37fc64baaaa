// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository is the storage collaborator.
// All methods require a scope (portfolio, branch or officer) for isolation.
type Repository interface {
	// Client snapshots
	ListClients(ctx context.Context, scope string) ([]*ClientFacts, error)
	GetClient(ctx context.Context, scope string, clientID string) (*ClientFacts, error)
	SaveClient(ctx context.Context, scope string, client *ClientFacts) error

	// Derived scores
	SaveClientScores(ctx context.Context, scope string, assessment *Assessment) error
	GetClientScores(ctx context.Context, scope string, clientID string) (*Assessment, error)

	// Weight configuration
	GetWeightConfiguration(ctx context.Context, scope string) (*WeightConfiguration, error)
	SaveWeightConfiguration(ctx context.Context, scope string, w *WeightConfiguration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
