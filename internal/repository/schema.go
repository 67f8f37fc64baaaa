package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaClients = `
CREATE TABLE IF NOT EXISTS clients (
    id TEXT NOT NULL,
    scope TEXT NOT NULL,
    name TEXT,
    late_days REAL NOT NULL DEFAULT 0,
    outstanding REAL NOT NULL DEFAULT 0,
    outstanding_at_risk REAL NOT NULL DEFAULT 0,
    par_per_loan REAL NOT NULL DEFAULT 0,
    count_reschedule REAL NOT NULL DEFAULT 0,
    paid_instalments REAL NOT NULL DEFAULT 0,
    total_delayed_instalments REAL NOT NULL DEFAULT 0,
    last_visit_date TIMESTAMP,
    last_phone_call_date TIMESTAMP,
    feedback_score REAL NOT NULL DEFAULT 0,
    feedback TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, id)
);

CREATE INDEX IF NOT EXISTS idx_clients_scope ON clients(scope);
`

const schemaClientScores = `
CREATE TABLE IF NOT EXISTS client_scores (
    client_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    urgency_score REAL NOT NULL,
    tier TEXT NOT NULL,
    breakdown TEXT NOT NULL,
    diagnostics TEXT,
    computed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, client_id)
);

CREATE INDEX IF NOT EXISTS idx_client_scores_tier ON client_scores(scope, tier);
CREATE INDEX IF NOT EXISTS idx_client_scores_urgency ON client_scores(scope, urgency_score);
`

// schemaWeights stores one full configuration per scope as JSON.
// Partial updates are never written.
const schemaWeights = `
CREATE TABLE IF NOT EXISTS weight_configurations (
    scope TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    updated_by TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClients,
		schemaClientScores,
		schemaWeights,
	}
}
