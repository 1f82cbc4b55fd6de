// Package audit persists a record of every served prediction for clinical
// traceability. The store is best-effort from the request path's point of
// view: a failed insert is logged, never surfaced to the caller.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Entry is one served prediction.
type Entry struct {
	RequestID    string             `json:"request_id"`
	PatientRef   string             `json:"patient_ref,omitempty"`
	ModelVersion string             `json:"model_version"`
	RiskScore    float64            `json:"risk_score"`
	RelativeRisk float64            `json:"relative_risk"`
	RiskCategory string             `json:"risk_category"`
	OverallOOD   bool               `json:"overall_ood"`
	Inputs       map[string]float64 `json:"inputs"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Store records served predictions.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// PostgresStore writes entries to a predictions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection, and ensures the schema
// exists.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS predictions (
		id SERIAL PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		patient_ref VARCHAR(255),
		model_version VARCHAR(64) NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		relative_risk DOUBLE PRECISION NOT NULL,
		risk_category VARCHAR(32) NOT NULL,
		overall_ood BOOLEAN NOT NULL,
		inputs JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_request_id ON predictions(request_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Record inserts one prediction entry.
func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	inputs, err := json.Marshal(entry.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions
			(request_id, patient_ref, model_version, risk_score, relative_risk, risk_category, overall_ood, inputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.RequestID, entry.PatientRef, entry.ModelVersion, entry.RiskScore,
		entry.RelativeRisk, entry.RiskCategory, entry.OverallOOD, inputs, entry.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// NopStore discards entries; used when DISABLE_DB=true.
type NopStore struct{}

func (NopStore) Record(context.Context, Entry) error { return nil }
func (NopStore) Close() error                        { return nil }
