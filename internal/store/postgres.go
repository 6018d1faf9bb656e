// Package store provides storage backends for CallPipe call records.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure the call_records table exists
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddCallRecord(r models.CallRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO call_records (call_id, email, final_state, answer_found, ticket_id, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (call_id) DO UPDATE SET
		   email = EXCLUDED.email,
		   final_state = EXCLUDED.final_state,
		   answer_found = EXCLUDED.answer_found,
		   ticket_id = EXCLUDED.ticket_id,
		   ended_at = EXCLUDED.ended_at`,
		r.CallID, nilIfEmpty(r.Email), string(r.FinalState), r.AnswerFound, nilIfEmpty(r.TicketID), r.StartedAt, r.EndedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddCallRecord failed", "error", err, "callID", r.CallID)
		return fmt.Errorf("failed to insert call record for %s: %w", r.CallID, err)
	}
	slog.Debug("PostgresStore AddCallRecord succeeded", "callID", r.CallID, "final_state", r.FinalState)
	return nil
}

func (s *PostgresStore) GetCallRecords() ([]models.CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT call_id, email, final_state, answer_found, ticket_id, started_at, ended_at
		 FROM call_records ORDER BY ended_at`)
	if err != nil {
		slog.Error("PostgresStore GetCallRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			slog.Error("PostgresStore GetCallRecords scan failed", "error", err)
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore GetCallRecords rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate call record rows: %w", err)
	}
	slog.Debug("PostgresStore GetCallRecords succeeded", "count", len(records))
	return records, nil
}

func (s *PostgresStore) GetCallRecord(callID string) (*models.CallRecord, error) {
	row := s.db.QueryRow(
		`SELECT call_id, email, final_state, answer_found, ticket_id, started_at, ended_at
		 FROM call_records WHERE call_id = $1`, callID)
	r, err := scanCallRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrCallNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetCallRecord failed", "error", err, "callID", callID)
		return nil, fmt.Errorf("failed to query call record for %s: %w", callID, err)
	}
	return &r, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
