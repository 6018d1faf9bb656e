// Package store provides storage backends for CallPipe call records.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CallPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddCallRecord(r models.CallRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO call_records (call_id, email, final_state, answer_found, ticket_id, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, nilIfEmpty(r.Email), string(r.FinalState), r.AnswerFound, nilIfEmpty(r.TicketID), r.StartedAt, r.EndedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddCallRecord failed", "error", err, "callID", r.CallID)
		return fmt.Errorf("failed to insert call record for %s: %w", r.CallID, err)
	}
	slog.Debug("SQLiteStore AddCallRecord succeeded", "callID", r.CallID, "final_state", r.FinalState)
	return nil
}

func (s *SQLiteStore) GetCallRecords() ([]models.CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT call_id, email, final_state, answer_found, ticket_id, started_at, ended_at
		 FROM call_records ORDER BY ended_at`)
	if err != nil {
		slog.Error("SQLiteStore GetCallRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			slog.Error("SQLiteStore GetCallRecords scan failed", "error", err)
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetCallRecords rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate call record rows: %w", err)
	}
	slog.Debug("SQLiteStore GetCallRecords succeeded", "count", len(records))
	return records, nil
}

func (s *SQLiteStore) GetCallRecord(callID string) (*models.CallRecord, error) {
	row := s.db.QueryRow(
		`SELECT call_id, email, final_state, answer_found, ticket_id, started_at, ended_at
		 FROM call_records WHERE call_id = ?`, callID)
	r, err := scanCallRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrCallNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetCallRecord failed", "error", err, "callID", callID)
		return nil, fmt.Errorf("failed to query call record for %s: %w", callID, err)
	}
	return &r, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
