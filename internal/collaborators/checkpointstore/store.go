// Package checkpointstore is the durable implementation of
// collaborators.CheckpointStore: Postgres in production, sqlite in
// development and tests, grounded on the teacher's schedules.DBOperations
// (a thin *sql.DB wrapper around hand-written SQL) and wrapped by
// circuitbreaker.DatabaseWrapper the same way the teacher guards its own
// Postgres access, per SPEC_FULL.md §6.1.
package checkpointstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"github.com/agentfleet/coordinator/internal/collaborators"
)

// Store persists CheckpointRecords to a SQL backend.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	driver string
	rebind func(string) string
}

// Open connects to driverName ("postgres" or "sqlite3") at dsn, wraps the
// connection in a circuit breaker, and ensures the checkpoints table
// exists.
func Open(ctx context.Context, driverName, dsn string, logger *zap.Logger) (*Store, error) {
	sqlxDB, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpointstore: open: %w", err)
	}
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("checkpointstore: ping: %w", err)
	}

	s := &Store{
		db:     circuitbreaker.NewDatabaseWrapper(sqlxDB.DB, driverName, "checkpoint-store", logger),
		driver: driverName,
		rebind: sqlxDB.Rebind,
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB, e.g. one backed by a sqlmock
// connection in tests, bypassing schema creation and bind-var rewriting
// (tests supply driverName-correct placeholders directly).
func NewWithDB(db *sql.DB, driverName string, logger *zap.Logger) *Store {
	return &Store{
		db:     circuitbreaker.NewDatabaseWrapper(db, driverName, "checkpoint-store", logger),
		driver: driverName,
		rebind: func(q string) string { return q },
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	blobType := "BYTEA"
	if s.driver == "sqlite3" {
		blobType = "BLOB"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			state %s NOT NULL
		)
	`, blobType))
	return err
}

// CreateCheckpoint persists state under a fresh id.
func (s *Store) CreateCheckpoint(ctx context.Context, state []byte) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO checkpoints (id, created_at, state) VALUES (?, ?, ?)`),
		id, time.Now().UnixNano(), state,
	)
	if err != nil {
		return "", fmt.Errorf("checkpointstore: create: %w", err)
	}
	return id, nil
}

// ListCheckpoints returns every checkpoint, most recent first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]collaborators.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, state FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("checkpointstore: list: %w", err)
	}
	defer rows.Close()

	var out []collaborators.CheckpointRecord
	for rows.Next() {
		var rec collaborators.CheckpointRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.State); err != nil {
			return nil, fmt.Errorf("checkpointstore: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadCheckpoint retrieves a single checkpoint by id.
func (s *Store) LoadCheckpoint(ctx context.Context, id string) (collaborators.CheckpointRecord, error) {
	row, err := s.db.QueryRowContextCB(ctx, s.rebind(`SELECT id, created_at, state FROM checkpoints WHERE id = ?`), id)
	if err != nil {
		return collaborators.CheckpointRecord{}, fmt.Errorf("checkpointstore: load %s: %w", id, err)
	}

	var rec collaborators.CheckpointRecord
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.State); err != nil {
		return collaborators.CheckpointRecord{}, fmt.Errorf("checkpointstore: load %s: %w", id, err)
	}
	return rec, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DatabaseWrapper exposes the underlying circuit-breaker-wrapped connection
// for the degradation manager's health checks.
func (s *Store) DatabaseWrapper() *circuitbreaker.DatabaseWrapper { return s.db }

var _ collaborators.CheckpointStore = (*Store)(nil)
