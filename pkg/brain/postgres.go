package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore keeps brain records in PostgreSQL. The pool registers the
// pgvector types so the replay log can share it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to pgURL and creates the schema if needed.
func OpenPostgres(ctx context.Context, pgURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("brain store opened", "driver", "postgres")
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS brains (
			brain_id              TEXT PRIMARY KEY,
			brain_type            TEXT NOT NULL CHECK (brain_type IN ('platform', 'student')),
			owner_id              TEXT,
			parent_brain_id       TEXT REFERENCES brains(brain_id),
			state_file_path       TEXT NOT NULL,
			neuron_count          INTEGER NOT NULL,
			ethics                BOOLEAN NOT NULL DEFAULT false,
			curiosity             BOOLEAN NOT NULL DEFAULT false,
			total_interactions    BIGINT NOT NULL DEFAULT 0,
			fallback_interactions BIGINT NOT NULL DEFAULT 0,
			learning_events       BIGINT NOT NULL DEFAULT 0,
			last_learning_at      TIMESTAMPTZ,
			is_cow_clone          BOOLEAN NOT NULL DEFAULT false,
			shared_bytes          BIGINT NOT NULL DEFAULT 0,
			copied_bytes          BIGINT NOT NULL DEFAULT 0,
			created_at            TIMESTAMPTZ NOT NULL,
			last_updated          TIMESTAMPTZ NOT NULL,
			last_checkpoint_at    TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("create brains table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_brains_owner_type
			ON brains(owner_id, brain_type) WHERE owner_id IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_brains_single_platform
			ON brains(brain_type) WHERE brain_type = 'platform'
	`)
	if err != nil {
		return fmt.Errorf("create platform index: %w", err)
	}
	return nil
}

// Pool returns the connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const pgColumns = `brain_id, brain_type, owner_id, parent_brain_id, state_file_path, neuron_count,
	ethics, curiosity, total_interactions, fallback_interactions, learning_events, last_learning_at,
	is_cow_clone, shared_bytes, copied_bytes, created_at, last_updated, last_checkpoint_at`

func (s *PostgresStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid brain record: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO brains (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, string(rec.Type), optString(rec.OwnerID), optString(rec.ParentID),
		rec.StateFilePath, rec.NeuronCount,
		rec.Features.Ethics, rec.Features.Curiosity,
		rec.Performance.TotalInteractions, rec.Performance.FallbackInteractions,
		rec.Performance.LearningEvents, rec.Performance.LastLearningAt,
		rec.COW.IsCOWClone, rec.COW.SharedBytes, rec.COW.CopiedBytes,
		rec.CreatedAt, rec.LastUpdated, rec.LastCheckpointAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, ErrDuplicate)
		}
		return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, err)
	}
	return rec.Clone(), nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM brains WHERE brain_id = $1`, id)
	return scanPGRecord(row)
}

func (s *PostgresStore) GetByOwner(ctx context.Context, ownerID string, typ Type) (Record, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM brains WHERE owner_id = $1 AND brain_type = $2`,
		ownerID, string(typ))
	return scanPGRecord(row)
}

func (s *PostgresStore) GetPlatform(ctx context.Context) (Record, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM brains WHERE brain_type = 'platform' LIMIT 1`)
	return scanPGRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid brain record: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE brains SET
			state_file_path = $1, ethics = $2, curiosity = $3,
			total_interactions = $4, fallback_interactions = $5, learning_events = $6, last_learning_at = $7,
			is_cow_clone = $8, shared_bytes = $9, copied_bytes = $10,
			last_updated = $11, last_checkpoint_at = $12
		WHERE brain_id = $13`,
		rec.StateFilePath, rec.Features.Ethics, rec.Features.Curiosity,
		rec.Performance.TotalInteractions, rec.Performance.FallbackInteractions,
		rec.Performance.LearningEvents, rec.Performance.LastLearningAt,
		rec.COW.IsCOWClone, rec.COW.SharedBytes, rec.COW.CopiedBytes,
		rec.LastUpdated, rec.LastCheckpointAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update brain %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update brain %s: %w", rec.ID, ErrNoRecord)
	}
	return nil
}

func scanPGRecord(row pgx.Row) (Record, bool, error) {
	var r Record
	var typ string
	var ownerID, parentID *string
	var lastLearning, lastCheckpoint *time.Time

	err := row.Scan(
		&r.ID, &typ, &ownerID, &parentID, &r.StateFilePath, &r.NeuronCount,
		&r.Features.Ethics, &r.Features.Curiosity,
		&r.Performance.TotalInteractions, &r.Performance.FallbackInteractions,
		&r.Performance.LearningEvents, &lastLearning,
		&r.COW.IsCOWClone, &r.COW.SharedBytes, &r.COW.CopiedBytes,
		&r.CreatedAt, &r.LastUpdated, &lastCheckpoint,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("scan brain: %w", err)
	}

	r.Type = Type(typ)
	if ownerID != nil {
		r.OwnerID = *ownerID
	}
	if parentID != nil {
		r.ParentID = *parentID
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastUpdated = r.LastUpdated.UTC()
	if lastLearning != nil {
		t := lastLearning.UTC()
		r.Performance.LastLearningAt = &t
	}
	if lastCheckpoint != nil {
		t := lastCheckpoint.UTC()
		r.LastCheckpointAt = &t
	}
	return r, true, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
