package brain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SQLiteStore keeps brain records in a SQLite database (state.db).
// The driver is modernc.org/sqlite; callers register it with a blank import.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Stats holds store statistics.
type Stats struct {
	Brains   int
	Students int
	Clones   int
}

// OpenSQLite opens (creating if needed) the database at path and makes sure
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create brain db dir: %w", err)
		}
	}

	// WAL for concurrent readers, foreign keys for lineage references.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open brain db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping brain db: %w", err)
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create brain tables: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}

	stats := s.Stats(ctx)
	slog.Info("brain store opened",
		"driver", "sqlite",
		"path", path,
		"brains", stats.Brains,
		"students", stats.Students,
		"clones", stats.Clones,
	)
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other tables (the replay log) can share
// the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Stats returns record counts.
func (s *SQLiteStore) Stats(ctx context.Context) Stats {
	var st Stats
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM brains").Scan(&st.Brains)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM brains WHERE brain_type = 'student'").Scan(&st.Students)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM brains WHERE is_cow_clone = 1").Scan(&st.Clones)
	return st
}

const sqliteColumns = `brain_id, brain_type, owner_id, parent_brain_id, state_file_path, neuron_count,
	ethics, curiosity, total_interactions, fallback_interactions, learning_events, last_learning_at,
	is_cow_clone, shared_bytes, copied_bytes, created_at, last_updated, last_checkpoint_at`

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid brain record: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brains (`+sqliteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), nullString(rec.OwnerID), nullString(rec.ParentID),
		rec.StateFilePath, rec.NeuronCount,
		rec.Features.Ethics, rec.Features.Curiosity,
		rec.Performance.TotalInteractions, rec.Performance.FallbackInteractions,
		rec.Performance.LearningEvents, nullTime(rec.Performance.LastLearningAt),
		rec.COW.IsCOWClone, rec.COW.SharedBytes, rec.COW.CopiedBytes,
		formatTime(rec.CreatedAt), formatTime(rec.LastUpdated), nullTime(rec.LastCheckpointAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, ErrDuplicate)
		}
		return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, err)
	}

	slog.Debug("brain record created", "id", rec.ID, "type", rec.Type, "owner", rec.OwnerID)
	return rec.Clone(), nil
}

// GetByID returns the record with the given id.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM brains WHERE brain_id = ?`, id)
	return scanSQLiteRecord(row)
}

// GetByOwner returns the owner's brain of the given type.
func (s *SQLiteStore) GetByOwner(ctx context.Context, ownerID string, typ Type) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM brains WHERE owner_id = ? AND brain_type = ?`,
		ownerID, string(typ))
	return scanSQLiteRecord(row)
}

// GetPlatform returns the platform brain.
func (s *SQLiteStore) GetPlatform(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM brains WHERE brain_type = 'platform' LIMIT 1`)
	return scanSQLiteRecord(row)
}

// Update rewrites the mutable fields of an existing record. Identity, type,
// ownership, lineage and creation time are immutable and ignored.
func (s *SQLiteStore) Update(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid brain record: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE brains SET
			state_file_path = ?, ethics = ?, curiosity = ?,
			total_interactions = ?, fallback_interactions = ?, learning_events = ?, last_learning_at = ?,
			is_cow_clone = ?, shared_bytes = ?, copied_bytes = ?,
			last_updated = ?, last_checkpoint_at = ?
		WHERE brain_id = ?`,
		rec.StateFilePath, rec.Features.Ethics, rec.Features.Curiosity,
		rec.Performance.TotalInteractions, rec.Performance.FallbackInteractions,
		rec.Performance.LearningEvents, nullTime(rec.Performance.LastLearningAt),
		rec.COW.IsCOWClone, rec.COW.SharedBytes, rec.COW.CopiedBytes,
		formatTime(rec.LastUpdated), nullTime(rec.LastCheckpointAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update brain %s: %w", rec.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update brain %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update brain %s: %w", rec.ID, ErrNoRecord)
	}
	return nil
}

func scanSQLiteRecord(row *sql.Row) (Record, bool, error) {
	var r Record
	var typ string
	var ownerID, parentID sql.NullString
	var lastLearning, lastCheckpoint sql.NullString
	var createdAt, lastUpdated string

	err := row.Scan(
		&r.ID, &typ, &ownerID, &parentID, &r.StateFilePath, &r.NeuronCount,
		&r.Features.Ethics, &r.Features.Curiosity,
		&r.Performance.TotalInteractions, &r.Performance.FallbackInteractions,
		&r.Performance.LearningEvents, &lastLearning,
		&r.COW.IsCOWClone, &r.COW.SharedBytes, &r.COW.CopiedBytes,
		&createdAt, &lastUpdated, &lastCheckpoint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("scan brain: %w", err)
	}

	r.Type = Type(typ)
	r.OwnerID = ownerID.String
	r.ParentID = parentID.String
	r.CreatedAt = parseTime(createdAt)
	r.LastUpdated = parseTime(lastUpdated)
	if lastLearning.Valid {
		t := parseTime(lastLearning.String)
		r.Performance.LastLearningAt = &t
	}
	if lastCheckpoint.Valid {
		t := parseTime(lastCheckpoint.String)
		r.LastCheckpointAt = &t
	}
	return r, true, nil
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS brains (
			brain_id              TEXT PRIMARY KEY,
			brain_type            TEXT NOT NULL CHECK (brain_type IN ('platform', 'student')),
			owner_id              TEXT,
			parent_brain_id       TEXT REFERENCES brains(brain_id),
			state_file_path       TEXT NOT NULL,
			neuron_count          INTEGER NOT NULL,
			ethics                INTEGER NOT NULL DEFAULT 0,
			curiosity             INTEGER NOT NULL DEFAULT 0,
			total_interactions    INTEGER NOT NULL DEFAULT 0,
			fallback_interactions INTEGER NOT NULL DEFAULT 0,
			learning_events       INTEGER NOT NULL DEFAULT 0,
			last_learning_at      TEXT,
			is_cow_clone          INTEGER NOT NULL DEFAULT 0,
			shared_bytes          INTEGER NOT NULL DEFAULT 0,
			copied_bytes          INTEGER NOT NULL DEFAULT 0,
			created_at            TEXT NOT NULL,
			last_updated          TEXT NOT NULL,
			last_checkpoint_at    TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_brains_owner_type
			ON brains(owner_id, brain_type) WHERE owner_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_brains_single_platform
			ON brains(brain_type) WHERE brain_type = 'platform';
	`)
	return err
}

// --- Helpers ---

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a datetime string from SQLite, handling multiple formats.
// Records written by this package use RFC3339Nano; rows edited by hand often
// use SQLite's own CURRENT_TIMESTAMP layout.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
