package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteLog stores examples in a table of an existing SQLite database,
// normally the brain store's state.db.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the learning_examples table if needed.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS learning_examples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			brain_id    TEXT NOT NULL,
			features    TEXT NOT NULL,
			label       TEXT NOT NULL,
			confidence  REAL NOT NULL,
			source      TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_learning_examples_brain
			ON learning_examples(brain_id, created_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("create learning_examples table: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, ex Example) error {
	features, err := json.Marshal(ex.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO learning_examples (brain_id, features, label, confidence, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ex.BrainID, string(features), ex.Label, ex.Confidence, string(ex.Source),
		ex.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append example for %s: %w", ex.BrainID, err)
	}
	return nil
}

func (l *SQLiteLog) Since(ctx context.Context, brainID string, since time.Time, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	// created_at is Unix nanoseconds.
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, brain_id, features, label, confidence, source, created_at
		FROM learning_examples
		WHERE brain_id = ? AND created_at > ?
		ORDER BY created_at, id
		LIMIT ?`,
		brainID, since.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query examples for %s: %w", brainID, err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		var ex Example
		var features, source string
		var createdAt int64
		if err := rows.Scan(&ex.ID, &ex.BrainID, &features, &ex.Label, &ex.Confidence, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &ex.Features); err != nil {
			return nil, fmt.Errorf("decode features of example %d: %w", ex.ID, err)
		}
		ex.Source = Source(source)
		ex.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ex)
	}
	return out, rows.Err()
}
