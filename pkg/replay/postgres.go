package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGLog stores examples in PostgreSQL with features in a pgvector column,
// which also lets callers find the examples closest to a feature vector.
// The pool must have the pgvector types registered.
type PGLog struct {
	pool *pgxpool.Pool
}

// Neighbor is an example with its cosine distance to a query vector.
type Neighbor struct {
	Example
	Distance float64 `json:"distance"` // cosine distance (lower = more similar)
}

// NewPGLog creates the vector extension and learning_examples table if needed.
func NewPGLog(ctx context.Context, pool *pgxpool.Pool) (*PGLog, error) {
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS learning_examples (
			id          BIGSERIAL PRIMARY KEY,
			brain_id    TEXT NOT NULL,
			features    vector NOT NULL,
			label       TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			source      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create learning_examples table: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_learning_examples_brain
		ON learning_examples(brain_id, created_at)
	`)
	if err != nil {
		return nil, fmt.Errorf("create learning_examples index: %w", err)
	}
	slog.Info("replay log initialized", "driver", "postgres")
	return &PGLog{pool: pool}, nil
}

func (l *PGLog) Append(ctx context.Context, ex Example) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO learning_examples (brain_id, features, label, confidence, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.BrainID, toVector(ex.Features), ex.Label, ex.Confidence, string(ex.Source), ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append example for %s: %w", ex.BrainID, err)
	}
	return nil
}

func (l *PGLog) Since(ctx context.Context, brainID string, since time.Time, limit int) ([]Example, error) {
	query := `
		SELECT id, brain_id, features, label, confidence, source, created_at
		FROM learning_examples
		WHERE brain_id = $1 AND created_at > $2
		ORDER BY created_at, id`
	args := []any{brainID, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query examples for %s: %w", brainID, err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		ex, err := scanExample(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Nearest returns the k examples of brainID closest to features by cosine
// distance. Only examples with the same dimensionality are considered.
func (l *PGLog) Nearest(ctx context.Context, brainID string, features []float64, k int) ([]Neighbor, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, brain_id, features, label, confidence, source, created_at,
		       features <=> $2 AS distance
		FROM learning_examples
		WHERE brain_id = $1 AND vector_dims(features) = $3
		ORDER BY features <=> $2
		LIMIT $4`,
		brainID, toVector(features), len(features), k,
	)
	if err != nil {
		return nil, fmt.Errorf("nearest examples for %s: %w", brainID, err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		ex, err := scanExample(rows, &n.Distance)
		if err != nil {
			return nil, err
		}
		n.Example = ex
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExample(row scanner, distance *float64) (Example, error) {
	var ex Example
	var vec pgvector.Vector
	var source string
	dest := []any{&ex.ID, &ex.BrainID, &vec, &ex.Label, &ex.Confidence, &source, &ex.CreatedAt}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := row.Scan(dest...); err != nil {
		return Example{}, fmt.Errorf("scan example: %w", err)
	}
	ex.Source = Source(source)
	ex.CreatedAt = ex.CreatedAt.UTC()
	for _, f := range vec.Slice() {
		ex.Features = append(ex.Features, float64(f))
	}
	return ex, nil
}

func toVector(features []float64) pgvector.Vector {
	v := make([]float32, len(features))
	for i, f := range features {
		v[i] = float32(f)
	}
	return pgvector.NewVector(v)
}
