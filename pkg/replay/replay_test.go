package replay

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func logs(t *testing.T) map[string]Log {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sl, err := NewSQLiteLog(ctx, db)
	require.NoError(t, err)

	out := map[string]Log{"memory": NewMemoryLog(), "sqlite": sl}

	if url := os.Getenv("NEURO_PG_URL"); url != "" {
		cfg, err := pgxpool.ParseConfig(url)
		require.NoError(t, err)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		pl, err := NewPGLog(ctx, pool)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, "TRUNCATE learning_examples")
		require.NoError(t, err)
		out["postgres"] = pl
	}
	return out
}

func TestSinceFiltersByBrainAndTime(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, ex := range []Example{
				{BrainID: "b1", Features: []float64{1, 0}, Label: "old", Confidence: 1, Source: SourceTeach, CreatedAt: base},
				{BrainID: "b1", Features: []float64{0, 1}, Label: "new", Confidence: 0.9, Source: SourceFallback, CreatedAt: base.Add(1500 * time.Millisecond)},
				{BrainID: "b2", Features: []float64{1, 1}, Label: "other", Confidence: 1, Source: SourceTeach, CreatedAt: base.Add(time.Minute)},
				{BrainID: "b1", Features: []float64{0.5, 0.5}, Label: "newest", Confidence: 1, Source: SourceTeach, CreatedAt: base.Add(time.Hour)},
			} {
				require.NoError(t, l.Append(ctx, ex), "example %d", i)
			}

			got, err := l.Since(ctx, "b1", base, 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "new", got[0].Label)
			assert.Equal(t, SourceFallback, got[0].Source)
			assert.InDeltaSlice(t, []float64{0, 1}, got[0].Features, 1e-6)
			assert.True(t, got[0].CreatedAt.Equal(base.Add(1500*time.Millisecond)))
			assert.Equal(t, "newest", got[1].Label)

			limited, err := l.Since(ctx, "b1", time.Time{}, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "old", limited[0].Label)

			none, err := l.Since(ctx, "missing", time.Time{}, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestPGNearest(t *testing.T) {
	l, ok := logs(t)["postgres"].(*PGLog)
	if !ok {
		t.Skip("NEURO_PG_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Example{BrainID: "b", Features: []float64{1, 0}, Label: "east", Confidence: 1, Source: SourceTeach, CreatedAt: base}))
	require.NoError(t, l.Append(ctx, Example{BrainID: "b", Features: []float64{0, 1}, Label: "north", Confidence: 1, Source: SourceTeach, CreatedAt: base}))

	got, err := l.Nearest(ctx, "b", []float64{0.9, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "east", got[0].Label)
	assert.Less(t, got[0].Distance, 0.1)
}
