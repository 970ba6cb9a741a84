package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coredaemon "github.com/nous-labs/neuro/pkg/daemon"
	"github.com/nous-labs/neuro/pkg/replay"
)

func testConfig(t *testing.T, driver string) *coredaemon.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &coredaemon.Config{
		Name:     "neuro-test",
		HTTPAddr: "127.0.0.1:0",
		StateDir: dir,
		Store:    coredaemon.StoreConfig{Driver: driver},
		Engine:   coredaemon.EngineConfig{DefaultNeurons: 32, Task: "classification"},
		Router:   coredaemon.RouterConfig{ConfidenceThreshold: 0.85, PersistenceInterval: 2},
		Cache:    coredaemon.CacheConfig{Capacity: 4},
	}
	switch driver {
	case "sqlite":
		cfg.Store.Path = filepath.Join(dir, "state.db")
	case "badger":
		cfg.Store.Path = filepath.Join(dir, "badger")
	}
	return cfg
}

func TestOpenDrivers(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(ctx, testConfig(t, driver))
			require.NoError(t, err)
			defer s.Close()

			assert.NotNil(t, s.Replay)
			assert.Nil(t, s.Vectors)

			platform, err := s.Service.CreatePlatformBrain(ctx, 32, true, false)
			require.NoError(t, err)
			require.NoError(t, s.Service.Learn(ctx, platform.ID, []float64{1, 0, 1}, "yes", 1))

			examples, err := s.Replay.Since(ctx, platform.ID, platform.CreatedAt.Add(-1), 10)
			require.NoError(t, err)
			require.Len(t, examples, 1)
			assert.Equal(t, replay.SourceTeach, examples[0].Source)
		})
	}
}

func TestOpenSQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "sqlite")

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	student, err := s.Service.CreateStudentBrain(ctx, "alice", 16, false)
	require.NoError(t, err)
	require.NoError(t, s.Service.Learn(ctx, student.ID, []float64{0.5, 0.5}, "maybe", 0.9))
	require.NoError(t, s.Close())

	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Service.GetStudentBrain(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, student.ID, got.ID)
	assert.EqualValues(t, 1, got.Performance.LearningEvents)
}

func TestOpenReplayDisabled(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Replay.Disabled = true
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.Replay)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t, "mongo"))
	assert.Error(t, err)
}

func TestBuildOracle(t *testing.T) {
	cfg := testConfig(t, "memory")
	assert.Nil(t, buildOracle(cfg))

	cfg.Oracle.Providers = []coredaemon.ProviderConfig{{Provider: "anthropic", Model: "claude-opus-4-6", APIKey: "$UNSET_KEY"}}
	assert.Nil(t, buildOracle(cfg), "unresolved key is skipped")

	cfg.Oracle.Providers = append(cfg.Oracle.Providers, coredaemon.ProviderConfig{
		Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1",
	})
	assert.NotNil(t, buildOracle(cfg))

	cfg.Oracle.Disabled = true
	assert.Nil(t, buildOracle(cfg))
}

func TestDaemonRegistersMatrix(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Matrix = coredaemon.MatrixConfig{Enabled: true, RoomID: "!ops:example.com", DataDir: t.TempDir(), MinLevel: "warn"}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	d, err := s.Daemon()
	require.NoError(t, err)
	assert.Contains(t, d.Channels, "matrix")
}
