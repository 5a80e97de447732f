package config

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esdb-go/core/es"
)

type envTestConfig struct {
	Port int `env:"ESDB_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	require.NoError(t, ParseEnv(&cfg))
	require.Equal(t, 123, cfg.Port)
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("ESDB_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "parse env:")
}

func TestBackend(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg Backend
		require.NoError(t, ParseEnv(&cfg))
		require.Equal(t, BackendMemory, cfg.Kind)
		require.Equal(t, "ESDB_LOG", cfg.NatsStream)
		require.Equal(t, 256, cfg.NatsPageSize)

		b, err := cfg.Open(t.Context(), slog.Default())
		require.NoError(t, err)
		require.Equal(t, es.NewMemoryBackend(), b)
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Setenv("ESDB_BACKEND", "sqlite")
		t.Setenv("ESDB_SQLITE_PATH", filepath.Join(t.TempDir(), "events.db"))

		var cfg Backend
		require.NoError(t, ParseEnv(&cfg))

		b, err := cfg.Open(t.Context(), slog.Default())
		require.NoError(t, err)

		s, err := es.Open(t.Context(), es.WithBackend(b))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.EqualValues(t, 0, s.LastPosition())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Backend{Kind: "postgres"}.Open(t.Context(), slog.Default())
		require.ErrorContains(t, err, `unknown backend "postgres"`)
	})
}
