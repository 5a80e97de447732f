package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/esdb-go/adapters/nats"
	"github.com/codewandler/esdb-go/adapters/sqlite"
	"github.com/codewandler/esdb-go/core/es"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNats   = "nats"
)

// Backend selects and configures the persistence backend of a store.
type Backend struct {
	Kind         string `env:"ESDB_BACKEND" envDefault:"memory"`
	SQLitePath   string `env:"ESDB_SQLITE_PATH" envDefault:"esdb.db"`
	NatsURL      string `env:"ESDB_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NatsStream   string `env:"ESDB_NATS_STREAM" envDefault:"ESDB_LOG"`
	NatsSubject  string `env:"ESDB_NATS_SUBJECT" envDefault:"esdb.log"`
	NatsPageSize int    `env:"ESDB_NATS_PAGE_SIZE" envDefault:"256"`
}

// Open opens the configured backend.
func (c Backend) Open(ctx context.Context, log *slog.Logger) (es.Backend, error) {
	log.Info("opening backend", slog.String("kind", c.Kind))

	switch c.Kind {
	case BackendMemory, "":
		return es.NewMemoryBackend(), nil
	case BackendSQLite:
		b, err := sqlite.Open(ctx, sqlite.Config{
			Path: c.SQLitePath,
			Log:  log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendNats:
		b, err := nats.NewBackend(ctx, nats.BackendConfig{
			Connect:    nats.ConnectURL(c.NatsURL),
			Log:        log,
			StreamName: c.NatsStream,
			Subject:    c.NatsSubject,
			PageSize:   c.NatsPageSize,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.Kind)
}
