package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/esdb-go/core/es"
)

// CpStore keeps a consumer checkpoint in the backend's database.
type CpStore struct {
	sqlDB *sql.DB
	name  string
}

var _ es.CpStore = (*CpStore)(nil)

// Checkpoint returns the checkpoint store of the consumer called name.
func (b *Backend) Checkpoint(name string) *CpStore {
	return &CpStore{sqlDB: b.sqlDB, name: name}
}

func (c *CpStore) Get() (int64, error) {
	var cursor int64
	err := c.sqlDB.QueryRowContext(
		context.Background(),
		"SELECT cursor FROM checkpoints WHERE name = ?",
		c.name,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, es.ErrCheckpointNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", c.name, err)
	}
	return cursor, nil
}

func (c *CpStore) Set(cursor int64) error {
	_, err := c.sqlDB.ExecContext(
		context.Background(),
		`INSERT INTO checkpoints (name, cursor, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		c.name,
		cursor,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", c.name, err)
	}
	return nil
}
