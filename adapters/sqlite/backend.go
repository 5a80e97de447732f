// Package sqlite persists the event log in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codewandler/esdb-go/adapters/sqlite/migrations"
	"github.com/codewandler/esdb-go/core/es"
)

const defaultReplayPageSize = 1000

type Config struct {
	Path           string       // Path of the database file. Created if missing.
	Log            *slog.Logger // Log for diagnostics (optional)
	ReplayPageSize int          // ReplayPageSize bounds the rows read per replay query.
}

// Backend stores appended events in one table and delete markers in
// another. Every commit is one transaction.
type Backend struct {
	sqlDB          *sql.DB
	log            *slog.Logger
	path           string
	replayPageSize int
}

var _ es.Backend = (*Backend)(nil)

// Open opens or creates the database at cfg.Path and applies migrations.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	pageSize := cfg.ReplayPageSize
	if pageSize <= 0 {
		pageSize = defaultReplayPageSize
	}

	cleanPath := filepath.Clean(cfg.Path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// the store serializes writes; one connection keeps sqlite from
	// reporting busy on concurrent checkpoint updates.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log = log.With(slog.String("backend", "sqlite"), slog.String("path", cleanPath))
	log.Debug("opened")

	return &Backend{
		sqlDB:          sqlDB,
		log:            log,
		path:           cleanPath,
		replayPageSize: pageSize,
	}, nil
}

func (b *Backend) Path() string { return b.path }

// Commit writes e in a single transaction.
func (b *Backend) Commit(ctx context.Context, e es.Entry) error {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch e.Kind {
	case es.EntryAppend:
		if err := insertEvents(ctx, tx, e.Events); err != nil {
			return err
		}
	case es.EntryDelete:
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO deletions (stream, position) VALUES (?, ?)",
			e.Stream,
			int64(e.Position),
		); err != nil {
			return fmt.Errorf("insert deletion: %w", err)
		}
	default:
		return fmt.Errorf("unknown entry kind %s", e.Kind)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []es.RecordedEvent) error {
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (position, stream, number, id, type, is_json, data, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		if _, err := stmt.ExecContext(
			ctx,
			int64(ev.Position),
			ev.StreamName,
			ev.EventNumber,
			ev.EventID,
			ev.EventType,
			ev.IsJSON,
			ev.Data,
			ev.Metadata,
			ev.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Position, err)
		}
	}
	return nil
}

type deletion struct {
	stream   string
	position uint64
}

// Replay reads events in pages and interleaves the delete markers at the
// position they were committed at.
func (b *Backend) Replay(ctx context.Context, fn func(es.Entry) error) error {
	dels, err := b.deletions(ctx)
	if err != nil {
		return err
	}

	var after uint64
	for {
		page, err := b.eventsAfter(ctx, after)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		batch := make([]es.RecordedEvent, 0, len(page))
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			err := fn(es.Entry{Kind: es.EntryAppend, Events: batch, Position: batch[len(batch)-1].Position})
			batch = make([]es.RecordedEvent, 0, len(page))
			return err
		}

		for _, ev := range page {
			for len(dels) > 0 && dels[0].position < ev.Position {
				if err := flush(); err != nil {
					return err
				}
				if err := fn(es.Entry{Kind: es.EntryDelete, Stream: dels[0].stream, Position: dels[0].position}); err != nil {
					return err
				}
				dels = dels[1:]
			}
			batch = append(batch, ev)
		}
		if err := flush(); err != nil {
			return err
		}
		after = page[len(page)-1].Position
	}

	for _, d := range dels {
		if err := fn(es.Entry{Kind: es.EntryDelete, Stream: d.stream, Position: d.position}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) deletions(ctx context.Context) ([]deletion, error) {
	rows, err := b.sqlDB.QueryContext(ctx, "SELECT stream, position FROM deletions ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query deletions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []deletion
	for rows.Next() {
		var (
			d   deletion
			pos int64
		)
		if err := rows.Scan(&d.stream, &pos); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		d.position = uint64(pos)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deletions: %w", err)
	}
	return out, nil
}

func (b *Backend) eventsAfter(ctx context.Context, after uint64) ([]es.RecordedEvent, error) {
	rows, err := b.sqlDB.QueryContext(ctx, `
SELECT position, stream, number, id, type, is_json, data, metadata, created_at
FROM events
WHERE position > ?
ORDER BY position
LIMIT ?`, int64(after), b.replayPageSize)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]es.RecordedEvent, 0, b.replayPageSize)
	for rows.Next() {
		var (
			ev        es.RecordedEvent
			pos       int64
			createdAt int64
		)
		if err := rows.Scan(
			&pos,
			&ev.StreamName,
			&ev.EventNumber,
			&ev.EventID,
			&ev.EventType,
			&ev.IsJSON,
			&ev.Data,
			&ev.Metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Position = uint64(pos)
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// Close closes the database. It is nil-safe.
func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	if err := b.sqlDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	b.log.Debug("closed")
	return nil
}
