// Package sqlite provides the durable persistence.Store used by the agent.
//
// Rows are msgpack-encoded logs keyed by an autoincrement id, so insertion
// order is retrieval order within a group. A row is pending while its
// batch_id column is set. Opening a store clears every pending mark: batches
// that were in flight when the process died become eligible again.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// deleteChunk keeps IN lists well below SQLite's bound-variable limit.
const deleteChunk = 500

type Config struct {
	// Path of the database file. Parent directories are created.
	Path   string
	Logger logger.Logger
}

type Store struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

var _ persistence.Store = (*Store)(nil)

// Open opens the database at cfg.Path, runs migrations and releases pending
// marks left by a previous process.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	logr := cfg.Logger
	if logr == nil {
		logr = logger.NewNop()
	}

	if cfg.Path != MemoryPath {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers and keeps NextBatch's select+mark
	// transaction atomic against concurrent callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, logger: logr}
	if err := s.ClearPendingAll(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutLog(ctx context.Context, group string, log *logging.Log) (int64, error) {
	payload, err := msgpack.Marshal(log)
	if err != nil {
		return 0, persistence.Fault("put", fmt.Errorf("encode log: %w", err))
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO logs (grp, payload, created_at) VALUES (?, ?, ?)",
		group, payload, time.Now().UnixMilli())
	if err != nil {
		return 0, persistence.Fault("put", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistence.Fault("put", err)
	}
	return id, nil
}

func (s *Store) NextBatch(ctx context.Context, group string, limit int) (*persistence.Batch, error) {
	batch := &persistence.Batch{ID: uuid.New(), Group: group}
	if limit <= 0 {
		return batch, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.Fault("next batch", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, payload FROM logs WHERE grp = ? AND batch_id IS NULL ORDER BY id LIMIT ?",
		group, limit)
	if err != nil {
		return nil, persistence.Fault("next batch", err)
	}

	var corrupt []int64
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, persistence.Fault("next batch", err)
		}
		var l logging.Log
		if err := msgpack.Unmarshal(payload, &l); err != nil {
			s.logger.Warn("dropping undecodable log row",
				logger.F("group", group), logger.F("id", id), logger.F("error", err))
			corrupt = append(corrupt, id)
			continue
		}
		batch.IDs = append(batch.IDs, id)
		batch.Logs = append(batch.Logs, &l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistence.Fault("next batch", err)
	}
	rows.Close()

	if err := deleteIDs(ctx, tx, corrupt); err != nil {
		return nil, persistence.Fault("next batch", err)
	}
	for _, chunk := range chunks(batch.IDs) {
		args := append([]any{batch.ID.String()}, int64Args(chunk)...)
		_, err := tx.ExecContext(ctx,
			"UPDATE logs SET batch_id = ? WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, persistence.Fault("next batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence.Fault("next batch", err)
	}
	return batch, nil
}

func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.Fault("delete", err)
	}
	defer tx.Rollback()

	if err := deleteIDs(ctx, tx, ids); err != nil {
		return persistence.Fault("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Fault("delete", err)
	}
	return nil
}

func (s *Store) ClearPending(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE logs SET batch_id = NULL WHERE grp = ? AND batch_id IS NOT NULL", group)
	if err != nil {
		return persistence.Fault("clear pending", err)
	}
	return nil
}

func (s *Store) ClearPendingAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE logs SET batch_id = NULL WHERE batch_id IS NOT NULL")
	if err != nil {
		return persistence.Fault("clear pending", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, group string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM logs WHERE grp = ?", group); err != nil {
		return persistence.Fault("clear", err)
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM logs"); err != nil {
		return persistence.Fault("clear", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM logs WHERE grp = ?", group).Scan(&n)
	if err != nil {
		return 0, persistence.Fault("count", err)
	}
	return n, nil
}

// Groups lists the groups that currently hold rows.
func (s *Store) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT grp FROM logs ORDER BY grp")
	if err != nil {
		return nil, persistence.Fault("groups", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, persistence.Fault("groups", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Fault("groups", err)
	}
	return groups, nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, chunk := range chunks(ids) {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM logs WHERE id IN ("+placeholders(len(chunk))+")", int64Args(chunk)...)
		if err != nil {
			return err
		}
	}
	return nil
}

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(len(ids), deleteChunk)
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
