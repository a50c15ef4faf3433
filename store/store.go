// Package store persists evaluation runs in a local SQLite database and reads
// exported results files.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS evals (
	id         TEXT PRIMARY KEY,
	suite_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	results    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evals_created_at ON evals(created_at);
`

// EvalStore is the storage collaborator consumed by the replay engine.
type EvalStore struct {
	db *sql.DB
}

// Open creates (or opens) the eval database at path and runs migrations.
func Open(path string) (*EvalStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open eval database %q: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers on one connection pool
	// beyond SQLite's own locking; a single writer connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate eval database: %w", err)
	}

	logger.Logger.Debug("Eval database ready", "path", path)
	return &EvalStore{db: db}, nil
}

func (s *EvalStore) Close() error {
	return s.db.Close()
}

// SaveEval persists one evaluation run.
func (s *EvalStore) SaveEval(ctx context.Context, eval *model.Eval) error {
	if eval.ID == "" {
		return fmt.Errorf("eval has no id")
	}
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = time.Now().UTC()
	}

	payload, err := sonic.Marshal(eval.Results)
	if err != nil {
		return fmt.Errorf("failed to serialize results for eval %s: %w", eval.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evals (id, suite_name, created_at, results)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			suite_name = excluded.suite_name,
			results    = excluded.results
	`, eval.ID, eval.SuiteName, eval.CreatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save eval %s: %w", eval.ID, err)
	}

	logger.Logger.Info("Eval saved", "id", eval.ID, "results", len(eval.Results))
	return nil
}

// FindEvalByID returns the stored eval, or found=false when the id is unknown.
func (s *EvalStore) FindEvalByID(ctx context.Context, id string) (*model.Eval, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, suite_name, created_at, results FROM evals WHERE id = ?`, id)

	var eval model.Eval
	var payload string
	err := row.Scan(&eval.ID, &eval.SuiteName, &eval.CreatedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load eval %s: %w", id, err)
	}

	if err := sonic.Unmarshal([]byte(payload), &eval.Results); err != nil {
		return nil, false, fmt.Errorf("failed to decode results for eval %s: %w", id, err)
	}
	return &eval, true, nil
}

// LatestEval returns the most recently created eval, if any.
func (s *EvalStore) LatestEval(ctx context.Context) (*model.Eval, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM evals ORDER BY created_at DESC LIMIT 1`)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s.FindEvalByID(ctx, id)
}

// ReadResultsFile loads an exported JSON results file. The file may contain a
// full eval record or a bare {"results": [...]} envelope.
func (s *EvalStore) ReadResultsFile(path string) (*model.Eval, bool, error) {
	return ReadResultsFile(path)
}

// ReadResultsFile is the file-shaped half of the storage contract; it does
// not need an open database.
func ReadResultsFile(path string) (*model.Eval, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read results file %q: %w", path, err)
	}

	var eval model.Eval
	if err := sonic.Unmarshal(data, &eval); err != nil {
		return nil, false, fmt.Errorf("failed to parse results file %q: %w", path, err)
	}
	if eval.ID == "" {
		eval.ID = path
	}
	return &eval, true, nil
}
