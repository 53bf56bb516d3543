package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/solution"
)

// SQLiteStore implements Store using SQLite in WAL mode.
//
// WAL keeps readers unblocked while the retention engine deletes: reads
// during a retention cycle see either the fully-committed row or no row,
// never a torn one.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const solutionColumns = `id, query_text, response_text, embedding_ref, collection,
	value_score, access_count, created_at, last_accessed_at`

// NewSQLiteStore opens or creates the solution database at dbPath and
// initializes the schema. Parent directories are created if missing.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("solution store opened", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS solutions (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		response_text TEXT NOT NULL,
		embedding_ref TEXT,
		collection TEXT NOT NULL,
		value_score REAL NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_solutions_created_at ON solutions(created_at);
	CREATE INDEX IF NOT EXISTS idx_solutions_collection_created ON solutions(collection, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_solutions_rank ON solutions(value_score DESC, last_accessed_at DESC);

	-- Every ID ever assigned. Rows here are never deleted, which is what
	-- makes "IDs are never reused" enforceable after the solution is gone.
	CREATE TABLE IF NOT EXISTS solution_ids (
		id TEXT PRIMARY KEY
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Insert stores a new solution and records its ID in the lifetime ledger.
func (s *SQLiteStore) Insert(ctx context.Context, sol *solution.Solution) error {
	if err := sol.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO solution_ids (id) VALUES (?)`, sol.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, sol.ID)
		}
		return s.wrap(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO solutions (`+solutionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sol.ID, sol.QueryText, sol.ResponseText, sol.EmbeddingRef, sol.Collection,
		sol.ValueScore, sol.AccessCount, sol.CreatedAt, sol.LastAccessedAt,
	)
	if err != nil {
		return s.wrap(err)
	}
	return tx.Commit()
}

// Get returns a solution by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*solution.Solution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions WHERE id = ?`, id)

	sol, err := scanSolution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", solution.ErrNotFound, id)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return sol, nil
}

// GetBatch returns the solutions for the given IDs, keyed by ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, ids []string) (map[string]*solution.Solution, error) {
	result := make(map[string]*solution.Solution, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		result[sol.ID] = sol
	}
	return result, s.wrap(rows.Err())
}

// Delete removes a solution. The lifetime ID ledger entry stays.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM solutions WHERE id = ?`, id)
	return s.wrap(err)
}

// Exists reports whether a live solution record exists.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM solutions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err)
	}
	return true, nil
}

// Count returns the total number of solutions.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions`).Scan(&count)
	return count, s.wrap(err)
}

// Touch updates access tracking for one solution.
func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE solutions SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		at, id)
	return s.wrap(err)
}

// TouchBatch updates access tracking for every ID in one transaction.
func (s *SQLiteStore) TouchBatch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE solutions SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`)
	if err != nil {
		return s.wrap(err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, at, id); err != nil {
			return s.wrap(err)
		}
	}
	return tx.Commit()
}

// TopByValue returns the n highest-valued solutions in a collection.
func (s *SQLiteStore) TopByValue(ctx context.Context, collection string, n int) ([]*solution.Solution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions
		 WHERE collection = ?
		 ORDER BY value_score DESC, last_accessed_at DESC
		 LIMIT ?`, collection, n)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	return collectSolutions(rows)
}

// OlderThan streams solutions created before the cutoff.
func (s *SQLiteStore) OlderThan(ctx context.Context, cutoff time.Time, fn Iterator) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions WHERE created_at < ? ORDER BY created_at`, cutoff)
	if err != nil {
		return s.wrap(err)
	}
	return s.iterate(rows, fn)
}

// RankedTail streams the value-pruning victims: everything ranked below
// the first keep rows by value_score descending.
func (s *SQLiteStore) RankedTail(ctx context.Context, keep int64, fn Iterator) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions
		 ORDER BY value_score DESC, last_accessed_at DESC
		 LIMIT -1 OFFSET ?`, keep)
	if err != nil {
		return s.wrap(err)
	}
	return s.iterate(rows, fn)
}

// RecentByCollection returns up to n newest solutions of a collection.
func (s *SQLiteStore) RecentByCollection(ctx context.Context, collection string, n int) ([]*solution.Solution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions
		 WHERE collection = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, collection, n)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	return collectSolutions(rows)
}

// Collections lists the distinct collections currently stored.
func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM solutions ORDER BY collection`)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, s.wrap(err)
		}
		collections = append(collections, c)
	}
	return collections, s.wrap(rows.Err())
}

// ForEach streams every solution in ID order.
func (s *SQLiteStore) ForEach(ctx context.Context, fn Iterator) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+solutionColumns+` FROM solutions ORDER BY id`)
	if err != nil {
		return s.wrap(err)
	}
	return s.iterate(rows, fn)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// iterate drives a cursor over rows, one solution at a time.
func (s *SQLiteStore) iterate(rows *sql.Rows, fn Iterator) error {
	defer rows.Close()
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return s.wrap(err)
		}
		if err := fn(sol); err != nil {
			return err
		}
	}
	return s.wrap(rows.Err())
}

// wrap tags database failures as ErrUnavailable so callers can treat them
// as retryable. Context cancellation passes through untouched.
func (s *SQLiteStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSolution(row rowScanner) (*solution.Solution, error) {
	var sol solution.Solution
	var ref sql.NullString
	err := row.Scan(&sol.ID, &sol.QueryText, &sol.ResponseText, &ref, &sol.Collection,
		&sol.ValueScore, &sol.AccessCount, &sol.CreatedAt, &sol.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	sol.EmbeddingRef = ref.String
	return &sol, nil
}

func collectSolutions(rows *sql.Rows) ([]*solution.Solution, error) {
	var solutions []*solution.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		solutions = append(solutions, sol)
	}
	return solutions, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
