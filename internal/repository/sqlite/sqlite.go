// Package sqlite implements repository.Store using SQLite
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bacmap/internal/repository"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements repository.Store backed by a single SQLite file
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		taken_at DATETIME NOT NULL,
		entity_count INTEGER NOT NULL,
		edge_count INTEGER NOT NULL,
		document TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS diffs (
		id TEXT PRIMARY KEY,
		source_a TEXT NOT NULL,
		source_b TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		document TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);
	CREATE INDEX IF NOT EXISTS idx_diffs_sources ON diffs(source_a, source_b);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot stores a snapshot document, replacing any previous snapshot
// with the same name
func (s *Store) SaveSnapshot(ctx context.Context, info repository.SnapshotInfo, document string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (name, taken_at, entity_count, edge_count, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			taken_at = excluded.taken_at,
			entity_count = excluded.entity_count,
			edge_count = excluded.edge_count,
			document = excluded.document
	`, info.Name, info.TakenAt.UTC().Format(time.RFC3339Nano), info.EntityCount, info.EdgeCount, document)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", info.Name, err)
	}
	return nil
}

// GetSnapshot returns the stored document for a snapshot name
func (s *Store) GetSnapshot(ctx context.Context, name string) (string, error) {
	var document string
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM snapshots WHERE name = ?
	`, name).Scan(&document)
	if err == sql.ErrNoRows {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query snapshot %s: %w", name, err)
	}
	return document, nil
}

// ListSnapshots returns every stored snapshot, newest first
func (s *Store) ListSnapshots(ctx context.Context) ([]repository.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, taken_at, entity_count, edge_count
		FROM snapshots ORDER BY taken_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []repository.SnapshotInfo
	for rows.Next() {
		var info repository.SnapshotInfo
		var taken string
		if err := rows.Scan(&info.Name, &taken, &info.EntityCount, &info.EdgeCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		info.TakenAt, err = time.Parse(time.RFC3339Nano, taken)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for %s: %w", info.Name, err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// PruneSnapshots deletes the oldest snapshots until at most keep remain
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE name NOT IN (
			SELECT name FROM snapshots ORDER BY taken_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	return int(n), nil
}

// SaveDiff stores a comparison result document
func (s *Store) SaveDiff(ctx context.Context, info repository.DiffInfo, document string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diffs (id, source_a, source_b, computed_at, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_a = excluded.source_a,
			source_b = excluded.source_b,
			computed_at = excluded.computed_at,
			document = excluded.document
	`, info.ID, info.SourceA, info.SourceB, info.ComputedAt.UTC().Format(time.RFC3339Nano), document)
	if err != nil {
		return fmt.Errorf("failed to save diff %s: %w", info.ID, err)
	}
	return nil
}

// GetDiff returns the stored document for a comparison id
func (s *Store) GetDiff(ctx context.Context, id string) (string, error) {
	var document string
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM diffs WHERE id = ?
	`, id).Scan(&document)
	if err == sql.ErrNoRows {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query diff %s: %w", id, err)
	}
	return document, nil
}

// ListDiffs returns every stored comparison, newest first
func (s *Store) ListDiffs(ctx context.Context) ([]repository.DiffInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_a, source_b, computed_at
		FROM diffs ORDER BY computed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query diffs: %w", err)
	}
	defer rows.Close()

	var out []repository.DiffInfo
	for rows.Next() {
		var info repository.DiffInfo
		var computed string
		if err := rows.Scan(&info.ID, &info.SourceA, &info.SourceB, &computed); err != nil {
			return nil, fmt.Errorf("failed to scan diff: %w", err)
		}
		info.ComputedAt, err = time.Parse(time.RFC3339Nano, computed)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for %s: %w", info.ID, err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diffs: %w", err)
	}
	return out, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
