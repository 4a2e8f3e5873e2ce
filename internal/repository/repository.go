// Package repository defines persistent storage for scan snapshots and
// comparison results. Documents are stored in their serialized Turtle form;
// the store never interprets them.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a named snapshot or diff does not exist
var ErrNotFound = errors.New("repository: not found")

// SnapshotInfo summarizes a stored snapshot without its document
type SnapshotInfo struct {
	Name        string    `json:"name"`
	TakenAt     time.Time `json:"taken_at"`
	EntityCount int       `json:"entity_count"`
	EdgeCount   int       `json:"edge_count"`
}

// DiffInfo summarizes a stored comparison result
type DiffInfo struct {
	ID         string    `json:"id"`
	SourceA    string    `json:"source_a"`
	SourceB    string    `json:"source_b"`
	ComputedAt time.Time `json:"computed_at"`
}

// Store is the persistence interface for scan output
type Store interface {
	// Snapshot operations
	SaveSnapshot(ctx context.Context, info SnapshotInfo, document string) error
	GetSnapshot(ctx context.Context, name string) (string, error)
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)
	// PruneSnapshots deletes the oldest snapshots beyond keep, returning
	// how many were removed
	PruneSnapshots(ctx context.Context, keep int) (int, error)

	// Comparison results
	SaveDiff(ctx context.Context, info DiffInfo, document string) error
	GetDiff(ctx context.Context, id string) (string, error)
	ListDiffs(ctx context.Context) ([]DiffInfo, error)

	// Close releases resources
	Close() error
}
