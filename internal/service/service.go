// Package service orchestrates the scan pipeline: discovery produces facts,
// the builder turns them into a snapshot, the snapshot is serialized and
// persisted, and old snapshots are pruned. It also owns the comparison queue
// and the periodic scan scheduler.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bacmap/internal/compare"
	"bacmap/internal/domain"
	"bacmap/internal/graph"
	"bacmap/internal/observability"
	"bacmap/internal/repository"
	"bacmap/internal/turtle"
)

// ErrScanInProgress is returned when a scan is requested while one is running
var ErrScanInProgress = errors.New("service: scan already in progress")

// compareRetention is how many finished comparison tasks stay pollable
const compareRetention = 50

// Scanner produces the raw facts of one discovery pass
type Scanner interface {
	Discover(ctx context.Context) ([]domain.Fact, error)
}

// Options configures a Service
type Options struct {
	// StoreLimit caps retained snapshots; older ones are pruned after
	// each scan
	StoreLimit int
	// Interval is the period of the scan scheduler; zero disables it
	Interval time.Duration
}

// Service ties discovery, persistence, and comparison together
type Service struct {
	scanner Scanner
	builder *graph.Builder
	store   repository.Store
	queue   *compare.Queue
	metrics *observability.Metrics
	log     *logrus.Entry
	opts    Options

	mu       sync.Mutex
	scanning bool
	runCtx   context.Context
}

// New builds a Service. Run must be called before StartScan.
func New(scanner Scanner, builder *graph.Builder, store repository.Store, metrics *observability.Metrics, logger *logrus.Logger, opts Options) *Service {
	if opts.StoreLimit < 1 {
		opts.StoreLimit = 30
	}
	s := &Service{
		scanner: scanner,
		builder: builder,
		store:   store,
		metrics: metrics,
		log:     logger.WithField("component", "service"),
		opts:    opts,
	}
	s.queue = compare.NewQueue(s.runCompare, compareRetention, metrics, logger)
	return s
}

// Run drives the comparison worker and the scan scheduler until the context
// is cancelled. Call it once.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	go s.queue.Run(ctx)

	if s.opts.Interval <= 0 {
		<-ctx.Done()
		return
	}

	// first scan right away, then on the interval
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Error("initial scan failed")
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) && ctx.Err() == nil {
				s.log.WithError(err).Error("scheduled scan failed")
			}
		}
	}
}

// StartScan launches a scan in the background, rejecting the request when one
// is already running
func (s *Service) StartScan() error {
	s.mu.Lock()
	ctx := s.runCtx
	running := s.scanning
	s.mu.Unlock()

	if running {
		return ErrScanInProgress
	}
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		if _, err := s.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
			s.log.WithError(err).Error("requested scan failed")
		}
	}()
	return nil
}

// Scan runs one complete pass synchronously and returns the stored snapshot's
// metadata
func (s *Service) Scan(ctx context.Context) (repository.SnapshotInfo, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return repository.SnapshotInfo{}, ErrScanInProgress
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	started := time.Now()
	info, err := s.scan(ctx, started)

	if s.metrics != nil {
		s.metrics.ScanDuration.Observe(time.Since(started).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.ScansTotal.WithLabelValues(result).Inc()
	}
	return info, err
}

func (s *Service) scan(ctx context.Context, started time.Time) (repository.SnapshotInfo, error) {
	taken := started.UTC()
	name := "scan-" + taken.Format("20060102-150405.000")

	facts, err := s.scanner.Discover(ctx)
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("discovery: %w", err)
	}

	g, err := s.builder.Build(name, taken, facts)
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("graph build: %w", err)
	}

	var buf bytes.Buffer
	if err := turtle.EncodeGraph(&buf, g); err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("serialize snapshot: %w", err)
	}

	info := repository.SnapshotInfo{
		Name:        name,
		TakenAt:     taken,
		EntityCount: g.EntityCount(),
		EdgeCount:   g.EdgeCount(),
	}
	if err := s.store.SaveSnapshot(ctx, info, buf.String()); err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("store snapshot: %w", err)
	}

	pruned, err := s.store.PruneSnapshots(ctx, s.opts.StoreLimit)
	if err != nil {
		// the snapshot itself is safe; losing a prune is recoverable
		s.log.WithError(err).Warn("snapshot pruning failed")
	} else if pruned > 0 {
		s.log.WithField("pruned", pruned).Info("old snapshots removed")
	}

	s.log.WithFields(logrus.Fields{
		"snapshot": name,
		"entities": info.EntityCount,
		"edges":    info.EdgeCount,
	}).Info("scan stored")
	return info, nil
}

// ListSnapshots returns stored snapshot metadata, newest first
func (s *Service) ListSnapshots(ctx context.Context) ([]repository.SnapshotInfo, error) {
	return s.store.ListSnapshots(ctx)
}

// SnapshotDocument returns the Turtle document of a named snapshot
func (s *Service) SnapshotDocument(ctx context.Context, name string) (string, error) {
	return s.store.GetSnapshot(ctx, name)
}

// SubmitCompare validates that both snapshots exist and queues their
// comparison. sourceA is treated as the older side, sourceB as the newer.
func (s *Service) SubmitCompare(ctx context.Context, sourceA, sourceB string) (compare.Task, error) {
	for _, name := range []string{sourceA, sourceB} {
		if _, err := s.store.GetSnapshot(ctx, name); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return compare.Task{}, fmt.Errorf("snapshot %q: %w", name, repository.ErrNotFound)
			}
			return compare.Task{}, err
		}
	}
	return s.queue.Submit(sourceA, sourceB)
}

// CompareQueue reports the running task (nil when idle) and the waiting tasks
func (s *Service) CompareQueue() (*compare.Task, []compare.Task) {
	return s.queue.Poll()
}

// CompareTask returns a queued, running, or recently finished task by id
func (s *Service) CompareTask(id string) (compare.Task, error) {
	return s.queue.Task(id)
}

// DiffDocument returns the Turtle document of a finished comparison
func (s *Service) DiffDocument(ctx context.Context, id string) (string, error) {
	return s.store.GetDiff(ctx, id)
}

// ListDiffs returns stored comparison metadata, newest first
func (s *Service) ListDiffs(ctx context.Context) ([]repository.DiffInfo, error) {
	return s.store.ListDiffs(ctx)
}

// runCompare executes one queued comparison: load both snapshots, diff them,
// and persist the result under the task id
func (s *Service) runCompare(ctx context.Context, task compare.Task) error {
	load := func(name string) (*domain.NetworkGraph, error) {
		doc, err := s.store.GetSnapshot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %q: %w", name, err)
		}
		g, err := turtle.DecodeGraph(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %q: %w", name, err)
		}
		return g, nil
	}

	a, err := load(task.SourceA)
	if err != nil {
		return err
	}
	b, err := load(task.SourceB)
	if err != nil {
		return err
	}

	d := graph.Diff(a, b)

	var buf bytes.Buffer
	if err := turtle.EncodeDiff(&buf, d); err != nil {
		return fmt.Errorf("serialize diff: %w", err)
	}

	info := repository.DiffInfo{
		ID:         task.ID,
		SourceA:    task.SourceA,
		SourceB:    task.SourceB,
		ComputedAt: d.ComputedAt(),
	}
	if err := s.store.SaveDiff(ctx, info, buf.String()); err != nil {
		return fmt.Errorf("store diff: %w", err)
	}
	return nil
}
