// Package compare serializes snapshot comparisons behind a single worker.
// Comparisons are cheap individually but unbounded in number, so requests
// queue in arrival order, and a pair already waiting or running is rejected
// rather than queued twice.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bacmap/internal/observability"
)

var (
	// ErrDuplicate means the same pair of snapshots, in either order, is
	// already queued or running
	ErrDuplicate = errors.New("compare: pair already in flight")
	// ErrNotFound means no task with the given id is known
	ErrNotFound = errors.New("compare: no such task")
)

// State is the lifecycle position of a comparison task
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Task is one comparison request. SourceA is treated as the older snapshot
// and SourceB as the newer; the duplicate guard ignores the order.
type Task struct {
	ID        string    `json:"id"`
	SourceA   string    `json:"source_a"`
	SourceB   string    `json:"source_b"`
	State     State     `json:"state"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitempty"`
	Finished  time.Time `json:"finished,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Runner executes one comparison. A returned error fails the task but never
// the queue.
type Runner func(ctx context.Context, task Task) error

// Queue is a FIFO comparison queue drained by exactly one worker
type Queue struct {
	run     Runner
	retain  int
	metrics *observability.Metrics
	log     *logrus.Entry

	mu       sync.Mutex
	pending  []*Task
	current  *Task
	tasks    map[string]*Task
	inflight map[string]string
	finished []string
	wake     chan struct{}
}

// NewQueue builds a queue retaining at most retain finished tasks for polling
func NewQueue(run Runner, retain int, metrics *observability.Metrics, logger *logrus.Logger) *Queue {
	if retain < 1 {
		retain = 1
	}
	return &Queue{
		run:      run,
		retain:   retain,
		metrics:  metrics,
		log:      logger.WithField("component", "compare"),
		tasks:    make(map[string]*Task),
		inflight: make(map[string]string),
		wake:     make(chan struct{}, 1),
	}
}

// pairKey identifies a pair of snapshots regardless of submission order
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Submit enqueues a comparison of two distinct snapshots. The returned Task
// is a copy; track it by ID.
func (q *Queue) Submit(sourceA, sourceB string) (Task, error) {
	if sourceA == "" || sourceB == "" {
		return Task{}, fmt.Errorf("compare: empty snapshot name")
	}
	if sourceA == sourceB {
		return Task{}, fmt.Errorf("compare: cannot compare %q with itself", sourceA)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := pairKey(sourceA, sourceB)
	if _, ok := q.inflight[key]; ok {
		return Task{}, ErrDuplicate
	}

	task := &Task{
		ID:        uuid.NewString(),
		SourceA:   sourceA,
		SourceB:   sourceB,
		State:     StateQueued,
		Submitted: time.Now().UTC(),
	}
	q.pending = append(q.pending, task)
	q.tasks[task.ID] = task
	q.inflight[key] = task.ID
	q.setDepthLocked()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.log.WithFields(logrus.Fields{
		"task": task.ID, "a": sourceA, "b": sourceB,
	}).Info("comparison queued")
	return *task, nil
}

// Run drains the queue until the context is cancelled. Call it from exactly
// one goroutine.
func (q *Queue) Run(ctx context.Context) {
	for {
		task := q.next()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		q.finish(task, q.run(ctx, *task))

		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the head of the queue, or returns nil when it is empty
func (q *Queue) next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	task.State = StateProcessing
	task.Started = time.Now().UTC()
	q.current = task
	q.setDepthLocked()
	return task
}

func (q *Queue) finish(task *Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Finished = time.Now().UTC()
	if err != nil {
		task.State = StateError
		task.Error = err.Error()
		q.log.WithError(err).WithField("task", task.ID).Warn("comparison failed")
	} else {
		task.State = StateDone
		q.log.WithField("task", task.ID).Info("comparison complete")
	}
	if q.metrics != nil {
		outcome := "done"
		if err != nil {
			outcome = "error"
		}
		q.metrics.CompareTasks.WithLabelValues(outcome).Inc()
	}

	q.current = nil
	delete(q.inflight, pairKey(task.SourceA, task.SourceB))

	// bound the finished-task history
	q.finished = append(q.finished, task.ID)
	for len(q.finished) > q.retain {
		delete(q.tasks, q.finished[0])
		q.finished = q.finished[1:]
	}
}

// Poll reports the task being processed (nil when idle) and the waiting
// tasks in queue order. Everything returned is a copy.
func (q *Queue) Poll() (*Task, []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var current *Task
	if q.current != nil {
		c := *q.current
		current = &c
	}
	pending := make([]Task, len(q.pending))
	for i, t := range q.pending {
		pending[i] = *t
	}
	return current, pending
}

// Task returns a copy of the task with the given id
func (q *Queue) Task(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (q *Queue) setDepthLocked() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.pending)))
	}
}
